// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keylifecycle.
//
// go-keylifecycle is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata"
)

func TestConnect_RequiresURI(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, nil)
	assert.Error(t, err)
}

func TestConnect_UnreachableServer(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a socket")
	}

	_, err := Connect(context.Background(), Config{
		URI:            "mongodb://127.0.0.1:1",
		ConnectTimeout: 2 * time.Second,
	}, nil)
	assert.ErrorIs(t, err, metadata.ErrUnavailable)
}
