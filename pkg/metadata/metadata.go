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

// Package metadata records key lifecycle history in an external
// metadata database. The interface is deliberately narrow: insert
// audit records and upsert the current-key pointer. Reading history
// back out is the database operator's concern, not this tool's.
//
// An unreachable store degrades lifecycle operations to local-only
// mode with a warning; it never blocks them.
package metadata

import (
	"context"
	"errors"

	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// ErrUnavailable is returned when the metadata store cannot be
// reached.
var ErrUnavailable = errors.New("metadata: store unavailable")

// Collection names shared by every adapter. The bolt adapter reuses
// them as bucket names so local and remote history stay congruent.
const (
	CollectionRotationHistory = "rotation_history"
	CollectionRestoreHistory  = "restore_history"
	CollectionCurrentKeys     = "current_keys"
)

// Store records lifecycle history. Implementations must be safe for
// concurrent use.
type Store interface {
	// InsertRotation appends a rotation audit record.
	InsertRotation(ctx context.Context, record types.RotationRecord) error

	// InsertRestore appends a restore audit record.
	InsertRestore(ctx context.Context, record types.RestoreRecord) error

	// UpsertCurrentKey points a key type at its newest key id,
	// replacing any previous pointer for that type.
	UpsertCurrentKey(ctx context.Context, ref types.CurrentKeyRef) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close(ctx context.Context) error
}
