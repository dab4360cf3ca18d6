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

package keystore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// lockFilename is the advisory lock file kept in each type directory.
const lockFilename = ".lock"

// lockRetryInterval is how often a blocked acquirer re-attempts the lock.
const lockRetryInterval = 100 * time.Millisecond

// typeLocks hands out exclusive per-type advisory locks. flock contends
// between separate open file descriptions, so concurrent acquirers are
// serialized whether they live in this process or another one.
type typeLocks struct {
	root string
}

func newTypeLocks(root string) *typeLocks {
	return &typeLocks{root: root}
}

// acquire blocks until the exclusive lock for the key type is held or
// the context ends. A deadline expiry surfaces as types.ErrTimeout.
func (tl *typeLocks) acquire(ctx context.Context, kt types.KeyType) (func(), error) {
	path := filepath.Join(tl.root, kt.String(), lockFilename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("keystore: open lock file: %w", err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("keystore: lock %s: %w", kt, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("keystore: lock %s: %w", kt, types.ErrTimeout)
			}
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}

	release := func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}
	return release, nil
}
