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

// Package bolt persists lifecycle history in a local bbolt file. It is
// the fallback store for air-gapped hosts where no metadata database
// is reachable, keeping audit records on the machine instead of
// dropping them.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// openTimeout bounds the file lock wait so a second process fails fast
// instead of hanging on the flock.
const openTimeout = time.Second

// Store is the local bbolt metadata adapter. History buckets mirror
// the MongoDB collection names.
type Store struct {
	logger *logging.Logger
	db     *bolt.DB
}

// Compile-time interface check
var _ metadata.Store = (*Store)(nil)

// Open creates or opens the history file and its buckets.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", metadata.ErrUnavailable, path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{
			metadata.CollectionRotationHistory,
			metadata.CollectionRestoreHistory,
			metadata.CollectionCurrentKeys,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: create buckets: %w", err)
	}

	s := &Store{
		logger: logger.WithComponent("metadata.bolt"),
		db:     db,
	}
	s.logger.Debug("opened history file", "path", path)
	return s, nil
}

func (s *Store) InsertRotation(ctx context.Context, record types.RotationRecord) error {
	return s.appendRecord(ctx, metadata.CollectionRotationHistory, record)
}

func (s *Store) InsertRestore(ctx context.Context, record types.RestoreRecord) error {
	return s.appendRecord(ctx, metadata.CollectionRestoreHistory, record)
}

func (s *Store) UpsertCurrentKey(ctx context.Context, ref types.CurrentKeyRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("metadata: encode current key: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metadata.CollectionCurrentKeys)).
			Put([]byte(ref.KeyType), payload)
	})
	if err != nil {
		return fmt.Errorf("metadata: upsert current key: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.View(func(*bolt.Tx) error { return nil }); err != nil {
		return fmt.Errorf("%w: %v", metadata.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// appendRecord writes a history record under a monotonically
// increasing sequence key, preserving insertion order on iteration.
func (s *Store) appendRecord(ctx context.Context, bucket string, record any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("metadata: encode record: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put([]byte(fmt.Sprintf("%016d", seq)), payload)
	})
	if err != nil {
		return fmt.Errorf("metadata: append record: %w", err)
	}
	return nil
}
