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

package bolt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// readBucket decodes every value in a bucket in key order.
func readBucket(t *testing.T, s *Store, bucket string, decode func([]byte)) {
	t.Helper()

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(_, v []byte) error {
			decode(v)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestInsertRotation_PreservesOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.InsertRotation(ctx, types.RotationRecord{
			AdminID:  "admin",
			KeyType:  types.KeyTypeSession,
			NewKeyID: id,
		}))
	}

	var got []string
	readBucket(t, s, metadata.CollectionRotationHistory, func(v []byte) {
		var record types.RotationRecord
		require.NoError(t, json.Unmarshal(v, &record))
		got = append(got, record.NewKeyID)
	})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestInsertRestore(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.InsertRestore(context.Background(), types.RestoreRecord{
		AdminID:  "admin",
		Archive:  "keys-backup-20250101000000.tar.gz",
		Mode:     "merge",
		Restored: 2,
		Skipped:  1,
	}))

	var records []types.RestoreRecord
	readBucket(t, s, metadata.CollectionRestoreHistory, func(v []byte) {
		var record types.RestoreRecord
		require.NoError(t, json.Unmarshal(v, &record))
		records = append(records, record)
	})
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Restored)
	assert.Equal(t, 1, records[0].Skipped)
}

func TestUpsertCurrentKey_Replaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCurrentKey(ctx, types.CurrentKeyRef{
		KeyType:   types.KeyTypeJWT,
		KeyID:     "jwt-primary-20250101000000",
		UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.UpsertCurrentKey(ctx, types.CurrentKeyRef{
		KeyType:   types.KeyTypeJWT,
		KeyID:     "jwt-primary-20250201000000",
		UpdatedAt: time.Now().UTC(),
	}))

	var refs []types.CurrentKeyRef
	readBucket(t, s, metadata.CollectionCurrentKeys, func(v []byte) {
		var ref types.CurrentKeyRef
		require.NoError(t, json.Unmarshal(v, &ref))
		refs = append(refs, ref)
	})
	require.Len(t, refs, 1)
	assert.Equal(t, "jwt-primary-20250201000000", refs[0].KeyID)
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Ping(cancelled), context.Canceled)
}

func TestOpen_LockedByOtherProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	first, err := Open(path, nil)
	require.NoError(t, err)
	defer first.Close(context.Background())

	// Same process re-open contends on the bbolt file lock.
	_, err = Open(path, nil)
	assert.ErrorIs(t, err, metadata.ErrUnavailable)
}
