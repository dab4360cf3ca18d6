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

package rotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keylifecycle/pkg/backend"
	"github.com/jeremyhahn/go-keylifecycle/pkg/backend/software"
	"github.com/jeremyhahn/go-keylifecycle/pkg/backup"
	"github.com/jeremyhahn/go-keylifecycle/pkg/keystore"
	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/manifest"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// ===== Test Helpers =====

type testEnv struct {
	store   *keystore.KeyStore
	gen     *software.Backend
	backups *backup.Manager
	meta    *metadata.Memory
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logging.New(false)

	store, err := keystore.New(filepath.Join(t.TempDir(), "keys"), logger)
	require.NoError(t, err)

	backups, err := backup.NewManager(backup.Config{
		BackupRoot: filepath.Join(t.TempDir(), "backups"),
	}, store, manifest.NewService(logger), nil, nil, logger)
	require.NoError(t, err)

	return &testEnv{
		store:   store,
		gen:     software.NewBackend(logger),
		backups: backups,
		meta:    metadata.NewMemory(),
	}
}

func (env *testEnv) manager(t *testing.T, config Config) *Manager {
	t.Helper()
	mgr, err := NewManager(config, env.store, env.gen, env.backups, env.meta, logging.New(false))
	require.NoError(t, err)
	return mgr
}

// seed generates and writes a key with a fixed creation time so tests
// control ordering and age.
func (env *testEnv) seed(t *testing.T, kt types.KeyType, at time.Time, algorithm types.Algorithm) *types.Key {
	t.Helper()
	key, err := env.gen.Generate(context.Background(), kt, backend.Params{
		CreatedAt: at,
		Algorithm: algorithm,
	})
	require.NoError(t, err)
	_, err = env.store.Write(context.Background(), key)
	require.NoError(t, err)
	return key
}

// flakyBackend fails generation for one key type and delegates the rest.
type flakyBackend struct {
	backend.Backend
	failFor types.KeyType
}

func (f *flakyBackend) Generate(ctx context.Context, kt types.KeyType, params backend.Params) (*types.Key, error) {
	if kt == f.failFor {
		return nil, fmt.Errorf("entropy source offline")
	}
	return f.Backend.Generate(ctx, kt, params)
}

// ===== Constructor =====

func TestNewManager_Validation(t *testing.T) {
	env := setupEnv(t)
	logger := logging.New(false)

	t.Run("NilStore", func(t *testing.T) {
		_, err := NewManager(Config{}, nil, env.gen, env.backups, env.meta, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "keystore is required")
	})

	t.Run("NilBackend", func(t *testing.T) {
		_, err := NewManager(Config{}, env.store, nil, env.backups, env.meta, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "generation backend is required")
	})

	t.Run("NilBackups", func(t *testing.T) {
		_, err := NewManager(Config{}, env.store, env.gen, nil, env.meta, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backup manager is required")
	})
}

func TestPolicy_Overrides(t *testing.T) {
	env := setupEnv(t)
	mgr := env.manager(t, Config{
		Policies: map[types.KeyType]Policy{
			types.KeyTypeJWT: {IntervalDays: 10},
		},
	})

	jwt := mgr.Policy(types.KeyTypeJWT)
	assert.Equal(t, 10, jwt.IntervalDays, "override replaces the interval")
	assert.Equal(t, DefaultRetain, jwt.Retain, "zero fields keep the default")

	session := mgr.Policy(types.KeyTypeSession)
	assert.Equal(t, 7, session.IntervalDays, "untouched types keep their schedule")
}

// ===== Rotate =====

func TestRotate_ReplacesNewestKey(t *testing.T) {
	env := setupEnv(t)
	mgr := env.manager(t, Config{})
	ctx := context.Background()

	seeded := env.seed(t, types.KeyTypeJWT, time.Now().UTC().Add(-40*24*time.Hour), "")

	key, err := mgr.Rotate(ctx, types.KeyTypeJWT, "admin@example.com")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.NotEqual(t, seeded.ID, key.ID)
	assert.Equal(t, types.KeyTypeJWT, key.Type)
	assert.Equal(t, types.KeyStatusActive, key.Status)

	// The successor is active on disk and listed first.
	info, err := env.store.ReadInfo(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, types.KeyStatusActive, info.Status)

	infos, err := env.store.ListType(ctx, types.KeyTypeJWT)
	require.NoError(t, err)
	require.Len(t, infos, 2, "predecessor stays within the retention count")
	assert.Equal(t, key.ID, infos[0].ID)
	assert.Equal(t, seeded.ID, infos[1].ID)

	// The pre-rotation snapshot landed before the new key existed.
	archives, err := env.backups.Archives(ctx)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, "jwt", archives[0].Scope)

	// Audit trail.
	rotations := env.meta.Rotations()
	require.Len(t, rotations, 1)
	assert.Equal(t, "admin@example.com", rotations[0].AdminID)
	assert.Equal(t, types.KeyTypeJWT, rotations[0].KeyType)
	assert.Equal(t, key.ID, rotations[0].NewKeyID)
	assert.Equal(t, seeded.ID, rotations[0].OldKeyID)
	assert.Equal(t, types.BackendSoftware.String(), rotations[0].Backend)

	current, ok := env.meta.CurrentKey(types.KeyTypeJWT)
	require.True(t, ok)
	assert.Equal(t, key.ID, current.KeyID)
}

func TestRotate_CarriesAlgorithmForward(t *testing.T) {
	env := setupEnv(t)
	mgr := env.manager(t, Config{})
	ctx := context.Background()

	// Seeded off the type default; the successor must match the key it
	// replaces, not the default.
	env.seed(t, types.KeyTypeJWT, time.Now().UTC().Add(-time.Hour), types.AlgorithmAES256)

	key, err := mgr.Rotate(ctx, types.KeyTypeJWT, "")
	require.NoError(t, err)
	assert.Equal(t, types.AlgorithmAES256, key.Algorithm)
}

func TestRotate_EmptyType(t *testing.T) {
	env := setupEnv(t)
	mgr := env.manager(t, Config{})
	ctx := context.Background()

	_, err := mgr.Rotate(ctx, types.KeyTypeStorage, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNoKeysFound)

	archives, err := env.backups.Archives(ctx)
	require.NoError(t, err)
	assert.Empty(t, archives, "nothing to rotate means nothing to snapshot")
}

func TestRotate_InvalidType(t *testing.T) {
	env := setupEnv(t)
	mgr := env.manager(t, Config{})

	_, err := mgr.Rotate(context.Background(), types.KeyType("wildcard"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidKeyType)
}

func TestRotate_RefusesWithoutBackup(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	seeded := env.seed(t, types.KeyTypeSession, time.Now().UTC().Add(-time.Hour), "")

	// A plain file where the backup root should be makes every snapshot
	// attempt fail.
	blockedRoot := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blockedRoot, []byte("not a directory"), 0o600))
	logger := logging.New(false)
	broken, err := backup.NewManager(backup.Config{BackupRoot: blockedRoot},
		env.store, manifest.NewService(logger), nil, nil, logger)
	require.NoError(t, err)

	mgr, err := NewManager(Config{}, env.store, env.gen, broken, env.meta, logger)
	require.NoError(t, err)

	_, err = mgr.Rotate(ctx, types.KeyTypeSession, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre-rotation backup failed")

	infos, err := env.store.ListType(ctx, types.KeyTypeSession)
	require.NoError(t, err)
	require.Len(t, infos, 1, "no successor without a snapshot")
	assert.Equal(t, seeded.ID, infos[0].ID)
	assert.Empty(t, env.meta.Rotations())
}

func TestRotate_GenerateFailureKeepsPredecessor(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	seeded := env.seed(t, types.KeyTypeSession, time.Now().UTC().Add(-time.Hour), "")

	flaky := &flakyBackend{Backend: env.gen, failFor: types.KeyTypeSession}
	mgr, err := NewManager(Config{}, env.store, flaky, env.backups, env.meta, logging.New(false))
	require.NoError(t, err)

	_, err = mgr.Rotate(ctx, types.KeyTypeSession, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generate successor")

	infos, err := env.store.ListType(ctx, types.KeyTypeSession)
	require.NoError(t, err)
	require.Len(t, infos, 1, "a failed generation never disturbs the live key")
	assert.Equal(t, seeded.ID, infos[0].ID)
	assert.Equal(t, types.KeyStatusActive, infos[0].Status)
	assert.Empty(t, env.meta.Rotations())
}

func TestRotate_MonotonicSuccessorIDs(t *testing.T) {
	env := setupEnv(t)
	mgr := env.manager(t, Config{})
	ctx := context.Background()

	// Seeding at the current second forces the timestamp collision: both
	// rotations land inside the same wall-clock second.
	seeded := env.seed(t, types.KeyTypeJWT, time.Now().UTC().Truncate(time.Second), "")

	first, err := mgr.Rotate(ctx, types.KeyTypeJWT, "")
	require.NoError(t, err)
	assert.True(t, first.CreatedAt.After(seeded.CreatedAt),
		"successor sorts strictly after the key it replaces")

	second, err := mgr.Rotate(ctx, types.KeyTypeJWT, "")
	require.NoError(t, err)
	assert.True(t, second.CreatedAt.After(first.CreatedAt))
	assert.NotEqual(t, first.ID, second.ID)

	infos, err := env.store.ListType(ctx, types.KeyTypeJWT)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, second.ID, infos[0].ID)
	assert.Equal(t, first.ID, infos[1].ID)
}

func TestRotate_PrunesToRetention(t *testing.T) {
	env := setupEnv(t)
	mgr := env.manager(t, Config{})
	ctx := context.Background()

	now := time.Now().UTC()
	oldest := env.seed(t, types.KeyTypeSession, now.Add(-72*time.Hour), "")
	middle := env.seed(t, types.KeyTypeSession, now.Add(-48*time.Hour), "")
	newest := env.seed(t, types.KeyTypeSession, now.Add(-24*time.Hour), "")

	key, err := mgr.Rotate(ctx, types.KeyTypeSession, "")
	require.NoError(t, err)

	infos, err := env.store.ListType(ctx, types.KeyTypeSession)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, key.ID, infos[0].ID)
	assert.Equal(t, newest.ID, infos[1].ID)

	for _, id := range []string{middle.ID, oldest.ID} {
		exists, err := env.store.Exists(ctx, id)
		require.NoError(t, err)
		assert.False(t, exists, "%s should be pruned", id)
	}
}

func TestRotate_MetadataUnreachableDegrades(t *testing.T) {
	env := setupEnv(t)
	env.meta.FailWith = errors.New("connection refused")
	mgr := env.manager(t, Config{})
	ctx := context.Background()

	env.seed(t, types.KeyTypeJWT, time.Now().UTC().Add(-time.Hour), "")

	key, err := mgr.Rotate(ctx, types.KeyTypeJWT, "")
	require.NoError(t, err, "an unreachable metadata store never blocks rotation")

	info, err := env.store.ReadInfo(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, types.KeyStatusActive, info.Status)
}

func TestRotate_NilMetadata(t *testing.T) {
	env := setupEnv(t)
	mgr, err := NewManager(Config{}, env.store, env.gen, env.backups, nil, logging.New(false))
	require.NoError(t, err)
	ctx := context.Background()

	env.seed(t, types.KeyTypeJWT, time.Now().UTC().Add(-time.Hour), "")

	_, err = mgr.Rotate(ctx, types.KeyTypeJWT, "")
	require.NoError(t, err)
}

// ===== Scheduling =====

func TestDue_ReportsSchedule(t *testing.T) {
	env := setupEnv(t)
	mgr := env.manager(t, Config{})
	ctx := context.Background()

	now := time.Now().UTC()
	fresh := env.seed(t, types.KeyTypeSession, now.Add(-24*time.Hour), "")
	stale := env.seed(t, types.KeyTypeJWT, now.Add(-31*24*time.Hour), "")

	statuses, err := mgr.Due(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2, "only populated types report")

	byType := make(map[types.KeyType]DueStatus, len(statuses))
	for _, st := range statuses {
		byType[st.KeyType] = st
	}

	session := byType[types.KeyTypeSession]
	assert.Equal(t, fresh.ID, session.NewestKeyID)
	assert.Equal(t, 7, session.IntervalDays)
	assert.False(t, session.Due)
	assert.Equal(t, fresh.CreatedAt.Add(7*24*time.Hour), session.NextRotation)

	jwt := byType[types.KeyTypeJWT]
	assert.Equal(t, stale.ID, jwt.NewestKeyID)
	assert.Equal(t, 30, jwt.IntervalDays)
	assert.True(t, jwt.Due)

	infos, err := env.store.ListType(ctx, types.KeyTypeJWT)
	require.NoError(t, err)
	require.Len(t, infos, 1, "reporting never mutates the store")
}

func TestRotateDue_RotatesOnlyDue(t *testing.T) {
	env := setupEnv(t)
	mgr := env.manager(t, Config{})
	ctx := context.Background()

	now := time.Now().UTC()
	fresh := env.seed(t, types.KeyTypeSession, now.Add(-24*time.Hour), "")
	env.seed(t, types.KeyTypeJWT, now.Add(-31*24*time.Hour), "")

	rotated, err := mgr.RotateDue(ctx, "cron")
	require.NoError(t, err)
	require.Len(t, rotated, 1)
	assert.Equal(t, types.KeyTypeJWT, rotated[0].Type)

	sessions, err := env.store.ListType(ctx, types.KeyTypeSession)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, fresh.ID, sessions[0].ID, "types inside their interval are untouched")

	jwts, err := env.store.ListType(ctx, types.KeyTypeJWT)
	require.NoError(t, err)
	assert.Len(t, jwts, 2)
}

func TestRotateDue_MultipleTypes(t *testing.T) {
	env := setupEnv(t)
	mgr := env.manager(t, Config{})
	ctx := context.Background()

	now := time.Now().UTC()
	env.seed(t, types.KeyTypeJWT, now.Add(-31*24*time.Hour), "")
	env.seed(t, types.KeyTypeSession, now.Add(-8*24*time.Hour), "")

	rotated, err := mgr.RotateDue(ctx, "cron")
	require.NoError(t, err)
	require.Len(t, rotated, 2)
	assert.Equal(t, types.KeyTypeJWT, rotated[0].Type, "results come back ordered by type")
	assert.Equal(t, types.KeyTypeSession, rotated[1].Type)

	for _, key := range rotated {
		infos, err := env.store.ListType(ctx, key.Type)
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, key.ID, infos[0].ID)
		assert.Equal(t, types.KeyStatusActive, infos[0].Status)
	}
	assert.Len(t, env.meta.Rotations(), 2)
}

func TestRotateDue_PartialFailure(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	now := time.Now().UTC()
	env.seed(t, types.KeyTypeSession, now.Add(-8*24*time.Hour), "")
	env.seed(t, types.KeyTypeJWT, now.Add(-31*24*time.Hour), "")

	flaky := &flakyBackend{Backend: env.gen, failFor: types.KeyTypeSession}
	mgr, err := NewManager(Config{}, env.store, flaky, env.backups, env.meta, logging.New(false))
	require.NoError(t, err)

	rotated, err := mgr.RotateDue(ctx, "cron")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPartialFailure)
	assert.Contains(t, err.Error(), "entropy source offline")

	require.Len(t, rotated, 1, "one failing type never stops the rest")
	assert.Equal(t, types.KeyTypeJWT, rotated[0].Type)
}

func TestStaleRotations(t *testing.T) {
	env := setupEnv(t)
	mgr := env.manager(t, Config{})
	ctx := context.Background()

	now := time.Now().UTC()
	stuck := env.seed(t, types.KeyTypeJWT, now.Add(-31*24*time.Hour), "")
	recent := env.seed(t, types.KeyTypeSession, now.Add(-time.Hour), "")
	require.NoError(t, env.store.SetStatus(ctx, stuck.ID, types.KeyStatusRotating))
	require.NoError(t, env.store.SetStatus(ctx, recent.ID, types.KeyStatusRotating))

	stale, err := mgr.StaleRotations(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1, "rotating keys inside their interval are in flight, not stale")
	assert.Equal(t, stuck.ID, stale[0].ID)
	assert.Equal(t, types.KeyStatusRotating, stale[0].Status)
}
