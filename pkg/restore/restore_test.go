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

package restore

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keylifecycle/pkg/backup"
	"github.com/jeremyhahn/go-keylifecycle/pkg/cipher"
	"github.com/jeremyhahn/go-keylifecycle/pkg/keystore"
	"github.com/jeremyhahn/go-keylifecycle/pkg/manifest"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

type testEnv struct {
	store     *keystore.KeyStore
	manifests *manifest.Service
	backups   *backup.Manager
	config    Config
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	ks, err := keystore.New(filepath.Join(root, "keys"), nil)
	require.NoError(t, err)

	manifests := manifest.NewService(nil)
	backups, err := backup.NewManager(backup.Config{
		BackupRoot: filepath.Join(root, "backups"),
	}, ks, manifests, &cipher.Fake{}, nil, nil)
	require.NoError(t, err)

	return &testEnv{
		store:     ks,
		manifests: manifests,
		backups:   backups,
		config:    Config{BackupRoot: filepath.Join(root, "backups")},
	}
}

func (e *testEnv) manager(t *testing.T, provider cipher.Provider, meta metadata.Store, sealed SealedKeyLoader) *Manager {
	t.Helper()
	m, err := NewManager(e.config, e.store, e.manifests, provider, meta, sealed, nil)
	require.NoError(t, err)
	return m
}

func (e *testEnv) writeKey(t *testing.T, kt types.KeyType, qualifier string, at time.Time) *types.Key {
	t.Helper()
	id, err := types.FormatKeyID(kt, qualifier, at)
	require.NoError(t, err)
	key := &types.Key{
		KeyInfo: types.KeyInfo{
			ID:        id,
			Type:      kt,
			Algorithm: types.AlgorithmAES256,
			Backend:   types.BackendSoftware,
			Status:    types.KeyStatusActive,
			CreatedAt: at,
		},
		Material: types.KeyMaterial{Symmetric: []byte("material for " + id)},
	}
	_, err = e.store.Write(context.Background(), key)
	require.NoError(t, err)
	return key
}

// snapshot reads every artifact of a key so tests can compare bytes
// across delete and restore.
func (e *testEnv) snapshot(t *testing.T, id string) map[string][]byte {
	t.Helper()
	paths, err := e.store.Artifacts(id)
	require.NoError(t, err)
	out := make(map[string][]byte)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		out[p] = data
	}
	return out
}

func (e *testEnv) wipe(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.store.Delete(context.Background(), id))
	}
}

type fakeLoader struct {
	err   error
	calls int
}

func (f *fakeLoader) Load(ctx context.Context, artifact []byte) error {
	f.calls++
	return f.err
}

func TestRestore_RoundTrip(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	session := env.writeKey(t, types.KeyTypeSession, "primary", at)
	jwt := env.writeKey(t, types.KeyTypeJWT, "primary", at)

	before := env.snapshot(t, session.ID)
	for p, data := range env.snapshot(t, jwt.ID) {
		before[p] = data
	}

	archive, err := env.backups.Backup(ctx, backup.Options{Compress: true})
	require.NoError(t, err)
	env.wipe(t, session.ID, jwt.ID)

	m := env.manager(t, nil, nil, nil)
	report, err := m.Restore(ctx, filepath.Base(archive.Path), Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Restored)
	assert.Zero(t, report.Skipped)
	assert.Zero(t, report.Failed)
	assert.Equal(t, archive.BackupID, report.BackupID)
	assert.Equal(t, ModeMerge, report.Mode)

	// Every restored file is byte-identical to the original.
	for p, want := range before {
		got, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, want, got, p)
	}
}

func TestRestore_MergeSkipsOccupiedType(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	archived := env.writeKey(t, types.KeyTypeJWT, "primary", time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC))

	archive, err := env.backups.Backup(ctx, backup.Options{KeyTypes: []string{"jwt"}, Compress: true})
	require.NoError(t, err)

	// Swap the archived key for a different one of the same type.
	env.wipe(t, archived.ID)
	env.writeKey(t, types.KeyTypeJWT, "standby", time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))

	m := env.manager(t, nil, nil, nil)
	report, err := m.Restore(ctx, filepath.Base(archive.Path), Options{Mode: ModeMerge})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Restored)
	require.Len(t, report.Keys, 1)
	assert.Equal(t, KindExists, report.Keys[0].Kind)

	exists, err := env.store.Exists(ctx, archived.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRestore_MergeFillsEmptyTypes(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	session := env.writeKey(t, types.KeyTypeSession, "primary", at)
	env.writeKey(t, types.KeyTypeJWT, "primary", at)

	archive, err := env.backups.Backup(ctx, backup.Options{Compress: true})
	require.NoError(t, err)

	// Only the session slot is emptied; jwt stays occupied.
	env.wipe(t, session.ID)

	m := env.manager(t, nil, nil, nil)
	report, err := m.Restore(ctx, filepath.Base(archive.Path), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Restored)
	assert.Equal(t, 1, report.Skipped)

	exists, err := env.store.Exists(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRestore_OverwriteReplaces(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	key := env.writeKey(t, types.KeyTypeStorage, "primary", time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC))
	before := env.snapshot(t, key.ID)

	archive, err := env.backups.Backup(ctx, backup.Options{Compress: true})
	require.NoError(t, err)

	// Damage the live copy, then restore over it.
	keyFile := filepath.Join(env.store.Root(), "storage", key.ID+".key")
	require.NoError(t, os.WriteFile(keyFile, []byte("damaged"), 0o600))

	m := env.manager(t, nil, nil, nil)
	report, err := m.Restore(ctx, filepath.Base(archive.Path), Options{Mode: ModeOverwrite})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Restored)
	got, err := os.ReadFile(keyFile)
	require.NoError(t, err)
	assert.Equal(t, before[keyFile], got)
}

func TestRestore_TestMode(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	key := env.writeKey(t, types.KeyTypeSession, "primary", time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC))

	archive, err := env.backups.Backup(ctx, backup.Options{})
	require.NoError(t, err)

	m := env.manager(t, nil, nil, nil)

	t.Run("CleanArchive", func(t *testing.T) {
		report, err := m.Restore(ctx, archive.Path, Options{Test: true})
		require.NoError(t, err)
		assert.True(t, report.Test)
		require.NotNil(t, report.Verification)
		assert.True(t, report.Verification.OK())
		assert.Zero(t, report.Restored)
	})

	t.Run("FlippedByte", func(t *testing.T) {
		target := filepath.Join(archive.Path, "session", key.ID+".key")
		data, err := os.ReadFile(target)
		require.NoError(t, err)
		data[len(data)-1] ^= 0xff
		require.NoError(t, os.WriteFile(target, data, 0o600))

		report, err := m.Restore(ctx, archive.Path, Options{Test: true})
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrCorruptedArchive)
		require.NotNil(t, report.Verification)
		assert.Equal(t, []string{"session/" + key.ID + ".key"}, report.Verification.Mismatched())
	})
}

func TestRestore_CorruptedKeyIsolated(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	good := env.writeKey(t, types.KeyTypeSession, "primary", at)
	bad := env.writeKey(t, types.KeyTypeJWT, "primary", at)

	archive, err := env.backups.Backup(ctx, backup.Options{})
	require.NoError(t, err)
	env.wipe(t, good.ID, bad.ID)

	// Corrupt one archived file; the other key must still restore.
	target := filepath.Join(archive.Path, "jwt", bad.ID+".key")
	require.NoError(t, os.WriteFile(target, []byte("flipped"), 0o600))

	m := env.manager(t, nil, nil, nil)
	report, err := m.Restore(ctx, archive.Path, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCorruptedArchive)

	assert.Equal(t, 1, report.Restored)
	assert.Equal(t, 1, report.Failed)

	goodExists, err := env.store.Exists(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, goodExists)
	badExists, err := env.store.Exists(ctx, bad.ID)
	require.NoError(t, err)
	assert.False(t, badExists)
}

func TestRestore_Encrypted(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	key := env.writeKey(t, types.KeyTypeStorage, "primary", time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC))

	archive, err := env.backups.Backup(ctx, backup.Options{Encrypt: true})
	require.NoError(t, err)
	env.wipe(t, key.ID)

	t.Run("WithProvider", func(t *testing.T) {
		m := env.manager(t, &cipher.Fake{}, nil, nil)
		report, err := m.Restore(ctx, filepath.Base(archive.Path), Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Restored)
	})

	t.Run("WithoutProvider", func(t *testing.T) {
		m := env.manager(t, nil, nil, nil)
		_, err := m.Restore(ctx, filepath.Base(archive.Path), Options{})
		assert.ErrorIs(t, err, types.ErrMissingDependency)
	})
}

func TestRestore_CipherTimeout(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	key := env.writeKey(t, types.KeyTypeSession, "primary", time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC))

	archive, err := env.backups.Backup(ctx, backup.Options{Encrypt: true})
	require.NoError(t, err)
	env.wipe(t, key.ID)

	env.config.CipherTimeout = time.Nanosecond
	m := env.manager(t, &cipher.Fake{}, nil, nil)
	_, err = m.Restore(ctx, filepath.Base(archive.Path), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTimeout)

	// Nothing lands in the store when decryption is cut short.
	exists, err := env.store.Exists(ctx, key.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRestore_ArchiveNotFound(t *testing.T) {
	env := setupEnv(t)
	m := env.manager(t, nil, nil, nil)

	_, err := m.Restore(context.Background(), "keys-backup-19990101000000.tar.gz", Options{})
	assert.ErrorIs(t, err, types.ErrArchiveNotFound)
}

func TestRestore_FilterKeyTypes(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	session := env.writeKey(t, types.KeyTypeSession, "primary", at)
	jwt := env.writeKey(t, types.KeyTypeJWT, "primary", at)

	archive, err := env.backups.Backup(ctx, backup.Options{Compress: true})
	require.NoError(t, err)
	env.wipe(t, session.ID, jwt.ID)

	m := env.manager(t, nil, nil, nil)
	report, err := m.Restore(ctx, filepath.Base(archive.Path), Options{KeyTypes: []string{"jwt"}})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Restored)
	jwtExists, err := env.store.Exists(ctx, jwt.ID)
	require.NoError(t, err)
	assert.True(t, jwtExists)
	sessionExists, err := env.store.Exists(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, sessionExists)

	t.Run("NoMatch", func(t *testing.T) {
		_, err := m.Restore(ctx, filepath.Base(archive.Path), Options{KeyTypes: []string{"blockchain"}})
		assert.ErrorIs(t, err, types.ErrNoKeysFound)
	})
}

func TestRestore_MetadataRecorded(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	key := env.writeKey(t, types.KeyTypeJWT, "primary", time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC))

	archive, err := env.backups.Backup(ctx, backup.Options{Compress: true})
	require.NoError(t, err)
	env.wipe(t, key.ID)

	mem := metadata.NewMemory()
	m := env.manager(t, nil, mem, nil)
	report, err := m.Restore(ctx, filepath.Base(archive.Path), Options{AdminID: "ops"})
	require.NoError(t, err)
	require.Equal(t, 1, report.Restored)

	records := mem.Restores()
	require.Len(t, records, 1)
	assert.Equal(t, "ops", records[0].AdminID)
	assert.Equal(t, filepath.Base(archive.Path), records[0].Archive)
	assert.Equal(t, 1, records[0].Restored)
	assert.Equal(t, string(ModeMerge), records[0].Mode)

	ref, ok := mem.CurrentKey(types.KeyTypeJWT)
	require.True(t, ok)
	assert.Equal(t, key.ID, ref.KeyID)
}

func TestRestore_MetadataUnreachableDegrades(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	key := env.writeKey(t, types.KeyTypeJWT, "primary", time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC))

	archive, err := env.backups.Backup(ctx, backup.Options{Compress: true})
	require.NoError(t, err)
	env.wipe(t, key.ID)

	mem := metadata.NewMemory()
	mem.FailWith = errors.New("connection refused")

	m := env.manager(t, nil, mem, nil)
	report, err := m.Restore(ctx, filepath.Base(archive.Path), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)
}

func TestRestore_SealedKeys(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

	id, err := types.FormatKeyID(types.KeyTypeStorage, "primary", at)
	require.NoError(t, err)
	sealed := &types.Key{
		KeyInfo: types.KeyInfo{
			ID:        id,
			Type:      types.KeyTypeStorage,
			Algorithm: types.AlgorithmECCP256,
			Backend:   types.BackendTPM,
			Status:    types.KeyStatusActive,
			TPMSealed: true,
			CreatedAt: at,
		},
		Material: types.KeyMaterial{
			Private: []byte("-----BEGIN TPM2 SEALED PRIVATE KEY-----\nZmFrZQ==\n-----END TPM2 SEALED PRIVATE KEY-----\n"),
			Public:  []byte("-----BEGIN PUBLIC KEY-----\nZmFrZQ==\n-----END PUBLIC KEY-----\n"),
		},
	}
	_, err = env.store.Write(ctx, sealed)
	require.NoError(t, err)

	archive, err := env.backups.Backup(ctx, backup.Options{Compress: true})
	require.NoError(t, err)
	env.wipe(t, id)

	t.Run("NoTPMSkips", func(t *testing.T) {
		m := env.manager(t, nil, nil, nil)
		report, err := m.Restore(ctx, filepath.Base(archive.Path), Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
		assert.Zero(t, report.Restored)
		require.Len(t, report.Keys, 1)
		assert.Equal(t, KindSealed, report.Keys[0].Kind)
	})

	t.Run("ForeignTPMSkips", func(t *testing.T) {
		loader := &fakeLoader{err: errors.New("integrity check failed")}
		m := env.manager(t, nil, nil, loader)
		report, err := m.Restore(ctx, filepath.Base(archive.Path), Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 1, loader.calls)
	})

	t.Run("IssuingTPMRestores", func(t *testing.T) {
		loader := &fakeLoader{}
		m := env.manager(t, nil, nil, loader)
		report, err := m.Restore(ctx, filepath.Base(archive.Path), Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Restored)

		exists, err := env.store.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists)
		env.wipe(t, id)
	})
}

func TestRestore_MissingManifest(t *testing.T) {
	env := setupEnv(t)
	dir := filepath.Join(env.config.BackupRoot, "keys-backup-20250101000000")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "session"), 0o700))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "session", "session-primary-20250101000000.key"), []byte("x"), 0o600))

	m := env.manager(t, nil, nil, nil)
	_, err := m.Restore(context.Background(), "keys-backup-20250101000000", Options{})
	assert.ErrorIs(t, err, types.ErrCorruptedArchive)
}

func TestRestore_InvalidMode(t *testing.T) {
	env := setupEnv(t)
	m := env.manager(t, nil, nil, nil)

	_, err := m.Restore(context.Background(), "whatever", Options{Mode: Mode("upsert")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestUntar_RejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	payload := []byte("evil")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../escape.key", Mode: 0o600, Size: int64(len(payload)), Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	err = untar(context.Background(), t.TempDir(), &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCorruptedArchive)
	assert.Contains(t, err.Error(), "illegal entry path")
}

func TestUntar_RejectsSymlinks(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "link.key", Linkname: "/etc/passwd", Typeflag: tar.TypeSymlink,
	}))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	err := untar(context.Background(), t.TempDir(), &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCorruptedArchive)
}
