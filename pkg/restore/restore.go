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

// Package restore rebuilds keystore contents from backup archives. An
// archive is extracted to scratch, verified against its manifest, and
// merged into the live store key by key: merge mode skips keys that
// already exist, overwrite mode replaces them. Every copied file is
// checksummed again against the manifest after landing, and keystore
// permission rules are re-applied regardless of the modes the archive
// carried.
//
// One bad key never aborts the rest of the run. TPM-sealed blobs only
// restore when the local TPM proves it can load them; otherwise they
// are skipped with a warning since the blob is useless off its issuing
// hardware.
package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/ryanuber/go-glob"

	"github.com/jeremyhahn/go-keylifecycle/pkg/backend/tpm2"
	"github.com/jeremyhahn/go-keylifecycle/pkg/cipher"
	"github.com/jeremyhahn/go-keylifecycle/pkg/keystore"
	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/manifest"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metrics"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// Mode selects the conflict policy for keys that already exist in the
// live store. Merge is the safe default; overwrite is strictly opt-in.
type Mode string

const (
	ModeMerge     Mode = "merge"
	ModeOverwrite Mode = "overwrite"
)

// IsValid returns true for a recognized restore mode.
func (m Mode) IsValid() bool {
	return m == ModeMerge || m == ModeOverwrite
}

// Status is the per-key outcome of a restore run.
type Status string

const (
	StatusRestored Status = "restored"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// SealedKeyLoader proves a TPM-sealed artifact belongs to this host by
// loading it under the local storage hierarchy. The TPM backend
// implements it; restore runs without one on TPM-less hosts.
type SealedKeyLoader interface {
	Load(ctx context.Context, artifact []byte) error
}

// Options control a single restore run.
type Options struct {
	// KeyTypes filters archive contents by type using the same glob
	// patterns as the keystore. Empty restores every key.
	KeyTypes []string

	// Mode picks the conflict policy. Empty defaults to merge.
	Mode Mode

	// Test verifies the archive in scratch and reports, leaving the
	// live store untouched.
	Test bool

	// AdminID is recorded in the metadata audit trail.
	AdminID string
}

// Error kinds attached to per-key results, for verbose reporting and
// metrics labels.
const (
	KindCorrupted = "corrupted_archive"
	KindExists    = "key_already_exists"
	KindSealed    = "tpm_sealed"
	KindIO        = "io_error"
)

// KeyResult is the outcome for one key in the archive.
type KeyResult struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Report summarizes a restore run. The process exit code is non-zero
// iff Failed is non-zero or a hard dependency error occurred.
type Report struct {
	Archive      string                       `json:"archive"`
	BackupID     string                       `json:"backup_id,omitempty"`
	Mode         Mode                         `json:"mode"`
	Test         bool                         `json:"test,omitempty"`
	Restored     int                          `json:"restored"`
	Skipped      int                          `json:"skipped"`
	Failed       int                          `json:"failed"`
	Keys         []KeyResult                  `json:"keys,omitempty"`
	Verification *manifest.VerificationResult `json:"verification,omitempty"`
}

func (r *Report) tally(res KeyResult) {
	r.Keys = append(r.Keys, res)
	switch res.Status {
	case StatusRestored:
		r.Restored++
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	}
}

// Config carries the archive search roots for bare-name resolution.
type Config struct {
	// BackupRoot is searched first when an archive reference is not a
	// path that exists.
	BackupRoot string

	// EncryptedRoot is searched second. Defaults to
	// BackupRoot/encrypted when empty.
	EncryptedRoot string

	// CipherTimeout bounds the envelope decryption step of an encrypted
	// archive. Zero leaves the step bounded only by the caller's context.
	CipherTimeout time.Duration
}

// ===== Manager =====

// Manager orchestrates restore runs against one keystore. The cipher
// provider, metadata store and sealed-key loader are all optional;
// without them encrypted archives are rejected, audit records degrade
// to local-only, and sealed blobs are skipped.
type Manager struct {
	logger    *logging.Logger
	store     *keystore.KeyStore
	manifests *manifest.Service
	cipher    cipher.Provider
	meta      metadata.Store
	sealed    SealedKeyLoader
	config    Config
}

// NewManager wires a restore manager. The keystore and manifest service
// are required.
func NewManager(config Config, store *keystore.KeyStore, manifests *manifest.Service,
	provider cipher.Provider, meta metadata.Store, sealed SealedKeyLoader,
	logger *logging.Logger) (*Manager, error) {

	if store == nil {
		return nil, fmt.Errorf("restore: keystore is required")
	}
	if manifests == nil {
		return nil, fmt.Errorf("restore: manifest service is required")
	}
	if config.BackupRoot == "" {
		return nil, fmt.Errorf("restore: backup root is required")
	}
	if config.EncryptedRoot == "" {
		config.EncryptedRoot = filepath.Join(config.BackupRoot, "encrypted")
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &Manager{
		logger:    logger.WithComponent("restore"),
		store:     store,
		manifests: manifests,
		cipher:    provider,
		meta:      meta,
		sealed:    sealed,
		config:    config,
	}, nil
}

// Restore runs one restore pass from the referenced archive. On per-key
// failures it returns both the report and an error, wrapping
// ErrCorruptedArchive when integrity checks caused any of them and
// ErrPartialFailure otherwise.
func (m *Manager) Restore(ctx context.Context, archiveRef string, opts Options) (*Report, error) {
	start := time.Now()

	report, kind, err := m.run(ctx, archiveRef, opts)

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	metrics.RecordOperation(metrics.OpRestore, kind.String(), status, time.Since(start).Seconds())
	return report, err
}

func (m *Manager) run(ctx context.Context, archiveRef string, opts Options) (*Report, types.BackupType, error) {
	if opts.Mode == "" {
		opts.Mode = ModeMerge
	}
	if !opts.Mode.IsValid() {
		return nil, "", fmt.Errorf("restore: unknown mode %q", opts.Mode)
	}

	location, kind, err := m.resolve(archiveRef)
	if err != nil {
		return nil, kind, err
	}

	scratch, err := os.MkdirTemp("", ".keylifecycle-restore-*")
	if err != nil {
		return nil, kind, fmt.Errorf("restore: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := m.extract(ctx, location, kind, scratch); err != nil {
		return nil, kind, err
	}

	man, err := m.manifests.Load(filepath.Join(scratch, manifest.Filename))
	if errors.Is(err, manifest.ErrNotFound) {
		return nil, kind, fmt.Errorf("restore: %w: archive carries no manifest", types.ErrCorruptedArchive)
	}
	if err != nil {
		return nil, kind, fmt.Errorf("restore: %w", err)
	}

	vr, err := m.manifests.Verify(man, scratch)
	if err != nil {
		return nil, kind, fmt.Errorf("restore: %w", err)
	}

	report := &Report{
		Archive:  location,
		BackupID: man.BackupID,
		Mode:     opts.Mode,
		Test:     opts.Test,
	}

	if opts.Test {
		report.Verification = vr
		if !vr.OK() {
			return report, kind, fmt.Errorf("restore: %w: %d mismatched, %d missing, %d unlisted",
				types.ErrCorruptedArchive, len(vr.Mismatched()), len(vr.Missing()), len(vr.Unlisted))
		}
		m.logger.Info("archive verified clean",
			"archive", filepath.Base(location), "files", vr.Matched())
		return report, kind, nil
	}

	keys := groupKeys(man)
	selected := filterKeys(keys, opts.KeyTypes)
	if len(selected) == 0 {
		if len(opts.KeyTypes) > 0 {
			return report, kind, fmt.Errorf("restore: %w in archive matching %s",
				types.ErrNoKeysFound, strings.Join(opts.KeyTypes, ","))
		}
		return report, kind, fmt.Errorf("restore: %w in archive", types.ErrNoKeysFound)
	}

	// Bad files from the pre-restore verification fail their keys
	// without aborting the clean ones.
	bad := make(map[string]string)
	for _, rel := range vr.Mismatched() {
		bad[rel] = "checksum mismatch"
	}
	for _, rel := range vr.Missing() {
		bad[rel] = "missing from archive"
	}
	for _, rel := range vr.Unlisted {
		m.logger.Warn("ignoring file the manifest does not list", "file", rel)
	}

	unlock, err := m.lockTypes(ctx, selected)
	if err != nil {
		return report, kind, fmt.Errorf("restore: %w", err)
	}
	defer unlock()

	// Merge never disturbs a type that already holds keys: conflicts
	// are judged against the store as it stood before this run, so a
	// multi-key archive still restores whole types into empty slots.
	occupied := make(map[types.KeyType]bool)
	if opts.Mode == ModeMerge {
		for _, kt := range affectedTypes(selected) {
			infos, err := m.store.ListType(ctx, kt)
			if err != nil {
				return report, kind, fmt.Errorf("restore: %w", err)
			}
			occupied[kt] = len(infos) > 0
		}
	}

	sums := checksumIndex(man)
	corrupt := 0
	for _, key := range selected {
		res := m.restoreKey(ctx, scratch, key, opts.Mode, occupied, bad, sums)
		if res.Kind == KindCorrupted {
			corrupt++
		}
		report.tally(res)
	}

	m.recordMetadata(ctx, report, opts, selected)

	m.logger.Info("restore finished",
		"archive", filepath.Base(location), "mode", string(opts.Mode),
		"restored", report.Restored, "skipped", report.Skipped, "failed", report.Failed)

	switch {
	case corrupt > 0:
		return report, kind, fmt.Errorf("restore: %w: %d keys failed integrity checks",
			types.ErrCorruptedArchive, corrupt)
	case report.Failed > 0:
		return report, kind, fmt.Errorf("restore: %w: %d of %d keys failed",
			types.ErrPartialFailure, report.Failed, len(selected))
	}
	return report, kind, nil
}

// ===== Per-key restore =====

// archivedKey is one key inside an archive with its artifact paths,
// relative to the archive root.
type archivedKey struct {
	id   string
	kt   types.KeyType
	rels []string
}

func (m *Manager) restoreKey(ctx context.Context, scratch string, key archivedKey,
	mode Mode, occupied map[types.KeyType]bool, bad map[string]string, sums map[string]string) KeyResult {

	if err := ctx.Err(); err != nil {
		return KeyResult{ID: key.id, Status: StatusFailed, Kind: KindIO, Reason: err.Error()}
	}

	for _, rel := range key.rels {
		if reason, ok := bad[rel]; ok {
			return KeyResult{ID: key.id, Status: StatusFailed, Kind: KindCorrupted,
				Reason: fmt.Sprintf("%s: %s", rel, reason)}
		}
	}

	if skip, reason := m.sealedElsewhere(ctx, scratch, key); skip {
		m.logger.Warn("skipping tpm-sealed key", "id", key.id, "reason", reason)
		return KeyResult{ID: key.id, Status: StatusSkipped, Kind: KindSealed, Reason: reason}
	}

	if mode == ModeMerge && occupied[key.kt] {
		return KeyResult{ID: key.id, Status: StatusSkipped, Kind: KindExists,
			Reason: fmt.Sprintf("%s %s", key.kt, types.ErrKeyAlreadyExists.Error())}
	}

	var copied []string
	undo := func() {
		for _, rel := range copied {
			os.Remove(filepath.Join(m.store.Root(), filepath.FromSlash(rel)))
		}
	}

	for _, rel := range key.rels {
		if err := m.placeArtifact(scratch, rel); err != nil {
			undo()
			return KeyResult{ID: key.id, Status: StatusFailed, Kind: KindIO, Reason: err.Error()}
		}
		copied = append(copied, rel)
	}

	if err := m.store.ApplyPermissions(key.id); err != nil {
		undo()
		return KeyResult{ID: key.id, Status: StatusFailed, Kind: KindIO, Reason: err.Error()}
	}

	// Second pass against the live copies catches corruption introduced
	// by the copy itself. Under merge the partial key is removed again;
	// under overwrite the bytes stay for inspection since the previous
	// key is already gone.
	for _, rel := range key.rels {
		sum, err := manifest.ChecksumFile(filepath.Join(m.store.Root(), filepath.FromSlash(rel)))
		if err != nil || sum != sums[rel] {
			if mode == ModeMerge {
				undo()
			}
			return KeyResult{ID: key.id, Status: StatusFailed, Kind: KindCorrupted,
				Reason: fmt.Sprintf("%s: checksum mismatch after copy", rel)}
		}
	}

	m.logger.Debug("restored key", "id", key.id, "files", len(key.rels))
	return KeyResult{ID: key.id, Status: StatusRestored}
}

func (m *Manager) placeArtifact(scratch, rel string) error {
	src := filepath.Join(scratch, filepath.FromSlash(rel))
	dst := filepath.Join(m.store.Root(), filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	// Atomic replace keeps concurrent readers from ever observing a
	// half-written key file.
	if err := atomic.WriteFile(dst, f); err != nil {
		return fmt.Errorf("place %s: %w", rel, err)
	}
	return nil
}

// sealedElsewhere reports whether the key is a TPM-sealed blob this
// host cannot load. Detection prefers the archived sidecar and falls
// back to sniffing the private artifact.
func (m *Manager) sealedElsewhere(ctx context.Context, scratch string, key archivedKey) (bool, string) {
	blob, sealed := m.sealedArtifact(scratch, key)
	if !sealed {
		return false, ""
	}
	if m.sealed == nil {
		return true, "tpm-sealed blob is not portable and no tpm is available"
	}
	if err := m.sealed.Load(ctx, blob); err != nil {
		return true, "sealed blob does not load under this host's tpm"
	}
	return false, ""
}

func (m *Manager) sealedArtifact(scratch string, key archivedKey) ([]byte, bool) {
	var private []byte
	for _, rel := range key.rels {
		data, err := os.ReadFile(filepath.Join(scratch, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		switch {
		case strings.HasSuffix(rel, types.FSExtMeta.String()):
			var info types.KeyInfo
			if err := json.Unmarshal(data, &info); err == nil && info.TPMSealed {
				// Sidecar says sealed; the blob is the private artifact.
				for _, r := range key.rels {
					if strings.HasSuffix(r, types.FSExtPrivate.String()) {
						if b, err := os.ReadFile(filepath.Join(scratch, filepath.FromSlash(r))); err == nil {
							return b, true
						}
					}
				}
				return nil, true
			}
		case strings.HasSuffix(rel, types.FSExtPrivate.String()):
			private = data
		}
	}
	if private != nil && tpm2.IsSealed(private) {
		return private, true
	}
	return nil, false
}

// ===== Metadata =====

// recordMetadata writes the restore audit record and refreshes the
// current-key pointer for every type that gained keys. A missing or
// unreachable store degrades to local-only operation with a warning,
// never a failure.
func (m *Manager) recordMetadata(ctx context.Context, report *Report, opts Options, selected []archivedKey) {
	if m.meta == nil {
		m.logger.Warn("metadata store not configured, restore recorded locally only")
		return
	}

	now := time.Now().UTC()
	rec := types.RestoreRecord{
		AdminID:   opts.AdminID,
		Archive:   filepath.Base(report.Archive),
		KeyTypes:  affectedTypes(selected),
		Mode:      string(report.Mode),
		Restored:  report.Restored,
		Skipped:   report.Skipped,
		Failed:    report.Failed,
		Timestamp: now,
	}
	if err := m.meta.InsertRestore(ctx, rec); err != nil {
		m.logger.Warn("metadata store unreachable, restore recorded locally only", "error", err.Error())
		metrics.SetMetadataStoreUp(false)
		return
	}
	metrics.SetMetadataStoreUp(true)

	restored := make(map[types.KeyType]bool)
	for _, res := range report.Keys {
		if res.Status != StatusRestored {
			continue
		}
		if kt, _, _, err := types.ParseKeyID(res.ID); err == nil {
			restored[kt] = true
		}
	}
	for kt := range restored {
		infos, err := m.store.ListType(ctx, kt)
		if err != nil || len(infos) == 0 {
			continue
		}
		ref := types.CurrentKeyRef{
			KeyType:   kt,
			AdminID:   opts.AdminID,
			KeyID:     infos[0].ID,
			UpdatedAt: now,
		}
		if err := m.meta.UpsertCurrentKey(ctx, ref); err != nil {
			m.logger.Warn("current-key pointer not updated", "type", kt.String(), "error", err.Error())
		}
	}
}

// ===== Key set helpers =====

// groupKeys buckets manifest entries by key id. Sidecars attach to the
// id their filename carries; the manifest file itself is never listed.
func groupKeys(man *manifest.Manifest) []archivedKey {
	byID := make(map[string]*archivedKey)
	for _, entry := range man.Checksums {
		base := filepath.Base(filepath.FromSlash(entry.File))
		id, ok := types.KeyIDFromFilename(base)
		if !ok {
			if !strings.HasSuffix(base, types.FSExtMeta.String()) {
				continue
			}
			id = strings.TrimSuffix(base, types.FSExtMeta.String())
		}
		kt, _, _, err := types.ParseKeyID(id)
		if err != nil {
			continue
		}
		key, found := byID[id]
		if !found {
			key = &archivedKey{id: id, kt: kt}
			byID[id] = key
		}
		key.rels = append(key.rels, entry.File)
	}

	out := make([]archivedKey, 0, len(byID))
	for _, key := range byID {
		sort.Strings(key.rels)
		out = append(out, *key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func filterKeys(keys []archivedKey, patterns []string) []archivedKey {
	if len(patterns) == 0 {
		return keys
	}
	var out []archivedKey
	for _, key := range keys {
		for _, pattern := range patterns {
			if glob.Glob(strings.TrimSpace(pattern), key.kt.String()) {
				out = append(out, key)
				break
			}
		}
	}
	return out
}

func affectedTypes(keys []archivedKey) []types.KeyType {
	seen := make(map[types.KeyType]bool)
	var out []types.KeyType
	for _, key := range keys {
		if !seen[key.kt] {
			seen[key.kt] = true
			out = append(out, key.kt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func checksumIndex(man *manifest.Manifest) map[string]string {
	sums := make(map[string]string, len(man.Checksums))
	for _, entry := range man.Checksums {
		sums[entry.File] = entry.SHA256
	}
	return sums
}

// lockTypes takes the per-type advisory locks in sorted order so two
// restores cannot deadlock against each other.
func (m *Manager) lockTypes(ctx context.Context, selected []archivedKey) (func(), error) {
	kts := affectedTypes(selected)
	var releases []func()
	unlock := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, kt := range kts {
		release, err := m.store.LockType(ctx, kt)
		if err != nil {
			unlock()
			return nil, err
		}
		releases = append(releases, release)
	}
	return unlock, nil
}
