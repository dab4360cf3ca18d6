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

// Package backup archives keystore contents. A run resolves the key
// set, stages copies into a scratch directory, builds a checksum
// manifest over the staged files, and packages the result as a plain
// directory, a tar.gz, or an encrypted envelope wrapping a tar.gz.
// The manifest always travels inside the package, so an encrypted
// archive never leaks its inventory in plaintext.
//
// Per-key staging failures are collected and reported without
// abandoning the rest of the run; environment failures (unusable
// backup root, cancelled context) abort before any archive exists.
// A failed remote transfer is reported but never invalidates the
// local archive.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/natefinch/atomic"

	"github.com/jeremyhahn/go-keylifecycle/pkg/cipher"
	"github.com/jeremyhahn/go-keylifecycle/pkg/keystore"
	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/manifest"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metrics"
	"github.com/jeremyhahn/go-keylifecycle/pkg/transfer"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

const (
	// ScopeAll is the archive name scope used when the key set spans
	// more than one key type.
	ScopeAll = "keys"

	// TimestampFormat is the compact UTC timestamp embedded in archive
	// names. It matches the key id timestamp so both sort the same way.
	TimestampFormat = types.KeyIDTimestampFormat

	// SuffixTarGz is the extension of a compressed archive. Encrypted
	// archives append the cipher provider's suffix on top of it.
	SuffixTarGz = ".tar.gz"

	// archiveInfix separates the scope from the timestamp in archive
	// names, e.g. "jwt-backup-20250615103000".
	archiveInfix = "-backup-"

	// stagingPattern names scratch directories under the backup root.
	// The leading dot keeps them out of archive listings and pruning.
	stagingPattern = ".staging-*"

	defaultStagingWorkers = 4

	dirMode  = os.FileMode(0o700)
	fileMode = os.FileMode(0o600)
)

// ===== Configuration =====

// Config carries the directory layout and retention policy for a
// Manager. It is constructed once at process start and never mutated.
type Config struct {
	// BackupRoot holds plain directory snapshots and tar.gz archives.
	BackupRoot string

	// EncryptedRoot holds encrypted envelopes. Defaults to
	// BackupRoot/encrypted when empty.
	EncryptedRoot string

	// RetentionDays bounds archive age. Archives strictly older are
	// pruned after each successful run; an archive aged exactly
	// RetentionDays is preserved. Zero disables the age rule.
	RetentionDays int

	// KeepCount caps how many archives of one scope stay under each
	// root, newest first. Zero disables the count rule.
	KeepCount int

	// StagingWorkers bounds the parallel copy fan-out while staging.
	// Zero selects the default.
	StagingWorkers int

	// CipherTimeout bounds the envelope encryption step of an encrypted
	// backup. Zero leaves the step bounded only by the caller's context.
	CipherTimeout time.Duration
}

// Options control a single backup run.
type Options struct {
	// KeyTypes filters the key set by type, using the same glob
	// patterns as the keystore. Empty selects every key.
	KeyTypes []string

	// Compress packages the archive as a tar.gz instead of a plain
	// directory. Implied by Encrypt.
	Compress bool

	// Encrypt wraps the tar.gz in the Manager's cipher envelope and
	// places the result under the encrypted root.
	Encrypt bool

	// RemoteDir is the remote directory to copy the packaged archive
	// into, when a transport is configured. Empty skips the transfer.
	RemoteDir string

	// DryRun resolves the key set and reports what would be archived
	// without touching the filesystem.
	DryRun bool
}

// Archive describes the outcome of a backup run.
type Archive struct {
	BackupID    string             `json:"backup_id"`
	Path        string             `json:"path"`
	Type        types.BackupType   `json:"type"`
	Scope       string             `json:"scope"`
	KeyCount    int                `json:"key_count"`
	FileCount   int                `json:"file_count"`
	Failed      int                `json:"failed"`
	Size        int64              `json:"size"`
	CreatedAt   time.Time          `json:"created_at"`
	Manifest    *manifest.Manifest `json:"manifest,omitempty"`
	Uploaded    bool               `json:"uploaded"`
	RemoteError string             `json:"remote_error,omitempty"`
	Pruned      []string           `json:"pruned,omitempty"`
	DryRun      bool               `json:"dry_run,omitempty"`
}

// ===== Manager =====

// Manager orchestrates backup runs against one keystore. The cipher
// provider and transport are optional; without them Encrypt and
// RemoteDir are rejected or skipped respectively.
type Manager struct {
	logger    *logging.Logger
	store     *keystore.KeyStore
	manifests *manifest.Service
	cipher    cipher.Provider
	transport transfer.Transport
	config    Config
}

// NewManager wires a backup manager. The keystore and manifest service
// are required; provider and transport may be nil.
func NewManager(config Config, store *keystore.KeyStore, manifests *manifest.Service,
	provider cipher.Provider, transport transfer.Transport, logger *logging.Logger) (*Manager, error) {

	if store == nil {
		return nil, fmt.Errorf("backup: keystore is required")
	}
	if manifests == nil {
		return nil, fmt.Errorf("backup: manifest service is required")
	}
	if config.BackupRoot == "" {
		return nil, fmt.Errorf("backup: backup root is required")
	}
	if config.EncryptedRoot == "" {
		config.EncryptedRoot = filepath.Join(config.BackupRoot, "encrypted")
	}
	if config.RetentionDays < 0 {
		return nil, fmt.Errorf("backup: retention days must not be negative")
	}
	if config.StagingWorkers <= 0 {
		config.StagingWorkers = defaultStagingWorkers
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &Manager{
		logger:    logger.WithComponent("backup"),
		store:     store,
		manifests: manifests,
		cipher:    provider,
		transport: transport,
		config:    config,
	}, nil
}

// Backup runs one archival pass. On partial staging failure it returns
// both the archive that was written and an error wrapping
// ErrPartialFailure, so callers can report counts and still exit
// non-zero.
func (m *Manager) Backup(ctx context.Context, opts Options) (*Archive, error) {
	start := time.Now()

	archiveType := types.BackupTypeRaw
	switch {
	case opts.Encrypt:
		archiveType = types.BackupTypeEncrypted
	case opts.Compress:
		archiveType = types.BackupTypeCompressed
	}

	archive, err := m.run(ctx, opts, archiveType)

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	metrics.RecordOperation(metrics.OpBackup, archiveType.String(), status, time.Since(start).Seconds())
	if err == nil && archive != nil && !archive.DryRun {
		metrics.RecordBackupCompleted(float64(archive.CreatedAt.Unix()))
	}
	return archive, err
}

func (m *Manager) run(ctx context.Context, opts Options, archiveType types.BackupType) (*Archive, error) {
	if archiveType == types.BackupTypeEncrypted && m.cipher == nil {
		return nil, fmt.Errorf("backup: %w: no cipher provider configured", types.ErrMissingDependency)
	}

	infos, err := m.store.List(ctx, opts.KeyTypes)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	if len(infos) == 0 {
		if len(opts.KeyTypes) > 0 {
			return nil, fmt.Errorf("backup: %w matching %s", types.ErrNoKeysFound, strings.Join(opts.KeyTypes, ","))
		}
		return nil, fmt.Errorf("backup: %w in %s", types.ErrNoKeysFound, m.store.Root())
	}

	scope := resolveScope(infos)
	destRoot := m.config.BackupRoot
	if archiveType == types.BackupTypeEncrypted {
		destRoot = m.config.EncryptedRoot
	}
	if err := os.MkdirAll(destRoot, dirMode); err != nil {
		return nil, fmt.Errorf("backup: create %s: %w", destRoot, err)
	}

	createdAt, dest, err := m.reserveName(destRoot, scope, archiveType, time.Now())
	if err != nil {
		return nil, err
	}
	backupID := scope + archiveInfix + createdAt.Format(TimestampFormat)

	archive := &Archive{
		BackupID:  backupID,
		Path:      dest,
		Type:      archiveType,
		Scope:     scope,
		KeyCount:  len(infos),
		CreatedAt: createdAt,
		DryRun:    opts.DryRun,
	}

	if opts.DryRun {
		archive.FileCount = m.countArtifacts(infos)
		m.logger.Info("dry run, no archive written",
			"backup_id", backupID, "keys", archive.KeyCount, "files", archive.FileCount)
		return archive, nil
	}

	staging, err := os.MkdirTemp(m.config.BackupRoot, stagingPattern)
	if err != nil {
		return nil, fmt.Errorf("backup: create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	staged, stageErr := m.stage(ctx, staging, infos, archive)
	if len(staged) == 0 {
		if stageErr == nil {
			stageErr = errors.New("nothing staged")
		}
		return nil, fmt.Errorf("backup: staging failed: %w", stageErr)
	}

	man, err := m.manifests.Build(staging, staged)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	man.BackupID = backupID
	man.CreatedAt = createdAt
	man.RetentionDays = m.config.RetentionDays
	man.BackupType = archiveType
	if err := m.manifests.Save(man, filepath.Join(staging, manifest.Filename)); err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}

	archive.Manifest = man
	archive.KeyCount = man.KeyCount
	archive.FileCount = len(staged)

	if err := m.pack(ctx, archiveType, staging, staged, dest); err != nil {
		return nil, err
	}
	archive.Size = archiveSize(dest)
	m.logger.Info("archive written",
		"backup_id", backupID, "type", archiveType.String(),
		"keys", archive.KeyCount, "files", archive.FileCount, "bytes", archive.Size)

	m.upload(ctx, opts, archive)
	archive.Pruned = m.Prune(ctx, time.Now())

	if archive.Failed > 0 {
		return archive, fmt.Errorf("backup: %w: %d of %d keys not archived: %v",
			types.ErrPartialFailure, archive.Failed, archive.Failed+archive.KeyCount, stageErr)
	}
	return archive, nil
}

// reserveName picks the first second-resolution timestamp whose archive
// name is free under root. Collisions only happen when two runs of the
// same scope land in the same second, so the probe loop is short.
func (m *Manager) reserveName(root, scope string, archiveType types.BackupType, now time.Time) (time.Time, string, error) {
	at := now.UTC().Truncate(time.Second)
	for i := 0; i < 1000; i++ {
		name := scope + archiveInfix + at.Format(TimestampFormat) + m.extension(archiveType)
		dest := filepath.Join(root, name)
		if _, err := os.Lstat(dest); errors.Is(err, os.ErrNotExist) {
			return at, dest, nil
		}
		at = at.Add(time.Second)
	}
	return time.Time{}, "", fmt.Errorf("backup: no free archive name for scope %s under %s", scope, root)
}

func (m *Manager) extension(archiveType types.BackupType) string {
	switch archiveType {
	case types.BackupTypeCompressed:
		return SuffixTarGz
	case types.BackupTypeEncrypted:
		return SuffixTarGz + m.cipher.Suffix()
	default:
		return ""
	}
}

// ===== Staging =====

// stage copies every artifact of every key into the staging directory,
// preserving the keystore-relative layout and file permissions. Per-key
// failures are tallied on the archive and aggregated into the returned
// error; the rest of the set still stages.
func (m *Manager) stage(ctx context.Context, staging string, infos []types.KeyInfo, archive *Archive) ([]string, error) {
	var (
		mu     sync.Mutex
		staged []string
		errs   *multierror.Error
	)

	wp := workerpool.New(m.config.StagingWorkers)
	for _, info := range infos {
		wp.Submit(func() {
			rels, err := m.stageKey(ctx, staging, info.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				archive.Failed++
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", info.ID, err))
				m.logger.Warn("key not staged", "id", info.ID, "error", err.Error())
				return
			}
			staged = append(staged, rels...)
		})
	}
	wp.StopWait()

	sort.Strings(staged)
	return staged, errs.ErrorOrNil()
}

// stageKey copies one key's artifacts into staging. A failure removes
// whatever it already copied, so a failed key never leaves unlisted
// files inside the archive.
func (m *Manager) stageKey(ctx context.Context, staging, id string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	paths, err := m.store.Artifacts(id)
	if err != nil {
		return nil, err
	}

	rels := make([]string, 0, len(paths))
	for _, src := range paths {
		rel, err := filepath.Rel(m.store.Root(), src)
		if err == nil {
			err = copyFile(src, filepath.Join(staging, rel))
		}
		if err != nil {
			for _, done := range rels {
				os.Remove(filepath.Join(staging, filepath.FromSlash(done)))
			}
			return nil, fmt.Errorf("stage %s: %w", filepath.Base(src), err)
		}
		rels = append(rels, filepath.ToSlash(rel))
	}
	return rels, nil
}

// copyFile duplicates src at dst with the source's permission bits.
// Parent directories are created owner-only.
func copyFile(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func (m *Manager) countArtifacts(infos []types.KeyInfo) int {
	n := 0
	for _, info := range infos {
		paths, err := m.store.Artifacts(info.ID)
		if err != nil {
			continue
		}
		n += len(paths)
	}
	return n
}

// ===== Packaging =====

// pack turns the staged tree into its final form at dest. The raw form
// renames the staging directory into place; both packaged forms write
// to a temp file first and rename, so a crash never leaves a partial
// archive under an archive name.
func (m *Manager) pack(ctx context.Context, archiveType types.BackupType, staging string, staged []string, dest string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	// The manifest rides inside the package, last in tar order.
	files := append(append([]string(nil), staged...), manifest.Filename)

	switch archiveType {
	case types.BackupTypeRaw:
		if err := os.Rename(staging, dest); err != nil {
			return fmt.Errorf("backup: finalize %s: %w", dest, err)
		}
		return os.Chmod(dest, dirMode)

	case types.BackupTypeCompressed:
		return m.packFile(dest, func(out *os.File) error {
			return writeTarball(out, staging, files)
		})

	case types.BackupTypeEncrypted:
		ctx, cancel := m.cipherContext(ctx)
		defer cancel()
		return m.packFile(dest, func(out *os.File) error {
			pr, pw := io.Pipe()
			go func() {
				pw.CloseWithError(writeTarball(pw, staging, files))
			}()
			if err := m.cipher.Encrypt(ctx, out, pr); err != nil {
				pr.CloseWithError(err)
				return err
			}
			return nil
		})

	default:
		return fmt.Errorf("backup: unknown archive type %q", archiveType)
	}
}

// cipherContext applies the configured cipher timeout, if any.
func (m *Manager) cipherContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.CipherTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.config.CipherTimeout)
}

func (m *Manager) packFile(dest string, fill func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*")
	if err != nil {
		return fmt.Errorf("backup: create temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: package %s: %w", filepath.Base(dest), err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: chmod archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("backup: flush archive: %w", err)
	}
	if err := atomic.ReplaceFile(tmp.Name(), dest); err != nil {
		return fmt.Errorf("backup: finalize %s: %w", dest, err)
	}
	return nil
}

// ===== Remote transfer =====

// upload copies the packaged archive off-site. Failures are recorded on
// the archive and logged, never returned; the local copy is already
// durable. Directory snapshots do not travel as a single stream and are
// skipped.
func (m *Manager) upload(ctx context.Context, opts Options, archive *Archive) {
	if opts.RemoteDir == "" {
		return
	}
	if m.transport == nil {
		m.logger.Warn("remote transfer requested but no transport configured", "remote_dir", opts.RemoteDir)
		archive.RemoteError = "no transport configured"
		return
	}
	if archive.Type == types.BackupTypeRaw {
		m.logger.Warn("remote transfer skipped for directory snapshot", "path", archive.Path)
		archive.RemoteError = "directory snapshots are not transferable"
		return
	}

	remotePath := path.Join(opts.RemoteDir, filepath.Base(archive.Path))
	if err := m.transport.Upload(ctx, archive.Path, remotePath); err != nil {
		m.logger.Warn("remote transfer failed, local archive kept",
			"transport", m.transport.Name(), "remote", remotePath, "error", err.Error())
		metrics.RecordError(metrics.OpTransfer, m.transport.Name(), "upload_failed")
		archive.RemoteError = err.Error()
		return
	}
	archive.Uploaded = true
}

// ===== Retention =====

// Prune applies both retention rules to each archive root and returns
// the paths removed. The age rule deletes archives strictly older than
// RetentionDays; one aged exactly RetentionDays survives. The count
// rule keeps the newest KeepCount archives of each scope under a root
// and deletes the rest regardless of age. Files that do not follow the
// archive naming convention are never touched. Prune failures are
// logged and skipped; retention runs again on the next backup.
func (m *Manager) Prune(ctx context.Context, now time.Time) []string {
	if m.config.RetentionDays == 0 && m.config.KeepCount == 0 {
		return nil
	}
	cutoff := now.UTC().Add(-time.Duration(m.config.RetentionDays) * 24 * time.Hour)

	var pruned []string
	for _, root := range m.roots() {
		if err := ctx.Err(); err != nil {
			return pruned
		}
		infos, err := m.archivesUnder(root)
		if err != nil {
			m.logger.Warn("retention scan failed", "root", root, "error", err.Error())
			continue
		}
		for _, info := range m.expired(infos, cutoff, now) {
			if err := os.RemoveAll(info.Path); err != nil {
				m.logger.Warn("prune failed", "path", info.Path, "error", err.Error())
				continue
			}
			pruned = append(pruned, info.Path)
		}
	}
	return pruned
}

// expired selects the archives both retention rules condemn, logging
// each with the rule that matched.
func (m *Manager) expired(infos []ArchiveInfo, cutoff, now time.Time) []ArchiveInfo {
	var out []ArchiveInfo
	seen := make(map[string]bool, len(infos))

	if m.config.RetentionDays > 0 {
		for _, info := range infos {
			if info.CreatedAt.Before(cutoff) {
				m.logger.Info("pruning expired archive",
					"path", info.Path, "age_days", int(now.Sub(info.CreatedAt).Hours()/24))
				out = append(out, info)
				seen[info.Path] = true
			}
		}
	}

	if m.config.KeepCount > 0 {
		byScope := make(map[string][]ArchiveInfo)
		for _, info := range infos {
			byScope[info.Scope] = append(byScope[info.Scope], info)
		}
		for _, scoped := range byScope {
			sort.Slice(scoped, func(i, j int) bool {
				return scoped[i].CreatedAt.After(scoped[j].CreatedAt)
			})
			for _, info := range scoped[min(m.config.KeepCount, len(scoped)):] {
				if seen[info.Path] {
					continue
				}
				m.logger.Info("pruning surplus archive",
					"path", info.Path, "keep", m.config.KeepCount)
				out = append(out, info)
				seen[info.Path] = true
			}
		}
	}
	return out
}

// ===== Inventory =====

// ArchiveInfo describes one archive found on disk.
type ArchiveInfo struct {
	Name      string           `json:"name"`
	Path      string           `json:"path"`
	Type      types.BackupType `json:"type"`
	Scope     string           `json:"scope"`
	CreatedAt time.Time        `json:"created_at"`
	Size      int64            `json:"size"`
}

// Archives lists every archive under both roots, newest first. Files
// that do not follow the naming convention are skipped.
func (m *Manager) Archives(ctx context.Context) ([]ArchiveInfo, error) {
	var all []ArchiveInfo
	for _, root := range m.roots() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		infos, err := m.archivesUnder(root)
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
		all = append(all, infos...)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].Name < all[j].Name
	})
	return all, nil
}

func (m *Manager) roots() []string {
	roots := []string{m.config.BackupRoot}
	if m.config.EncryptedRoot != m.config.BackupRoot {
		roots = append(roots, m.config.EncryptedRoot)
	}
	return roots
}

func (m *Manager) archivesUnder(root string) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var infos []ArchiveInfo
	for _, entry := range entries {
		scope, createdAt, ok := ParseArchiveName(entry.Name())
		if !ok {
			continue
		}
		info := ArchiveInfo{
			Name:      entry.Name(),
			Path:      filepath.Join(root, entry.Name()),
			Type:      archiveTypeOf(entry),
			Scope:     scope,
			CreatedAt: createdAt,
		}
		if fi, err := entry.Info(); err == nil && !fi.IsDir() {
			info.Size = fi.Size()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func archiveTypeOf(entry os.DirEntry) types.BackupType {
	switch {
	case entry.IsDir():
		return types.BackupTypeRaw
	case strings.HasSuffix(entry.Name(), SuffixTarGz):
		return types.BackupTypeCompressed
	default:
		return types.BackupTypeEncrypted
	}
}

// ParseArchiveName splits an archive file or directory name into its
// scope and creation timestamp. It reports false for names that do not
// follow the {scope}-backup-{timestamp} convention, including staging
// and partial files.
func ParseArchiveName(name string) (scope string, createdAt time.Time, ok bool) {
	if strings.HasPrefix(name, ".") {
		return "", time.Time{}, false
	}
	base := name
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	scope, stamp, found := strings.Cut(base, archiveInfix)
	if !found || scope == "" {
		return "", time.Time{}, false
	}
	createdAt, err := time.ParseInLocation(TimestampFormat, stamp, time.UTC)
	if err != nil {
		return "", time.Time{}, false
	}
	return scope, createdAt, true
}

// archiveSize reports the bytes an archive occupies: the file size for
// packaged forms, the summed file sizes for a directory snapshot.
func archiveSize(dest string) int64 {
	fi, err := os.Stat(dest)
	if err != nil {
		return 0
	}
	if !fi.IsDir() {
		return fi.Size()
	}
	var total int64
	filepath.Walk(dest, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// resolveScope names the archive after the single key type it contains,
// or ScopeAll when the set spans several.
func resolveScope(infos []types.KeyInfo) string {
	scope := infos[0].Type.String()
	for _, info := range infos[1:] {
		if info.Type.String() != scope {
			return ScopeAll
		}
	}
	return scope
}
