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

// Package manifest builds and verifies the integrity manifest that
// accompanies every backup archive. A manifest is immutable once built;
// verification recomputes checksums and reports per-file results without
// aborting early, so callers decide whether partial corruption is
// tolerable.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// Filename is the name of the manifest file inside a staging directory
// or archive.
const Filename = "manifest.json"

var (
	// ErrNotFound is returned when a manifest file does not exist at the
	// expected location.
	ErrNotFound = errors.New("manifest: not found")

	// ErrMalformed is returned when a manifest file cannot be parsed.
	ErrMalformed = errors.New("manifest: malformed")
)

// ChecksumEntry records the SHA-256 digest of one archived file. The
// file path is relative to the archive root, using forward slashes.
type ChecksumEntry struct {
	File   string `json:"file"`
	SHA256 string `json:"sha256"`
}

// Manifest is the integrity/inventory record accompanying a backup.
// The checksum list preserves the order files were supplied in, for
// deterministic diffing between runs.
type Manifest struct {
	BackupID      string           `json:"backup_id"`
	CreatedAt     time.Time        `json:"created_at"`
	KeyCount      int              `json:"key_count"`
	RetentionDays int              `json:"retention_days"`
	BackupType    types.BackupType `json:"backup_type"`
	Checksums     []ChecksumEntry  `json:"checksums"`
}

// FileStatus is the per-file outcome of a verification pass.
type FileStatus string

const (
	StatusMatch    FileStatus = "match"
	StatusMismatch FileStatus = "mismatch"
	StatusMissing  FileStatus = "missing"
)

// FileResult pairs a manifest entry with its verification outcome.
type FileResult struct {
	File   string     `json:"file"`
	Status FileStatus `json:"status"`
}

// VerificationResult collects the outcome of verifying every manifest
// entry plus any files found under the root that the manifest does not
// list. Unlisted files fail verification: every file present in an
// archive must have a checksum entry.
type VerificationResult struct {
	Results  []FileResult `json:"results"`
	Unlisted []string     `json:"unlisted,omitempty"`
}

// OK returns true when every entry matched and no unlisted files exist.
func (vr *VerificationResult) OK() bool {
	for _, r := range vr.Results {
		if r.Status != StatusMatch {
			return false
		}
	}
	return len(vr.Unlisted) == 0
}

// Mismatched returns the files whose content no longer matches the
// recorded checksum.
func (vr *VerificationResult) Mismatched() []string {
	return vr.withStatus(StatusMismatch)
}

// Missing returns the files listed in the manifest but absent on disk.
func (vr *VerificationResult) Missing() []string {
	return vr.withStatus(StatusMissing)
}

// Matched returns the count of files that verified clean.
func (vr *VerificationResult) Matched() int {
	n := 0
	for _, r := range vr.Results {
		if r.Status == StatusMatch {
			n++
		}
	}
	return n
}

func (vr *VerificationResult) withStatus(status FileStatus) []string {
	var out []string
	for _, r := range vr.Results {
		if r.Status == status {
			out = append(out, r.File)
		}
	}
	return out
}

// Service builds and verifies manifests.
type Service struct {
	logger *logging.Logger
}

// NewService creates a manifest service. A nil logger falls back to the
// default logger.
func NewService(logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{logger: logger}
}

// Build computes SHA-256 checksums over the supplied files, in order,
// and returns a manifest describing them. File paths are relative to
// root. The key count tallies distinct key ids among the files; sidecars
// and other files are checksummed but not counted. Callers stamp
// BackupID, RetentionDays and BackupType before saving.
func (s *Service) Build(root string, files []string) (*Manifest, error) {
	m := &Manifest{
		CreatedAt: time.Now().UTC(),
		Checksums: make([]ChecksumEntry, 0, len(files)),
	}

	keyIDs := make(map[string]struct{})
	for _, rel := range files {
		sum, err := ChecksumFile(filepath.Join(root, rel))
		if err != nil {
			return nil, fmt.Errorf("checksum %s: %w", rel, err)
		}
		m.Checksums = append(m.Checksums, ChecksumEntry{
			File:   filepath.ToSlash(rel),
			SHA256: sum,
		})
		if id, ok := types.KeyIDFromFilename(filepath.Base(rel)); ok {
			keyIDs[id] = struct{}{}
		}
	}
	m.KeyCount = len(keyIDs)

	s.logger.Debugf("built manifest: %d files, %d keys", len(m.Checksums), m.KeyCount)
	return m, nil
}

// Verify recomputes checksums under root and reports per-file status
// for every manifest entry, plus any unlisted files discovered. It
// never aborts early.
func (s *Service) Verify(m *Manifest, root string) (*VerificationResult, error) {
	vr := &VerificationResult{
		Results: make([]FileResult, 0, len(m.Checksums)),
	}

	listed := make(map[string]struct{}, len(m.Checksums))
	for _, entry := range m.Checksums {
		listed[entry.File] = struct{}{}

		sum, err := ChecksumFile(filepath.Join(root, filepath.FromSlash(entry.File)))
		switch {
		case errors.Is(err, os.ErrNotExist):
			vr.Results = append(vr.Results, FileResult{File: entry.File, Status: StatusMissing})
			continue
		case err != nil:
			return nil, fmt.Errorf("checksum %s: %w", entry.File, err)
		}

		status := StatusMatch
		if sum != entry.SHA256 {
			status = StatusMismatch
			s.logger.Warnf("checksum mismatch: %s", entry.File)
		}
		vr.Results = append(vr.Results, FileResult{File: entry.File, Status: status})
	}

	// Sweep for files the manifest does not cover. The manifest itself
	// is exempt; it cannot contain its own checksum.
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == Filename {
			return nil
		}
		if _, ok := listed[rel]; !ok {
			vr.Unlisted = append(vr.Unlisted, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	return vr, nil
}

// Save writes the manifest as JSON to path using an atomic rename, so
// a reader never observes a partially written manifest.
func (s *Service) Save(m *Manifest, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Load reads and parses a manifest from path.
func (s *Service) Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &m, nil
}

// ChecksumFile computes the SHA-256 digest of a file's raw bytes,
// returned as lowercase hex.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumBytes computes the SHA-256 digest of a byte slice, returned
// as lowercase hex.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
