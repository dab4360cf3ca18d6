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

// Package types contains shared type definitions used across the key
// lifecycle manager, including key attributes, identifiers, audit records,
// and the error taxonomy. This package has no dependencies on the manager
// packages to prevent import cycles.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrMissingDependency is returned when a required external tool or
	// device is unavailable and the operation cannot proceed.
	ErrMissingDependency = errors.New("required external dependency unavailable")

	// ErrTPMUnavailable is returned when the TPM device fails the
	// capability probe. Callers decide whether to fall back to software
	// generation; the backend never falls back implicitly.
	ErrTPMUnavailable = errors.New("tpm device unavailable")

	// ErrCorruptedArchive is returned when checksum verification of an
	// archive fails during a test or restore.
	ErrCorruptedArchive = errors.New("archive integrity verification failed")

	// ErrArchiveNotFound is returned when an archive reference does not
	// resolve to a file or directory under any backup root.
	ErrArchiveNotFound = errors.New("backup archive not found")

	// ErrKeyAlreadyExists is returned when a write would clobber an
	// existing key under merge semantics.
	ErrKeyAlreadyExists = errors.New("key already exists")

	// ErrKeyNotFound is returned when a key id does not resolve to any
	// stored key material.
	ErrKeyNotFound = errors.New("key not found")

	// ErrNoKeysFound is returned when a backup or rotation resolves an
	// empty key set.
	ErrNoKeysFound = errors.New("no keys found")

	// ErrPartialFailure is the aggregate returned when some per-key
	// operations in a batch failed while others succeeded.
	ErrPartialFailure = errors.New("one or more per-key operations failed")

	// ErrTimeout is returned when a bounded external invocation (TPM
	// command, encryption, remote transfer) exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidKeyType is returned when a key type string is not recognized.
	ErrInvalidKeyType = errors.New("invalid key type")

	// ErrInvalidAlgorithm is returned when a key algorithm string is not recognized.
	ErrInvalidAlgorithm = errors.New("invalid key algorithm")

	// ErrInvalidKeyID is returned when a key id does not follow the
	// {type}-{qualifier}-{timestamp} naming convention.
	ErrInvalidKeyID = errors.New("invalid key id")
)

// =============================================================================
// Key Type
// =============================================================================

// KeyType identifies the purpose and usage of a credential.
type KeyType string

const (
	KeyTypeSession    KeyType = "session"    // Symmetric session encryption keys
	KeyTypeAdmin      KeyType = "admin"      // Administrator signing keys
	KeyTypeStorage    KeyType = "storage"    // Data-at-rest encryption keys
	KeyTypeNetwork    KeyType = "network"    // Transport/TLS keys
	KeyTypeBlockchain KeyType = "blockchain" // Ledger signing keys
	KeyTypeJWT        KeyType = "jwt"        // JWT signing secrets
	KeyTypeAPI        KeyType = "api"        // API credentials
)

// KeyTypes lists all recognized key types for iteration.
var KeyTypes = []KeyType{
	KeyTypeSession,
	KeyTypeAdmin,
	KeyTypeStorage,
	KeyTypeNetwork,
	KeyTypeBlockchain,
	KeyTypeJWT,
	KeyTypeAPI,
}

// String returns the string representation of the key type.
func (kt KeyType) String() string {
	return string(kt)
}

// IsValid returns true if the key type is recognized.
func (kt KeyType) IsValid() bool {
	switch kt {
	case KeyTypeSession, KeyTypeAdmin, KeyTypeStorage, KeyTypeNetwork,
		KeyTypeBlockchain, KeyTypeJWT, KeyTypeAPI:
		return true
	default:
		return false
	}
}

// DefaultAlgorithm returns the algorithm used when generating a key of
// this type without an explicit algorithm override.
func (kt KeyType) DefaultAlgorithm() Algorithm {
	switch kt {
	case KeyTypeSession, KeyTypeStorage:
		return AlgorithmAES256
	case KeyTypeAdmin, KeyTypeBlockchain:
		return AlgorithmECCP256
	case KeyTypeNetwork:
		return AlgorithmRSA4096
	case KeyTypeJWT, KeyTypeAPI:
		return AlgorithmHMAC
	default:
		return AlgorithmAES256
	}
}

// ParseKeyType converts a string to a KeyType.
func ParseKeyType(s string) (KeyType, error) {
	kt := KeyType(strings.ToLower(strings.TrimSpace(s)))
	if !kt.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyType, s)
	}
	return kt, nil
}

// ParseKeyTypes converts a comma-separated list to a slice of KeyTypes.
// An empty input returns nil, which callers treat as "all types".
func ParseKeyTypes(csv string) ([]KeyType, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	var out []KeyType
	for _, part := range strings.Split(csv, ",") {
		kt, err := ParseKeyType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, kt)
	}
	return out, nil
}

// =============================================================================
// Algorithm
// =============================================================================

// Algorithm identifies the cryptographic algorithm of a key.
type Algorithm string

const (
	AlgorithmECCP256 Algorithm = "ECC-P256"       // NIST P-256 ECDSA key pair
	AlgorithmRSA4096 Algorithm = "RSA-4096"       // 4096-bit RSA key pair
	AlgorithmAES256  Algorithm = "AES-256-random" // 256-bit random symmetric key
	AlgorithmHMAC    Algorithm = "HMAC-secret"    // 256-bit random HMAC secret
)

// String returns the string representation of the algorithm.
func (a Algorithm) String() string {
	return string(a)
}

// IsValid returns true if the algorithm is recognized.
func (a Algorithm) IsValid() bool {
	switch a {
	case AlgorithmECCP256, AlgorithmRSA4096, AlgorithmAES256, AlgorithmHMAC:
		return true
	default:
		return false
	}
}

// IsSymmetric returns true for algorithms producing a single secret artifact.
func (a Algorithm) IsSymmetric() bool {
	return a == AlgorithmAES256 || a == AlgorithmHMAC
}

// IsAsymmetric returns true for algorithms producing a public/private pair.
func (a Algorithm) IsAsymmetric() bool {
	return a == AlgorithmECCP256 || a == AlgorithmRSA4096
}

// ParseAlgorithm converts a string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ECC-P256", "ECC", "P256", "P-256":
		return AlgorithmECCP256, nil
	case "RSA-4096", "RSA":
		return AlgorithmRSA4096, nil
	case "AES-256-RANDOM", "AES-256", "AES":
		return AlgorithmAES256, nil
	case "HMAC-SECRET", "HMAC":
		return AlgorithmHMAC, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAlgorithm, s)
	}
}

// =============================================================================
// Backend Kind
// =============================================================================

// BackendKind identifies the generation/storage provider for a key.
type BackendKind string

const (
	BackendSoftware BackendKind = "software" // Host crypto library generation
	BackendTPM      BackendKind = "tpm"      // TPM 2.0 hardware generation
)

// String returns the string representation of the backend kind.
func (bk BackendKind) String() string {
	return string(bk)
}

// IsValid returns true if the backend kind is recognized.
func (bk BackendKind) IsValid() bool {
	return bk == BackendSoftware || bk == BackendTPM
}

// ParseBackendKind converts a string to a BackendKind.
func ParseBackendKind(s string) (BackendKind, error) {
	bk := BackendKind(strings.ToLower(strings.TrimSpace(s)))
	if !bk.IsValid() {
		return "", fmt.Errorf("invalid backend kind: %q", s)
	}
	return bk, nil
}

// =============================================================================
// Key Status
// =============================================================================

// KeyStatus tracks where a key is in its lifecycle. Rotating is transient
// and only observed between generation of a successor and the metadata
// update confirming it; a stale rotating status indicates an interrupted
// rotation whose previous active key remains valid.
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusRotating KeyStatus = "rotating"
	KeyStatusRetired  KeyStatus = "retired"
)

// String returns the string representation of the key status.
func (ks KeyStatus) String() string {
	return string(ks)
}

// =============================================================================
// Backup Type
// =============================================================================

// BackupType identifies how a backup archive is packaged.
type BackupType string

const (
	BackupTypeRaw        BackupType = "raw"        // Plain directory snapshot
	BackupTypeCompressed BackupType = "compressed" // tar.gz archive
	BackupTypeEncrypted  BackupType = "encrypted"  // OpenPGP envelope over tar.gz
)

// String returns the string representation of the backup type.
func (bt BackupType) String() string {
	return string(bt)
}

// =============================================================================
// File System Types
// =============================================================================

// FSExtension represents the file extensions used by the keystore for
// storing key artifacts.
type FSExtension string

const (
	FSExtSymmetric FSExtension = ".key"     // Raw symmetric secret
	FSExtPrivate   FSExtension = ".private" // Asymmetric private component (or TPM blob)
	FSExtPublic    FSExtension = ".public"  // Asymmetric public component
	FSExtMeta      FSExtension = ".meta"    // JSON metadata sidecar
)

// KeyFileExtensions lists the extensions holding key material, in the
// order artifacts are written.
var KeyFileExtensions = []FSExtension{FSExtSymmetric, FSExtPrivate, FSExtPublic}

// String returns the string representation of the extension.
func (e FSExtension) String() string {
	return string(e)
}

// KeyIDFromFilename strips a recognized key artifact extension from a
// file name and returns the embedded key id. The second return is false
// for sidecars, manifests and unrelated files.
func KeyIDFromFilename(name string) (string, bool) {
	for _, ext := range KeyFileExtensions {
		if strings.HasSuffix(name, ext.String()) {
			return strings.TrimSuffix(name, ext.String()), true
		}
	}
	return "", false
}

// =============================================================================
// Key Identifier
// =============================================================================

// KeyIDTimestampFormat is the compact UTC timestamp embedded in key ids.
const KeyIDTimestampFormat = "20060102150405"

// FormatKeyID builds a key id following the {type}-{qualifier}-{timestamp}
// naming convention. The qualifier must not contain the separator.
func FormatKeyID(kt KeyType, qualifier string, at time.Time) (string, error) {
	if !kt.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyType, kt)
	}
	qualifier = strings.TrimSpace(qualifier)
	if qualifier == "" || strings.Contains(qualifier, "-") ||
		strings.ContainsAny(qualifier, "/\\ ") {
		return "", fmt.Errorf("%w: bad qualifier %q", ErrInvalidKeyID, qualifier)
	}
	return fmt.Sprintf("%s-%s-%s", kt, qualifier, at.UTC().Format(KeyIDTimestampFormat)), nil
}

// ParseKeyID splits a key id into its type, qualifier and timestamp
// components. Returns ErrInvalidKeyID if the id does not follow the
// naming convention.
func ParseKeyID(id string) (KeyType, string, time.Time, error) {
	parts := strings.Split(id, "-")
	if len(parts) < 3 {
		return "", "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidKeyID, id)
	}
	kt := KeyType(parts[0])
	if !kt.IsValid() {
		return "", "", time.Time{}, fmt.Errorf("%w: unknown type in %q", ErrInvalidKeyID, id)
	}
	ts, err := time.ParseInLocation(KeyIDTimestampFormat, parts[len(parts)-1], time.UTC)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: bad timestamp in %q", ErrInvalidKeyID, id)
	}
	qualifier := strings.Join(parts[1:len(parts)-1], "-")
	return kt, qualifier, ts, nil
}

// =============================================================================
// Key
// =============================================================================

// KeyInfo is the metadata describing a stored key, without its material.
// It is also the wire shape of the .meta sidecar file written next to
// the key artifacts.
type KeyInfo struct {
	ID        string      `json:"id"`
	Type      KeyType     `json:"type"`
	Algorithm Algorithm   `json:"algorithm"`
	Backend   BackendKind `json:"backend"`
	Status    KeyStatus   `json:"status"`
	TPMSealed bool        `json:"tpm_sealed,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Size      int64       `json:"-"`
}

// Expired returns true if the key carries an expiry in the past.
func (ki KeyInfo) Expired(now time.Time) bool {
	return ki.ExpiresAt != nil && ki.ExpiresAt.Before(now)
}

// KeyMaterial holds the raw artifacts of a key. Symmetric keys populate
// Symmetric only; asymmetric keys populate Private and Public. For
// TPM-sealed keys Private holds the opaque TPM blob, which is meaningless
// outside the issuing TPM.
type KeyMaterial struct {
	Symmetric []byte
	Private   []byte
	Public    []byte
}

// Key is a single credential unit: metadata plus material.
type Key struct {
	KeyInfo
	Material KeyMaterial
}

// =============================================================================
// Audit Records
// =============================================================================

// RotationRecord describes one rotation event, written to the metadata
// store after the new key is durably on disk.
type RotationRecord struct {
	AdminID   string    `bson:"admin_id" json:"admin_id"`
	KeyType   KeyType   `bson:"key_type" json:"key_type"`
	NewKeyID  string    `bson:"new_key_id" json:"new_key_id"`
	OldKeyID  string    `bson:"old_key_id,omitempty" json:"old_key_id,omitempty"`
	Backend   string    `bson:"backend" json:"backend"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// RestoreRecord describes one restore operation, written to the metadata
// store after the live keystore has been updated.
type RestoreRecord struct {
	AdminID   string    `bson:"admin_id" json:"admin_id"`
	Archive   string    `bson:"archive" json:"archive"`
	KeyTypes  []KeyType `bson:"key_types,omitempty" json:"key_types,omitempty"`
	Mode      string    `bson:"mode" json:"mode"`
	Restored  int       `bson:"restored" json:"restored"`
	Skipped   int       `bson:"skipped" json:"skipped"`
	Failed    int       `bson:"failed" json:"failed"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// CurrentKeyRef is the current-key-per-type pointer maintained in the
// metadata store.
type CurrentKeyRef struct {
	KeyType   KeyType   `bson:"key_type" json:"key_type"`
	AdminID   string    `bson:"admin_id,omitempty" json:"admin_id,omitempty"`
	KeyID     string    `bson:"key_id" json:"key_id"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
