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

// Package backend defines the key generation provider abstraction. A
// backend turns a generation request into key material: the software
// backend uses the host crypto library, the tpm2 backend delegates to a
// TPM 2.0 device. Fallback from hardware to software is always a caller
// decision; no backend falls back implicitly.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

var (
	// ErrClosed is returned when a backend is used after Close.
	ErrClosed = errors.New("backend: backend is closed")

	// ErrUnsupportedAlgorithm is returned when a backend cannot produce
	// the requested algorithm (e.g. RSA-4096 on TPM hardware).
	ErrUnsupportedAlgorithm = errors.New("backend: unsupported algorithm")

	// ErrProbeFailed wraps the detail behind a failed capability probe.
	ErrProbeFailed = errors.New("backend: capability probe failed")
)

// DefaultQualifier is the id qualifier used when a generation request
// does not name one.
const DefaultQualifier = "primary"

// Params carries the optional inputs of a generation request.
type Params struct {
	// Qualifier is the middle segment of the key id. Empty defaults to
	// DefaultQualifier.
	Qualifier string

	// Algorithm overrides the type's default algorithm when set.
	Algorithm types.Algorithm

	// ExpiresIn sets an expiry relative to creation. Zero means the key
	// is not time-boxed.
	ExpiresIn time.Duration

	// CreatedAt overrides the creation timestamp. Zero means now. The
	// timestamp is embedded in the key id, so callers that need strict
	// ordering between successive keys set this explicitly.
	CreatedAt time.Time
}

// Normalize applies defaults for a key type.
func (p Params) Normalize(kt types.KeyType) Params {
	if p.Qualifier == "" {
		p.Qualifier = DefaultQualifier
	}
	if p.Algorithm == "" {
		p.Algorithm = kt.DefaultAlgorithm()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	// Key ids carry second resolution, so the stored timestamp matches.
	p.CreatedAt = p.CreatedAt.UTC().Truncate(time.Second)
	return p
}

// Backend produces new key material. Implementations must return a key
// with its id, metadata and material fully populated; the keystore
// applies permissions when the key is written.
type Backend interface {
	// Kind identifies the backend in key metadata and audit records.
	Kind() types.BackendKind

	// Available probes whether the backend can serve generation
	// requests. The tpm2 backend checks the device node and issues a
	// trivial property query; a failure surfaces types.ErrTPMUnavailable.
	Available(ctx context.Context) error

	// Generate produces a new key of the given type.
	Generate(ctx context.Context, kt types.KeyType, params Params) (*types.Key, error)

	// Close releases backend resources. Further calls return ErrClosed.
	Close() error
}
