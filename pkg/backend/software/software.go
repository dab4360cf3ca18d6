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

// Package software implements key generation using the host crypto
// library. Symmetric keys draw 256 bits from the system CSPRNG;
// asymmetric keys use standard NIST P-256 and RSA-4096 generation.
// Private components are PEM-encoded PKCS#8, public components PKIX.
package software

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-keylifecycle/pkg/backend"
	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// symmetricKeyBytes is the entropy drawn for symmetric keys and HMAC
// secrets: 256 bits.
const symmetricKeyBytes = 32

// Backend generates keys with the host crypto library.
type Backend struct {
	logger *logging.Logger
	mu     sync.RWMutex
	closed bool
}

// Compile-time interface check
var _ backend.Backend = (*Backend)(nil)

// NewBackend creates a software generation backend.
func NewBackend(logger *logging.Logger) *Backend {
	if logger == nil {
		logger = logging.Default()
	}
	return &Backend{
		logger: logger.WithComponent("backend.software"),
	}
}

// Kind returns types.BackendSoftware.
func (b *Backend) Kind() types.BackendKind {
	return types.BackendSoftware
}

// Available reports whether the backend can generate keys. The software
// backend is always available until closed.
func (b *Backend) Available(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return backend.ErrClosed
	}
	return nil
}

// Generate produces a new key of the given type. JWT keys additionally
// pass a sign/parse probe so a malformed secret is caught at generation
// time rather than at first token issue.
func (b *Backend) Generate(ctx context.Context, kt types.KeyType, params backend.Params) (*types.Key, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !kt.IsValid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidKeyType, kt)
	}

	params = params.Normalize(kt)
	id, err := types.FormatKeyID(kt, params.Qualifier, params.CreatedAt)
	if err != nil {
		return nil, err
	}

	key := &types.Key{
		KeyInfo: types.KeyInfo{
			ID:        id,
			Type:      kt,
			Algorithm: params.Algorithm,
			Backend:   types.BackendSoftware,
			Status:    types.KeyStatusActive,
			CreatedAt: params.CreatedAt.UTC(),
		},
	}
	if params.ExpiresIn > 0 {
		expires := params.CreatedAt.UTC().Add(params.ExpiresIn)
		key.ExpiresAt = &expires
	}

	var signer any
	switch params.Algorithm {
	case types.AlgorithmAES256, types.AlgorithmHMAC:
		secret := make([]byte, symmetricKeyBytes)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("software: read entropy: %w", err)
		}
		key.Material.Symmetric = secret
		signer = secret

	case types.AlgorithmECCP256:
		private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("software: generate ecc key: %w", err)
		}
		if err := encodePair(key, private, &private.PublicKey); err != nil {
			return nil, err
		}
		signer = private

	case types.AlgorithmRSA4096:
		private, err := rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			return nil, fmt.Errorf("software: generate rsa key: %w", err)
		}
		if err := encodePair(key, private, &private.PublicKey); err != nil {
			return nil, err
		}
		signer = private

	default:
		return nil, fmt.Errorf("%w: %q", backend.ErrUnsupportedAlgorithm, params.Algorithm)
	}

	if kt == types.KeyTypeJWT {
		if err := backend.ProbeJWT(params.Algorithm, signer); err != nil {
			return nil, fmt.Errorf("software: jwt probe: %w", err)
		}
	}

	b.logger.Debug("generated key", "id", key.ID, "algorithm", key.Algorithm.String())
	return key, nil
}

// Close marks the backend closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return backend.ErrClosed
	}
	b.closed = true
	return nil
}

// encodePair fills the key material with PKCS#8/PKIX PEM encodings.
func encodePair(key *types.Key, private any, public any) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return fmt.Errorf("software: marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		return fmt.Errorf("software: marshal public key: %w", err)
	}
	key.Material.Private = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privDER,
	})
	key.Material.Public = pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})
	return nil
}

