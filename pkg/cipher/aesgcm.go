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

package cipher

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
)

// aesgcmMagic frames the binary envelope and doubles as the AEAD
// associated data, binding ciphertexts to this format version.
const aesgcmMagic = "KLCGCM1\x00"

const aesgcmSaltLen = 16

// Argon2id parameters for passphrase stretching, following the RFC
// 9106 second recommendation.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
)

// AESGCM seals envelopes as magic || salt || nonce || AES-256-GCM
// ciphertext, with the key stretched from the passphrase by Argon2id.
// The whole payload is buffered for the AEAD pass, which suits key
// archives; it is not meant for multi-gigabyte streams.
type AESGCM struct {
	passphrase []byte
	logger     *logging.Logger
}

// Compile-time interface check
var _ Provider = (*AESGCM)(nil)

// NewAESGCM builds the provider.
func NewAESGCM(passphrase []byte, logger *logging.Logger) (*AESGCM, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("cipher: aes-gcm requires a passphrase")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AESGCM{
		passphrase: passphrase,
		logger:     logger.WithComponent("cipher.aesgcm"),
	}, nil
}

// Name returns "aes256-gcm".
func (p *AESGCM) Name() string {
	return "aes256-gcm"
}

// Suffix returns ".enc".
func (p *AESGCM) Suffix() string {
	return ".enc"
}

// Encrypt seals src into a binary envelope on dst.
func (p *AESGCM) Encrypt(ctx context.Context, dst io.Writer, src io.Reader) error {
	payload, err := io.ReadAll(newCtxReader(ctx, src))
	if err != nil {
		return fmt.Errorf("cipher: read plaintext: %w", err)
	}

	salt := make([]byte, aesgcmSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("cipher: read salt entropy: %w", err)
	}

	aead, err := p.aead(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("cipher: read nonce entropy: %w", err)
	}

	p.logger.Debug("sealing envelope", "bytes", len(payload))
	sealed := aead.Seal(nil, nonce, payload, []byte(aesgcmMagic))

	for _, part := range [][]byte{[]byte(aesgcmMagic), salt, nonce, sealed} {
		if _, err := dst.Write(part); err != nil {
			return fmt.Errorf("cipher: write envelope: %w", err)
		}
	}
	return nil
}

// Decrypt opens a binary envelope from src and writes the plaintext to
// dst.
func (p *AESGCM) Decrypt(ctx context.Context, dst io.Writer, src io.Reader) error {
	envelope, err := io.ReadAll(newCtxReader(ctx, src))
	if err != nil {
		return fmt.Errorf("cipher: read envelope: %w", err)
	}
	if len(envelope) < len(aesgcmMagic)+aesgcmSaltLen {
		return fmt.Errorf("%w: envelope too short", ErrMalformed)
	}
	if !bytes.HasPrefix(envelope, []byte(aesgcmMagic)) {
		return fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	rest := envelope[len(aesgcmMagic):]
	salt, rest := rest[:aesgcmSaltLen], rest[aesgcmSaltLen:]

	aead, err := p.aead(salt)
	if err != nil {
		return err
	}
	if len(rest) < aead.NonceSize() {
		return fmt.Errorf("%w: envelope too short", ErrMalformed)
	}
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	payload, err := aead.Open(nil, nonce, sealed, []byte(aesgcmMagic))
	if err != nil {
		// AEAD cannot distinguish a wrong passphrase from corruption.
		return fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}
	if _, err := dst.Write(payload); err != nil {
		return fmt.Errorf("cipher: write plaintext: %w", err)
	}
	return nil
}

func (p *AESGCM) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(p.passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher: init gcm: %w", err)
	}
	return aead, nil
}
