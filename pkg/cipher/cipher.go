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

// Package cipher provides the envelope encryption used for backup
// archives. Providers wrap audited primitives rather than implementing
// cipher math: the OpenPGP provider produces GPG-compatible armored
// envelopes, the AES-GCM provider a compact binary framing with
// Argon2id passphrase stretching. Callers bound slow runs through the
// context; deadline expiry surfaces as the shared timeout sentinel.
package cipher

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// ===== Errors =====

var (
	// ErrDecrypt is returned when a ciphertext fails authentication or
	// cannot be decrypted.
	ErrDecrypt = errors.New("cipher: decryption failed")

	// ErrMalformed is returned when ciphertext framing cannot be
	// parsed.
	ErrMalformed = errors.New("cipher: malformed ciphertext")

	// ErrWrongPassphrase is returned when the supplied passphrase does
	// not unlock an envelope.
	ErrWrongPassphrase = errors.New("cipher: wrong passphrase")
)

// ===== Provider =====

// Provider seals and opens backup envelopes.
type Provider interface {
	// Name identifies the provider in logs and archive metadata.
	Name() string

	// Suffix is appended to artifact filenames produced by Encrypt,
	// e.g. ".gpg".
	Suffix() string

	// Encrypt streams src into an encrypted envelope written to dst.
	Encrypt(ctx context.Context, dst io.Writer, src io.Reader) error

	// Decrypt opens an envelope from src and streams the plaintext to
	// dst.
	Decrypt(ctx context.Context, dst io.Writer, src io.Reader) error
}

// ===== Context plumbing =====

// ctxReader propagates context cancellation into blocking copy loops.
// Deadline expiry maps to types.ErrTimeout so callers can tell a slow
// cipher run apart from a corrupt stream.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func newCtxReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: cipher deadline exceeded", types.ErrTimeout)
		}
		return 0, err
	}
	return c.r.Read(p)
}
