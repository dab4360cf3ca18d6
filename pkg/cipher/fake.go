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
	"bufio"
	"context"
	"fmt"
	"io"
)

const fakeHeader = "FAKE-CIPHER\n"

// Fake is a pass-through provider for tests. It frames the payload so
// Decrypt can prove Encrypt really ran, but applies no cryptography.
type Fake struct {
	// FailEncrypt and FailDecrypt force errors for failure-path tests.
	FailEncrypt bool
	FailDecrypt bool
}

// Compile-time interface check
var _ Provider = (*Fake)(nil)

// Name returns "fake".
func (f *Fake) Name() string {
	return "fake"
}

// Suffix returns ".fake".
func (f *Fake) Suffix() string {
	return ".fake"
}

// Encrypt writes the frame header followed by the payload unchanged.
func (f *Fake) Encrypt(ctx context.Context, dst io.Writer, src io.Reader) error {
	if f.FailEncrypt {
		return fmt.Errorf("cipher: forced encrypt failure")
	}
	if _, err := io.WriteString(dst, fakeHeader); err != nil {
		return err
	}
	_, err := io.Copy(dst, newCtxReader(ctx, src))
	return err
}

// Decrypt verifies the frame header and copies the payload unchanged.
func (f *Fake) Decrypt(ctx context.Context, dst io.Writer, src io.Reader) error {
	if f.FailDecrypt {
		return fmt.Errorf("cipher: forced decrypt failure")
	}
	reader := bufio.NewReader(src)
	header := make([]byte, len(fakeHeader))
	if _, err := io.ReadFull(reader, header); err != nil {
		return fmt.Errorf("%w: missing fake header", ErrMalformed)
	}
	if string(header) != fakeHeader {
		return fmt.Errorf("%w: bad fake header", ErrMalformed)
	}
	_, err := io.Copy(dst, newCtxReader(ctx, reader))
	return err
}
