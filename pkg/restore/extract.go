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
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

const suffixTarGz = ".tar.gz"

// resolve turns an archive reference into an existing path. References
// that are not live paths are searched as bare names under the backup
// root, then the encrypted root.
func (m *Manager) resolve(ref string) (string, types.BackupType, error) {
	if ref == "" {
		return "", "", fmt.Errorf("restore: archive reference is required")
	}

	candidates := []string{ref}
	if !strings.ContainsRune(ref, os.PathSeparator) {
		candidates = append(candidates,
			filepath.Join(m.config.BackupRoot, ref),
			filepath.Join(m.config.EncryptedRoot, ref))
	}

	for _, candidate := range candidates {
		fi, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		return candidate, detectType(candidate, fi), nil
	}
	return "", "", fmt.Errorf("restore: %w: %s (searched %s and %s)",
		types.ErrArchiveNotFound, ref, m.config.BackupRoot, m.config.EncryptedRoot)
}

// detectType classifies an archive by shape: directories are raw
// snapshots, a bare .tar.gz is compressed, anything else is treated as
// an encrypted envelope.
func detectType(path string, fi os.FileInfo) types.BackupType {
	switch {
	case fi.IsDir():
		return types.BackupTypeRaw
	case strings.HasSuffix(path, suffixTarGz):
		return types.BackupTypeCompressed
	default:
		return types.BackupTypeEncrypted
	}
}

// extract materializes the archive contents under scratch. Encrypted
// envelopes are decrypted through the cipher provider on the fly; the
// plaintext tar never touches disk outside scratch.
func (m *Manager) extract(ctx context.Context, location string, kind types.BackupType, scratch string) error {
	switch kind {
	case types.BackupTypeRaw:
		return copyTree(ctx, location, scratch)

	case types.BackupTypeCompressed:
		f, err := os.Open(location)
		if err != nil {
			return fmt.Errorf("restore: open archive: %w", err)
		}
		defer f.Close()
		return untar(ctx, scratch, f)

	case types.BackupTypeEncrypted:
		if m.cipher == nil {
			return fmt.Errorf("restore: %w: archive is encrypted and no cipher provider is configured",
				types.ErrMissingDependency)
		}
		ctx, cancel := m.cipherContext(ctx)
		defer cancel()

		f, err := os.Open(location)
		if err != nil {
			return fmt.Errorf("restore: open archive: %w", err)
		}
		defer f.Close()

		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(m.cipher.Decrypt(ctx, pw, f))
		}()
		if err := untar(ctx, scratch, pr); err != nil {
			pr.CloseWithError(err)
			return err
		}
		return nil

	default:
		return fmt.Errorf("restore: unknown archive type %q", kind)
	}
}

// cipherContext applies the configured cipher timeout, if any.
func (m *Manager) cipherContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.CipherTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.config.CipherTimeout)
}

// untar unpacks a gzipped tar into dst. Entry names must stay inside
// dst; anything absolute, escaping, or not a plain file or directory is
// rejected rather than skipped, since a crafted archive is a tampered
// archive.
func untar(ctx context.Context, dst string, r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("restore: read archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("restore: %w", err)
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("restore: read archive: %w", err)
		}

		if !filepath.IsLocal(hdr.Name) || strings.Contains(hdr.Name, `\`) {
			return fmt.Errorf("restore: %w: illegal entry path %q", types.ErrCorruptedArchive, hdr.Name)
		}
		target := filepath.Join(dst, filepath.FromSlash(hdr.Name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("restore: %w", err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return fmt.Errorf("restore: extract %s: %w", hdr.Name, err)
			}
		default:
			return fmt.Errorf("restore: %w: unsupported entry type %q for %s",
				types.ErrCorruptedArchive, hdr.Typeflag, hdr.Name)
		}
	}
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// copyTree duplicates a directory snapshot into dst so verification and
// extraction never touch the stored archive.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("restore: scan snapshot: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("restore: %w", err)
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o700)
		case d.Type().IsRegular():
			in, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			defer in.Close()
			if err := writeEntry(target, in); err != nil {
				return fmt.Errorf("restore: copy %s: %w", rel, err)
			}
			return nil
		default:
			return fmt.Errorf("restore: %w: unsupported file %s in snapshot",
				types.ErrCorruptedArchive, rel)
		}
	})
}
