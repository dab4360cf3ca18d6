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

// Package keystore implements the on-disk key repository. It owns the
// {type}-{qualifier}-{timestamp} naming convention, the per-type
// directory layout, and permission enforcement: private and symmetric
// artifacts are owner-only, public artifacts are world-readable. Every
// write goes through a temporary file and an atomic rename so readers
// never observe half-written key material.
package keystore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/ryanuber/go-glob"

	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

const (
	// DirPerm is the permission for the keystore root and type directories.
	DirPerm = os.FileMode(0o700)

	// PrivatePerm is the permission for private and symmetric artifacts
	// and metadata sidecars.
	PrivatePerm = os.FileMode(0o600)

	// PublicPerm is the permission for public artifacts.
	PublicPerm = os.FileMode(0o644)
)

// KeyStore is the on-disk repository of key files, laid out as one
// subdirectory per key type under a common root.
type KeyStore struct {
	root   string
	logger *logging.Logger
	locks  *typeLocks
}

// New creates a keystore rooted at root, creating the directory with
// owner-only permissions if it does not exist.
func New(root string, logger *logging.Logger) (*KeyStore, error) {
	if root == "" {
		return nil, fmt.Errorf("keystore: root path is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if err := os.MkdirAll(root, DirPerm); err != nil {
		return nil, fmt.Errorf("keystore: create root: %w", err)
	}
	return &KeyStore{
		root:   root,
		logger: logger.WithComponent("keystore"),
		locks:  newTypeLocks(root),
	}, nil
}

// Root returns the keystore root directory.
func (ks *KeyStore) Root() string {
	return ks.root
}

// Write stores a key's artifacts and metadata sidecar, enforcing the
// naming convention and permission rules unconditionally. It refuses to
// clobber an existing key: callers that mean to replace must delete
// first. The returned location is the directory holding the artifacts.
func (ks *KeyStore) Write(ctx context.Context, key *types.Key) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ks.validateID(key.ID, key.Type); err != nil {
		return "", err
	}

	exists, err := ks.Exists(ctx, key.ID)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("keystore: %w: %s", types.ErrKeyAlreadyExists, key.ID)
	}

	dir := ks.typeDir(key.Type)
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return "", fmt.Errorf("keystore: create type dir: %w", err)
	}

	type artifact struct {
		path string
		data []byte
		perm os.FileMode
	}
	var artifacts []artifact

	switch {
	case key.Algorithm.IsSymmetric():
		if len(key.Material.Symmetric) == 0 {
			return "", fmt.Errorf("keystore: symmetric key %s has no material", key.ID)
		}
		artifacts = append(artifacts, artifact{
			path: filepath.Join(dir, key.ID+types.FSExtSymmetric.String()),
			data: key.Material.Symmetric,
			perm: PrivatePerm,
		})
	case key.Algorithm.IsAsymmetric():
		if len(key.Material.Private) == 0 || len(key.Material.Public) == 0 {
			return "", fmt.Errorf("keystore: asymmetric key %s is missing a component", key.ID)
		}
		artifacts = append(artifacts,
			artifact{
				path: filepath.Join(dir, key.ID+types.FSExtPrivate.String()),
				data: key.Material.Private,
				perm: PrivatePerm,
			},
			artifact{
				path: filepath.Join(dir, key.ID+types.FSExtPublic.String()),
				data: key.Material.Public,
				perm: PublicPerm,
			})
	default:
		return "", fmt.Errorf("keystore: %w: %s", types.ErrInvalidAlgorithm, key.Algorithm)
	}

	written := make([]string, 0, len(artifacts)+1)
	cleanup := func() {
		for _, p := range written {
			os.Remove(p)
		}
	}

	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			cleanup()
			return "", err
		}
		if err := atomic.WriteFile(a.path, bytes.NewReader(a.data)); err != nil {
			cleanup()
			return "", fmt.Errorf("keystore: write %s: %w", filepath.Base(a.path), err)
		}
		written = append(written, a.path)
		if err := os.Chmod(a.path, a.perm); err != nil {
			cleanup()
			return "", fmt.Errorf("keystore: chmod %s: %w", filepath.Base(a.path), err)
		}
	}

	if err := ks.writeSidecar(key.KeyInfo); err != nil {
		cleanup()
		return "", err
	}

	ks.logger.Debug("stored key", "id", key.ID, "type", key.Type.String())
	return dir, nil
}

// Read loads a key's material and metadata by id. Returns
// types.ErrKeyNotFound if no artifacts exist for the id.
func (ks *KeyStore) Read(ctx context.Context, id string) (*types.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kt, _, _, err := types.ParseKeyID(id)
	if err != nil {
		return nil, err
	}
	if err := ks.validateID(id, kt); err != nil {
		return nil, err
	}

	dir := ks.typeDir(kt)
	key := &types.Key{}

	if data, err := os.ReadFile(filepath.Join(dir, id+types.FSExtSymmetric.String())); err == nil {
		key.Material.Symmetric = data
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("keystore: read %s: %w", id, err)
	}

	if data, err := os.ReadFile(filepath.Join(dir, id+types.FSExtPrivate.String())); err == nil {
		key.Material.Private = data
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("keystore: read %s: %w", id, err)
	}

	if data, err := os.ReadFile(filepath.Join(dir, id+types.FSExtPublic.String())); err == nil {
		key.Material.Public = data
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("keystore: read %s: %w", id, err)
	}

	if key.Material.Symmetric == nil && key.Material.Private == nil && key.Material.Public == nil {
		return nil, fmt.Errorf("keystore: %w: %s", types.ErrKeyNotFound, id)
	}

	info, err := ks.readSidecar(kt, id)
	if err != nil {
		// A missing or unreadable sidecar degrades to metadata
		// synthesized from the filename; the artifacts are the truth.
		info = ks.synthesizeInfo(id, kt)
	}
	ks.fillSize(&info)
	key.KeyInfo = info
	return key, nil
}

// ReadInfo loads only a key's metadata.
func (ks *KeyStore) ReadInfo(ctx context.Context, id string) (types.KeyInfo, error) {
	key, err := ks.Read(ctx, id)
	if err != nil {
		return types.KeyInfo{}, err
	}
	return key.KeyInfo, nil
}

// Exists reports whether any artifact exists for the id.
func (ks *KeyStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	kt, _, _, err := types.ParseKeyID(id)
	if err != nil {
		return false, err
	}
	dir := ks.typeDir(kt)
	for _, ext := range types.KeyFileExtensions {
		if _, err := os.Stat(filepath.Join(dir, id+ext.String())); err == nil {
			return true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("keystore: stat %s: %w", id, err)
		}
	}
	return false, nil
}

// Delete removes all artifacts and the sidecar for the id. Deleting a
// nonexistent key returns types.ErrKeyNotFound.
func (ks *KeyStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kt, _, _, err := types.ParseKeyID(id)
	if err != nil {
		return err
	}
	if err := ks.validateID(id, kt); err != nil {
		return err
	}

	dir := ks.typeDir(kt)
	removed := false
	exts := append([]types.FSExtension{}, types.KeyFileExtensions...)
	exts = append(exts, types.FSExtMeta)
	for _, ext := range exts {
		path := filepath.Join(dir, id+ext.String())
		err := os.Remove(path)
		if err == nil {
			removed = true
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("keystore: remove %s: %w", filepath.Base(path), err)
		}
	}
	if !removed {
		return fmt.Errorf("keystore: %w: %s", types.ErrKeyNotFound, id)
	}
	ks.logger.Debug("deleted key", "id", id)
	return nil
}

// List returns metadata for every stored key whose type matches one of
// the glob patterns. Empty patterns match all types. Results are sorted
// newest first by creation time, with the id as tiebreaker.
func (ks *KeyStore) List(ctx context.Context, patterns []string) ([]types.KeyInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []types.KeyInfo
	for _, kt := range types.KeyTypes {
		if !matchesType(kt, patterns) {
			continue
		}
		infos, err := ks.ListType(ctx, kt)
		if err != nil {
			return nil, err
		}
		out = append(out, infos...)
	}
	sortInfos(out)
	return out, nil
}

// ListType returns metadata for every stored key of one type, sorted
// newest first.
func (ks *KeyStore) ListType(ctx context.Context, kt types.KeyType) ([]types.KeyInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := ks.typeDir(kt)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read type dir: %w", err)
	}

	seen := make(map[string]struct{})
	var out []types.KeyInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := types.KeyIDFromFilename(entry.Name())
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		idType, _, _, err := types.ParseKeyID(id)
		if err != nil || idType != kt {
			ks.logger.Warn("skipping foreign file in keystore", "file", entry.Name())
			continue
		}

		info, err := ks.readSidecar(kt, id)
		if err != nil {
			info = ks.synthesizeInfo(id, kt)
		}
		ks.fillSize(&info)
		out = append(out, info)
	}
	sortInfos(out)
	return out, nil
}

// Artifacts returns the absolute paths of every file belonging to the
// id (material plus sidecar) that exists on disk.
func (ks *KeyStore) Artifacts(id string) ([]string, error) {
	kt, _, _, err := types.ParseKeyID(id)
	if err != nil {
		return nil, err
	}
	dir := ks.typeDir(kt)
	var out []string
	exts := append([]types.FSExtension{}, types.KeyFileExtensions...)
	exts = append(exts, types.FSExtMeta)
	for _, ext := range exts {
		path := filepath.Join(dir, id+ext.String())
		if _, err := os.Stat(path); err == nil {
			out = append(out, path)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("keystore: %w: %s", types.ErrKeyNotFound, id)
	}
	return out, nil
}

// SetStatus updates the lifecycle status in a key's sidecar.
func (ks *KeyStore) SetStatus(ctx context.Context, id string, status types.KeyStatus) error {
	info, err := ks.ReadInfo(ctx, id)
	if err != nil {
		return err
	}
	info.Status = status
	return ks.writeSidecar(info)
}

// ApplyPermissions re-applies the permission rules to every artifact of
// the id, regardless of current modes. Restore uses this after copying
// files out of an archive.
func (ks *KeyStore) ApplyPermissions(id string) error {
	kt, _, _, err := types.ParseKeyID(id)
	if err != nil {
		return err
	}
	dir := ks.typeDir(kt)
	if err := os.Chmod(dir, DirPerm); err != nil {
		return fmt.Errorf("keystore: chmod dir: %w", err)
	}

	perms := map[types.FSExtension]os.FileMode{
		types.FSExtSymmetric: PrivatePerm,
		types.FSExtPrivate:   PrivatePerm,
		types.FSExtPublic:    PublicPerm,
		types.FSExtMeta:      PrivatePerm,
	}
	for ext, perm := range perms {
		path := filepath.Join(dir, id+ext.String())
		if err := os.Chmod(path, perm); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("keystore: chmod %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// LockType takes the exclusive per-type lock, serializing rotate and
// restore operations on the same key type across processes. The
// returned release function must be called when the operation ends.
func (ks *KeyStore) LockType(ctx context.Context, kt types.KeyType) (func(), error) {
	if err := os.MkdirAll(ks.typeDir(kt), DirPerm); err != nil {
		return nil, fmt.Errorf("keystore: create type dir: %w", err)
	}
	return ks.locks.acquire(ctx, kt)
}

func (ks *KeyStore) typeDir(kt types.KeyType) string {
	return filepath.Join(ks.root, kt.String())
}

// validateID rejects ids that could escape the keystore root and ids
// whose embedded type disagrees with the declared type.
func (ks *KeyStore) validateID(id string, kt types.KeyType) error {
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("keystore: %w: %q", types.ErrInvalidKeyID, id)
	}
	idType, _, _, err := types.ParseKeyID(id)
	if err != nil {
		return err
	}
	if idType != kt {
		return fmt.Errorf("keystore: %w: id %q does not carry type %q",
			types.ErrInvalidKeyID, id, kt)
	}
	return nil
}

func (ks *KeyStore) sidecarPath(kt types.KeyType, id string) string {
	return filepath.Join(ks.typeDir(kt), id+types.FSExtMeta.String())
}

func (ks *KeyStore) writeSidecar(info types.KeyInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal sidecar: %w", err)
	}
	data = append(data, '\n')
	path := ks.sidecarPath(info.Type, info.ID)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("keystore: write sidecar: %w", err)
	}
	if err := os.Chmod(path, PrivatePerm); err != nil {
		return fmt.Errorf("keystore: chmod sidecar: %w", err)
	}
	return nil
}

func (ks *KeyStore) readSidecar(kt types.KeyType, id string) (types.KeyInfo, error) {
	data, err := os.ReadFile(ks.sidecarPath(kt, id))
	if err != nil {
		return types.KeyInfo{}, err
	}
	var info types.KeyInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return types.KeyInfo{}, fmt.Errorf("keystore: malformed sidecar for %s: %w", id, err)
	}
	return info, nil
}

// synthesizeInfo reconstructs best-effort metadata from the filename
// when the sidecar is missing. The sidecar is an index, not the truth.
func (ks *KeyStore) synthesizeInfo(id string, kt types.KeyType) types.KeyInfo {
	_, _, ts, _ := types.ParseKeyID(id)
	return types.KeyInfo{
		ID:        id,
		Type:      kt,
		Algorithm: kt.DefaultAlgorithm(),
		Backend:   types.BackendSoftware,
		Status:    types.KeyStatusActive,
		CreatedAt: ts,
	}
}

func (ks *KeyStore) fillSize(info *types.KeyInfo) {
	paths, err := ks.Artifacts(info.ID)
	if err != nil {
		return
	}
	var size int64
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil {
			size += st.Size()
		}
	}
	info.Size = size
}

// matchesType reports whether the key type matches any of the glob
// patterns. Empty patterns match everything.
func matchesType(kt types.KeyType, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if glob.Glob(strings.TrimSpace(p), kt.String()) {
			return true
		}
	}
	return false
}

func sortInfos(infos []types.KeyInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.After(infos[j].CreatedAt)
		}
		return infos[i].ID > infos[j].ID
	})
}
