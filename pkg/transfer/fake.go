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

package transfer

import (
	"context"
	"os"
	"sort"
	"sync"
)

// Fake records uploads in memory for tests.
type Fake struct {
	mu      sync.Mutex
	uploads map[string][]byte

	// FailWith, when set, is returned by every Upload.
	FailWith error
}

// Compile-time interface check
var _ Transport = (*Fake)(nil)

// NewFake creates an empty fake transport.
func NewFake() *Fake {
	return &Fake{uploads: make(map[string][]byte)}
}

// Name returns "fake".
func (f *Fake) Name() string {
	return "fake"
}

// Upload reads the local file and records it under the remote path.
func (f *Fake) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	content, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.uploads[remotePath] = content
	return nil
}

// Close is a no-op.
func (f *Fake) Close() error {
	return nil
}

// Uploads returns the recorded remote paths, sorted.
func (f *Fake) Uploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.uploads))
	for p := range f.uploads {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Content returns the bytes recorded for a remote path.
func (f *Fake) Content(remotePath string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.uploads[remotePath]
	return content, ok
}
