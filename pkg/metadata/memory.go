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

package metadata

import (
	"context"
	"sync"

	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// Memory is the in-process Store used by tests. It retains everything
// written so assertions can inspect it, and can be forced to fail to
// exercise degraded-mode paths.
type Memory struct {
	mu        sync.Mutex
	rotations []types.RotationRecord
	restores  []types.RestoreRecord
	current   map[types.KeyType]types.CurrentKeyRef
	closed    bool

	// FailWith, when set, is returned by every operation.
	FailWith error
}

// Compile-time interface check
var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		current: make(map[types.KeyType]types.CurrentKeyRef),
	}
}

func (m *Memory) InsertRotation(ctx context.Context, record types.RotationRecord) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotations = append(m.rotations, record)
	return nil
}

func (m *Memory) InsertRestore(ctx context.Context, record types.RestoreRecord) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restores = append(m.restores, record)
	return nil
}

func (m *Memory) UpsertCurrentKey(ctx context.Context, ref types.CurrentKeyRef) error {
	if err := m.gate(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[ref.KeyType] = ref
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.gate(ctx)
}

func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Rotations returns a copy of the recorded rotation history.
func (m *Memory) Rotations() []types.RotationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RotationRecord, len(m.rotations))
	copy(out, m.rotations)
	return out
}

// Restores returns a copy of the recorded restore history.
func (m *Memory) Restores() []types.RestoreRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RestoreRecord, len(m.restores))
	copy(out, m.restores)
	return out
}

// CurrentKey returns the pointer recorded for a key type.
func (m *Memory) CurrentKey(kt types.KeyType) (types.CurrentKeyRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.current[kt]
	return ref, ok
}

func (m *Memory) gate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if m.closed {
		return ErrUnavailable
	}
	return nil
}
