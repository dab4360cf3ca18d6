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

// Package rotation replaces aging keys on a per-type schedule. A
// rotation always snapshots the type into a backup first, generates a
// successor with the same algorithm, and only prunes predecessors after
// the new key is durably on disk, so at least one valid key of the type
// is observable at every point. The successor is written with rotating
// status and flipped to active once the audit trail is recorded; a
// crash in between leaves the previous active key untouched.
package rotation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"

	"github.com/jeremyhahn/go-keylifecycle/pkg/backend"
	"github.com/jeremyhahn/go-keylifecycle/pkg/backup"
	"github.com/jeremyhahn/go-keylifecycle/pkg/keystore"
	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metrics"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// DefaultRetain is how many keys of a type survive pruning when the
// policy does not say otherwise.
const DefaultRetain = 2

// dueWorkers bounds how many types rotate concurrently in RotateDue.
const dueWorkers = 4

// Policy is the per-type rotation schedule: how often a type rotates
// and how many generations stay on disk afterwards.
type Policy struct {
	IntervalDays int `json:"interval_days" yaml:"interval_days"`
	Retain       int `json:"retain" yaml:"retain"`
}

// Interval returns the rotation interval as a duration.
func (p Policy) Interval() time.Duration {
	return time.Duration(p.IntervalDays) * 24 * time.Hour
}

// DefaultPolicies returns the built-in schedule. Short-lived session
// keys rotate weekly; long-lived signing roots rotate yearly.
func DefaultPolicies() map[types.KeyType]Policy {
	return map[types.KeyType]Policy{
		types.KeyTypeSession:    {IntervalDays: 7, Retain: DefaultRetain},
		types.KeyTypeJWT:        {IntervalDays: 30, Retain: DefaultRetain},
		types.KeyTypeAPI:        {IntervalDays: 30, Retain: DefaultRetain},
		types.KeyTypeAdmin:      {IntervalDays: 90, Retain: DefaultRetain},
		types.KeyTypeNetwork:    {IntervalDays: 90, Retain: DefaultRetain},
		types.KeyTypeStorage:    {IntervalDays: 180, Retain: DefaultRetain},
		types.KeyTypeBlockchain: {IntervalDays: 365, Retain: DefaultRetain},
	}
}

// Config carries policy overrides. Types not mentioned keep the
// defaults; zero fields inside an override keep the default value for
// that field.
type Config struct {
	Policies map[types.KeyType]Policy
}

// DueStatus reports how one key type stands against its schedule.
type DueStatus struct {
	KeyType      types.KeyType `json:"key_type"`
	NewestKeyID  string        `json:"newest_key_id"`
	NewestAt     time.Time     `json:"newest_at"`
	IntervalDays int           `json:"interval_days"`
	NextRotation time.Time     `json:"next_rotation"`
	Due          bool          `json:"due"`
}

// ===== Manager =====

// Manager orchestrates rotations against one keystore. The metadata
// store is optional; without it rotations are recorded locally only.
type Manager struct {
	logger   *logging.Logger
	store    *keystore.KeyStore
	backend  backend.Backend
	backups  *backup.Manager
	meta     metadata.Store
	policies map[types.KeyType]Policy
}

// NewManager wires a rotation manager. The keystore, generation backend
// and backup manager are required; rotation refuses to run without a
// preceding backup, so there is no degraded mode without one.
func NewManager(config Config, store *keystore.KeyStore, gen backend.Backend,
	backups *backup.Manager, meta metadata.Store, logger *logging.Logger) (*Manager, error) {

	if store == nil {
		return nil, fmt.Errorf("rotation: keystore is required")
	}
	if gen == nil {
		return nil, fmt.Errorf("rotation: generation backend is required")
	}
	if backups == nil {
		return nil, fmt.Errorf("rotation: backup manager is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	policies := DefaultPolicies()
	for kt, override := range config.Policies {
		p := policies[kt]
		if override.IntervalDays > 0 {
			p.IntervalDays = override.IntervalDays
		}
		if override.Retain > 0 {
			p.Retain = override.Retain
		}
		policies[kt] = p
	}

	return &Manager{
		logger:   logger.WithComponent("rotation"),
		store:    store,
		backend:  gen,
		backups:  backups,
		meta:     meta,
		policies: policies,
	}, nil
}

// Policy returns the effective schedule for a key type.
func (m *Manager) Policy(kt types.KeyType) Policy {
	if p, ok := m.policies[kt]; ok {
		return p
	}
	return Policy{IntervalDays: 30, Retain: DefaultRetain}
}

// Rotate replaces the newest key of a type with a fresh successor. The
// old keys stay on disk until the successor is written and recorded;
// pruning then trims the type to its retention count.
func (m *Manager) Rotate(ctx context.Context, kt types.KeyType, adminID string) (*types.Key, error) {
	start := time.Now()

	key, err := m.rotate(ctx, kt, adminID)

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	metrics.RecordOperation(metrics.OpRotate, m.backend.Kind().String(), status, time.Since(start).Seconds())
	if err == nil {
		metrics.RecordRotationCompleted(kt.String(), float64(key.CreatedAt.Unix()))
	}
	return key, err
}

func (m *Manager) rotate(ctx context.Context, kt types.KeyType, adminID string) (*types.Key, error) {
	if !kt.IsValid() {
		return nil, fmt.Errorf("rotation: %w: %q", types.ErrInvalidKeyType, kt)
	}

	unlock, err := m.store.LockType(ctx, kt)
	if err != nil {
		return nil, fmt.Errorf("rotation: %w", err)
	}
	defer unlock()

	infos, err := m.store.ListType(ctx, kt)
	if err != nil {
		return nil, fmt.Errorf("rotation: %w", err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("rotation: %w: no %s key to rotate", types.ErrNoKeysFound, kt)
	}
	newest := infos[0]

	// A rotation without a fresh backup of the type is refused outright.
	snapshot, err := m.backups.Backup(ctx, backup.Options{
		KeyTypes: []string{kt.String()},
		Compress: true,
	})
	if err != nil {
		return nil, fmt.Errorf("rotation: pre-rotation backup failed: %w", err)
	}
	m.logger.Debug("pre-rotation snapshot written", "backup_id", snapshot.BackupID)

	// Key ids embed second-resolution timestamps; the successor must
	// sort strictly after the key it replaces.
	at := time.Now().UTC().Truncate(time.Second)
	if !at.After(newest.CreatedAt) {
		at = newest.CreatedAt.Add(time.Second)
	}

	_, qualifier, _, err := types.ParseKeyID(newest.ID)
	if err != nil {
		return nil, fmt.Errorf("rotation: %w", err)
	}

	key, err := m.backend.Generate(ctx, kt, backend.Params{
		Qualifier: qualifier,
		Algorithm: newest.Algorithm,
		CreatedAt: at,
	})
	if err != nil {
		return nil, fmt.Errorf("rotation: generate successor: %w", err)
	}

	key.Status = types.KeyStatusRotating
	if _, err := m.store.Write(ctx, key); err != nil {
		return nil, fmt.Errorf("rotation: write successor: %w", err)
	}

	m.record(ctx, kt, adminID, key, newest.ID)

	if err := m.store.SetStatus(ctx, key.ID, types.KeyStatusActive); err != nil {
		return nil, fmt.Errorf("rotation: activate successor: %w", err)
	}
	key.Status = types.KeyStatusActive

	m.pruneType(ctx, kt, key.ID)

	m.logger.Info("rotated key",
		"type", kt.String(), "new", key.ID, "old", newest.ID, "backend", key.Backend.String())
	return key, nil
}

// record writes the rotation audit trail. A missing or unreachable
// metadata store degrades to local-only operation with a warning.
func (m *Manager) record(ctx context.Context, kt types.KeyType, adminID string, key *types.Key, oldID string) {
	if m.meta == nil {
		m.logger.Warn("metadata store not configured, rotation recorded locally only")
		return
	}

	now := time.Now().UTC()
	rec := types.RotationRecord{
		AdminID:   adminID,
		KeyType:   kt,
		NewKeyID:  key.ID,
		OldKeyID:  oldID,
		Backend:   key.Backend.String(),
		Timestamp: now,
	}
	if err := m.meta.InsertRotation(ctx, rec); err != nil {
		m.logger.Warn("metadata store unreachable, rotation recorded locally only", "error", err.Error())
		metrics.SetMetadataStoreUp(false)
		return
	}
	metrics.SetMetadataStoreUp(true)

	ref := types.CurrentKeyRef{
		KeyType:   kt,
		AdminID:   adminID,
		KeyID:     key.ID,
		UpdatedAt: now,
	}
	if err := m.meta.UpsertCurrentKey(ctx, ref); err != nil {
		m.logger.Warn("current-key pointer not updated", "type", kt.String(), "error", err.Error())
	}
}

// pruneType trims a type to its retention count, newest first. The
// just-written key is never a candidate. Per-key deletion failures are
// logged and skipped; the next rotation retries them.
func (m *Manager) pruneType(ctx context.Context, kt types.KeyType, keep string) {
	retain := m.Policy(kt).Retain
	if retain <= 0 {
		retain = DefaultRetain
	}

	infos, err := m.store.ListType(ctx, kt)
	if err != nil {
		m.logger.Warn("prune scan failed", "type", kt.String(), "error", err.Error())
		return
	}
	if len(infos) <= retain {
		return
	}

	for _, info := range infos[retain:] {
		if info.ID == keep {
			continue
		}
		if err := m.store.Delete(ctx, info.ID); err != nil {
			m.logger.Warn("prune failed", "id", info.ID, "error", err.Error())
			continue
		}
		m.logger.Info("pruned rotated-out key", "id", info.ID)
	}
}

// ===== Scheduling =====

// Due reports how every populated key type stands against its rotation
// schedule, without mutating anything.
func (m *Manager) Due(ctx context.Context) ([]DueStatus, error) {
	now := time.Now().UTC()
	var out []DueStatus

	for _, kt := range types.KeyTypes {
		infos, err := m.store.ListType(ctx, kt)
		if err != nil {
			return nil, fmt.Errorf("rotation: %w", err)
		}
		if len(infos) == 0 {
			continue
		}
		policy := m.Policy(kt)
		next := infos[0].CreatedAt.Add(policy.Interval())
		out = append(out, DueStatus{
			KeyType:      kt,
			NewestKeyID:  infos[0].ID,
			NewestAt:     infos[0].CreatedAt,
			IntervalDays: policy.IntervalDays,
			NextRotation: next,
			Due:          !next.After(now),
		})
	}

	due := 0
	for _, st := range out {
		if st.Due {
			due++
		}
	}
	metrics.SetRotationsDue(float64(due))
	return out, nil
}

// RotateDue rotates every type whose newest key has outlived its
// interval. Types are independent of each other, so due types rotate
// in parallel; one failing type never stops the rest, and failures
// come back aggregated under ErrPartialFailure.
func (m *Manager) RotateDue(ctx context.Context, adminID string) ([]*types.Key, error) {
	statuses, err := m.Due(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		rotated []*types.Key
		errs    *multierror.Error
	)

	wp := workerpool.New(dueWorkers)
	for _, st := range statuses {
		if !st.Due {
			continue
		}
		wp.Submit(func() {
			key, err := m.Rotate(ctx, st.KeyType, adminID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", st.KeyType, err))
				return
			}
			rotated = append(rotated, key)
		})
	}
	wp.StopWait()

	sort.Slice(rotated, func(i, j int) bool { return rotated[i].Type < rotated[j].Type })

	if err := errs.ErrorOrNil(); err != nil {
		return rotated, fmt.Errorf("rotation: %w: %v", types.ErrPartialFailure, err)
	}
	return rotated, nil
}

// StaleRotations lists keys stuck in rotating status for longer than
// their type's interval. A healthy rotation flips to active within
// seconds; these indicate an interrupted run worth investigating.
func (m *Manager) StaleRotations(ctx context.Context) ([]types.KeyInfo, error) {
	now := time.Now().UTC()
	var out []types.KeyInfo

	for _, kt := range types.KeyTypes {
		infos, err := m.store.ListType(ctx, kt)
		if err != nil {
			return nil, fmt.Errorf("rotation: %w", err)
		}
		for _, info := range infos {
			if info.Status != types.KeyStatusRotating {
				continue
			}
			if now.Sub(info.CreatedAt) > m.Policy(kt).Interval() {
				out = append(out, info)
			}
		}
	}
	return out, nil
}
