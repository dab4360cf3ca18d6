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

package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeremyhahn/go-keylifecycle/internal/config"
	"github.com/jeremyhahn/go-keylifecycle/pkg/backup"
	"github.com/jeremyhahn/go-keylifecycle/pkg/rotation"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// statusApp points a default configuration at throwaway directories so
// collectStatus runs entirely offline.
func statusApp(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	app := config.Default()
	app.Storage.KeysPath = filepath.Join(root, "keys")
	app.Backup.Path = filepath.Join(root, "backups")
	return app
}

func writeStatusKey(t *testing.T, cfg *Config, kt types.KeyType, status types.KeyStatus, at time.Time) string {
	t.Helper()
	store, err := cfg.CreateKeystore()
	if err != nil {
		t.Fatal(err)
	}
	id, err := types.FormatKeyID(kt, "primary", at)
	if err != nil {
		t.Fatal(err)
	}
	key := &types.Key{
		KeyInfo: types.KeyInfo{
			ID:        id,
			Type:      kt,
			Algorithm: types.AlgorithmAES256,
			Backend:   types.BackendSoftware,
			Status:    status,
			CreatedAt: at,
		},
		Material: types.KeyMaterial{Symmetric: []byte("0123456789abcdef0123456789abcdef")},
	}
	if _, err := store.Write(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	return id
}

func typeCount(report *StatusReport, kt types.KeyType) (TypeCount, bool) {
	for _, tc := range report.Keys {
		if tc.KeyType == kt {
			return tc, true
		}
	}
	return TypeCount{}, false
}

func dueStatus(report *StatusReport, kt types.KeyType) (rotation.DueStatus, bool) {
	for _, st := range report.Rotations {
		if st.KeyType == kt {
			return st, true
		}
	}
	return rotation.DueStatus{}, false
}

func TestCollectStatus(t *testing.T) {
	app := statusApp(t)
	cfg := testCLIConfig(app)
	now := time.Now().UTC()

	// Session: one active key past its 7 day interval plus an older
	// generation stuck mid-rotation. JWT: one fresh key.
	writeStatusKey(t, cfg, types.KeyTypeSession, types.KeyStatusActive, now.Add(-240*time.Hour))
	stale := writeStatusKey(t, cfg, types.KeyTypeSession, types.KeyStatusRotating, now.Add(-250*time.Hour))
	writeStatusKey(t, cfg, types.KeyTypeJWT, types.KeyStatusActive, now.Add(-time.Hour))

	report, err := collectStatus(context.Background(), cfg)
	if err != nil {
		t.Fatalf("collectStatus() returned error: %v", err)
	}

	if report.TotalKeys != 3 {
		t.Errorf("TotalKeys = %d, want 3", report.TotalKeys)
	}
	sc, ok := typeCount(report, types.KeyTypeSession)
	if !ok {
		t.Fatal("missing session type count")
	}
	if sc.Active != 1 || sc.Rotating != 1 || sc.Total != 2 {
		t.Errorf("session counts = %+v, want 1 active, 1 rotating, 2 total", sc)
	}
	jc, ok := typeCount(report, types.KeyTypeJWT)
	if !ok {
		t.Fatal("missing jwt type count")
	}
	if jc.Active != 1 || jc.Total != 1 {
		t.Errorf("jwt counts = %+v, want 1 active, 1 total", jc)
	}

	ss, ok := dueStatus(report, types.KeyTypeSession)
	if !ok {
		t.Fatal("missing session rotation status")
	}
	if !ss.Due {
		t.Error("session should be due: newest key is 10 days old on a 7 day interval")
	}
	js, ok := dueStatus(report, types.KeyTypeJWT)
	if !ok {
		t.Fatal("missing jwt rotation status")
	}
	if js.Due {
		t.Error("jwt should not be due after one hour on a 30 day interval")
	}

	if len(report.Stale) != 1 || report.Stale[0].ID != stale {
		t.Errorf("Stale = %+v, want exactly the interrupted session key %s", report.Stale, stale)
	}

	// TPM disabled and no metadata store configured: both sections
	// absent rather than reported as failures.
	if report.TPM != nil {
		t.Errorf("TPM = %+v, want nil with the backend disabled", report.TPM)
	}
	if report.Metadata != nil {
		t.Errorf("Metadata = %+v, want nil without a configured store", report.Metadata)
	}
}

func TestCollectStatus_ArchiveInventoryBounded(t *testing.T) {
	app := statusApp(t)
	app.Backup.KeepCount = 2
	cfg := testCLIConfig(app)

	if err := os.MkdirAll(app.Backup.Path, 0o700); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	names := make([]string, 0, 3)
	for _, age := range []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour} {
		name := "keys-backup-" + now.Add(-age).Format(backup.TimestampFormat) + backup.SuffixTarGz
		path := filepath.Join(app.Backup.Path, name)
		if err := os.WriteFile(path, []byte("archive"), 0o600); err != nil {
			t.Fatal(err)
		}
		names = append(names, name)
	}

	report, err := collectStatus(context.Background(), cfg)
	if err != nil {
		t.Fatalf("collectStatus() returned error: %v", err)
	}

	if len(report.Archives) != 2 {
		t.Fatalf("Archives length = %d, want keep count 2", len(report.Archives))
	}
	if report.Archives[0].Name != names[0] || report.Archives[1].Name != names[1] {
		t.Errorf("Archives = [%s %s], want the two newest [%s %s]",
			report.Archives[0].Name, report.Archives[1].Name, names[0], names[1])
	}
}
