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

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keylifecycle/pkg/backend/tpm2"
	"github.com/jeremyhahn/go-keylifecycle/pkg/backup"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata"
	"github.com/jeremyhahn/go-keylifecycle/pkg/rotation"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// TypeCount summarizes the keystore population for one key type.
type TypeCount struct {
	KeyType  types.KeyType `json:"key_type"`
	Active   int           `json:"active"`
	Rotating int           `json:"rotating"`
	Retired  int           `json:"retired"`
	Total    int           `json:"total"`
}

// TPMStatus reports the generation hardware probe.
type TPMStatus struct {
	DevicePath string `json:"device_path"`
	Available  bool   `json:"available"`
	Error      string `json:"error,omitempty"`
}

// MetadataStatus reports metadata store reachability.
type MetadataStatus struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// StatusReport is the full lifecycle status assembled by the status
// command and the /status endpoint.
type StatusReport struct {
	Keys      []TypeCount          `json:"keys"`
	TotalKeys int                  `json:"total_keys"`
	Rotations []rotation.DueStatus `json:"rotations"`
	Stale     []types.KeyInfo      `json:"stale_rotations,omitempty"`
	TPM       *TPMStatus           `json:"tpm,omitempty"`
	Metadata  *MetadataStatus      `json:"metadata,omitempty"`
	Archives  []backup.ArchiveInfo `json:"archives"`
}

// statusCmd reports the lifecycle state of the whole installation
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report keystore, rotation, TPM, metadata and backup state",
	Long: `Report keystore counts per type, the rotation schedule, interrupted
rotations, TPM availability, metadata store reachability and the
backup inventory.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		report, err := collectStatus(context.Background(), cfg)
		if err != nil {
			handleError(err)
			return
		}
		if err := printer.PrintStatusReport(report); err != nil {
			handleError(err)
		}
	},
}

// collectStatus assembles the status report. Degraded dependencies
// (unreachable TPM or metadata store) are reported inside it; only a
// broken keystore is a hard error.
func collectStatus(ctx context.Context, cfg *Config) (*StatusReport, error) {
	app, err := cfg.App()
	if err != nil {
		return nil, err
	}
	store, err := cfg.CreateKeystore()
	if err != nil {
		return nil, err
	}

	report := &StatusReport{}

	for _, kt := range types.KeyTypes {
		infos, err := store.ListType(ctx, kt)
		if err != nil {
			return nil, err
		}
		if len(infos) == 0 {
			continue
		}
		tc := TypeCount{KeyType: kt, Total: len(infos)}
		for _, info := range infos {
			switch info.Status {
			case types.KeyStatusRotating:
				tc.Rotating++
			case types.KeyStatusRetired:
				tc.Retired++
			default:
				tc.Active++
			}
		}
		report.Keys = append(report.Keys, tc)
		report.TotalKeys += tc.Total
	}

	var meta metadata.Store
	if app.Metadata.Configured() {
		report.Metadata = &MetadataStatus{}
		m, err := cfg.CreateMetadata(ctx)
		switch {
		case err != nil:
			report.Metadata.Error = err.Error()
		default:
			meta = m
			defer func() { _ = m.Close(ctx) }()
			if perr := m.Ping(ctx); perr != nil {
				report.Metadata.Error = perr.Error()
			} else {
				report.Metadata.Reachable = true
			}
		}
	}

	gen, err := cfg.CreateGenerationBackend("")
	if err != nil {
		return nil, err
	}
	backups, err := cfg.CreateBackupManager(store)
	if err != nil {
		return nil, err
	}
	manager, err := cfg.CreateRotationManager(store, gen, backups, meta)
	if err != nil {
		return nil, err
	}
	if report.Rotations, err = manager.Due(ctx); err != nil {
		return nil, err
	}
	if report.Stale, err = manager.StaleRotations(ctx); err != nil {
		return nil, err
	}

	if app.TPM.Enabled {
		report.TPM = &TPMStatus{DevicePath: app.TPM.DevicePath}
		be := tpm2.NewBackend(tpm2.Config{DevicePath: app.TPM.DevicePath}, cfg.Logger())
		if err := be.Available(ctx); err != nil {
			report.TPM.Error = err.Error()
		} else {
			report.TPM.Available = true
		}
		_ = be.Close()
	}

	if report.Archives, err = backups.Archives(ctx); err != nil {
		return nil, err
	}
	// Archives come back newest first; the keep count bounds the report
	// the same way it bounds pruning.
	if n := app.Backup.KeepCount; n > 0 && len(report.Archives) > n {
		report.Archives = report.Archives[:n]
	}
	return report, nil
}
