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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata"
	"github.com/jeremyhahn/go-keylifecycle/pkg/rotation"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// rotateCmd replaces keys with fresh successors
var rotateCmd = &cobra.Command{
	Use:   "rotate [key-type]",
	Short: "Rotate keys to fresh successors",
	Long: `Rotate the newest key of a type: snapshot a backup, generate a
successor with the same algorithm, record the rotation, and prune old
generations down to the retention count.

With --due every type whose newest key is older than its rotation
interval is rotated. With --dry-run the schedule is reported without
rotating anything.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		due, _ := cmd.Flags().GetBool("due")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		admin, _ := cmd.Flags().GetString("admin-id")

		if len(args) == 0 && !due && !dryRun {
			handleError(fmt.Errorf("specify a key type, --due, or --dry-run"))
			return
		}

		ctx := context.Background()
		manager, meta, err := buildRotationManager(ctx, cfg)
		if err != nil {
			handleError(err)
			return
		}
		if meta != nil {
			defer func() { _ = meta.Close(ctx) }()
		}

		if dryRun {
			statuses, err := manager.Due(ctx)
			if err != nil {
				handleError(err)
				return
			}
			if len(args) == 1 {
				statuses = filterDue(statuses, args[0])
			}
			if err := printer.PrintDueReport(statuses); err != nil {
				handleError(err)
			}
			return
		}

		if due {
			rotated, err := manager.RotateDue(ctx, adminID(admin))
			if perr := printer.PrintRotationResult(rotated); perr != nil {
				handleError(perr)
				return
			}
			if err != nil {
				handleError(err)
			}
			return
		}

		kt, err := types.ParseKeyType(args[0])
		if err != nil {
			handleError(err)
			return
		}
		key, err := manager.Rotate(ctx, kt, adminID(admin))
		if err != nil {
			handleError(err)
			return
		}
		if err := printer.PrintRotationResult([]*types.Key{key}); err != nil {
			handleError(err)
		}
	},
}

// buildRotationManager assembles the rotation manager and its
// dependencies. The metadata store is returned for the caller to
// close; it is nil in local-only mode.
func buildRotationManager(ctx context.Context, cfg *Config) (*rotation.Manager, metadata.Store, error) {
	store, err := cfg.CreateKeystore()
	if err != nil {
		return nil, nil, err
	}
	gen, err := cfg.CreateGenerationBackend("")
	if err != nil {
		return nil, nil, err
	}
	backups, err := cfg.CreateBackupManager(store)
	if err != nil {
		return nil, nil, err
	}
	meta, err := cfg.CreateMetadata(ctx)
	if err != nil {
		return nil, nil, err
	}
	manager, err := cfg.CreateRotationManager(store, gen, backups, meta)
	if err != nil {
		return nil, nil, err
	}
	return manager, meta, nil
}

// filterDue narrows a due report to one key type
func filterDue(statuses []rotation.DueStatus, keyType string) []rotation.DueStatus {
	var out []rotation.DueStatus
	for _, st := range statuses {
		if st.KeyType.String() == keyType {
			out = append(out, st)
		}
	}
	return out
}

func init() {
	rotateCmd.Flags().Bool("due", false, "rotate every type past its rotation interval")
	rotateCmd.Flags().Bool("dry-run", false, "report the rotation schedule without rotating")
	rotateCmd.Flags().String("admin-id", "", "audit identity recorded with the rotation (default OS user)")
}
