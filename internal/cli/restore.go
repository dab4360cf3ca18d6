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

	"github.com/jeremyhahn/go-keylifecycle/pkg/restore"
)

// restoreCmd restores keys from an archive
var restoreCmd = &cobra.Command{
	Use:   "restore <archive>",
	Short: "Restore keys from a backup archive",
	Long: `Restore keys from an archive into the keystore. The archive may be a
path or a bare name resolved against the backup roots.

Merge mode (the default) skips keys that already exist; overwrite mode
replaces them and requires --force or interactive confirmation. Every
file is checksum-verified against the archive manifest before it is
placed, and again after.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		archiveRef := args[0]
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		keyTypes, _ := cmd.Flags().GetString("key-types")
		mode, _ := cmd.Flags().GetString("mode")
		test, _ := cmd.Flags().GetBool("test")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		force, _ := cmd.Flags().GetBool("force")
		admin, _ := cmd.Flags().GetString("admin-id")

		restoreMode := restore.Mode(mode)
		if !restoreMode.IsValid() {
			handleError(fmt.Errorf("invalid mode %q (must be merge or overwrite)", mode))
			return
		}
		if dryRun {
			test = true
		}

		if restoreMode == restore.ModeOverwrite && !test {
			prompt := fmt.Sprintf("Overwrite existing keys from %s?", archiveRef)
			if !confirmOrAbort(force, prompt) {
				fmt.Fprintln(os.Stderr, "Aborted")
				return
			}
		}

		ctx := context.Background()
		store, err := cfg.CreateKeystore()
		if err != nil {
			handleError(err)
			return
		}
		meta, err := cfg.CreateMetadata(ctx)
		if err != nil {
			handleError(err)
			return
		}
		if meta != nil {
			defer func() { _ = meta.Close(ctx) }()
		}
		manager, err := cfg.CreateRestoreManager(store, meta)
		if err != nil {
			handleError(err)
			return
		}

		report, err := manager.Restore(ctx, archiveRef, restore.Options{
			KeyTypes: splitCSV(keyTypes),
			Mode:     restoreMode,
			Test:     test,
			AdminID:  adminID(admin),
		})
		if report != nil {
			if perr := printer.PrintRestoreReport(report, cfg.Verbose); perr != nil {
				handleError(perr)
				return
			}
		}
		if err != nil {
			handleError(err)
		}
	},
}

func init() {
	restoreCmd.Flags().String("key-types", "", "comma-separated key types to restore (default all)")
	restoreCmd.Flags().String("mode", "merge", "conflict policy: merge skips existing keys, overwrite replaces them")
	restoreCmd.Flags().Bool("test", false, "verify the archive and report without touching the keystore")
	restoreCmd.Flags().Bool("dry-run", false, "alias for --test")
	restoreCmd.Flags().Bool("force", false, "skip the confirmation prompt for overwrite mode")
	restoreCmd.Flags().String("admin-id", "", "audit identity recorded with the restore (default OS user)")
}
