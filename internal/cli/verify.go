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

	"github.com/jeremyhahn/go-keylifecycle/pkg/restore"
)

// verifyCmd checks an archive's integrity without restoring it
var verifyCmd = &cobra.Command{
	Use:   "verify <archive>",
	Short: "Verify an archive against its manifest",
	Long: `Extract an archive to scratch space, check every file against the
manifest checksums, and report. The live keystore is never touched.
Exits non-zero on any mismatched, missing or unlisted file.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		archiveRef := args[0]
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		keyTypes, _ := cmd.Flags().GetString("key-types")

		store, err := cfg.CreateKeystore()
		if err != nil {
			handleError(err)
			return
		}
		manager, err := cfg.CreateRestoreManager(store, nil)
		if err != nil {
			handleError(err)
			return
		}

		report, err := manager.Restore(context.Background(), archiveRef, restore.Options{
			KeyTypes: splitCSV(keyTypes),
			Test:     true,
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
	verifyCmd.Flags().String("key-types", "", "comma-separated key types to verify (default all)")
}
