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
)

// listCmd lists keys or archives
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys in the keystore",
	Long: `List keys with their type, algorithm, backend, status, age and size.
Key types filter with the same glob patterns the other commands accept,
so both "jwt,api" and "j*" work. --archives lists the backup inventory
instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		keyTypes, _ := cmd.Flags().GetString("key-types")
		archives, _ := cmd.Flags().GetBool("archives")

		ctx := context.Background()

		if archives {
			store, err := cfg.CreateKeystore()
			if err != nil {
				handleError(err)
				return
			}
			manager, err := cfg.CreateBackupManager(store)
			if err != nil {
				handleError(err)
				return
			}
			inventory, err := manager.Archives(ctx)
			if err != nil {
				handleError(err)
				return
			}
			if err := printer.PrintArchiveList(inventory); err != nil {
				handleError(err)
			}
			return
		}

		store, err := cfg.CreateKeystore()
		if err != nil {
			handleError(err)
			return
		}
		printVerbose("Listing keys under %s", store.Root())
		keys, err := store.List(ctx, splitCSV(keyTypes))
		if err != nil {
			handleError(err)
			return
		}
		if err := printer.PrintKeyList(keys); err != nil {
			handleError(err)
		}
	},
}

func init() {
	listCmd.Flags().String("key-types", "", "comma-separated key type patterns (default all)")
	listCmd.Flags().Bool("archives", false, "list backup archives instead of keys")
}
