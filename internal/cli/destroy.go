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

	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// destroyCmd removes every key of a type
var destroyCmd = &cobra.Command{
	Use:   "destroy <key-type>",
	Short: "Destroy all keys of a type",
	Long: `Delete every key of the given type from the keystore. Backup archives
are not touched, so a preceding backup remains restorable.

Destruction requires --force or interactive confirmation. --dry-run
lists what would be deleted and stops.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		force, _ := cmd.Flags().GetBool("force")

		kt, err := types.ParseKeyType(args[0])
		if err != nil {
			handleError(err)
			return
		}

		ctx := context.Background()
		store, err := cfg.CreateKeystore()
		if err != nil {
			handleError(err)
			return
		}

		unlock, err := store.LockType(ctx, kt)
		if err != nil {
			handleError(err)
			return
		}
		defer unlock()

		infos, err := store.ListType(ctx, kt)
		if err != nil {
			handleError(err)
			return
		}
		if len(infos) == 0 {
			if err := printer.PrintSuccess(fmt.Sprintf("No %s keys to destroy", kt)); err != nil {
				handleError(err)
			}
			return
		}

		if dryRun {
			fmt.Fprintf(os.Stderr, "Dry run: would destroy %d %s key(s)\n", len(infos), kt)
			if err := printer.PrintKeyList(infos); err != nil {
				handleError(err)
			}
			return
		}

		prompt := fmt.Sprintf("Destroy %d %s key(s)? This cannot be undone", len(infos), kt)
		if !confirmOrAbort(force, prompt) {
			fmt.Fprintln(os.Stderr, "Aborted")
			return
		}

		deleted := 0
		for _, info := range infos {
			printVerbose("Deleting %s", info.ID)
			if err := store.Delete(ctx, info.ID); err != nil {
				handleError(fmt.Errorf("failed to delete %s: %w", info.ID, err))
				return
			}
			deleted++
		}
		if err := printer.PrintSuccess(fmt.Sprintf("Destroyed %d %s key(s)", deleted, kt)); err != nil {
			handleError(err)
		}
	},
}

func init() {
	destroyCmd.Flags().Bool("dry-run", false, "list what would be deleted without deleting")
	destroyCmd.Flags().Bool("force", false, "skip the confirmation prompt")
}
