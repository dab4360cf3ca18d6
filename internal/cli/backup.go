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
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keylifecycle/pkg/backup"
)

// backupCmd archives keys from the keystore
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up keys to a manifest-verified archive",
	Long: `Back up keys into an archive under the backup root. Every archived
file is checksummed into a manifest before packaging.

Archives are plain directories by default; --compress packages a tar.gz
and --encrypt wraps it in an OpenPGP envelope using the configured
passphrase or recipient keyring.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		keyTypes, _ := cmd.Flags().GetString("key-types")
		compress, _ := cmd.Flags().GetBool("compress")
		encrypt, _ := cmd.Flags().GetBool("encrypt")
		remoteDir, _ := cmd.Flags().GetString("remote-dir")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

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

		if remoteDir == "" {
			if app, err := cfg.App(); err == nil {
				remoteDir = app.Backup.RemoteDir
			}
		}

		opts := backup.Options{
			KeyTypes:  splitCSV(keyTypes),
			Compress:  compress,
			Encrypt:   encrypt,
			RemoteDir: remoteDir,
			DryRun:    dryRun,
		}
		printVerbose("Backup options: types=%v compress=%t encrypt=%t remote=%q dry-run=%t",
			opts.KeyTypes, compress, encrypt, remoteDir, dryRun)

		archive, err := manager.Backup(context.Background(), opts)
		if archive != nil {
			if perr := printer.PrintBackupReport(archive); perr != nil {
				handleError(perr)
				return
			}
		}
		if err != nil {
			handleError(err)
		}
	},
}

// splitCSV splits a comma-separated flag value, dropping empty parts
func splitCSV(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func init() {
	backupCmd.Flags().String("key-types", "", "comma-separated key types to archive (default all)")
	backupCmd.Flags().Bool("compress", false, "package the archive as tar.gz")
	backupCmd.Flags().Bool("encrypt", false, "encrypt the archive (implies --compress)")
	backupCmd.Flags().String("remote-dir", "", "remote directory for the off-site copy; default follows configuration")
	backupCmd.Flags().Bool("dry-run", false, "resolve the key set and report without writing")
}
