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

	"github.com/jeremyhahn/go-keylifecycle/pkg/backend/tpm2"
)

// checkTPMCmd probes the TPM device
var checkTPMCmd = &cobra.Command{
	Use:   "check-tpm",
	Short: "Probe the TPM 2.0 device",
	Long: `Probe the TPM device and report its manufacturer, vendor string and
firmware version. Exits non-zero when the device is missing or not a
responsive TPM 2.0.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		devicePath, _ := cmd.Flags().GetString("device")
		if devicePath == "" {
			app, err := cfg.App()
			if err != nil {
				handleError(err)
				return
			}
			devicePath = app.TPM.DevicePath
		}
		if devicePath == "" {
			devicePath = tpm2.DefaultDevicePath
		}

		printVerbose("Probing TPM at %s", devicePath)
		be := tpm2.NewBackend(tpm2.Config{DevicePath: devicePath}, cfg.Logger())
		defer func() { _ = be.Close() }()

		info, err := be.Info(context.Background())
		if err != nil {
			handleError(fmt.Errorf("TPM unavailable at %s: %w", devicePath, err))
			return
		}
		if err := printer.PrintTPMInfo(devicePath, info); err != nil {
			handleError(err)
		}
	},
}

func init() {
	checkTPMCmd.Flags().String("device", "", "TPM character device; default follows configuration")
}
