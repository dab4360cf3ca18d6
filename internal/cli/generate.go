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
	"time"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keylifecycle/pkg/backend"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// generateCmd generates a new key
var generateCmd = &cobra.Command{
	Use:   "generate <key-type>",
	Short: "Generate a new cryptographic key",
	Long: `Generate a new key of the given type and write it to the keystore.

The algorithm defaults per type (session/storage AES-256, admin/blockchain
ECC P-256, network RSA-4096, jwt/api HMAC) and can be overridden.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		kt, err := types.ParseKeyType(args[0])
		if err != nil {
			handleError(err)
			return
		}

		qualifier, _ := cmd.Flags().GetString("qualifier")
		algorithm, _ := cmd.Flags().GetString("algorithm")
		expiresIn, _ := cmd.Flags().GetDuration("expires-in")
		backendName, _ := cmd.Flags().GetString("backend")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		params := backend.Params{
			Qualifier: qualifier,
			ExpiresIn: expiresIn,
		}
		if algorithm != "" {
			alg, err := types.ParseAlgorithm(algorithm)
			if err != nil {
				handleError(err)
				return
			}
			params.Algorithm = alg
		}

		gen, err := cfg.CreateGenerationBackend(backendName)
		if err != nil {
			handleError(err)
			return
		}
		defer func() { _ = gen.Close() }()

		resolved := params.Normalize(kt)
		printVerbose("Generating %s key (algorithm %s, backend %s)", kt, resolved.Algorithm, gen.Kind())

		if dryRun {
			msg := fmt.Sprintf("Dry run: would generate %s key %s-%s-<timestamp> (%s, %s backend)",
				kt, kt, resolved.Qualifier, resolved.Algorithm, gen.Kind())
			if err := printer.PrintSuccess(msg); err != nil {
				handleError(err)
			}
			return
		}

		ctx := context.Background()
		key, err := gen.Generate(ctx, kt, params)
		if err != nil {
			handleError(fmt.Errorf("failed to generate key: %w", err))
			return
		}

		store, err := cfg.CreateKeystore()
		if err != nil {
			handleError(err)
			return
		}
		location, err := store.Write(ctx, key)
		if err != nil {
			handleError(fmt.Errorf("failed to store key: %w", err))
			return
		}
		printVerbose("Key written to %s", location)

		if err := printer.PrintKeyInfo(key.KeyInfo); err != nil {
			handleError(err)
		}
	},
}

func init() {
	generateCmd.Flags().String("qualifier", "", "key id qualifier (default \"primary\")")
	generateCmd.Flags().String("algorithm", "", "algorithm override (ECC-P256, RSA-4096, AES-256-random, HMAC-secret)")
	generateCmd.Flags().Duration("expires-in", time.Duration(0), "expiry relative to creation (e.g. 8760h); zero means no expiry")
	generateCmd.Flags().String("backend", "", "generation backend (software, tpm); default follows configuration")
	generateCmd.Flags().Bool("dry-run", false, "report what would be generated without writing")
}
