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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keylifecycle/internal/config"
	"github.com/jeremyhahn/go-keylifecycle/internal/rest"
	"github.com/jeremyhahn/go-keylifecycle/pkg/health"
	"github.com/jeremyhahn/go-keylifecycle/pkg/keystore"
	"github.com/jeremyhahn/go-keylifecycle/pkg/ratelimit"
)

// serveCmd runs the read-only status server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the read-only status server",
	Long: `Serve health probes, the status report, and Prometheus metrics over
HTTP. The server never mutates keys; generate, rotate, restore and
destroy stay on the command line.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()

		app, err := cfg.App()
		if err != nil {
			handleError(err)
			return
		}

		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		if host == "" {
			host = app.Server.Host
		}
		if port == 0 {
			port = app.Server.Port
		}

		store, err := cfg.CreateKeystore()
		if err != nil {
			handleError(err)
			return
		}

		checker := health.NewChecker()
		registerHealthChecks(checker, cfg, app, store)

		server, err := rest.NewServer(&rest.Config{
			Host:    host,
			Port:    port,
			Version: Version,
			Status: func(ctx context.Context) (any, error) {
				return collectStatus(ctx, cfg)
			},
			Checker: checker,
			RateLimit: &ratelimit.Config{
				Enabled:           app.Server.RateLimit.Enabled,
				RequestsPerMinute: app.Server.RateLimit.RequestsPerMin,
			},
			Logger: cfg.Logger(),
		})
		if err != nil {
			handleError(err)
			return
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		printVerbose("Status server listening on %s", server.Addr())

		select {
		case sig := <-sigCh:
			printVerbose("Received %s, shutting down", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Stop(ctx); err != nil {
				handleError(err)
			}
		case err := <-errCh:
			if err != nil {
				handleError(err)
			}
		}
	},
}

// registerHealthChecks wires the readiness probes behind /health/ready.
// The metadata check reports degraded rather than unhealthy when the
// store is unreachable: audit records fall back to local-only and the
// server keeps serving status reports.
func registerHealthChecks(checker *health.Checker, cfg *Config, app *config.Config, store *keystore.KeyStore) {
	checker.RegisterCheck("keystore", func(ctx context.Context) health.CheckResult {
		if _, err := os.Stat(store.Root()); err != nil {
			return health.CheckResult{
				Status: health.StatusUnhealthy,
				Error:  err.Error(),
			}
		}
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Message: "keystore accessible",
		}
	})

	if app.Metadata.Configured() {
		checker.RegisterCheck("metadata", func(ctx context.Context) health.CheckResult {
			meta, err := cfg.CreateMetadata(ctx)
			if err != nil {
				return health.CheckResult{
					Status:  health.StatusDegraded,
					Message: "audit records are local-only",
					Error:   err.Error(),
				}
			}
			defer func() { _ = meta.Close(ctx) }()

			if err := meta.Ping(ctx); err != nil {
				return health.CheckResult{
					Status:  health.StatusDegraded,
					Message: "audit records are local-only",
					Error:   err.Error(),
				}
			}
			return health.CheckResult{
				Status:  health.StatusHealthy,
				Message: "metadata store reachable",
			}
		})
	}

	checker.RegisterCheck("backups", func(ctx context.Context) health.CheckResult {
		if _, err := os.Stat(app.Backup.Path); err != nil {
			if os.IsNotExist(err) {
				// The backup root is created on first archive.
				return health.CheckResult{
					Status:  health.StatusHealthy,
					Message: "no archives yet",
				}
			}
			return health.CheckResult{
				Status: health.StatusUnhealthy,
				Error:  err.Error(),
			}
		}
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Message: "backup root accessible",
		}
	})
}

func init() {
	serveCmd.Flags().String("host", "", "bind address (default follows configuration)")
	serveCmd.Flags().Int("port", 0, "listen port (default follows configuration)")
}
