package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/okapilab/keeper/internal/appdir"
	"github.com/okapilab/keeper/internal/hooks"
	"github.com/okapilab/keeper/internal/logging"
	"github.com/okapilab/keeper/internal/orchestrator"
	"github.com/okapilab/keeper/internal/policy"
	"github.com/okapilab/keeper/internal/session"
	"github.com/okapilab/keeper/internal/web"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Keeper server",
	Long: `Start the Keeper server: restore persisted sessions, apply the
permission policy, and serve the session API on the configured address.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	snapDir := cfg.Snapshots.Dir
	if snapDir == "" {
		var err error
		snapDir, err = appdir.SnapshotsDir()
		if err != nil {
			return err
		}
	}
	store, err := session.NewStore(snapDir, logging.Store())
	if err != nil {
		return err
	}

	engine, err := policy.New(cfg.Permissions.Rules, logging.Policy())
	if err != nil {
		return err
	}

	orch := orchestrator.New(cfg, store, engine, cfg.Runner, logging.Orchestrator())

	restored, failed, err := orch.RestoreAll()
	if err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	if restored > 0 || failed > 0 {
		logging.Orchestrator().Info("session recovery complete",
			"restored", restored,
			"failed", failed)
	}

	srv := web.New(cfg.WebAddr(), orch, logging.Web())
	if err := srv.Start(); err != nil {
		orch.Close()
		return err
	}
	fmt.Printf("Keeper listening on http://%s\n", srv.Addr())

	upHook := hooks.StartUp(cfg.Web.Hooks.Up, cfg.Web.Port, logging.Shutdown())

	sm := hooks.NewShutdownManager(logging.Shutdown())
	sm.SetHooks(upHook, cfg.Web.Hooks.Down, cfg.Web.Port)
	sm.AddCleanup(func(reason string) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Shutdown().Warn("web server shutdown incomplete", "error", err)
		}
	})
	sm.AddCleanup(func(reason string) {
		if err := orch.Close(); err != nil {
			logging.Shutdown().Warn("orchestrator shutdown incomplete", "error", err)
		}
	})
	sm.Start()

	<-sm.Done()
	return nil
}
