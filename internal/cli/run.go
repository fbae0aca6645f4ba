// Package cli holds scrimbot's cobra commands.
package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"scrimbot/internal/app"
	logx "scrimbot/pkg/logx"
)

const defaultConfigPath = "./scrimbot.yaml"

// EnvLogLevel sets the console log level of the inspection commands
// (default warn).
const EnvLogLevel = "SCRIMBOT_LOG_LEVEL"

func openTools(cfgPath string) (*app.Tools, error) {
	level := strings.TrimSpace(os.Getenv(EnvLogLevel))
	if level == "" {
		level = "warn"
	}
	return app.OpenTools(cfgPath, logx.NewConsole(level).With(logx.String("comp", "cli")))
}

func addConfigFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVarP(dst, "config", "c", defaultConfigPath, "path to config (json or yaml)")
}

// RunCmd returns the run command
func RunCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot: gateway, guild mirror and queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfgPath, app.ModeBot)
		},
	}
	addConfigFlag(cmd, &cfgPath)
	return cmd
}

// WorkerCmd returns the worker command
func WorkerCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run only the queue worker",
		Long: `Run a queue worker without a gateway connection.

Workers share the queue, kv store and database named in the config, so any
number of them can run next to one bot process. The queue driver must be
sqlite or postgres.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfgPath, app.ModeWorker)
		},
	}
	addConfigFlag(cmd, &cfgPath)
	return cmd
}

func serve(parent context.Context, cfgPath string, mode app.Mode) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath, mode)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
