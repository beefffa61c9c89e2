package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"guardbot/internal/app"
	"guardbot/internal/broadcast"
	"guardbot/internal/config"
	"guardbot/pkg/systemd"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const stopTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "guardbot",
		Short: "Guardbot: keyword moderation and scheduled broadcasts for Telegram",
		Long: "Guardbot watches group chats for banned keywords, puts offenders on cooldown " +
			"and sends scheduled broadcasts to every chat it knows.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, cfgPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")

	cmd.AddCommand(newRunCmd(&cfgPath))
	cmd.AddCommand(newValidateCmd(&cfgPath))
	cmd.AddCommand(newNextFireCmd(&cfgPath))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, *cfgPath)
		},
	}
}

func newValidateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(*cfgPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", *cfgPath)
			return nil
		},
	}
}

func newNextFireCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "next-fire",
		Short: "Print when each daily broadcast fires next",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			return printNextFires(cmd, cfg, time.Now())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "guardbot %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func printNextFires(cmd *cobra.Command, cfg *config.Config, now time.Time) error {
	out := cmd.OutOrStdout()
	if !cfg.Broadcast.Enabled {
		fmt.Fprintln(out, "broadcast disabled")
		return nil
	}
	loc, err := config.LoadLocation(cfg.Broadcast.Timezone)
	if err != nil {
		return err
	}
	clocks, err := broadcast.ParseClocks(cfg.Broadcast.DailyTimes)
	if err != nil {
		return err
	}
	if len(clocks) == 0 {
		fmt.Fprintln(out, "no daily times configured")
		return nil
	}
	for _, f := range broadcast.NextFires(now, clocks, loc) {
		fmt.Fprintf(out, "%s  %s  (in %s)\n", f.Clock, f.At.Format(time.RFC3339), f.At.Sub(now).Round(time.Second))
	}
	return nil
}

func runBot(cmd *cobra.Command, cfgPath string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	if err := systemd.Ready(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "sd_notify:", err)
	}
	go func() {
		if err := systemd.Watchdog(ctx, a.Healthy); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "sd_notify watchdog:", err)
		}
	}()

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = stopReasonFor(sig)
	case <-a.Done():
		reason = app.StopFatalError
	}

	_ = systemd.Status("stopping: " + string(reason))
	_ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func stopReasonFor(sig os.Signal) app.StopReason {
	switch sig {
	case os.Interrupt:
		return app.StopSIGINT
	case syscall.SIGTERM:
		return app.StopSIGTERM
	default:
		return app.StopUnknown
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
