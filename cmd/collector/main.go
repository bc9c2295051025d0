package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flightcollector/internal/app"
	logx "flightcollector/pkg/logx"
	"flightcollector/pkg/systemd"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "flightcollector",
		Short:         "Collect live flight positions into durable storage",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the collector until SIGINT/SIGTERM",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), cfgPath)
			},
		},
		&cobra.Command{
			Use:   "once",
			Short: "Run a single collect cycle and flush it",
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := app.New(cfgPath, app.Options{})
				if err != nil {
					return err
				}
				ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer cancel()
				st, err := a.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			},
		},
		&cobra.Command{
			Use:   "partitions",
			Short: "Print the area raster",
			RunE: func(cmd *cobra.Command, _ []string) error {
				p, err := app.LoadPartitions(cfgPath)
				if err != nil {
					return err
				}
				return printJSON(cmd, p.Areas())
			},
		},
	)
	return root
}

func run(ctx context.Context, cfgPath string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath, app.Options{})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	log := a.Logger()
	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	}
	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go systemd.Watchdog(wdCtx, log, a.Health)

	var reason app.StopReason
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
		if ctx.Err() != nil {
			reason = app.StopAppStop
		}
	}
	wdCancel()
	_, _ = systemd.Stopping()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.Config().Scheduler.ShutdownTimeout+5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
