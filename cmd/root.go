package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hemsd/hemsd/app"
	"github.com/hemsd/hemsd/config"
	"github.com/hemsd/hemsd/infra/logger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "hemsd",
	Short: "Home energy optimizer run orchestration and output dispatch daemon",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	logg := logger.New("main")
	defer func() {
		if err := svc.Close(); err != nil {
			logg.Errorf("service close: %v", err)
		}
	}()

	watcher, err := config.NewWatcher(cfgPath)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() { _ = watcher.Stop() }()
	go func() {
		for ev := range watcher.Events() {
			if ev.Err != nil {
				logg.Errorf("config reload: %v", ev.Err)
				continue
			}
			svc.ApplyConfig(ctx, ev.Config)
		}
	}()

	return svc.Run(ctx)
}
