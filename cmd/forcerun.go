package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hemsd/hemsd/app"
	"github.com/hemsd/hemsd/config"
	"github.com/hemsd/hemsd/infra/logger"
)

var forceRunTimeout time.Duration

var forceRunCmd = &cobra.Command{
	Use:   "forcerun",
	Short: "Trigger one optimizer run and wait for it to finish",
	RunE:  forceRun,
}

func init() {
	forceRunCmd.Flags().DurationVar(&forceRunTimeout, "timeout", 10*time.Minute, "how long to wait for the run to finish")
	rootCmd.AddCommand(forceRunCmd)
}

func forceRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// The run executes locally, nothing else should fire alongside it.
	cfg.Orchestrator.AutoRun = false
	cfg.Dispatch.Enabled = false
	cfg.MQTT.Enabled = false
	cfg.API.Enabled = false

	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	logg := logger.New("forcerun-command")
	defer func() {
		if err := svc.Close(); err != nil {
			logg.Errorf("service close: %v", err)
		}
	}()

	runID, err := svc.Orchestrator.RequestForceRun(ctx)
	if err != nil {
		return fmt.Errorf("force run: %w", err)
	}
	logg.Infof("run %s started", runID)

	deadline := time.Now().Add(forceRunTimeout)
	for {
		run, err := svc.Runs.Get(ctx, runID)
		if err != nil {
			return fmt.Errorf("poll run %s: %w", runID, err)
		}
		if run.Status.Terminal() {
			if run.ErrorText != "" {
				logg.Warnf("run %s finished %s: %s", runID, run.Status, run.ErrorText)
			} else {
				logg.Infof("run %s finished %s", runID, run.Status)
			}
			fmt.Println(string(run.Status))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("run %s still %s after %s", runID, run.Status, forceRunTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
