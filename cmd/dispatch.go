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

var dispatchResources []string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Redeliver the currently active instructions to their targets",
	RunE:  forceDispatch,
}

func init() {
	dispatchCmd.Flags().StringSliceVar(&dispatchResources, "resources", nil, "resource ids to dispatch, all active resources when empty")
	rootCmd.AddCommand(dispatchCmd)
}

func forceDispatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Orchestrator.AutoRun = false
	cfg.Dispatch.Enabled = true
	cfg.MQTT.Enabled = false
	cfg.API.Enabled = false

	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	logg := logger.New("dispatch-command")
	defer func() {
		if err := svc.Close(); err != nil {
			logg.Errorf("service close: %v", err)
		}
	}()

	token, dispatched, err := svc.Engine.ForceDispatch(ctx, dispatchResources)
	if err != nil {
		return fmt.Errorf("force dispatch: %w", err)
	}
	logg.Infof("dispatched %d resources (token %s)", len(dispatched), token)
	for _, id := range dispatched {
		fmt.Println(id)
	}
	return nil
}
