package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tierloop/internal/app"
)

func newRunCmd() *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the event group until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(flagConfig)
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if err := a.Err(); err != nil && reason == app.StopFatalError {
				return err
			}
			return stopErr
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound on shutdown")
	return cmd
}
