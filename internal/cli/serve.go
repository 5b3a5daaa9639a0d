package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"curator/internal/api"
	"curator/internal/progress"
)

// newServeCmd creates the serve command for the API server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long: `Start the curator API server for the web UI.

The server provides REST endpoints plus SSE and WebSocket streaming for:
  • Session and image management
  • Bundle export and import
  • Live export/import progress

Example:
  curator serve               # Listen on the configured address
  curator serve --addr :3000  # Listen on a custom address`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			if cmd.Flags().Changed("addr") {
				env.cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
			}

			server := api.New(api.Deps{
				Config:    env.cfg,
				Store:     env.store,
				Resolver:  env.resolver,
				Tracker:   newTracker(env.cfg),
				Publisher: progress.NewMemoryPublisher(),
				Logger:    env.logger,
			})

			fmt.Printf("Starting API server on %s...\n", env.cfg.Server.Addr)
			fmt.Println("Press Ctrl+C to stop")

			// Handle graceful shutdown
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				<-sigCh
				fmt.Println("\nShutting down...")
				cancel()
			}()

			return server.StartContext(ctx)
		},
	}

	cmd.Flags().StringP("addr", "a", "", "listen address (overrides config)")

	return cmd
}
