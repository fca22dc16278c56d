package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/charleschow/ordersync/internal/process"
)

type RunOptions struct {
	*RootOptions
	DeskPort int
	Journal  string
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sync process and the desk server",
		Long: `Start the order sync process.

Loads the initial order list, opens the push channel if the trader is
accepting orders, falls back to polling while the channel is down, and
serves the desk WebSocket on /ws.

Example:
  ordersync run
  ordersync run --desk-port 9000 --journal ./data/frames.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config()
			if cmd.Flags().Changed("desk-port") {
				cfg.DeskPort = opts.DeskPort
			}
			if opts.Journal != "" {
				cfg.FrameJournalPath = opts.Journal
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return process.Run(ctx, cfg)
		},
	}

	cmd.Flags().IntVar(&opts.DeskPort, "desk-port", 0, "desk server port, defaults to DESK_PORT")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "raw frame journal path, defaults to FRAME_JOURNAL_PATH")

	return cmd
}

// commandContext never returns nil, unlike cobra.Command.Context before
// Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
