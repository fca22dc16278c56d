package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/charleschow/ordersync/internal/config"
	"github.com/charleschow/ordersync/internal/telemetry"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel string // overrides LOG_LEVEL when set
	Format   string // "text" | "json"

	cfg *config.Config
}

var ValidFormats = []string{"text", "json"}

// Config returns the environment configuration, loading it once.
func (o *RootOptions) Config() *config.Config {
	if o.cfg == nil {
		o.cfg = config.Load()
	}
	return o.cfg
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ordersync",
		Short: "Trader order synchronization client",
		Long: `ordersync keeps a local set of the trader's active orders in step with
the backend, using the push WebSocket when it is up and HTTP polling when
it is not, and mirrors that state to desk clients.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			level := opts.LogLevel
			if level == "" {
				level = opts.Config().LogLevel
			}
			telemetry.InitWriter(cmd.ErrOrStderr(), telemetry.ParseLogLevel(level))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), defaults to LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewPingCommand(opts))
	cmd.AddCommand(NewJournalCommand(opts))

	return cmd
}
