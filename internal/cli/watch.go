package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/charleschow/ordersync/internal/fanout"
)

type WatchOptions struct {
	*RootOptions
	Addr string
}

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a running desk server and print order updates",
		Long: `Connect to the desk WebSocket of a running "ordersync run" and print
every order state and connection status it broadcasts. Reconnects with
backoff until interrupted.

Example:
  ordersync watch
  ordersync watch --addr 10.0.0.5:8090 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			watch := watchPrinter(out, opts.Format)

			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			fanout.NewClient(opts.Addr, watch).ConnectWithRetry(ctx)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "localhost:8090", "desk server host:port")

	return cmd
}

func watchPrinter(out io.Writer, format string) fanout.Watch {
	if format == "json" {
		enc := json.NewEncoder(out)
		return fanout.Watch{
			OnState:  func(st fanout.OrdersState) { enc.Encode(st) },
			OnStatus: func(st fanout.ConnectionStatus) { enc.Encode(st) },
			OnAck:    func(a fanout.Ack) { enc.Encode(a) },
		}
	}
	return fanout.Watch{
		OnState: func(st fanout.OrdersState) {
			fmt.Fprintf(out, "── version %d", st.Version)
			if st.Source != "" {
				fmt.Fprintf(out, " (%s)", st.Source)
			}
			fmt.Fprintln(out)
			for _, ch := range st.Changes {
				fmt.Fprintf(out, "  %s %s %s\n", ch.Op, ch.ID, ch.Status)
			}
			renderOrders(out, "text", st.Orders, time.Now())
		},
		OnStatus: func(st fanout.ConnectionStatus) { renderStatus(out, st) },
		OnAck: func(a fanout.Ack) {
			if a.OK {
				fmt.Fprintf(out, "%s %s: ok\n", a.Command, a.ID)
			} else {
				fmt.Fprintf(out, "%s %s: %s\n", a.Command, a.ID, a.Error)
			}
		},
	}
}
