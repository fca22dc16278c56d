package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/charleschow/ordersync/internal/adapters/outbound/orders_http"
	"github.com/charleschow/ordersync/internal/domain"
	"github.com/charleschow/ordersync/internal/fanout"
)

type SnapshotOptions struct {
	*RootOptions
	Timeout time.Duration
}

func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Fetch and print the trader's current orders once",
		Long: `Fetch the trader's order list over HTTP and print it.

No push channel is opened and nothing is kept between runs.

Example:
  ordersync snapshot
  ordersync snapshot --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")

	return cmd
}

func runSnapshot(cmd *cobra.Command, opts *SnapshotOptions) error {
	cfg := opts.Config()
	if cfg.TraderToken == "" {
		return fmt.Errorf("TRADER_TOKEN is required")
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), opts.Timeout)
	defer cancel()

	api := orders_http.NewClient(cfg.APIURL, cfg.TraderToken, cfg.PageLimit)
	orders, err := api.ListOrders(ctx)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}

	now := time.Now()
	views := make([]fanout.OrderView, 0, len(orders))
	for _, o := range orders {
		if o.Validate() != nil {
			continue
		}
		o = domain.Normalize(o, now, cfg.ExpiryWindow)
		if o.IsTerminal() {
			continue
		}
		views = append(views, fanout.NewOrderView(o, now))
	}
	sort.Slice(views, func(i, j int) bool {
		if !views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].CreatedAt.Before(views[j].CreatedAt)
		}
		return views[i].ID < views[j].ID
	})

	return renderOrders(cmd.OutOrStdout(), opts.Format, views, now)
}
