package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/charleschow/ordersync/internal/fanout"
)

// renderOrders writes orders as a table (text) or a JSON array (json).
func renderOrders(w io.Writer, format string, orders []fanout.OrderView, now time.Time) error {
	if format == "json" {
		if orders == nil {
			orders = []fanout.OrderView{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(orders)
	}

	if len(orders) == 0 {
		_, err := fmt.Fprintln(w, "no active orders")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tAMOUNT\tMETHOD\tBANK\tNUMBER\tCREATED\tEXPIRES\tURGENCY")
	for _, o := range orders {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID,
			o.Status,
			formatAmount(o.Amount, o.Currency),
			dash(o.Method),
			dash(o.Bank),
			dash(o.Number),
			relTime(o.CreatedAt, now),
			relTime(o.ExpiresAt, now),
			o.Urgency,
		)
	}
	return tw.Flush()
}

// renderStatus writes one line describing the push channel health.
func renderStatus(w io.Writer, st fanout.ConnectionStatus) {
	line := fmt.Sprintf("connection: %s", st.Status)
	if st.PollError != "" {
		line += fmt.Sprintf("  poll_error=%q", st.PollError)
	}
	if st.ServerError != "" {
		line += fmt.Sprintf("  server_error=%q", st.ServerError)
	}
	fmt.Fprintln(w, line)
}

func formatAmount(amount, currency string) string {
	if amount == "" {
		return "-"
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return amount
	}
	f, _ := d.Float64()
	s := humanize.CommafWithDigits(f, 2)
	if currency != "" {
		s += " " + currency
	}
	return s
}

func relTime(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
