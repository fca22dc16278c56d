package cli

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/charleschow/ordersync/internal/adapters/inbound/orders_ws"
	"github.com/charleschow/ordersync/internal/config"
)

const (
	profilePath = "/api/v1/traders/profile"
	httpTimeout = 10 * time.Second
	pongTimeout = 5 * time.Second
)

type PingOptions struct {
	*RootOptions
	Count int
	WS    bool
}

func NewPingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure latency to the orders API and push endpoint",
		Long: `Measure HTTP round-trip time against the orders API and, with --ws,
WebSocket ping/pong time on the push endpoint.

Example:
  ordersync ping
  ordersync ping -n 50 --ws`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config()
			out := cmd.OutOrStdout()

			pingAPI(out, cfg, opts.Count)
			if opts.WS {
				pingPush(commandContext(cmd), out, cfg, opts.Count)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Count, "count", "n", 20, "requests per endpoint")
	cmd.Flags().BoolVar(&opts.WS, "ws", false, "also measure push WebSocket ping/pong latency")

	return cmd
}

func pingAPI(out io.Writer, cfg *config.Config, n int) {
	target := strings.TrimRight(cfg.APIURL, "/") + profilePath

	fmt.Fprintf(out, "\n%s\n", strings.Repeat("=", 55))
	fmt.Fprintf(out, "  ORDERS API  %s\n", cfg.APIURL)
	fmt.Fprintf(out, "%s\n", strings.Repeat("=", 55))

	fmt.Fprintln(out, "\n  Cold-start request (DNS + TLS + HTTP):")
	ms, code, err := measureHTTP(target, cfg.TraderToken, nil)
	if err != nil {
		fmt.Fprintf(out, "    FAILED: %v\n", err)
		return
	}
	fmt.Fprintf(out, "    %.1f ms  (HTTP %d)\n", ms, code)

	fmt.Fprintf(out, "\n  Warm HTTP latency (%d requests, keep-alive):\n", n)
	client := &http.Client{Timeout: httpTimeout}
	latencies := make([]float64, 0, n)
	pad := len(fmt.Sprintf("%d", n))
	for i := 1; i <= n; i++ {
		ms, code, err := measureHTTP(target, cfg.TraderToken, client)
		if err != nil {
			fmt.Fprintf(out, "  [%*d/%d]  FAILED: %v\n", pad, i, n, err)
			continue
		}
		latencies = append(latencies, ms)
		fmt.Fprintf(out, "  [%*d/%d]  %7.1f ms  (HTTP %d)\n", pad, i, n, ms, code)
	}
	printStats(out, latencies, "Orders API HTTP")
}

func measureHTTP(target, token string, client *http.Client) (ms float64, statusCode int, err error) {
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return 0, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	c := client
	if c == nil {
		c = &http.Client{Timeout: httpTimeout}
	}
	start := time.Now()
	resp, err := c.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	return float64(elapsed.Microseconds()) / 1000, resp.StatusCode, nil
}

func pingPush(ctx context.Context, out io.Writer, cfg *config.Config, n int) {
	fmt.Fprintf(out, "\n%s\n", strings.Repeat("=", 55))
	fmt.Fprintf(out, "  PUSH ENDPOINT  %s\n", cfg.WSURL)
	fmt.Fprintf(out, "%s\n", strings.Repeat("=", 55))

	fmt.Fprintf(out, "\n  WebSocket ping/pong latency (%d pings):\n", n)
	latencies, err := measureWSLatency(ctx, orders_ws.Endpoint(orders_ws.Config{
		URL:      cfg.WSURL,
		TraderID: cfg.TraderID,
		Token:    cfg.TraderToken,
	}), n)
	if err != nil {
		fmt.Fprintf(out, "  [!] %v\n", err)
	}
	pad := len(fmt.Sprintf("%d", n))
	for i, ms := range latencies {
		fmt.Fprintf(out, "  [%*d/%d]  %7.1f ms  (WS ping/pong)\n", pad, i+1, n, ms)
	}
	printStats(out, latencies, "Push WebSocket")
}

// measureWSLatency returns the samples collected before any failure.
func measureWSLatency(ctx context.Context, endpoint string, n int) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	// control frames are only processed while reading
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	latencies := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		start := time.Now()
		if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(pongTimeout)); err != nil {
			return latencies, fmt.Errorf("ws ping failed: %w", err)
		}
		select {
		case <-pongCh:
			latencies = append(latencies, float64(time.Since(start).Microseconds())/1000)
		case <-time.After(pongTimeout):
			return latencies, fmt.Errorf("ws pong timeout")
		case <-ctx.Done():
			return latencies, ctx.Err()
		}
	}
	return latencies, nil
}

type latencyStats struct {
	Min, Max, Mean, Median, Stdev, P95, P99 float64
}

func computeStats(latencies []float64) latencyStats {
	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)

	mean := 0.0
	for _, v := range latencies {
		mean += v
	}
	mean /= float64(len(latencies))

	variance := 0.0
	for _, v := range latencies {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(latencies) - 1)

	pct := func(p float64) float64 {
		idx := int(float64(len(sorted)) * p)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}

	return latencyStats{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   mean,
		Median: sorted[len(sorted)/2],
		Stdev:  math.Sqrt(variance),
		P95:    pct(0.95),
		P99:    pct(0.99),
	}
}

func printStats(out io.Writer, latencies []float64, label string) {
	if len(latencies) < 2 {
		fmt.Fprintf(out, "\n  Not enough %s samples for statistics.\n", label)
		return
	}
	st := computeStats(latencies)

	fmt.Fprintf(out, "\n  --- %s Stats (%d requests) ---\n", label, len(latencies))
	fmt.Fprintf(out, "  Min:    %7.1f ms\n", st.Min)
	fmt.Fprintf(out, "  Max:    %7.1f ms\n", st.Max)
	fmt.Fprintf(out, "  Mean:   %7.1f ms\n", st.Mean)
	fmt.Fprintf(out, "  Median: %7.1f ms\n", st.Median)
	fmt.Fprintf(out, "  Stdev:  %7.1f ms\n", st.Stdev)
	fmt.Fprintf(out, "  p95:    %7.1f ms\n", st.P95)
	fmt.Fprintf(out, "  p99:    %7.1f ms\n", st.P99)
}
