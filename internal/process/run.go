package process

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/charleschow/ordersync/internal/adapters/inbound/orders_ws"
	"github.com/charleschow/ordersync/internal/adapters/outbound/orders_http"
	"github.com/charleschow/ordersync/internal/config"
	"github.com/charleschow/ordersync/internal/core/session"
	"github.com/charleschow/ordersync/internal/fanout"
	"github.com/charleschow/ordersync/internal/telemetry"
)

// Run boots the sync process: orders API client, push channel, session
// and desk server. It blocks until ctx is cancelled or the desk server
// fails.
func Run(ctx context.Context, cfg *config.Config) error {
	if cfg.TuningPath != "" {
		tun, err := config.LoadTuning(cfg.TuningPath)
		if err != nil {
			return err
		}
		cfg.ApplyTuning(tun)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	telemetry.Infof("Starting ordersync  trader=%s  api=%s", cfg.TraderID, cfg.APIURL)

	// ── Frame journal ──────────────────────────────────────────
	var journal *orders_ws.Store
	if cfg.FrameJournalPath != "" {
		var err error
		journal, err = orders_ws.OpenStore(cfg.FrameJournalPath, int64(cfg.FrameJournalMaxMB)<<20)
		if err != nil {
			return fmt.Errorf("frame journal: %w", err)
		}
		defer journal.Close()
	}

	// ── Orders API ─────────────────────────────────────────────
	api := orders_http.NewClient(cfg.APIURL, cfg.TraderToken, cfg.PageLimit)

	// ── Push channel ───────────────────────────────────────────
	ws := orders_ws.NewClient(orders_ws.Config{
		URL:                  cfg.WSURL,
		TraderID:             cfg.TraderID,
		Token:                cfg.TraderToken,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReadTimeout:          cfg.ReadTimeout,
	}, journal)

	// ── Session ────────────────────────────────────────────────
	sess := session.New(session.Config{
		TraderID:            cfg.TraderID,
		StatusCheckInterval: cfg.StatusCheckInterval,
		PollInterval:        cfg.PollInterval,
		MissThreshold:       cfg.MissThreshold,
		ExpiryWindow:        cfg.ExpiryWindow,
	}, ws, api)
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.Stop()

	// ── Desk server ────────────────────────────────────────────
	desk := fanout.NewServer(sess, sess, nil)
	defer desk.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return desk.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.DeskPort))
	})
	g.Go(func() error {
		desk.WatchStatus(gctx, cfg.StatusCheckInterval)
		return nil
	})

	// ── Shutdown ───────────────────────────────────────────────
	err := g.Wait()
	telemetry.Infof("Shutting down...")

	m := &telemetry.Metrics
	telemetry.Infof("shutdown complete  frames=%d  parse_errors=%d  reconnects=%d  polls=%d  poll_errors=%d  applied=%d  dropped=%d  missed=%d",
		m.FramesReceived.Value(),
		m.FrameParseErrors.Value(),
		m.Reconnects.Value(),
		m.PollFetches.Value(),
		m.PollErrors.Value(),
		m.EventsApplied.Value(),
		m.EventsDropped.Value(),
		m.OrdersMissed.Value(),
	)
	if m.PollLatency.Count() > 0 {
		telemetry.Infof("poll latency  p50=%s  p99=%s", m.PollLatency.P50(), m.PollLatency.P99())
	}
	return err
}
