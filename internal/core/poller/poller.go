package poller

import (
	"context"
	"sync"
	"time"

	"github.com/charleschow/ordersync/internal/core/reconcile"
	"github.com/charleschow/ordersync/internal/domain"
	"github.com/charleschow/ordersync/internal/telemetry"
)

const (
	DefaultInterval = 5 * time.Second
	fetchTimeout    = 30 * time.Second
)

type Fetcher interface {
	ListOrders(ctx context.Context) ([]domain.Order, error)
}

// Sink receives each successfully fetched list.
type Sink interface {
	ApplySnapshot(src reconcile.Source, orders []domain.Order) bool
}

// Poller pulls the full order list on a fixed interval while the push
// channel is down.
type Poller struct {
	fetcher  Fetcher
	sink     Sink
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

func New(fetcher Fetcher, sink Sink, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{fetcher: fetcher, sink: sink, interval: interval}
}

// Start fetches immediately and then every interval until ctx is done or
// Stop is called. Calling Start while running does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.loop(ctx, done)
	telemetry.Infof("poller: started  interval=%s", p.interval)
}

// Stop cancels the schedule and any in-flight fetch and waits for the loop
// to exit. It must not be called from the sink.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	telemetry.Infof("poller: stopped")
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// LastError is the error of the most recent fetch, nil after a success.
func (p *Poller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// FetchOnce runs a single fetch outside the schedule.
func (p *Poller) FetchOnce(ctx context.Context) error {
	return p.fetch(ctx)
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.fetch(ctx)

	for {
		select {
		case <-ticker.C:
			p.fetch(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) fetch(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	start := time.Now()
	orders, err := p.fetcher.ListOrders(fctx)
	telemetry.Metrics.PollLatency.Since(start)

	// a result that arrives after Stop is discarded
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()

	if err != nil {
		telemetry.Metrics.PollErrors.Inc()
		telemetry.Warnf("poller: fetch failed: %v", err)
		return err
	}
	telemetry.Metrics.PollFetches.Inc()
	p.sink.ApplySnapshot(reconcile.SourcePoll, orders)
	return nil
}
