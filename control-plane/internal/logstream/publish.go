package logstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSendTimeout marks a subscriber that did not accept a line within the
// publisher's send timeout.
var ErrSendTimeout = errors.New("subscriber send timed out")

const DefaultSendTimeout = 10 * time.Second

// Publisher delivers events to the subscribers registered for their deploy.
type Publisher struct {
	registry    *Registry
	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *Metrics
}

type PublisherOption func(*Publisher)

// WithSendTimeout bounds each per-subscriber send. Zero or negative disables
// the bound.
func WithSendTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.sendTimeout = d }
}

func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

func NewPublisher(registry *Registry, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		registry:    registry,
		sendTimeout: DefaultSendTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Report summarizes one Publish call.
type Report struct {
	Delivered int
	Failed    int
}

// Publish sends ev to every subscriber registered for ev.BuildID at the time
// of the call. Subscribers that fail or time out are unregistered and closed;
// the rest still receive the line. Cancelling ctx does not abort sends that
// already started, so a producer going away cannot evict healthy subscribers.
func (p *Publisher) Publish(ctx context.Context, ev Event) Report {
	p.metrics.eventPublished()

	subs := p.registry.SubscribersOf(ev.BuildID)
	if len(subs) == 0 {
		return Report{}
	}

	line := ev.Line()
	sendCtx := context.WithoutCancel(ctx)

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
		failed    atomic.Int64
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()
			if err := p.send(sendCtx, sub, line); err != nil {
				failed.Add(1)
				p.drop(ev.BuildID, sub, err)
				return
			}
			delivered.Add(1)
			p.metrics.delivery("ok")
		}(sub)
	}
	wg.Wait()

	return Report{Delivered: int(delivered.Load()), Failed: int(failed.Load())}
}

// Emit validates ev and publishes it locally. Barrier events are dropped.
func (p *Publisher) Emit(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Barrier != "" {
		return nil
	}
	p.Publish(ctx, ev)
	return nil
}

func (p *Publisher) send(ctx context.Context, sub Subscriber, line string) error {
	if p.sendTimeout <= 0 {
		return sub.Send(ctx, line)
	}

	ctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	// Send may ignore ctx. On timeout drop() closes the subscriber, which
	// unblocks the write still running here.
	done := make(chan error, 1)
	go func() { done <- sub.Send(ctx, line) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %v", ErrSendTimeout, p.sendTimeout, err)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", ErrSendTimeout, p.sendTimeout)
	}
}

func (p *Publisher) drop(buildID int64, sub Subscriber, err error) {
	if errors.Is(err, ErrSendTimeout) {
		p.metrics.delivery("timeout")
	} else {
		p.metrics.delivery("failed")
	}

	removed := p.registry.Unregister(buildID, sub)
	p.logger.Warn("log delivery failed, dropping subscriber",
		"deploy_id", buildID,
		"error", err,
		"unregistered", removed,
	)
	// Whoever removed it closes it.
	if removed {
		_ = sub.Close("log delivery failed")
	}
}
