// Package engine wires the registry, aggregator, delivery tracker and event
// bus into the running inbox: the poll loop, webhook ingestion and
// outbound sends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"onecell/internal/bus"
	"onecell/internal/delivery"
	"onecell/internal/domain"
	"onecell/internal/inbox"
	"onecell/internal/metrics"
	"onecell/internal/registry"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultPollLimit    = 10
	DefaultSendTimeout  = 30 * time.Second
)

type Config struct {
	Registry *registry.Registry

	PollInterval    time.Duration
	PollLimit       int
	PullTimeout     time.Duration
	SendTimeout     time.Duration
	MaxMessages     int
	SeenCapacity    int
	TrackerCapacity int

	// SendRatePerMinute throttles sends per platform; zero disables it.
	SendRatePerMinute float64
	SendBurst         int

	Logger *slog.Logger
}

// Engine is the aggregation engine. Construct one per process with New.
type Engine struct {
	registry *registry.Registry
	agg      *inbox.Aggregator
	seen     *inbox.SeenSet
	tracker  *delivery.Tracker
	bus      *bus.EventBus
	logger   *slog.Logger

	pollInterval time.Duration
	pollLimit    int
	sendTimeout  time.Duration
	limiter      *sendLimiter

	cron    *cron.Cron
	polling atomic.Bool

	lifeMu  sync.RWMutex
	started bool
	closed  bool
	sends   sync.WaitGroup
}

func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = DefaultPollLimit
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}

	e := &Engine{
		registry:     cfg.Registry,
		seen:         inbox.NewSeenSet(cfg.SeenCapacity),
		bus:          bus.NewEventBus(cfg.Logger),
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		pollLimit:    cfg.PollLimit,
		sendTimeout:  cfg.SendTimeout,
		limiter:      newSendLimiter(cfg.SendBurst, cfg.SendRatePerMinute),
	}
	e.agg = inbox.NewAggregator(inbox.Config{
		Source:      cfg.Registry,
		PullTimeout: cfg.PullTimeout,
		MaxMessages: cfg.MaxMessages,
		Logger:      cfg.Logger,
	})
	e.tracker = delivery.NewTracker(cfg.TrackerCapacity, e.onStatusChange)
	e.cron = cron.New(
		cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelDebug))),
		cron.WithChain(cron.Recover(cron.PrintfLogger(slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelError)))),
	)
	return e, nil
}

func (e *Engine) Registry() *registry.Registry  { return e.registry }
func (e *Engine) Aggregator() *inbox.Aggregator { return e.agg }
func (e *Engine) Tracker() *delivery.Tracker    { return e.tracker }
func (e *Engine) Bus() *bus.EventBus            { return e.bus }

// Subscribe registers handler for new-message batches and returns a
// function that removes it.
func (e *Engine) Subscribe(handler func(source string, msgs []domain.Message)) func() {
	id := e.bus.On(bus.EventNewMessages, func(ev bus.Event) {
		handler(ev.Source, ev.Messages)
	})
	return func() { e.bus.Off(bus.EventNewMessages, id) }
}

// Start schedules the poll loop. It is a no-op on a started or shut down
// engine.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.started || e.closed {
		return nil
	}

	spec := fmt.Sprintf("@every %s", e.pollInterval)
	if _, err := e.cron.AddFunc(spec, func() { e.PollOnce(context.WithoutCancel(ctx)) }); err != nil {
		return fmt.Errorf("schedule poll loop: %w", err)
	}
	e.cron.Start()
	e.started = true
	e.logger.Info("poll loop started", "interval", e.pollInterval, "limit", e.pollLimit)
	return nil
}

// Shutdown stops the poll timer and waits, bounded by ctx, for an in-flight
// poll pass and for in-flight sends. Sends are never cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.lifeMu.Lock()
	if e.closed {
		e.lifeMu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.lifeMu.Unlock()

	if started {
		select {
		case <-e.cron.Stop().Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for poll pass: %w", ctx.Err())
		}
	}

	done := make(chan struct{})
	go func() {
		e.sends.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for sends: %w", ctx.Err())
	}
	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) publish(source string, msgs []domain.Message) {
	if len(msgs) == 0 {
		return
	}
	metrics.MessagesEmitted.Add(int64(len(msgs)))
	e.bus.Emit(bus.Event{Type: bus.EventNewMessages, Source: source, Messages: msgs})
}

func (e *Engine) onStatusChange(c domain.StatusChange) {
	e.agg.UpdateStatus(c.Message, c.To)
	e.bus.Emit(bus.Event{Type: bus.EventStatusChanged, Status: &c, Timestamp: c.At})
}
