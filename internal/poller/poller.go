// Package poller long-polls the chat platform and fans updates out to the relay.
package poller

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	cmdpkg "github.com/stupiduntilnot/sigmoyd/internal/commander"
	"github.com/stupiduntilnot/sigmoyd/internal/control"
	"github.com/stupiduntilnot/sigmoyd/internal/db"
	"github.com/stupiduntilnot/sigmoyd/internal/logger"
	"github.com/stupiduntilnot/sigmoyd/internal/relay"
)

// UpdateSource is the polling half of a commander.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error)
}

// Dispatcher handles a single update.
type Dispatcher interface {
	Dispatch(ctx context.Context, update cmdpkg.Update, bot relay.BotIdentity)
}

// Config controls polling behavior.
type Config struct {
	PollTimeout          int
	Sleep                time.Duration
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int
	MaxConcurrency       int
}

// Poller drives the update loop.
type Poller struct {
	source     UpdateSource
	dispatcher Dispatcher
	bot        relay.BotIdentity
	cfg        Config

	breaker  *control.CircuitBreaker
	recorder relay.EventRecorder
	log      *log.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

func WithLogger(l *log.Logger) Option {
	return func(p *Poller) { p.log = logger.OrDiscard(l) }
}

func WithRecorder(rec relay.EventRecorder) Option {
	return func(p *Poller) { p.recorder = rec }
}

func WithCircuitBreaker(cb *control.CircuitBreaker) Option {
	return func(p *Poller) {
		if cb != nil {
			p.breaker = cb
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a poller.
func New(source UpdateSource, dispatcher Dispatcher, bot relay.BotIdentity, cfg Config, opts ...Option) *Poller {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Sleep <= 0 {
		cfg.Sleep = time.Second
	}
	p := &Poller{
		source:     source,
		dispatcher: dispatcher,
		bot:        bot,
		cfg:        cfg,
		breaker:    control.NewCircuitBreaker(5, 30*time.Second),
		log:        logger.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled, then waits for in-flight dispatches.
// In-flight updates keep running past cancellation, bounded by the relay's own
// completion timeout.
func (p *Poller) Run(ctx context.Context) error {
	defer p.wg.Wait()

	var offset int64
	if p.cfg.DropPending {
		bootstrapped, err := p.bootstrapOffset(ctx)
		if err != nil {
			p.log.Warn("bootstrap offset error", "error", err)
		} else {
			offset = bootstrapped
		}
	}

	sem := make(chan struct{}, p.cfg.MaxConcurrency)
	dispatchCtx := context.WithoutCancel(ctx)

	p.log.Info("poller running", "offset", offset, "max_concurrency", p.cfg.MaxConcurrency)
	for ctx.Err() == nil {
		allowed, tr := p.breaker.Allow(p.now())
		if tr.Changed() && tr.To == control.CircuitHalfOpen {
			p.record(ctx, db.EventCircuitHalf, map[string]any{"error_class": p.breaker.OpenedClass()})
		}
		if !allowed {
			p.sleep(ctx)
			continue
		}

		updates, err := p.source.GetUpdates(ctx, offset, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.log.Error("getUpdates error", "error", err)
			errClass := classifyError(err)
			if tr := p.breaker.RecordFailure(errClass, p.now()); tr.Changed() && tr.To == control.CircuitOpen {
				p.log.Warn("circuit opened", "error_class", errClass)
				p.record(ctx, db.EventCircuitOpened, map[string]any{
					"error_class":      errClass,
					"threshold":        p.breaker.Threshold,
					"cooldown_seconds": int(p.breaker.Cooldown.Seconds()),
				})
			}
			p.sleep(ctx)
			continue
		}
		if tr := p.breaker.RecordSuccess(); tr.Changed() {
			p.log.Info("circuit closed")
			p.record(ctx, db.EventCircuitClosed, map[string]any{"recovered": true})
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			if update.Message == nil || update.Message.TextOrEmpty() == "" {
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			p.wg.Add(1)
			go func(u cmdpkg.Update) {
				defer p.wg.Done()
				defer func() { <-sem }()
				p.dispatcher.Dispatch(dispatchCtx, u, p.bot)
			}(update)
		}
		if len(updates) == 0 {
			p.sleep(ctx)
		}
	}
	return nil
}

// bootstrapOffset skips updates older than the pending window, keeping at most
// PendingMaxMessages of the newest ones.
func (p *Poller) bootstrapOffset(ctx context.Context) (int64, error) {
	updates, err := p.source.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	cutoff := p.now().Unix() - p.cfg.PendingWindowSeconds

	var inWindow []cmdpkg.Update
	for _, u := range updates {
		if u.Message != nil && u.Message.Date >= cutoff {
			inWindow = append(inWindow, u)
		}
	}

	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}

	if p.cfg.PendingMaxMessages > 0 && len(inWindow) > p.cfg.PendingMaxMessages {
		inWindow = inWindow[len(inWindow)-p.cfg.PendingMaxMessages:]
	}

	return inWindow[0].UpdateID, nil
}

func (p *Poller) sleep(ctx context.Context) {
	t := time.NewTimer(p.cfg.Sleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Poller) record(ctx context.Context, eventType string, payload map[string]any) {
	if p.recorder == nil {
		return
	}
	if _, err := p.recorder.Record(ctx, nil, eventType, payload); err != nil {
		p.log.Warn("failed to record event", "event_type", eventType, "error", err)
	}
}

func classifyError(err error) string {
	if err == nil {
		return "unknown"
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "telegram ", "commander"):
		return "command_source_api"
	case containsAny(msg, "sqlite", "database"):
		return "db"
	default:
		return "unknown"
	}
}

func containsAny(s string, parts ...string) bool {
	for _, p := range parts {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
