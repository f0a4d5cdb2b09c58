package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hizkifw/lmrelay/message"
)

var ErrHistoryTooLong = errors.New("history exceeds the prompt token budget")

// Clock abstracts time for worker-availability polling.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type DispatcherOpts struct {
	// PollInterval is how often selection is retried while no worker is
	// connected.
	PollInterval time.Duration

	// MaxWait bounds the time a submission waits for a worker. Zero waits
	// until the origin goes away.
	MaxWait time.Duration

	RequireUserLast bool

	// MaxPromptTokens rejects larger histories when positive.
	MaxPromptTokens int
	TokenModel      string

	Clock Clock
}

// Dispatcher accepts submissions and forwards them to workers picked by the
// registry.
type Dispatcher struct {
	registry *Registry
	opts     DispatcherOpts
	tokens   *TokenCounter
	log      *slog.Logger
}

func NewDispatcher(registry *Registry, opts DispatcherOpts, logger *slog.Logger) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "dispatcher")
	return &Dispatcher{
		registry: registry,
		opts:     opts,
		tokens:   &TokenCounter{Model: opts.TokenModel, Log: log},
		log:      log,
	}
}

// Submit validates and records a submission, then dispatches it in the
// background. Rejected submissions leave no trace in the registry.
func (d *Dispatcher) Submit(origin Origin, ref string, history message.History) (*Pending, error) {
	if err := history.Validate(d.opts.RequireUserLast); err != nil {
		return nil, err
	}

	tokens := 0
	if d.opts.MaxPromptTokens > 0 {
		tokens = d.tokens.Count(history)
		if tokens > d.opts.MaxPromptTokens {
			return nil, fmt.Errorf("%w: %d > %d", ErrHistoryTooLong, tokens, d.opts.MaxPromptTokens)
		}
	}

	p, err := d.registry.Begin(origin, ref)
	if err != nil {
		return nil, err
	}

	d.log.Info("accepted submission", "request", p.Id, "origin", origin.Id(), "messages", len(history), "tokens", tokens)
	go d.dispatch(p, history.Clone())
	return p, nil
}

func (d *Dispatcher) dispatch(p *Pending, history message.History) {
	var deadline time.Time
	if d.opts.MaxWait > 0 {
		deadline = d.opts.Clock.Now().Add(d.opts.MaxWait)
	}
	waiting := false

	for {
		w, err := d.registry.Claim(p)
		switch {
		case err == nil:
			req := message.Request{Id: p.Id, Payload: history}
			if err := w.conn.SendFrame(req); err != nil {
				d.log.Warn("failed to send request to worker, dropping worker", "request", p.Id, "worker", w.Id, "error", err)
				if !d.registry.Release(p) {
					return
				}
				d.registry.Unregister(w.Id)
				continue
			}
			d.log.Info("dispatched request", "request", p.Id, "worker", w.Id, "waited", waiting)
			return

		case errors.Is(err, ErrNoWorker):
			if !deadline.IsZero() && !d.opts.Clock.Now().Before(deadline) {
				d.log.Warn("gave up waiting for a worker", "request", p.Id, "max_wait", d.opts.MaxWait)
				d.registry.Fail(p, ErrNoWorker.Error())
				return
			}
			if !waiting {
				d.log.Info("no worker available, retrying", "request", p.Id, "interval", d.opts.PollInterval)
				waiting = true
			}

		default:
			// Cancelled or origin gone.
			return
		}

		select {
		case <-p.Done():
			return
		case <-d.opts.Clock.After(d.opts.PollInterval):
		}
	}
}
