package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/hizkifw/lmrelay/config"
	"github.com/hizkifw/lmrelay/message"
	"github.com/hizkifw/lmrelay/transport"
	"golang.org/x/sync/semaphore"
)

const invalidPayloadMessage = "Invalid conversation payload"

type AgentOpts struct {
	HubAddr       url.URL `arg:"--hub" help:"address of the hub, e.g. ws://127.0.0.1:9090"`
	InferenceAddr url.URL `arg:"--inference" help:"base address of the OpenAI-compatible inference server"`
	InferenceKey  string  `arg:"--inference-key,env:INFERENCE_API_KEY" help:"API key sent to the inference server"`
	Name          string  `arg:"--name" help:"worker name reported to the hub"`
	Model         string  `arg:"--model" help:"model to request from the inference server"`

	MaxConcurrency   int           `arg:"--max-concurrency" help:"maximum requests processed at once (0 is unlimited)"`
	CoalesceBytes    int           `arg:"--coalesce-bytes" help:"flush streamed text once this many bytes are buffered"`
	CoalesceInterval time.Duration `arg:"--coalesce-interval" help:"flush streamed text at least this often"`

	Config string `arg:"--config,env:LMRELAY_CONFIG" help:"YAML or TOML config file"`
}

func DefaultAgentOpts() AgentOpts {
	name, err := os.Hostname()
	if err != nil {
		name = "worker"
	}
	return AgentOpts{
		HubAddr:          url.URL{Scheme: "ws", Host: "127.0.0.1:9090"},
		InferenceAddr:    url.URL{Scheme: "http", Host: "127.0.0.1:11434"},
		Name:             name,
		Model:            "llama3.2",
		CoalesceBytes:    5,
		CoalesceInterval: 100 * time.Millisecond,
	}
}

// Apply copies the values set in a config file section onto the options.
func (o *AgentOpts) Apply(c config.Agent) error {
	if c.Hub != "" {
		u, err := url.Parse(c.Hub)
		if err != nil {
			return fmt.Errorf("agent.hub: %w", err)
		}
		o.HubAddr = *u
	}
	if c.Inference != "" {
		u, err := url.Parse(c.Inference)
		if err != nil {
			return fmt.Errorf("agent.inference: %w", err)
		}
		o.InferenceAddr = *u
	}
	if c.Name != "" {
		o.Name = c.Name
	}
	if c.Model != "" {
		o.Model = c.Model
	}
	if c.MaxConcurrency > 0 {
		o.MaxConcurrency = c.MaxConcurrency
	}
	if c.CoalesceBytes > 0 {
		o.CoalesceBytes = c.CoalesceBytes
	}
	if c.CoalesceInterval > 0 {
		o.CoalesceInterval = c.CoalesceInterval
	}
	return nil
}

// workerURL returns the hub's worker endpoint, switching http schemes to
// their websocket equivalents.
func workerURL(hub url.URL, name string) string {
	switch hub.Scheme {
	case "http", "":
		hub.Scheme = "ws"
	case "https":
		hub.Scheme = "wss"
	}
	u := hub.JoinPath("/internal/v1/worker/ws")
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()
	return u.String()
}

// sender delivers frames to the hub.
type sender interface {
	Send(event string, payload any) error
}

func sendFrame(s sender, f message.Frame) error {
	return s.Send(string(f.FrameType()), f)
}

type Agent struct {
	opts    *AgentOpts
	backend Inference
	sem     *semaphore.Weighted
	log     *slog.Logger

	wg sync.WaitGroup

	sessionLock   sync.Mutex
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
}

func NewAgent(opts *AgentOpts, backend Inference) *Agent {
	a := &Agent{
		opts:    opts,
		backend: backend,
		log:     slog.Default().With("component", "agent", "name", opts.Name),
	}
	if opts.MaxConcurrency > 0 {
		a.sem = semaphore.NewWeighted(int64(opts.MaxConcurrency))
	}
	return a
}

// Run serves requests from the hub until ctx is done or the hub cannot be
// reached anymore.
func (a *Agent) Run(ctx context.Context) error {
	ch := transport.New(transport.DefaultOptions(workerURL(a.opts.HubAddr, a.opts.Name), message.FrameCodec))

	ch.On(message.EventConnect, func(json.RawMessage) {
		a.startSession(ctx)
		if err := sendFrame(ch, message.Available{}); err != nil {
			a.log.Warn("failed to announce availability", "error", err)
		}
	})
	ch.On(message.EventDisconnect, func(json.RawMessage) {
		// In-flight work cannot be delivered anymore.
		a.endSession()
	})
	ch.On(string(message.FTRequest), func(payload json.RawMessage) {
		f, err := message.UnmarshalFrame(payload)
		if err != nil {
			a.log.Warn("dropping malformed request", "error", err)
			return
		}
		req := f.(message.Request)
		sessionCtx := a.session()

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serve(sessionCtx, ch, req)
		}()
	})

	a.log.Info("connecting to hub", "hub", a.opts.HubAddr.String(), "model", a.opts.Model)
	err := ch.Run(ctx)
	a.endSession()
	a.wg.Wait()
	return err
}

func (a *Agent) startSession(parent context.Context) {
	a.sessionLock.Lock()
	defer a.sessionLock.Unlock()
	if a.sessionCancel != nil {
		a.sessionCancel()
	}
	a.sessionCtx, a.sessionCancel = context.WithCancel(parent)
}

func (a *Agent) endSession() {
	a.sessionLock.Lock()
	defer a.sessionLock.Unlock()
	if a.sessionCancel != nil {
		a.sessionCancel()
		a.sessionCancel = nil
	}
}

func (a *Agent) session() context.Context {
	a.sessionLock.Lock()
	defer a.sessionLock.Unlock()
	if a.sessionCtx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return a.sessionCtx
}

func (a *Agent) serve(ctx context.Context, s sender, req message.Request) {
	if a.sem != nil {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			a.log.Info("dropping queued request", "request", req.Id, "error", err)
			return
		}
		defer a.sem.Release(1)
	}

	start := time.Now()
	a.log.Info("handling request", "request", req.Id, "messages", len(req.Payload))
	if err := a.handleRequest(ctx, s, req); err != nil {
		a.log.Warn("request failed", "request", req.Id, "error", err)
		return
	}
	a.log.Info("completed request", "request", req.Id, "duration", time.Since(start))
}

// handleRequest streams one completion back to the hub as chunk frames,
// terminated by an end or error frame.
func (a *Agent) handleRequest(ctx context.Context, s sender, req message.Request) error {
	if len(req.Payload) == 0 {
		return errors.Join(
			errors.New(invalidPayloadMessage),
			sendFrame(s, message.Failure{Id: req.Id, Message: invalidPayloadMessage}),
		)
	}

	buf := newCoalescer(a.opts.CoalesceBytes, a.opts.CoalesceInterval, func(text string) error {
		return sendFrame(s, message.Chunk{Id: req.Id, Content: text})
	})

	err := a.backend.Stream(ctx, req.Payload, buf.Write)
	if ferr := buf.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		return errors.Join(err, sendFrame(s, message.Failure{Id: req.Id, Message: err.Error()}))
	}
	return sendFrame(s, message.End{Id: req.Id})
}

// RunAgent connects to the hub and relays requests to the inference server
// until ctx is cancelled.
func RunAgent(opts *AgentOpts, ctx context.Context) error {
	backend := newOpenAIBackend(opts)
	a := NewAgent(opts, backend)

	if models, err := backend.Models(ctx); err != nil {
		a.log.Warn("could not query inference server", "error", err)
	} else {
		a.log.Info("inference server reachable", "models", models)
	}
	return a.Run(ctx)
}
