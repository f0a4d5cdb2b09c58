package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hizkifw/lmrelay/config"
	"github.com/hizkifw/lmrelay/message"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	maxBodyBytes        = "1M"
	shutdownGracePeriod = 10 * time.Second
	writeWait           = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type ServerOpts struct {
	// Addr is the address to listen on
	Addr string `arg:"--listen" help:"address to listen on"`

	Policy          string        `arg:"--policy" help:"worker selection policy: first, round-robin, least-loaded"`
	PollInterval    time.Duration `arg:"--poll-interval" help:"how often to retry worker selection while none is connected"`
	MaxWait         time.Duration `arg:"--max-wait" help:"how long a submission waits for a worker (0 waits forever)"`
	AllowAnyLast    bool          `arg:"--allow-any-last" help:"accept histories whose last message is not from the user"`
	MaxPromptTokens int           `arg:"--max-prompt-tokens" help:"reject histories above this many tokens (0 disables)"`
	TokenModel      string        `arg:"--token-model" help:"model name used to pick the token encoding"`
	SubmitRate      float64       `arg:"--submit-rate" help:"submissions per second allowed per client"`
	SubmitBurst     int           `arg:"--submit-burst" help:"submission burst allowed per client"`
	PingInterval    time.Duration `arg:"--ping-interval" help:"websocket keepalive ping interval"`
	PongWait        time.Duration `arg:"--pong-wait" help:"drop peers silent for this long"`
	Config          string        `arg:"--config,env:LMRELAY_CONFIG" help:"YAML or TOML config file; policy changes are applied live"`
}

func DefaultServerOpts() ServerOpts {
	return ServerOpts{
		Addr:         ":9090",
		Policy:       "first",
		PollInterval: time.Second,
		MaxWait:      time.Minute,
		TokenModel:   "gpt-3.5-turbo",
		SubmitRate:   2,
		SubmitBurst:  4,
		PingInterval: 15 * time.Second,
		PongWait:     45 * time.Second,
	}
}

// Apply copies the values set in a config file section onto the options.
func (o *ServerOpts) Apply(c config.Server) {
	if c.Listen != "" {
		o.Addr = c.Listen
	}
	if c.Policy != "" {
		o.Policy = c.Policy
	}
	if c.PollInterval > 0 {
		o.PollInterval = c.PollInterval
	}
	if c.MaxWait != nil {
		o.MaxWait = *c.MaxWait
	}
	if c.AllowAnyLast {
		o.AllowAnyLast = true
	}
	if c.MaxPromptTokens > 0 {
		o.MaxPromptTokens = c.MaxPromptTokens
	}
	if c.TokenModel != "" {
		o.TokenModel = c.TokenModel
	}
	if c.SubmitRate > 0 {
		o.SubmitRate = c.SubmitRate
	}
	if c.SubmitBurst > 0 {
		o.SubmitBurst = c.SubmitBurst
	}
	if c.PingInterval > 0 {
		o.PingInterval = c.PingInterval
	}
	if c.PongWait > 0 {
		o.PongWait = c.PongWait
	}
}

type Server struct {
	opts       ServerOpts
	registry   *Registry
	dispatcher *Dispatcher
	app        *echo.Echo
	log        *slog.Logger
}

func NewServer(opts *ServerOpts) (*Server, error) {
	return newServer(opts, slog.Default())
}

// newServer builds the hub on base. The registry and dispatcher tag their
// own component on it.
func newServer(opts *ServerOpts, base *slog.Logger) (*Server, error) {
	policy, err := ParsePolicy(opts.Policy)
	if err != nil {
		return nil, err
	}

	logger := base.With("component", "hub")
	registry := NewRegistry(policy, base)
	dispatcher := NewDispatcher(registry, DispatcherOpts{
		PollInterval:    opts.PollInterval,
		MaxWait:         opts.MaxWait,
		RequireUserLast: !opts.AllowAnyLast,
		MaxPromptTokens: opts.MaxPromptTokens,
		TokenModel:      opts.TokenModel,
	}, base)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))

	s := &Server{
		opts:       *opts,
		registry:   registry,
		dispatcher: dispatcher,
		app:        e,
		log:        logger,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.app.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "lmrelay hub is running\n")
	})
	s.app.GET("/health", s.handleHealth)

	// Handle the worker websocket endpoint
	s.app.GET("/internal/v1/worker/ws", s.handleWorkerWS)
	s.app.GET("/internal/v1/workers", func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.registry.Workers())
	})

	s.app.GET("/v1/chat/ws", s.handleClientWS)
	s.app.POST("/v1/chat/stream", s.handleChatStream, middleware.BodyLimit(maxBodyBytes))
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": len(s.registry.Workers()),
		"pending": s.registry.PendingCount(),
	})
}

func (s *Server) Handler() http.Handler {
	return s.app
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// keepAlive pings conn until stop is closed or a ping fails, and closes it
// when ctx is done. The read deadline must already be armed by the reader.
func (s *Server) keepAlive(ctx context.Context, conn *message.Conn, stop <-chan struct{}) {
	var tick <-chan time.Time
	if s.opts.PingInterval > 0 {
		t := time.NewTicker(s.opts.PingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-tick:
			if err := conn.Ping(writeWait); err != nil {
				return
			}
		}
	}
}

// RunServer serves the hub until ctx is cancelled.
func RunServer(opts *ServerOpts, ctx context.Context) error {
	s, err := NewServer(opts)
	if err != nil {
		return err
	}

	if opts.Config != "" {
		go func() {
			err := config.Watch(ctx, opts.Config, func(f *config.File) {
				if f.Server.Policy == "" {
					return
				}
				p, err := ParsePolicy(f.Server.Policy)
				if err != nil {
					s.log.Warn("ignoring policy from config", "error", err)
					return
				}
				s.registry.SetPolicy(p)
			})
			if err != nil {
				s.log.Warn("config watch stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:              opts.Addr,
		Handler:           s.app,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", opts.Addr, "policy", opts.Policy)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}
