// Package transport implements the client side of a reconnecting websocket
// channel. Incoming messages are decoded with a message.Codec and dispatched
// to handlers registered per event name.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hizkifw/lmrelay/message"
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrReconnectFailed = errors.New("reconnection attempts exhausted")
)

// Disconnect reasons reported with EventDisconnect.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportError   = "transport error"
)

// Handler receives the raw payload of an event. For EventDisconnect and
// EventConnectError the payload is a JSON string.
type Handler func(payload json.RawMessage)

type Options struct {
	URL    string
	Codec  message.Codec
	Header http.Header

	// ReconnectAttempts bounds consecutive failed attempts after the first.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration

	// Timeout bounds each connection attempt.
	Timeout time.Duration

	NoReconnect bool
	Logger      *slog.Logger
}

func DefaultOptions(url string, codec message.Codec) Options {
	return Options{
		URL:               url,
		Codec:             codec,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		ReconnectDelayMax: 5 * time.Second,
		Timeout:           20 * time.Second,
	}
}

type Channel struct {
	opts    Options
	log     *slog.Logger
	backoff Backoff

	connLock sync.RWMutex
	conn     *message.Conn

	handlerLock sync.RWMutex
	handlers    map[string][]Handler

	closing   chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *Channel {
	if opts.Codec == nil {
		opts.Codec = message.EventCodec
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		opts:     opts,
		log:      logger.With("component", "transport", "url", opts.URL),
		backoff:  Backoff{Base: opts.ReconnectDelay, Max: opts.ReconnectDelayMax},
		handlers: make(map[string][]Handler),
		closing:  make(chan struct{}),
	}
}

// On registers a handler for an event. Handlers run on the receive goroutine
// in registration order.
func (c *Channel) On(event string, h Handler) {
	c.handlerLock.Lock()
	defer c.handlerLock.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *Channel) Connected() bool {
	c.connLock.RLock()
	defer c.connLock.RUnlock()
	return c.conn != nil
}

// Send writes one event. It fails with ErrNotConnected instead of queueing
// when there is no live connection.
func (c *Channel) Send(event string, payload any) error {
	c.connLock.RLock()
	conn := c.conn
	c.connLock.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(event, payload); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// Close disconnects and stops reconnecting.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	return nil
}

func (c *Channel) closed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// Run connects and keeps the channel connected until ctx is done, Close is
// called, or reconnection attempts run out.
func (c *Channel) Run(ctx context.Context) error {
	attempt := 0
	var lastErr error

	for {
		if attempt > 0 {
			if c.opts.NoReconnect || attempt > c.opts.ReconnectAttempts {
				return fmt.Errorf("%w: %v", ErrReconnectFailed, lastErr)
			}
			delay := c.backoff.Delay(attempt)
			c.log.Info("reconnecting", "attempt", attempt, "delay", delay)
			if !c.sleep(ctx, delay) {
				return nil
			}
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil || c.closed() {
				return nil
			}
			c.log.Warn("connection failed", "error", err)
			c.emit(message.EventConnectError, err.Error())
			lastErr = err
			attempt++
			continue
		}

		attempt = 0
		c.setConn(conn)
		c.log.Info("connected")
		c.emit(message.EventConnect, nil)

		reason := c.readLoop(ctx, conn)

		c.setConn(nil)
		c.log.Info("disconnected", "reason", reason)
		c.emit(message.EventDisconnect, reason)

		if reason == ReasonClientDisconnect || ctx.Err() != nil {
			return nil
		}
		if c.opts.NoReconnect {
			return nil
		}
		lastErr = errors.New(reason)
		attempt = 1
	}
}

func (c *Channel) dial(ctx context.Context) (*message.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.Timeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	ws, resp, err := dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return message.NewConn(ws, c.opts.Codec), nil
}

func (c *Channel) setConn(conn *message.Conn) {
	c.connLock.Lock()
	c.conn = conn
	c.connLock.Unlock()
}

// readLoop dispatches incoming events until the connection ends and returns
// the disconnect reason.
func (c *Channel) readLoop(ctx context.Context, conn *message.Conn) string {
	stop := make(chan struct{})
	defer close(stop)

	var (
		reasonLock sync.Mutex
		reason     string
	)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.closing:
		case <-stop:
			return
		}
		reasonLock.Lock()
		reason = ReasonClientDisconnect
		reasonLock.Unlock()
		conn.Close()
	}()

	for {
		event, payload, err := conn.Receive()
		if err != nil {
			if payload != nil {
				c.log.Warn("dropping undecodable message", "error", err)
				continue
			}

			reasonLock.Lock()
			defer reasonLock.Unlock()
			if reason != "" {
				return reason
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ReasonServerDisconnect
			}
			return ReasonTransportError
		}
		c.dispatch(event, payload)
	}
}

func (c *Channel) emit(event string, v any) {
	var payload json.RawMessage
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			c.log.Error("failed to marshal lifecycle payload", "event", event, "error", err)
			return
		}
		payload = data
	}
	c.dispatch(event, payload)
}

func (c *Channel) dispatch(event string, payload json.RawMessage) {
	c.handlerLock.RLock()
	hs := append([]Handler(nil), c.handlers[event]...)
	c.handlerLock.RUnlock()

	if len(hs) == 0 {
		c.log.Debug("no handler for event", "event", event)
		return
	}
	for _, h := range hs {
		h(payload)
	}
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.closing:
		return false
	}
}
