package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/hizkifw/lmrelay/message"
	"github.com/labstack/echo/v4"
)

var errStreamClosed = errors.New("stream closed")

type chatStreamRequest struct {
	History message.History `json:"history"`
}

// sseOrigin relays events for a single submission as server-sent events.
type sseOrigin struct {
	id string
	w  http.ResponseWriter

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSSEOrigin(w http.ResponseWriter) *sseOrigin {
	return &sseOrigin{
		id:   message.NewId(),
		w:    w,
		done: make(chan struct{}),
	}
}

func (o *sseOrigin) Id() string { return o.id }

func (o *sseOrigin) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errStreamClosed
	}

	if _, err := fmt.Fprintf(o.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if f, ok := o.w.(http.Flusher); ok {
		f.Flush()
	}

	if event == message.EventStreamEnd || event == message.EventError {
		o.closed = true
		close(o.done)
	}
	return nil
}

// detach stops further writes once the handler is returning.
func (o *sseOrigin) detach() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
}

func (s *Server) handleChatStream(c echo.Context) error {
	var req chatStreamRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, message.ErrorEvent{Message: fmt.Sprintf("invalid request body: %v", err)})
	}

	origin := newSSEOrigin(c.Response())
	defer origin.detach()

	// Events wait on the lock until the headers are written.
	origin.mu.Lock()
	p, err := s.dispatcher.Submit(origin, "", req.History)
	if err != nil {
		origin.closed = true
		origin.mu.Unlock()
		return c.JSON(http.StatusBadRequest, message.ErrorEvent{Message: err.Error()})
	}
	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()
	origin.mu.Unlock()

	select {
	case <-origin.done:
	case <-c.Request().Context().Done():
		s.registry.Cancel(origin.id)
		s.log.Info("stream client went away", "request", p.Id)
	}
	return nil
}
