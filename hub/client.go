package hub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/hizkifw/lmrelay/message"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("too many submissions, slow down")

// clientConn is a chat client connected over the event protocol.
type clientConn struct {
	id   string
	conn *message.Conn
}

func (c *clientConn) Id() string { return c.id }

func (c *clientConn) Send(event string, payload any) error {
	return c.conn.Send(event, payload)
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.opts.SubmitRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.opts.SubmitBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.opts.SubmitRate), burst)
}

func (s *Server) handleClientWS(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade client connection", "error", err)
		return nil
	}

	client := &clientConn{
		id:   message.NewId(),
		conn: message.NewConn(ws, message.EventCodec),
	}
	log := s.log.With("client", client.id)
	log.Info("client connected", "remote_addr", client.conn.RemoteAddr())

	stop := make(chan struct{})
	defer func() {
		close(stop)
		// The origin is gone; late frames for its request are discarded.
		s.registry.Cancel(client.id)
		client.conn.Close()
		log.Info("client disconnected")
	}()
	client.conn.KeepAlive(s.opts.PongWait)
	go s.keepAlive(c.Request().Context(), client.conn, stop)

	limiter := s.newLimiter()
	for {
		event, data, err := client.conn.Receive()
		if err != nil {
			if data == nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn("client connection lost", "error", err)
				}
				return nil
			}
			log.Warn("dropping malformed client message", "error", err)
			continue
		}

		switch event {
		case message.EventSendMessage:
			s.handleSendMessage(client, limiter, data)
		case message.EventCancel:
			s.registry.Cancel(client.id)
		default:
			log.Debug("ignoring unknown client event", "event", event)
		}
	}
}

func (s *Server) handleSendMessage(client Origin, limiter *rate.Limiter, data json.RawMessage) {
	var req message.SendMessage
	if err := json.Unmarshal(data, &req); err != nil {
		s.reject(client, "", fmt.Errorf("invalid send_message payload: %w", err))
		return
	}
	if !limiter.Allow() {
		s.reject(client, req.Ref, ErrRateLimited)
		return
	}
	if _, err := s.dispatcher.Submit(client, req.Ref, req.History); err != nil {
		s.reject(client, req.Ref, err)
	}
}

func (s *Server) reject(origin Origin, ref string, err error) {
	s.log.Info("submission rejected", "origin", origin.Id(), "error", err)
	if serr := origin.Send(message.EventError, message.ErrorEvent{Message: err.Error(), Ref: ref}); serr != nil {
		s.log.Warn("failed to deliver rejection", "origin", origin.Id(), "error", serr)
	}
}
