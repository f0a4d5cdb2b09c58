package hub

import (
	"github.com/gorilla/websocket"
	"github.com/hizkifw/lmrelay/message"
	"github.com/labstack/echo/v4"
)

func (s *Server) handleWorkerWS(c echo.Context) error {
	// Upgrade the connection to a websocket
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade worker connection", "error", err)
		return nil
	}
	conn := message.NewConn(ws, message.FrameCodec)

	worker := NewWorker(c.QueryParam("name"), conn.RemoteAddr(), conn)
	log := s.log.With("worker", worker.Id, "name", worker.Name)
	s.registry.Register(worker)

	stop := make(chan struct{})
	defer func() {
		close(stop)
		s.registry.Unregister(worker.Id)
		conn.Close()
	}()
	conn.KeepAlive(s.opts.PongWait)
	go s.keepAlive(c.Request().Context(), conn, stop)

	for {
		_, raw, err := conn.Receive()
		if err != nil {
			if raw == nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn("worker connection lost", "error", err)
				} else {
					log.Info("worker disconnected")
				}
				return nil
			}
			log.Warn("dropping malformed frame", "error", err)
			continue
		}

		f, err := message.UnmarshalFrame(raw)
		if err != nil {
			log.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch f := f.(type) {
		case message.Available:
			s.registry.MarkAvailable(worker.Id)
		case message.Request:
			log.Warn("worker sent a request frame, ignoring", "request", f.Id)
		case message.Chunk, message.End, message.Failure:
			if !s.registry.Route(f) {
				log.Debug("discarding frame for unknown request", "type", f.FrameType(), "request", f.(message.Correlated).RequestId())
			}
		}
	}
}
