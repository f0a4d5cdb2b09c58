package message

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func NewId() string {
	return uuid.New().String()
}

// Conn serializes writes to a websocket and encodes outgoing messages with a
// codec. Reads are left to a single owner goroutine.
type Conn struct {
	ws       *websocket.Conn
	codec    Codec
	sendLock sync.Mutex
}

func NewConn(ws *websocket.Conn, codec Codec) *Conn {
	return &Conn{ws: ws, codec: codec}
}

func (c *Conn) Send(event string, payload any) error {
	data, err := c.codec.Encode(event, payload)
	if err != nil {
		return err
	}

	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) SendFrame(f Frame) error {
	return c.Send(string(f.FrameType()), f)
}

// Receive blocks for the next message and decodes it.
func (c *Conn) Receive() (string, []byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	event, payload, err := c.codec.Decode(data)
	if err != nil {
		return "", data, err
	}
	return event, payload, nil
}

// Ping writes a ping control frame.
func (c *Conn) Ping(timeout time.Duration) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// KeepAlive extends the read deadline by wait on every pong.
func (c *Conn) KeepAlive(wait time.Duration) {
	if wait <= 0 {
		return
	}
	c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})
}

// Close sends a normal closure and closes the underlying connection.
func (c *Conn) Close() error {
	c.sendLock.Lock()
	err := c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.sendLock.Unlock()

	if cerr := c.ws.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
