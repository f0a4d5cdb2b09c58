// Package client implements the chat side of the relay: a consumer that
// folds streamed events into a conversation, and a terminal chat program
// built on it.
package client

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/hizkifw/lmrelay/message"
	"github.com/hizkifw/lmrelay/transport"
)

// User-visible error texts.
const (
	ErrTextNotConnected = "Cannot send message: Not connected."
	ErrTextReconnecting = "Disconnected. Trying to reconnect..."
	ErrTextBusy         = "Cannot send message: a response is still streaming."
	errPrefixServer     = "Server error: "
	errPrefixConnect    = "Connection failed: "
)

// Channel is the subset of transport.Channel the consumer needs.
type Channel interface {
	Send(event string, payload any) error
	On(event string, h transport.Handler)
	Connected() bool
}

type State int

const (
	StateIdle State = iota
	StateAwaiting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaiting:
		return "awaiting"
	case StateStreaming:
		return "streaming"
	}
	return "unknown"
}

// Notice describes a change the consumer applied. Text holds the chunk for
// message_chunk and the user-visible error for error-like events.
type Notice struct {
	Event string
	Text  string
}

// Consumer tracks one conversation and the response being streamed into
// it. At most one submission is in flight at a time.
type Consumer struct {
	ch     Channel
	notify func(Notice)
	log    *slog.Logger

	mu       sync.Mutex
	state    State
	ref      string
	messages message.History
	err      string
}

func NewConsumer(ch Channel, notify func(Notice)) *Consumer {
	if notify == nil {
		notify = func(Notice) {}
	}
	c := &Consumer{
		ch:     ch,
		notify: notify,
		log:    slog.Default().With("component", "client"),
	}
	ch.On(message.EventConnect, c.onConnect)
	ch.On(message.EventDisconnect, c.onDisconnect)
	ch.On(message.EventConnectError, c.onConnectError)
	ch.On(message.EventMessageChunk, c.onChunk)
	ch.On(message.EventStreamEnd, c.onEnd)
	ch.On(message.EventError, c.onError)
	return c
}

// SubmitHistory replaces the conversation with history and asks the server
// to continue it. It reports whether the submission was sent; a rejection
// sets Err.
func (c *Consumer) SubmitHistory(history message.History) bool {
	c.mu.Lock()
	if c.state != StateIdle {
		// The stream in progress keeps its state.
		c.err = ErrTextBusy
		c.mu.Unlock()
		c.notify(Notice{Event: message.EventError, Text: ErrTextBusy})
		return false
	}
	if !c.ch.Connected() {
		c.err = ErrTextNotConnected
		c.mu.Unlock()
		c.notify(Notice{Event: message.EventError, Text: ErrTextNotConnected})
		return false
	}
	ref := message.NewId()
	c.ref = ref
	c.state = StateAwaiting
	c.messages = history.Clone()
	c.err = ""
	c.mu.Unlock()

	if err := c.ch.Send(message.EventSendMessage, message.SendMessage{History: history, Ref: ref}); err != nil {
		text := ErrTextNotConnected
		if !errors.Is(err, transport.ErrNotConnected) {
			text = "Cannot send message: " + err.Error()
		}
		c.mu.Lock()
		if c.ref == ref {
			c.state = StateIdle
			c.ref = ""
		}
		c.err = text
		c.mu.Unlock()
		c.notify(Notice{Event: message.EventError, Text: text})
		return false
	}
	return true
}

// Abandon forgets the response in progress and tells the server to stop
// relaying it. Late events for it are ignored.
func (c *Consumer) Abandon() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.ref = ""
	c.mu.Unlock()

	if err := c.ch.Send(message.EventCancel, message.Cancel{}); err != nil {
		c.log.Debug("could not send cancel", "error", err)
	}
}

// Load switches to another conversation, abandoning any stream.
func (c *Consumer) Load(history message.History) {
	c.Abandon()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = history.Clone()
	c.err = ""
}

func (c *Consumer) Messages() message.History {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages.Clone()
}

func (c *Consumer) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateIdle
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the current user-visible error, if any.
func (c *Consumer) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// currentLocked reports whether an event tagged with ref belongs to the
// stream in progress. Untagged events are attributed to it.
func (c *Consumer) currentLocked(ref string) bool {
	if c.state == StateIdle {
		return false
	}
	return ref == "" || ref == c.ref
}

func (c *Consumer) onChunk(data json.RawMessage) {
	var ev message.MessageChunk
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Warn("dropping malformed chunk", "error", err)
		return
	}

	c.mu.Lock()
	if !c.currentLocked(ev.Ref) {
		c.mu.Unlock()
		c.log.Debug("ignoring chunk for abandoned stream", "ref", ev.Ref)
		return
	}
	if c.state == StateAwaiting {
		c.messages = append(c.messages, message.Message{Role: message.RoleAssistant, Content: ev.Chunk})
		c.state = StateStreaming
	} else {
		last := &c.messages[len(c.messages)-1]
		last.Content += ev.Chunk
	}
	c.mu.Unlock()

	c.notify(Notice{Event: message.EventMessageChunk, Text: ev.Chunk})
}

func (c *Consumer) onEnd(data json.RawMessage) {
	var ev message.StreamEnd
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("dropping malformed stream_end", "error", err)
			return
		}
	}

	c.mu.Lock()
	if !c.currentLocked(ev.Ref) {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.ref = ""
	c.mu.Unlock()

	c.notify(Notice{Event: message.EventStreamEnd})
}

func (c *Consumer) onError(data json.RawMessage) {
	var ev message.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Warn("dropping malformed error event", "error", err)
		return
	}

	c.mu.Lock()
	if ev.Ref != "" && !c.currentLocked(ev.Ref) {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.ref = ""
	c.err = errPrefixServer + ev.Message
	text := c.err
	c.mu.Unlock()

	c.notify(Notice{Event: message.EventError, Text: text})
}

func (c *Consumer) onConnect(json.RawMessage) {
	c.mu.Lock()
	c.err = ""
	c.mu.Unlock()
	c.notify(Notice{Event: message.EventConnect})
}

func (c *Consumer) onDisconnect(data json.RawMessage) {
	var reason string
	_ = json.Unmarshal(data, &reason)

	c.mu.Lock()
	// The server forgets requests of disconnected clients.
	c.state = StateIdle
	c.ref = ""
	if reason != transport.ReasonClientDisconnect {
		c.err = ErrTextReconnecting
	}
	text := c.err
	c.mu.Unlock()

	c.notify(Notice{Event: message.EventDisconnect, Text: text})
}

func (c *Consumer) onConnectError(data json.RawMessage) {
	var msg string
	_ = json.Unmarshal(data, &msg)

	c.mu.Lock()
	c.state = StateIdle
	c.ref = ""
	c.err = errPrefixConnect + msg
	text := c.err
	c.mu.Unlock()

	c.notify(Notice{Event: message.EventConnectError, Text: text})
}
