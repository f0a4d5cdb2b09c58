package client

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/hizkifw/lmrelay/message"
	"github.com/hizkifw/lmrelay/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	Event   string
	Payload any
}

// fakeChannel delivers events synchronously and records sends.
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string][]transport.Handler
	sent      []sent
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{connected: true, handlers: make(map[string][]transport.Handler)}
}

func (f *fakeChannel) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, sent{event, payload})
	return nil
}

func (f *fakeChannel) On(event string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeChannel) fire(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.dispatch(event, data)
}

// dispatch runs the handlers for event with a raw payload. It is safe to
// call from any goroutine.
func (f *fakeChannel) dispatch(event string, data json.RawMessage) {
	f.mu.Lock()
	hs := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (f *fakeChannel) Sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

// lastRef returns the ref of the most recent submission.
func (f *fakeChannel) lastRef(t *testing.T) string {
	t.Helper()
	s := f.Sent()
	for i := len(s) - 1; i >= 0; i-- {
		if req, ok := s[i].Payload.(message.SendMessage); ok {
			return req.Ref
		}
	}
	t.Fatal("nothing submitted")
	return ""
}

var question = message.History{{Role: message.RoleUser, Content: "Hi"}}

func newTestConsumer() (*Consumer, *fakeChannel, *[]Notice) {
	ch := newFakeChannel()
	var notices []Notice
	c := NewConsumer(ch, func(n Notice) { notices = append(notices, n) })
	return c, ch, &notices
}

func TestConsumerStreamsIntoOneMessage(t *testing.T) {
	c, ch, notices := newTestConsumer()

	require.True(t, c.SubmitHistory(question))
	assert.True(t, c.Loading())
	assert.Equal(t, StateAwaiting, c.State())
	ref := ch.lastRef(t)
	assert.NotEmpty(t, ref)

	ch.fire(t, message.EventMessageChunk, message.MessageChunk{Chunk: "He", Ref: ref})
	assert.Equal(t, StateStreaming, c.State())
	ch.fire(t, message.EventMessageChunk, message.MessageChunk{Chunk: "llo", Ref: ref})
	ch.fire(t, message.EventStreamEnd, message.StreamEnd{Ref: ref})

	assert.False(t, c.Loading())
	assert.Equal(t, message.History{
		{Role: message.RoleUser, Content: "Hi"},
		{Role: message.RoleAssistant, Content: "Hello"},
	}, c.Messages())
	assert.Empty(t, c.Err())

	require.Len(t, *notices, 3)
	assert.Equal(t, Notice{Event: message.EventStreamEnd}, (*notices)[2])
}

func TestConsumerAcceptsUntaggedEvents(t *testing.T) {
	c, ch, _ := newTestConsumer()
	require.True(t, c.SubmitHistory(question))

	ch.fire(t, message.EventMessageChunk, map[string]string{"chunk": "Hello"})
	ch.fire(t, message.EventStreamEnd, map[string]string{})

	assert.False(t, c.Loading())
	assert.Equal(t, "Hello", c.Messages()[1].Content)
}

func TestConsumerRejectsWhileBusyOrOffline(t *testing.T) {
	c, ch, notices := newTestConsumer()

	require.True(t, c.SubmitHistory(question))
	ref := ch.lastRef(t)
	assert.False(t, c.SubmitHistory(question))
	assert.Len(t, ch.Sent(), 1)
	assert.Equal(t, "Cannot send message: a response is still streaming.", c.Err())
	assert.Equal(t, Notice{Event: message.EventError, Text: "Cannot send message: a response is still streaming."}, (*notices)[len(*notices)-1])

	// The stream in progress is unaffected.
	assert.Equal(t, StateAwaiting, c.State())
	ch.fire(t, message.EventMessageChunk, message.MessageChunk{Chunk: "Hey", Ref: ref})
	ch.fire(t, message.EventStreamEnd, message.StreamEnd{Ref: ref})
	assert.Equal(t, "Hey", c.Messages()[1].Content)
	assert.False(t, c.Loading())

	ch.setConnected(false)
	assert.False(t, c.SubmitHistory(question))
	assert.Equal(t, "Cannot send message: Not connected.", c.Err())
	assert.False(t, c.Loading())
	assert.Equal(t, Notice{Event: message.EventError, Text: "Cannot send message: Not connected."}, (*notices)[len(*notices)-1])
}

func TestConsumerServerError(t *testing.T) {
	c, ch, _ := newTestConsumer()
	require.True(t, c.SubmitHistory(question))
	ref := ch.lastRef(t)

	ch.fire(t, message.EventMessageChunk, message.MessageChunk{Chunk: "Par", Ref: ref})
	ch.fire(t, message.EventError, message.ErrorEvent{Message: "worker disconnected", Ref: ref})

	assert.False(t, c.Loading())
	assert.Equal(t, "Server error: worker disconnected", c.Err())
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Par", msgs[1].Content)

	// The next submission clears the error.
	require.True(t, c.SubmitHistory(append(msgs, message.Message{Role: message.RoleUser, Content: "again"})))
	assert.Empty(t, c.Err())
}

func TestConsumerDisconnectMidStream(t *testing.T) {
	c, ch, _ := newTestConsumer()
	require.True(t, c.SubmitHistory(question))
	ref := ch.lastRef(t)
	ch.fire(t, message.EventMessageChunk, message.MessageChunk{Chunk: "Par", Ref: ref})

	ch.setConnected(false)
	ch.fire(t, message.EventDisconnect, transport.ReasonTransportError)

	assert.False(t, c.Loading())
	assert.Equal(t, "Disconnected. Trying to reconnect...", c.Err())
	assert.Equal(t, "Par", c.Messages()[1].Content)

	// Late events from the old stream change nothing.
	ch.fire(t, message.EventMessageChunk, message.MessageChunk{Chunk: "tial", Ref: ref})
	assert.Equal(t, "Par", c.Messages()[1].Content)

	ch.setConnected(true)
	ch.fire(t, message.EventConnect, nil)
	assert.Empty(t, c.Err())
}

func TestConsumerClientDisconnectKeepsErrorClear(t *testing.T) {
	c, ch, _ := newTestConsumer()
	ch.fire(t, message.EventDisconnect, transport.ReasonClientDisconnect)
	assert.Empty(t, c.Err())
}

func TestConsumerConnectError(t *testing.T) {
	c, ch, _ := newTestConsumer()
	require.True(t, c.SubmitHistory(question))

	ch.fire(t, message.EventConnectError, "dial failed: connection refused")
	assert.False(t, c.Loading())
	assert.Equal(t, "Connection failed: dial failed: connection refused", c.Err())
}

func TestConsumerAbandon(t *testing.T) {
	c, ch, _ := newTestConsumer()
	require.True(t, c.SubmitHistory(question))
	old := ch.lastRef(t)
	ch.fire(t, message.EventMessageChunk, message.MessageChunk{Chunk: "Once upon", Ref: old})

	c.Abandon()
	assert.False(t, c.Loading())
	sends := ch.Sent()
	assert.Equal(t, message.EventCancel, sends[len(sends)-1].Event)

	// Events arriving while idle are ignored.
	ch.fire(t, message.EventMessageChunk, message.MessageChunk{Chunk: " a time", Ref: old})
	assert.Equal(t, "Once upon", c.Messages()[1].Content)

	// A new stream ignores the abandoned stream's late events.
	c.Load(message.History{})
	require.True(t, c.SubmitHistory(question))
	ref := ch.lastRef(t)
	require.NotEqual(t, old, ref)

	ch.fire(t, message.EventMessageChunk, message.MessageChunk{Chunk: "stale", Ref: old})
	ch.fire(t, message.EventStreamEnd, message.StreamEnd{Ref: old})
	assert.Equal(t, StateAwaiting, c.State())

	ch.fire(t, message.EventMessageChunk, message.MessageChunk{Chunk: "fresh", Ref: ref})
	ch.fire(t, message.EventStreamEnd, message.StreamEnd{Ref: ref})
	assert.Equal(t, message.History{
		{Role: message.RoleUser, Content: "Hi"},
		{Role: message.RoleAssistant, Content: "fresh"},
	}, c.Messages())

	// Abandoning while idle sends nothing.
	n := len(ch.Sent())
	c.Abandon()
	assert.Len(t, ch.Sent(), n)
}
