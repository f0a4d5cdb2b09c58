package hub

import (
	"encoding/json"
	"testing"

	"github.com/hizkifw/lmrelay/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendMessagePayload(t *testing.T, ref string) json.RawMessage {
	data, err := json.Marshal(message.SendMessage{History: hello, Ref: ref})
	require.NoError(t, err)
	return data
}

func TestSendMessageRateLimited(t *testing.T) {
	opts := DefaultServerOpts()
	opts.SubmitRate = 0.001
	opts.SubmitBurst = 1
	s, err := NewServer(&opts)
	require.NoError(t, err)

	o := newFakeOrigin("a")
	limiter := s.newLimiter()

	s.handleSendMessage(o, limiter, sendMessagePayload(t, "r1"))
	assert.Empty(t, o.Events())
	require.True(t, s.registry.Cancel(o.Id()))

	s.handleSendMessage(o, limiter, sendMessagePayload(t, "r2"))
	events := o.Events()
	require.Len(t, events, 1)
	assert.Equal(t, message.ErrorEvent{Message: ErrRateLimited.Error(), Ref: "r2"}, events[0].Payload)
	assert.Zero(t, s.registry.PendingCount())
}

func TestSendMessageRejections(t *testing.T) {
	opts := DefaultServerOpts()
	opts.SubmitRate = 0
	s, err := NewServer(&opts)
	require.NoError(t, err)
	o := newFakeOrigin("a")
	limiter := s.newLimiter()

	s.handleSendMessage(o, limiter, json.RawMessage(`{"history":"nope"}`))
	s.handleSendMessage(o, limiter, json.RawMessage(`{"history":[{"role":"assistant","content":"hi"}],"ref":"r3"}`))

	events := o.Events()
	require.Len(t, events, 2)
	assert.Contains(t, events[0].Payload.(message.ErrorEvent).Message, "invalid send_message payload")
	assert.Equal(t, message.ErrorEvent{Message: "last message must be from 'user'", Ref: "r3"}, events[1].Payload)

	// Unlimited submissions are never throttled.
	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow())
	}
}
