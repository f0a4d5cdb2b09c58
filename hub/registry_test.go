package hub

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/hizkifw/lmrelay/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	Event   string
	Payload any
}

// fakeOrigin records every event delivered to it.
type fakeOrigin struct {
	id string

	mu     sync.Mutex
	events []sentEvent
}

func newFakeOrigin(id string) *fakeOrigin {
	return &fakeOrigin{id: id}
}

func (o *fakeOrigin) Id() string { return o.id }

func (o *fakeOrigin) Send(event string, payload any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, sentEvent{event, payload})
	return nil
}

func (o *fakeOrigin) Events() []sentEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]sentEvent(nil), o.events...)
}

func (o *fakeOrigin) Text() string {
	var sb strings.Builder
	for _, e := range o.Events() {
		if c, ok := e.Payload.(message.MessageChunk); ok {
			sb.WriteString(c.Chunk)
		}
	}
	return sb.String()
}

// fakeSender records frames sent to a worker and optionally fails.
type fakeSender struct {
	mu     sync.Mutex
	frames []message.Frame
	err    error
}

func (s *fakeSender) SendFrame(f message.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) Frames() []message.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Frame(nil), s.frames...)
}

func TestRegistryRoutesByID(t *testing.T) {
	r := NewRegistry(nil, nil)
	w := NewWorker("w1", "test", &fakeSender{})
	r.Register(w)

	a, b := newFakeOrigin("a"), newFakeOrigin("b")
	pa, err := r.Begin(a, "ra")
	require.NoError(t, err)
	pb, err := r.Begin(b, "")
	require.NoError(t, err)
	_, err = r.Claim(pa)
	require.NoError(t, err)
	_, err = r.Claim(pb)
	require.NoError(t, err)

	// Interleaved streams stay separate.
	assert.True(t, r.Route(message.Chunk{Id: pa.Id, Content: "He"}))
	assert.True(t, r.Route(message.Chunk{Id: pb.Id, Content: "Wor"}))
	assert.True(t, r.Route(message.Chunk{Id: pa.Id, Content: "llo"}))
	assert.True(t, r.Route(message.Chunk{Id: pb.Id, Content: "ld"}))
	assert.True(t, r.Route(message.End{Id: pa.Id}))
	assert.True(t, r.Route(message.Failure{Id: pb.Id, Message: "model crashed"}))

	assert.Equal(t, "Hello", a.Text())
	assert.Equal(t, "World", b.Text())

	ea := a.Events()
	require.Len(t, ea, 3)
	assert.Equal(t, message.MessageChunk{Chunk: "He", Ref: "ra"}, ea[0].Payload)
	assert.Equal(t, message.EventStreamEnd, ea[2].Event)
	assert.Equal(t, message.StreamEnd{Ref: "ra"}, ea[2].Payload)

	eb := b.Events()
	require.Len(t, eb, 3)
	assert.Equal(t, message.EventError, eb[2].Event)
	assert.Equal(t, message.ErrorEvent{Message: "model crashed"}, eb[2].Payload)

	assert.Equal(t, StateCompleted, pa.State)
	assert.Equal(t, StateErrored, pb.State)
	assert.Zero(t, r.PendingCount())
	assert.Zero(t, r.Workers()[0].InFlight)
}

func TestRegistryDropsUnmatchedFrames(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(NewWorker("w1", "test", &fakeSender{}))

	o := newFakeOrigin("a")
	p, err := r.Begin(o, "")
	require.NoError(t, err)

	assert.False(t, r.Route(message.Chunk{Id: "nope", Content: "x"}))
	assert.False(t, r.Route(message.End{Id: "nope"}))
	assert.False(t, r.Route(message.Available{}))

	assert.Empty(t, o.Events())
	assert.Equal(t, 1, r.PendingCount())
	assert.Equal(t, StateDispatched, p.State)

	// After completion, a late chunk for the same id is also dropped.
	require.True(t, r.Route(message.End{Id: p.Id}))
	assert.False(t, r.Route(message.Chunk{Id: p.Id, Content: "late"}))
	assert.Len(t, o.Events(), 1)
}

func TestRegistrySingleActivePerOrigin(t *testing.T) {
	r := NewRegistry(nil, nil)
	o := newFakeOrigin("a")

	p, err := r.Begin(o, "")
	require.NoError(t, err)

	_, err = r.Begin(o, "")
	assert.ErrorIs(t, err, ErrRequestInFlight)
	assert.Equal(t, 1, r.PendingCount())

	// A different origin is unaffected.
	_, err = r.Begin(newFakeOrigin("b"), "")
	assert.NoError(t, err)

	require.True(t, r.Route(message.End{Id: p.Id}))
	_, err = r.Begin(o, "")
	assert.NoError(t, err)
}

func TestRegistryUnregisterFailsAttributedRequests(t *testing.T) {
	r := NewRegistry(nil, nil)
	w1 := NewWorker("w1", "test", &fakeSender{})
	w2 := NewWorker("w2", "test", &fakeSender{})
	r.Register(w1)
	r.Register(w2)

	const n = 3
	origins := make([]*fakeOrigin, n)
	for i := range origins {
		origins[i] = newFakeOrigin(fmt.Sprintf("o%d", i))
		p, err := r.Begin(origins[i], "")
		require.NoError(t, err)
		w, err := r.Claim(p)
		require.NoError(t, err)
		require.Equal(t, w1.Id, w.Id)
		r.Route(message.Chunk{Id: p.Id, Content: "Par"})
	}

	// A request on another worker survives.
	other := newFakeOrigin("other")
	po, err := r.Begin(other, "")
	require.NoError(t, err)
	r.SetPolicy(&LeastLoaded{})
	w, err := r.Claim(po)
	require.NoError(t, err)
	require.Equal(t, w2.Id, w.Id)

	assert.Equal(t, n, r.Unregister(w1.Id))

	for _, o := range origins {
		events := o.Events()
		require.Len(t, events, 2)
		assert.Equal(t, message.EventError, events[1].Event)
		assert.Equal(t, message.ErrorEvent{Message: ErrWorkerLost.Error()}, events[1].Payload)
		assert.Equal(t, "Par", o.Text())

		_, active := r.Active(o.Id())
		assert.False(t, active)
	}
	assert.Empty(t, other.Events())
	assert.Equal(t, 1, r.PendingCount())
	require.Len(t, r.Workers(), 1)
	assert.Equal(t, "w2", r.Workers()[0].Name)

	// Unregistering again is a no-op.
	assert.Zero(t, r.Unregister(w1.Id))
}

func TestRegistryCancel(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(NewWorker("w1", "test", &fakeSender{}))
	o := newFakeOrigin("a")

	p, err := r.Begin(o, "")
	require.NoError(t, err)
	_, err = r.Claim(p)
	require.NoError(t, err)

	assert.True(t, r.Cancel(o.Id()))
	assert.False(t, r.Cancel(o.Id()))
	assert.Equal(t, StateCancelled, p.State)

	select {
	case <-p.Done():
	default:
		t.Fatal("cancelled request not done")
	}

	// The worker keeps streaming but nothing reaches the origin.
	assert.False(t, r.Route(message.Chunk{Id: p.Id, Content: "x"}))
	assert.False(t, r.Route(message.End{Id: p.Id}))
	assert.Empty(t, o.Events())
	assert.Zero(t, r.Workers()[0].InFlight)

	// Claiming a cancelled request fails.
	_, err = r.Claim(p)
	assert.True(t, errors.Is(err, errPendingGone))
}

func TestRegistryClaimWithoutWorkers(t *testing.T) {
	r := NewRegistry(nil, nil)
	p, err := r.Begin(newFakeOrigin("a"), "")
	require.NoError(t, err)

	_, err = r.Claim(p)
	assert.ErrorIs(t, err, ErrNoWorker)

	w := NewWorker("w1", "test", &fakeSender{})
	r.Register(w)
	got, err := r.Claim(p)
	require.NoError(t, err)
	assert.Equal(t, w.Id, got.Id)
	assert.Equal(t, w.Id, p.WorkerId)
	assert.Equal(t, 1, r.Workers()[0].InFlight)

	assert.True(t, r.Release(p))
	assert.Empty(t, p.WorkerId)
	assert.Zero(t, r.Workers()[0].InFlight)
}

func TestRegistryMarkAvailable(t *testing.T) {
	r := NewRegistry(nil, nil)
	w := NewWorker("w1", "127.0.0.1:1234", &fakeSender{})
	r.Register(w)
	assert.False(t, r.Workers()[0].Available)

	r.MarkAvailable(w.Id)
	r.MarkAvailable("unknown")

	infos := r.Workers()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Available)
	assert.Equal(t, "127.0.0.1:1234", infos[0].RemoteAddr)
}
