package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hizkifw/lmrelay/message"
)

var (
	ErrRequestInFlight = errors.New("a request is already in progress")
	ErrNoWorker        = errors.New("no worker available")
	ErrWorkerLost      = errors.New("worker disconnected")

	errPendingGone = errors.New("request no longer pending")
)

// Origin is the client side of a submission: anything events can be sent to.
type Origin interface {
	Id() string
	Send(event string, payload any) error
}

// FrameSender delivers frames to a worker connection.
type FrameSender interface {
	SendFrame(f message.Frame) error
}

type PendingState string

const (
	StateDispatched PendingState = "dispatched"
	StateStreaming  PendingState = "streaming"
	StateCompleted  PendingState = "completed"
	StateErrored    PendingState = "errored"
	StateCancelled  PendingState = "cancelled"
)

// Pending correlates an in-flight worker request with the origin that
// submitted it. It is owned by the Registry.
type Pending struct {
	Id        string
	Ref       string
	Origin    Origin
	WorkerId  string
	State     PendingState
	CreatedAt time.Time

	done chan struct{}
}

// Done is closed once the request reaches a terminal state.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

type Worker struct {
	Id          string
	Name        string
	RemoteAddr  string
	ConnectedAt time.Time

	conn      FrameSender
	available bool
	inflight  int
}

func NewWorker(name, remoteAddr string, conn FrameSender) *Worker {
	return &Worker{
		Id:          message.NewId(),
		Name:        name,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
	}
}

type WorkerInfo struct {
	Id          string    `json:"id"`
	Name        string    `json:"name"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Available   bool      `json:"available"`
	InFlight    int       `json:"in_flight"`
}

// Registry tracks connected workers and pending requests, and routes worker
// frames back to origins by request id.
type Registry struct {
	mu      sync.Mutex
	workers []*Worker
	pending map[string]*Pending
	active  map[string]*Pending
	policy  Policy
	log     *slog.Logger
}

func NewRegistry(policy Policy, logger *slog.Logger) *Registry {
	if policy == nil {
		policy = &FirstAvailable{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pending: make(map[string]*Pending),
		active:  make(map[string]*Pending),
		policy:  policy,
		log:     logger.With("component", "registry"),
	}
}

func (r *Registry) SetPolicy(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
	r.log.Info("worker selection policy changed", "policy", p.Name())
}

func (r *Registry) Register(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = append(r.workers, w)
	r.log.Info("worker registered", "worker", w.Id, "name", w.Name, "workers", len(r.workers))
}

func (r *Registry) MarkAvailable(workerId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w := r.findWorkerLocked(workerId); w != nil {
		w.available = true
		r.log.Info("worker available", "worker", workerId)
	}
}

// Unregister removes a worker and fails every request attributed to it.
// It returns the number of requests that were failed.
func (r *Registry) Unregister(workerId string) int {
	r.mu.Lock()
	for i, w := range r.workers {
		if w.Id == workerId {
			r.workers = append(r.workers[:i:i], r.workers[i+1:]...)
			break
		}
	}

	var lost []*Pending
	for _, p := range r.pending {
		if p.WorkerId == workerId {
			lost = append(lost, p)
		}
	}
	for _, p := range lost {
		r.finishLocked(p, StateErrored)
	}
	remaining := len(r.workers)
	r.mu.Unlock()

	r.log.Info("worker unregistered", "worker", workerId, "failed_requests", len(lost), "workers", remaining)
	for _, p := range lost {
		r.notify(p, message.EventError, message.ErrorEvent{Message: ErrWorkerLost.Error(), Ref: p.Ref})
	}
	return len(lost)
}

// Begin records a new pending request for origin. An origin may only have
// one active request at a time.
func (r *Registry) Begin(origin Origin, ref string) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.active[origin.Id()]; busy {
		return nil, ErrRequestInFlight
	}

	p := &Pending{
		Id:        message.NewId(),
		Ref:       ref,
		Origin:    origin,
		State:     StateDispatched,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
	r.pending[p.Id] = p
	r.active[origin.Id()] = p
	return p, nil
}

// Claim selects a worker for p with the current policy and attributes p to
// it. It fails with ErrNoWorker when no worker is connected.
func (r *Registry) Claim(p *Pending) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending[p.Id] != p {
		return nil, errPendingGone
	}
	if len(r.workers) == 0 {
		return nil, ErrNoWorker
	}
	w := r.policy.Pick(r.workers)
	if w == nil {
		return nil, ErrNoWorker
	}
	p.WorkerId = w.Id
	w.inflight++
	return w, nil
}

// Release undoes a Claim so that p can be offered to another worker.
func (r *Registry) Release(p *Pending) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending[p.Id] != p {
		return false
	}
	if w := r.findWorkerLocked(p.WorkerId); w != nil {
		w.inflight--
	}
	p.WorkerId = ""
	return true
}

// Fail terminates p with an error sent to its origin.
func (r *Registry) Fail(p *Pending, reason string) bool {
	r.mu.Lock()
	if r.pending[p.Id] != p {
		r.mu.Unlock()
		return false
	}
	r.finishLocked(p, StateErrored)
	r.mu.Unlock()

	r.notify(p, message.EventError, message.ErrorEvent{Message: reason, Ref: p.Ref})
	return true
}

// Cancel drops the active request of an origin without notifying anyone.
// Frames that arrive for it later are discarded.
func (r *Registry) Cancel(originId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.active[originId]
	if !ok {
		return false
	}
	r.finishLocked(p, StateCancelled)
	r.log.Info("request cancelled", "request", p.Id, "origin", originId)
	return true
}

// Route delivers a response frame to the origin of its request. It reports
// whether a pending request matched; unmatched frames change nothing.
func (r *Registry) Route(f message.Frame) bool {
	cf, ok := f.(message.Correlated)
	if !ok {
		return false
	}

	r.mu.Lock()
	p, ok := r.pending[cf.RequestId()]
	if !ok {
		r.mu.Unlock()
		return false
	}

	var (
		event   string
		payload any
	)
	switch f := f.(type) {
	case message.Chunk:
		p.State = StateStreaming
		event, payload = message.EventMessageChunk, message.MessageChunk{Chunk: f.Content, Ref: p.Ref}
	case message.End:
		r.finishLocked(p, StateCompleted)
		event, payload = message.EventStreamEnd, message.StreamEnd{Ref: p.Ref}
	case message.Failure:
		r.finishLocked(p, StateErrored)
		event, payload = message.EventError, message.ErrorEvent{Message: f.Message, Ref: p.Ref}
	default:
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	r.notify(p, event, payload)
	return true
}

func (r *Registry) Workers() []WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		infos = append(infos, WorkerInfo{
			Id:          w.Id,
			Name:        w.Name,
			RemoteAddr:  w.RemoteAddr,
			ConnectedAt: w.ConnectedAt,
			Available:   w.available,
			InFlight:    w.inflight,
		})
	}
	return infos
}

func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Active returns the state of the origin's active request, if any.
func (r *Registry) Active(originId string) (PendingState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.active[originId]
	if !ok {
		return "", false
	}
	return p.State, true
}

func (r *Registry) finishLocked(p *Pending, state PendingState) {
	p.State = state
	delete(r.pending, p.Id)
	if r.active[p.Origin.Id()] == p {
		delete(r.active, p.Origin.Id())
	}
	if w := r.findWorkerLocked(p.WorkerId); w != nil {
		w.inflight--
	}
	close(p.done)
}

func (r *Registry) findWorkerLocked(id string) *Worker {
	if id == "" {
		return nil
	}
	for _, w := range r.workers {
		if w.Id == id {
			return w
		}
	}
	return nil
}

func (r *Registry) notify(p *Pending, event string, payload any) {
	if err := p.Origin.Send(event, payload); err != nil {
		r.log.Warn("failed to deliver event to origin", "origin", p.Origin.Id(), "request", p.Id, "event", event, "error", err)
	}
}
