package hub

import "fmt"

// Policy picks a worker for the next request. Pick is called with the
// registry lock held and receives the connected workers in registration
// order; it must not retain the slice.
type Policy interface {
	Name() string
	Pick(workers []*Worker) *Worker
}

// FirstAvailable always picks the earliest registered worker.
type FirstAvailable struct{}

func (*FirstAvailable) Name() string { return "first" }

func (*FirstAvailable) Pick(workers []*Worker) *Worker {
	if len(workers) == 0 {
		return nil
	}
	return workers[0]
}

// RoundRobin cycles through the workers.
type RoundRobin struct {
	next int
}

func (*RoundRobin) Name() string { return "round-robin" }

func (p *RoundRobin) Pick(workers []*Worker) *Worker {
	if len(workers) == 0 {
		return nil
	}
	w := workers[p.next%len(workers)]
	p.next = (p.next + 1) % len(workers)
	return w
}

// LeastLoaded picks the worker with the fewest in-flight requests, earliest
// registration winning ties.
type LeastLoaded struct{}

func (*LeastLoaded) Name() string { return "least-loaded" }

func (*LeastLoaded) Pick(workers []*Worker) *Worker {
	var best *Worker
	for _, w := range workers {
		if best == nil || w.inflight < best.inflight {
			best = w
		}
	}
	return best
}

func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "first":
		return &FirstAvailable{}, nil
	case "round-robin":
		return &RoundRobin{}, nil
	case "least-loaded":
		return &LeastLoaded{}, nil
	default:
		return nil, fmt.Errorf("unknown worker selection policy %q", name)
	}
}
