package agent

import (
	"strings"
	"time"
)

// coalescer batches small deltas into larger chunks. A chunk is emitted once
// the buffer holds at least minBytes or interval has elapsed since the last
// emit. Concatenating the emitted chunks always yields the written text.
type coalescer struct {
	minBytes int
	interval time.Duration
	emit     func(string) error
	now      func() time.Time

	buf  strings.Builder
	last time.Time
}

func newCoalescer(minBytes int, interval time.Duration, emit func(string) error) *coalescer {
	c := &coalescer{
		minBytes: minBytes,
		interval: interval,
		emit:     emit,
		now:      time.Now,
	}
	c.last = c.now()
	return c
}

func (c *coalescer) Write(s string) error {
	c.buf.WriteString(s)
	if c.buf.Len() >= c.minBytes || c.now().Sub(c.last) >= c.interval {
		return c.Flush()
	}
	return nil
}

func (c *coalescer) Flush() error {
	c.last = c.now()
	if c.buf.Len() == 0 {
		return nil
	}
	s := c.buf.String()
	c.buf.Reset()
	return c.emit(s)
}
