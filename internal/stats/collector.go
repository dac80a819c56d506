// Package stats holds the in-process counter actor. All counter state is
// owned by a single goroutine and is reached only through its mailbox.
package stats

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrStopped is returned by queries made after Stop.
var ErrStopped = errors.New("stats collector stopped")

const mailboxSize = 256

// Counter is one named value in a report.
type Counter struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

type message struct {
	collect      *Counter
	timeout      string
	flush        chan []Counter
	timeoutsResp chan []Counter
}

// Collector aggregates dynamic counters and per-backend transaction timeouts.
type Collector struct {
	logger  *slog.Logger
	mailbox chan message
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Start launches the actor goroutine.
func Start(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		logger:  logger,
		mailbox: make(chan message, mailboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Collector) run() {
	defer close(c.stopped)
	data := make(map[string]int64)
	timeouts := make(map[string]int64)

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.mailbox:
			switch {
			case msg.collect != nil:
				data[msg.collect.Key] += msg.collect.Value
			case msg.timeout != "":
				timeouts[msg.timeout]++
			case msg.flush != nil:
				msg.flush <- report(data)
				data = make(map[string]int64)
			case msg.timeoutsResp != nil:
				msg.timeoutsResp <- report(timeouts)
			}
		}
	}
}

func report(m map[string]int64) []Counter {
	out := make([]Counter, 0, len(m))
	for k, v := range m {
		out = append(out, Counter{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (c *Collector) send(msg message) bool {
	select {
	case <-c.done:
		return false
	case c.mailbox <- msg:
		return true
	}
}

// Collect adds value to the counter named key.
func (c *Collector) Collect(key string, value int64) {
	if !c.send(message{collect: &Counter{Key: key, Value: value}}) {
		c.logger.Warn("failed to register dynamic stats value", "key", key)
	}
}

// RecordTimeout counts one expired transaction towards backendID.
func (c *Collector) RecordTimeout(backendID string) {
	if backendID == "" {
		return
	}
	if !c.send(message{timeout: backendID}) {
		c.logger.Warn("failed to register backend timeout", "backend_id", backendID)
	}
}

// Flush returns the collected counters and resets them.
func (c *Collector) Flush(ctx context.Context) ([]Counter, error) {
	resp := make(chan []Counter, 1)
	return c.query(ctx, message{flush: resp}, resp)
}

// Timeouts returns cumulative timeout counts per backend. They are never reset.
func (c *Collector) Timeouts(ctx context.Context) ([]Counter, error) {
	resp := make(chan []Counter, 1)
	return c.query(ctx, message{timeoutsResp: resp}, resp)
}

func (c *Collector) query(ctx context.Context, msg message, resp chan []Counter) ([]Counter, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrStopped
	case c.mailbox <- msg:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopped:
		return nil, ErrStopped
	case out := <-resp:
		return out, nil
	}
}

// Stop terminates the actor. Safe to call more than once.
func (c *Collector) Stop() {
	c.once.Do(func() { close(c.done) })
	<-c.stopped
}
