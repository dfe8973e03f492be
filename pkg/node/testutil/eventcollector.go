package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/juanpablocruz/roreplica/pkg/node"
)

// EventCollector buffers a node's events so tests can wait on conditions
// over everything emitted so far.
type EventCollector struct {
	ch     chan node.Event
	notify chan struct{}

	mu  sync.Mutex
	buf []node.Event

	cancel context.CancelFunc
}

func NewEventCollector(buffer int) *EventCollector {
	return &EventCollector{
		ch:     make(chan node.Event, buffer),
		notify: make(chan struct{}, 1),
	}
}

// Attach installs the collector's channel on n. Call it before n.Start.
func (ec *EventCollector) Attach(n *node.Node) {
	ctx, cancel := context.WithCancel(context.Background())
	ec.cancel = cancel
	n.AttachEvents(ec.ch)
	go ec.loop(ctx)
}

// Detach stops buffering. The node keeps the channel and drops events once
// it fills.
func (ec *EventCollector) Detach(_ *node.Node) {
	if ec.cancel != nil {
		ec.cancel()
	}
}

func (ec *EventCollector) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ec.ch:
			ec.mu.Lock()
			ec.buf = append(ec.buf, e)
			ec.mu.Unlock()
			select {
			case ec.notify <- struct{}{}:
			default:
			}
		}
	}
}

// WaitFor reports whether pred held for the buffered events before timeout.
func (ec *EventCollector) WaitFor(timeout time.Duration, pred func([]node.Event) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		ec.mu.Lock()
		ok := pred(ec.buf)
		ec.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-ec.notify:
		case <-deadline.C:
			return false
		}
	}
}

// Count returns how many buffered events have type t.
func (ec *EventCollector) Count(t node.EventType) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	n := 0
	for _, e := range ec.buf {
		if e.Type == t {
			n++
		}
	}
	return n
}

// HasType matches at least k events of type t.
func HasType(t node.EventType, k int) func([]node.Event) bool {
	return func(evs []node.Event) bool {
		n := 0
		for _, e := range evs {
			if e.Type == t {
				n++
			}
		}
		return n >= k
	}
}

// ConnDown matches the deregistration of connection id.
func ConnDown(id string) func([]node.Event) bool {
	return func(evs []node.Event) bool {
		for _, e := range evs {
			if e.Type == node.EventConnChange && e.Fields["conn"] == id && e.Fields["up"] == false {
				return true
			}
		}
		return false
	}
}
