// Package node runs the replica side of a remote-object connection set: one
// read loop per source connection feeding a single dispatch loop that keeps
// replica caches in sync.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/juanpablocruz/roreplica/pkg/metrics"
	"github.com/juanpablocruz/roreplica/pkg/replica"
	"github.com/juanpablocruz/roreplica/pkg/transport"
)

var (
	ErrStopped          = errors.New("node: stopped")
	ErrDispatchMiss     = errors.New("node: no replica with that name")
	ErrHeartbeatTimeout = errors.New("node: heartbeat timeout")
	ErrClosedLocally    = errors.New("node: connection closed locally")
)

const tracerName = "github.com/juanpablocruz/roreplica/pkg/node"

// inboxItem carries one frame; a nil frame is the tombstone a connection
// sends when its read loop exits.
type inboxItem struct {
	conn  string
	frame []byte
}

type Node struct {
	Name   string
	Events chan Event

	log         *slog.Logger
	metrics     *metrics.Replica
	tp          trace.TracerProvider
	tracer      trace.Tracer
	transports  *transport.Registry
	hbEvery     time.Duration
	hbMissK     int
	inboxSize   int
	dialTimeout time.Duration

	inbox chan inboxItem

	mu      sync.RWMutex
	conns   map[string]*Connection
	caches  map[string]*replica.Cache
	stopped bool // guarded by mu; no wg.Add once set

	started  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Node with defaults and applies options.
func New(name string, opts ...Option) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		Name:        name,
		inboxSize:   64,
		dialTimeout: transport.DefaultDialTimeout,
		conns:       make(map[string]*Connection),
		caches:      make(map[string]*replica.Cache),
		done:        make(chan struct{}),
		ctx:         ctx, cancel: cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if n.log == nil {
		n.log = slog.Default()
	}
	n.log = n.log.With("node", name)
	if n.tp == nil {
		n.tp = otel.GetTracerProvider()
	}
	n.tracer = n.tp.Tracer(tracerName)
	if n.transports == nil {
		n.transports = transport.NewDefaultRegistry()
	}
	n.inbox = make(chan inboxItem, max(n.inboxSize, 0))
	return n
}

func (n *Node) AttachEvents(ch chan Event) { n.Events = ch }

func (n *Node) HeartbeatInterval() time.Duration { return n.hbEvery }

// Start launches the dispatch loop. Connections may be opened before or
// after Start; their frames wait in the inbox.
func (n *Node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || !n.started.CompareAndSwap(false, true) {
		return
	}
	n.wg.Add(1)
	go n.dispatchLoop()
}

// Stop closes every connection and waits for all loops to exit.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		n.mu.Unlock()
		n.cancel()
		n.wg.Wait()
		close(n.done)
		n.log.Info("stopped")
	})
}

// Done is closed once Stop has finished.
func (n *Node) Done() <-chan struct{} { return n.done }

// Acquire returns a new replica of the object called name, creating its
// cache from desc on first use. An empty name means desc.TypeName.
func (n *Node) Acquire(desc *replica.Descriptor, name string) (*replica.Replica, error) {
	if name == "" && desc != nil {
		name = desc.TypeName
	}
	n.mu.Lock()
	c, ok := n.caches[name]
	if ok && !c.Descriptor().Same(desc) {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: %q is %s", replica.ErrTypeMismatch, name, c.Descriptor().TypeName)
	}
	if !ok {
		var err error
		c, err = replica.NewCache(desc, name, n.log)
		if err != nil {
			n.mu.Unlock()
			return nil, err
		}
		n.caches[name] = c
		n.log.Debug("cache_created", "name", name, "type", desc.TypeName)
	}
	n.mu.Unlock()
	return c.Create(), nil
}

// Cache returns the shared cache for name, or nil.
func (n *Node) Cache(name string) *replica.Cache {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.caches[name]
}

// Connection returns the registered connection with id, or nil.
func (n *Node) Connection(id string) *Connection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.conns[id]
}

// Connections returns the registered connections ordered by id.
func (n *Node) Connections() []*Connection {
	n.mu.RLock()
	out := make([]*Connection, 0, len(n.conns))
	for _, c := range n.conns {
		out = append(out, c)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ConnectTo opens a connection to a source. The scheme is resolved now; the
// dial itself happens on the connection's own goroutine, and its failure
// closes only that connection.
func (n *Node) ConnectTo(rawURL string) (*Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &transport.Error{Op: "parse", URL: rawURL, Err: err}
	}
	d, ok := n.transports.Lookup(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q", transport.ErrUnknownScheme, u.Scheme)
	}
	c := n.newConnection(rawURL)
	if err := n.register(c); err != nil {
		return nil, err
	}
	go c.run(func(ctx context.Context) (io.ReadWriteCloser, error) {
		dctx, cancel := context.WithTimeout(ctx, n.dialTimeout)
		defer cancel()
		rwc, err := d(dctx, u)
		if err != nil {
			return nil, &transport.Error{Op: "dial", URL: rawURL, Err: err}
		}
		return rwc, nil
	})
	return c, nil
}

// Attach runs a connection over an already open transport, which the node
// now owns.
func (n *Node) Attach(rwc io.ReadWriteCloser) (*Connection, error) {
	c := n.newConnection("")
	c.setTransport(rwc)
	if err := n.register(c); err != nil {
		_ = rwc.Close()
		return nil, err
	}
	go c.run(nil)
	return c, nil
}

// register adds c and accounts for its goroutine, unless Stop got there
// first.
func (n *Node) register(c *Connection) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		c.cancel()
		return ErrStopped
	}
	n.conns[c.ID()] = c
	n.wg.Add(1)
	n.mu.Unlock()
	n.metrics.ConnOpened()
	n.log.Info("conn_open", "conn", c.ID(), "url", c.url)
	n.emit(EventConnChange, map[string]any{"conn": c.ID(), "up": true, "url": c.url})
	return nil
}

// deregister removes a connection after its tombstone and unbinds every
// cache it served. Cached values stay.
func (n *Node) deregister(id string) {
	n.mu.Lock()
	c, ok := n.conns[id]
	delete(n.conns, id)
	caches := make([]*replica.Cache, 0, len(n.caches))
	for _, rc := range n.caches {
		caches = append(caches, rc)
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	n.metrics.ConnClosed()
	for _, rc := range caches {
		if rc.Unbind(id) {
			n.log.Info("unbound", "conn", id, "name", rc.Name())
		}
	}
	fields := map[string]any{"conn": id, "up": false}
	if err := c.Err(); err != nil {
		fields["err"] = err.Error()
	}
	n.log.Info("conn_closed", "conn", id, "err", c.Err())
	n.emit(EventConnChange, fields)
}

func (n *Node) push(it inboxItem) bool {
	select {
	case n.inbox <- it:
		return true
	case <-n.ctx.Done():
		return false
	}
}

func (n *Node) emit(t EventType, f map[string]any) {
	if n.Events == nil {
		return
	}
	select {
	case n.Events <- Event{Time: time.Now(), Node: n.Name, Type: t, Fields: f}:
	default: // drop if consumer is slow
	}
}
