package node

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/juanpablocruz/roreplica/pkg/heartbeat"
	"github.com/juanpablocruz/roreplica/pkg/transport"
	"github.com/juanpablocruz/roreplica/pkg/wire"
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateEstablished
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	default:
		return "closed"
	}
}

// Connection owns one transport to a source. Its goroutine does framing
// only; packet semantics belong to the node's dispatch loop.
type Connection struct {
	id   string
	url  string
	node *Node

	wmu sync.Mutex
	rwc io.ReadWriteCloser
	w   *wire.Writer

	state   atomic.Int32
	dialect atomic.Int32
	hb      *heartbeat.Timer

	misses   atomic.Int32
	suspect  atomic.Bool
	lastPong atomic.Int64

	errMu sync.Mutex
	err   error

	// set by the dispatch loop when it rejects this connection; frames still
	// queued behind the rejected one are discarded
	dropped atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (n *Node) newConnection(rawURL string) *Connection {
	ctx, cancel := context.WithCancel(n.ctx)
	c := &Connection{
		id:   uuid.NewString(),
		url:  rawURL,
		node: n,
		ctx:  ctx, cancel: cancel,
	}
	c.hb = heartbeat.New(n.hbEvery, c.onHeartbeat)
	return c
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) URL() string      { return c.url }
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// Dialect reports how the source framed its handshake.
func (c *Connection) Dialect() wire.Dialect { return wire.Dialect(c.dialect.Load()) }

// Err returns the error that ended the connection, if any.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// LastPong returns when the source last answered a ping.
func (c *Connection) LastPong() time.Time {
	ns := c.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Done is closed when the connection starts tearing down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// Close tears the connection down from outside.
func (c *Connection) Close() { c.fail(ErrClosedLocally) }

// WriteFrame writes an encoded frame. Writes from the dispatch loop, replica
// calls and the heartbeat are serialized.
func (c *Connection) WriteFrame(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.w == nil || c.ctx.Err() != nil {
		return transport.ErrClosed
	}
	if err := c.w.WriteFrame(frame); err != nil {
		werr := &transport.Error{Op: "write", URL: c.url, Err: err}
		c.fail(werr)
		return werr
	}
	if k, err := wire.KindOf(frame[4:]); err == nil {
		c.node.metrics.FrameOut(k.String())
	}
	return nil
}

func (c *Connection) setTransport(rwc io.ReadWriteCloser) {
	c.wmu.Lock()
	c.rwc = rwc
	c.w = wire.NewWriter(rwc)
	c.wmu.Unlock()
}

// fail records the first error and cancels the connection; its own
// goroutine closes the transport and reports the tombstone.
func (c *Connection) fail(err error) {
	c.errMu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.errMu.Unlock()
	if first && err != nil && !errors.Is(err, ErrClosedLocally) {
		lvl := c.node.log.Error
		if errors.Is(err, io.EOF) {
			lvl = c.node.log.Info
		}
		lvl("conn_fail", "conn", c.id, "state", c.State().String(), "err", err)
	}
	c.cancel()
}

func (c *Connection) closeTransport() {
	c.wmu.Lock()
	rwc := c.rwc
	c.wmu.Unlock()
	if rwc != nil {
		_ = rwc.Close()
	}
}

// run is the connection goroutine: dial, read the handshake frame, then
// forward frames to the node inbox until the transport ends.
func (c *Connection) run(dial func(context.Context) (io.ReadWriteCloser, error)) {
	n := c.node
	defer n.wg.Done()
	defer c.finish()

	if dial != nil {
		c.state.Store(int32(StateConnecting))
		rwc, err := dial(c.ctx)
		if err != nil {
			c.fail(err)
			return
		}
		c.setTransport(rwc)
		if c.ctx.Err() != nil {
			return
		}
	}
	c.state.Store(int32(StateHandshaking))

	// unblock the read below when the connection is cancelled
	stop := context.AfterFunc(c.ctx, c.closeTransport)
	defer stop()

	r := wire.NewReader(c.rwc)
	first := true
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			c.fail(c.readError(err))
			return
		}
		k, err := wire.KindOf(frame)
		if err != nil {
			n.metrics.ProtocolError("short_frame")
			c.fail(err)
			return
		}
		if first {
			first = false
			c.dialect.Store(int32(r.Dialect()))
			if k != wire.KindHandshake {
				n.metrics.ProtocolError("no_handshake")
				c.fail(wire.ErrNoHandshake)
				return
			}
			n.log.Debug("dialect", "conn", c.id, "dialect", r.Dialect().String())
			c.hb.Start()
		} else {
			c.alive()
		}
		n.metrics.FrameIn(k.String())
		if !n.push(inboxItem{conn: c.id, frame: frame}) {
			return
		}
	}
}

// readError classifies a read failure. A clean EOF between frames and a
// locally cancelled connection are reported as they are.
func (c *Connection) readError(err error) error {
	if c.ctx.Err() != nil {
		return ErrClosedLocally
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if errors.Is(err, wire.ErrProtocol) {
		c.node.metrics.ProtocolError("framing")
		return err
	}
	return &transport.Error{Op: "read", URL: c.url, Err: err}
}

func (c *Connection) finish() {
	c.hb.Stop()
	c.cancel()
	c.closeTransport()
	c.state.Store(int32(StateClosed))
	c.node.push(inboxItem{conn: c.id})
}
