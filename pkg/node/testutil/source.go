package testutil

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/juanpablocruz/roreplica/pkg/packet"
	"github.com/juanpablocruz/roreplica/pkg/transport"
	"github.com/juanpablocruz/roreplica/pkg/wire"
)

// Source is a scripted stand-in for a remote source, listening on an
// in-memory switch.
type Source struct {
	l *transport.Listener
}

func NewSource(sw *transport.Switch, name string) (*Source, error) {
	l, err := sw.Listen(name)
	if err != nil {
		return nil, err
	}
	return &Source{l: l}, nil
}

// URL is the address a node dials to reach this source.
func (s *Source) URL() string { return "mem://" + s.l.Name() }

func (s *Source) Accept(ctx context.Context) (*Peer, error) {
	c, err := s.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return NewPeer(c), nil
}

func (s *Source) Close() { s.l.Close() }

// Peer is the source end of one connection. Frames written by the replica
// are collected in the background so the replica never blocks on writes.
type Peer struct {
	conn   net.Conn
	frames chan []byte
	done   chan struct{}

	wmu sync.Mutex
}

func NewPeer(c net.Conn) *Peer {
	p := &Peer{conn: c, frames: make(chan []byte, 256), done: make(chan struct{})}
	go p.readLoop()
	return p
}

func (p *Peer) readLoop() {
	defer close(p.done)
	r := wire.NewReader(p.conn)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		select {
		case p.frames <- f:
		default: // drop if the test stopped reading
		}
	}
}

// SendRaw writes bytes exactly as given.
func (p *Peer) SendRaw(b []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := p.conn.Write(b)
	return err
}

func (p *Peer) Send(pk packet.Packet) error {
	f, err := packet.Encode(pk)
	if err != nil {
		return err
	}
	return p.SendRaw(f)
}

// Handshake announces the current protocol version in the plain dialect.
func (p *Peer) Handshake() error {
	return p.Send(packet.Handshake{Version: wire.VersionQtRO13})
}

var ErrNoFrame = errors.New("testutil: no frame before timeout")

// Next returns the next frame the replica wrote, without its length prefix.
func (p *Peer) Next(timeout time.Duration) ([]byte, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-time.After(timeout):
		return nil, ErrNoFrame
	}
}

// NextPacket is Next followed by packet.Decode.
func (p *Peer) NextPacket(timeout time.Duration) (packet.Packet, error) {
	f, err := p.Next(timeout)
	if err != nil {
		return nil, err
	}
	return packet.Decode(f)
}

// Closed is closed once the replica side has closed the connection.
func (p *Peer) Closed() <-chan struct{} { return p.done }

func (p *Peer) Close() { _ = p.conn.Close() }
