package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
)

var ErrNoListener = errors.New("transport: no listener")

// Switch is an in-process network of named listeners. Dialing mem://name
// hands one end of a synchronous pipe to the listener registered as name.
type Switch struct {
	mu        sync.RWMutex
	listeners map[string]*Listener
}

func NewSwitch() *Switch {
	return &Switch{listeners: make(map[string]*Listener)}
}

// Listener accepts connections dialed to its name.
type Listener struct {
	sw     *Switch
	name   string
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func (s *Switch) Listen(name string) (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listeners[name]; exists {
		return nil, fmt.Errorf("address already in use: %s", name)
	}
	l := &Listener{sw: s, name: name, conns: make(chan net.Conn, 16), closed: make(chan struct{})}
	s.listeners[name] = l
	return l, nil
}

// Register installs the switch under the mem scheme of r.
func (s *Switch) Register(r *Registry) { r.Register("mem", s.Dial) }

// Dial handles mem://name and mem:name.
func (s *Switch) Dial(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	name := u.Host
	if name == "" {
		name = u.Opaque
	}
	s.mu.RLock()
	l, ok := s.listeners[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoListener, name)
	}
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
	case <-ctx.Done():
	}
	_ = client.Close()
	_ = server.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrClosed
}

func (l *Listener) Name() string { return l.name }

// Accept blocks until a peer dials this listener, ctx ends or the listener
// is closed.
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-l.conns:
		return c, nil
	}
}

func (l *Listener) Close() {
	l.once.Do(func() {
		close(l.closed)
		l.sw.mu.Lock()
		if cur, ok := l.sw.listeners[l.name]; ok && cur == l {
			delete(l.sw.listeners, l.name)
		}
		l.sw.mu.Unlock()
	})
}
