// Package transport resolves URL schemes to byte-stream connectors.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"
)

// Dialer opens a byte stream to the endpoint named by u.
type Dialer func(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error)

var (
	ErrUnknownScheme = errors.New("transport: unknown scheme")
	ErrClosed        = errors.New("transport: closed")
)

// Error wraps a failure on an established or dialing transport.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Registry maps URL schemes to dialers. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

func NewRegistry() *Registry {
	return &Registry{dialers: make(map[string]Dialer)}
}

// Register installs d for scheme, replacing any previous dialer.
func (r *Registry) Register(scheme string, d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[scheme] = d
}

// Lookup returns the dialer for scheme.
func (r *Registry) Lookup(scheme string) (Dialer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialers[scheme]
	return d, ok
}

func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.dialers))
	for s := range r.dialers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Dial parses raw and opens it with the registered dialer.
func (r *Registry) Dial(ctx context.Context, raw string) (io.ReadWriteCloser, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &Error{Op: "parse", URL: raw, Err: err}
	}
	d, ok := r.Lookup(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	rwc, err := d(ctx, u)
	if err != nil {
		return nil, &Error{Op: "dial", URL: raw, Err: err}
	}
	return rwc, nil
}

// DefaultDialTimeout bounds a dial when the context carries no deadline.
const DefaultDialTimeout = 2 * time.Second

// NewDefaultRegistry returns a registry with the network schemes installed:
// tcp, local, unix, ws and wss.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("tcp", DialTCP)
	r.Register("local", DialLocal)
	r.Register("unix", DialUnix)
	r.Register("ws", DialWebSocket)
	r.Register("wss", DialWebSocket)
	return r
}

var defaultRegistry = NewDefaultRegistry()

func Register(scheme string, d Dialer) { defaultRegistry.Register(scheme, d) }

func Dial(ctx context.Context, raw string) (io.ReadWriteCloser, error) {
	return defaultRegistry.Dial(ctx, raw)
}

func Schemes() []string { return defaultRegistry.Schemes() }

func withDialTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultDialTimeout)
}
