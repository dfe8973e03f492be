package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WriteTimeout bounds every write so a stalled peer cannot block the caller.
const WriteTimeout = 5 * time.Second

// streamConn serializes writes and applies the write deadline.
type streamConn struct {
	net.Conn
	wmu sync.Mutex
}

func (c *streamConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	n, err := c.Conn.Write(p)
	// clear deadline for future ops
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return n, err
}

func dialNet(ctx context.Context, network, addr string) (io.ReadWriteCloser, error) {
	ctx, cancel := withDialTimeout(ctx)
	defer cancel()
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return &streamConn{Conn: c}, nil
}

// DialTCP handles tcp://host:port.
func DialTCP(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	if u.Host == "" {
		return nil, errors.New("tcp url has no host")
	}
	return dialNet(ctx, "tcp", u.Host)
}

// DialUnix handles unix:///path/to/socket.
func DialUnix(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	if p == "" {
		return nil, errors.New("unix url has no path")
	}
	return dialNet(ctx, "unix", p)
}

// DialLocal handles local:name, a named local socket. Relative names live in
// the temp directory.
func DialLocal(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	name := u.Opaque
	if name == "" {
		name = u.Host + u.Path
	}
	if name == "" {
		return nil, errors.New("local url has no name")
	}
	return dialNet(ctx, "unix", LocalSocketPath(name))
}

func LocalSocketPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(os.TempDir(), name)
}
