package transport

import (
	"context"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn presents a websocket as a byte stream. Each Write becomes one binary
// message; reads drain messages back to back.
type wsConn struct {
	c *websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex
}

// NewWebSocketStream adapts an open websocket connection.
func NewWebSocketStream(c *websocket.Conn) io.ReadWriteCloser { return &wsConn{c: c} }

// DialWebSocket handles ws:// and wss:// URLs.
func DialWebSocket(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	ctx, cancel := withDialTimeout(ctx)
	defer cancel()
	c, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketStream(c), nil
}

func (w *wsConn) Read(p []byte) (int, error) {
	w.rmu.Lock()
	defer w.rmu.Unlock()
	for {
		if w.r == nil {
			_, r, err := w.c.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			w.r = r
		}
		n, err := w.r.Read(p)
		if err == io.EOF {
			w.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := w.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	w.wmu.Lock()
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.wmu.Unlock()
	return w.c.Close()
}
