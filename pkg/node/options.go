package node

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/juanpablocruz/roreplica/pkg/metrics"
	"github.com/juanpablocruz/roreplica/pkg/transport"
)

// Option configures a Node in New.
type Option func(*Node)

// WithHeartbeat sets the keep-alive interval for every connection. Zero
// disables heartbeats.
func WithHeartbeat(every time.Duration) Option {
	return func(n *Node) { n.hbEvery = every }
}

// WithHeartbeatMisses drops a connection after k consecutive pings with no
// frame in between. Zero keeps pinging forever.
func WithHeartbeatMisses(k int) Option {
	return func(n *Node) { n.hbMissK = k }
}
func WithInboxSize(size int) Option {
	return func(n *Node) { n.inboxSize = size }
}
func WithEvents(ch chan Event) Option {
	return func(n *Node) { n.Events = ch }
}
func WithMetrics(m *metrics.Replica) Option {
	return func(n *Node) { n.metrics = m }
}
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(n *Node) { n.tp = tp }
}
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.log = l }
}
func WithDialTimeout(d time.Duration) Option {
	return func(n *Node) { n.dialTimeout = d }
}

// WithTransports replaces the scheme registry used by ConnectTo.
func WithTransports(r *transport.Registry) Option {
	return func(n *Node) { n.transports = r }
}
