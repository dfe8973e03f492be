package node

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/juanpablocruz/roreplica/pkg/packet"
	"github.com/juanpablocruz/roreplica/pkg/replica"
	"github.com/juanpablocruz/roreplica/pkg/variant"
	"github.com/juanpablocruz/roreplica/pkg/wire"
)

var ErrBadVersion = fmt.Errorf("%w: unsupported protocol version", wire.ErrProtocol)

func (n *Node) dispatchLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case it := <-n.inbox:
			n.dispatch(it)
		}
	}
}

// dispatch handles one inbox item. Only this goroutine mutates caches or
// the connection registry's bindings. Frames a connection read before it
// closed are still handled; the tombstone behind them unbinds it.
func (n *Node) dispatch(it inboxItem) {
	if it.frame == nil {
		n.deregister(it.conn)
		return
	}
	c := n.Connection(it.conn)
	if c == nil || c.dropped.Load() {
		n.log.Debug("frame_from_dropped_conn", "conn", it.conn)
		return
	}
	k, _ := wire.KindOf(it.frame)
	start := time.Now()
	_, span := n.tracer.Start(n.ctx, "dispatch "+k.String(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("roreplica.conn", c.id),
			attribute.String("roreplica.kind", k.String()),
			attribute.Int("roreplica.frame_bytes", len(it.frame)),
		))
	defer span.End()

	err := n.route(c, it.frame)
	n.metrics.Dispatched(k.String(), time.Since(start))
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	switch {
	case errors.Is(err, wire.ErrProtocol), errors.Is(err, variant.ErrTruncatedFrame), errors.Is(err, variant.ErrUnsupportedType), errors.Is(err, variant.ErrMalformedText):
		n.metrics.ProtocolError(protocolReason(err))
		n.emit(EventWarn, map[string]any{"msg": "protocol_error", "conn": c.id, "kind": k.String(), "err": err.Error()})
		c.dropped.Store(true)
		c.fail(err)
	case errors.Is(err, ErrDispatchMiss):
		n.metrics.DispatchMiss()
		n.log.Warn("dispatch_miss", "conn", c.id, "kind", k.String(), "err", err)
		n.emit(EventDispatchMiss, map[string]any{"conn": c.id, "kind": k.String(), "err": err.Error()})
	default:
		n.log.Warn("frame_dropped", "conn", c.id, "kind", k.String(), "err", err)
		n.emit(EventWarn, map[string]any{"msg": "frame_dropped", "conn": c.id, "kind": k.String(), "err": err.Error()})
	}
}

func protocolReason(err error) string {
	switch {
	case errors.Is(err, packet.ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, ErrBadVersion):
		return "bad_version"
	case errors.Is(err, variant.ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(err, variant.ErrTruncatedFrame), errors.Is(err, variant.ErrMalformedText):
		return "malformed"
	default:
		return "protocol"
	}
}

// route decodes a frame and hands it, with the connection it came from, to
// the handler for its kind.
func (n *Node) route(c *Connection, frame []byte) error {
	p, err := packet.Decode(frame)
	if err != nil {
		return err
	}
	n.log.Debug("packet", "conn", c.id, "kind", p.Kind().String())
	switch p := p.(type) {
	case packet.Handshake:
		return n.onHandshake(c, p)
	case packet.Init:
		return n.onInit(c, p)
	case packet.InitDynamic:
		return n.onInitDynamic(c, p)
	case packet.Invoke:
		return n.onInvoke(c, p)
	case packet.InvokeReply:
		return n.onInvokeReply(c, p)
	case packet.PropertyChange:
		return n.onPropertyChange(c, p)
	case packet.ObjectList:
		return n.onObjectList(c, p)
	case packet.AddObject:
		// sent by replicas, never by sources
		return fmt.Errorf("%w: unexpected AddObject for %q", wire.ErrProtocol, p.Name)
	case packet.RemoveObject:
		return n.onRemoveObject(c, p)
	case packet.Ping:
		return n.onPing(c)
	case packet.Pong:
		c.onPong()
		return nil
	default:
		return fmt.Errorf("%w: %T", packet.ErrUnknownKind, p)
	}
}

func (n *Node) lookup(name string) (*replica.Cache, error) {
	rc := n.Cache(name)
	if rc == nil {
		return nil, fmt.Errorf("%w: %q", ErrDispatchMiss, name)
	}
	return rc, nil
}

func (n *Node) onHandshake(c *Connection, p packet.Handshake) error {
	if !wire.SupportedVersion(p.Version) {
		return fmt.Errorf("%w: %q", ErrBadVersion, p.Version)
	}
	if c.State() == StateEstablished {
		n.log.Warn("repeated_handshake", "conn", c.id, "version", p.Version)
		return nil
	}
	// a connection that already hung up stays Closed
	c.state.CompareAndSwap(int32(StateHandshaking), int32(StateEstablished))
	n.log.Info("handshake", "conn", c.id, "version", p.Version, "dialect", c.Dialect().String())
	n.emit(EventHandshake, map[string]any{"conn": c.id, "version": p.Version, "dialect": c.Dialect().String()})
	return nil
}

func (n *Node) onInit(c *Connection, p packet.Init) error {
	rc, err := n.lookup(p.Name)
	if err != nil {
		return err
	}
	if err := rc.Initialize(c, p.Properties); err != nil {
		return err
	}
	n.log.Info("init", "conn", c.id, "name", p.Name, "properties", len(p.Properties))
	n.emit(EventInit, map[string]any{"conn": c.id, "name": p.Name, "properties": len(p.Properties)})
	return nil
}

func (n *Node) onInitDynamic(c *Connection, p packet.InitDynamic) error {
	n.log.Info("init_dynamic", "conn", c.id, "name", p.Name, "bytes", len(p.Data))
	n.emit(EventInitDynamic, map[string]any{"conn": c.id, "name": p.Name, "bytes": len(p.Data)})
	return nil
}

func (n *Node) onInvoke(c *Connection, p packet.Invoke) error {
	rc, err := n.lookup(p.Name)
	if err != nil {
		return err
	}
	if err := rc.EmitSignal(int(p.Index), p.Args); err != nil {
		return err
	}
	n.log.Debug("invoke", "conn", c.id, "name", p.Name, "index", p.Index, "args", len(p.Args))
	n.emit(EventInvoke, map[string]any{"conn": c.id, "name": p.Name, "index": int(p.Index), "args": len(p.Args)})
	return nil
}

func (n *Node) onInvokeReply(c *Connection, p packet.InvokeReply) error {
	n.log.Debug("invoke_reply", "conn", c.id, "name", p.Name, "serial", p.SerialID, "value", p.Value.String())
	n.emit(EventInvokeReply, map[string]any{"conn": c.id, "name": p.Name, "serial": int(p.SerialID), "value": p.Value.Interface()})
	return nil
}

func (n *Node) onPropertyChange(c *Connection, p packet.PropertyChange) error {
	rc, err := n.lookup(p.Name)
	if err != nil {
		return err
	}
	if err := rc.SetProperty(int(p.Index), p.Value); err != nil {
		return err
	}
	n.log.Debug("property_change", "conn", c.id, "name", p.Name, "index", p.Index, "value", p.Value.String())
	n.emit(EventPropertyChange, map[string]any{"conn": c.id, "name": p.Name, "index": int(p.Index), "value": p.Value.Interface()})
	return nil
}

// onObjectList logs the source's directory and adopts the last listed
// object by answering with AddObject.
func (n *Node) onObjectList(c *Connection, p packet.ObjectList) error {
	names := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		names = append(names, e.Name)
		n.log.Info("object_listed", "conn", c.id, "name", e.Name, "type", e.TypeName, "checksum", string(e.Checksum))
		if rc := n.Cache(e.Name); rc != nil && !rc.Descriptor().MatchesChecksum(e.Checksum) {
			n.log.Warn("checksum_mismatch", "conn", c.id, "name", e.Name, "type", e.TypeName)
			n.emit(EventWarn, map[string]any{"msg": "checksum_mismatch", "conn": c.id, "name": e.Name})
		}
	}
	n.emit(EventObjectList, map[string]any{"conn": c.id, "names": names})
	if len(p.Entries) == 0 {
		return nil
	}
	last := p.Entries[len(p.Entries)-1].Name
	frame, err := packet.Encode(packet.AddObject{Name: last})
	if err != nil {
		return err
	}
	if err := c.WriteFrame(frame); err != nil {
		return fmt.Errorf("add object %q: %w", last, err)
	}
	n.log.Info("add_object", "conn", c.id, "name", last)
	n.emit(EventAddObject, map[string]any{"conn": c.id, "name": last})
	return nil
}

func (n *Node) onRemoveObject(c *Connection, p packet.RemoveObject) error {
	rc, err := n.lookup(p.Name)
	if err != nil {
		return err
	}
	unbound := rc.Unbind(c.id)
	n.log.Info("remove_object", "conn", c.id, "name", p.Name, "unbound", unbound)
	n.emit(EventRemoveObject, map[string]any{"conn": c.id, "name": p.Name, "unbound": unbound})
	return nil
}

func (n *Node) onPing(c *Connection) error {
	frame, _ := packet.Encode(packet.Pong{})
	if err := c.WriteFrame(frame); err != nil {
		n.emit(EventWarn, map[string]any{"msg": "send_pong_err", "conn": c.id, "err": err.Error()})
	}
	return nil
}
