package node_test

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juanpablocruz/roreplica/pkg/metrics"
	"github.com/juanpablocruz/roreplica/pkg/node"
	"github.com/juanpablocruz/roreplica/pkg/node/testutil"
	"github.com/juanpablocruz/roreplica/pkg/packet"
	"github.com/juanpablocruz/roreplica/pkg/replica"
	"github.com/juanpablocruz/roreplica/pkg/transport"
	"github.com/juanpablocruz/roreplica/pkg/variant"
	"github.com/juanpablocruz/roreplica/pkg/wire"
)

const wait = 2 * time.Second

func simple() *replica.Descriptor {
	return &replica.Descriptor{
		TypeName:      "Simple",
		Signature:     []byte("c6f33edb0554ba4241aad1286a47c8189d65c845"),
		Defaults:      []variant.Value{variant.Int(2), variant.Float(-1)},
		PropertyTypes: []variant.Type{variant.TypeInt, variant.TypeFloat},
		Slots: []replica.Method{
			{Name: "pushI", Params: []variant.Type{variant.TypeInt}},
			{Name: "reset"},
		},
		Signals: []replica.Method{
			{Name: "iChanged", Params: []variant.Type{variant.TypeInt}},
			{Name: "fChanged", Params: []variant.Type{variant.TypeFloat}},
			{Name: "random", Params: []variant.Type{variant.TypeInt}},
		},
	}
}

type harness struct {
	n   *node.Node
	src *testutil.Source
	ec  *testutil.EventCollector
}

func setup(t *testing.T, opts ...node.Option) *harness {
	t.Helper()
	sw := transport.NewSwitch()
	reg := transport.NewRegistry()
	sw.Register(reg)
	src, err := testutil.NewSource(sw, "source")
	if err != nil {
		t.Fatal(err)
	}
	ec := testutil.NewEventCollector(1024)
	n := node.New("A", append([]node.Option{node.WithTransports(reg)}, opts...)...)
	ec.Attach(n)
	n.Start()
	t.Cleanup(func() {
		n.Stop()
		ec.Detach(n)
		src.Close()
	})
	return &harness{n: n, src: src, ec: ec}
}

func (h *harness) connect(t *testing.T) (*node.Connection, *testutil.Peer) {
	t.Helper()
	c, err := h.n.ConnectTo(h.src.URL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	p, err := h.src.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(p.Close)
	return c, p
}

func (h *harness) established(t *testing.T) (*node.Connection, *testutil.Peer) {
	t.Helper()
	c, p := h.connect(t)
	if err := p.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if !h.ec.WaitFor(wait, testutil.HasType(node.EventHandshake, 1)) {
		t.Fatalf("handshake not dispatched")
	}
	return c, p
}

func (h *harness) waitFor(t *testing.T, et node.EventType, k int) {
	t.Helper()
	if !h.ec.WaitFor(wait, testutil.HasType(et, k)) {
		t.Fatalf("timed out waiting for %d %s events, have %d", k, et, h.ec.Count(et))
	}
}

func (h *harness) waitDown(t *testing.T, c *node.Connection) {
	t.Helper()
	if !h.ec.WaitFor(wait, testutil.ConnDown(c.ID())) {
		t.Fatalf("connection %s was not deregistered", c.ID())
	}
}

func TestHandshakeEstablishes(t *testing.T) {
	h := setup(t)
	c, _ := h.established(t)
	assert.Equal(t, c.State(), node.StateEstablished)
	assert.Equal(t, c.Dialect(), wire.DialectPlain)
	assert.Equal(t, len(h.n.Connections()), 1)
}

func TestCompactHandshake(t *testing.T) {
	h := setup(t)
	c, p := h.connect(t)
	e := variant.NewEncoder()
	e.U16(uint16(wire.KindHandshake))
	_ = e.Text(wire.VersionQtRO13)
	body := e.Bytes()
	hdr := []byte{byte(len(body) + 3), 0x01, 0x00, 0x00}
	if err := p.SendRaw(append(hdr, body...)); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, node.EventHandshake, 1)
	assert.Equal(t, c.State(), node.StateEstablished)
	assert.Equal(t, c.Dialect(), wire.DialectCompact)
}

func TestLegacyHandshake(t *testing.T) {
	h := setup(t)
	c, p := h.connect(t)
	rest := []byte("tRO 1.3")
	hdr := []byte{byte(len(rest) + 3), 0x01, 0x00, 'Q'}
	if err := p.SendRaw(append(hdr, rest...)); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, node.EventHandshake, 1)
	assert.Equal(t, c.Dialect(), wire.DialectLegacy)
	assert.Equal(t, c.State(), node.StateEstablished)
}

func TestFirstFrameMustBeHandshake(t *testing.T) {
	h := setup(t)
	c, p := h.connect(t)
	_ = p.Send(packet.Ping{})
	h.waitDown(t, c)
	if !errors.Is(c.Err(), wire.ErrNoHandshake) {
		t.Fatalf("expected ErrNoHandshake, got %v", c.Err())
	}
	assert.Equal(t, c.State(), node.StateClosed)
	assert.Equal(t, len(h.n.Connections()), 0)
}

func TestUnsupportedVersionDropsConnection(t *testing.T) {
	h := setup(t)
	c, p := h.connect(t)
	_ = p.Send(packet.Handshake{Version: "QtRO 9.9"})
	h.waitDown(t, c)
	if !errors.Is(c.Err(), node.ErrBadVersion) || !errors.Is(c.Err(), wire.ErrProtocol) {
		t.Fatalf("expected bad version protocol error, got %v", c.Err())
	}
}

func TestInitReachesEveryReplicaInOrder(t *testing.T) {
	h := setup(t)
	a, err := h.n.Acquire(simple(), "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.n.Acquire(simple(), "Simple")
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var order []string
	record := func(s string) func(struct{}) {
		return func(struct{}) { mu.Lock(); order = append(order, s); mu.Unlock() }
	}
	a.Initialized.Connect(record("a1"))
	a.Initialized.Connect(record("a2"))
	b.Initialized.Connect(record("b1"))

	_, p := h.established(t)
	_ = p.Send(packet.Init{Name: "Simple", Properties: []variant.Value{variant.Int(2), variant.Float(-1)}})
	h.waitFor(t, node.EventInit, 1)

	mu.Lock()
	assert.Equal(t, order, []string{"a1", "a2", "b1"})
	mu.Unlock()
	assert.Equal(t, h.n.Cache("Simple").Properties(), []variant.Value{variant.Int(2), variant.Float(-1)})
	pa, _ := a.Property(1)
	pb, _ := b.Property(1)
	assert.Equal(t, pa, variant.Float(-1))
	assert.Equal(t, pb, variant.Float(-1))
	assert.Equal(t, a.State(), replica.StateValid)
}

func TestInvokeEmitsSignalOnEveryReplica(t *testing.T) {
	h := setup(t)
	a, _ := h.n.Acquire(simple(), "")
	b, _ := h.n.Acquire(simple(), "")
	var mu sync.Mutex
	var got []string
	_ = a.On("iChanged", func(args []variant.Value) { mu.Lock(); got = append(got, "a:"+args[0].String()); mu.Unlock() })
	_ = b.On("iChanged", func(args []variant.Value) { mu.Lock(); got = append(got, "b:"+args[0].String()); mu.Unlock() })

	_, p := h.established(t)
	_ = p.Send(packet.Invoke{Name: "Simple", Index: 0, Args: []variant.Value{variant.Int(7)}, SerialID: -1, PropertyIndex: -1})
	h.waitFor(t, node.EventInvoke, 1)
	mu.Lock()
	assert.Equal(t, got, []string{"a:7", "b:7"})
	mu.Unlock()
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestCallSlotBeforeInitWritesNothing(t *testing.T) {
	h := setup(t)
	r, _ := h.n.Acquire(simple(), "")
	_, p := h.established(t)
	if err := r.CallSlot(0, 1); !errors.Is(err, replica.ErrNotBound) {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
	if f, err := p.Next(50 * time.Millisecond); err == nil {
		t.Fatalf("nothing should be written, got % x", f)
	}
}

func TestCallsAfterInitReachSource(t *testing.T) {
	h := setup(t)
	r, _ := h.n.Acquire(simple(), "")
	// calling from inside an observer runs on the dispatch goroutine
	r.Initialized.Connect(func(struct{}) { _ = r.CallSlot(1) })

	_, p := h.established(t)
	_ = p.Send(packet.Init{Name: "Simple", Properties: []variant.Value{variant.Int(2), variant.Float(-1)}})
	pk, err := p.NextPacket(wait)
	if err != nil {
		t.Fatalf("reset call: %v", err)
	}
	inv, ok := pk.(packet.Invoke)
	if !ok || inv.Index != 1 || inv.Call != packet.CallInvokeMethod || len(inv.Args) != 0 {
		t.Fatalf("unexpected packet %#v", pk)
	}

	if err := r.CallSetter(1, 99.5); err != nil {
		t.Fatalf("setter: %v", err)
	}
	pk, err = p.NextPacket(wait)
	if err != nil {
		t.Fatalf("setter frame: %v", err)
	}
	inv = pk.(packet.Invoke)
	assert.Equal(t, inv.Call, packet.CallWriteProperty)
	assert.Equal(t, inv.Args, []variant.Value{variant.Float(99.5)})
	assert.Equal(t, inv.SerialID, int32(-1))
	assert.Equal(t, inv.PropertyIndex, int32(-1))
}

func TestObjectListRepliesWithLastName(t *testing.T) {
	h := setup(t)
	_, p := h.established(t)
	_ = p.Send(packet.ObjectList{})
	h.waitFor(t, node.EventObjectList, 1)
	if _, err := p.Next(30 * time.Millisecond); err == nil {
		t.Fatalf("empty list must not be answered")
	}
	_ = p.Send(packet.ObjectList{Entries: []packet.ObjectEntry{
		{Name: "First", TypeName: "Other", Checksum: []byte("x")},
		{Name: "Simple", TypeName: "Simple", Checksum: simple().Signature},
	}})
	pk, err := p.NextPacket(wait)
	if err != nil {
		t.Fatalf("add object: %v", err)
	}
	assert.Equal(t, pk, packet.Packet(packet.AddObject{Name: "Simple"}))
}

func TestObjectListChecksumMismatchWarns(t *testing.T) {
	h := setup(t)
	_, _ = h.n.Acquire(simple(), "")
	_, p := h.established(t)
	_ = p.Send(packet.ObjectList{Entries: []packet.ObjectEntry{{Name: "Simple", TypeName: "Simple", Checksum: []byte("stale")}}})
	ok := h.ec.WaitFor(wait, func(evs []node.Event) bool {
		for _, e := range evs {
			if e.Type == node.EventWarn && e.Fields["msg"] == "checksum_mismatch" {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatalf("expected checksum_mismatch warning")
	}
}

func TestPropertyChangeUpdatesAndNotifies(t *testing.T) {
	h := setup(t)
	r, _ := h.n.Acquire(simple(), "")
	var mu sync.Mutex
	var seen []replica.PropertyChange
	r.PropertyChanged.Connect(func(pc replica.PropertyChange) { mu.Lock(); seen = append(seen, pc); mu.Unlock() })
	_, p := h.established(t)
	_ = p.Send(packet.PropertyChange{Name: "Simple", Index: 0, Value: variant.Int(41)})
	h.waitFor(t, node.EventPropertyChange, 1)
	v, _ := r.Property(0)
	assert.Equal(t, v, variant.Int(41))
	mu.Lock()
	assert.Equal(t, seen, []replica.PropertyChange{{Index: 0, Value: variant.Int(41)}})
	mu.Unlock()
}

func TestDispatchMissKeepsConnection(t *testing.T) {
	h := setup(t)
	c, p := h.established(t)
	_ = p.Send(packet.Init{Name: "Nobody", Properties: nil})
	h.waitFor(t, node.EventDispatchMiss, 1)
	assert.Equal(t, c.State(), node.StateEstablished)
	assert.Equal(t, c.Err(), nil)
}

func TestPropertyCountMismatchDropsFrameOnly(t *testing.T) {
	h := setup(t)
	r, _ := h.n.Acquire(simple(), "")
	c, p := h.established(t)
	_ = p.Send(packet.Init{Name: "Simple", Properties: []variant.Value{variant.Int(1)}})
	h.waitFor(t, node.EventWarn, 1)
	assert.Equal(t, r.IsValid(), false)
	assert.Equal(t, c.Err(), nil)
}

func TestUnknownKindDropsOnlyThatConnection(t *testing.T) {
	h := setup(t)
	r, _ := h.n.Acquire(simple(), "")
	good, gp := h.established(t)
	_ = gp.Send(packet.Init{Name: "Simple", Properties: []variant.Value{variant.Int(5), variant.Float(1)}})
	h.waitFor(t, node.EventInit, 1)

	bad, bp := h.connect(t)
	_ = bp.Handshake()
	h.waitFor(t, node.EventHandshake, 2)
	_ = bp.SendRaw(wire.Encode(wire.Kind(42), nil))
	h.waitDown(t, bad)
	if !errors.Is(bad.Err(), packet.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", bad.Err())
	}

	assert.Equal(t, good.State(), node.StateEstablished)
	assert.Equal(t, r.IsValid(), true)
	_ = gp.Send(packet.PropertyChange{Name: "Simple", Index: 0, Value: variant.Int(6)})
	h.waitFor(t, node.EventPropertyChange, 1)
	v, _ := r.Property(0)
	assert.Equal(t, v, variant.Int(6))
}

func TestTombstoneKeepsCachedValues(t *testing.T) {
	h := setup(t)
	r, _ := h.n.Acquire(simple(), "")
	var mu sync.Mutex
	var states []replica.StateChange
	r.StateChanged.Connect(func(s replica.StateChange) { mu.Lock(); states = append(states, s); mu.Unlock() })

	c, p := h.established(t)
	_ = p.Send(packet.Init{Name: "Simple", Properties: []variant.Value{variant.Int(9), variant.Float(0.5)}})
	h.waitFor(t, node.EventInit, 1)
	p.Close()
	h.waitDown(t, c)

	assert.Equal(t, r.State(), replica.StateSuspect)
	assert.Equal(t, r.Properties(), []variant.Value{variant.Int(9), variant.Float(0.5)})
	if err := r.CallSlot(0, 1); !errors.Is(err, replica.ErrNotBound) {
		t.Fatalf("expected ErrNotBound after tombstone, got %v", err)
	}
	mu.Lock()
	assert.Equal(t, len(states), 2)
	mu.Unlock()
}

func TestRemoveObjectUnbinds(t *testing.T) {
	h := setup(t)
	r, _ := h.n.Acquire(simple(), "")
	c, p := h.established(t)
	_ = p.Send(packet.Init{Name: "Simple", Properties: []variant.Value{variant.Int(1), variant.Float(1)}})
	h.waitFor(t, node.EventInit, 1)
	_ = p.Send(packet.RemoveObject{Name: "Simple"})
	h.waitFor(t, node.EventRemoveObject, 1)
	assert.Equal(t, r.State(), replica.StateSuspect)
	assert.Equal(t, c.State(), node.StateEstablished)
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	h := setup(t)
	_, p := h.established(t)
	_ = p.Send(packet.Ping{})
	pk, err := p.NextPacket(wait)
	if err != nil {
		t.Fatalf("pong: %v", err)
	}
	assert.Equal(t, pk.Kind(), wire.KindPong)
}

func TestHeartbeatPingsWhenIdle(t *testing.T) {
	const hb = 50 * time.Millisecond
	h := setup(t, node.WithHeartbeat(hb))
	c, p := h.established(t)

	f, err := p.Next(wait)
	if err != nil {
		t.Fatalf("expected a ping: %v", err)
	}
	assert.Equal(t, append([]byte{0, 0, 0, 2}, f...), wire.PingFrame())
	if f, err := p.Next(hb / 2); err == nil {
		t.Fatalf("only one ping per interval, got % x", f)
	}

	// inbound traffic keeps pushing the deadline out
	for range 6 {
		_ = p.Send(packet.Pong{})
		time.Sleep(hb / 3)
	}
	if f, err := p.Next(time.Millisecond); err == nil {
		t.Fatalf("no ping expected while the source talks, got % x", f)
	}
	if c.LastPong().IsZero() {
		t.Fatalf("pong not recorded")
	}
}

func TestHeartbeatMissesDropConnection(t *testing.T) {
	h := setup(t, node.WithHeartbeat(20*time.Millisecond), node.WithHeartbeatMisses(2))
	c, _ := h.established(t)
	h.waitDown(t, c)
	if !errors.Is(c.Err(), node.ErrHeartbeatTimeout) {
		t.Fatalf("expected ErrHeartbeatTimeout, got %v", c.Err())
	}
	h.waitFor(t, node.EventHealth, 2)
}

func TestAcquireTypeMismatch(t *testing.T) {
	h := setup(t)
	if _, err := h.n.Acquire(simple(), "obj"); err != nil {
		t.Fatal(err)
	}
	other := simple()
	other.TypeName = "Other"
	if _, err := h.n.Acquire(other, "obj"); !errors.Is(err, replica.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := h.n.Acquire(simple(), "obj"); err != nil {
		t.Fatalf("same type should share the cache: %v", err)
	}
}

func TestConnectUnknownScheme(t *testing.T) {
	h := setup(t)
	if _, err := h.n.ConnectTo("bogus://x"); !errors.Is(err, transport.ErrUnknownScheme) {
		t.Fatalf("expected ErrUnknownScheme, got %v", err)
	}
}

func TestDialFailureOnlyClosesThatConnection(t *testing.T) {
	h := setup(t)
	c, err := h.n.ConnectTo("mem://nobody")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.waitDown(t, c)
	var te *transport.Error
	if !errors.As(c.Err(), &te) || te.Op != "dial" {
		t.Fatalf("expected dial error, got %v", c.Err())
	}
	_, _ = h.established(t)
}

func TestAttachAndChaosCut(t *testing.T) {
	h := setup(t)
	r, _ := h.n.Acquire(simple(), "")
	a, b := net.Pipe()
	link := transport.WrapChaos(a, transport.ChaosConfig{Seed: 7})
	c, err := h.n.Attach(link)
	if err != nil {
		t.Fatal(err)
	}
	p := testutil.NewPeer(b)
	t.Cleanup(p.Close)
	_ = p.Handshake()
	_ = p.Send(packet.Init{Name: "Simple", Properties: []variant.Value{variant.Int(3), variant.Float(3)}})
	h.waitFor(t, node.EventInit, 1)

	link.Cut()
	h.waitDown(t, c)
	if !errors.Is(c.Err(), transport.ErrLinkDown) {
		t.Fatalf("expected ErrLinkDown, got %v", c.Err())
	}
	assert.Equal(t, r.State(), replica.StateSuspect)
}

func TestMetricsCountFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := setup(t, node.WithMetrics(metrics.New(metrics.WithRegistry(reg))))
	_, p := h.established(t)
	_ = p.Send(packet.ObjectList{Entries: []packet.ObjectEntry{{Name: "Simple", TypeName: "Simple"}}})
	if _, err := p.Next(wait); err != nil {
		t.Fatalf("add object: %v", err)
	}
	want := []string{"roreplica_frames_received_total", "roreplica_frames_sent_total", "roreplica_connections_active"}
	deadline := time.Now().Add(wait)
	for {
		mfs, err := reg.Gather()
		if err != nil {
			t.Fatal(err)
		}
		found := map[string]bool{}
		for _, mf := range mfs {
			found[mf.GetName()] = true
		}
		missing := ""
		for _, name := range want {
			if !found[name] {
				missing = name
			}
		}
		if missing == "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("missing metric %s in %v", missing, found)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopClosesEverything(t *testing.T) {
	h := setup(t)
	c, p := h.established(t)
	h.n.Stop()
	select {
	case <-h.n.Done():
	case <-time.After(wait):
		t.Fatalf("node did not stop")
	}
	select {
	case <-p.Closed():
	case <-time.After(wait):
		t.Fatalf("transport not closed")
	}
	assert.Equal(t, c.State(), node.StateClosed)
	if _, err := h.n.ConnectTo(h.src.URL()); !errors.Is(err, node.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestFramesBeforeHangUpAreDispatched(t *testing.T) {
	h := setup(t)
	r, _ := h.n.Acquire(simple(), "")
	var mu sync.Mutex
	inits := 0
	r.Initialized.Connect(func(struct{}) { mu.Lock(); inits++; mu.Unlock() })

	c, p := h.connect(t)
	hs, _ := packet.Encode(packet.Handshake{Version: wire.VersionQtRO13})
	ini, _ := packet.Encode(packet.Init{Name: "Simple", Properties: []variant.Value{variant.Int(11), variant.Float(2.5)}})
	pc, _ := packet.Encode(packet.PropertyChange{Name: "Simple", Index: 0, Value: variant.Int(12)})
	// one burst, then hang up: the read loop sees all three frames and EOF
	// before dispatch gets to any of them
	burst := append(append(hs, ini...), pc...)
	if err := p.SendRaw(burst); err != nil {
		t.Fatal(err)
	}
	p.Close()

	h.waitDown(t, c)
	assert.Equal(t, h.ec.Count(node.EventHandshake), 1)
	assert.Equal(t, h.ec.Count(node.EventInit), 1)
	assert.Equal(t, h.ec.Count(node.EventPropertyChange), 1)
	mu.Lock()
	assert.Equal(t, inits, 1)
	mu.Unlock()
	assert.Equal(t, r.State(), replica.StateSuspect)
	assert.Equal(t, r.Properties(), []variant.Value{variant.Int(12), variant.Float(2.5)})
}

func TestFramesAfterProtocolErrorAreDiscarded(t *testing.T) {
	h := setup(t)
	r, _ := h.n.Acquire(simple(), "")
	c, p := h.established(t)
	pc, _ := packet.Encode(packet.PropertyChange{Name: "Simple", Index: 0, Value: variant.Int(99)})
	if err := p.SendRaw(append(wire.Encode(wire.Kind(42), nil), pc...)); err != nil {
		t.Fatal(err)
	}
	h.waitDown(t, c)
	if !errors.Is(c.Err(), packet.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", c.Err())
	}
	assert.Equal(t, h.ec.Count(node.EventPropertyChange), 0)
	v, _ := r.Property(0)
	assert.Equal(t, v, variant.Int(2))
}
