package replica

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"weak"

	"github.com/oklog/ulid/v2"

	"github.com/juanpablocruz/roreplica/pkg/packet"
	"github.com/juanpablocruz/roreplica/pkg/variant"
)

// State is the lifecycle of a cache as seen by its replicas.
type State int

const (
	StateUninitialized State = iota
	// StateDefault: holding descriptor defaults, no source seen yet.
	StateDefault
	// StateValid: initialized by a source and bound to its connection.
	StateValid
	// StateSuspect: was valid, lost its connection; values are last known.
	StateSuspect
)

func (s State) String() string {
	switch s {
	case StateDefault:
		return "default"
	case StateValid:
		return "valid"
	case StateSuspect:
		return "suspect"
	default:
		return "uninitialized"
	}
}

// StateChange is the payload of Replica.StateChanged.
type StateChange struct {
	New, Old State
}

// PropertyChange is the payload of Replica.PropertyChanged.
type PropertyChange struct {
	Index int
	Value variant.Value
}

// Link is the connection a cache writes outbound calls to.
type Link interface {
	ID() string
	WriteFrame(frame []byte) error
}

var (
	ErrNotBound      = errors.New("replica: no bound connection")
	ErrBadCall       = errors.New("replica: bad call")
	ErrUnknownSignal = errors.New("replica: unknown signal")
	ErrPropertyIndex = errors.New("replica: property index out of range")
	ErrPropertyCount = errors.New("replica: property count mismatch")
	ErrTypeMismatch  = errors.New("replica: name already acquired with another type")
)

// Cache is the shared state behind every Replica of one name. Property reads
// may come from any goroutine; mutations come from the node's dispatch loop.
type Cache struct {
	name string
	desc *Descriptor
	log  *slog.Logger

	mu    sync.RWMutex
	props []variant.Value
	link  Link
	state State
	bound chan struct{} // closed while a link is bound

	imu       sync.Mutex
	instances map[ulid.ULID]weak.Pointer[Replica]
}

// NewCache creates a cache holding desc's defaults. An empty name takes the
// type name.
func NewCache(desc *Descriptor, name string, log *slog.Logger) (*Cache, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		name = desc.TypeName
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		name:      name,
		desc:      desc,
		log:       log,
		props:     desc.defaults(),
		state:     StateDefault,
		bound:     make(chan struct{}),
		instances: make(map[ulid.ULID]weak.Pointer[Replica]),
	}, nil
}

func (c *Cache) Name() string            { return c.name }
func (c *Cache) Descriptor() *Descriptor { return c.desc }

func (c *Cache) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsValid reports whether a source connection is bound.
func (c *Cache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link != nil
}

// BoundTo returns the id of the bound link, or "".
func (c *Cache) BoundTo() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.link == nil {
		return ""
	}
	return c.link.ID()
}

func (c *Cache) Property(i int) (variant.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.props) {
		return variant.Value{}, false
	}
	return c.props[i], true
}

func (c *Cache) Properties() []variant.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.props)
}

// Create returns a new Replica tracked weakly by c.
func (c *Cache) Create() *Replica {
	r := newReplica(c)
	c.imu.Lock()
	c.instances[r.id] = weak.Make(r)
	c.imu.Unlock()
	r.cleanup = runtime.AddCleanup(r, c.forget, r.id)
	return r
}

func (c *Cache) forget(id ulid.ULID) {
	c.imu.Lock()
	delete(c.instances, id)
	c.imu.Unlock()
}

// Instances returns the live replicas in creation order.
func (c *Cache) Instances() []*Replica {
	c.imu.Lock()
	ids := make([]ulid.ULID, 0, len(c.instances))
	for id := range c.instances {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ulid.ULID) int { return a.Compare(b) })
	out := make([]*Replica, 0, len(ids))
	for _, id := range ids {
		if r := c.instances[id].Value(); r != nil {
			out = append(out, r)
		}
	}
	c.imu.Unlock()
	return out
}

// Initialize binds link, replaces the property vector and notifies every
// live replica.
func (c *Cache) Initialize(link Link, props []variant.Value) error {
	if len(props) != c.desc.PropertyCount() {
		return fmt.Errorf("%w: %s got %d, declared %d", ErrPropertyCount, c.name, len(props), c.desc.PropertyCount())
	}
	c.mu.Lock()
	old := c.state
	c.props = slices.Clone(props)
	c.link = link
	c.state = StateValid
	select {
	case <-c.bound:
	default:
		close(c.bound)
	}
	c.mu.Unlock()

	rs := c.Instances()
	if old != StateValid {
		for _, r := range rs {
			r.StateChanged.Emit(StateChange{New: StateValid, Old: old})
		}
	}
	for _, r := range rs {
		r.Initialized.Emit(struct{}{})
	}
	return nil
}

// Unbind drops the link if linkID is bound (any link when linkID is empty).
// Cached values are kept and the state becomes Suspect.
func (c *Cache) Unbind(linkID string) bool {
	c.mu.Lock()
	if c.link == nil || (linkID != "" && c.link.ID() != linkID) {
		c.mu.Unlock()
		return false
	}
	old := c.state
	c.link = nil
	c.state = StateSuspect
	c.bound = make(chan struct{})
	c.mu.Unlock()

	for _, r := range c.Instances() {
		r.StateChanged.Emit(StateChange{New: StateSuspect, Old: old})
	}
	return true
}

// SetProperty stores a property value announced by the source and notifies
// every live replica.
func (c *Cache) SetProperty(i int, v variant.Value) error {
	c.mu.Lock()
	if i < 0 || i >= len(c.props) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s[%d]", ErrPropertyIndex, c.name, i)
	}
	c.props[i] = v
	c.mu.Unlock()
	for _, r := range c.Instances() {
		r.PropertyChanged.Emit(PropertyChange{Index: i, Value: v})
	}
	return nil
}

// EmitSignal delivers a remote signal emission to every live replica.
func (c *Cache) EmitSignal(index int, args []variant.Value) error {
	if index < 0 || index >= len(c.desc.Signals) {
		return fmt.Errorf("%w: %s index %d", ErrUnknownSignal, c.name, index)
	}
	for _, r := range c.Instances() {
		r.signals[index].Emit(args)
	}
	return nil
}

// waitCh returns a channel closed while a link is bound.
func (c *Cache) waitCh() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bound
}

// invoke encodes an outbound call with args coerced to types and writes it to
// the bound link.
func (c *Cache) invoke(call int32, index int, types []variant.Type, args []any) error {
	if len(args) != len(types) {
		return fmt.Errorf("%w: %s index %d takes %d args, got %d", ErrBadCall, c.name, index, len(types), len(args))
	}
	vs := make([]variant.Value, len(args))
	for i, a := range args {
		v, err := variant.Coerce(types[i], a)
		if err != nil {
			return fmt.Errorf("%w: %s index %d arg %d: %w", ErrBadCall, c.name, index, i, err)
		}
		vs[i] = v
	}
	c.mu.RLock()
	link := c.link
	c.mu.RUnlock()
	if link == nil {
		c.log.Warn("call_before_bound", "name", c.name, "type", c.desc.TypeName, "call", call, "index", index)
		return ErrNotBound
	}
	frame, err := packet.Encode(packet.Invoke{
		Name:          c.name,
		Call:          call,
		Index:         int32(index),
		Args:          vs,
		SerialID:      packet.NoSerial,
		PropertyIndex: packet.NoSerial,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadCall, err)
	}
	return link.WriteFrame(frame)
}
