package replica

import (
	"context"
	"fmt"
	"runtime"

	"github.com/oklog/ulid/v2"

	"github.com/juanpablocruz/roreplica/pkg/packet"
	"github.com/juanpablocruz/roreplica/pkg/variant"
)

// Replica is a user handle on a remote object. It stores no property values;
// every read goes to the shared Cache, so all replicas of one name agree.
// Signals fire on the node's dispatch goroutine.
type Replica struct {
	id      ulid.ULID
	cache   *Cache
	cleanup runtime.Cleanup

	Initialized     Signal[struct{}]
	StateChanged    Signal[StateChange]
	PropertyChanged Signal[PropertyChange]

	signals []*Signal[[]variant.Value]
}

func newReplica(c *Cache) *Replica {
	r := &Replica{
		id:      ulid.Make(),
		cache:   c,
		signals: make([]*Signal[[]variant.Value], len(c.desc.Signals)),
	}
	for i := range r.signals {
		r.signals[i] = &Signal[[]variant.Value]{}
	}
	return r
}

func (r *Replica) ID() ulid.ULID               { return r.id }
func (r *Replica) Name() string                { return r.cache.name }
func (r *Replica) TypeName() string            { return r.cache.desc.TypeName }
func (r *Replica) Descriptor() *Descriptor     { return r.cache.desc }
func (r *Replica) State() State                { return r.cache.State() }
func (r *Replica) IsValid() bool               { return r.cache.IsValid() }
func (r *Replica) Properties() []variant.Value { return r.cache.Properties() }

func (r *Replica) Property(i int) (variant.Value, bool) { return r.cache.Property(i) }

// Signal returns the observer list for the named remote signal.
func (r *Replica) Signal(name string) (*Signal[[]variant.Value], error) {
	i := r.cache.desc.SignalIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownSignal, r.cache.desc.TypeName, name)
	}
	return r.signals[i], nil
}

// On subscribes fn to the named remote signal.
func (r *Replica) On(name string, fn func(args []variant.Value)) error {
	s, err := r.Signal(name)
	if err != nil {
		return err
	}
	s.Connect(fn)
	return nil
}

// CallSlot invokes slot index on the source with args converted to the
// slot's declared parameter types. Before the source is bound the call is
// dropped and ErrNotBound returned.
func (r *Replica) CallSlot(index int, args ...any) error {
	slots := r.cache.desc.Slots
	if index < 0 || index >= len(slots) {
		return fmt.Errorf("%w: %s has no slot %d", ErrBadCall, r.cache.desc.TypeName, index)
	}
	return r.cache.invoke(packet.CallInvokeMethod, index, slots[index].Params, args)
}

// CallSetter asks the source to write property index. The cached value
// changes only when the source reports it back.
func (r *Replica) CallSetter(index int, value any) error {
	types := r.cache.desc.PropertyTypes
	if index < 0 || index >= len(types) {
		return fmt.Errorf("%w: %s has no property %d", ErrBadCall, r.cache.desc.TypeName, index)
	}
	return r.cache.invoke(packet.CallWriteProperty, index, types[index:index+1], []any{value})
}

// WaitForSource blocks until a source connection is bound or ctx ends.
func (r *Replica) WaitForSource(ctx context.Context) error {
	select {
	case <-r.cache.waitCh():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release stops tracking r before the garbage collector gets to it. r keeps
// reading through the cache but receives no further notifications.
func (r *Replica) Release() {
	r.cleanup.Stop()
	r.cache.forget(r.id)
}
