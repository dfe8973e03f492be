// Package replica holds the client-side state of remote objects: one shared
// Cache per object name and any number of Replica handles reading through it.
package replica

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/juanpablocruz/roreplica/pkg/variant"
)

// Method names one slot or signal and its ordered parameter wire types.
type Method struct {
	Name   string
	Params []variant.Type
}

// Descriptor is the static contract a replicated type supplies: defaults and
// wire types for its properties, its slots and signals by index, and the
// checksum the source announces for it in the object list.
type Descriptor struct {
	TypeName      string
	Signature     []byte
	Defaults      []variant.Value
	PropertyTypes []variant.Type
	Slots         []Method
	Signals       []Method
}

var ErrBadDescriptor = errors.New("replica: bad descriptor")

// Validate checks that defaults line up with the declared property types.
func (d *Descriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil", ErrBadDescriptor)
	}
	if d.TypeName == "" {
		return fmt.Errorf("%w: empty type name", ErrBadDescriptor)
	}
	if len(d.Defaults) != len(d.PropertyTypes) {
		return fmt.Errorf("%w: %s has %d defaults for %d properties", ErrBadDescriptor, d.TypeName, len(d.Defaults), len(d.PropertyTypes))
	}
	for i, v := range d.Defaults {
		if v.Type != d.PropertyTypes[i] {
			return fmt.Errorf("%w: %s property %d default is %s, declared %s", ErrBadDescriptor, d.TypeName, i, v.Type, d.PropertyTypes[i])
		}
	}
	seen := make(map[string]bool, len(d.Signals))
	for _, s := range d.Signals {
		if seen[s.Name] {
			return fmt.Errorf("%w: %s declares signal %q twice", ErrBadDescriptor, d.TypeName, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func (d *Descriptor) PropertyCount() int { return len(d.PropertyTypes) }

// SignalIndex returns the position of the named signal, or -1.
func (d *Descriptor) SignalIndex(name string) int {
	return slices.IndexFunc(d.Signals, func(m Method) bool { return m.Name == name })
}

// Same reports whether o describes the same type as d.
func (d *Descriptor) Same(o *Descriptor) bool {
	if d == o {
		return true
	}
	if d == nil || o == nil {
		return false
	}
	return d.TypeName == o.TypeName && bytes.Equal(d.Signature, o.Signature)
}

// MatchesChecksum compares d's signature against an announced checksum.
// An empty signature matches anything.
func (d *Descriptor) MatchesChecksum(sum []byte) bool {
	return len(d.Signature) == 0 || bytes.Equal(d.Signature, sum)
}

func (d *Descriptor) defaults() []variant.Value {
	return slices.Clone(d.Defaults)
}
