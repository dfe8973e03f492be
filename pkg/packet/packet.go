// Package packet maps frames to typed packets and back.
package packet

import (
	"errors"
	"fmt"

	"github.com/juanpablocruz/roreplica/pkg/variant"
	"github.com/juanpablocruz/roreplica/pkg/wire"
)

// Packet is a closed union of the packet kinds the replica understands.
type Packet interface {
	Kind() wire.Kind
	isPacket()
}

// Call values carried by Invoke.
const (
	CallInvokeMethod  int32 = 0
	CallReadProperty  int32 = 1
	CallWriteProperty int32 = 2
)

// NoSerial fills the serial id and property index of client-originated calls.
const NoSerial int32 = -1

type (
	Handshake struct{ Version string }
	Init      struct {
		Name       string
		Properties []variant.Value
	}
	// InitDynamic carries a dynamic type description the replica does not interpret.
	InitDynamic struct {
		Name string
		Data []byte
	}
	AddObject struct {
		Name    string
		Dynamic bool
	}
	RemoveObject struct{ Name string }
	Invoke       struct {
		Name          string
		Call          int32
		Index         int32
		Args          []variant.Value
		SerialID      int32
		PropertyIndex int32
	}
	InvokeReply struct {
		Name     string
		SerialID int32
		Value    variant.Value
	}
	PropertyChange struct {
		Name  string
		Index int32
		Value variant.Value
	}
	ObjectEntry struct {
		Name     string
		TypeName string
		Checksum []byte
	}
	ObjectList struct{ Entries []ObjectEntry }
	Ping       struct{}
	Pong       struct{}
)

func (Handshake) Kind() wire.Kind      { return wire.KindHandshake }
func (Init) Kind() wire.Kind           { return wire.KindInit }
func (InitDynamic) Kind() wire.Kind    { return wire.KindInitDynamic }
func (AddObject) Kind() wire.Kind      { return wire.KindAddObject }
func (RemoveObject) Kind() wire.Kind   { return wire.KindRemoveObject }
func (Invoke) Kind() wire.Kind         { return wire.KindInvoke }
func (InvokeReply) Kind() wire.Kind    { return wire.KindInvokeReply }
func (PropertyChange) Kind() wire.Kind { return wire.KindPropertyChange }
func (ObjectList) Kind() wire.Kind     { return wire.KindObjectList }
func (Ping) Kind() wire.Kind           { return wire.KindPing }
func (Pong) Kind() wire.Kind           { return wire.KindPong }

func (Handshake) isPacket()      {}
func (Init) isPacket()           {}
func (InitDynamic) isPacket()    {}
func (AddObject) isPacket()      {}
func (RemoveObject) isPacket()   {}
func (Invoke) isPacket()         {}
func (InvokeReply) isPacket()    {}
func (PropertyChange) isPacket() {}
func (ObjectList) isPacket()     {}
func (Ping) isPacket()           {}
func (Pong) isPacket()           {}

// ErrUnknownKind is returned for frames whose kind has no packet type.
var ErrUnknownKind = fmt.Errorf("%w: unknown packet kind", wire.ErrProtocol)

// Decode parses one frame (kind tag first, no length prefix).
func Decode(frame []byte) (Packet, error) {
	k, err := wire.KindOf(frame)
	if err != nil {
		return nil, err
	}
	d := variant.NewDecoder(wire.Payload(frame))
	var p Packet
	switch k {
	case wire.KindHandshake:
		p, err = decodeHandshake(d)
	case wire.KindInit:
		p, err = decodeInit(d)
	case wire.KindInitDynamic:
		p, err = decodeInitDynamic(d)
	case wire.KindAddObject:
		p, err = decodeAddObject(d)
	case wire.KindRemoveObject:
		p, err = decodeRemoveObject(d)
	case wire.KindInvoke:
		p, err = decodeInvoke(d)
	case wire.KindInvokeReply:
		p, err = decodeInvokeReply(d)
	case wire.KindPropertyChange:
		p, err = decodePropertyChange(d)
	case wire.KindObjectList:
		p, err = decodeObjectList(d)
	case wire.KindPing:
		p = Ping{}
	case wire.KindPong:
		p = Pong{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint16(k))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", k, err)
	}
	return p, nil
}

func decodeHandshake(d *variant.Decoder) (Packet, error) {
	v, err := d.Text()
	if err != nil {
		return nil, err
	}
	return Handshake{Version: v}, nil
}

func decodeInit(d *variant.Decoder) (Packet, error) {
	name, err := d.Text()
	if err != nil {
		return nil, err
	}
	props, err := d.Params()
	if err != nil {
		return nil, err
	}
	return Init{Name: name, Properties: props}, nil
}

func decodeInitDynamic(d *variant.Decoder) (Packet, error) {
	name, err := d.Text()
	if err != nil {
		return nil, err
	}
	data, err := d.ByteArray()
	if err != nil {
		return nil, err
	}
	return InitDynamic{Name: name, Data: data}, nil
}

func decodeAddObject(d *variant.Decoder) (Packet, error) {
	name, err := d.Text()
	if err != nil {
		return nil, err
	}
	dyn, err := d.Bool()
	if err != nil {
		return nil, err
	}
	return AddObject{Name: name, Dynamic: dyn}, nil
}

func decodeRemoveObject(d *variant.Decoder) (Packet, error) {
	name, err := d.Text()
	if err != nil {
		return nil, err
	}
	return RemoveObject{Name: name}, nil
}

func decodeInvoke(d *variant.Decoder) (Packet, error) {
	var p Invoke
	var err error
	if p.Name, err = d.Text(); err != nil {
		return nil, err
	}
	if p.Call, err = d.S32(); err != nil {
		return nil, err
	}
	if p.Index, err = d.S32(); err != nil {
		return nil, err
	}
	if p.Args, err = d.Params(); err != nil {
		return nil, err
	}
	if p.SerialID, err = d.S32(); err != nil {
		return nil, err
	}
	if p.PropertyIndex, err = d.S32(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeInvokeReply(d *variant.Decoder) (Packet, error) {
	var p InvokeReply
	var err error
	if p.Name, err = d.Text(); err != nil {
		return nil, err
	}
	if p.SerialID, err = d.S32(); err != nil {
		return nil, err
	}
	if p.Value, err = d.Variant(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodePropertyChange(d *variant.Decoder) (Packet, error) {
	var p PropertyChange
	var err error
	if p.Name, err = d.Text(); err != nil {
		return nil, err
	}
	if p.Index, err = d.S32(); err != nil {
		return nil, err
	}
	if p.Value, err = d.Variant(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeObjectList(d *variant.Decoder) (Packet, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	// each entry is at least three empty length prefixes
	if uint64(n)*12 > uint64(d.Remaining()) {
		return nil, fmt.Errorf("%w: %d object entries in %d bytes", variant.ErrTruncatedFrame, n, d.Remaining())
	}
	out := ObjectList{Entries: make([]ObjectEntry, 0, n)}
	for range n {
		var e ObjectEntry
		if e.Name, err = d.Text(); err != nil {
			return nil, err
		}
		if e.TypeName, err = d.Text(); err != nil {
			return nil, err
		}
		if e.Checksum, err = d.ByteArray(); err != nil {
			return nil, err
		}
		out.Entries = append(out.Entries, e)
	}
	return out, nil
}

// Encode serializes p into a complete frame, length prefix included.
func Encode(p Packet) ([]byte, error) {
	e := variant.NewEncoder()
	var err error
	switch x := p.(type) {
	case Handshake:
		err = e.Text(x.Version)
	case Init:
		if err = e.Text(x.Name); err == nil {
			err = e.Params(x.Properties)
		}
	case InitDynamic:
		if err = e.Text(x.Name); err == nil {
			e.ByteArray(x.Data)
		}
	case AddObject:
		if err = e.Text(x.Name); err == nil {
			e.Bool(x.Dynamic)
		}
	case RemoveObject:
		err = e.Text(x.Name)
	case Invoke:
		if err = e.Text(x.Name); err == nil {
			e.S32(x.Call)
			e.S32(x.Index)
			if err = e.Params(x.Args); err == nil {
				e.S32(x.SerialID)
				e.S32(x.PropertyIndex)
			}
		}
	case InvokeReply:
		if err = e.Text(x.Name); err == nil {
			e.S32(x.SerialID)
			err = e.Variant(x.Value)
		}
	case PropertyChange:
		if err = e.Text(x.Name); err == nil {
			e.S32(x.Index)
			err = e.Variant(x.Value)
		}
	case ObjectList:
		e.U32(uint32(len(x.Entries)))
		for _, o := range x.Entries {
			if err = e.Text(o.Name); err != nil {
				break
			}
			if err = e.Text(o.TypeName); err != nil {
				break
			}
			e.ByteArray(o.Checksum)
		}
	case Ping, Pong:
	default:
		return nil, errors.New("packet: unknown packet type")
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	return wire.Encode(p.Kind(), e.Bytes()), nil
}
