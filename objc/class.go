package objc

import (
	"github.com/wnxd/microhle/abi"
	"github.com/wnxd/microhle/memory"
)

type Origin int

const (
	GUEST_CLASS Origin = iota
	HOST_CLASS
)

func (o Origin) String() string {
	if o == HOST_CLASS {
		return "host"
	}
	return "guest"
}

type ImpKind int

const (
	IMP_NONE ImpKind = iota
	IMP_GUEST
	IMP_HOST
)

// Method is a tagged implementation: guest code at Imp, or a host function
// with the shape it is marshaled by. Host shapes start with the receiver
// and selector.
type Method struct {
	Kind  ImpKind
	Imp   memory.Addr
	Shape abi.Shape
	Fn    abi.Function
}

func GuestMethod(imp memory.Addr) Method {
	return Method{Kind: IMP_GUEST, Imp: imp}
}

func HostMethod(shape abi.Shape, fn abi.Function) Method {
	return Method{Kind: IMP_HOST, Shape: shape, Fn: fn}
}

// Class describes a class or, when IsMeta, the metaclass holding its class
// methods. The superclass is linked by name on first use.
type Class struct {
	Name         string
	Origin       Origin
	SuperName    string
	InstanceSize uint32
	Methods      map[Selector]Method
	// Addr is the class object in guest memory; its first word points at
	// the metaclass object.
	Addr   memory.Addr
	Meta   *Class
	IsMeta bool

	base     *Class
	super    *Class
	resolved bool
	cache    map[Selector]Method
}

// Base returns the class a metaclass belongs to, or c itself.
func (c *Class) Base() *Class {
	if c.IsMeta {
		return c.base
	}
	return c
}

func (c *Class) flush() {
	clear(c.cache)
}

const (
	// class object words: isa, superclass, name, instance size
	classObjectSize = 4 * memory.PointerSize
	classSuperOff   = 4
	classNameOff    = 8
	classSizeOff    = 12
)
