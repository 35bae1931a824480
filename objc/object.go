package objc

import (
	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/abi"
	"github.com/wnxd/microhle/memory"
)

// Object is an instance allocated by the runtime. State carries host data
// for host classes; the guest only sees the allocation.
type Object struct {
	Addr  memory.Addr
	Class *Class
	State any
	refs  uint32
}

func (o *Object) RetainCount() uint32 {
	return o.refs
}

// Alloc creates a zeroed instance of cls with a reference count of one.
// extra bytes are appended to the instance size.
func (rt *Runtime) Alloc(cls *Class, extra uint32, state any) (*Object, error) {
	if cls.IsMeta {
		return nil, errors.Newf("cannot instantiate metaclass of %s", cls.Name)
	}
	size := cls.InstanceSize + extra
	addr, err := rt.heap.Alloc(size)
	if err != nil {
		return nil, errors.Wrapf(err, "instance of %s", cls.Name)
	}
	if err := rt.mem.Fill(addr, size, 0); err != nil {
		return nil, err
	}
	if err := rt.mem.WriteU32(addr, uint32(cls.Addr)); err != nil {
		return nil, err
	}
	o := &Object{Addr: addr, Class: cls, State: state, refs: 1}
	rt.objects[addr] = o
	return o, nil
}

func (rt *Runtime) Object(addr memory.Addr) (*Object, bool) {
	o, ok := rt.objects[addr]
	return o, ok
}

// Retain increments the count of a runtime allocated object. Other
// addresses are returned unchanged.
func (rt *Runtime) Retain(addr memory.Addr) memory.Addr {
	if o, ok := rt.objects[addr]; ok {
		o.refs++
	}
	return addr
}

// Release drops one reference. The last release sends dealloc when the
// class chain implements it and then frees the instance.
func (rt *Runtime) Release(addr memory.Addr) error {
	o, ok := rt.objects[addr]
	if !ok {
		return nil
	}
	if o.refs > 1 {
		o.refs--
		return nil
	}
	o.refs = 0
	sel, err := rt.Selector("dealloc")
	if err != nil {
		return err
	}
	m, err := rt.lookup(o.Class, sel)
	if err != nil {
		return err
	}
	if m.Kind != IMP_NONE {
		if _, err := rt.Send(addr, sel, abi.Shape{Ret: abi.Void}); err != nil {
			return errors.Wrapf(err, "dealloc %s", addr)
		}
	}
	delete(rt.objects, addr)
	return rt.heap.Free(addr)
}

func (rt *Runtime) RetainCount(addr memory.Addr) uint32 {
	if o, ok := rt.objects[addr]; ok {
		return o.refs
	}
	return 0
}
