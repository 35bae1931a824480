package objc

import (
	"github.com/wnxd/microhle/abi"
	"github.com/wnxd/microhle/memory"
	"github.com/wnxd/microhle/registry"
)

const Library = "libobjc.A.dylib"

// The msgSend entry points decode their own arguments, so their shapes
// only cover the registers the dispatcher reads.
var (
	sendShape  = abi.Shape{Args: []abi.Type{abi.Ptr, abi.Ptr}, Ret: abi.Void}
	stretShape = abi.Shape{Args: []abi.Type{abi.Ptr, abi.Ptr, abi.Ptr}, Ret: abi.Void}
)

// Export registers the runtime entry points guest images import from
// libobjc.
func (rt *Runtime) Export(reg *registry.Registry) error {
	sends := []*registry.Function{
		{Name: "_objc_msgSend", Shape: sendShape, Fn: func(c *abi.Call) error {
			return rt.sendFromGuest(c, SEND_NORMAL)
		}},
		{Name: "_objc_msgSendSuper2", Shape: sendShape, Fn: func(c *abi.Call) error {
			return rt.sendFromGuest(c, SEND_SUPER)
		}},
		{Name: "_objc_msgSend_stret", Shape: stretShape, Fn: func(c *abi.Call) error {
			return rt.sendFromGuest(c, SEND_STRET)
		}},
	}
	for _, f := range sends {
		f.Library = Library
		if err := reg.RegisterFunc(f); err != nil {
			return err
		}
	}
	funcs := map[string]any{
		"_sel_registerName": func(name memory.Addr) (memory.Addr, error) {
			str, err := rt.mem.ReadCString(name)
			if err != nil {
				return 0, err
			}
			sel, err := rt.Selector(str)
			return sel.Addr(), err
		},
		"_sel_getName": func(sel memory.Addr) (memory.Addr, error) {
			s, err := rt.canonical(Selector(sel))
			return s.Addr(), err
		},
		"_objc_getClass": func(name memory.Addr) (memory.Addr, error) {
			str, err := rt.mem.ReadCString(name)
			if err != nil {
				return 0, err
			}
			addr, _ := rt.ClassObject(str)
			return addr, nil
		},
		"_object_getClass": func(obj memory.Addr) memory.Addr {
			if cls, err := rt.ClassOf(obj); err == nil {
				return cls.Addr
			}
			return 0
		},
		"_class_createInstance": func(cls memory.Addr, extra uint32) (memory.Addr, error) {
			c, ok := rt.byAddr[cls]
			if !ok {
				return 0, nil
			}
			o, err := rt.Alloc(c, extra, nil)
			if err != nil {
				return 0, err
			}
			return o.Addr, nil
		},
		"_objc_retain": rt.Retain,
		"_objc_release": func(obj memory.Addr) error {
			return rt.Release(obj)
		},
		"_objc_sync_enter": rt.SyncEnter,
		"_objc_sync_exit":  rt.SyncExit,
		"_objc_setProperty": func(self, cmd memory.Addr, offset int32, value memory.Addr, atomic bool, shouldCopy int8) error {
			return rt.SetProperty(self, offset, value, shouldCopy)
		},
		"_objc_getProperty": func(self, cmd memory.Addr, offset int32, atomic bool) (memory.Addr, error) {
			return rt.GetProperty(self, offset)
		},
		"_objc_copyStruct": func(dest, src memory.Addr, size uint32, atomic, hasStrong bool) error {
			return rt.mem.Copy(dest, src, size)
		},
		"_class_respondsToSelector": func(cls, sel memory.Addr) (bool, error) {
			c, ok := rt.byAddr[cls]
			if !ok {
				return false, nil
			}
			s, err := rt.canonical(Selector(sel))
			if err != nil {
				return false, err
			}
			m, err := rt.lookup(c, s)
			return m.Kind != IMP_NONE, err
		},
	}
	for name, fn := range funcs {
		if err := reg.Register(Library, name, fn); err != nil {
			return err
		}
	}
	return nil
}
