package objc

import (
	"github.com/wnxd/microhle/memory"
)

// Selector is the guest address of an interned selector string. Two
// selectors are equal exactly when their texts are.
type Selector memory.Addr

func (sel Selector) Addr() memory.Addr {
	return memory.Addr(sel)
}

// Selector interns name and returns its selector.
func (rt *Runtime) Selector(name string) (Selector, error) {
	if sel, ok := rt.selectors[name]; ok {
		return sel, nil
	}
	addr, err := rt.heap.Alloc(uint32(len(name)) + 1)
	if err != nil {
		return 0, err
	}
	if err := rt.mem.WriteCString(addr, name); err != nil {
		return 0, err
	}
	sel := Selector(addr)
	rt.selectors[name] = sel
	rt.selNames[sel] = name
	return sel, nil
}

// MustSelector is Selector for names interned during setup.
func (rt *Runtime) MustSelector(name string) Selector {
	sel, err := rt.Selector(name)
	if err != nil {
		panic(err)
	}
	return sel
}

// SelectorName returns the text of sel.
func (rt *Runtime) SelectorName(sel Selector) (string, error) {
	if name, ok := rt.selNames[sel]; ok {
		return name, nil
	}
	return rt.mem.ReadCString(sel.Addr())
}

// canonical maps a selector address guest code built on its own onto the
// interned one with the same text.
func (rt *Runtime) canonical(sel Selector) (Selector, error) {
	if _, ok := rt.selNames[sel]; ok {
		return sel, nil
	}
	if c, ok := rt.aliases[sel]; ok {
		return c, nil
	}
	name, err := rt.mem.ReadCString(sel.Addr())
	if err != nil {
		return 0, err
	}
	c, ok := rt.selectors[name]
	if !ok {
		c = sel
		rt.selectors[name] = sel
		rt.selNames[sel] = name
		return c, nil
	}
	rt.aliases[sel] = c
	return c, nil
}
