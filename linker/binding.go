package linker

import (
	"fmt"

	"github.com/wnxd/microhle/memory"
)

type BindingKind int

const (
	BIND_UNRESOLVED BindingKind = iota
	BIND_GUEST
	BIND_HOST
	BIND_CONSTANT
	BIND_CLASS
)

var bindingNames = [...]string{"unresolved", "guest", "host", "constant", "class"}

func (k BindingKind) String() string {
	if int(k) < len(bindingNames) {
		return bindingNames[k]
	}
	return fmt.Sprintf("BindingKind(%d)", int(k))
}

// Binding is what an imported symbol resolved to. Addr is the value the
// import slot receives: a guest export, a trampoline, constant storage or
// a class object. Code is the system call number of host and unresolved
// function trampolines. Bindings compare with ==.
type Binding struct {
	Kind    BindingKind
	Name    string
	Library string
	Addr    memory.Addr
	Code    uint32
}

func (b Binding) String() string {
	switch b.Kind {
	case BIND_HOST, BIND_UNRESOLVED:
		if b.Code != 0 {
			return fmt.Sprintf("%s %s!%s -> %s (svc #%d)", b.Kind, b.Library, b.Name, b.Addr, b.Code)
		}
	}
	return fmt.Sprintf("%s %s!%s -> %s", b.Kind, b.Library, b.Name, b.Addr)
}
