package loader

import "github.com/wnxd/microhle/memory"

// Relocation asks the linker to store the address bound to Imports[Import]
// plus Addend at Addr.
type Relocation struct {
	Addr   memory.Addr
	Import int
	Addend uint32
}
