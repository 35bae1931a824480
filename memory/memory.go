// Package memory implements the guest address space of a 32-bit ARM process:
// a flat little-endian 4 GiB range with a faulting null-guard region at the
// bottom, plus the helpers the rest of the bridge uses to address it.
package memory

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

const (
	PageSize    = 0x1000
	Size        = 1 << 32
	PointerSize = 4
)

// Addr is an offset into the guest address space. It is never a host pointer.
type Addr uint32

func (a Addr) Add(n uint32) Addr {
	return a + Addr(n)
}

func (a Addr) Sub(n uint32) Addr {
	return a - Addr(n)
}

func (a Addr) IsNil() bool {
	return a == 0
}

func (a Addr) String() string {
	return fmt.Sprintf("0x%08x", uint32(a))
}

func Align[I constraints.Integer](a, b I) I {
	return (a + b - 1) &^ (b - 1)
}

func AlignDown[I constraints.Integer](a, b I) I {
	return a &^ (b - 1)
}
