package abi

import (
	"encoding/binary"

	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/memory"
)

var le = binary.LittleEndian

const (
	coreArgRegs = 4
	vfpArgRegs  = 16
	stackAlign  = 8
)

type slotKind uint8

const (
	slotCore slotKind = iota
	slotVFP
	slotStack
)

// slot is one 32-bit word of an argument: a core register, a single
// precision VFP register or a byte offset from the stack pointer.
type slot struct {
	kind  slotKind
	index uint32
}

type layout struct {
	args  [][]slot
	sret  bool
	stack uint32
}

// allocator assigns argument words to locations, left to right.
type allocator struct {
	ncrn       uint32
	vfp        uint16
	vfpStacked bool
	nsaa       uint32
	soft       bool
}

func (a *allocator) stackWords(n, align uint32) []slot {
	a.nsaa = memory.Align(a.nsaa, align)
	out := make([]slot, n)
	for i := range out {
		out[i] = slot{slotStack, a.nsaa}
		a.nsaa += 4
	}
	return out
}

func (a *allocator) float(t Type) []slot {
	if t.Kind == KIND_F32 {
		for i := uint32(0); i < vfpArgRegs && !a.vfpStacked; i++ {
			if a.vfp&(1<<i) == 0 {
				a.vfp |= 1 << i
				return []slot{{slotVFP, i}}
			}
		}
		a.vfpStacked = true
		return a.stackWords(1, 4)
	}
	for i := uint32(0); i < vfpArgRegs && !a.vfpStacked; i += 2 {
		if a.vfp&(3<<i) == 0 {
			a.vfp |= 3 << i
			return []slot{{slotVFP, i}, {slotVFP, i + 1}}
		}
	}
	a.vfpStacked = true
	return a.stackWords(2, 8)
}

func (a *allocator) place(t Type) []slot {
	if t.IsFloat() && !a.soft {
		return a.float(t)
	}
	switch {
	case t.isWide():
		a.ncrn = memory.Align(a.ncrn, 2)
		if a.ncrn+2 <= coreArgRegs {
			a.ncrn += 2
			return []slot{{slotCore, a.ncrn - 2}, {slotCore, a.ncrn - 1}}
		}
		a.ncrn = coreArgRegs
		return a.stackWords(2, 8)
	}
	// structs of any size split word by word over the remaining core
	// registers and then the stack
	n := t.Words()
	out := make([]slot, 0, n)
	for range n {
		if a.ncrn < coreArgRegs {
			out = append(out, slot{slotCore, a.ncrn})
			a.ncrn++
		} else {
			out = append(out, a.stackWords(1, 4)...)
		}
	}
	return out
}

// variadic places arguments past the fixed ones; they always go on the
// stack.
func (a *allocator) variadic(t Type) []slot {
	switch {
	case t.Kind == KIND_F32:
		return a.stackWords(2, 8)
	case t.isWide():
		return a.stackWords(2, 8)
	}
	return a.stackWords(t.Words(), 4)
}

func newLayout(shape Shape, extra []Type) layout {
	al := allocator{soft: shape.SoftFloat}
	var l layout
	if shape.IndirectReturn() {
		l.sret = true
		al.ncrn = 1
	}
	l.args = make([][]slot, 0, len(shape.Args)+len(extra))
	for _, t := range shape.Args {
		l.args = append(l.args, al.place(t))
	}
	for _, t := range extra {
		l.args = append(l.args, al.variadic(t))
	}
	l.stack = al.nsaa
	return l
}

// promote applies the C default argument promotion for variadic floats.
func promote(t Type, v Value) (Type, Value) {
	if t.Kind == KIND_F32 {
		return F64, Float64(float64(v.F32()))
	}
	return t, v
}

// registers is the register file an argument frame is read from or
// written to.
type registers interface {
	Regs() *[16]uint32
	FPRegs() *[32]uint32
}

func readSlots(regs registers, mem *memory.Space, sp memory.Addr, slots []slot) ([]uint32, error) {
	words := make([]uint32, len(slots))
	for i, s := range slots {
		switch s.kind {
		case slotCore:
			words[i] = regs.Regs()[arm.ARM_REG_R0+s.index]
		case slotVFP:
			words[i] = regs.FPRegs()[s.index]
		default:
			w, err := mem.ReadU32(sp.Add(s.index))
			if err != nil {
				return nil, err
			}
			words[i] = w
		}
	}
	return words, nil
}

func writeSlots(regs registers, mem *memory.Space, sp memory.Addr, slots []slot, words []uint32) error {
	for i, s := range slots {
		switch s.kind {
		case slotCore:
			regs.Regs()[arm.ARM_REG_R0+s.index] = words[i]
		case slotVFP:
			regs.FPRegs()[s.index] = words[i]
		default:
			if err := mem.WriteU32(sp.Add(s.index), words[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
