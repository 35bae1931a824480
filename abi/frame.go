package abi

import (
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/memory"
)

// Frame is a detached register file. It holds the argument registers of a
// call captured for later decoding, and implements CPU so NewCall can read
// arguments back out of it.
type Frame struct {
	R [16]uint32
	S [32]uint32
}

func (f *Frame) Regs() *[16]uint32   { return &f.R }
func (f *Frame) FPRegs() *[32]uint32 { return &f.S }

func (f *Frame) Branch(fn memory.Addr) {
	f.R[arm.ARM_REG_PC] = uint32(fn)
}

func (f *Frame) SP() memory.Addr {
	return memory.Addr(f.R[arm.ARM_REG_SP])
}

func CaptureFrame(cpu CPU) *Frame {
	return &Frame{R: *cpu.Regs(), S: *cpu.FPRegs()}
}

// StackSize is the number of bytes of stack arguments shape needs.
func StackSize(shape Shape) uint32 {
	return newLayout(shape, nil).stack
}

// PackFrame lays args out as a caller would. Stack arguments are written to
// sp, where the caller reserved StackSize(shape) bytes.
func PackFrame(shape Shape, args []Value, mem *memory.Space, sp memory.Addr) (*Frame, error) {
	if len(args) != len(shape.Args) {
		return nil, ErrArgumentInvalid
	}
	f := new(Frame)
	f.R[arm.ARM_REG_SP] = uint32(sp)
	l := newLayout(shape, nil)
	for i, v := range args {
		if err := writeSlots(f, mem, sp, l.args[i], v.words(shape.Args[i])); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// FromWords rebuilds a value of type t from its register words. Missing
// words read as zero.
func FromWords(t Type, words []uint32) Value {
	if n := int(t.Words()); len(words) < n {
		padded := make([]uint32, n)
		copy(padded, words)
		words = padded
	}
	return fromWords(t, words)
}

// Words splits v into the register words of type t.
func (v Value) Words(t Type) []uint32 {
	return v.words(t)
}
