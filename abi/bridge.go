package abi

import (
	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/cpu"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/memory"
)

var ErrFrameDepth = errors.New("host to guest call nesting too deep")

const MaxFrameDepth = 256

// Runner executes guest code until the return-to-host sentinel halts it.
type Runner func() error

// Bridge performs host to guest calls. Every call saves the full CPU context
// on a frame stack and restores it afterwards, so calls nest freely.
type Bridge struct {
	core     *cpu.Core
	sentinel memory.Addr
	run      Runner
	frames   []*cpu.Context
}

func NewBridge(core *cpu.Core, sentinel memory.Addr, run Runner) *Bridge {
	return &Bridge{core: core, sentinel: sentinel, run: run}
}

func (b *Bridge) Depth() int {
	return len(b.frames)
}

func (b *Bridge) Sentinel() memory.Addr {
	return b.sentinel
}

// CallGuest calls fn with args. Arguments past len(shape.Args) are variadic
// and typed through Value.As.
func (b *Bridge) CallGuest(fn memory.Addr, shape Shape, args ...Value) (ret Value, err error) {
	if len(args) < len(shape.Args) || (!shape.Variadic && len(args) != len(shape.Args)) {
		return Value{}, errors.Wrapf(ErrArgumentInvalid, "%d arguments for %s", len(args), shape)
	}
	if len(b.frames) >= MaxFrameDepth {
		return Value{}, ErrFrameDepth
	}
	saved := b.core.NewContext()
	if err := b.core.SaveContext(saved); err != nil {
		return Value{}, err
	}
	b.frames = append(b.frames, saved)
	defer func() {
		b.frames = b.frames[:len(b.frames)-1]
		if lerr := b.core.LoadContext(saved); lerr != nil && err == nil {
			err = lerr
		}
	}()

	mem := b.core.Memory()
	regs := b.core.Regs()
	sp := memory.Addr(regs[arm.ARM_REG_SP])

	// frame record so backtraces walk through the host call
	sp = sp.Sub(8)
	if err := mem.WriteU32(sp, regs[arm.ARM_REG_FP]); err != nil {
		return Value{}, err
	}
	if err := mem.WriteU32(sp.Add(4), uint32(b.core.PC())); err != nil {
		return Value{}, err
	}
	regs[arm.ARM_REG_FP] = uint32(sp)

	var sret memory.Addr
	if shape.IndirectReturn() {
		sp = sp.Sub(memory.Align(shape.Ret.Size, stackAlign))
		sret = sp
		regs[arm.ARM_REG_R0] = uint32(sret)
	}

	fixed := args[:len(shape.Args)]
	extra := make([]Value, len(args)-len(fixed))
	extraTypes := make([]Type, len(extra))
	for i, v := range args[len(fixed):] {
		extraTypes[i], extra[i] = promote(v.varType(), v)
	}
	l := newLayout(shape, extraTypes)
	sp = memory.AlignDown(sp.Sub(l.stack), stackAlign)
	for i, v := range fixed {
		if err := writeSlots(b.core, mem, sp, l.args[i], v.words(shape.Args[i])); err != nil {
			return Value{}, errors.Wrapf(err, "argument %d", i)
		}
	}
	for i, v := range extra {
		if err := writeSlots(b.core, mem, sp, l.args[len(fixed)+i], v.words(extraTypes[i])); err != nil {
			return Value{}, errors.Wrapf(err, "variadic argument %d", i)
		}
	}
	regs[arm.ARM_REG_SP] = uint32(sp)
	b.core.BranchWithLink(fn, b.sentinel)

	if err := b.run(); err != nil {
		return Value{}, err
	}
	return readReturn(b.core, mem, shape, sret)
}
