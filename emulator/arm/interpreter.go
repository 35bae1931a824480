package arm

import (
	"github.com/wnxd/microhle/emulator"
)

type stopPtr = *emulator.Stop

// execFunc runs one decoded instruction. It returns the tick cost and a
// non-nil stop when execution must return to the caller.
type execFunc func(it *Interpreter, insn uint32) (uint64, stopPtr)

// Interpreter is a straightforward A32 interpreter with VFPv2 support. It
// keeps decoded instructions per code page until InvalidateCacheRange.
type Interpreter struct {
	regs  [16]uint32
	cpsr  uint32
	fp    [32]uint32
	fpscr uint32

	// address of the instruction being executed
	cur   uint32
	bus   emulator.Bus
	fault uint32
	cache codeCache
	stop  emulator.Stop
}

type armContext struct {
	regs  [16]uint32
	cpsr  uint32
	fp    [32]uint32
	fpscr uint32
}

var _ emulator.Engine = (*Interpreter)(nil)

func NewInterpreter() *Interpreter {
	it := &Interpreter{cpsr: CPSR_USER_MODE}
	it.cache.init()
	return it
}

func (it *Interpreter) Close() error {
	it.cache.clear()
	return nil
}

func (it *Interpreter) Regs() *[16]uint32 {
	return &it.regs
}

func (it *Interpreter) CPSR() uint32 {
	return it.cpsr
}

func (it *Interpreter) SetCPSR(cpsr uint32) {
	it.cpsr = cpsr
}

func (it *Interpreter) FPRegs() *[32]uint32 {
	return &it.fp
}

func (it *Interpreter) FPSCR() uint32 {
	return it.fpscr
}

func (it *Interpreter) SetFPSCR(fpscr uint32) {
	it.fpscr = fpscr
}

func (it *Interpreter) FaultAddr() uint32 {
	return it.fault
}

func (it *Interpreter) InvalidateCacheRange(addr, size uint32) {
	it.cache.invalidate(addr, size)
}

func (it *Interpreter) NewContext() emulator.Context {
	return &armContext{cpsr: CPSR_USER_MODE}
}

func (it *Interpreter) SaveContext(ctx emulator.Context) error {
	c, ok := ctx.(*armContext)
	if !ok || c == nil {
		return emulator.ErrContextInvalid
	}
	c.regs, c.cpsr, c.fp, c.fpscr = it.regs, it.cpsr, it.fp, it.fpscr
	return nil
}

func (it *Interpreter) LoadContext(ctx emulator.Context) error {
	c, ok := ctx.(*armContext)
	if !ok || c == nil {
		return emulator.ErrContextInvalid
	}
	it.regs, it.cpsr, it.fp, it.fpscr = c.regs, c.cpsr, c.fp, c.fpscr
	return nil
}

func (c *armContext) Clone() emulator.Context {
	clone := *c
	return &clone
}

func (it *Interpreter) Run(bus emulator.Bus, ticks *uint64) emulator.Stop {
	if ticks == nil {
		one := uint64(1)
		ticks = &one
	}
	it.bus = bus
	defer func() { it.bus = nil }()
	for *ticks > 0 {
		if it.cpsr&CPSR_THUMB != 0 {
			// A32 only.
			return emulator.Stop{Kind: emulator.STOP_UNDEFINED}
		}
		pc := it.regs[ARM_REG_PC] &^ 3
		insn, exec, ok := it.fetch(pc)
		if !ok {
			it.regs[ARM_REG_PC] = pc
			return emulator.Stop{Kind: emulator.STOP_MEM_ERROR}
		}
		it.cur = pc
		it.regs[ARM_REG_PC] = pc + INSN_SIZE
		var cost uint64 = 1
		var stop stopPtr
		if it.conditionPassed(insn >> 28) {
			cost, stop = exec(it, insn)
		}
		*ticks -= min(cost, *ticks)
		if stop != nil {
			return *stop
		}
	}
	return emulator.Stop{Kind: emulator.STOP_TICKS}
}

func (it *Interpreter) fetch(pc uint32) (uint32, execFunc, bool) {
	if d, ok := it.cache.lookup(pc); ok {
		return d.insn, d.exec, true
	}
	insn, ok := it.bus.ReadU32(pc)
	if !ok {
		it.fault = pc
		return 0, nil, false
	}
	exec := decode(insn)
	it.cache.store(pc, insn, exec)
	return insn, exec, true
}

// reg reads a register operand; r15 reads as the current instruction plus 8.
func (it *Interpreter) reg(n uint32) uint32 {
	if n == ARM_REG_PC {
		return it.cur + 8
	}
	return it.regs[n]
}

// setReg writes a register; writing r15 is an interworking branch.
func (it *Interpreter) setReg(n uint32, v uint32) {
	if n == ARM_REG_PC {
		it.branchExchange(v)
		return
	}
	it.regs[n] = v
}

func (it *Interpreter) branchExchange(target uint32) {
	if target&1 != 0 {
		it.cpsr |= CPSR_THUMB
		it.regs[ARM_REG_PC] = target &^ 1
	} else {
		it.regs[ARM_REG_PC] = target &^ 3
	}
}

func (it *Interpreter) halt(kind emulator.StopKind) stopPtr {
	it.regs[ARM_REG_PC] = it.cur
	it.stop = emulator.Stop{Kind: kind}
	return &it.stop
}

func (it *Interpreter) memFault(addr uint32) stopPtr {
	it.fault = addr
	return it.halt(emulator.STOP_MEM_ERROR)
}

func (it *Interpreter) undefined(uint32) (uint64, stopPtr) {
	return 1, it.halt(emulator.STOP_UNDEFINED)
}

func (it *Interpreter) flag(f uint32) bool {
	return it.cpsr&f != 0
}

func (it *Interpreter) setFlag(f uint32, on bool) {
	if on {
		it.cpsr |= f
	} else {
		it.cpsr &^= f
	}
}

func (it *Interpreter) setNZ(v uint32) {
	it.setFlag(CPSR_N, v&(1<<31) != 0)
	it.setFlag(CPSR_Z, v == 0)
}

func (it *Interpreter) conditionPassed(cond uint32) bool {
	n, z, c, v := it.flag(CPSR_N), it.flag(CPSR_Z), it.flag(CPSR_C), it.flag(CPSR_V)
	switch cond {
	case 0x0:
		return z
	case 0x1:
		return !z
	case 0x2:
		return c
	case 0x3:
		return !c
	case 0x4:
		return n
	case 0x5:
		return !n
	case 0x6:
		return v
	case 0x7:
		return !v
	case 0x8:
		return c && !z
	case 0x9:
		return !c || z
	case 0xa:
		return n == v
	case 0xb:
		return n != v
	case 0xc:
		return !z && n == v
	case 0xd:
		return z || n != v
	}
	// AL and the unconditional space; the decoder handles the latter.
	return true
}
