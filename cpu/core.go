// Package cpu adapts an execution engine to the guest address space: it
// lends the engine exclusive memory access for each run, classifies every
// stop into a HaltReason and manages contexts and software breakpoints.
package cpu

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/emulator"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/memory"
)

var (
	ErrGuardMismatch = errors.New("guard page count does not match the address space")
	ErrBreakpoint    = errors.New("breakpoint invalid")
)

type Option func(*Core)

func WithEngine(engine emulator.Engine) Option {
	return func(c *Core) {
		c.engine = engine
	}
}

// WithFastMemory toggles direct access to the backing buffer for every page
// above the guard.
func WithFastMemory(fast bool) Option {
	return func(c *Core) {
		c.fast = fast
	}
}

type Core struct {
	space       *memory.Space
	engine      emulator.Engine
	fast        bool
	direct      uint32
	bus         bus
	breakpoints map[memory.Addr]uint32
}

// Context is the saved CPU state of one guest thread.
type Context struct {
	ctx emulator.Context
}

func (ctx *Context) Clone() *Context {
	return &Context{ctx.ctx.Clone()}
}

func New(space *memory.Space, guardPages uint32, opts ...Option) (*Core, error) {
	if uint64(guardPages)*memory.PageSize != uint64(space.GuardSize()) {
		return nil, errors.Wrapf(ErrGuardMismatch, "%d pages requested, space guards %#x bytes", guardPages, space.GuardSize())
	}
	c := &Core{
		space:       space,
		fast:        true,
		direct:      guardPages * memory.PageSize,
		breakpoints: make(map[memory.Addr]uint32),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.engine == nil {
		c.engine = arm.NewInterpreter()
	}
	c.engine.SetCPSR(arm.CPSR_USER_MODE)
	return c, nil
}

func (c *Core) Close() error {
	return c.engine.Close()
}

func (c *Core) Memory() *memory.Space {
	return c.space
}

func (c *Core) Regs() *[16]uint32 {
	return c.engine.Regs()
}

func (c *Core) CPSR() uint32 {
	return c.engine.CPSR()
}

func (c *Core) SetCPSR(cpsr uint32) {
	c.engine.SetCPSR(cpsr)
}

func (c *Core) FPRegs() *[32]uint32 {
	return c.engine.FPRegs()
}

func (c *Core) FPSCR() uint32 {
	return c.engine.FPSCR()
}

func (c *Core) SetFPSCR(fpscr uint32) {
	c.engine.SetFPSCR(fpscr)
}

// PC returns the program counter with bit 0 set in Thumb state.
func (c *Core) PC() memory.Addr {
	pc := c.engine.Regs()[arm.ARM_REG_PC]
	if c.engine.CPSR()&arm.CPSR_THUMB != 0 {
		pc |= 1
	}
	return memory.Addr(pc)
}

// Branch sets the program counter; bit 0 of fn selects Thumb state.
func (c *Core) Branch(fn memory.Addr) {
	regs := c.engine.Regs()
	cpsr := c.engine.CPSR()
	if arm.ThumbBit(uint32(fn)) {
		cpsr |= arm.CPSR_THUMB
	} else {
		cpsr &^= arm.CPSR_THUMB
	}
	c.engine.SetCPSR(cpsr)
	regs[arm.ARM_REG_PC] = uint32(fn) &^ 1
}

func (c *Core) BranchWithLink(fn, lr memory.Addr) {
	c.engine.Regs()[arm.ARM_REG_LR] = uint32(lr)
	c.Branch(fn)
}

func (c *Core) InvalidateCacheRange(addr memory.Addr, size uint32) {
	c.engine.InvalidateCacheRange(uint32(addr), size)
}

func (c *Core) NewContext() *Context {
	return &Context{c.engine.NewContext()}
}

func (c *Core) SaveContext(ctx *Context) error {
	if ctx == nil {
		return emulator.ErrContextInvalid
	}
	return c.engine.SaveContext(ctx.ctx)
}

func (c *Core) LoadContext(ctx *Context) error {
	if ctx == nil {
		return emulator.ErrContextInvalid
	}
	return c.engine.LoadContext(ctx.ctx)
}

// Run executes up to ticks ticks and returns the halt reason together with
// the ticks left over.
func (c *Core) Run(ticks uint64) (HaltReason, uint64, error) {
	if ticks == 0 {
		return HaltReason{Kind: HALT_STEPPED}, 0, nil
	}
	access := c.space.Borrow()
	defer access.Release()
	c.bus.bind(access, c.fast, c.direct)
	defer c.bus.unbind()

	stop, stepped, err := c.stepOverBreakpoint(access)
	if err != nil {
		return HaltReason{Kind: HALT_BREAKPOINT}, ticks, err
	}
	if stepped {
		ticks--
		if stop.Kind != emulator.STOP_TICKS || ticks == 0 {
			halt, err := c.classify(stop)
			return halt, ticks, err
		}
	}
	stop = c.engine.Run(&c.bus, &ticks)
	halt, err := c.classify(stop)
	return halt, ticks, err
}

// classify maps an engine stop to a halt, taking the access width and
// direction of a memory fault from the bus.
func (c *Core) classify(stop emulator.Stop) (HaltReason, error) {
	halt, err := classify(stop, c.engine.FaultAddr())
	if halt.Kind == HALT_MEMORY_FAULT && c.bus.fault != nil {
		f := c.bus.fault
		halt.Addr, halt.Size, halt.Write = f.Addr, f.Size, f.Write
	}
	return halt, err
}

// Step executes exactly one instruction.
func (c *Core) Step() (HaltReason, error) {
	access := c.space.Borrow()
	defer access.Release()
	c.bus.bind(access, c.fast, c.direct)
	defer c.bus.unbind()

	stop, stepped, err := c.stepOverBreakpoint(access)
	if err != nil {
		return HaltReason{Kind: HALT_BREAKPOINT}, err
	}
	if !stepped {
		stop = c.engine.Run(&c.bus, nil)
	}
	return c.classify(stop)
}

// stepOverBreakpoint executes the original instruction under a breakpoint
// at the current PC so that resuming does not re-trigger it.
func (c *Core) stepOverBreakpoint(access *memory.Access) (emulator.Stop, bool, error) {
	pc := memory.Addr(c.engine.Regs()[arm.ARM_REG_PC])
	orig, ok := c.breakpoints[pc]
	if !ok {
		return emulator.Stop{}, false, nil
	}
	if err := access.WriteU32(pc, orig); err != nil {
		return emulator.Stop{}, false, errors.Wrapf(err, "restore instruction under breakpoint at %s", pc)
	}
	c.engine.InvalidateCacheRange(uint32(pc), arm.INSN_SIZE)
	stop := c.engine.Run(&c.bus, nil)
	if err := access.WriteU32(pc, arm.INSN_BKPT); err != nil {
		delete(c.breakpoints, pc)
		return stop, true, errors.Wrapf(err, "re-arm breakpoint at %s", pc)
	}
	c.engine.InvalidateCacheRange(uint32(pc), arm.INSN_SIZE)
	return stop, true, nil
}

func (c *Core) SetBreakpoint(addr memory.Addr) error {
	if addr&3 != 0 {
		return errors.Wrapf(ErrBreakpoint, "unaligned address %s", addr)
	}
	if _, ok := c.breakpoints[addr]; ok {
		return nil
	}
	orig, err := c.space.ReadU32(addr)
	if err != nil {
		return err
	}
	if err := c.space.WriteU32(addr, arm.INSN_BKPT); err != nil {
		return err
	}
	c.breakpoints[addr] = orig
	c.InvalidateCacheRange(addr, arm.INSN_SIZE)
	return nil
}

func (c *Core) ClearBreakpoint(addr memory.Addr) error {
	orig, ok := c.breakpoints[addr]
	if !ok {
		return errors.Wrapf(ErrBreakpoint, "no breakpoint at %s", addr)
	}
	delete(c.breakpoints, addr)
	if err := c.space.WriteU32(addr, orig); err != nil {
		return err
	}
	c.InvalidateCacheRange(addr, arm.INSN_SIZE)
	return nil
}

func (c *Core) Breakpoints() []memory.Addr {
	return slices.Sorted(maps.Keys(c.breakpoints))
}

// OriginalWord returns the instruction a breakpoint replaced.
func (c *Core) OriginalWord(addr memory.Addr) (uint32, bool) {
	orig, ok := c.breakpoints[addr]
	return orig, ok
}

func (c *Core) DumpRegs(w io.Writer) {
	regs := c.engine.Regs()
	for i := 0; i < 16; i += 4 {
		fmt.Fprintf(w, "r%-2d %08x  r%-2d %08x  r%-2d %08x  r%-2d %08x\n",
			i, regs[i], i+1, regs[i+1], i+2, regs[i+2], i+3, regs[i+3])
	}
	fmt.Fprintf(w, "cpsr %08x\n", c.engine.CPSR())
}
