// Package emulator defines the contract between the bridge and the CPU
// execution engine: register access, a ticked run loop, memory callbacks and
// opaque context snapshots.
package emulator

import "io"

type StopKind int

const (
	STOP_TICKS StopKind = iota
	STOP_SVC
	STOP_MEM_ERROR
	STOP_UNDEFINED
	STOP_BREAKPOINT
)

// Stop is the raw reason an engine returned from Run. Imm carries the SVC
// immediate for STOP_SVC.
type Stop struct {
	Kind StopKind
	Imm  uint32
}

// Bus supplies guest memory to the engine. A false result aborts the current
// instruction with STOP_MEM_ERROR.
type Bus interface {
	ReadU8(addr uint32) (uint8, bool)
	ReadU16(addr uint32) (uint16, bool)
	ReadU32(addr uint32) (uint32, bool)
	ReadU64(addr uint32) (uint64, bool)
	WriteU8(addr uint32, v uint8) bool
	WriteU16(addr uint32, v uint16) bool
	WriteU32(addr uint32, v uint32) bool
	WriteU64(addr uint32, v uint64) bool
}

// Context is engine private CPU state.
type Context interface {
	Clone() Context
}

type Engine interface {
	io.Closer
	Regs() *[16]uint32
	CPSR() uint32
	SetCPSR(cpsr uint32)
	// FPRegs is the single precision view of the VFP bank; double register
	// dN occupies s(2N) and s(2N+1).
	FPRegs() *[32]uint32
	FPSCR() uint32
	SetFPSCR(fpscr uint32)
	// Run executes until ticks reaches zero or a stop condition. A nil ticks
	// executes exactly one instruction.
	Run(bus Bus, ticks *uint64) Stop
	// FaultAddr is the address of the access that caused the last
	// STOP_MEM_ERROR.
	FaultAddr() uint32
	InvalidateCacheRange(addr, size uint32)
	NewContext() Context
	SaveContext(ctx Context) error
	LoadContext(ctx Context) error
}
