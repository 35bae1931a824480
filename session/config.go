package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wnxd/microhle/emulator"
	"github.com/wnxd/microhle/memory"
	"go.uber.org/zap"
)

type Config struct {
	// GuardSize is the faulting region at the bottom of the address space.
	// It must be a whole number of pages.
	GuardSize  uint32
	FastMemory bool
	// HeapBase and HeapSize reserve the window for the guest heap, which
	// holds trampolines, selectors, class objects, objects and stacks.
	HeapBase      memory.Addr
	HeapSize      uint32
	MainStackSize uint32
	// TickSlice bounds each engine run while a host to guest call waits
	// for its result.
	TickSlice  uint64
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// NewEngine builds the execution engine; nil selects the in-tree
	// interpreter.
	NewEngine func() emulator.Engine
}

func DefaultConfig() Config {
	return Config{
		GuardSize:     memory.PageSize,
		FastMemory:    true,
		HeapBase:      0x40000000,
		HeapSize:      0x10000000,
		MainStackSize: 0x80000,
		TickSlice:     1_000_000,
		Logger:        zap.NewNop(),
		Registerer:    prometheus.NewRegistry(),
	}
}
