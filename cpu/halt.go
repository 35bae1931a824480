package cpu

import (
	"fmt"

	"github.com/wnxd/microhle/emulator"
	"github.com/wnxd/microhle/memory"
)

type HaltKind int

const (
	HALT_STEPPED HaltKind = iota
	HALT_MEMORY_FAULT
	HALT_UNDEFINED_INSTRUCTION
	HALT_BREAKPOINT
	HALT_SYSTEM_CALL
)

var haltNames = [...]string{"Stepped", "MemoryFault", "UndefinedInstruction", "Breakpoint", "SystemCall"}

func (k HaltKind) String() string {
	if int(k) < len(haltNames) {
		return haltNames[k]
	}
	return fmt.Sprintf("HaltKind(%d)", int(k))
}

// HaltReason says why Run or Step returned. Code is the system call number
// for HALT_SYSTEM_CALL. For HALT_MEMORY_FAULT, Addr, Size and Write
// describe the faulting access.
type HaltReason struct {
	Kind  HaltKind
	Code  uint32
	Addr  memory.Addr
	Size  uint32
	Write bool
}

func (h HaltReason) String() string {
	switch h.Kind {
	case HALT_SYSTEM_CALL:
		return fmt.Sprintf("SystemCall(%d)", h.Code)
	case HALT_MEMORY_FAULT:
		if h.Size == 0 {
			return fmt.Sprintf("MemoryFault(%s)", h.Addr)
		}
		op := "read"
		if h.Write {
			op = "write"
		}
		return fmt.Sprintf("MemoryFault(%s %d at %s)", op, h.Size, h.Addr)
	}
	return h.Kind.String()
}

func (h HaltReason) IsSystemCall(code uint32) bool {
	return h.Kind == HALT_SYSTEM_CALL && h.Code == code
}

// EngineInternalError reports a stop code the adapter does not know. It is
// always fatal to the session.
type EngineInternalError struct {
	Stop emulator.Stop
}

func (e *EngineInternalError) Error() string {
	return fmt.Sprintf("[EngineInternal] unknown stop kind %d (imm %#x)", int(e.Stop.Kind), e.Stop.Imm)
}

func classify(stop emulator.Stop, faultAddr uint32) (HaltReason, error) {
	switch stop.Kind {
	case emulator.STOP_TICKS:
		return HaltReason{Kind: HALT_STEPPED}, nil
	case emulator.STOP_SVC:
		return HaltReason{Kind: HALT_SYSTEM_CALL, Code: stop.Imm}, nil
	case emulator.STOP_MEM_ERROR:
		return HaltReason{Kind: HALT_MEMORY_FAULT, Addr: memory.Addr(faultAddr)}, nil
	case emulator.STOP_UNDEFINED:
		return HaltReason{Kind: HALT_UNDEFINED_INSTRUCTION}, nil
	case emulator.STOP_BREAKPOINT:
		return HaltReason{Kind: HALT_BREAKPOINT}, nil
	}
	return HaltReason{}, &EngineInternalError{Stop: stop}
}
