package gdb

import (
	"github.com/wnxd/microhle/cpu"
)

// Target is what the server debugs. Continue and Step return the halt the
// debugger reports; a non-nil error ends the target with a signal.
type Target interface {
	Core() *cpu.Core
	Continue() (cpu.HaltReason, error)
	Step() (cpu.HaltReason, error)
}

// ContinueTicks bounds one continue on a bare core.
const ContinueTicks = 1 << 32

type coreTarget struct {
	core *cpu.Core
}

// CoreTarget debugs a core directly. System calls stop the target like a
// breakpoint since nothing services them.
func CoreTarget(core *cpu.Core) Target {
	return coreTarget{core}
}

func (t coreTarget) Core() *cpu.Core { return t.core }

func (t coreTarget) Continue() (cpu.HaltReason, error) {
	halt, _, err := t.core.Run(ContinueTicks)
	return halt, err
}

func (t coreTarget) Step() (cpu.HaltReason, error) {
	return t.core.Step()
}
