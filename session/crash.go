package session

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/cpu"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/memory"
	"go.uber.org/zap"
)

const maxBacktrace = 64

var (
	ErrUndefinedInstruction = errors.New("undefined instruction")
	ErrUnexpectedReturn     = errors.New("return to host outside a host to guest call")
	ErrExitInCall           = errors.New("thread exit inside a host to guest call")
	ErrBreakpointInCall     = errors.New("breakpoint inside a host to guest call")
)

type Frame struct {
	Addr   memory.Addr
	Symbol string
}

// CrashReport ends a guest thread. It is built where the thread died, so
// registers and backtrace are those of the failing instruction even when
// the crash unwinds through nested host calls.
type CrashReport struct {
	Thread    int
	Halt      cpu.HaltReason
	Cause     error
	Regs      [16]uint32
	CPSR      uint32
	Backtrace []Frame
}

func (r *CrashReport) Error() string {
	return fmt.Sprintf("[Crash] thread %d halted with %s: %v", r.Thread, r.Halt, r.Cause)
}

func (r *CrashReport) Unwrap() error {
	return r.Cause
}

// WriteTo renders the report the way a crash log lists it.
func (r *CrashReport) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Thread %d crashed: %s\n", r.Thread, r.Halt)
	fmt.Fprintf(&sb, "Cause: %v\n\n", r.Cause)
	for i, f := range r.Backtrace {
		fmt.Fprintf(&sb, "%-3d %s %s\n", i, f.Addr, f.Symbol)
	}
	sb.WriteString("\n")
	for i := 0; i < 16; i += 4 {
		fmt.Fprintf(&sb, "r%-2d %08x  r%-2d %08x  r%-2d %08x  r%-2d %08x\n",
			i, r.Regs[i], i+1, r.Regs[i+1], i+2, r.Regs[i+2], i+3, r.Regs[i+3])
	}
	fmt.Fprintf(&sb, "cpsr %08x\n", r.CPSR)
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// haltCause turns a thread fatal halt into the error the report carries.
func (s *Session) haltCause(halt cpu.HaltReason) error {
	switch halt.Kind {
	case cpu.HALT_MEMORY_FAULT:
		return &memory.Fault{Addr: halt.Addr, Size: halt.Size, Write: halt.Write, Guard: uint32(halt.Addr) < s.mem.GuardSize()}
	case cpu.HALT_UNDEFINED_INSTRUCTION:
		return errors.Wrapf(ErrUndefinedInstruction, "at %s", s.core.PC())
	}
	return errors.AssertionFailedf("halt %s is not fatal", halt)
}

// crash builds the report for the running thread. A cause that already is
// a report came from a nested call and is passed through.
func (s *Session) crash(halt cpu.HaltReason, cause error) *CrashReport {
	var nested *CrashReport
	if errors.As(cause, &nested) {
		return nested
	}
	r := &CrashReport{
		Halt:      halt,
		Cause:     errors.WithDetailf(cause, "pc %s", s.core.PC()),
		Regs:      *s.core.Regs(),
		CPSR:      s.core.CPSR(),
		Backtrace: s.backtrace(),
	}
	if s.current != nil {
		r.Thread = s.current.ID
	}
	s.metrics.Crashes.Inc()
	s.logger.Error("guest thread crashed",
		zap.Int("thread", r.Thread),
		zap.Stringer("halt", halt),
		zap.String("pc", s.linker.Symbolize(s.core.PC())),
		zap.Error(cause),
	)
	return r
}

// backtrace walks the r7 frame chain. Each record holds the caller's frame
// pointer and the return address.
func (s *Session) backtrace() []Frame {
	regs := s.core.Regs()
	pcs := []memory.Addr{s.core.PC()}
	if lr := memory.Addr(regs[arm.ARM_REG_LR]); !lr.IsNil() {
		pcs = append(pcs, lr)
	}
	fp := memory.Addr(regs[arm.ARM_REG_FP])
	for len(pcs) < maxBacktrace && !fp.IsNil() && fp&3 == 0 {
		next, err := s.mem.ReadU32(fp)
		if err != nil {
			break
		}
		ret, err := s.mem.ReadU32(fp.Add(memory.PointerSize))
		if err != nil || ret == 0 {
			break
		}
		if ret := memory.Addr(ret); ret != pcs[len(pcs)-1] {
			pcs = append(pcs, ret)
		}
		if memory.Addr(next) <= fp {
			break
		}
		fp = memory.Addr(next)
	}
	frames := make([]Frame, len(pcs))
	for i, pc := range pcs {
		frames[i] = Frame{Addr: pc, Symbol: s.linker.Symbolize(pc)}
	}
	return frames
}
