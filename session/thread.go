package session

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/abi"
	"github.com/wnxd/microhle/cpu"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/memory"
	"go.uber.org/zap"
)

type ThreadState int

const (
	THREAD_IDLE ThreadState = iota
	THREAD_READY
	THREAD_EXITED
	THREAD_CRASHED
)

var threadStateNames = [...]string{"idle", "ready", "exited", "crashed"}

func (s ThreadState) String() string {
	if int(s) < len(threadStateNames) {
		return threadStateNames[s]
	}
	return fmt.Sprintf("ThreadState(%d)", int(s))
}

// Thread is one cooperative guest thread. Only the current thread's state
// lives in the engine; the others are parked in ctx.
type Thread struct {
	ID    int
	Name  string
	State ThreadState
	// Result is r0 when the entry function returned.
	Result uint32
	Crash  *CrashReport

	ctx       *cpu.Context
	saved     bool
	stack     memory.Addr
	stackSize uint32
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d (%s)", t.ID, t.Name)
}

// StackTop is the initial stack pointer of the thread.
func (t *Thread) StackTop() memory.Addr {
	return t.stack.Add(t.stackSize)
}

func (t *Thread) Runnable() bool {
	return t.State == THREAD_READY
}

func (s *Session) newThread(name string, stackSize uint32) (*Thread, error) {
	stack, err := s.heap.Alloc(stackSize)
	if err != nil {
		return nil, errors.Wrapf(err, "stack for thread %s", name)
	}
	t := &Thread{
		ID:        len(s.threads),
		Name:      name,
		ctx:       s.core.NewContext(),
		stack:     stack,
		stackSize: stackSize,
	}
	err = s.edit(t, func() {
		*s.core.Regs() = [16]uint32{}
		*s.core.FPRegs() = [32]uint32{}
		s.core.SetCPSR(arm.CPSR_USER_MODE)
		s.core.Regs()[arm.ARM_REG_SP] = uint32(memory.AlignDown(t.StackTop(), 8))
		s.core.Regs()[arm.ARM_REG_LR] = uint32(s.linker.ThreadExit())
	})
	if err != nil {
		s.heap.Free(stack)
		return nil, err
	}
	s.threads = append(s.threads, t)
	return t, nil
}

// edit applies fn to the registers of t, parking and restoring the live
// state when t is not the current thread.
func (s *Session) edit(t *Thread, fn func()) error {
	if t == s.current {
		fn()
		return nil
	}
	live := s.core.NewContext()
	if err := s.core.SaveContext(live); err != nil {
		return err
	}
	if t.saved {
		if err := s.core.LoadContext(t.ctx); err != nil {
			return err
		}
	}
	fn()
	if err := s.core.SaveContext(t.ctx); err != nil {
		return err
	}
	t.saved = true
	return s.core.LoadContext(live)
}

// NewThread creates a thread that calls entry with up to four word
// arguments. It runs once the scheduler switches to it.
func (s *Session) NewThread(name string, entry memory.Addr, args ...uint32) (*Thread, error) {
	t, err := s.newThread(name, s.cfg.MainStackSize)
	if err != nil {
		return nil, err
	}
	if err := s.Start(t, entry, args...); err != nil {
		return nil, err
	}
	return t, nil
}

// Start points an idle thread at entry.
func (s *Session) Start(t *Thread, entry memory.Addr, args ...uint32) error {
	if t.State != THREAD_IDLE {
		return errors.Wrapf(ErrThreadFinished, "%s is %s", t, t.State)
	}
	if len(args) > 4 {
		return errors.Wrapf(abi.ErrArgumentInvalid, "%d thread arguments", len(args))
	}
	err := s.edit(t, func() {
		regs := s.core.Regs()
		copy(regs[arm.ARM_REG_R0:arm.ARM_REG_R4], args)
		regs[arm.ARM_REG_SP] = uint32(memory.AlignDown(t.StackTop(), 8))
		regs[arm.ARM_REG_FP] = 0
		regs[arm.ARM_REG_LR] = uint32(s.linker.ThreadExit())
		s.core.Branch(entry)
	})
	if err != nil {
		return err
	}
	t.State = THREAD_READY
	s.logger.Debug("thread started", zap.Int("thread", t.ID), zap.String("name", t.Name), zap.String("entry", s.linker.Symbolize(entry)))
	return nil
}

// Switch parks the current thread and makes t current.
func (s *Session) Switch(t *Thread) error {
	if t == s.current {
		return nil
	}
	if s.bridge.Depth() > 0 {
		return errors.Newf("switch to %s inside a host to guest call", t)
	}
	if s.current != nil {
		if err := s.core.SaveContext(s.current.ctx); err != nil {
			return err
		}
		s.current.saved = true
	}
	if err := s.core.LoadContext(t.ctx); err != nil {
		return err
	}
	s.current = t
	return nil
}

func (s *Session) exit(t *Thread) {
	t.State = THREAD_EXITED
	t.Result = s.core.Regs()[arm.ARM_REG_R0]
	s.logger.Debug("thread exited", zap.Int("thread", t.ID), zap.String("name", t.Name), zap.Uint32("result", t.Result))
	s.releaseStack(t)
}

// releaseStack returns a finished thread's stack to the heap. The main
// stack stays, host calls keep running on it.
func (s *Session) releaseStack(t *Thread) {
	if t == s.main || t.stack.IsNil() {
		return
	}
	if err := s.heap.Free(t.stack); err != nil {
		s.logger.Warn("free thread stack", zap.Int("thread", t.ID), zap.Error(err))
	}
	t.stack = 0
}
