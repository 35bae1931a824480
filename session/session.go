// Package session wires the address space, CPU, linker, message dispatcher
// and call bridge into one emulated process, and services the system call
// halts guest code raises when it enters the host.
package session

import (
	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/abi"
	"github.com/wnxd/microhle/cpu"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/internal/metrics"
	"github.com/wnxd/microhle/linker"
	"github.com/wnxd/microhle/loader"
	"github.com/wnxd/microhle/memory"
	"github.com/wnxd/microhle/objc"
	"github.com/wnxd/microhle/registry"
	"go.uber.org/zap"
)

var (
	ErrNoThread        = errors.New("no runnable thread")
	ErrThreadFinished  = errors.New("thread has finished")
	ErrGuardSize       = errors.New("guard size is not a whole number of pages")
	ErrSessionFinished = errors.New("session closed")
)

type Session struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collectors
	mem     *memory.Space
	heap    *memory.Allocator
	core    *cpu.Core
	reg     *registry.Registry
	linker  *linker.Linker
	objc    *objc.Runtime
	bridge  *abi.Bridge
	modules []*linker.Module

	threads []*Thread
	main    *Thread
	current *Thread
	closed  bool
}

// New builds a session over reg. The runtime's libobjc entry points are
// registered into reg, so it must not already define them.
func New(cfg Config, reg *registry.Registry) (_ *Session, err error) {
	if cfg.GuardSize%memory.PageSize != 0 {
		return nil, errors.Wrapf(ErrGuardSize, "%#x", cfg.GuardSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Session{cfg: cfg, logger: cfg.Logger, reg: reg}
	if s.metrics, err = metrics.New(cfg.Registerer); err != nil {
		return nil, err
	}
	if s.mem, err = memory.New(cfg.GuardSize); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()
	opts := []cpu.Option{cpu.WithFastMemory(cfg.FastMemory)}
	if cfg.NewEngine != nil {
		opts = append(opts, cpu.WithEngine(cfg.NewEngine()))
	}
	if s.core, err = cpu.New(s.mem, cfg.GuardSize/memory.PageSize, opts...); err != nil {
		return nil, err
	}
	if s.heap, err = memory.NewAllocator(s.mem, cfg.HeapBase, cfg.HeapSize); err != nil {
		return nil, err
	}
	s.objc = objc.New(s.mem, s.heap,
		objc.WithHost(s),
		objc.WithLogger(s.logger.Named("objc")),
		objc.WithMetrics(s.metrics),
		objc.WithThread(s.currentID),
	)
	if err = s.objc.RegisterHostClasses(reg); err != nil {
		return nil, err
	}
	if err = s.objc.Export(reg); err != nil {
		return nil, err
	}
	s.linker, err = linker.New(s.mem, s.heap, reg,
		linker.WithLogger(s.logger.Named("linker")),
		linker.WithMetrics(s.metrics),
		linker.WithClassLinker(s.objc),
	)
	if err != nil {
		return nil, err
	}
	s.bridge = abi.NewBridge(s.core, s.linker.ReturnToHost(), s.runToHost)

	if s.main, err = s.newThread("main", cfg.MainStackSize); err != nil {
		return nil, err
	}
	s.current = s.main
	if err = s.core.LoadContext(s.main.ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.core != nil {
		err = s.core.Close()
	}
	if s.mem != nil {
		err = errors.CombineErrors(err, s.mem.Close())
	}
	return err
}

func (s *Session) Memory() *memory.Space        { return s.mem }
func (s *Session) Heap() *memory.Allocator      { return s.heap }
func (s *Session) Core() *cpu.Core              { return s.core }
func (s *Session) Linker() *linker.Linker       { return s.linker }
func (s *Session) Runtime() *objc.Runtime       { return s.objc }
func (s *Session) Registry() *registry.Registry { return s.reg }
func (s *Session) Metrics() *metrics.Collectors { return s.metrics }
func (s *Session) Logger() *zap.Logger          { return s.logger }
func (s *Session) Main() *Thread                { return s.main }
func (s *Session) Current() *Thread             { return s.current }
func (s *Session) Threads() []*Thread           { return s.threads }

func (s *Session) currentID() int {
	if s.current == nil {
		return 0
	}
	return s.current.ID
}

func (s *Session) Alloc(size uint32) (memory.Addr, error) {
	return s.heap.Alloc(size)
}

func (s *Session) Free(addr memory.Addr) error {
	return s.heap.Free(addr)
}

// Load maps, registers and links images as one unit. The first image with
// an entry point starts the main thread. Errors are fatal to the session.
func (s *Session) Load(images ...*loader.Image) ([]*linker.Module, error) {
	mods := make([]*linker.Module, 0, len(images))
	for _, img := range images {
		if err := loader.Map(s.mem, img); err != nil {
			return nil, &linker.LoadError{Image: img.Name, Err: err}
		}
		base, size := img.Region()
		s.core.InvalidateCacheRange(base, size)
		m, err := s.linker.AddImage(img)
		if err != nil {
			return nil, err
		}
		if err := s.objc.RegisterImage(img); err != nil {
			return nil, &linker.LoadError{Image: img.Name, Err: err}
		}
		mods = append(mods, m)
	}
	if err := s.objc.Validate(); err != nil {
		return nil, err
	}
	for _, m := range mods {
		if err := s.linker.Link(m); err != nil {
			return nil, err
		}
	}
	s.modules = append(s.modules, mods...)
	for _, img := range images {
		if !img.Entry.IsNil() && s.main.State == THREAD_IDLE {
			if err := s.Start(s.main, img.Entry); err != nil {
				return nil, err
			}
			break
		}
	}
	return mods, nil
}

// ProcAddress returns a callable guest address for a host or guest symbol.
func (s *Session) ProcAddress(name string) (memory.Addr, error) {
	return s.linker.ProcAddress(name)
}

// CallGuest calls fn on the current thread's stack and returns its result.
// It nests: guest code may call back into the host, which may call guest
// code again.
func (s *Session) CallGuest(fn memory.Addr, shape abi.Shape, args ...abi.Value) (abi.Value, error) {
	if s.closed {
		return abi.Value{}, ErrSessionFinished
	}
	s.metrics.GuestCalls.Inc()
	s.logger.Debug("guest call", zap.String("fn", s.linker.Symbolize(fn)), zap.Int("depth", s.bridge.Depth()))
	return s.bridge.CallGuest(fn, shape, args...)
}

// Send delivers a message to a guest or host object from host code.
func (s *Session) Send(recv memory.Addr, sel string, shape abi.Shape, args ...abi.Value) (abi.Value, error) {
	sl, err := s.objc.Selector(sel)
	if err != nil {
		return abi.Value{}, err
	}
	return s.objc.Send(recv, sl, shape, args...)
}

// RunSlice runs the current thread for at most ticks ticks, servicing
// every host call on the way. It returns when the budget is spent, the
// thread finishes or a breakpoint is hit. A thread fatal halt ends the
// thread and is returned as a *CrashReport.
func (s *Session) RunSlice(ticks uint64) (cpu.HaltReason, error) {
	t := s.current
	if t == nil || !t.Runnable() {
		return cpu.HaltReason{}, ErrNoThread
	}
	halt, err := s.run(ticks)
	var report *CrashReport
	if errors.As(err, &report) {
		t.State = THREAD_CRASHED
		t.Crash = report
		s.releaseStack(t)
	}
	return halt, err
}

// RunUntilExit runs the current thread in TickSlice slices until it exits,
// crashes or stops at a breakpoint.
func (s *Session) RunUntilExit() (cpu.HaltReason, error) {
	for {
		halt, err := s.RunSlice(s.cfg.TickSlice)
		if err != nil || !s.current.Runnable() || halt.Kind == cpu.HALT_BREAKPOINT {
			return halt, err
		}
	}
}

// Continue and Step drive the current thread for a debugger.
func (s *Session) Continue() (cpu.HaltReason, error) {
	return s.RunUntilExit()
}

func (s *Session) Step() (cpu.HaltReason, error) {
	return s.RunSlice(1)
}

// run is the service loop shared by RunSlice and nested guest calls. It
// returns on a spent budget, a breakpoint, thread exit or the
// return-to-host sentinel.
func (s *Session) run(ticks uint64) (cpu.HaltReason, error) {
	for {
		halt, left, err := s.core.Run(ticks)
		if err != nil {
			return halt, err
		}
		s.metrics.Halts.WithLabelValues(halt.Kind.String()).Inc()
		ticks = left
		switch halt.Kind {
		case cpu.HALT_STEPPED, cpu.HALT_BREAKPOINT:
			return halt, nil
		case cpu.HALT_SYSTEM_CALL:
		default:
			return halt, s.crash(halt, s.haltCause(halt))
		}
		switch halt.Code {
		case linker.SVC_RETURN_TO_HOST:
			if s.bridge.Depth() == 0 {
				return halt, s.crash(halt, ErrUnexpectedReturn)
			}
			return halt, nil
		case linker.SVC_THREAD_EXIT:
			if s.bridge.Depth() > 0 {
				return halt, s.crash(halt, ErrExitInCall)
			}
			s.exit(s.current)
			return halt, nil
		}
		if err := s.serviceCall(halt.Code); err != nil {
			return halt, s.crash(halt, err)
		}
		if ticks == 0 {
			return cpu.HaltReason{Kind: cpu.HALT_STEPPED}, nil
		}
	}
}

// runToHost drives a host to guest call until it returns to the sentinel.
func (s *Session) runToHost() error {
	for {
		halt, err := s.run(s.cfg.TickSlice)
		if err != nil {
			return err
		}
		switch {
		case halt.IsSystemCall(linker.SVC_RETURN_TO_HOST):
			return nil
		case halt.Kind == cpu.HALT_BREAKPOINT:
			return s.crash(halt, ErrBreakpointInCall)
		}
	}
}

// serviceCall runs the host function behind a trampoline. A panicking
// host function is reported as an error of the guest thread.
func (s *Session) serviceCall(code uint32) (err error) {
	fn, err := s.linker.HostFunction(code)
	if err != nil {
		return err
	}
	s.metrics.HostCalls.Inc()
	s.logger.Debug("host call",
		zap.String("symbol", fn.Name),
		zap.String("library", fn.Library),
		zap.Stringer("lr", memory.Addr(s.core.Regs()[arm.ARM_REG_LR])))
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("host function %s panicked: %v", fn.Name, r)
		}
	}()
	call, err := abi.NewCall(fn.Shape, s.core, s.mem, s)
	if err != nil {
		return errors.Wrapf(err, "arguments of %s", fn.Name)
	}
	if err := fn.Fn(call); err != nil {
		return errors.Wrapf(err, "%s", fn.Name)
	}
	return call.Finish()
}
