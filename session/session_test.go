package session

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/wnxd/microhle/abi"
	"github.com/wnxd/microhle/cpu"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/linker"
	"github.com/wnxd/microhle/loader"
	"github.com/wnxd/microhle/memory"
	"github.com/wnxd/microhle/objc"
	"github.com/wnxd/microhle/registry"
)

const (
	textBase = 0x10000
	dataBase = 0x20000

	insnPush   = 0xe92d4080 // push {r7, lr}
	insnFrame  = 0xe1a0700d // mov r7, sp
	insnPop    = 0xe8bd8080 // pop {r7, pc}
	insnDouble = 0xe0800000 // add r0, r0, r0
	insnAdd    = 0xe0800001 // add r0, r0, r1
	insnZeroR0 = 0xe3a00000 // mov r0, #0
	insnZeroR1 = 0xe3a01000 // mov r1, #0
	insnLoadR0 = 0xe5900000 // ldr r0, [r0]
)

func newSession(t *testing.T, reg *registry.Registry) *Session {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HeapSize = 0x1000000
	s, err := New(cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func load(t *testing.T, s *Session, images ...*loader.Image) {
	t.Helper()
	if _, err := s.Load(images...); err != nil {
		t.Fatal(err)
	}
}

func baseRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	shape, fn := abi.MustWrap(func(self, cmd memory.Addr) uint32 { return 10 })
	err := reg.RegisterClass(&registry.Class{
		Name: "Base", Library: "Foundation", InstanceSize: 4,
		Methods: []registry.Method{{Selector: "value", Shape: shape, Fn: fn}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

// appImage defines Derived : Base with -doubled returning [self value] * 2,
// and a main that creates a Derived and returns [obj doubled].
func appImage(mainSel string) *loader.Image {
	b := loader.NewBuilder("App", textBase, dataBase)
	msgSend, _ := b.ImportFunction("_objc_msgSend", objc.Library)
	create, _ := b.ImportFunction("_class_createInstance", objc.Library)
	valueSel := b.SelectorRef("value")
	mainSelRef := b.SelectorRef(mainSel)

	doubled := b.Code(insnPush, insnFrame)
	b.LoadSlot(arm.ARM_REG_R1, valueSel)
	b.CallSlot(msgSend)
	b.Code(insnDouble, insnPop)
	derived := b.Class(loader.ClassInfo{
		Name: "Derived", Super: "Base", InstanceSize: 8,
		Methods: []loader.Method{{Selector: "doubled", Imp: doubled}},
	})

	main := b.Code(insnPush, insnFrame)
	b.LoadSlot(arm.ARM_REG_R0, derived)
	b.Code(insnZeroR1)
	b.CallSlot(create)
	b.LoadSlot(arm.ARM_REG_R1, mainSelRef)
	b.CallSlot(msgSend)
	b.Code(insnPop)
	return b.Export("_doubled", doubled).Export("_main", main).SetEntry(main).Build()
}

func TestGuestSubclassOfHostClass(t *testing.T) {
	s := newSession(t, baseRegistry(t))
	load(t, s, appImage("doubled"))

	halt, err := s.RunUntilExit()
	if err != nil {
		t.Fatal(err)
	}
	if !halt.IsSystemCall(linker.SVC_THREAD_EXIT) {
		t.Fatalf("halt = %s, want thread exit", halt)
	}
	if main := s.Main(); main.State != THREAD_EXITED || main.Result != 20 {
		t.Fatalf("main %s with result %d, want exited with 20", main.State, main.Result)
	}

	// the same method reached from host code through a host to guest call
	derived, ok := s.Runtime().ClassByName("Derived")
	if !ok {
		t.Fatal("Derived not registered")
	}
	obj, err := s.Runtime().Alloc(derived, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	ret, err := s.Send(obj.Addr, "doubled", abi.Shape{Ret: abi.U32})
	if err != nil {
		t.Fatal(err)
	}
	if ret.U32() != 20 {
		t.Errorf("[obj doubled] = %d, want 20", ret.U32())
	}
	if got := testutil.ToFloat64(s.Metrics().GuestCalls); got != 1 {
		t.Errorf("guest calls = %v, want 1", got)
	}
}

func TestUnrecognizedSelectorCrashesThread(t *testing.T) {
	s := newSession(t, baseRegistry(t))
	load(t, s, appImage("tripled"))

	_, err := s.RunUntilExit()
	var report *CrashReport
	if !errors.As(err, &report) {
		t.Fatalf("err = %v, want a crash report", err)
	}
	var ue *objc.UnrecognizedSelectorError
	if !errors.As(report, &ue) || ue.Selector != "tripled" || ue.Class != "Derived" {
		t.Errorf("cause = %v", report.Cause)
	}
	if s.Main().State != THREAD_CRASHED || s.Main().Crash != report {
		t.Errorf("main is %s", s.Main().State)
	}
}

func TestUnrecognizedSelectorHandled(t *testing.T) {
	s := newSession(t, baseRegistry(t))
	load(t, s, appImage("tripled"))
	var raised int
	s.Runtime().SetExceptionHandler(func(*objc.UnrecognizedSelectorError) error {
		raised++
		return nil
	})
	if _, err := s.RunUntilExit(); err != nil {
		t.Fatal(err)
	}
	if raised != 1 || s.Main().Result != 0 {
		t.Errorf("raised %d, result %d", raised, s.Main().Result)
	}
}

func crashImage(t *testing.T) *loader.Image {
	t.Helper()
	b := loader.NewBuilder("App", textBase, dataBase)
	crash := b.Code(insnPush, insnFrame, insnZeroR0, insnLoadR0, insnPop)
	ptr := b.Word(uint32(crash))
	main := b.Code(insnPush, insnFrame)
	b.CallSlot(ptr)
	b.Code(insnPop)
	return b.Export("_crash", crash).Export("_main", main).SetEntry(main).Build()
}

func TestCrashReport(t *testing.T) {
	s := newSession(t, registry.New())
	load(t, s, crashImage(t))

	halt, err := s.RunUntilExit()
	var report *CrashReport
	if !errors.As(err, &report) {
		t.Fatalf("err = %v, want a crash report", err)
	}
	want := cpu.HaltReason{Kind: cpu.HALT_MEMORY_FAULT, Addr: 0, Size: 4}
	if halt != want || report.Halt != want {
		t.Errorf("halt = %s, report halt = %s, want %s", halt, report.Halt, want)
	}
	var fault *memory.Fault
	if !errors.As(report, &fault) {
		t.Fatalf("cause %v is not a memory fault", report.Cause)
	}
	if diff := cmp.Diff(memory.Fault{Addr: 0, Size: 4, Guard: true}, *fault); diff != "" {
		t.Errorf("fault mismatch (-want +got):\n%s", diff)
	}
	symbols := make([]string, len(report.Backtrace))
	for i, f := range report.Backtrace {
		symbols[i] = f.Symbol
	}
	if len(symbols) < 2 {
		t.Fatalf("backtrace too short: %v", symbols)
	}
	if diff := cmp.Diff([]string{"App!_crash+0xc", "App!_main+0x18"}, symbols[:2]); diff != "" {
		t.Errorf("backtrace (-want +got):\n%s", diff)
	}
	if report.Regs[arm.ARM_REG_PC] != textBase+0xc {
		t.Errorf("pc = %#x", report.Regs[arm.ARM_REG_PC])
	}
	var sb strings.Builder
	if _, err := report.WriteTo(&sb); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sb.String(), "App!_crash+0xc") {
		t.Errorf("rendered report lacks the faulting frame:\n%s", sb.String())
	}
	if got := testutil.ToFloat64(s.Metrics().Crashes); got != 1 {
		t.Errorf("crashes = %v, want 1", got)
	}
	if _, err := s.RunSlice(100); !errors.Is(err, ErrNoThread) {
		t.Errorf("running a crashed thread: %v", err)
	}
}

func TestUnresolvedSymbolEndsThread(t *testing.T) {
	s := newSession(t, registry.New())
	b := loader.NewBuilder("App", textBase, dataBase)
	slot, _ := b.ImportFunction("_missing", "libFoo.dylib")
	main := b.Code(insnPush, insnFrame)
	b.CallSlot(slot)
	b.Code(insnPop)
	load(t, s, b.Export("_main", main).SetEntry(main).Build())

	_, err := s.RunUntilExit()
	var ue *linker.UnresolvedSymbolError
	if !errors.As(err, &ue) || ue.Name != "_missing" {
		t.Fatalf("err = %v, want unresolved _missing", err)
	}
	if got := testutil.ToFloat64(s.Metrics().UnresolvedCalls); got != 1 {
		t.Errorf("unresolved calls = %v, want 1", got)
	}
}

// hostImage exports small leaf functions and a main that calls the host
// function imported as name with r0 = _twice and r1 = 5.
func hostImage(name string) *loader.Image {
	b := loader.NewBuilder("App", textBase, dataBase)
	slot, _ := b.ImportFunction(name, "libHost.dylib")
	twice := b.Code(insnDouble, arm.INSN_RET)
	add := b.Code(insnAdd, arm.INSN_RET)
	ptr := b.Word(uint32(twice))
	main := b.Code(insnPush, insnFrame)
	b.LoadSlot(arm.ARM_REG_R0, ptr)
	b.Code(0xe3a01005) // mov r1, #5
	b.CallSlot(slot)
	b.Code(insnPop)
	return b.Export("_twice", twice).Export("_add", add).Export("_main", main).SetEntry(main).Build()
}

func TestNestedCalls(t *testing.T) {
	reg := registry.New()
	err := reg.Register("libHost.dylib", "_apply", func(c *abi.Call, fn memory.Addr, x uint32) (uint32, error) {
		ret, err := c.Host().CallGuest(fn, abi.Shape{Args: []abi.Type{abi.U32}, Ret: abi.U32}, abi.Uint32(x))
		if err != nil {
			return 0, err
		}
		return ret.U32() + 1, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	s := newSession(t, reg)
	load(t, s, hostImage("_apply"))
	if _, err := s.RunUntilExit(); err != nil {
		t.Fatal(err)
	}
	if got := s.Main().Result; got != 11 {
		t.Errorf("result = %d, want 11", got)
	}
	if got := testutil.ToFloat64(s.Metrics().HostCalls); got != 1 {
		t.Errorf("host calls = %v, want 1", got)
	}

	add, err := s.ProcAddress("_add")
	if err != nil {
		t.Fatal(err)
	}
	before := *s.Core().Regs()
	ret, err := s.CallGuest(add, abi.Shape{Args: []abi.Type{abi.U32, abi.U32}, Ret: abi.U32}, abi.Uint32(40), abi.Uint32(2))
	if err != nil {
		t.Fatal(err)
	}
	if ret.U32() != 42 {
		t.Errorf("_add(40, 2) = %d", ret.U32())
	}
	if *s.Core().Regs() != before {
		t.Error("registers not restored after the guest call")
	}
}

func TestHostPanicIsACrash(t *testing.T) {
	reg := registry.New()
	if err := reg.Register("libHost.dylib", "_boom", func(fn memory.Addr, x uint32) uint32 { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	s := newSession(t, reg)
	load(t, s, hostImage("_boom"))

	_, err := s.RunUntilExit()
	var report *CrashReport
	if !errors.As(err, &report) || !strings.Contains(report.Cause.Error(), "panicked: boom") {
		t.Fatalf("err = %v, want a crash report for the panic", err)
	}

	// the session survives; other threads still run
	add, _ := s.ProcAddress("_add")
	th, err := s.NewThread("worker", add, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Switch(th); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunUntilExit(); err != nil {
		t.Fatal(err)
	}
	if th.State != THREAD_EXITED || th.Result != 7 {
		t.Errorf("worker %s with %d, want exited with 7", th.State, th.Result)
	}
}

func TestThreadSwitching(t *testing.T) {
	s := newSession(t, registry.New())
	b := loader.NewBuilder("Lib", textBase, dataBase)
	add := b.Code(insnAdd, arm.INSN_RET)
	twice := b.Code(insnDouble, arm.INSN_RET)
	load(t, s, b.Export("_add", add).Export("_twice", twice).Build())
	if s.Main().State != THREAD_IDLE {
		t.Fatalf("main started without an entry point: %s", s.Main().State)
	}

	a, err := s.NewThread("a", add, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	d, err := s.NewThread("d", twice, 21)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Switch(a); err != nil {
		t.Fatal(err)
	}
	halt, err := s.RunSlice(1)
	if err != nil {
		t.Fatal(err)
	}
	if halt.Kind != cpu.HALT_STEPPED || !a.Runnable() {
		t.Fatalf("after one tick: %s, thread %s", halt, a.State)
	}
	if err := s.Switch(d); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunUntilExit(); err != nil {
		t.Fatal(err)
	}
	if err := s.Switch(a); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunUntilExit(); err != nil {
		t.Fatal(err)
	}
	if a.Result != 5 || d.Result != 42 {
		t.Errorf("results a=%d d=%d, want 5 and 42", a.Result, d.Result)
	}
	if got := len(s.Threads()); got != 3 {
		t.Errorf("%d threads, want 3", got)
	}
}

func TestBreakpointResume(t *testing.T) {
	s := newSession(t, registry.New())
	b := loader.NewBuilder("Lib", textBase, dataBase)
	add := b.Code(insnAdd, arm.INSN_RET)
	load(t, s, b.Export("_add", add).Build())
	if err := s.Start(s.Main(), add, 1, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Core().SetBreakpoint(add.Add(4)); err != nil {
		t.Fatal(err)
	}
	halt, err := s.RunUntilExit()
	if err != nil {
		t.Fatal(err)
	}
	if halt.Kind != cpu.HALT_BREAKPOINT || s.Core().PC() != add.Add(4) {
		t.Fatalf("halt %s at %s", halt, s.Core().PC())
	}
	if _, err := s.RunUntilExit(); err != nil {
		t.Fatal(err)
	}
	if s.Main().Result != 3 {
		t.Errorf("result = %d, want 3", s.Main().Result)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("cyclic superclass", func(t *testing.T) {
		s := newSession(t, registry.New())
		b := loader.NewBuilder("App", textBase, dataBase)
		b.Class(loader.ClassInfo{Name: "A", Super: "B"})
		b.Class(loader.ClassInfo{Name: "B", Super: "A"})
		if _, err := s.Load(b.Build()); !errors.Is(err, objc.ErrCyclicSuperclass) {
			t.Errorf("err = %v, want ErrCyclicSuperclass", err)
		}
	})
	t.Run("duplicate export", func(t *testing.T) {
		s := newSession(t, registry.New())
		b := loader.NewBuilder("App", textBase, dataBase)
		fn := b.Code(arm.INSN_RET)
		b.Export("_f", fn).Export("_f", fn)
		var le *linker.LoadError
		if _, err := s.Load(b.Build()); !errors.As(err, &le) || le.Image != "App" {
			t.Errorf("err = %v, want LoadError for App", err)
		}
	})
	t.Run("guard overlap", func(t *testing.T) {
		s := newSession(t, registry.New())
		b := loader.NewBuilder("Low", 0, dataBase)
		b.Code(arm.INSN_RET)
		if _, err := s.Load(b.Build()); !errors.Is(err, loader.ErrSegmentInvalid) {
			t.Errorf("err = %v, want ErrSegmentInvalid", err)
		}
	})
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GuardSize = 0x1800
	if _, err := New(cfg, registry.New()); !errors.Is(err, ErrGuardSize) {
		t.Errorf("err = %v, want ErrGuardSize", err)
	}
}
