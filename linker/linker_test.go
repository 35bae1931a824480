package linker

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/wnxd/microhle/abi"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/internal/metrics"
	"github.com/wnxd/microhle/loader"
	"github.com/wnxd/microhle/memory"
	"github.com/wnxd/microhle/registry"
)

type fixture struct {
	mem     *memory.Space
	reg     *registry.Registry
	linker  *Linker
	metrics *metrics.Collectors
}

type fakeClasses map[string]memory.Addr

func (f fakeClasses) ClassObject(name string) (memory.Addr, bool) {
	addr, ok := f[name]
	return addr, ok
}

func (f fakeClasses) MetaclassObject(name string) (memory.Addr, bool) {
	addr, ok := f[name]
	return addr + 0x100, ok
}

type fakeCPU struct {
	regs [16]uint32
	fp   [32]uint32
}

func (c *fakeCPU) Regs() *[16]uint32   { return &c.regs }
func (c *fakeCPU) FPRegs() *[32]uint32 { return &c.fp }
func (c *fakeCPU) Branch(fn memory.Addr) {
	c.regs[arm.ARM_REG_PC] = uint32(fn)
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mem, err := memory.New(memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })
	heap, err := memory.NewAllocator(mem, 0x100000, 0x100000)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	if err := reg.Register("libSystem", "_abs", func(v int32) int32 { return max(v, -v) }); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterConstant(&registry.Constant{Name: "_kAnswer", Library: "libSystem", Data: []byte{42, 0, 0, 0}}); err != nil {
		t.Fatal(err)
	}
	m := metrics.Discard()
	l, err := New(mem, heap, reg, append([]Option{WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{mem, reg, l, m}
}

func (f *fixture) load(t *testing.T, img *loader.Image) *Module {
	t.Helper()
	if err := loader.Map(f.mem, img); err != nil {
		t.Fatal(err)
	}
	m, err := f.linker.AddImage(img)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	a, err := f.linker.Resolve("_abs", "libSystem")
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.linker.Resolve("_abs", "libSystem")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("bindings differ: %s vs %s", a, b)
	}
	c, _ := f.linker.Resolve("_abs", "")
	if c.Code != a.Code || c.Addr != a.Addr {
		t.Errorf("name only lookup got another trampoline: %s vs %s", c, a)
	}
	if got := testutil.ToFloat64(f.metrics.Bindings.WithLabelValues("host")); got != 2 {
		t.Errorf("host bindings = %v", got)
	}
	if w, _ := f.mem.ReadU32(a.Addr); w != arm.EncodeSVC(a.Code) {
		t.Errorf("trampoline word 0 = %#x", w)
	}
	if w, _ := f.mem.ReadU32(a.Addr + 4); w != arm.INSN_RET {
		t.Errorf("trampoline word 1 = %#x", w)
	}
}

func TestSharedTrampolineAcrossImages(t *testing.T) {
	f := newFixture(t)
	var mods []*Module
	for i, name := range []string{"A", "B"} {
		b := loader.NewBuilder(name, memory.Addr(0x10000+i*0x10000), memory.Addr(0x40000+i*0x10000))
		b.Code(arm.INSN_RET)
		b.ImportFunction("_abs", "libSystem")
		mods = append(mods, f.load(t, b.Build()))
	}
	for _, m := range mods {
		if err := f.linker.Link(m); err != nil {
			t.Fatal(err)
		}
	}
	if mods[0].Bindings[0] != mods[1].Bindings[0] {
		t.Errorf("bindings differ: %s vs %s", mods[0].Bindings[0], mods[1].Bindings[0])
	}
}

func TestResolutionOrder(t *testing.T) {
	f := newFixture(t)
	if err := f.reg.Register("libOther", "_dup", func() {}); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Register("libThird", "_dup", func() {}); err != nil {
		t.Fatal(err)
	}

	lib := loader.NewBuilder("Lib", 0x10000, 0x18000)
	helper := lib.Code(arm.INSN_RET)
	lib.Export("_helper", helper).Export("_abs", helper)
	f.load(t, lib.Build())

	app := loader.NewBuilder("App", 0x20000, 0x28000)
	app.Code(arm.INSN_RET)
	app.ImportFunction("_abs", "libSystem")
	app.ImportFunction("_helper", "libWrong")
	app.ImportFunction("_abs", "")
	app.ImportData("_kAnswer", "")
	app.ImportFunction("_dup", "libThird")
	app.ImportFunction("_dup", "")
	app.ImportFunction("_nowhere", "libNone")
	m := f.load(t, app.Build())
	if err := f.linker.Link(m); err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, b := range m.Bindings {
		got = append(got, b.Kind.String()+":"+b.Library)
	}
	want := []string{
		"host:libSystem", // exact registry entry beats the guest export
		"guest:Lib",      // guest export despite a wrong hint
		"guest:Lib",      // no hint: guest export before name only lookup
		"constant:libSystem",
		"host:libThird",
		"unresolved:", // ambiguous name only lookup
		"unresolved:libNone",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bindings mismatch (-want +got):\n%s", diff)
	}
	if v, _ := f.mem.ReadU32(m.Bindings[3].Addr); v != 42 {
		t.Errorf("constant storage = %d", v)
	}
}

func TestLinkPatchesSlots(t *testing.T) {
	f := newFixture(t)
	b := loader.NewBuilder("App", 0x10000, 0x18000)
	b.Code(arm.INSN_RET)
	slot, idx := b.ImportFunction("_abs", "libSystem")
	word := b.Word(0)
	b.Relocate(word, idx, 4)
	m := f.load(t, b.Build())
	if err := f.linker.Link(m); err != nil {
		t.Fatal(err)
	}
	tramp := m.Bindings[0].Addr
	if v, _ := f.mem.ReadU32(slot); v != uint32(tramp) {
		t.Errorf("slot = %#x, want %s", v, tramp)
	}
	if v, _ := f.mem.ReadU32(word); v != uint32(tramp)+4 {
		t.Errorf("relocated word = %#x", v)
	}
}

func TestLoadErrors(t *testing.T) {
	f := newFixture(t)
	var le *LoadError

	dup := loader.NewBuilder("Dup", 0x10000, 0x18000)
	addr := dup.Code(arm.INSN_RET)
	dup.Export("_f", addr).Export("_f", addr)
	if _, err := f.linker.AddImage(dup.Build()); !errors.As(err, &le) || !errors.Is(err, ErrDuplicateExport) {
		t.Errorf("duplicate export = %v", err)
	}

	rel := &loader.Image{Name: "Rel", Relocations: []loader.Relocation{{Addr: 0x10000, Import: 3}}}
	if _, err := f.linker.AddImage(rel); !errors.Is(err, ErrRelocationInvalid) {
		t.Errorf("bad relocation = %v", err)
	}

	guard := &loader.Image{Name: "Guard", Imports: []loader.Import{{Name: "_abs", Library: "libSystem", Slot: 0x10}}}
	m, err := f.linker.AddImage(guard)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.linker.Link(m); !errors.As(err, &le) || !errors.Is(err, ErrSlotInvalid) {
		t.Errorf("slot in guard = %v", err)
	}
}

func TestLateBinding(t *testing.T) {
	f := newFixture(t)
	b, err := f.linker.Resolve("_late", "libLate")
	if err != nil {
		t.Fatal(err)
	}
	if b.Kind != BIND_UNRESOLVED || b.Code < SVC_BINDING_BASE {
		t.Fatalf("binding = %s", b)
	}
	_, err = f.linker.HostFunction(b.Code)
	var ue *UnresolvedSymbolError
	if !errors.As(err, &ue) || ue.Name != "_late" {
		t.Fatalf("HostFunction = %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.UnresolvedCalls); got != 1 {
		t.Errorf("unresolved calls = %v", got)
	}

	if err := f.reg.Register("libLate", "_late", func() uint32 { return 1 }); err != nil {
		t.Fatal(err)
	}
	fn, err := f.linker.HostFunction(b.Code)
	if err != nil || fn.Name != "_late" {
		t.Fatalf("HostFunction after registration = %v, %v", fn, err)
	}
	again, _ := f.linker.Resolve("_late", "libLate")
	if again.Kind != BIND_HOST || again.Addr != b.Addr {
		t.Errorf("cached binding = %s", again)
	}
	if _, err := f.linker.HostFunction(9999); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("unknown code = %v", err)
	}
}

func TestLaterImageSatisfiesUnresolved(t *testing.T) {
	f := newFixture(t)
	a := loader.NewBuilder("A", 0x10000, 0x18000)
	a.Code(arm.INSN_RET)
	fnSlot, _ := a.ImportFunction("_late", "libLate")
	dataSlot, _ := a.ImportData("_lateData", "")
	ma := f.load(t, a.Build())
	if err := f.linker.Link(ma); err != nil {
		t.Fatal(err)
	}
	stub := ma.Bindings[0]
	if stub.Kind != BIND_UNRESOLVED || stub.Code < SVC_BINDING_BASE {
		t.Fatalf("binding = %s", stub)
	}
	if v, _ := f.mem.ReadU32(dataSlot); v != 0 {
		t.Errorf("unresolved data slot = %#x, want 0", v)
	}

	lib := loader.NewBuilder("Lib", 0x20000, 0x28000)
	late := lib.Code(arm.INSN_RET)
	data := lib.Word(7)
	lib.Export("_late", late).Export("_lateData", data)
	f.load(t, lib.Build())

	if v, _ := f.mem.ReadU32(fnSlot); v != uint32(late) {
		t.Errorf("function slot = %#x, want %s", v, late)
	}
	if v, _ := f.mem.ReadU32(dataSlot); v != uint32(data) {
		t.Errorf("data slot = %#x, want %s", v, data)
	}

	b := loader.NewBuilder("B", 0x30000, 0x38000)
	b.Code(arm.INSN_RET)
	b.ImportFunction("_late", "libLate")
	mb := f.load(t, b.Build())
	if err := f.linker.Link(mb); err != nil {
		t.Fatal(err)
	}
	want := []Binding{{Kind: BIND_GUEST, Name: "_late", Library: "Lib", Addr: late}}
	if diff := cmp.Diff(want, mb.Bindings); diff != "" {
		t.Errorf("bindings of B mismatch (-want +got):\n%s", diff)
	}

	// the old trampoline still reaches the export
	fn, err := f.linker.HostFunction(stub.Code)
	if err != nil {
		t.Fatalf("HostFunction = %v", err)
	}
	c := &fakeCPU{}
	call, err := abi.NewCall(fn.Shape, c, f.mem, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := fn.Fn(call); err != nil {
		t.Fatal(err)
	}
	if !call.IsTailCall() || c.regs[arm.ARM_REG_PC] != uint32(late) {
		t.Errorf("pc = %#x after the trampoline, want %s", c.regs[arm.ARM_REG_PC], late)
	}
	if got := testutil.ToFloat64(f.metrics.UnresolvedCalls); got != 0 {
		t.Errorf("unresolved calls = %v", got)
	}
}

func TestClassSymbols(t *testing.T) {
	f := newFixture(t, WithClassLinker(fakeClasses{"Base": 0x200000}))
	b, _ := f.linker.Resolve("_OBJC_CLASS_$_Base", "")
	if b.Kind != BIND_CLASS || b.Addr != 0x200000 {
		t.Errorf("class binding = %s", b)
	}
	b, _ = f.linker.Resolve("_OBJC_METACLASS_$_Base", "")
	if b.Kind != BIND_CLASS || b.Addr != 0x200100 {
		t.Errorf("metaclass binding = %s", b)
	}
	b, _ = f.linker.Resolve("_OBJC_CLASS_$_Missing", "")
	if b.Kind != BIND_UNRESOLVED {
		t.Errorf("missing class binding = %s", b)
	}
}

func TestSymbolize(t *testing.T) {
	f := newFixture(t)
	b := loader.NewBuilder("App", 0x10000, 0x18000)
	main := b.Code(arm.INSN_NOP, arm.INSN_NOP, arm.INSN_RET)
	b.Export("_main", main)
	f.load(t, b.Build())
	abs, _ := f.linker.ProcAddress("_abs")

	tests := []struct {
		addr memory.Addr
		want string
	}{
		{main, "App!_main"},
		{main + 8, "App!_main+0x8"},
		{abs, "libSystem!_abs [host]"},
		{f.linker.ReturnToHost(), "<return to host> [host]"},
		{0x7000000, "0x07000000"},
	}
	for _, tt := range tests {
		if got := f.linker.Symbolize(tt.addr); got != tt.want {
			t.Errorf("Symbolize(%s) = %q, want %q", tt.addr, got, tt.want)
		}
	}
	if m, ok := f.linker.ModuleByAddr(main + 4); !ok || m.Name() != "App" {
		t.Errorf("ModuleByAddr = %v, %v", m, ok)
	}
}

func TestProcAddress(t *testing.T) {
	f := newFixture(t)
	addr, err := f.linker.ProcAddress("_abs")
	if err != nil {
		t.Fatal(err)
	}
	b, ok := f.linker.StubBinding(addr)
	if !ok || b.Name != "_abs" {
		t.Errorf("StubBinding = %s, %v", b, ok)
	}
	fn, err := f.linker.HostFunction(b.Code)
	if err != nil || fn.Name != "_abs" {
		t.Errorf("HostFunction = %v, %v", fn, err)
	}
	if _, err := f.linker.ProcAddress("_nothing"); err == nil {
		t.Error("ProcAddress(_nothing) succeeded")
	}
}
