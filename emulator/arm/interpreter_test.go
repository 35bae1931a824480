package arm

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/wnxd/microhle/emulator"
)

const (
	busBase = 0x1000
	busSize = 0x10000
	code    = 0x2000
	stack   = 0x8000
)

// testBus maps [busBase, busBase+busSize) and faults elsewhere.
type testBus struct {
	mem [busSize]byte
}

func (b *testBus) slice(addr, n uint32) ([]byte, bool) {
	if addr < busBase || uint64(addr)+uint64(n) > busBase+busSize {
		return nil, false
	}
	return b.mem[addr-busBase : addr-busBase+n], true
}

func (b *testBus) ReadU8(addr uint32) (uint8, bool) {
	s, ok := b.slice(addr, 1)
	if !ok {
		return 0, false
	}
	return s[0], true
}

func (b *testBus) ReadU16(addr uint32) (uint16, bool) {
	s, ok := b.slice(addr, 2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(s), true
}

func (b *testBus) ReadU32(addr uint32) (uint32, bool) {
	s, ok := b.slice(addr, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(s), true
}

func (b *testBus) ReadU64(addr uint32) (uint64, bool) {
	s, ok := b.slice(addr, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(s), true
}

func (b *testBus) WriteU8(addr uint32, v uint8) bool {
	s, ok := b.slice(addr, 1)
	if ok {
		s[0] = v
	}
	return ok
}

func (b *testBus) WriteU16(addr uint32, v uint16) bool {
	s, ok := b.slice(addr, 2)
	if ok {
		binary.LittleEndian.PutUint16(s, v)
	}
	return ok
}

func (b *testBus) WriteU32(addr uint32, v uint32) bool {
	s, ok := b.slice(addr, 4)
	if ok {
		binary.LittleEndian.PutUint32(s, v)
	}
	return ok
}

func (b *testBus) WriteU64(addr uint32, v uint64) bool {
	s, ok := b.slice(addr, 8)
	if ok {
		binary.LittleEndian.PutUint64(s, v)
	}
	return ok
}

func setup(t *testing.T, insns ...uint32) (*Interpreter, *testBus) {
	t.Helper()
	bus := new(testBus)
	for i, insn := range insns {
		bus.WriteU32(code+uint32(i)*4, insn)
	}
	it := NewInterpreter()
	it.regs[ARM_REG_PC] = code
	it.regs[ARM_REG_SP] = stack
	return it, bus
}

func run(it *Interpreter, bus emulator.Bus) emulator.Stop {
	ticks := uint64(1000)
	return it.Run(bus, &ticks)
}

func TestAddThenSVC(t *testing.T) {
	it, bus := setup(t, 0xe0800001, EncodeSVC(0))
	it.regs[0], it.regs[1] = 3, 4
	stop := run(it, bus)
	if stop.Kind != emulator.STOP_SVC || stop.Imm != 0 {
		t.Fatalf("stop = %+v", stop)
	}
	if it.regs[0] != 7 {
		t.Errorf("r0 = %d, want 7", it.regs[0])
	}
	if it.regs[ARM_REG_PC] != code+8 {
		t.Errorf("pc = %#x, want just past the svc", it.regs[ARM_REG_PC])
	}
}

func TestCountdownLoop(t *testing.T) {
	it, bus := setup(t,
		0xe3a00005, // mov r0, #5
		0xe2500001, // subs r0, r0, #1
		0x1afffffd, // bne -12
		EncodeSVC(9),
	)
	ticks := uint64(1000)
	stop := it.Run(bus, &ticks)
	if stop.Kind != emulator.STOP_SVC || stop.Imm != 9 {
		t.Fatalf("stop = %+v", stop)
	}
	if it.regs[0] != 0 || !it.flag(CPSR_Z) {
		t.Errorf("r0 = %d, Z = %v", it.regs[0], it.flag(CPSR_Z))
	}
	if used := 1000 - ticks; used != 12 {
		t.Errorf("ticks used = %d, want 12", used)
	}
}

func TestTickBudget(t *testing.T) {
	it, bus := setup(t, INSN_NOP, INSN_NOP, INSN_NOP, INSN_NOP)
	ticks := uint64(2)
	stop := it.Run(bus, &ticks)
	if stop.Kind != emulator.STOP_TICKS || ticks != 0 {
		t.Fatalf("stop = %+v ticks = %d", stop, ticks)
	}
	if it.regs[ARM_REG_PC] != code+8 {
		t.Errorf("pc = %#x", it.regs[ARM_REG_PC])
	}
	// A multi-register transfer finishes even when the budget is smaller.
	it, bus = setup(t, 0xe92d40f0) // push {r4-r7, lr}
	ticks = 1
	if stop := it.Run(bus, &ticks); stop.Kind != emulator.STOP_TICKS || ticks != 0 {
		t.Fatalf("stop = %+v ticks = %d", stop, ticks)
	}
	if it.regs[ARM_REG_SP] != stack-20 {
		t.Errorf("sp = %#x", it.regs[ARM_REG_SP])
	}
}

func TestStep(t *testing.T) {
	it, bus := setup(t, 0xe3a00001, 0xe3a01002)
	if stop := it.Run(bus, nil); stop.Kind != emulator.STOP_TICKS {
		t.Fatalf("stop = %+v", stop)
	}
	if it.regs[0] != 1 || it.regs[1] != 0 || it.regs[ARM_REG_PC] != code+4 {
		t.Errorf("regs after one step: r0=%d r1=%d pc=%#x", it.regs[0], it.regs[1], it.regs[ARM_REG_PC])
	}
}

func TestMemoryFault(t *testing.T) {
	it, bus := setup(t, 0xe5910000) // ldr r0, [r1]
	it.regs[0] = 0x55
	stop := run(it, bus)
	if stop.Kind != emulator.STOP_MEM_ERROR {
		t.Fatalf("stop = %+v", stop)
	}
	if it.FaultAddr() != 0 || it.regs[ARM_REG_PC] != code || it.regs[0] != 0x55 {
		t.Errorf("fault=%#x pc=%#x r0=%#x", it.FaultAddr(), it.regs[ARM_REG_PC], it.regs[0])
	}
}

func TestFetchFault(t *testing.T) {
	it, bus := setup(t)
	it.regs[ARM_REG_PC] = 0x10
	if stop := run(it, bus); stop.Kind != emulator.STOP_MEM_ERROR || it.FaultAddr() != 0x10 {
		t.Fatalf("stop = %+v fault = %#x", stop, it.FaultAddr())
	}
}

func TestCallAndReturn(t *testing.T) {
	it, bus := setup(t,
		0xeb000001, // bl +4 (to code+12)
		EncodeSVC(1),
		INSN_TRAP,
		0xe92d4010, // push {r4, lr}
		0xe3a04007, // mov r4, #7
		0xe0840004, // add r0, r4, r4
		0xe8bd8010, // pop {r4, pc}
	)
	it.regs[4] = 0x44
	stop := run(it, bus)
	if stop.Kind != emulator.STOP_SVC || stop.Imm != 1 {
		t.Fatalf("stop = %+v pc = %#x", stop, it.regs[ARM_REG_PC])
	}
	if it.regs[0] != 14 || it.regs[4] != 0x44 || it.regs[ARM_REG_SP] != stack {
		t.Errorf("r0=%d r4=%#x sp=%#x", it.regs[0], it.regs[4], it.regs[ARM_REG_SP])
	}
}

func TestUndefinedAndBreakpoint(t *testing.T) {
	it, bus := setup(t, INSN_NOP, INSN_TRAP)
	if stop := run(it, bus); stop.Kind != emulator.STOP_UNDEFINED || it.regs[ARM_REG_PC] != code+4 {
		t.Fatalf("stop = %+v pc = %#x", stop, it.regs[ARM_REG_PC])
	}
	it, bus = setup(t, INSN_BKPT)
	if stop := run(it, bus); stop.Kind != emulator.STOP_BREAKPOINT || it.regs[ARM_REG_PC] != code {
		t.Fatalf("stop = %+v pc = %#x", stop, it.regs[ARM_REG_PC])
	}
}

func TestThumbIsUndefined(t *testing.T) {
	it, bus := setup(t, 0xe12fff10) // bx r0
	it.regs[0] = code + 0x101
	if stop := run(it, bus); stop.Kind != emulator.STOP_UNDEFINED {
		t.Fatalf("stop = %+v", stop)
	}
	if it.cpsr&CPSR_THUMB == 0 || it.regs[ARM_REG_PC] != code+0x100 {
		t.Errorf("cpsr=%#x pc=%#x", it.cpsr, it.regs[ARM_REG_PC])
	}
}

func TestCacheInvalidation(t *testing.T) {
	it, bus := setup(t, 0xe3a00001, EncodeSVC(0)) // mov r0, #1
	run(it, bus)
	bus.WriteU32(code, 0xe3a00002) // mov r0, #2
	it.regs[ARM_REG_PC] = code
	run(it, bus)
	if it.regs[0] != 1 {
		t.Fatalf("stale code expected before invalidation, r0 = %d", it.regs[0])
	}
	it.InvalidateCacheRange(code, 4)
	it.regs[ARM_REG_PC] = code
	run(it, bus)
	if it.regs[0] != 2 {
		t.Errorf("r0 = %d after invalidation", it.regs[0])
	}
}

func TestMovwMovtAndMultiply(t *testing.T) {
	it, bus := setup(t,
		0xe3050678, // movw r0, #0x5678
		0xe3410234, // movt r0, #0x1234
		0xe0810392, // umull r0, r1, r2, r3
		EncodeSVC(0),
	)
	it.regs[2], it.regs[3] = 0xffffffff, 2
	run(it, bus)
	if it.regs[0] != 0xfffffffe || it.regs[1] != 1 {
		t.Errorf("umull = %#x:%#x", it.regs[1], it.regs[0])
	}

	it, bus = setup(t, 0xe3050678, 0xe3410234, EncodeSVC(0))
	run(it, bus)
	if it.regs[0] != 0x12345678 {
		t.Errorf("movw/movt = %#x", it.regs[0])
	}
}

func TestHalfwordTransfers(t *testing.T) {
	it, bus := setup(t,
		0xe1c100b2, // strh r0, [r1, #2]
		0xe1d120f2, // ldrsh r2, [r1, #2]
		0xe1d130b2, // ldrh r3, [r1, #2]
		EncodeSVC(0),
	)
	it.regs[0], it.regs[1] = 0x1234ff80, 0x4000
	run(it, bus)
	if it.regs[2] != 0xffffff80 || it.regs[3] != 0xff80 {
		t.Errorf("ldrsh = %#x ldrh = %#x", it.regs[2], it.regs[3])
	}
}

func TestVFPAdd(t *testing.T) {
	it, bus := setup(t,
		0xee000a10, // vmov s0, r0
		0xee300a00, // vadd.f32 s0, s0, s0
		0xee101a10, // vmov r1, s0
		EncodeSVC(0),
	)
	it.regs[0] = math.Float32bits(1.5)
	run(it, bus)
	if got := math.Float32frombits(it.regs[1]); got != 3 {
		t.Errorf("result = %v", got)
	}
	if got := math.Float32frombits(it.fp[0]); got != 3 {
		t.Errorf("s0 = %v", got)
	}
}

func TestContextSwap(t *testing.T) {
	it := NewInterpreter()
	a := it.NewContext()
	it.regs[0] = 1
	it.fp[3] = 9
	if err := it.SaveContext(a); err != nil {
		t.Fatal(err)
	}
	b := a.Clone()
	it.regs[0] = 2
	it.fp[3] = 0
	if err := it.LoadContext(b); err != nil {
		t.Fatal(err)
	}
	if it.regs[0] != 1 || it.fp[3] != 9 {
		t.Errorf("r0=%d s3=%d", it.regs[0], it.fp[3])
	}
	if err := it.LoadContext(nil); err == nil {
		t.Error("nil context accepted")
	}
}

func TestShift(t *testing.T) {
	tests := []struct {
		v      uint32
		typ    int
		amount uint32
		carry  bool
		want   uint32
		wantC  bool
	}{
		{1, shiftLSL, 0, true, 1, true},
		{0x80000001, shiftLSL, 1, false, 2, true},
		{1, shiftLSL, 32, false, 0, true},
		{0x80000000, shiftLSR, 32, false, 0, true},
		{0x80000000, shiftASR, 4, false, 0xf8000000, false},
		{0x80000000, shiftASR, 40, false, 0xffffffff, true},
		{0x00000011, shiftROR, 4, false, 0x10000001, false},
		{0x00000003, shiftRRX, 1, true, 0x80000001, true},
	}
	for _, tt := range tests {
		got, c := shift(tt.v, tt.typ, tt.amount, tt.carry)
		if got != tt.want || c != tt.wantC {
			t.Errorf("shift(%#x, %d, %d) = %#x/%v, want %#x/%v", tt.v, tt.typ, tt.amount, got, c, tt.want, tt.wantC)
		}
	}
}
