package abi

import (
	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/encoding"
	"github.com/wnxd/microhle/memory"
	"go.uber.org/zap"
)

var (
	ErrArgumentInvalid = errors.New("argument invalid")
	ErrReturnInvalid   = errors.New("return value does not match the shape")
	ErrNotVariadic     = errors.New("function is not variadic")
)

// Function is a host implementation reachable from guest code.
type Function func(*Call) error

// CPU is the live register file a call is marshaled through.
type CPU interface {
	Regs() *[16]uint32
	FPRegs() *[32]uint32
	Branch(fn memory.Addr)
}

// Host exposes session services to host functions that need to allocate
// guest memory or call back into guest code.
type Host interface {
	CallGuest(fn memory.Addr, shape Shape, args ...Value) (Value, error)
	Alloc(size uint32) (memory.Addr, error)
	Free(addr memory.Addr) error
	Logger() *zap.Logger
}

// Call is one guest to host invocation. Arguments are decoded when the call
// is created; the return value is written back by Finish.
type Call struct {
	shape  Shape
	cpu    CPU
	mem    *memory.Space
	host   Host
	sp     memory.Addr
	layout layout
	args   []Value
	ret    Value
	tail   bool
	direct bool
}

func NewCall(shape Shape, cpu CPU, mem *memory.Space, host Host) (*Call, error) {
	c := &Call{
		shape:  shape,
		cpu:    cpu,
		mem:    mem,
		host:   host,
		sp:     memory.Addr(cpu.Regs()[arm.ARM_REG_SP]),
		layout: newLayout(shape, nil),
	}
	c.args = make([]Value, len(shape.Args))
	for i, t := range shape.Args {
		words, err := readSlots(cpu, mem, c.sp, c.layout.args[i])
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		c.args[i] = fromWords(t, words)
	}
	return c, nil
}

// NewHostCall builds a call whose arguments come from host code rather
// than a guest register file. Its result is collected with Result.
func NewHostCall(shape Shape, args []Value, mem *memory.Space, host Host) (*Call, error) {
	if len(args) != len(shape.Args) {
		return nil, errors.Wrapf(ErrArgumentInvalid, "%d arguments for %s", len(args), shape)
	}
	return &Call{
		shape:  shape,
		cpu:    new(Frame),
		mem:    mem,
		host:   host,
		layout: newLayout(shape, nil),
		args:   args,
		direct: true,
	}, nil
}

func (c *Call) Shape() Shape          { return c.shape }
func (c *Call) Args() []Value         { return c.args }
func (c *Call) Memory() *memory.Space { return c.mem }
func (c *Call) Host() Host            { return c.host }
func (c *Call) CPU() CPU              { return c.cpu }

func (c *Call) Arg(i int) Value {
	if i < 0 || i >= len(c.args) {
		return Value{}
	}
	return c.args[i]
}

func (c *Call) U32(i int) uint32       { return c.Arg(i).U32() }
func (c *Call) I32(i int) int32        { return c.Arg(i).I32() }
func (c *Call) U64(i int) uint64       { return c.Arg(i).U64() }
func (c *Call) F32(i int) float32      { return c.Arg(i).F32() }
func (c *Call) F64(i int) float64      { return c.Arg(i).F64() }
func (c *Call) Bool(i int) bool        { return c.Arg(i).Bool() }
func (c *Call) Addr(i int) memory.Addr { return c.Arg(i).Addr() }

// String reads the C string argument i points to.
func (c *Call) String(i int) (string, error) {
	return c.mem.ReadCString(c.Addr(i))
}

// Struct decodes struct argument i into out, which must be a pointer.
func (c *Call) Struct(i int, out any) error {
	arg := c.Arg(i)
	if arg.data == nil {
		return errors.Wrapf(ErrArgumentInvalid, "argument %d is not a struct", i)
	}
	return encoding.Unmarshal(memory.PointerSize, arg.data, out)
}

// VarArgs returns the variadic arguments that follow the fixed ones.
func (c *Call) VarArgs() (*VaList, error) {
	if !c.shape.Variadic {
		return nil, ErrNotVariadic
	}
	if c.direct {
		return nil, errors.Wrap(ErrArgumentInvalid, "no guest stack behind a host originated call")
	}
	return &VaList{mem: c.mem, ptr: c.sp.Add(c.layout.stack)}, nil
}

// IndirectResult is the caller provided buffer for a large struct result.
func (c *Call) IndirectResult() memory.Addr {
	if !c.layout.sret || c.direct {
		return 0
	}
	return memory.Addr(c.cpu.Regs()[arm.ARM_REG_R0])
}

// Result is the value the function returned.
func (c *Call) Result() Value {
	return c.ret
}

func (c *Call) Return(v Value) {
	c.ret = v
}

func (c *Call) ReturnU32(v uint32)       { c.ret = Uint32(v) }
func (c *Call) ReturnI32(v int32)        { c.ret = Int32(v) }
func (c *Call) ReturnU64(v uint64)       { c.ret = Uint64(v) }
func (c *Call) ReturnF32(v float32)      { c.ret = Float32(v) }
func (c *Call) ReturnF64(v float64)      { c.ret = Float64(v) }
func (c *Call) ReturnBool(v bool)        { c.ret = BoolValue(v) }
func (c *Call) ReturnAddr(v memory.Addr) { c.ret = Pointer(v) }

// ReturnStruct encodes val in guest layout as the result.
func (c *Call) ReturnStruct(val any) error {
	data, err := encoding.Marshal(memory.PointerSize, val)
	if err != nil {
		return err
	}
	if c.shape.Ret.Kind != KIND_STRUCT || uint32(len(data)) > c.shape.Ret.Size {
		return errors.Wrapf(ErrReturnInvalid, "%d byte struct for %s", len(data), c.shape.Ret)
	}
	c.ret = Bytes(data)
	return nil
}

// TailCall transfers control to fn with the current registers and stack
// untouched. Finish then leaves the register file alone.
func (c *Call) TailCall(fn memory.Addr) {
	c.tail = true
	c.cpu.Branch(fn)
}

func (c *Call) IsTailCall() bool {
	return c.tail
}

// Finish writes the return value into r0, r0:r1, s0, d0 or the hidden
// result buffer, according to the shape.
func (c *Call) Finish() error {
	if c.tail || c.direct {
		return nil
	}
	return writeReturn(c.cpu, c.mem, c.shape, c.IndirectResult(), c.ret)
}

func writeReturn(cpu registers, mem *memory.Space, shape Shape, sret memory.Addr, v Value) error {
	t := shape.Ret
	regs := cpu.Regs()
	switch {
	case t.Kind == KIND_VOID:
	case shape.IndirectReturn():
		data := make([]byte, t.Size)
		copy(data, v.data)
		if err := mem.Write(sret, data); err != nil {
			return err
		}
		regs[arm.ARM_REG_R0] = uint32(sret)
	case t.IsFloat() && !shape.SoftFloat:
		words := v.words(t)
		copy(cpu.FPRegs()[:], words)
	default:
		words := v.words(t)
		regs[arm.ARM_REG_R0] = words[0]
		if len(words) > 1 {
			regs[arm.ARM_REG_R1] = words[1]
		}
	}
	return nil
}

func readReturn(cpu registers, mem *memory.Space, shape Shape, sret memory.Addr) (Value, error) {
	t := shape.Ret
	regs := cpu.Regs()
	switch {
	case t.Kind == KIND_VOID:
		return Value{}, nil
	case shape.IndirectReturn():
		data := make([]byte, t.Size)
		if err := mem.Read(sret, data); err != nil {
			return Value{}, err
		}
		return Bytes(data), nil
	case t.IsFloat() && !shape.SoftFloat:
		return fromWords(t, cpu.FPRegs()[:t.Words()]), nil
	}
	return fromWords(t, regs[:t.Words()]), nil
}

// ZeroReturn clears every result register, as for a message to nil.
func ZeroReturn(cpu CPU) {
	regs := cpu.Regs()
	regs[arm.ARM_REG_R0] = 0
	regs[arm.ARM_REG_R1] = 0
	fp := cpu.FPRegs()
	fp[0], fp[1] = 0, 0
}

// VaList walks variadic arguments in guest memory. A guest va_list is a
// pointer to the next argument, so the same type serves both cases.
type VaList struct {
	mem *memory.Space
	ptr memory.Addr
}

func NewVaList(mem *memory.Space, ptr memory.Addr) *VaList {
	return &VaList{mem, ptr}
}

func (va *VaList) Pointer() memory.Addr {
	return va.ptr
}

// Next reads the next argument as type t. Floats are read as promoted
// doubles.
func (va *VaList) Next(t Type) (Value, error) {
	if t.Kind == KIND_VOID {
		return Value{}, errors.Wrap(ErrArgumentInvalid, "void variadic argument")
	}
	promoted := t
	if t.Kind == KIND_F32 {
		promoted = F64
	}
	if promoted.isWide() {
		va.ptr = memory.Align(va.ptr, 8)
	}
	words := make([]uint32, promoted.Words())
	for i := range words {
		w, err := va.mem.ReadU32(va.ptr)
		if err != nil {
			return Value{}, err
		}
		words[i] = w
		va.ptr = va.ptr.Add(4)
	}
	v := fromWords(promoted, words)
	if t.Kind == KIND_F32 {
		return Float32(float32(v.F64())), nil
	}
	return v, nil
}
