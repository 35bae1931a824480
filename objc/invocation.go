package objc

import (
	"github.com/wnxd/microhle/abi"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/encoding"
	"github.com/wnxd/microhle/memory"
	"go.uber.org/zap"
)

// Invocation is a message reified in guest memory for forwardInvocation:.
// It holds the argument registers and the stack address of the original
// send; the handler stores the result words in Return.
type Invocation struct {
	Target   memory.Addr
	Selector memory.Addr
	Regs     [4]uint32
	FPRegs   [16]uint32
	Stack    memory.Addr
	Return   [2]uint32
}

var forwardShape = abi.Shape{Args: []abi.Type{abi.Ptr, abi.Ptr, abi.Ptr}, Ret: abi.Void}

func ReadInvocation(mem *memory.Space, addr memory.Addr) (*Invocation, error) {
	inv := new(Invocation)
	if err := encoding.Decode(memory.NewStream(memory.ToPointer(mem, addr), nil), inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (inv *Invocation) Write(mem *memory.Space, addr memory.Addr) error {
	return encoding.Encode(memory.NewStream(memory.ToPointer(mem, addr), nil), inv)
}

// Args decodes the message arguments. shape is the full method shape, with
// the receiver and selector first.
func (inv *Invocation) Args(shape abi.Shape, mem *memory.Space) ([]abi.Value, error) {
	f := new(abi.Frame)
	copy(f.R[:], inv.Regs[:])
	copy(f.S[:], inv.FPRegs[:])
	f.R[arm.ARM_REG_SP] = uint32(inv.Stack)
	call, err := abi.NewCall(shape, f, mem, nil)
	if err != nil {
		return nil, err
	}
	return call.Args(), nil
}

// SetReturn stores v as the result of a message with shape.
func (inv *Invocation) SetReturn(shape abi.Shape, v abi.Value) {
	inv.Return = [2]uint32{}
	if shape.Ret.Kind == abi.KIND_VOID || shape.IndirectReturn() {
		return
	}
	copy(inv.Return[:], v.Words(shape.Ret))
}

// forward hands the captured frame to the forwarding handler and returns
// the invocation as the handler left it.
func (rt *Runtime) forward(fwd Method, recv memory.Addr, sel Selector, frame *abi.Frame, host abi.Host) (*Invocation, error) {
	rt.metrics.Forwarded.Inc()
	name, _ := rt.SelectorName(sel)
	rt.logger.Debug("forwarding message", zap.Stringer("receiver", recv), zap.String("selector", name))

	inv := &Invocation{
		Target:   recv,
		Selector: sel.Addr(),
		Stack:    frame.SP(),
	}
	copy(inv.Regs[:], frame.R[:4])
	copy(inv.FPRegs[:], frame.S[:16])
	size := uint32(encoding.Size(memory.PointerSize, inv))
	addr, err := rt.heap.Alloc(size)
	if err != nil {
		return nil, err
	}
	defer rt.heap.Free(addr)
	if err := inv.Write(rt.mem, addr); err != nil {
		return nil, err
	}

	fwdSel, err := rt.Selector(forwardSelector)
	if err != nil {
		return nil, err
	}
	args := []abi.Value{abi.Pointer(recv), abi.Pointer(fwdSel.Addr()), abi.Pointer(addr)}
	switch fwd.Kind {
	case IMP_HOST:
		_, err = rt.callHost(fwd, args)
	case IMP_GUEST:
		if host == nil {
			return nil, ErrNoHost
		}
		_, err = host.CallGuest(fwd.Imp, forwardShape, args...)
	}
	if err != nil {
		return nil, err
	}
	return ReadInvocation(rt.mem, addr)
}
