package objc

import (
	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/abi"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/memory"
	"go.uber.org/zap"
)

const forwardSelector = "forwardInvocation:"

type sendKind int

const (
	SEND_NORMAL sendKind = iota
	SEND_SUPER
	SEND_STRET
)

// lookup resolves sel on cls, walking superclasses on a cache miss. Misses
// are cached too, as IMP_NONE.
func (rt *Runtime) lookup(cls *Class, sel Selector) (Method, error) {
	if m, ok := cls.cache[sel]; ok {
		rt.metrics.DispatchCacheHits.Inc()
		return m, nil
	}
	rt.walks++
	rt.metrics.DispatchWalks.Inc()
	var found Method
	for c, n := cls, 0; c != nil; n++ {
		if n > 2*len(rt.classes) {
			return Method{}, errors.Wrapf(ErrCyclicSuperclass, "class %s", cls.Name)
		}
		if m, ok := c.Methods[sel]; ok {
			found = m
			break
		}
		next, err := rt.superOf(c)
		if err != nil {
			return Method{}, err
		}
		c = next
	}
	cls.cache[sel] = found
	return found, nil
}

// Lookup resolves the selector named sel on cls.
func (rt *Runtime) Lookup(cls *Class, sel string) (Method, error) {
	s, err := rt.Selector(sel)
	if err != nil {
		return Method{}, err
	}
	return rt.lookup(cls, s)
}

func messageShape(shape abi.Shape) abi.Shape {
	full := shape
	full.Args = append([]abi.Type{abi.Ptr, abi.Ptr}, shape.Args...)
	return full
}

// Send delivers sel to recv from host code. shape describes the message
// arguments after the receiver and selector. A nil receiver answers zero.
func (rt *Runtime) Send(recv memory.Addr, sel Selector, shape abi.Shape, args ...abi.Value) (abi.Value, error) {
	if recv.IsNil() {
		return abi.Value{}, nil
	}
	cls, err := rt.ClassOf(recv)
	if err != nil {
		return abi.Value{}, err
	}
	return rt.send(recv, cls, sel, shape, args)
}

// SendSuper starts the method search at the superclass of cls, the class
// the calling implementation belongs to.
func (rt *Runtime) SendSuper(recv memory.Addr, cls *Class, sel Selector, shape abi.Shape, args ...abi.Value) (abi.Value, error) {
	if recv.IsNil() {
		return abi.Value{}, nil
	}
	super, err := rt.superOf(cls)
	if err != nil {
		return abi.Value{}, err
	}
	if super == nil {
		return abi.Value{}, rt.unrecognized(cls, recv, sel)
	}
	return rt.send(recv, super, sel, shape, args)
}

func (rt *Runtime) send(recv memory.Addr, cls *Class, sel Selector, shape abi.Shape, args []abi.Value) (abi.Value, error) {
	sel, err := rt.canonical(sel)
	if err != nil {
		return abi.Value{}, err
	}
	m, err := rt.lookup(cls, sel)
	if err != nil {
		return abi.Value{}, err
	}
	all := make([]abi.Value, 0, len(args)+2)
	all = append(all, abi.Pointer(recv), abi.Pointer(sel.Addr()))
	all = append(all, args...)
	switch m.Kind {
	case IMP_HOST:
		return rt.callHost(m, all)
	case IMP_GUEST:
		if rt.host == nil {
			return abi.Value{}, ErrNoHost
		}
		return rt.host.CallGuest(m.Imp, messageShape(shape), all...)
	}
	full := messageShape(shape)
	fwd, err := rt.forwarder(cls)
	if err != nil {
		return abi.Value{}, err
	}
	if fwd.Kind == IMP_NONE {
		return abi.Value{}, rt.unrecognized(cls, recv, sel)
	}
	if full.IndirectReturn() {
		return abi.Value{}, errors.Wrapf(abi.ErrReturnInvalid, "forwarding %s from the host", full.Ret)
	}
	stack, err := rt.heap.Alloc(max(abi.StackSize(full), memory.PointerSize))
	if err != nil {
		return abi.Value{}, err
	}
	defer rt.heap.Free(stack)
	frame, err := abi.PackFrame(full, all, rt.mem, stack)
	if err != nil {
		return abi.Value{}, err
	}
	inv, err := rt.forward(fwd, recv, sel, frame, rt.host)
	if err != nil {
		return abi.Value{}, err
	}
	return abi.FromWords(full.Ret, inv.Return[:]), nil
}

func (rt *Runtime) callHost(m Method, args []abi.Value) (abi.Value, error) {
	call, err := abi.NewHostCall(m.Shape, args, rt.mem, rt.host)
	if err != nil {
		return abi.Value{}, err
	}
	if err := m.Fn(call); err != nil {
		return abi.Value{}, err
	}
	return call.Result(), nil
}

func (rt *Runtime) forwarder(cls *Class) (Method, error) {
	sel, err := rt.Selector(forwardSelector)
	if err != nil {
		return Method{}, err
	}
	return rt.lookup(cls, sel)
}

// unrecognized raises the exception through the handler. A nil result
// means the handler absorbed it.
func (rt *Runtime) unrecognized(cls *Class, recv memory.Addr, sel Selector) error {
	name, _ := rt.SelectorName(sel)
	err := &UnrecognizedSelectorError{
		Class:    cls.Name,
		Selector: name,
		Receiver: recv,
		Meta:     cls.IsMeta,
	}
	rt.metrics.Unrecognized.Inc()
	rt.logger.Warn("unrecognized selector",
		zap.String("class", cls.Name),
		zap.String("selector", name),
		zap.Stringer("receiver", recv))
	if rt.onError == nil {
		return err
	}
	return rt.onError(err)
}

// sendFromGuest services a msgSend trampoline. The registers are still the
// caller's, so guest implementations are entered with a tail branch.
func (rt *Runtime) sendFromGuest(c *abi.Call, kind sendKind) error {
	cpu := c.CPU()
	regs := cpu.Regs()
	recvReg := arm.ARM_REG_R0
	if kind == SEND_STRET {
		recvReg = arm.ARM_REG_R1
	}
	recv := memory.Addr(regs[recvReg])
	selAddr := Selector(regs[recvReg+1])

	var cls *Class
	if kind == SEND_SUPER && !recv.IsNil() {
		// objc_super: receiver, then the class whose superclass to search
		receiver, err := rt.mem.ReadU32(recv)
		if err != nil {
			return err
		}
		current, err := rt.mem.ReadU32(recv.Add(memory.PointerSize))
		if err != nil {
			return err
		}
		owner, ok := rt.byAddr[memory.Addr(current)]
		if !ok {
			return errors.Wrapf(ErrInvalidObject, "super class %s", memory.Addr(current))
		}
		if cls, err = rt.superOf(owner); err != nil {
			return err
		}
		recv = memory.Addr(receiver)
		regs[recvReg] = receiver
		if cls == nil && !recv.IsNil() {
			return rt.failFromGuest(c, owner, recv, selAddr, kind)
		}
	}
	if recv.IsNil() {
		if kind != SEND_STRET {
			abi.ZeroReturn(cpu)
		}
		return nil
	}
	if cls == nil {
		var err error
		if cls, err = rt.ClassOf(recv); err != nil {
			return err
		}
	}
	sel, err := rt.canonical(selAddr)
	if err != nil {
		return err
	}
	m, err := rt.lookup(cls, sel)
	if err != nil {
		return err
	}
	switch m.Kind {
	case IMP_GUEST:
		c.TailCall(m.Imp)
		return nil
	case IMP_HOST:
		call, err := abi.NewCall(m.Shape, cpu, c.Memory(), c.Host())
		if err != nil {
			return err
		}
		if err := m.Fn(call); err != nil {
			return err
		}
		return call.Finish()
	}
	fwd, err := rt.forwarder(cls)
	if err != nil {
		return err
	}
	if fwd.Kind == IMP_NONE {
		return rt.failFromGuest(c, cls, recv, sel, kind)
	}
	inv, err := rt.forward(fwd, recv, sel, abi.CaptureFrame(cpu), c.Host())
	if err != nil {
		return err
	}
	if kind != SEND_STRET {
		regs[arm.ARM_REG_R0], regs[arm.ARM_REG_R1] = inv.Return[0], inv.Return[1]
		fp := cpu.FPRegs()
		fp[0], fp[1] = inv.Return[0], inv.Return[1]
	}
	return nil
}

func (rt *Runtime) failFromGuest(c *abi.Call, cls *Class, recv memory.Addr, sel Selector, kind sendKind) error {
	if err := rt.unrecognized(cls, recv, sel); err != nil {
		return err
	}
	if kind != SEND_STRET {
		abi.ZeroReturn(c.CPU())
	}
	return nil
}
