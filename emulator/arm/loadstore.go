package arm

import "math/bits"

func (it *Interpreter) addressing(insn uint32, offset uint32) (addr, wb uint32, writeback bool) {
	base := it.reg((insn >> 16) & 0xf)
	pre, up := insn&(1<<24) != 0, insn&(1<<23) != 0
	wb = base - offset
	if up {
		wb = base + offset
	}
	addr = base
	if pre {
		addr = wb
	}
	writeback = !pre || insn&(1<<21) != 0
	return
}

func (it *Interpreter) loadStore(insn uint32) (uint64, stopPtr) {
	var offset uint32
	if insn&(1<<25) == 0 {
		offset = insn & 0xfff
	} else {
		offset, _ = immShift(it.reg(insn&0xf), int(insn>>5)&3, (insn>>7)&0x1f, it.flag(CPSR_C))
	}
	addr, wb, writeback := it.addressing(insn, offset)
	rn, rd := (insn>>16)&0xf, (insn>>12)&0xf
	byteAccess := insn&(1<<22) != 0
	if insn&(1<<20) != 0 {
		var v uint32
		if byteAccess {
			b, ok := it.bus.ReadU8(addr)
			if !ok {
				return 1, it.memFault(addr)
			}
			v = uint32(b)
		} else {
			w, ok := it.bus.ReadU32(addr)
			if !ok {
				return 1, it.memFault(addr)
			}
			v = w
		}
		if writeback {
			it.setReg(rn, wb)
		}
		it.setReg(rd, v)
		return 1, nil
	}
	v := it.reg(rd)
	var ok bool
	if byteAccess {
		ok = it.bus.WriteU8(addr, uint8(v))
	} else {
		ok = it.bus.WriteU32(addr, v)
	}
	if !ok {
		return 1, it.memFault(addr)
	}
	if writeback {
		it.setReg(rn, wb)
	}
	return 1, nil
}

// loadStoreExtra handles halfword, signed byte and doubleword transfers.
func (it *Interpreter) loadStoreExtra(insn uint32) (uint64, stopPtr) {
	var offset uint32
	if insn&(1<<22) != 0 {
		offset = (insn>>4)&0xf0 | insn&0xf
	} else {
		offset = it.reg(insn & 0xf)
	}
	addr, wb, writeback := it.addressing(insn, offset)
	rn, rd := (insn>>16)&0xf, (insn>>12)&0xf
	load := insn&(1<<20) != 0
	switch op := (insn >> 5) & 3; {
	case load && op == 1:
		v, ok := it.bus.ReadU16(addr)
		if !ok {
			return 1, it.memFault(addr)
		}
		it.commitLoad(rn, wb, writeback, rd, uint32(v))
	case load && op == 2:
		v, ok := it.bus.ReadU8(addr)
		if !ok {
			return 1, it.memFault(addr)
		}
		it.commitLoad(rn, wb, writeback, rd, uint32(int32(int8(v))))
	case load && op == 3:
		v, ok := it.bus.ReadU16(addr)
		if !ok {
			return 1, it.memFault(addr)
		}
		it.commitLoad(rn, wb, writeback, rd, uint32(int32(int16(v))))
	case op == 1:
		if !it.bus.WriteU16(addr, uint16(it.reg(rd))) {
			return 1, it.memFault(addr)
		}
		if writeback {
			it.setReg(rn, wb)
		}
	case op == 2:
		if rd&1 != 0 {
			return it.undefined(insn)
		}
		lo, ok := it.bus.ReadU32(addr)
		if !ok {
			return 1, it.memFault(addr)
		}
		hi, ok := it.bus.ReadU32(addr + 4)
		if !ok {
			return 1, it.memFault(addr + 4)
		}
		if writeback {
			it.setReg(rn, wb)
		}
		it.setReg(rd, lo)
		it.setReg(rd+1, hi)
		return 2, nil
	default:
		if rd&1 != 0 {
			return it.undefined(insn)
		}
		if !it.bus.WriteU32(addr, it.reg(rd)) {
			return 1, it.memFault(addr)
		}
		if !it.bus.WriteU32(addr+4, it.reg(rd+1)) {
			return 1, it.memFault(addr + 4)
		}
		if writeback {
			it.setReg(rn, wb)
		}
		return 2, nil
	}
	return 1, nil
}

func (it *Interpreter) commitLoad(rn, wb uint32, writeback bool, rd, v uint32) {
	if writeback {
		it.setReg(rn, wb)
	}
	it.setReg(rd, v)
}

func (it *Interpreter) swap(insn uint32) (uint64, stopPtr) {
	rn, rd, rm := (insn>>16)&0xf, (insn>>12)&0xf, insn&0xf
	addr := it.reg(rn)
	if insn&(1<<22) != 0 {
		old, ok := it.bus.ReadU8(addr)
		if !ok || !it.bus.WriteU8(addr, uint8(it.reg(rm))) {
			return 1, it.memFault(addr)
		}
		it.setReg(rd, uint32(old))
		return 2, nil
	}
	old, ok := it.bus.ReadU32(addr)
	if !ok || !it.bus.WriteU32(addr, it.reg(rm)) {
		return 1, it.memFault(addr)
	}
	it.setReg(rd, old)
	return 2, nil
}

// blockTransfer implements LDM/STM in all four addressing modes. Loads are
// staged so a fault leaves the register file untouched.
func (it *Interpreter) blockTransfer(insn uint32) (uint64, stopPtr) {
	if insn&(1<<22) != 0 {
		// user bank / exception return forms are privileged
		return it.undefined(insn)
	}
	rn := (insn >> 16) & 0xf
	list := insn & 0xffff
	count := uint32(bits.OnesCount32(list))
	if count == 0 {
		return it.undefined(insn)
	}
	base := it.reg(rn)
	pre, up := insn&(1<<24) != 0, insn&(1<<23) != 0
	var addr, wb uint32
	if up {
		addr, wb = base, base+4*count
		if pre {
			addr += 4
		}
	} else {
		addr, wb = base-4*count, base-4*count
		if !pre {
			addr += 4
		}
	}
	writeback := insn&(1<<21) != 0
	if insn&(1<<20) != 0 {
		var vals [16]uint32
		a := addr
		for r := uint32(0); r < 16; r++ {
			if list&(1<<r) == 0 {
				continue
			}
			v, ok := it.bus.ReadU32(a)
			if !ok {
				return uint64(count), it.memFault(a)
			}
			vals[r] = v
			a += 4
		}
		if writeback && list&(1<<rn) == 0 {
			it.setReg(rn, wb)
		}
		for r := uint32(0); r < 16; r++ {
			if list&(1<<r) != 0 {
				it.setReg(r, vals[r])
			}
		}
		return uint64(count), nil
	}
	a := addr
	for r := uint32(0); r < 16; r++ {
		if list&(1<<r) == 0 {
			continue
		}
		if !it.bus.WriteU32(a, it.reg(r)) {
			return uint64(count), it.memFault(a)
		}
		a += 4
	}
	if writeback {
		it.setReg(rn, wb)
	}
	return uint64(count), nil
}
