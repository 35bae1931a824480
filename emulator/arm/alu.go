package arm

import (
	"math/bits"

	"github.com/wnxd/microhle/emulator"
)

const (
	shiftLSL = iota
	shiftLSR
	shiftASR
	shiftROR
	shiftRRX
)

// shift applies a register specified shift and returns the shifter carry.
func shift(v uint32, typ int, amount uint32, carry bool) (uint32, bool) {
	if typ == shiftRRX {
		c := v&1 != 0
		v >>= 1
		if carry {
			v |= 1 << 31
		}
		return v, c
	}
	if amount == 0 {
		return v, carry
	}
	switch typ {
	case shiftLSL:
		switch {
		case amount < 32:
			return v << amount, v&(1<<(32-amount)) != 0
		case amount == 32:
			return 0, v&1 != 0
		}
		return 0, false
	case shiftLSR:
		switch {
		case amount < 32:
			return v >> amount, v&(1<<(amount-1)) != 0
		case amount == 32:
			return 0, v>>31 != 0
		}
		return 0, false
	case shiftASR:
		if amount >= 32 {
			if int32(v) < 0 {
				return 0xffffffff, true
			}
			return 0, false
		}
		return uint32(int32(v) >> amount), v&(1<<(amount-1)) != 0
	default:
		amount &= 31
		if amount == 0 {
			return v, v>>31 != 0
		}
		r := bits.RotateLeft32(v, -int(amount))
		return r, r>>31 != 0
	}
}

// immShift decodes a shift by immediate, including the #0 special cases.
func immShift(v uint32, typ int, amount uint32, carry bool) (uint32, bool) {
	if amount == 0 {
		switch typ {
		case shiftLSR, shiftASR:
			amount = 32
		case shiftROR:
			typ = shiftRRX
		}
	}
	return shift(v, typ, amount, carry)
}

func expandImm(insn uint32, carry bool) (uint32, bool) {
	rot := (insn >> 8) & 0xf * 2
	imm := insn & 0xff
	if rot == 0 {
		return imm, carry
	}
	imm = bits.RotateLeft32(imm, -int(rot))
	return imm, imm>>31 != 0
}

func (it *Interpreter) operand2(insn uint32) (uint32, bool) {
	carry := it.flag(CPSR_C)
	if insn&(1<<25) != 0 {
		return expandImm(insn, carry)
	}
	rm := insn & 0xf
	typ := int(insn>>5) & 3
	if insn&0x10 == 0 {
		return immShift(it.reg(rm), typ, (insn>>7)&0x1f, carry)
	}
	v := it.reg(rm)
	if rm == ARM_REG_PC {
		v += 4
	}
	return shift(v, typ, it.reg((insn>>8)&0xf)&0xff, carry)
}

func addWithCarry(a, b uint32, carry bool) (uint32, bool, bool) {
	var c uint32
	if carry {
		c = 1
	}
	sum, c1 := bits.Add32(a, b, c)
	overflow := (^(a^b)&(a^sum))>>31 != 0
	return sum, c1 != 0, overflow
}

func (it *Interpreter) dataProcessing(insn uint32) (uint64, stopPtr) {
	op := (insn >> 21) & 0xf
	setFlags := insn&(1<<20) != 0
	rn, rd := (insn>>16)&0xf, (insn>>12)&0xf
	b, shifterCarry := it.operand2(insn)
	a := it.reg(rn)
	if insn&(1<<25) == 0 && insn&0x10 != 0 && rn == ARM_REG_PC {
		a += 4
	}
	var (
		res             uint32
		carry, overflow = it.flag(CPSR_C), it.flag(CPSR_V)
		logical         = true
		write           = true
	)
	switch op {
	case 0x0:
		res = a & b
	case 0x1:
		res = a ^ b
	case 0x2:
		res, carry, overflow = addWithCarry(a, ^b, true)
		logical = false
	case 0x3:
		res, carry, overflow = addWithCarry(b, ^a, true)
		logical = false
	case 0x4:
		res, carry, overflow = addWithCarry(a, b, false)
		logical = false
	case 0x5:
		res, carry, overflow = addWithCarry(a, b, it.flag(CPSR_C))
		logical = false
	case 0x6:
		res, carry, overflow = addWithCarry(a, ^b, it.flag(CPSR_C))
		logical = false
	case 0x7:
		res, carry, overflow = addWithCarry(b, ^a, it.flag(CPSR_C))
		logical = false
	case 0x8:
		res, write = a&b, false
	case 0x9:
		res, write = a^b, false
	case 0xa:
		res, carry, overflow = addWithCarry(a, ^b, true)
		logical, write = false, false
	case 0xb:
		res, carry, overflow = addWithCarry(a, b, false)
		logical, write = false, false
	case 0xc:
		res = a | b
	case 0xd:
		res = b
	case 0xe:
		res = a &^ b
	case 0xf:
		res = ^b
	}
	if logical {
		carry = shifterCarry
	}
	if setFlags && (rd != ARM_REG_PC || !write) {
		it.setNZ(res)
		it.setFlag(CPSR_C, carry)
		it.setFlag(CPSR_V, overflow)
	}
	if write {
		it.setReg(rd, res)
	}
	return 1, nil
}

func (it *Interpreter) movw(insn uint32) (uint64, stopPtr) {
	it.setReg((insn>>12)&0xf, (insn>>4)&0xf000|insn&0xfff)
	return 1, nil
}

func (it *Interpreter) movt(insn uint32) (uint64, stopPtr) {
	rd := (insn >> 12) & 0xf
	it.setReg(rd, ((insn>>4)&0xf000|insn&0xfff)<<16|it.regs[rd]&0xffff)
	return 1, nil
}

func (it *Interpreter) mrs(insn uint32) (uint64, stopPtr) {
	if insn&(1<<22) != 0 {
		// no SPSR in user mode
		return it.undefined(insn)
	}
	it.setReg((insn>>12)&0xf, it.cpsr)
	return 1, nil
}

// msr only touches the flag byte; the control field is privileged. A zero
// mask in the immediate form is the hint space (nop, yield, wfe ...).
func (it *Interpreter) msr(insn uint32) (uint64, stopPtr) {
	if insn&(1<<22) != 0 {
		return it.undefined(insn)
	}
	var v uint32
	if insn&(1<<25) != 0 {
		v, _ = expandImm(insn, false)
	} else {
		v = it.reg(insn & 0xf)
	}
	if insn&(1<<19) != 0 {
		it.cpsr = it.cpsr&^0xff000000 | v&0xff000000
	}
	if insn&(1<<18) != 0 {
		it.cpsr = it.cpsr&^0x000f0000 | v&0x000f0000
	}
	return 1, nil
}

func (it *Interpreter) clz(insn uint32) (uint64, stopPtr) {
	it.setReg((insn>>12)&0xf, uint32(bits.LeadingZeros32(it.reg(insn&0xf))))
	return 1, nil
}

func (it *Interpreter) multiply(insn uint32) (uint64, stopPtr) {
	rd, rn, rs, rm := (insn>>16)&0xf, (insn>>12)&0xf, (insn>>8)&0xf, insn&0xf
	res := it.reg(rm) * it.reg(rs)
	if insn&(1<<21) != 0 {
		res += it.reg(rn)
	}
	if insn&(1<<20) != 0 {
		it.setNZ(res)
	}
	it.setReg(rd, res)
	return 2, nil
}

func (it *Interpreter) multiplyLong(insn uint32) (uint64, stopPtr) {
	hi, lo, rs, rm := (insn>>16)&0xf, (insn>>12)&0xf, (insn>>8)&0xf, insn&0xf
	var res uint64
	if insn&(1<<22) != 0 {
		res = uint64(int64(int32(it.reg(rm))) * int64(int32(it.reg(rs))))
	} else {
		res = uint64(it.reg(rm)) * uint64(it.reg(rs))
	}
	if insn&(1<<21) != 0 {
		res += uint64(it.reg(hi))<<32 | uint64(it.reg(lo))
	}
	if insn&(1<<20) != 0 {
		it.setFlag(CPSR_N, res>>63 != 0)
		it.setFlag(CPSR_Z, res == 0)
	}
	it.setReg(lo, uint32(res))
	it.setReg(hi, uint32(res>>32))
	return 3, nil
}

func (it *Interpreter) extend(insn uint32) (uint64, stopPtr) {
	rn, rd, rm := (insn>>16)&0xf, (insn>>12)&0xf, insn&0xf
	v := bits.RotateLeft32(it.reg(rm), -int((insn>>10)&3*8))
	var res uint32
	switch (insn >> 20) & 7 {
	case 0b010:
		res = uint32(int32(int8(v)))
	case 0b011:
		res = uint32(int32(int16(v)))
	case 0b110:
		res = v & 0xff
	case 0b111:
		res = v & 0xffff
	case 0b100:
		res = v & 0x00ff00ff
	case 0b000:
		res = uint32(uint16(int16(int8(v)))) | uint32(uint16(int16(int8(v>>16))))<<16
	default:
		return it.undefined(insn)
	}
	if rn != ARM_REG_PC {
		if op := (insn >> 20) & 7; op == 0b100 || op == 0b000 {
			a := it.reg(rn)
			res = (a+res)&0xffff | ((a>>16)+(res>>16))<<16
		} else {
			res += it.reg(rn)
		}
	}
	it.setReg(rd, res)
	return 1, nil
}

func (it *Interpreter) rev(insn uint32) (uint64, stopPtr) {
	it.setReg((insn>>12)&0xf, bits.ReverseBytes32(it.reg(insn&0xf)))
	return 1, nil
}

func (it *Interpreter) rev16(insn uint32) (uint64, stopPtr) {
	v := it.reg(insn & 0xf)
	it.setReg((insn>>12)&0xf, (v&0xff00ff00)>>8|(v&0x00ff00ff)<<8)
	return 1, nil
}

func (it *Interpreter) bitfieldExtract(insn uint32) (uint64, stopPtr) {
	rd, rn := (insn>>12)&0xf, insn&0xf
	lsb := (insn >> 7) & 0x1f
	width := (insn>>16)&0x1f + 1
	if lsb+width > 32 {
		return it.undefined(insn)
	}
	v := it.reg(rn) << (32 - lsb - width)
	if insn&(1<<22) != 0 {
		v >>= 32 - width
	} else {
		v = uint32(int32(v) >> (32 - width))
	}
	it.setReg(rd, v)
	return 1, nil
}

// bitfieldInsert covers BFI and, with rn == pc, BFC.
func (it *Interpreter) bitfieldInsert(insn uint32) (uint64, stopPtr) {
	rd, rn := (insn>>12)&0xf, insn&0xf
	lsb := (insn >> 7) & 0x1f
	msb := (insn >> 16) & 0x1f
	if msb < lsb {
		return it.undefined(insn)
	}
	mask := uint32(uint64(1)<<(msb-lsb+1)-1) << lsb
	var src uint32
	if rn != ARM_REG_PC {
		src = it.reg(rn) << lsb
	}
	it.setReg(rd, it.regs[rd]&^mask|src&mask)
	return 1, nil
}

func (it *Interpreter) branch(insn uint32) (uint64, stopPtr) {
	offset := uint32(int32(insn<<8) >> 6)
	if insn&(1<<24) != 0 {
		it.regs[ARM_REG_LR] = it.cur + INSN_SIZE
	}
	it.regs[ARM_REG_PC] = it.cur + 8 + offset
	return 1, nil
}

func (it *Interpreter) blxImmediate(insn uint32) (uint64, stopPtr) {
	offset := uint32(int32(insn<<8)>>6) | (insn>>23)&2
	it.regs[ARM_REG_LR] = it.cur + INSN_SIZE
	it.branchExchange(it.cur + 8 + offset | 1)
	return 1, nil
}

func (it *Interpreter) bx(insn uint32) (uint64, stopPtr) {
	it.branchExchange(it.reg(insn & 0xf))
	return 1, nil
}

func (it *Interpreter) blx(insn uint32) (uint64, stopPtr) {
	target := it.reg(insn & 0xf)
	it.regs[ARM_REG_LR] = it.cur + INSN_SIZE
	it.branchExchange(target)
	return 1, nil
}

func (it *Interpreter) svc(insn uint32) (uint64, stopPtr) {
	it.stop = emulator.Stop{Kind: emulator.STOP_SVC, Imm: insn & SVC_IMM_MAX}
	return 1, &it.stop
}

func (it *Interpreter) bkpt(insn uint32) (uint64, stopPtr) {
	return 1, it.halt(emulator.STOP_BREAKPOINT)
}

func (it *Interpreter) nop(uint32) (uint64, stopPtr) {
	return 1, nil
}
