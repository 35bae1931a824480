package arm

import "math"

const (
	fpscrN = 1 << 31
	fpscrZ = 1 << 30
	fpscrC = 1 << 29
	fpscrV = 1 << 28
)

func (it *Interpreter) single(n uint32) float32 {
	return math.Float32frombits(it.fp[n])
}

func (it *Interpreter) setSingle(n uint32, f float32) {
	it.fp[n] = math.Float32bits(f)
}

func (it *Interpreter) double(n uint32) float64 {
	return math.Float64frombits(uint64(it.fp[2*n]) | uint64(it.fp[2*n+1])<<32)
}

func (it *Interpreter) setDouble(n uint32, d float64) {
	v := math.Float64bits(d)
	it.fp[2*n], it.fp[2*n+1] = uint32(v), uint32(v>>32)
}

func vfpD(insn uint32, dbl bool) uint32 {
	if dbl {
		return (insn>>18)&0x10 | (insn>>12)&0xf
	}
	return (insn>>11)&0x1e | (insn>>22)&1
}

func vfpN(insn uint32, dbl bool) uint32 {
	if dbl {
		return (insn>>3)&0x10 | (insn>>16)&0xf
	}
	return (insn>>15)&0x1e | (insn>>7)&1
}

func vfpM(insn uint32, dbl bool) uint32 {
	if dbl {
		return (insn>>1)&0x10 | insn&0xf
	}
	return (insn&0xf)<<1 | (insn>>5)&1
}

func (it *Interpreter) vmovSingle(insn uint32) (uint64, stopPtr) {
	n, rt := vfpN(insn, false), (insn>>12)&0xf
	if insn&(1<<20) != 0 {
		it.setReg(rt, it.fp[n])
	} else {
		it.fp[n] = it.reg(rt)
	}
	return 1, nil
}

func (it *Interpreter) vmovDouble(insn uint32) (uint64, stopPtr) {
	m := vfpM(insn, true)
	if m >= 16 {
		return it.undefined(insn)
	}
	return it.vmovPair(insn, 2*m)
}

func (it *Interpreter) vmovSinglePair(insn uint32) (uint64, stopPtr) {
	m := vfpM(insn, false)
	if m == 31 {
		return it.undefined(insn)
	}
	return it.vmovPair(insn, m)
}

func (it *Interpreter) vmovPair(insn uint32, s uint32) (uint64, stopPtr) {
	rt, rt2 := (insn>>12)&0xf, (insn>>16)&0xf
	if insn&(1<<20) != 0 {
		it.setReg(rt, it.fp[s])
		it.setReg(rt2, it.fp[s+1])
	} else {
		it.fp[s], it.fp[s+1] = it.reg(rt), it.reg(rt2)
	}
	return 1, nil
}

func (it *Interpreter) vmrs(insn uint32) (uint64, stopPtr) {
	if rt := (insn >> 12) & 0xf; rt == ARM_REG_PC {
		it.cpsr = it.cpsr&^0xf0000000 | it.fpscr&0xf0000000
	} else {
		it.setReg(rt, it.fpscr)
	}
	return 1, nil
}

func (it *Interpreter) vmsr(insn uint32) (uint64, stopPtr) {
	it.fpscr = it.reg((insn >> 12) & 0xf)
	return 1, nil
}

func (it *Interpreter) vldr(insn uint32) (uint64, stopPtr) {
	dbl := insn&(1<<8) != 0
	d := vfpD(insn, dbl)
	start, count := d, uint32(1)
	if dbl {
		if d >= 16 {
			return it.undefined(insn)
		}
		start, count = 2*d, 2
	}
	base := it.reg((insn >> 16) & 0xf) &^ 3
	offset := (insn & 0xff) << 2
	addr := base - offset
	if insn&(1<<23) != 0 {
		addr = base + offset
	}
	return it.vtransfer(insn&(1<<20) != 0, addr, start, count)
}

// vldm covers VLDM/VSTM including VPUSH and VPOP.
func (it *Interpreter) vldm(insn uint32) (uint64, stopPtr) {
	dbl := insn&(1<<8) != 0
	d := vfpD(insn, dbl)
	words := insn & 0xff
	start := d
	if dbl {
		start = 2 * d
		words &^= 1
	}
	if words == 0 || start+words > 32 {
		return it.undefined(insn)
	}
	rn := (insn >> 16) & 0xf
	base := it.reg(rn)
	up := insn&(1<<23) != 0
	addr, wb := base, base+4*words
	if !up {
		addr, wb = base-4*words, base-4*words
	}
	cost, stop := it.vtransfer(insn&(1<<20) != 0, addr, start, words)
	if stop == nil && insn&(1<<21) != 0 {
		it.setReg(rn, wb)
	}
	return cost, stop
}

func (it *Interpreter) vtransfer(load bool, addr, start, count uint32) (uint64, stopPtr) {
	if load {
		var vals [32]uint32
		for i := uint32(0); i < count; i++ {
			v, ok := it.bus.ReadU32(addr + 4*i)
			if !ok {
				return uint64(count), it.memFault(addr + 4*i)
			}
			vals[i] = v
		}
		copy(it.fp[start:start+count], vals[:count])
		return uint64(count), nil
	}
	for i := uint32(0); i < count; i++ {
		if !it.bus.WriteU32(addr+4*i, it.fp[start+i]) {
			return uint64(count), it.memFault(addr + 4*i)
		}
	}
	return uint64(count), nil
}

type float interface {
	float32 | float64
}

func arith[F float](opc uint32, neg bool, d, n, m F) (F, bool) {
	switch opc {
	case 0x0:
		if neg {
			return d - n*m, true
		}
		return d + n*m, true
	case 0x1:
		if neg {
			return -d - n*m, true
		}
		return -d + n*m, true
	case 0x2:
		if neg {
			return -(n * m), true
		}
		return n * m, true
	case 0x3:
		if neg {
			return n - m, true
		}
		return n + m, true
	case 0x8:
		if neg {
			return 0, false
		}
		return n / m, true
	}
	return 0, false
}

func (it *Interpreter) vfpDataProcessing(insn uint32) (uint64, stopPtr) {
	dbl := insn&(1<<8) != 0
	opc := (insn >> 20) & 0xb
	if opc == 0xb {
		return it.vfpOther(insn, dbl)
	}
	d, n, m := vfpD(insn, dbl), vfpN(insn, dbl), vfpM(insn, dbl)
	if dbl && (d >= 16 || n >= 16 || m >= 16) {
		return it.undefined(insn)
	}
	neg := insn&(1<<6) != 0
	if dbl {
		r, ok := arith(opc, neg, it.double(d), it.double(n), it.double(m))
		if !ok {
			return it.undefined(insn)
		}
		it.setDouble(d, r)
	} else {
		r, ok := arith(opc, neg, it.single(d), it.single(n), it.single(m))
		if !ok {
			return it.undefined(insn)
		}
		it.setSingle(d, r)
	}
	if opc == 0x8 {
		return 4, nil
	}
	return 1, nil
}

func (it *Interpreter) vfpOther(insn uint32, dbl bool) (uint64, stopPtr) {
	opc2, opc3 := (insn>>16)&0xf, (insn>>6)&3
	d, m := vfpD(insn, dbl), vfpM(insn, dbl)
	destSingle := opc2 == 0x7 || opc2 == 0xc || opc2 == 0xd
	if dbl && ((!destSingle && d >= 16) || (opc2 != 0x8 && m >= 16)) {
		return it.undefined(insn)
	}
	if opc3&1 == 0 {
		imm := (insn>>12)&0xf0 | insn&0xf
		v := expandFPImm(imm)
		if dbl {
			it.setDouble(d, v)
		} else {
			it.setSingle(d, float32(v))
		}
		return 1, nil
	}
	unary := func(f func(float64) float64) {
		if dbl {
			it.setDouble(d, f(it.double(m)))
		} else {
			it.setSingle(d, float32(f(float64(it.single(m)))))
		}
	}
	switch {
	case opc2 == 0x0 && opc3 == 1:
		if dbl {
			it.fp[2*d], it.fp[2*d+1] = it.fp[2*m], it.fp[2*m+1]
		} else {
			it.fp[d] = it.fp[m]
		}
	case opc2 == 0x0 && opc3 == 3:
		unary(math.Abs)
	case opc2 == 0x1 && opc3 == 1:
		unary(func(x float64) float64 { return -x })
	case opc2 == 0x1 && opc3 == 3:
		unary(math.Sqrt)
		return 8, nil
	case opc2 == 0x4 || opc2 == 0x5:
		var a, b float64
		if dbl {
			a = it.double(d)
		} else {
			a = float64(it.single(d))
		}
		if opc2 == 0x4 {
			if dbl {
				b = it.double(m)
			} else {
				b = float64(it.single(m))
			}
		}
		it.fpscr = it.fpscr&^0xf0000000 | compareFlags(a, b)
	case opc2 == 0x7 && opc3 == 3:
		if dbl {
			it.setSingle(vfpD(insn, false), float32(it.double(m)))
		} else {
			dd := vfpD(insn, true)
			if dd >= 16 {
				return it.undefined(insn)
			}
			it.setDouble(dd, float64(it.single(m)))
		}
	case opc2 == 0x8:
		sm := vfpM(insn, false)
		var v float64
		if insn&(1<<7) != 0 {
			v = float64(int32(it.fp[sm]))
		} else {
			v = float64(it.fp[sm])
		}
		if dbl {
			it.setDouble(d, v)
		} else {
			it.setSingle(d, float32(v))
		}
	case opc2 == 0xc || opc2 == 0xd:
		var v float64
		if dbl {
			v = it.double(m)
		} else {
			v = float64(it.single(m))
		}
		if insn&(1<<7) != 0 {
			v = math.Trunc(v)
		} else {
			v = math.RoundToEven(v)
		}
		it.fp[vfpD(insn, false)] = toInt(v, opc2 == 0xd)
	default:
		return it.undefined(insn)
	}
	return 1, nil
}

func compareFlags(a, b float64) uint32 {
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		return fpscrC | fpscrV
	case a == b:
		return fpscrZ | fpscrC
	case a < b:
		return fpscrN
	}
	return fpscrC
}

// toInt saturates like the hardware conversion; NaN converts to zero.
func toInt(v float64, signed bool) uint32 {
	switch {
	case math.IsNaN(v):
		return 0
	case signed && v >= math.MaxInt32:
		return math.MaxInt32
	case signed && v <= math.MinInt32:
		return 1 << 31
	case signed:
		return uint32(int32(v))
	case v <= 0:
		return 0
	case v >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(v)
}

// expandFPImm decodes the 8-bit VMOV immediate abcdefgh into
// (-1)^a * (1 + efgh/16) * 2^e where e depends on bcd.
func expandFPImm(imm uint32) float64 {
	cd := int(imm>>4) & 3
	e := cd + 1
	if imm&0x40 != 0 {
		e = cd - 3
	}
	v := math.Ldexp(1+float64(imm&0xf)/16, e)
	if imm&0x80 != 0 {
		v = -v
	}
	return v
}
