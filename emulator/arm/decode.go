package arm

func decode(insn uint32) execFunc {
	if insn>>28 == 0xf {
		return decodeUnconditional(insn)
	}
	switch (insn >> 25) & 7 {
	case 0:
		return decodeGroup0(insn)
	case 1:
		switch {
		case insn&0x0ff00000 == 0x03000000:
			return (*Interpreter).movw
		case insn&0x0ff00000 == 0x03400000:
			return (*Interpreter).movt
		case insn&0x0fb0f000 == 0x0320f000:
			return (*Interpreter).msr
		case insn&0x0fb00000 == 0x03000000:
			return (*Interpreter).undefined
		}
		return (*Interpreter).dataProcessing
	case 2:
		return (*Interpreter).loadStore
	case 3:
		if insn&0x10 == 0 {
			return (*Interpreter).loadStore
		}
		return decodeMedia(insn)
	case 4:
		return (*Interpreter).blockTransfer
	case 5:
		return (*Interpreter).branch
	case 6:
		return decodeCoprocessorTransfer(insn)
	default:
		if insn&(1<<24) != 0 {
			return (*Interpreter).svc
		}
		return decodeCoprocessorOp(insn)
	}
}

func decodeGroup0(insn uint32) execFunc {
	switch {
	case insn&0x0ffffff0 == 0x012fff10:
		return (*Interpreter).bx
	case insn&0x0ffffff0 == 0x012fff30:
		return (*Interpreter).blx
	case insn&0x0ff000f0 == 0x01200070:
		return (*Interpreter).bkpt
	case insn&0x0fff0ff0 == 0x016f0f10:
		return (*Interpreter).clz
	case insn&0x0fbf0fff == 0x010f0000:
		return (*Interpreter).mrs
	case insn&0x0fb0fff0 == 0x0120f000:
		return (*Interpreter).msr
	case insn&0x0fc000f0 == 0x00000090:
		return (*Interpreter).multiply
	case insn&0x0f8000f0 == 0x00800090:
		return (*Interpreter).multiplyLong
	case insn&0x0fb00ff0 == 0x01000090:
		return (*Interpreter).swap
	case insn&0x0e000090 == 0x00000090 && insn&0x60 != 0:
		return (*Interpreter).loadStoreExtra
	case insn&0x0f900000 == 0x01000000:
		// saturating arithmetic and halfword multiplies
		return (*Interpreter).undefined
	}
	return (*Interpreter).dataProcessing
}

func decodeMedia(insn uint32) execFunc {
	switch {
	case insn&0x0ff000f0 == 0x07f000f0:
		return (*Interpreter).undefined
	case insn&0x0f8003f0 == 0x06800070:
		return (*Interpreter).extend
	case insn&0x0fff0ff0 == 0x06bf0f30:
		return (*Interpreter).rev
	case insn&0x0fff0ff0 == 0x06bf0fb0:
		return (*Interpreter).rev16
	case insn&0x0fe00070 == 0x07e00050, insn&0x0fe00070 == 0x07a00050:
		return (*Interpreter).bitfieldExtract
	case insn&0x0fe00070 == 0x07c00010:
		return (*Interpreter).bitfieldInsert
	}
	return (*Interpreter).undefined
}

func decodeUnconditional(insn uint32) execFunc {
	switch {
	case insn&0x0e000000 == 0x0a000000:
		return (*Interpreter).blxImmediate
	case insn&0x0d70f000 == 0x0550f000, insn&0x0fffff00 == 0x057ff000:
		// pld, clrex and barriers
		return (*Interpreter).nop
	}
	return (*Interpreter).undefined
}

func decodeCoprocessorTransfer(insn uint32) execFunc {
	if cp := (insn >> 8) & 0xe; cp != 0xa {
		return (*Interpreter).undefined
	}
	switch {
	case insn&0x0fe00fd0 == 0x0c400b10:
		return (*Interpreter).vmovDouble
	case insn&0x0fe00fd0 == 0x0c400a10:
		return (*Interpreter).vmovSinglePair
	case insn&0x0f200000 == 0x0d000000:
		return (*Interpreter).vldr
	case insn&0x01800000 == 0x00800000, insn&0x01a00000 == 0x01200000:
		return (*Interpreter).vldm
	}
	return (*Interpreter).undefined
}

func decodeCoprocessorOp(insn uint32) execFunc {
	if cp := (insn >> 8) & 0xe; cp != 0xa {
		return (*Interpreter).undefined
	}
	switch {
	case insn&0x0fe00f7f == 0x0e000a10:
		return (*Interpreter).vmovSingle
	case insn&0x0fff0fff == 0x0ef10a10:
		return (*Interpreter).vmrs
	case insn&0x0fff0fff == 0x0ee10a10:
		return (*Interpreter).vmsr
	case insn&0x0f000010 == 0x0e000000:
		return (*Interpreter).vfpDataProcessing
	}
	return (*Interpreter).undefined
}
