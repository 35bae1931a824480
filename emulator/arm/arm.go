// Package arm holds the 32-bit ARM register file layout, the instruction
// words the bridge writes into guest memory, and an A32 interpreter that
// implements emulator.Engine.
package arm

const (
	ARM_REG_R0 = iota
	ARM_REG_R1
	ARM_REG_R2
	ARM_REG_R3
	ARM_REG_R4
	ARM_REG_R5
	ARM_REG_R6
	ARM_REG_R7
	ARM_REG_R8
	ARM_REG_R9
	ARM_REG_R10
	ARM_REG_R11
	ARM_REG_R12
	ARM_REG_SP
	ARM_REG_LR
	ARM_REG_PC

	// Frame pointer in the platform ABI.
	ARM_REG_FP = ARM_REG_R7
)

const (
	CPSR_N         uint32 = 1 << 31
	CPSR_Z         uint32 = 1 << 30
	CPSR_C         uint32 = 1 << 29
	CPSR_V         uint32 = 1 << 28
	CPSR_Q         uint32 = 1 << 27
	CPSR_THUMB     uint32 = 1 << 5
	CPSR_USER_MODE uint32 = 0x10

	CPSR_FLAGS = CPSR_N | CPSR_Z | CPSR_C | CPSR_V | CPSR_Q
)

const (
	INSN_SIZE = 4
	// bx lr
	INSN_RET uint32 = 0xe12fff1e
	// udf #0xfdee, permanently undefined
	INSN_TRAP uint32 = 0xe7ffdefe
	// bkpt #0
	INSN_BKPT uint32 = 0xe1200070
	// nop (mov r0, r0)
	INSN_NOP uint32 = 0xe1a00000

	SVC_IMM_MAX = 1<<24 - 1
)

// EncodeSVC returns the A32 encoding of svc #imm. imm must fit in 24 bits.
func EncodeSVC(imm uint32) uint32 {
	return 0xef000000 | imm&SVC_IMM_MAX
}

// ThumbBit reports whether a code address selects Thumb state.
func ThumbBit(addr uint32) bool {
	return addr&1 != 0
}

// EncodeMOVW returns movw rd, #imm16.
func EncodeMOVW(rd, imm16 uint32) uint32 {
	return 0xe3000000 | (imm16>>12&0xf)<<16 | (rd&0xf)<<12 | imm16&0xfff
}

// EncodeMOVT returns movt rd, #imm16.
func EncodeMOVT(rd, imm16 uint32) uint32 {
	return 0xe3400000 | (imm16>>12&0xf)<<16 | (rd&0xf)<<12 | imm16&0xfff
}

// EncodeLDR returns ldr rt, [rn, #off] for 0 <= off < 4096.
func EncodeLDR(rt, rn, off uint32) uint32 {
	return 0xe5900000 | (rn&0xf)<<16 | (rt&0xf)<<12 | off&0xfff
}

func EncodeBX(rm uint32) uint32 {
	return 0xe12fff10 | rm&0xf
}

func EncodeBLX(rm uint32) uint32 {
	return 0xe12fff30 | rm&0xf
}
