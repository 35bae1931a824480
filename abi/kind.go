// Package abi marshals values across the guest calling convention in both
// directions: guest code calling host functions through system call
// trampolines, and host code calling guest functions on a frame stack.
package abi

import (
	"fmt"
	"strings"

	"github.com/wnxd/microhle/memory"
)

type Kind uint8

const (
	KIND_VOID Kind = iota
	KIND_U8
	KIND_I8
	KIND_U16
	KIND_I16
	KIND_U32
	KIND_I32
	KIND_BOOL
	KIND_PTR
	KIND_U64
	KIND_I64
	KIND_F32
	KIND_F64
	KIND_STRUCT
)

var kindNames = [...]string{"void", "u8", "i8", "u16", "i16", "u32", "i32", "bool", "ptr", "u64", "i64", "f32", "f64", "struct"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Type is a Kind plus the byte size for KIND_STRUCT.
type Type struct {
	Kind Kind
	Size uint32
}

var (
	Void = Type{Kind: KIND_VOID}
	U8   = Type{Kind: KIND_U8, Size: 1}
	I8   = Type{Kind: KIND_I8, Size: 1}
	U16  = Type{Kind: KIND_U16, Size: 2}
	I16  = Type{Kind: KIND_I16, Size: 2}
	U32  = Type{Kind: KIND_U32, Size: 4}
	I32  = Type{Kind: KIND_I32, Size: 4}
	Bool = Type{Kind: KIND_BOOL, Size: 4}
	Ptr  = Type{Kind: KIND_PTR, Size: memory.PointerSize}
	U64  = Type{Kind: KIND_U64, Size: 8}
	I64  = Type{Kind: KIND_I64, Size: 8}
	F32  = Type{Kind: KIND_F32, Size: 4}
	F64  = Type{Kind: KIND_F64, Size: 8}
)

func Struct(size uint32) Type {
	return Type{Kind: KIND_STRUCT, Size: size}
}

func (t Type) String() string {
	if t.Kind == KIND_STRUCT {
		return fmt.Sprintf("struct(%d)", t.Size)
	}
	return t.Kind.String()
}

// Words is the number of 32-bit slots the type occupies.
func (t Type) Words() uint32 {
	switch t.Kind {
	case KIND_VOID:
		return 0
	case KIND_U64, KIND_I64, KIND_F64:
		return 2
	case KIND_STRUCT:
		return memory.Align(t.Size, 4) / 4
	}
	return 1
}

func (t Type) IsFloat() bool {
	return t.Kind == KIND_F32 || t.Kind == KIND_F64
}

func (t Type) isWide() bool {
	return t.Kind == KIND_U64 || t.Kind == KIND_I64 || t.Kind == KIND_F64
}

// Shape is the fixed signature a host function is declared with.
type Shape struct {
	Args     []Type
	Ret      Type
	Variadic bool
	// SoftFloat passes floating point values in core registers.
	SoftFloat bool
}

func (s Shape) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, arg := range s.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(arg.String())
	}
	if s.Variadic {
		if len(s.Args) > 0 {
			b.WriteString(", ")
		}
		b.WriteString("...")
	}
	b.WriteString(") -> ")
	b.WriteString(s.Ret.String())
	return b.String()
}

// IndirectReturn reports whether the result is written through a hidden
// pointer passed in r0 instead of returned in registers.
func (s Shape) IndirectReturn() bool {
	return s.Ret.Kind == KIND_STRUCT && s.Ret.Size > 4
}
