package abi

import (
	"math"

	"github.com/wnxd/microhle/memory"
)

// Value is one argument or return value in guest representation. Scalars
// live in bits; struct values carry their guest bytes.
type Value struct {
	bits uint64
	data []byte
	typ  *Type
}

// As tags v with its guest type. Only variadic arguments need a tag; fixed
// arguments take their type from the shape.
func (v Value) As(t Type) Value {
	v.typ = &t
	return v
}

func (v Value) varType() Type {
	switch {
	case v.typ != nil:
		return *v.typ
	case v.data != nil:
		return Struct(uint32(len(v.data)))
	}
	return U32
}

func Uint32(v uint32) Value   { return Value{bits: uint64(v)} }
func Int32(v int32) Value     { return Value{bits: uint64(uint32(v))} }
func Uint64(v uint64) Value   { return Value{bits: v} }
func Int64(v int64) Value     { return Value{bits: uint64(v)} }
func Float32(v float32) Value { return Value{bits: uint64(math.Float32bits(v))} }
func Float64(v float64) Value { return Value{bits: math.Float64bits(v)} }

func Pointer(addr memory.Addr) Value {
	return Value{bits: uint64(addr)}
}

func BoolValue(v bool) Value {
	if v {
		return Value{bits: 1}
	}
	return Value{}
}

// Bytes wraps the guest layout of a struct value.
func Bytes(b []byte) Value {
	return Value{data: b}
}

func (v Value) U32() uint32       { return uint32(v.bits) }
func (v Value) I32() int32        { return int32(uint32(v.bits)) }
func (v Value) U64() uint64       { return v.bits }
func (v Value) I64() int64        { return int64(v.bits) }
func (v Value) F32() float32      { return math.Float32frombits(uint32(v.bits)) }
func (v Value) F64() float64      { return math.Float64frombits(v.bits) }
func (v Value) Bool() bool        { return uint32(v.bits) != 0 }
func (v Value) Addr() memory.Addr { return memory.Addr(v.bits) }
func (v Value) Data() []byte      { return v.data }

func (v Value) IsZero() bool {
	return v.bits == 0 && len(v.data) == 0
}

func (v Value) Equal(o Value) bool {
	return v.bits == o.bits && string(v.data) == string(o.data)
}

// words splits v into 32-bit slots for t.
func (v Value) words(t Type) []uint32 {
	switch t.Kind {
	case KIND_VOID:
		return nil
	case KIND_U64, KIND_I64, KIND_F64:
		return []uint32{uint32(v.bits), uint32(v.bits >> 32)}
	case KIND_STRUCT:
		n := t.Words()
		out := make([]uint32, n)
		for i := range n {
			var w [4]byte
			if off := int(i * 4); off < len(v.data) {
				copy(w[:], v.data[off:min(off+4, int(t.Size), len(v.data))])
			}
			out[i] = le.Uint32(w[:])
		}
		return out
	case KIND_U8:
		return []uint32{uint32(uint8(v.bits))}
	case KIND_I8:
		return []uint32{uint32(int32(int8(v.bits)))}
	case KIND_U16:
		return []uint32{uint32(uint16(v.bits))}
	case KIND_I16:
		return []uint32{uint32(int32(int16(v.bits)))}
	case KIND_BOOL:
		if uint32(v.bits) != 0 {
			return []uint32{1}
		}
		return []uint32{0}
	}
	return []uint32{uint32(v.bits)}
}

// fromWords rebuilds a value of type t, normalizing narrow integers the way
// the callee would see them.
func fromWords(t Type, words []uint32) Value {
	switch t.Kind {
	case KIND_VOID:
		return Value{}
	case KIND_U64, KIND_I64, KIND_F64:
		return Value{bits: uint64(words[0]) | uint64(words[1])<<32}
	case KIND_STRUCT:
		data := make([]byte, len(words)*4)
		for i, w := range words {
			le.PutUint32(data[i*4:], w)
		}
		return Value{data: data[:t.Size]}
	case KIND_U8:
		return Uint32(uint32(uint8(words[0])))
	case KIND_I8:
		return Int32(int32(int8(words[0])))
	case KIND_U16:
		return Uint32(uint32(uint16(words[0])))
	case KIND_I16:
		return Int32(int32(int16(words[0])))
	case KIND_BOOL:
		return BoolValue(uint8(words[0]) != 0)
	}
	return Uint32(words[0])
}
