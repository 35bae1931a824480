// Package encoding lays Go values out in guest memory following the 32-bit
// ARM data model: natural alignment, 8-byte aligned 64-bit scalars, word
// sized int/uint/uintptr, and pointers, strings and slices stored as guest
// pointers to separately allocated data.
package encoding

import "github.com/cockroachdb/errors"

var (
	ErrUnsupportedType = errors.New("unsupported type")
	ErrNoAllocator     = errors.New("stream cannot allocate")
	ErrNilValue        = errors.New("nil value")
	ErrShortBuffer     = errors.New("short buffer")
)

type Stream interface {
	BlockSize() int
	Offset() uint64
	Skip(int) error
	Read([]byte) (int, error)
	ReadFloat() (float32, error)
	ReadDouble() (float64, error)
	ReadString() (string, error)
	ReadStream() (Stream, error)
	Write([]byte) (int, error)
	WriteFloat(float32) error
	WriteDouble(float64) error
	WriteString(string) error
	WriteStream(int) (Stream, error)
}
