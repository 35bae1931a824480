package memory

import (
	"math"

	"github.com/wnxd/microhle/encoding"
)

// AllocFunc hands out guest memory for data reached through pointers while
// encoding.
type AllocFunc func(size uint32) (Addr, error)

type pointerStream struct {
	ptr   Pointer
	alloc AllocFunc
}

// NewStream returns an encoding.Stream positioned at p. alloc may be nil
// when nothing behind a pointer needs to be written.
func NewStream(p Pointer, alloc AllocFunc) encoding.Stream {
	return &pointerStream{p, alloc}
}

func (ps *pointerStream) BlockSize() int {
	return PointerSize
}

func (ps *pointerStream) Offset() uint64 {
	return uint64(ps.ptr.Address())
}

func (ps *pointerStream) Skip(n int) error {
	ps.ptr = ps.ptr.Add(uint32(n))
	return nil
}

func (ps *pointerStream) Read(b []byte) (int, error) {
	n, err := ps.ptr.ReadAt(b, 0)
	if err == nil {
		ps.Skip(n)
	}
	return n, err
}

func (ps *pointerStream) ReadFloat() (float32, error) {
	v, err := ps.ptr.ReadU32()
	if err != nil {
		return 0, err
	}
	ps.Skip(4)
	return math.Float32frombits(v), nil
}

func (ps *pointerStream) ReadDouble() (float64, error) {
	var buf [8]byte
	if _, err := ps.Read(buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(le.Uint64(buf[:])), nil
}

func (ps *pointerStream) ReadString() (string, error) {
	str, err := ps.ptr.ReadString()
	if err == nil {
		ps.Skip(len(str) + 1)
	}
	return str, err
}

func (ps *pointerStream) ReadStream() (encoding.Stream, error) {
	ptr, err := ps.ptr.ReadPointer()
	if err != nil {
		return nil, err
	}
	ps.Skip(PointerSize)
	return &pointerStream{ptr, ps.alloc}, nil
}

func (ps *pointerStream) Write(b []byte) (int, error) {
	n, err := ps.ptr.WriteAt(b, 0)
	if err == nil {
		ps.Skip(n)
	}
	return n, err
}

func (ps *pointerStream) WriteFloat(f float32) error {
	if err := ps.ptr.WriteU32(math.Float32bits(f)); err != nil {
		return err
	}
	return ps.Skip(4)
}

func (ps *pointerStream) WriteDouble(d float64) error {
	var buf [8]byte
	le.PutUint64(buf[:], math.Float64bits(d))
	_, err := ps.Write(buf[:])
	return err
}

func (ps *pointerStream) WriteString(str string) error {
	if _, err := ps.Write([]byte(str)); err != nil {
		return err
	}
	_, err := ps.Write([]byte{0})
	return err
}

func (ps *pointerStream) WriteStream(size int) (encoding.Stream, error) {
	if ps.alloc == nil {
		return nil, encoding.ErrNoAllocator
	}
	addr, err := ps.alloc(uint32(max(size, 1)))
	if err != nil {
		return nil, err
	}
	if err := ps.ptr.WriteU32(uint32(addr)); err != nil {
		return nil, err
	}
	ps.Skip(PointerSize)
	return &pointerStream{Pointer{ps.ptr.mem, addr}, ps.alloc}, nil
}
