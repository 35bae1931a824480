package encoding

import (
	"encoding/binary"
	"math"
)

// bufferStream is a flat in-memory Stream. It cannot follow or create
// pointers.
type bufferStream struct {
	buf []byte
	off int
	bs  int
}

func (s *bufferStream) BlockSize() int {
	return s.bs
}

func (s *bufferStream) Offset() uint64 {
	return uint64(s.off)
}

func (s *bufferStream) grow(n int) {
	if need := s.off + n; need > len(s.buf) {
		s.buf = append(s.buf, make([]byte, need-len(s.buf))...)
	}
}

func (s *bufferStream) Skip(n int) error {
	s.off += n
	return nil
}

func (s *bufferStream) Read(b []byte) (int, error) {
	if s.off+len(b) > len(s.buf) {
		return 0, ErrShortBuffer
	}
	n := copy(b, s.buf[s.off:])
	s.off += n
	return n, nil
}

func (s *bufferStream) ReadFloat() (float32, error) {
	var b [4]byte
	if _, err := s.Read(b[:]); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b[:])), nil
}

func (s *bufferStream) ReadDouble() (float64, error) {
	var b [8]byte
	if _, err := s.Read(b[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
}

func (s *bufferStream) ReadString() (string, error) {
	for i := s.off; i < len(s.buf); i++ {
		if s.buf[i] == 0 {
			str := string(s.buf[s.off:i])
			s.off = i + 1
			return str, nil
		}
	}
	return "", ErrShortBuffer
}

func (s *bufferStream) ReadStream() (Stream, error) {
	return nil, ErrNoAllocator
}

func (s *bufferStream) Write(b []byte) (int, error) {
	s.grow(len(b))
	n := copy(s.buf[s.off:], b)
	s.off += n
	return n, nil
}

func (s *bufferStream) WriteFloat(f float32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
	_, err := s.Write(b[:])
	return err
}

func (s *bufferStream) WriteDouble(d float64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(d))
	_, err := s.Write(b[:])
	return err
}

func (s *bufferStream) WriteString(str string) error {
	s.Write([]byte(str))
	_, err := s.Write([]byte{0})
	return err
}

func (s *bufferStream) WriteStream(int) (Stream, error) {
	return nil, ErrNoAllocator
}
