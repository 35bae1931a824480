package memory

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
)

var le = binary.LittleEndian

// Space is the guest address space. Checked accessors take the shared lock
// for reads and the exclusive lock for writes; the CPU adapter borrows the
// whole space exclusively for the duration of a run.
type Space struct {
	mu     sync.RWMutex
	buf    []byte
	guard  uint32
	closed bool
}

// New reserves the backing buffer. guardSize is rounded up to whole pages.
func New(guardSize uint32) (*Space, error) {
	guard := Align(uint64(guardSize), PageSize)
	if guard >= Size {
		return nil, errors.Wrapf(ErrSizeInvalid, "guard size %#x", guardSize)
	}
	buf, err := mapBacking(Size)
	if err != nil {
		return nil, errors.Wrap(err, "reserve guest address space")
	}
	return &Space{buf: buf, guard: uint32(guard)}, nil
}

func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	buf := s.buf
	s.buf = nil
	return unmapBacking(buf)
}

func (s *Space) GuardSize() uint32 {
	return s.guard
}

func (s *Space) GuardPages() uint32 {
	return s.guard / PageSize
}

func (s *Space) check(addr Addr, size uint32, write bool) error {
	if s.buf == nil {
		return ErrClosed
	}
	if uint32(addr) < s.guard {
		return &Fault{Addr: addr, Size: size, Write: write, Guard: true}
	}
	if uint64(addr)+uint64(size) > uint64(len(s.buf)) {
		return &Fault{Addr: addr, Size: size, Write: write}
	}
	return nil
}

func (s *Space) slice(addr Addr, size uint32, write bool) ([]byte, error) {
	if err := s.check(addr, size, write); err != nil {
		return nil, err
	}
	return s.buf[addr : uint64(addr)+uint64(size) : uint64(addr)+uint64(size)], nil
}

func (s *Space) ReadU8(addr Addr) (uint8, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.slice(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *Space) ReadU16(addr Addr) (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.slice(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return le.Uint16(b), nil
}

func (s *Space) ReadU32(addr Addr) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.slice(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return le.Uint32(b), nil
}

func (s *Space) ReadU64(addr Addr) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.slice(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return le.Uint64(b), nil
}

func (s *Space) WriteU8(addr Addr, v uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.slice(addr, 1, true)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (s *Space) WriteU16(addr Addr, v uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.slice(addr, 2, true)
	if err != nil {
		return err
	}
	le.PutUint16(b, v)
	return nil
}

func (s *Space) WriteU32(addr Addr, v uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.slice(addr, 4, true)
	if err != nil {
		return err
	}
	le.PutUint32(b, v)
	return nil
}

func (s *Space) WriteU64(addr Addr, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.slice(addr, 8, true)
	if err != nil {
		return err
	}
	le.PutUint64(b, v)
	return nil
}

// Read copies len(b) bytes starting at addr.
func (s *Space) Read(addr Addr, b []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, err := s.slice(addr, uint32(len(b)), false)
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

func (s *Space) Write(addr Addr, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst, err := s.slice(addr, uint32(len(b)), true)
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Fill sets size bytes starting at addr to v.
func (s *Space) Fill(addr Addr, size uint32, v byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst, err := s.slice(addr, size, true)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = v
	}
	return nil
}

// Copy moves size bytes from src to dst; the ranges may overlap.
func (s *Space) Copy(dst, src Addr, size uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from, err := s.slice(src, size, false)
	if err != nil {
		return err
	}
	to, err := s.slice(dst, size, true)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

// ReadCString reads a NUL terminated string. Running into the guard or the
// end of the space before the terminator is a fault.
func (s *Space) ReadCString(addr Addr) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(addr, 1, false); err != nil {
		return "", err
	}
	rest := s.buf[addr:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", &Fault{Addr: Addr(len(s.buf) - 1), Size: 1}
	}
	return string(rest[:i]), nil
}

func (s *Space) WriteCString(addr Addr, str string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst, err := s.slice(addr, uint32(len(str))+1, true)
	if err != nil {
		return err
	}
	copy(dst, str)
	dst[len(str)] = 0
	return nil
}

// DirectAccess returns the backing bytes of [addr, addr+size) when the
// range lies entirely outside the guard. Only the CPU adapter may hold the
// slice across calls, and only while it has borrowed the space.
func (s *Space) DirectAccess(addr Addr, size uint32) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.slice(addr, size, false)
	return b, err == nil
}

// Borrow locks the space exclusively and returns unchecked-lock accessors
// for the caller. Release must be called exactly once.
func (s *Space) Borrow() *Access {
	s.mu.Lock()
	return &Access{s: s}
}
