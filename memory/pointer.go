package memory

import (
	"github.com/cockroachdb/errors"
)

// ReadWriter is the checked byte interface shared by Space and the views
// built on it.
type ReadWriter interface {
	Read(addr Addr, b []byte) error
	Write(addr Addr, b []byte) error
	ReadCString(addr Addr) (string, error)
}

// Pointer binds a guest address to the memory it points into.
type Pointer struct {
	mem  ReadWriter
	addr Addr
}

func ToPointer(mem ReadWriter, addr Addr) Pointer {
	return Pointer{mem, addr}
}

func (p Pointer) IsNil() bool {
	return p.addr == 0
}

func (p Pointer) Address() Addr {
	return p.addr
}

func (p Pointer) Add(offset uint32) Pointer {
	return Pointer{p.mem, p.addr.Add(offset)}
}

func (p Pointer) Sub(offset uint32) Pointer {
	return Pointer{p.mem, p.addr.Sub(offset)}
}

func (p Pointer) MemRead(size uint32) ([]byte, error) {
	b := make([]byte, size)
	return b, p.mem.Read(p.addr, b)
}

func (p Pointer) MemWrite(data []byte) error {
	return p.mem.Write(p.addr, data)
}

func (p Pointer) ReadString() (string, error) {
	return p.mem.ReadCString(p.addr)
}

func (p Pointer) ReadU32() (uint32, error) {
	var buf [4]byte
	if err := p.mem.Read(p.addr, buf[:]); err != nil {
		return 0, err
	}
	return le.Uint32(buf[:]), nil
}

func (p Pointer) WriteU32(v uint32) error {
	var buf [4]byte
	le.PutUint32(buf[:], v)
	return p.mem.Write(p.addr, buf[:])
}

func (p Pointer) ReadPointer() (Pointer, error) {
	v, err := p.ReadU32()
	if err != nil {
		return Pointer{}, err
	}
	return Pointer{p.mem, Addr(v)}, nil
}

func (p Pointer) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= Size {
		return 0, errors.Wrapf(ErrAddressInvalid, "offset %d", off)
	}
	if err := p.mem.Read(p.addr.Add(uint32(off)), b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p Pointer) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= Size {
		return 0, errors.Wrapf(ErrAddressInvalid, "offset %d", off)
	}
	if err := p.mem.Write(p.addr.Add(uint32(off)), b); err != nil {
		return 0, err
	}
	return len(b), nil
}
