package cpu

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/memory"
)

var le = binary.LittleEndian

// bus routes engine memory callbacks. Addresses at or above direct go
// straight to the backing buffer; everything else, including the guard
// pages, takes the checked path and faults there. The last fault is kept
// for the halt report.
type bus struct {
	access *memory.Access
	fast   []byte
	direct uint32
	fault  *memory.Fault
}

func (b *bus) bind(access *memory.Access, fast bool, direct uint32) {
	b.access = access
	b.fast = nil
	if fast {
		b.fast = access.Backing()
	}
	b.direct = direct
	b.fault = nil
}

func (b *bus) ok(err error) bool {
	if err == nil {
		return true
	}
	var f *memory.Fault
	if errors.As(err, &f) {
		b.fault = f
	}
	return false
}

func (b *bus) unbind() {
	b.access = nil
	b.fast = nil
}

func (b *bus) hit(addr, size uint32) bool {
	return b.fast != nil && addr >= b.direct && uint64(addr)+uint64(size) <= uint64(len(b.fast))
}

func (b *bus) ReadU8(addr uint32) (uint8, bool) {
	if b.hit(addr, 1) {
		return b.fast[addr], true
	}
	v, err := b.access.ReadU8(memory.Addr(addr))
	return v, b.ok(err)
}

func (b *bus) ReadU16(addr uint32) (uint16, bool) {
	if b.hit(addr, 2) {
		return le.Uint16(b.fast[addr:]), true
	}
	v, err := b.access.ReadU16(memory.Addr(addr))
	return v, b.ok(err)
}

func (b *bus) ReadU32(addr uint32) (uint32, bool) {
	if b.hit(addr, 4) {
		return le.Uint32(b.fast[addr:]), true
	}
	v, err := b.access.ReadU32(memory.Addr(addr))
	return v, b.ok(err)
}

func (b *bus) ReadU64(addr uint32) (uint64, bool) {
	if b.hit(addr, 8) {
		return le.Uint64(b.fast[addr:]), true
	}
	v, err := b.access.ReadU64(memory.Addr(addr))
	return v, b.ok(err)
}

func (b *bus) WriteU8(addr uint32, v uint8) bool {
	if b.hit(addr, 1) {
		b.fast[addr] = v
		return true
	}
	return b.ok(b.access.WriteU8(memory.Addr(addr), v))
}

func (b *bus) WriteU16(addr uint32, v uint16) bool {
	if b.hit(addr, 2) {
		le.PutUint16(b.fast[addr:], v)
		return true
	}
	return b.ok(b.access.WriteU16(memory.Addr(addr), v))
}

func (b *bus) WriteU32(addr uint32, v uint32) bool {
	if b.hit(addr, 4) {
		le.PutUint32(b.fast[addr:], v)
		return true
	}
	return b.ok(b.access.WriteU32(memory.Addr(addr), v))
}

func (b *bus) WriteU64(addr uint32, v uint64) bool {
	if b.hit(addr, 8) {
		le.PutUint64(b.fast[addr:], v)
		return true
	}
	return b.ok(b.access.WriteU64(memory.Addr(addr), v))
}
