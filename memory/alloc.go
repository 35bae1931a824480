package memory

import (
	"sync"

	"github.com/cockroachdb/errors"
)

const allocAlign = 16

type memBlock struct {
	addr Addr
	size uint32
	prev *memBlock
	next *memBlock
}

var blockPool = sync.Pool{
	New: func() any {
		return new(memBlock)
	},
}

// Allocator is a first-fit guest heap over a fixed window of a Space. The
// free list is kept sorted by address and neighbouring blocks are merged on
// free. Returned blocks are zeroed and 16-byte aligned.
type Allocator struct {
	mem  *Space
	base Addr
	end  uint64
	mu   sync.Mutex
	used map[Addr]uint32
	free *memBlock
}

func NewAllocator(mem *Space, base Addr, size uint32) (*Allocator, error) {
	start := Align(uint64(base), allocAlign)
	end := uint64(base) + uint64(size)
	if start < uint64(mem.GuardSize()) || end > Size || start >= end {
		return nil, errors.Wrapf(ErrAddressInvalid, "heap window %s+%#x", base, size)
	}
	a := &Allocator{
		mem:  mem,
		base: Addr(start),
		end:  end,
		used: make(map[Addr]uint32),
	}
	a.free = newBlock(a.base, uint32(end-start))
	return a, nil
}

func newBlock(addr Addr, size uint32) *memBlock {
	b := blockPool.Get().(*memBlock)
	b.addr, b.size, b.prev, b.next = addr, size, nil, nil
	return b
}

func (a *Allocator) Alloc(size uint32) (Addr, error) {
	if size == 0 {
		return 0, errors.Wrap(ErrSizeInvalid, "zero sized allocation")
	}
	size = Align(size, allocAlign)
	if size == 0 {
		return 0, errors.Wrap(ErrSizeInvalid, "allocation overflows")
	}
	a.mu.Lock()
	addr, ok := a.take(size)
	a.mu.Unlock()
	if !ok {
		return 0, errors.Wrapf(ErrOutOfMemory, "alloc %#x bytes", size)
	}
	if err := a.mem.Fill(addr, size, 0); err != nil {
		a.Free(addr)
		return 0, err
	}
	return addr, nil
}

func (a *Allocator) take(size uint32) (Addr, bool) {
	for b := range a.free.Range {
		if b.size < size {
			continue
		}
		addr := b.addr
		if b.size == size {
			a.unlink(b)
		} else {
			b.addr += Addr(size)
			b.size -= size
		}
		a.used[addr] = size
		return addr, true
	}
	return 0, false
}

func (a *Allocator) Free(addr Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.used[addr]
	if !ok {
		return errors.Wrapf(ErrAddressInvalid, "free %s", addr)
	}
	delete(a.used, addr)
	a.insert(addr, size)
	return nil
}

// Size reports the rounded size of a live allocation, or zero.
func (a *Allocator) Size(addr Addr) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[addr]
}

// Contains reports whether addr lies inside the heap window.
func (a *Allocator) Contains(addr Addr) bool {
	return addr >= a.base && uint64(addr) < a.end
}

func (a *Allocator) insert(addr Addr, size uint32) {
	var prev *memBlock
	for b := range a.free.Range {
		if b.addr > addr {
			break
		}
		prev = b
	}
	var next *memBlock
	if prev == nil {
		next = a.free
	} else {
		next = prev.next
	}
	if prev != nil && prev.end() == uint64(addr) {
		prev.size += size
		if next != nil && prev.end() == uint64(next.addr) {
			prev.size += next.size
			a.unlink(next)
		}
		return
	}
	if next != nil && uint64(addr)+uint64(size) == uint64(next.addr) {
		next.addr = addr
		next.size += size
		return
	}
	b := newBlock(addr, size)
	b.prev, b.next = prev, next
	if prev == nil {
		a.free = b
	} else {
		prev.next = b
	}
	if next != nil {
		next.prev = b
	}
}

func (a *Allocator) unlink(b *memBlock) {
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		a.free = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	}
	b.prev, b.next = nil, nil
	blockPool.Put(b)
}

func (mb *memBlock) Range(yield func(*memBlock) bool) {
	for b := mb; b != nil; {
		next := b.next
		if !yield(b) {
			break
		}
		b = next
	}
}

func (mb *memBlock) end() uint64 {
	return uint64(mb.addr) + uint64(mb.size)
}
