package linker

import (
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/memory"
)

// Reserved system call numbers. Codes from SVC_BINDING_BASE up identify a
// trampoline.
const (
	SVC_THREAD_EXIT    = 1
	SVC_RETURN_TO_HOST = 2
	SVC_BINDING_BASE   = 3

	stubSize  = 8
	stubChunk = memory.PageSize
)

// stubPool hands out trampolines from page sized heap chunks.
type stubPool struct {
	mem    *memory.Space
	heap   *memory.Allocator
	chunks [][2]memory.Addr
	next   memory.Addr
	end    memory.Addr
}

func (p *stubPool) alloc() (memory.Addr, error) {
	if p.next == p.end {
		base, err := p.heap.Alloc(stubChunk)
		if err != nil {
			return 0, err
		}
		p.next, p.end = base, base.Add(stubChunk)
		p.chunks = append(p.chunks, [2]memory.Addr{p.next, p.end})
	}
	addr := p.next
	p.next = p.next.Add(stubSize)
	return addr, nil
}

// write emits `svc #code; <tail>` at a fresh trampoline.
func (p *stubPool) write(code, tail uint32) (memory.Addr, error) {
	addr, err := p.alloc()
	if err != nil {
		return 0, err
	}
	if err := p.mem.WriteU32(addr, arm.EncodeSVC(code)); err != nil {
		return 0, err
	}
	if err := p.mem.WriteU32(addr.Add(4), tail); err != nil {
		return 0, err
	}
	return addr, nil
}

func (p *stubPool) contains(addr memory.Addr) bool {
	for _, c := range p.chunks {
		if addr >= c[0] && addr < c[1] {
			return true
		}
	}
	return false
}
