package memory

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestAllocatorReuse(t *testing.T) {
	s := newSpace(t, PageSize)
	a, err := NewAllocator(s, 0x100000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	p1, err := a.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	p2, _ := a.Alloc(32)
	p3, _ := a.Alloc(16)
	if p1 != 0x100000 || p2 != 0x100010 || p3 != 0x100030 {
		t.Fatalf("addresses %s %s %s", p1, p2, p3)
	}
	if a.Size(p1) != 16 {
		t.Errorf("Size(p1) = %d", a.Size(p1))
	}
	s.WriteU32(p2, 0xffffffff)
	if err := a.Free(p2); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(p2); !errors.Is(err, ErrAddressInvalid) {
		t.Errorf("double free err = %v", err)
	}
	p4, _ := a.Alloc(20)
	if p4 != p2 {
		t.Errorf("first fit returned %s, want %s", p4, p2)
	}
	if v, _ := s.ReadU32(p4); v != 0 {
		t.Errorf("allocation not zeroed: %#x", v)
	}
}

func TestAllocatorCoalesce(t *testing.T) {
	s := newSpace(t, PageSize)
	a, _ := NewAllocator(s, 0x100000, 0x100)
	var ps []Addr
	for range 16 {
		p, err := a.Alloc(16)
		if err != nil {
			t.Fatal(err)
		}
		ps = append(ps, p)
	}
	if _, err := a.Alloc(16); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	for _, i := range []int{1, 3, 2, 0, 15, 14, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13} {
		if err := a.Free(ps[i]); err != nil {
			t.Fatal(err)
		}
	}
	p, err := a.Alloc(0x100)
	if err != nil || p != 0x100000 {
		t.Errorf("whole window after frees: %s, %v", p, err)
	}
}

func TestAllocatorRejectsGuard(t *testing.T) {
	s := newSpace(t, 2*PageSize)
	if _, err := NewAllocator(s, PageSize, 0x1000); !errors.Is(err, ErrAddressInvalid) {
		t.Errorf("err = %v", err)
	}
}
