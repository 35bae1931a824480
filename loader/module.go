// Package loader describes a guest binary image after container parsing:
// segments to map, the entry point, and the import, export, relocation,
// class and selector tables the dynamic linker consumes.
package loader

import (
	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/memory"
)

var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrSegmentInvalid = errors.New("segment invalid")
)

type ImportKind int

const (
	IMPORT_FUNCTION ImportKind = iota
	IMPORT_DATA
)

func (k ImportKind) String() string {
	if k == IMPORT_DATA {
		return "data"
	}
	return "function"
}

// Import is one undefined symbol. Slot, when non-zero, is the pointer the
// linker fills with the bound address.
type Import struct {
	Kind    ImportKind
	Name    string
	Library string
	Slot    memory.Addr
}

type Export struct {
	Name string
	Addr memory.Addr
}

// Method is a guest method implementation keyed by selector text.
type Method struct {
	Selector string
	Imp      memory.Addr
}

// ClassInfo is a class defined by the image.
type ClassInfo struct {
	Name         string
	Super        string
	InstanceSize uint32
	Methods      []Method
	ClassMethods []Method
	// Slot receives the class object address once registered.
	Slot memory.Addr
}

// SelectorRef is a selector reference the image loads at run time; Slot
// receives the interned selector address.
type SelectorRef struct {
	Name string
	Slot memory.Addr
}

type Image struct {
	Name        string
	Segments    []Segment
	Entry       memory.Addr
	Libraries   []string
	Imports     []Import
	Exports     []Export
	Relocations []Relocation
	Classes     []ClassInfo
	Selectors   []SelectorRef
}

// Region returns the lowest mapped address and the span up to the end of
// the highest segment.
func (img *Image) Region() (memory.Addr, uint32) {
	if len(img.Segments) == 0 {
		return 0, 0
	}
	lo, hi := uint64(img.Segments[0].Addr), uint64(0)
	for _, seg := range img.Segments {
		lo = min(lo, uint64(seg.Addr))
		hi = max(hi, uint64(seg.Addr)+uint64(seg.Size))
	}
	return memory.Addr(lo), uint32(hi - lo)
}

func (img *Image) Contains(addr memory.Addr) bool {
	for _, seg := range img.Segments {
		if seg.Contains(addr) {
			return true
		}
	}
	return false
}

func (img *Image) FindSymbol(name string) (memory.Addr, error) {
	for _, exp := range img.Exports {
		if exp.Name == name {
			return exp.Addr, nil
		}
	}
	return 0, errors.Wrapf(ErrSymbolNotFound, "%s in %s", name, img.Name)
}
