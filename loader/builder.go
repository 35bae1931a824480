package loader

import (
	"encoding/binary"
	"slices"

	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/memory"
)

// Builder assembles an Image in memory with a text segment for code and a
// data segment for everything else. It stands in for a container parser
// when images are synthesized by tools and tests.
type Builder struct {
	img  Image
	text []byte
	data []byte
	tb   memory.Addr
	db   memory.Addr
}

func NewBuilder(name string, text, data memory.Addr) *Builder {
	return &Builder{img: Image{Name: name}, tb: text, db: data}
}

func (b *Builder) textAddr() memory.Addr {
	return b.tb.Add(uint32(len(b.text)))
}

func (b *Builder) dataAddr() memory.Addr {
	return b.db.Add(uint32(len(b.data)))
}

func (b *Builder) alignData(n int) {
	for len(b.data)%n != 0 {
		b.data = append(b.data, 0)
	}
}

// Code appends instructions to the text segment and returns the address of
// the first one.
func (b *Builder) Code(insns ...uint32) memory.Addr {
	addr := b.textAddr()
	for _, insn := range insns {
		b.text = binary.LittleEndian.AppendUint32(b.text, insn)
	}
	return addr
}

// LoadAddr emits movw/movt loading addr into rd.
func (b *Builder) LoadAddr(rd uint32, addr memory.Addr) memory.Addr {
	return b.Code(arm.EncodeMOVW(rd, uint32(addr)&0xffff), arm.EncodeMOVT(rd, uint32(addr)>>16))
}

// CallSlot emits an indirect call through the pointer stored at slot,
// clobbering r12.
func (b *Builder) CallSlot(slot memory.Addr) memory.Addr {
	addr := b.LoadAddr(arm.ARM_REG_R12, slot)
	b.Code(arm.EncodeLDR(arm.ARM_REG_R12, arm.ARM_REG_R12, 0), arm.EncodeBLX(arm.ARM_REG_R12))
	return addr
}

// LoadSlot emits code loading the word stored at slot into rd.
func (b *Builder) LoadSlot(rd uint32, slot memory.Addr) memory.Addr {
	addr := b.LoadAddr(rd, slot)
	b.Code(arm.EncodeLDR(rd, rd, 0))
	return addr
}

func (b *Builder) Word(v uint32) memory.Addr {
	b.alignData(4)
	addr := b.dataAddr()
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
	return addr
}

func (b *Builder) Bytes(p []byte) memory.Addr {
	b.alignData(4)
	addr := b.dataAddr()
	b.data = append(b.data, p...)
	return addr
}

func (b *Builder) CString(s string) memory.Addr {
	addr := b.dataAddr()
	b.data = append(append(b.data, s...), 0)
	return addr
}

// Reserve appends size zero bytes to the data segment.
func (b *Builder) Reserve(size uint32) memory.Addr {
	b.alignData(4)
	addr := b.dataAddr()
	b.data = append(b.data, make([]byte, size)...)
	return addr
}

func (b *Builder) Export(name string, addr memory.Addr) *Builder {
	b.img.Exports = append(b.img.Exports, Export{name, addr})
	return b
}

func (b *Builder) addImport(kind ImportKind, name, library string) (memory.Addr, int) {
	slot := b.Word(0)
	b.img.Imports = append(b.img.Imports, Import{kind, name, library, slot})
	return slot, len(b.img.Imports) - 1
}

// ImportFunction declares a function import and returns its pointer slot
// and import index.
func (b *Builder) ImportFunction(name, library string) (memory.Addr, int) {
	return b.addImport(IMPORT_FUNCTION, name, library)
}

func (b *Builder) ImportData(name, library string) (memory.Addr, int) {
	return b.addImport(IMPORT_DATA, name, library)
}

func (b *Builder) Relocate(addr memory.Addr, imp int, addend uint32) *Builder {
	b.img.Relocations = append(b.img.Relocations, Relocation{addr, imp, addend})
	return b
}

// Class declares a class and returns the slot that will hold its class
// object.
func (b *Builder) Class(info ClassInfo) memory.Addr {
	info.Slot = b.Word(0)
	b.img.Classes = append(b.img.Classes, info)
	return info.Slot
}

func (b *Builder) SelectorRef(name string) memory.Addr {
	slot := b.Word(0)
	b.img.Selectors = append(b.img.Selectors, SelectorRef{name, slot})
	return slot
}

func (b *Builder) Library(name string) *Builder {
	b.img.Libraries = append(b.img.Libraries, name)
	return b
}

func (b *Builder) SetEntry(addr memory.Addr) *Builder {
	b.img.Entry = addr
	return b
}

func (b *Builder) Build() *Image {
	img := b.img
	img.Libraries = slices.Clone(img.Libraries)
	img.Imports = slices.Clone(img.Imports)
	img.Exports = slices.Clone(img.Exports)
	img.Relocations = slices.Clone(img.Relocations)
	img.Classes = slices.Clone(img.Classes)
	img.Selectors = slices.Clone(img.Selectors)
	img.Segments = nil
	if len(b.text) > 0 {
		img.Segments = append(img.Segments, Segment{
			Name: "__TEXT",
			Addr: b.tb,
			Size: memory.Align(uint32(len(b.text)), memory.PageSize),
			Prot: PROT_READ | PROT_EXEC,
			Data: append([]byte(nil), b.text...),
		})
	}
	if len(b.data) > 0 {
		img.Segments = append(img.Segments, Segment{
			Name: "__DATA",
			Addr: b.db,
			Size: memory.Align(uint32(len(b.data)), memory.PageSize),
			Prot: PROT_READ | PROT_WRITE,
			Data: append([]byte(nil), b.data...),
		})
	}
	return &img
}
