package linker

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/loader"
	"github.com/wnxd/microhle/memory"
	"go.uber.org/zap"
)

// Module is a loaded image with its bindings.
type Module struct {
	Image    *loader.Image
	Base     memory.Addr
	Size     uint32
	Bindings []Binding
	symbols  []loader.Export
	linked   bool
}

func (m *Module) Name() string {
	return m.Image.Name
}

func (m *Module) Contains(addr memory.Addr) bool {
	return m.Image.Contains(addr)
}

// symbolFor returns the closest export at or below addr.
func (m *Module) symbolFor(addr memory.Addr) (loader.Export, bool) {
	i, found := slices.BinarySearchFunc(m.symbols, addr, func(e loader.Export, a memory.Addr) int {
		return cmp.Compare(e.Addr, a)
	})
	if found {
		return m.symbols[i], true
	}
	if i == 0 {
		return loader.Export{}, false
	}
	return m.symbols[i-1], true
}

// AddImage validates img and adds it to the module table, making its
// exports visible to every later Link.
func (l *Linker) AddImage(img *loader.Image) (*Module, error) {
	seen := make(map[string]struct{}, len(img.Exports))
	for _, exp := range img.Exports {
		if _, ok := seen[exp.Name]; ok {
			return nil, &LoadError{Image: img.Name, Err: errors.Wrap(ErrDuplicateExport, exp.Name)}
		}
		seen[exp.Name] = struct{}{}
	}
	for i, rel := range img.Relocations {
		if rel.Import < 0 || rel.Import >= len(img.Imports) {
			return nil, &LoadError{Image: img.Name, Err: errors.Wrapf(ErrRelocationInvalid, "relocation %d at %s uses import %d", i, rel.Addr, rel.Import)}
		}
	}
	base, size := img.Region()
	m := &Module{
		Image:   img,
		Base:    base,
		Size:    size,
		symbols: slices.SortedFunc(slices.Values(img.Exports), func(a, b loader.Export) int { return cmp.Compare(a.Addr, b.Addr) }),
	}
	l.modules = append(l.modules, m)
	var added []string
	for _, exp := range img.Exports {
		if _, ok := l.exports[exp.Name]; !ok {
			l.exports[exp.Name] = m
			added = append(added, exp.Name)
		}
	}
	if err := l.retryUnresolved(added); err != nil {
		return nil, &LoadError{Image: img.Name, Err: err}
	}
	return m, nil
}

// retryUnresolved binds earlier unresolved imports of the names a new image
// exports. Cached unresolved results are dropped so later images resolve
// them afresh.
func (l *Linker) retryUnresolved(names []string) error {
	if len(names) == 0 {
		return nil
	}
	added := make(map[string]bool, len(names))
	for _, name := range names {
		added[name] = true
	}
	for k, b := range l.cache {
		if b.Kind == BIND_UNRESOLVED && added[k.name] {
			delete(l.cache, k)
		}
	}
	for _, m := range l.modules {
		if !m.linked {
			continue
		}
		for i, b := range m.Bindings {
			if b.Kind != BIND_UNRESOLVED || !added[b.Name] {
				continue
			}
			guest, _ := l.guestExport(b.Name)
			if err := l.patch(m, i, guest); err != nil {
				return err
			}
			l.logger.Debug("late binding", zap.String("symbol", b.Name), zap.String("image", m.Name()), zap.String("export", guest.Library))
		}
	}
	return nil
}

// patch stores b as the binding of import i of m and rewrites its slot and
// relocations.
func (l *Linker) patch(m *Module, i int, b Binding) error {
	m.Bindings[i] = b
	img := m.Image
	if imp := img.Imports[i]; !imp.Slot.IsNil() {
		if err := l.mem.WriteU32(imp.Slot, uint32(b.Addr)); err != nil {
			return errors.Wrapf(ErrSlotInvalid, "import %s slot %s: %v", imp.Name, imp.Slot, err)
		}
	}
	for _, rel := range img.Relocations {
		if rel.Import != i {
			continue
		}
		if err := l.mem.WriteU32(rel.Addr, uint32(b.Addr.Add(rel.Addend))); err != nil {
			return errors.Wrapf(ErrSlotInvalid, "relocation at %s: %v", rel.Addr, err)
		}
	}
	return nil
}

// Link resolves every import of m and patches its slots and relocations.
// Unresolved symbols are logged, not returned; calling one later fails.
func (l *Linker) Link(m *Module) error {
	if m.linked {
		return nil
	}
	img := m.Image
	m.Bindings = make([]Binding, len(img.Imports))
	var unresolved []string
	for i, imp := range img.Imports {
		b, err := l.Resolve(imp.Name, imp.Library)
		if err != nil {
			return &LoadError{Image: img.Name, Err: errors.Wrapf(err, "import %s", imp.Name)}
		}
		if b.Kind == BIND_UNRESOLVED {
			unresolved = append(unresolved, imp.Name)
			if imp.Kind == loader.IMPORT_DATA {
				// a read through the slot faults in the guard instead of
				// seeing trampoline code
				b = Binding{Kind: BIND_UNRESOLVED, Name: imp.Name, Library: imp.Library}
			}
		}
		m.Bindings[i] = b
		if imp.Slot.IsNil() {
			continue
		}
		if err := l.mem.WriteU32(imp.Slot, uint32(b.Addr)); err != nil {
			return &LoadError{Image: img.Name, Err: errors.Wrapf(ErrSlotInvalid, "import %s slot %s: %v", imp.Name, imp.Slot, err)}
		}
	}
	for _, rel := range img.Relocations {
		target := m.Bindings[rel.Import].Addr.Add(rel.Addend)
		if err := l.mem.WriteU32(rel.Addr, uint32(target)); err != nil {
			return &LoadError{Image: img.Name, Err: errors.Wrapf(ErrSlotInvalid, "relocation at %s: %v", rel.Addr, err)}
		}
	}
	if len(unresolved) > 0 {
		l.logger.Warn("unresolved symbols", zap.String("image", img.Name), zap.Int("count", len(unresolved)), zap.Strings("symbols", unresolved))
	}
	m.linked = true
	return nil
}

func (l *Linker) Modules() []*Module {
	return slices.Clone(l.modules)
}

func (l *Linker) FindModule(name string) (*Module, bool) {
	for _, m := range l.modules {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

func (l *Linker) ModuleByAddr(addr memory.Addr) (*Module, bool) {
	for _, m := range l.modules {
		if m.Contains(addr) {
			return m, true
		}
	}
	return nil, false
}

// Symbolize renders addr as image!symbol+offset when it falls inside a
// module, names the binding of a trampoline, and falls back to the raw
// address.
func (l *Linker) Symbolize(addr memory.Addr) string {
	addr &^= 1
	if m, ok := l.ModuleByAddr(addr); ok {
		if sym, ok := m.symbolFor(addr); ok {
			if off := addr.Sub(uint32(sym.Addr)); off != 0 {
				return fmt.Sprintf("%s!%s+%#x", m.Name(), sym.Name, uint32(off))
			}
			return fmt.Sprintf("%s!%s", m.Name(), sym.Name)
		}
		return fmt.Sprintf("%s+%#x", m.Name(), uint32(addr.Sub(uint32(m.Base))))
	}
	if b, ok := l.StubBinding(addr); ok {
		if b.Library == "" {
			return fmt.Sprintf("%s [%s]", b.Name, b.Kind)
		}
		return fmt.Sprintf("%s!%s [%s]", b.Library, b.Name, b.Kind)
	}
	return addr.String()
}
