// Package linker binds the imports of guest images to guest exports, host
// functions, host constants and class objects, and keeps the module table
// used for symbolization.
package linker

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/abi"
	"github.com/wnxd/microhle/emulator/arm"
	"github.com/wnxd/microhle/internal/metrics"
	"github.com/wnxd/microhle/memory"
	"github.com/wnxd/microhle/registry"
	"go.uber.org/zap"
)

const (
	classPrefix     = "_OBJC_CLASS_$_"
	metaclassPrefix = "_OBJC_METACLASS_$_"
)

// ClassLinker supplies class objects for class symbol imports.
type ClassLinker interface {
	ClassObject(name string) (memory.Addr, bool)
	MetaclassObject(name string) (memory.Addr, bool)
}

type Option func(*Linker)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Linker) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(l *Linker) {
		l.metrics = m
	}
}

func WithClassLinker(cl ClassLinker) Option {
	return func(l *Linker) {
		l.classes = cl
	}
}

type symKey struct {
	name, library string
}

type hostStub struct {
	binding Binding
	fn      *registry.Function
	// reported is set once the unresolved call has been logged.
	reported bool
}

type Linker struct {
	mem     *memory.Space
	heap    *memory.Allocator
	reg     *registry.Registry
	classes ClassLinker
	logger  *zap.Logger
	metrics *metrics.Collectors

	cache    map[symKey]Binding
	byFunc   map[*registry.Function]Binding
	byConst  map[*registry.Constant]Binding
	stubs    []*hostStub
	pool     stubPool
	modules  []*Module
	exports  map[string]*Module
	toHost   memory.Addr
	exitStub memory.Addr
}

func New(mem *memory.Space, heap *memory.Allocator, reg *registry.Registry, opts ...Option) (*Linker, error) {
	l := &Linker{
		mem:     mem,
		heap:    heap,
		reg:     reg,
		cache:   make(map[symKey]Binding),
		byFunc:  make(map[*registry.Function]Binding),
		byConst: make(map[*registry.Constant]Binding),
		exports: make(map[string]*Module),
		pool:    stubPool{mem: mem, heap: heap},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.metrics == nil {
		l.metrics = metrics.Discard()
	}
	var err error
	if l.toHost, err = l.pool.write(SVC_RETURN_TO_HOST, arm.INSN_TRAP); err != nil {
		return nil, errors.Wrap(err, "return to host routine")
	}
	if l.exitStub, err = l.pool.write(SVC_THREAD_EXIT, arm.INSN_TRAP); err != nil {
		return nil, errors.Wrap(err, "thread exit routine")
	}
	return l, nil
}

// SetClassLinker installs the class object source after construction, for
// runtimes that are built on top of the linker.
func (l *Linker) SetClassLinker(cl ClassLinker) {
	l.classes = cl
}

// ReturnToHost is the sentinel a host to guest call returns through.
func (l *Linker) ReturnToHost() memory.Addr {
	return l.toHost
}

// ThreadExit is the routine a guest thread entry function returns to.
func (l *Linker) ThreadExit() memory.Addr {
	return l.exitStub
}

// Resolve binds name, hinted with library, without touching any image. The
// result is cached so repeated requests return the same Binding.
func (l *Linker) Resolve(name, library string) (Binding, error) {
	k := symKey{name, library}
	if b, ok := l.cache[k]; ok {
		return b, nil
	}
	b, err := l.resolve(name, library, true)
	if err != nil {
		return Binding{}, err
	}
	l.cache[k] = b
	l.metrics.Bindings.WithLabelValues(b.Kind.String()).Inc()
	return b, nil
}

// resolve walks the lookup order: exact registry entry, guest exports,
// registry by name only. withStub controls whether an unresolved function
// gets a trampoline.
func (l *Linker) resolve(name, library string, withStub bool) (Binding, error) {
	if b, ok := l.resolveClass(name); ok {
		return b, nil
	}
	if library != "" {
		if e, ok := l.reg.Lookup(name, library); ok {
			return l.bindEntry(e)
		}
	}
	if b, ok := l.guestExport(name); ok {
		return b, nil
	}
	e, err := l.reg.LookupName(name)
	if err == nil {
		return l.bindEntry(e)
	}
	if errors.Is(err, registry.ErrAmbiguous) {
		l.logger.Warn("ambiguous host symbol", zap.String("symbol", name), zap.String("library", library), zap.Error(err))
	}
	b := Binding{Kind: BIND_UNRESOLVED, Name: name, Library: library}
	if withStub {
		return l.newStub(b, nil)
	}
	return b, nil
}

func (l *Linker) guestExport(name string) (Binding, bool) {
	mod, ok := l.exports[name]
	if !ok {
		return Binding{}, false
	}
	addr, _ := mod.Image.FindSymbol(name)
	return Binding{Kind: BIND_GUEST, Name: name, Library: mod.Image.Name, Addr: addr}, true
}

func (l *Linker) resolveClass(name string) (Binding, bool) {
	if l.classes == nil {
		return Binding{}, false
	}
	var addr memory.Addr
	var ok bool
	switch {
	case strings.HasPrefix(name, metaclassPrefix):
		addr, ok = l.classes.MetaclassObject(strings.TrimPrefix(name, metaclassPrefix))
	case strings.HasPrefix(name, classPrefix):
		addr, ok = l.classes.ClassObject(strings.TrimPrefix(name, classPrefix))
	}
	if !ok {
		return Binding{}, false
	}
	return Binding{Kind: BIND_CLASS, Name: name, Addr: addr}, true
}

func (l *Linker) bindEntry(e registry.Entry) (Binding, error) {
	switch e := e.(type) {
	case *registry.Function:
		if b, ok := l.byFunc[e]; ok {
			return b, nil
		}
		b, err := l.newStub(Binding{Kind: BIND_HOST, Name: e.Name, Library: e.Library}, e)
		if err != nil {
			return Binding{}, err
		}
		l.byFunc[e] = b
		return b, nil
	case *registry.Constant:
		if b, ok := l.byConst[e]; ok {
			return b, nil
		}
		addr, err := l.heap.Alloc(max(uint32(len(e.Data)), memory.PointerSize))
		if err != nil {
			return Binding{}, err
		}
		if err := l.mem.Write(addr, e.Data); err != nil {
			return Binding{}, err
		}
		b := Binding{Kind: BIND_CONSTANT, Name: e.Name, Library: e.Library, Addr: addr}
		l.byConst[e] = b
		return b, nil
	case *registry.Class:
		if b, ok := l.resolveClass(classPrefix + e.Name); ok {
			return b, nil
		}
		return Binding{Kind: BIND_UNRESOLVED, Name: e.Name, Library: e.Library}, nil
	}
	return Binding{}, errors.AssertionFailedf("unknown registry entry %T", e)
}

func (l *Linker) newStub(b Binding, fn *registry.Function) (Binding, error) {
	b.Code = uint32(SVC_BINDING_BASE + len(l.stubs))
	if b.Code > arm.SVC_IMM_MAX {
		return Binding{}, errors.New("trampoline codes exhausted")
	}
	addr, err := l.pool.write(b.Code, arm.INSN_RET)
	if err != nil {
		return Binding{}, err
	}
	b.Addr = addr
	l.stubs = append(l.stubs, &hostStub{binding: b, fn: fn})
	return b, nil
}

// HostFunction returns the host function behind a trampoline code. An
// unresolved trampoline retries resolution once per call, so functions
// registered or images added after linking are still found; failing that
// it reports an UnresolvedSymbolError. A symbol that turned out to be a
// guest export is reached with a tail call.
func (l *Linker) HostFunction(code uint32) (*registry.Function, error) {
	if code < SVC_BINDING_BASE || int(code-SVC_BINDING_BASE) >= len(l.stubs) {
		return nil, errors.Wrapf(ErrCodeInvalid, "svc #%d", code)
	}
	stub := l.stubs[code-SVC_BINDING_BASE]
	if stub.fn != nil {
		return stub.fn, nil
	}
	b := stub.binding
	if fn := l.lookupFunction(b.Name, b.Library); fn != nil {
		stub.fn = fn
		stub.binding.Kind = BIND_HOST
		stub.binding.Library = fn.Library
		if err := l.rebind(b, stub.binding); err != nil {
			return nil, err
		}
		if _, ok := l.byFunc[fn]; !ok {
			l.byFunc[fn] = stub.binding
		}
		l.logger.Debug("late binding", zap.String("symbol", b.Name), zap.String("library", fn.Library), zap.Uint32("code", code))
		return fn, nil
	}
	if guest, ok := l.guestExport(b.Name); ok {
		if err := l.rebind(b, guest); err != nil {
			return nil, err
		}
		stub.binding.Kind = BIND_GUEST
		stub.binding.Library = guest.Library
		stub.fn = &registry.Function{
			Name:    b.Name,
			Library: guest.Library,
			Fn: func(c *abi.Call) error {
				c.TailCall(guest.Addr)
				return nil
			},
		}
		l.logger.Debug("late binding", zap.String("symbol", b.Name), zap.String("image", guest.Library), zap.Uint32("code", code))
		return stub.fn, nil
	}
	l.metrics.UnresolvedCalls.Inc()
	if !stub.reported {
		stub.reported = true
		l.logger.Error("call to unresolved symbol", zap.String("symbol", b.Name), zap.String("library", b.Library), zap.Stringer("stub", b.Addr))
	}
	return nil, &UnresolvedSymbolError{Name: b.Name, Library: b.Library}
}

func (l *Linker) lookupFunction(name, library string) *registry.Function {
	if library != "" {
		if e, ok := l.reg.Lookup(name, library); ok {
			fn, _ := e.(*registry.Function)
			return fn
		}
	}
	e, err := l.reg.LookupName(name)
	if err != nil {
		return nil
	}
	fn, _ := e.(*registry.Function)
	return fn
}

// rebind replaces old with fresh in the cache and in every linked module,
// patching the slots and relocations that used it.
func (l *Linker) rebind(old, fresh Binding) error {
	for k, b := range l.cache {
		if b == old {
			l.cache[k] = fresh
		}
	}
	for _, m := range l.modules {
		if !m.linked {
			continue
		}
		for i, b := range m.Bindings {
			if b == old || (b.Kind == BIND_UNRESOLVED && b.Code == 0 && b.Name == old.Name && b.Library == old.Library) {
				if err := l.patch(m, i, fresh); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// StubBinding reports the binding behind a trampoline address.
func (l *Linker) StubBinding(addr memory.Addr) (Binding, bool) {
	if !l.pool.contains(addr) {
		return Binding{}, false
	}
	switch addr &^ (stubSize - 1) {
	case l.toHost:
		return Binding{Kind: BIND_HOST, Name: "<return to host>", Addr: l.toHost, Code: SVC_RETURN_TO_HOST}, true
	case l.exitStub:
		return Binding{Kind: BIND_HOST, Name: "<thread exit>", Addr: l.exitStub, Code: SVC_THREAD_EXIT}, true
	}
	for _, s := range l.stubs {
		if addr >= s.binding.Addr && addr < s.binding.Addr.Add(stubSize) {
			return s.binding, true
		}
	}
	return Binding{}, false
}

// ProcAddress returns a callable guest address for name, creating a
// trampoline for host functions that were never imported.
func (l *Linker) ProcAddress(name string) (memory.Addr, error) {
	b, err := l.Resolve(name, "")
	if err != nil {
		return 0, err
	}
	switch b.Kind {
	case BIND_UNRESOLVED:
		return 0, &UnresolvedSymbolError{Name: name}
	}
	return b.Addr, nil
}
