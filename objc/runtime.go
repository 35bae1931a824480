// Package objc is the message dispatcher. It keeps the class table for
// guest and host classes, interns selectors in guest memory, and resolves
// every message send to a guest implementation, a host implementation, a
// forwarding handler or an unrecognized selector exception.
package objc

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/abi"
	"github.com/wnxd/microhle/internal/metrics"
	"github.com/wnxd/microhle/loader"
	"github.com/wnxd/microhle/memory"
	"github.com/wnxd/microhle/registry"
	"go.uber.org/zap"
)

// ExceptionHandler receives unrecognized selector exceptions. Returning nil
// resumes the sender with a zero result; any other error ends the thread.
type ExceptionHandler func(err *UnrecognizedSelectorError) error

type Option func(*Runtime)

func WithLogger(logger *zap.Logger) Option {
	return func(rt *Runtime) {
		rt.logger = logger
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(rt *Runtime) {
		rt.metrics = m
	}
}

// WithThread supplies the id of the running guest thread, which owns the
// @synchronized locks it takes.
func WithThread(current func() int) Option {
	return func(rt *Runtime) {
		rt.thread = current
	}
}

func WithHost(host abi.Host) Option {
	return func(rt *Runtime) {
		rt.host = host
	}
}

type Runtime struct {
	mem     *memory.Space
	heap    *memory.Allocator
	host    abi.Host
	logger  *zap.Logger
	metrics *metrics.Collectors
	onError ExceptionHandler
	thread  func() int

	selectors map[string]Selector
	selNames  map[Selector]string
	aliases   map[Selector]Selector
	classes   map[string]*Class
	byAddr    map[memory.Addr]*Class
	objects   map[memory.Addr]*Object
	monitors  map[memory.Addr]*monitor
	walks     uint64
}

func New(mem *memory.Space, heap *memory.Allocator, opts ...Option) *Runtime {
	rt := &Runtime{
		mem:       mem,
		heap:      heap,
		selectors: make(map[string]Selector),
		selNames:  make(map[Selector]string),
		aliases:   make(map[Selector]Selector),
		classes:   make(map[string]*Class),
		byAddr:    make(map[memory.Addr]*Class),
		objects:   make(map[memory.Addr]*Object),
		monitors:  make(map[memory.Addr]*monitor),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.logger == nil {
		rt.logger = zap.NewNop()
	}
	if rt.metrics == nil {
		rt.metrics = metrics.Discard()
	}
	if rt.thread == nil {
		rt.thread = func() int { return 0 }
	}
	return rt
}

// SetHost installs the services used to call guest implementations from
// host originated sends.
func (rt *Runtime) SetHost(host abi.Host) {
	rt.host = host
}

func (rt *Runtime) SetExceptionHandler(h ExceptionHandler) {
	rt.onError = h
}

// Walks is the number of lookups that had to walk the class chain.
func (rt *Runtime) Walks() uint64 {
	return rt.walks
}

// DefineClass adds a class with no methods and allocates its class and
// metaclass objects.
func (rt *Runtime) DefineClass(name, super string, origin Origin, instanceSize uint32) (*Class, error) {
	if name == "" {
		return nil, &ConfigError{Class: name, Reason: "empty class name"}
	}
	if _, ok := rt.classes[name]; ok {
		return nil, &ConfigError{Class: name, Reason: "already registered"}
	}
	addr, err := rt.heap.Alloc(2 * classObjectSize)
	if err != nil {
		return nil, errors.Wrapf(err, "class object for %s", name)
	}
	nameAddr, err := rt.heap.Alloc(uint32(len(name)) + 1)
	if err != nil {
		return nil, errors.Wrapf(err, "class name for %s", name)
	}
	if err := rt.mem.WriteCString(nameAddr, name); err != nil {
		return nil, err
	}
	cls := &Class{
		Name:         name,
		Origin:       origin,
		SuperName:    super,
		InstanceSize: max(instanceSize, memory.PointerSize),
		Methods:      make(map[Selector]Method),
		Addr:         addr,
		cache:        make(map[Selector]Method),
	}
	cls.Meta = &Class{
		Name:    name,
		Origin:  origin,
		Methods: make(map[Selector]Method),
		Addr:    addr.Add(classObjectSize),
		IsMeta:  true,
		base:    cls,
		cache:   make(map[Selector]Method),
	}
	for _, c := range []*Class{cls, cls.Meta} {
		if err := rt.writeClassObject(c, nameAddr); err != nil {
			return nil, err
		}
		rt.byAddr[c.Addr] = c
	}
	rt.classes[name] = cls
	return cls, nil
}

func (rt *Runtime) writeClassObject(c *Class, nameAddr memory.Addr) error {
	var isa memory.Addr
	if !c.IsMeta {
		isa = c.Meta.Addr
	}
	words := []uint32{uint32(isa), 0, uint32(nameAddr), c.InstanceSize}
	for i, w := range words {
		if err := rt.mem.WriteU32(c.Addr.Add(uint32(i)*memory.PointerSize), w); err != nil {
			return err
		}
	}
	return nil
}

// AddMethod installs m for the selector named sel. Every dispatch cache is
// flushed since subclasses may have cached the previous answer.
func (rt *Runtime) AddMethod(cls *Class, sel string, m Method) error {
	s, err := rt.Selector(sel)
	if err != nil {
		return err
	}
	cls.Methods[s] = m
	for _, c := range rt.classes {
		c.flush()
		c.Meta.flush()
	}
	return nil
}

// RegisterHostClasses defines every class in reg.
func (rt *Runtime) RegisterHostClasses(reg *registry.Registry) error {
	for _, hc := range reg.Classes() {
		cls, err := rt.DefineClass(hc.Name, hc.Super, HOST_CLASS, hc.InstanceSize)
		if err != nil {
			return err
		}
		for _, m := range hc.Methods {
			if err := rt.AddMethod(cls, m.Selector, HostMethod(m.Shape, m.Fn)); err != nil {
				return err
			}
		}
		for _, m := range hc.ClassMethods {
			if err := rt.AddMethod(cls.Meta, m.Selector, HostMethod(m.Shape, m.Fn)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RegisterImage defines the classes of a mapped image, fills its class
// slots, and interns its selector references.
func (rt *Runtime) RegisterImage(img *loader.Image) error {
	for _, ci := range img.Classes {
		cls, err := rt.DefineClass(ci.Name, ci.Super, GUEST_CLASS, ci.InstanceSize)
		if err != nil {
			return err
		}
		for _, m := range ci.Methods {
			if err := rt.AddMethod(cls, m.Selector, GuestMethod(m.Imp)); err != nil {
				return err
			}
		}
		for _, m := range ci.ClassMethods {
			if err := rt.AddMethod(cls.Meta, m.Selector, GuestMethod(m.Imp)); err != nil {
				return err
			}
		}
		if !ci.Slot.IsNil() {
			if err := rt.mem.WriteU32(ci.Slot, uint32(cls.Addr)); err != nil {
				return errors.Wrapf(err, "class slot for %s", ci.Name)
			}
		}
	}
	for _, ref := range img.Selectors {
		sel, err := rt.Selector(ref.Name)
		if err != nil {
			return err
		}
		if err := rt.mem.WriteU32(ref.Slot, uint32(sel)); err != nil {
			return errors.Wrapf(err, "selector slot for %s", ref.Name)
		}
	}
	return nil
}

func (rt *Runtime) ClassByName(name string) (*Class, bool) {
	cls, ok := rt.classes[name]
	return cls, ok
}

func (rt *Runtime) ClassObject(name string) (memory.Addr, bool) {
	cls, ok := rt.classes[name]
	if !ok {
		return 0, false
	}
	return cls.Addr, true
}

func (rt *Runtime) MetaclassObject(name string) (memory.Addr, bool) {
	cls, ok := rt.classes[name]
	if !ok {
		return 0, false
	}
	return cls.Meta.Addr, true
}

// ClassOf reads the isa word of obj. Class objects answer their metaclass.
func (rt *Runtime) ClassOf(obj memory.Addr) (*Class, error) {
	if obj.IsNil() {
		return nil, errors.Wrap(ErrInvalidObject, "nil")
	}
	if c, ok := rt.byAddr[obj]; ok && c.IsMeta {
		// metaclass objects are instances of the root metaclass
		return rt.rootOf(c)
	}
	isa, err := rt.mem.ReadU32(obj)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidObject, "%s: %v", obj, err)
	}
	cls, ok := rt.byAddr[memory.Addr(isa)]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidObject, "%s has isa %s", obj, memory.Addr(isa))
	}
	return cls, nil
}

func (rt *Runtime) rootOf(c *Class) (*Class, error) {
	for n := 0; ; n++ {
		next, err := rt.superOf(c)
		if err != nil {
			return nil, err
		}
		if next == nil || (c.IsMeta && !next.IsMeta) {
			return c, nil
		}
		if n > 2*len(rt.classes) {
			return nil, errors.Wrapf(ErrCyclicSuperclass, "class %s", c.Name)
		}
		c = next
	}
}

// superOf links c to its superclass on first use. The root metaclass
// inherits from the root class.
func (rt *Runtime) superOf(c *Class) (*Class, error) {
	if c.resolved {
		return c.super, nil
	}
	if c.IsMeta {
		bs, err := rt.superOf(c.base)
		if err != nil {
			return nil, err
		}
		if bs == nil {
			c.super = c.base
		} else {
			c.super = bs.Meta
		}
	} else if c.SuperName != "" {
		s, ok := rt.classes[c.SuperName]
		if !ok {
			return nil, &ConfigError{Class: c.Name, Reason: "missing superclass " + c.SuperName}
		}
		if s == c {
			return nil, errors.Wrapf(ErrCyclicSuperclass, "class %s", c.Name)
		}
		c.super = s
	}
	c.resolved = true
	return c.super, nil
}

// Superclass returns the linked superclass of c, or nil for a root class.
func (rt *Runtime) Superclass(c *Class) (*Class, error) {
	return rt.superOf(c)
}

// Validate checks the whole class table before guest code runs: every
// superclass exists, no chain loops, and class objects carry their
// superclass words.
func (rt *Runtime) Validate() error {
	names := make([]string, 0, len(rt.classes))
	for name := range rt.classes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		cls := rt.classes[name]
		seen := map[*Class]bool{cls: true}
		for c := cls; c.SuperName != ""; {
			next, ok := rt.classes[c.SuperName]
			if !ok {
				return &ConfigError{Class: c.Name, Reason: "missing superclass " + c.SuperName}
			}
			if seen[next] {
				return errors.Wrapf(ErrCyclicSuperclass, "class %s", name)
			}
			seen[next] = true
			c = next
		}
	}
	for _, name := range names {
		cls := rt.classes[name]
		for _, c := range []*Class{cls, cls.Meta} {
			s, err := rt.superOf(c)
			if err != nil {
				return err
			}
			var superAddr memory.Addr
			if s != nil {
				superAddr = s.Addr
			}
			if err := rt.mem.WriteU32(c.Addr.Add(classSuperOff), uint32(superAddr)); err != nil {
				return err
			}
		}
		root, err := rt.rootOf(cls.Meta)
		if err != nil {
			return err
		}
		if err := rt.mem.WriteU32(cls.Meta.Addr, uint32(root.Addr)); err != nil {
			return err
		}
	}
	return nil
}

// IsSubclass reports whether cls is of or inherits from it.
func (rt *Runtime) IsSubclass(cls, of *Class) bool {
	for n := 0; cls != nil && n <= 2*len(rt.classes); n++ {
		if cls == of {
			return true
		}
		next, err := rt.superOf(cls)
		if err != nil {
			return false
		}
		cls = next
	}
	return false
}

// RespondsTo reports whether a message named sel sent to obj would reach
// an implementation without forwarding.
func (rt *Runtime) RespondsTo(obj memory.Addr, sel string) (bool, error) {
	cls, err := rt.ClassOf(obj)
	if err != nil {
		return false, err
	}
	s, err := rt.Selector(sel)
	if err != nil {
		return false, err
	}
	m, err := rt.lookup(cls, s)
	if err != nil {
		return false, err
	}
	return m.Kind != IMP_NONE, nil
}
