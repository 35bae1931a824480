// Package registry holds the host side of the bridge: functions, constants
// and classes implemented natively, keyed by symbol name and library.
package registry

import (
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/wnxd/microhle/abi"
)

var (
	ErrNotFound  = errors.New("symbol not registered")
	ErrAmbiguous = errors.New("symbol registered by more than one library")
	ErrDuplicate = errors.New("symbol already registered")
)

// Entry is a *Function, *Constant or *Class.
type Entry interface {
	Symbol() string
	Lib() string
}

type Function struct {
	Name    string
	Library string
	Shape   abi.Shape
	Fn      abi.Function
}

// Constant is host data the guest reads through a data import. Data is
// copied into guest storage when first bound.
type Constant struct {
	Name    string
	Library string
	Data    []byte
}

type Method struct {
	Selector string
	Shape    abi.Shape
	Fn       abi.Function
}

// Class is a class implemented by the host. Method shapes include the
// receiver and selector as their first two pointer arguments.
type Class struct {
	Name         string
	Library      string
	Super        string
	InstanceSize uint32
	Methods      []Method
	ClassMethods []Method
}

func (f *Function) Symbol() string { return f.Name }
func (f *Function) Lib() string    { return f.Library }
func (c *Constant) Symbol() string { return c.Name }
func (c *Constant) Lib() string    { return c.Library }
func (c *Class) Symbol() string    { return c.Name }
func (c *Class) Lib() string       { return c.Library }

type key struct {
	name, library string
}

// Registry is populated once before a session loads images. It is not
// safe for concurrent registration.
type Registry struct {
	entries map[key]Entry
	byName  map[string][]Entry
	classes []*Class
}

func New() *Registry {
	return &Registry{
		entries: make(map[key]Entry),
		byName:  make(map[string][]Entry),
	}
}

func (r *Registry) add(e Entry) error {
	k := key{e.Symbol(), e.Lib()}
	if _, ok := r.entries[k]; ok {
		return errors.Wrapf(ErrDuplicate, "%s in %q", k.name, k.library)
	}
	r.entries[k] = e
	r.byName[k.name] = append(r.byName[k.name], e)
	return nil
}

func (r *Registry) RegisterFunc(f *Function) error {
	if f.Fn == nil {
		return errors.Newf("function %s has no implementation", f.Name)
	}
	return r.add(f)
}

// Register wraps fn with abi.Wrap and registers it under name.
func (r *Registry) Register(library, name string, fn any) error {
	shape, impl, err := abi.Wrap(fn)
	if err != nil {
		return errors.Wrapf(err, "register %s", name)
	}
	return r.add(&Function{Name: name, Library: library, Shape: shape, Fn: impl})
}

func (r *Registry) RegisterConstant(c *Constant) error {
	return r.add(c)
}

func (r *Registry) RegisterClass(c *Class) error {
	if err := r.add(c); err != nil {
		return err
	}
	r.classes = append(r.classes, c)
	return nil
}

// Lookup finds the entry registered under exactly name and library.
func (r *Registry) Lookup(name, library string) (Entry, bool) {
	e, ok := r.entries[key{name, library}]
	return e, ok
}

// LookupName finds name in any library. More than one candidate is
// reported as ErrAmbiguous.
func (r *Registry) LookupName(name string) (Entry, error) {
	switch es := r.byName[name]; len(es) {
	case 0:
		return nil, errors.Wrap(ErrNotFound, name)
	case 1:
		return es[0], nil
	default:
		libs := make([]string, len(es))
		for i, e := range es {
			libs[i] = e.Lib()
		}
		return nil, errors.Wrapf(ErrAmbiguous, "%s in %s", name, strings.Join(libs, ", "))
	}
}

// Classes returns host classes in registration order.
func (r *Registry) Classes() []*Class {
	return slices.Clone(r.classes)
}

func (r *Registry) Len() int {
	return len(r.entries)
}
