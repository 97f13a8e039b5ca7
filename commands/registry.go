// Package commands assigns stable numeric identifiers to message types.
//
// Message types are registered explicitly, usually from an init function of
// the package defining them. The first lookup freezes the registry: core
// types receive their pinned identifiers, and every other type is numbered
// in (module, name) order so that two binaries built from the same set of
// types agree on identifiers without a shared table.
package commands

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ID is the on-wire identifier of a message type.
type ID uint16

// None is the identifier of the empty message used for acknowledgements and
// keepalives. It never carries data.
const None ID = 0

// CoreModule is the module name of the connection control types. It always
// sorts before any application module.
const CoreModule = "core"

// Pinned lists core type names in the order of their fixed identifiers,
// starting at None.
var Pinned = []string{
	"None",
	"AllowConnection",
	"Stop",
	"DebugMessage",
	"ServerInfoPrompt",
	"ServerInfoAnswer",
	"LoginTryPrompt",
	"LoginTryAnswer",
}

var (
	ErrUnknownType = errors.New("commands: message type not registered")
	ErrUnknownID   = errors.New("commands: identifier not registered")
)

// Payload is implemented by every message type. UnmarshalBinary must reject
// any body that does not match the exact layout of the type.
type Payload interface {
	Code() byte
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// Entry describes one registered message type.
type Entry struct {
	ID     ID
	Module string
	Name   string

	factory func() Payload
	typ     reflect.Type
}

// Registry maps message types to identifiers. The zero value is not usable;
// use NewRegistry.
type Registry struct {
	mu      sync.Mutex
	pending []*Entry
	frozen  bool

	once   sync.Once
	byID   map[ID]*Entry
	byType map[reflect.Type]*Entry
	order  []*Entry
}

// Default is the process-wide registry used by the message codec.
var Default = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a message type. It panics if called after the registry has
// been used, or if the type or the (module, name) pair is already known.
func (r *Registry) Register(module, name string, factory func() Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("commands: Register(%s.%s) after first lookup", module, name))
	}
	typ := reflect.TypeOf(factory())
	for _, e := range r.pending {
		if e.typ == typ {
			panic(fmt.Sprintf("commands: type %v registered twice", typ))
		}
		if e.Module == module && e.Name == name {
			panic(fmt.Sprintf("commands: %s.%s registered twice", module, name))
		}
	}
	r.pending = append(r.pending, &Entry{Module: module, Name: name, factory: factory, typ: typ})
}

// Register adds a message type to the Default registry.
func Register(module, name string, factory func() Payload) {
	Default.Register(module, name, factory)
}

func (r *Registry) build() {
	r.once.Do(func() {
		r.mu.Lock()
		r.frozen = true
		all := append([]*Entry(nil), r.pending...)
		r.mu.Unlock()

		pinned := make([]*Entry, 0, len(Pinned))
		rest := make([]*Entry, 0, len(all))
		for _, e := range all {
			if e.Module == CoreModule && pinnedIndex(e.Name) >= 0 {
				pinned = append(pinned, e)
			} else {
				rest = append(rest, e)
			}
		}
		sort.Slice(pinned, func(i, j int) bool {
			return pinnedIndex(pinned[i].Name) < pinnedIndex(pinned[j].Name)
		})
		sort.Slice(rest, func(i, j int) bool {
			a, b := rest[i], rest[j]
			if a.Module != b.Module {
				if a.Module == CoreModule {
					return true
				}
				if b.Module == CoreModule {
					return false
				}
				return a.Module < b.Module
			}
			return a.Name < b.Name
		})

		r.byID = make(map[ID]*Entry, len(all))
		r.byType = make(map[reflect.Type]*Entry, len(all))
		for _, e := range pinned {
			e.ID = ID(pinnedIndex(e.Name))
			r.add(e)
		}
		next := ID(len(Pinned))
		for _, e := range rest {
			if next == 0 {
				panic("commands: identifier space exhausted")
			}
			e.ID = next
			next++
			r.add(e)
		}
	})
}

func (r *Registry) add(e *Entry) {
	r.byID[e.ID] = e
	r.byType[e.typ] = e
	r.order = append(r.order, e)
}

func pinnedIndex(name string) int {
	for i, n := range Pinned {
		if n == name {
			return i
		}
	}
	return -1
}

// IDOf returns the identifier of the dynamic type of p.
func (r *Registry) IDOf(p Payload) (ID, error) {
	r.build()
	e, ok := r.byType[reflect.TypeOf(p)]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownType, "%T", p)
	}
	return e.ID, nil
}

// New returns a fresh zero value of the type registered under id.
func (r *Registry) New(id ID) (Payload, error) {
	r.build()
	e, ok := r.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownID, "%d", id)
	}
	return e.factory(), nil
}

// Name returns "module.Name" for id, or a numeric placeholder.
func (r *Registry) Name(id ID) string {
	r.build()
	if e, ok := r.byID[id]; ok {
		return e.Module + "." + e.Name
	}
	return fmt.Sprintf("unknown(%d)", id)
}

// Entries returns all registered types in identifier order.
func (r *Registry) Entries() []Entry {
	r.build()
	out := make([]Entry, len(r.order))
	for i, e := range r.order {
		out[i] = *e
	}
	return out
}
