// Package binding implements §4.6: the native-method registry the
// interpreter consults when a resolved method carries no bytecode.
package binding

import (
	"fmt"
	"sync"

	"jvmgo/internal/classloader"
	"jvmgo/internal/descriptor"
	"jvmgo/internal/frame"
	"jvmgo/internal/vmerr"
)

// Arg is one native-call argument or return value: a raw slot plus the
// shadow bit telling the binding whether it is a reference.
type Arg struct {
	Slot  frame.Slot
	IsRef bool
}

// Func is the boxed closure a MethodBinding wraps, conforming to the
// owning method's descriptor (§6 "Binding contract").
type Func func(args []Arg) (Arg, error)

// MethodBinding pairs a native closure with the descriptor it was bound
// against. Neither Register nor Resolve checks Fn's arity or argument
// kinds against Descriptor.
type MethodBinding struct {
	ClassName  string
	Id         classloader.MethodIdentifier
	Descriptor *descriptor.MethodDescriptor
	Fn         Func
}

type shortKey struct {
	class string
	name  string
}

// Registry is the (class_binary_name, MethodIdentifier)-keyed table from
// §4.6, additionally indexed by short name (class + method name only)
// for JNI-style resolution when a native method is not overloaded.
type Registry struct {
	mu        sync.RWMutex
	byLong    map[string]map[classloader.MethodIdentifier]*MethodBinding
	byShort   map[shortKey][]*MethodBinding
}

func NewRegistry() *Registry {
	return &Registry{
		byLong:  make(map[string]map[classloader.MethodIdentifier]*MethodBinding),
		byShort: make(map[shortKey][]*MethodBinding),
	}
}

// Register adds fn under both the long (class, identifier) key and the
// short (class, name) key. It rejects a nil fn and a second binding for
// the same (class, identifier); fn is not checked against md's parameter
// count or kinds.
func (r *Registry) Register(className string, id classloader.MethodIdentifier, md *descriptor.MethodDescriptor, fn Func) error {
	if fn == nil {
		return fmt.Errorf("binding: nil native function for %s.%s%s", className, id.Name, id.Descriptor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byId, ok := r.byLong[className]
	if !ok {
		byId = make(map[classloader.MethodIdentifier]*MethodBinding)
		r.byLong[className] = byId
	}
	if _, exists := byId[id]; exists {
		return fmt.Errorf("binding: %s.%s%s already bound", className, id.Name, id.Descriptor)
	}

	b := &MethodBinding{ClassName: className, Id: id, Descriptor: md, Fn: fn}
	byId[id] = b

	sk := shortKey{class: className, name: id.Name}
	r.byShort[sk] = append(r.byShort[sk], b)
	return nil
}

// Resolve implements the interpreter's native-dispatch lookup: first by
// the JNI long name (exact descriptor match, disambiguates overloads),
// falling back to the short name only when it is unambiguous.
func (r *Registry) Resolve(className string, id classloader.MethodIdentifier) (*MethodBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if byId, ok := r.byLong[className]; ok {
		if b, ok := byId[id]; ok {
			return b, nil
		}
	}

	candidates := r.byShort[shortKey{class: className, name: id.Name}]
	switch len(candidates) {
	case 0:
		return nil, vmerr.Newf(vmerr.Linkage, "native binding lookup failed for %s.%s%s", className, id.Name, id.Descriptor)
	case 1:
		return candidates[0], nil
	default:
		return nil, vmerr.Newf(vmerr.Linkage, "ambiguous native binding for %s.%s: %d overloads registered, need exact descriptor %s", className, id.Name, len(candidates), id.Descriptor)
	}
}
