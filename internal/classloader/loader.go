package classloader

import (
	"fmt"

	"jvmgo/internal/classfile"
	"jvmgo/internal/descriptor"
	"jvmgo/internal/vmerr"
)

// Loader is §4.2's class loader: an ordered list of ClassSources plus the
// process-wide class registry. Sources are tried in order; the first to
// return non-nil bytes wins.
type Loader struct {
	sources  []ClassSource
	registry *Storage[string, Class]
}

func NewLoader(sources ...ClassSource) *Loader {
	return &Loader{
		sources:  sources,
		registry: NewStorage[string, Class](),
	}
}

func (l *Loader) AddSource(s ClassSource) {
	l.sources = append(l.sources, s)
}

// Registry exposes the underlying Storage for components (the heap,
// diagnostics) that need to dereference a ClassId without going through
// Resolve.
func (l *Loader) Registry() *Storage[string, Class] { return l.registry }

func registryKey(t descriptor.Type) string {
	if t.IsObject() {
		return t.ObjectName()
	}
	return t.String()
}

// Resolve implements §4.2's six-step resolution. It is safe to call
// concurrently: the placeholder mechanism in Storage ensures two callers
// racing to resolve the same type converge on one id and one parse.
func (l *Loader) Resolve(t descriptor.Type) (ClassId, error) {
	if t.IsPrimitive() {
		return 0, fmt.Errorf("classloader: cannot resolve primitive type %q as a class", t.String())
	}

	key := registryKey(t)
	if id, ok := l.registry.Lookup(key); ok {
		if _, ready := l.registry.TryGet(id); ready {
			return id, nil
		}
		// Reserved by another in-flight resolution; in a full
		// implementation a waiting caller would block on the slot being
		// filled. This VM's only concurrent consumer is the resolver
		// itself, which cannot re-enter the same key without an
		// ill-formed (cyclic) super-chain (§4.2).
		return id, nil
	}

	id, created := l.registry.Reserve(key)
	if !created {
		// Lost a race with another goroutine between Lookup and Reserve.
		return id, nil
	}

	var class Class
	var err error
	switch {
	case t.IsObject():
		class, err = l.resolveInstanceClass(t.ObjectName())
	case t.IsArray():
		class, err = l.resolveArrayClass(t)
	default:
		err = fmt.Errorf("classloader: unsupported type %q", t.String())
	}
	if err != nil {
		return 0, err
	}

	l.registry.Fill(id, class)
	return id, nil
}

func (l *Loader) ResolveByName(binaryName string) (ClassId, error) {
	return l.Resolve(descriptor.ObjectType(binaryName))
}

func (l *Loader) Get(id ClassId) *Class {
	c := l.registry.Get(id)
	return &c
}

func (l *Loader) resolveArrayClass(t descriptor.Type) (Class, error) {
	comp := t.Component()
	ac := &ArrayClass{
		Descriptor:    t.String(),
		Component:     comp,
		ComponentKind: comp.Kind(),
	}
	if comp.Kind() == descriptor.Reference {
		// Recursion happens after the placeholder slot for this array type
		// has already been reserved and the lock released, so a cyclic
		// component (impossible for arrays, but kept symmetric with the
		// instance case) cannot deadlock.
		compId, err := l.Resolve(comp)
		if err != nil {
			return Class{}, err
		}
		ac.ComponentClass = &compId
	}
	return Class{Array: ac}, nil
}

func (l *Loader) resolveInstanceClass(binaryName string) (Class, error) {
	var raw []byte
	for _, src := range l.sources {
		b, err := src.TryLoad(binaryName)
		if err != nil {
			return Class{}, fmt.Errorf("classloader: source error loading %s: %w", binaryName, err)
		}
		if b != nil {
			raw = b
			break
		}
	}
	if raw == nil {
		return Class{}, &vmerr.VMError{Kind: vmerr.ClassNotFound, Message: fmt.Sprintf("class not found: %s", binaryName)}
	}

	info, err := classfile.ParseClass(raw)
	if err != nil {
		return Class{}, &vmerr.VMError{Kind: vmerr.ClassParse, Message: err.Error()}
	}
	if info.ThisClass != binaryName {
		return Class{}, &vmerr.VMError{Kind: vmerr.ClassParse, Message: fmt.Sprintf("class file for %s declares this_class %s", binaryName, info.ThisClass)}
	}

	ic := &InstanceClass{
		ObjectType:  info.ThisClass,
		Pool:        info.Pool,
		AccessFlags: info.AccessFlags,
		Methods:     make(map[MethodIdentifier]*Method),
	}

	// Recursion into super/interfaces happens with this class's own
	// placeholder slot already reserved and the registry lock released, so
	// a super-chain cycle in ill-formed input fails by dereferencing a
	// still-placeholder slot rather than deadlocking (§4.2).
	var superLayout *FieldLayout
	if info.SuperClass != "" {
		superId, err := l.ResolveByName(info.SuperClass)
		if err != nil {
			return Class{}, err
		}
		ic.SuperClass = &superId
		superClass := l.registry.Get(superId)
		if superClass.Instance == nil {
			return Class{}, &vmerr.VMError{Kind: vmerr.Linkage, Message: fmt.Sprintf("super class %s of %s is not a class", info.SuperClass, binaryName)}
		}
		superLayout = &superClass.Instance.InstanceLayout
	}

	for _, ifaceName := range info.Interfaces {
		ifaceId, err := l.ResolveByName(ifaceName)
		if err != nil {
			return Class{}, err
		}
		ic.Interfaces = append(ic.Interfaces, ifaceId)
	}

	ownInstanceFields, ownStaticFields, err := splitFields(info.Fields)
	if err != nil {
		return Class{}, err
	}
	ic.InstanceLayout = buildFieldLayout(superLayout, ownInstanceFields)
	ic.StaticLayout = buildFieldLayout(nil, ownStaticFields)
	ic.StaticStorage = make([]byte, ic.StaticLayout.FieldsSize)

	for i := range info.Methods {
		mi := &info.Methods[i]
		md, err := descriptor.ParseMethodDescriptor(mi.Descriptor)
		if err != nil {
			return Class{}, &vmerr.VMError{Kind: vmerr.ClassParse, Message: fmt.Sprintf("method %s%s: %v", mi.Name, mi.Descriptor, err)}
		}
		id := MethodIdentifier{Name: mi.Name, Descriptor: mi.Descriptor}
		ic.Methods[id] = &Method{
			Owner:      ic,
			Id:         id,
			Descriptor: md,
			Flags:      mi.AccessFlags,
			Code:       mi.Code,
			TasksMu:    make(chan struct{}, 1),
		}
	}

	return Class{Instance: ic}, nil
}

func splitFields(fields []classfile.FieldInfo) (instanceFields, staticFields []fieldSpec, err error) {
	for _, f := range fields {
		t, n, perr := descriptor.ParseType(f.Descriptor)
		if perr != nil || n != len(f.Descriptor) {
			return nil, nil, &vmerr.VMError{Kind: vmerr.ClassParse, Message: fmt.Sprintf("field %s has invalid descriptor %q", f.Name, f.Descriptor)}
		}
		spec := fieldSpec{name: f.Name, kind: t.Kind()}
		if f.AccessFlags.Has(classfile.AccStatic) {
			staticFields = append(staticFields, spec)
		} else {
			instanceFields = append(instanceFields, spec)
		}
	}
	return instanceFields, staticFields, nil
}

// LookupVirtual walks the super-chain starting at class looking for a
// method matching id, the way invokevirtual/invokeinterface resolve
// against a receiver's runtime class (§4.5). The result is meant to be
// cached by the caller per call site.
func (l *Loader) LookupVirtual(class *InstanceClass, id MethodIdentifier) (*Method, error) {
	for c := class; c != nil; {
		if m, ok := c.Methods[id]; ok {
			return m, nil
		}
		if c.SuperClass == nil {
			break
		}
		super := l.Get(*c.SuperClass)
		if super.Instance == nil {
			return nil, &vmerr.VMError{Kind: vmerr.Linkage, Message: fmt.Sprintf("super class of %s is not an instance class", c.ObjectType)}
		}
		c = super.Instance
	}
	return nil, &vmerr.VMError{Kind: vmerr.Linkage, Message: fmt.Sprintf("method %s%s not found on %s or its super classes", id.Name, id.Descriptor, class.ObjectType)}
}
