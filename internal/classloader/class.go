package classloader

import (
	"sort"

	"jvmgo/internal/classfile"
	"jvmgo/internal/descriptor"
)

// ClassId identifies an entry in the process-wide class registry.
type ClassId = Id[Class]

// Class is the sum Instance(InstanceClass) | Array(ArrayClass) |
// Primitive(PrimitiveType) described in §3. Exactly one of the three
// pointer fields is non-nil.
type Class struct {
	Instance  *InstanceClass
	Array     *ArrayClass
	Primitive *PrimitiveClass
}

func (c *Class) BinaryDescriptor() string {
	switch {
	case c.Instance != nil:
		return c.Instance.ObjectType
	case c.Array != nil:
		return c.Array.Descriptor
	case c.Primitive != nil:
		return string(primitiveCode[c.Primitive.Kind])
	default:
		panic("classloader: empty Class sum")
	}
}

// PrimitiveClass is the trivial Class wrapping one of the eight primitive
// kinds; it carries no fields or methods and is never allocated on the
// heap as an instance.
type PrimitiveClass struct {
	Kind descriptor.Kind
}

var primitiveCode = map[descriptor.Kind]byte{
	descriptor.Boolean: 'Z',
	descriptor.Byte:    'B',
	descriptor.Short:   'S',
	descriptor.Int:     'I',
	descriptor.Long:    'J',
	descriptor.Char:    'C',
	descriptor.Float:   'F',
	descriptor.Double:  'D',
}

// MethodIdentifier is (name, descriptor string), the key method lookup and
// the binding registry both use.
type MethodIdentifier struct {
	Name       string
	Descriptor string
}

// Method is one entry of an InstanceClass's method table.
type Method struct {
	Owner      *InstanceClass
	Id         MethodIdentifier
	Descriptor *descriptor.MethodDescriptor
	Flags      classfile.AccessFlags
	Code       *classfile.CodeAttribute // nil if native or abstract

	// Tasks is filled in lazily on first invocation and cached for the
	// process lifetime (§3 Lifecycle); nil until then. Guarded by TasksMu
	// since two threads may race to compile the same method's first call.
	Tasks   interface{} // *interpreter.TaskList, stored as interface{} to avoid an import cycle
	TasksMu chan struct{}
}

// IsStatic, IsNative, IsAbstract read the method's access flags.
func (m *Method) IsStatic() bool   { return m.Flags.Has(classfile.AccStatic) }
func (m *Method) IsNative() bool   { return m.Flags.Has(classfile.AccNative) }
func (m *Method) IsAbstract() bool { return m.Flags.Has(classfile.AccAbstract) }

// FieldLayout is the policy described in §3: every reference-kind field
// (super's, then the class's own) before every primitive-kind field
// (super's, then own), offsets recomputed, so references occupy a
// contiguous prefix of the whole instance.
type FieldLayout struct {
	FieldsSize     int
	ReferenceCount int
	Offsets        map[string]int
	Kinds          map[string]descriptor.Kind
}

// InstanceClass is a loaded, resolved class or interface.
type InstanceClass struct {
	ObjectType    string // binary name
	SuperClass    *ClassId
	Interfaces    []ClassId
	Pool          *classfile.ConstantPool
	AccessFlags   classfile.AccessFlags
	InstanceLayout FieldLayout
	StaticLayout  FieldLayout
	StaticStorage []byte // backing bytes for static fields, sized StaticLayout.FieldsSize
	Methods       map[MethodIdentifier]*Method
}

// ArrayClass describes a reference- or primitive-element array type.
type ArrayClass struct {
	Descriptor    string // e.g. "[I", "[Ljava/lang/String;"
	Component     descriptor.Type
	ComponentKind descriptor.Kind
	ComponentClass *ClassId // set only when ComponentKind == Reference
}

// fieldSpec is the pre-layout description of one declared field.
type fieldSpec struct {
	name string
	kind descriptor.Kind
}

// buildFieldLayout implements the §3 field layout policy for one class's
// own fields, given the layout already computed for its super class (nil
// for java/lang/Object or a static layout, which has no super contribution).
//
// The per-class policy ("super fields first, then this class's own fields
// with references before primitives") is applied globally rather than
// class-by-class: otherwise a super class whose own layout ends with
// primitive fields would push a subclass's reference fields out of the
// contiguous reference prefix the §8 invariant requires
// (offset(any reference field) < offset(any primitive field), for the
// whole instance). So references and primitives are partitioned first,
// and within each partition super fields keep precedence over own fields.
func buildFieldLayout(super *FieldLayout, own []fieldSpec) FieldLayout {
	layout := FieldLayout{
		Offsets: make(map[string]int),
		Kinds:   make(map[string]descriptor.Kind),
	}

	var superRefs, superPrims []string
	if super != nil {
		for _, name := range orderedFieldNames(super) {
			if super.Kinds[name] == descriptor.Reference {
				superRefs = append(superRefs, name)
			} else {
				superPrims = append(superPrims, name)
			}
		}
	}

	var ownRefs, ownPrims []fieldSpec
	for _, f := range own {
		if f.kind == descriptor.Reference {
			ownRefs = append(ownRefs, f)
		} else {
			ownPrims = append(ownPrims, f)
		}
	}

	offset := 0
	place := func(name string, k descriptor.Kind) {
		layout.Offsets[name] = offset
		layout.Kinds[name] = k
		offset += k.Size()
	}
	for _, name := range superRefs {
		place(name, super.Kinds[name])
		layout.ReferenceCount++
	}
	for _, f := range ownRefs {
		place(f.name, f.kind)
		layout.ReferenceCount++
	}
	for _, name := range superPrims {
		place(name, super.Kinds[name])
	}
	for _, f := range ownPrims {
		place(f.name, f.kind)
	}

	layout.FieldsSize = offset
	return layout
}

// orderedFieldNames returns a layout's field names sorted by offset, so a
// super-class's own ordering is preserved when re-laid-out by a subclass.
func orderedFieldNames(l *FieldLayout) []string {
	names := make([]string, 0, len(l.Offsets))
	for n := range l.Offsets {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return l.Offsets[names[i]] < l.Offsets[names[j]] })
	return names
}
