package descriptor

import (
	"fmt"
	"strings"
)

// Type is the sum Primitive(K) | Object(binary_name) | Array(component).
type Type struct {
	kind       typeKind
	primitive  Kind
	objectName string // binary name, e.g. "java/lang/String"
	component  *Type
}

type typeKind uint8

const (
	typePrimitive typeKind = iota
	typeObject
	typeArray
)

func PrimitiveType(k Kind) Type {
	return Type{kind: typePrimitive, primitive: k}
}

func ObjectType(binaryName string) Type {
	return Type{kind: typeObject, objectName: binaryName}
}

func ArrayType(component Type) Type {
	return Type{kind: typeArray, component: &component}
}

func (t Type) IsPrimitive() bool { return t.kind == typePrimitive }
func (t Type) IsObject() bool    { return t.kind == typeObject }
func (t Type) IsArray() bool     { return t.kind == typeArray }
func (t Type) IsReference() bool { return t.kind != typePrimitive }

func (t Type) Primitive() Kind {
	if t.kind != typePrimitive {
		panic("descriptor: not a primitive type")
	}
	return t.primitive
}

func (t Type) ObjectName() string {
	if t.kind != typeObject {
		panic("descriptor: not an object type")
	}
	return t.objectName
}

func (t Type) Component() Type {
	if t.kind != typeArray {
		panic("descriptor: not an array type")
	}
	return *t.component
}

// Kind returns the storage kind this type occupies: Reference for both
// Object and Array types, or the primitive's own kind.
func (t Type) Kind() Kind {
	if t.kind == typePrimitive {
		return t.primitive
	}
	return Reference
}

var primitiveCodes = map[byte]Kind{
	'Z': Boolean,
	'B': Byte,
	'S': Short,
	'I': Int,
	'J': Long,
	'C': Char,
	'F': Float,
	'D': Double,
}

var codeByPrimitive = map[Kind]byte{
	Boolean: 'Z',
	Byte:    'B',
	Short:   'S',
	Int:     'I',
	Long:    'J',
	Char:    'C',
	Float:   'F',
	Double:  'D',
}

// ParseType parses a single field-descriptor type starting at s[0] and
// returns the type plus the number of bytes consumed.
func ParseType(s string) (Type, int, error) {
	if len(s) == 0 {
		return Type{}, 0, fmt.Errorf("descriptor: empty type")
	}
	switch s[0] {
	case '[':
		comp, n, err := ParseType(s[1:])
		if err != nil {
			return Type{}, 0, err
		}
		return ArrayType(comp), n + 1, nil
	case 'L':
		end := strings.IndexByte(s, ';')
		if end < 0 {
			return Type{}, 0, fmt.Errorf("descriptor: unterminated object type %q", s)
		}
		return ObjectType(s[1:end]), end + 1, nil
	default:
		if k, ok := primitiveCodes[s[0]]; ok {
			return PrimitiveType(k), 1, nil
		}
		return Type{}, 0, fmt.Errorf("descriptor: unknown type code %q", s[0])
	}
}

// String re-serializes the type to its descriptor form.
func (t Type) String() string {
	switch t.kind {
	case typePrimitive:
		return string(codeByPrimitive[t.primitive])
	case typeObject:
		return "L" + t.objectName + ";"
	case typeArray:
		return "[" + t.component.String()
	default:
		panic("descriptor: unknown type kind")
	}
}

// MethodDescriptor is the parsed form of "(<params>)<return-or-V>".
type MethodDescriptor struct {
	Raw        string
	Params     []Type
	ReturnVoid bool
	Return     Type
}

func ParseMethodDescriptor(s string) (*MethodDescriptor, error) {
	if len(s) == 0 || s[0] != '(' {
		return nil, fmt.Errorf("descriptor: method descriptor must start with '(': %q", s)
	}
	md := &MethodDescriptor{Raw: s}
	i := 1
	for i < len(s) && s[i] != ')' {
		t, n, err := ParseType(s[i:])
		if err != nil {
			return nil, err
		}
		md.Params = append(md.Params, t)
		i += n
	}
	if i >= len(s) {
		return nil, fmt.Errorf("descriptor: unterminated parameter list %q", s)
	}
	i++ // skip ')'
	rest := s[i:]
	if rest == "V" {
		md.ReturnVoid = true
		return md, nil
	}
	t, n, err := ParseType(rest)
	if err != nil {
		return nil, err
	}
	if n != len(rest) {
		return nil, fmt.Errorf("descriptor: trailing garbage in %q", s)
	}
	md.Return = t
	return md, nil
}

// String reconstructs the original descriptor text; parsing then
// serializing a well-formed descriptor is guaranteed to round-trip (§8).
func (md *MethodDescriptor) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, p := range md.Params {
		sb.WriteString(p.String())
	}
	sb.WriteByte(')')
	if md.ReturnVoid {
		sb.WriteByte('V')
	} else {
		sb.WriteString(md.Return.String())
	}
	return sb.String()
}

// ParamSlots returns the number of local-variable slots the parameters
// occupy, counting category-2 types (long/double) as two slots.
func (md *MethodDescriptor) ParamSlots() int {
	n := 0
	for _, p := range md.Params {
		n += p.Kind().Category()
	}
	return n
}
