package classfile

import "fmt"

const classMagic = 0xCAFEBABE

// AccessFlags mirrors the JVMS access_flags bitmask, shared by classes,
// fields and methods (each consults only the bits meaningful to it).
type AccessFlags uint16

const (
	AccPublic       AccessFlags = 0x0001
	AccPrivate      AccessFlags = 0x0002
	AccProtected    AccessFlags = 0x0004
	AccStatic       AccessFlags = 0x0008
	AccFinal        AccessFlags = 0x0010
	AccSuper        AccessFlags = 0x0020
	AccSynchronized AccessFlags = 0x0020
	AccVolatile     AccessFlags = 0x0040
	AccBridge       AccessFlags = 0x0040
	AccTransient    AccessFlags = 0x0080
	AccVarargs      AccessFlags = 0x0080
	AccNative       AccessFlags = 0x0100
	AccInterface    AccessFlags = 0x0200
	AccAbstract     AccessFlags = 0x0400
	AccStrict       AccessFlags = 0x0800
	AccSynthetic    AccessFlags = 0x1000
	AccAnnotation   AccessFlags = 0x2000
	AccEnum         AccessFlags = 0x4000
)

func (f AccessFlags) Has(bit AccessFlags) bool { return f&bit != 0 }

// FieldInfo is a parsed field_info entry.
type FieldInfo struct {
	AccessFlags AccessFlags
	Name        string
	Descriptor  string
	Attributes  []RawAttribute
}

// MethodInfo is a parsed method_info entry.
type MethodInfo struct {
	AccessFlags AccessFlags
	Name        string
	Descriptor  string
	Attributes  []RawAttribute
	Code        *CodeAttribute // nil if the method has no Code attribute (abstract/native)
}

// RawAttribute is an attribute whose body has not been interpreted yet.
type RawAttribute struct {
	Name string
	Data []byte
}

// ClassInfo is the fully parsed (but not yet resolved) contents of a
// single .class file: the output of §4.1's class reader.
type ClassInfo struct {
	MinorVersion uint16
	MajorVersion uint16
	Pool         *ConstantPool
	AccessFlags  AccessFlags
	ThisClass    string
	SuperClass   string // "" for java/lang/Object
	Interfaces   []string
	Fields       []FieldInfo
	Methods      []MethodInfo
}

// ParseClass decodes raw .class bytes into a ClassInfo. An unrecognized
// opcode or malformed structure is a ClassParseError per §7 and aborts
// parsing of that class only.
func ParseClass(raw []byte) (*ClassInfo, error) {
	r := newReader(raw)

	magic, err := r.u4()
	if err != nil {
		return nil, fmt.Errorf("classfile: %w", err)
	}
	if magic != classMagic {
		return nil, fmt.Errorf("classfile: bad magic 0x%08X", magic)
	}

	minor, err := r.u2()
	if err != nil {
		return nil, err
	}
	major, err := r.u2()
	if err != nil {
		return nil, err
	}

	poolCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	pool := &ConstantPool{}
	if err := pool.parse(r, poolCount); err != nil {
		return nil, err
	}

	accessFlags, err := r.u2()
	if err != nil {
		return nil, err
	}
	thisIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	superIdx, err := r.u2()
	if err != nil {
		return nil, err
	}

	thisName, err := pool.ClassName(thisIdx)
	if err != nil {
		return nil, fmt.Errorf("classfile: resolving this_class: %w", err)
	}
	var superName string
	if superIdx != 0 {
		superName, err = pool.ClassName(superIdx)
		if err != nil {
			return nil, fmt.Errorf("classfile: resolving super_class: %w", err)
		}
	}

	ifaceCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	interfaces := make([]string, ifaceCount)
	for i := range interfaces {
		idx, err := r.u2()
		if err != nil {
			return nil, err
		}
		interfaces[i], err = pool.ClassName(idx)
		if err != nil {
			return nil, err
		}
	}

	fields, err := parseFields(r, pool)
	if err != nil {
		return nil, err
	}
	methods, err := parseMethods(r, pool)
	if err != nil {
		return nil, err
	}

	// Trailing class-level attributes (SourceFile, etc.) are read but not
	// otherwise interpreted by this VM.
	if _, err := parseAttributes(r, pool); err != nil {
		return nil, err
	}

	return &ClassInfo{
		MinorVersion: minor,
		MajorVersion: major,
		Pool:         pool,
		AccessFlags:  AccessFlags(accessFlags),
		ThisClass:    thisName,
		SuperClass:   superName,
		Interfaces:   interfaces,
		Fields:       fields,
		Methods:      methods,
	}, nil
}

func parseAttributes(r *reader, pool *ConstantPool) ([]RawAttribute, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	attrs := make([]RawAttribute, count)
	for i := range attrs {
		nameIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		length, err := r.u4()
		if err != nil {
			return nil, err
		}
		data, err := r.bytes(int(length))
		if err != nil {
			return nil, err
		}
		name, err := pool.Utf8At(nameIdx)
		if err != nil {
			return nil, err
		}
		attrs[i] = RawAttribute{Name: name, Data: data}
	}
	return attrs, nil
}

func parseFields(r *reader, pool *ConstantPool) ([]FieldInfo, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	fields := make([]FieldInfo, count)
	for i := range fields {
		flags, err := r.u2()
		if err != nil {
			return nil, err
		}
		nameIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		descIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		attrs, err := parseAttributes(r, pool)
		if err != nil {
			return nil, err
		}
		name, err := pool.Utf8At(nameIdx)
		if err != nil {
			return nil, err
		}
		desc, err := pool.Utf8At(descIdx)
		if err != nil {
			return nil, err
		}
		fields[i] = FieldInfo{
			AccessFlags: AccessFlags(flags),
			Name:        name,
			Descriptor:  desc,
			Attributes:  attrs,
		}
	}
	return fields, nil
}

func parseMethods(r *reader, pool *ConstantPool) ([]MethodInfo, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	methods := make([]MethodInfo, count)
	for i := range methods {
		flags, err := r.u2()
		if err != nil {
			return nil, err
		}
		nameIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		descIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		attrs, err := parseAttributes(r, pool)
		if err != nil {
			return nil, err
		}
		name, err := pool.Utf8At(nameIdx)
		if err != nil {
			return nil, err
		}
		desc, err := pool.Utf8At(descIdx)
		if err != nil {
			return nil, err
		}
		m := MethodInfo{
			AccessFlags: AccessFlags(flags),
			Name:        name,
			Descriptor:  desc,
			Attributes:  attrs,
		}
		for _, a := range attrs {
			if a.Name == "Code" {
				code, err := parseCodeAttribute(a.Data, pool)
				if err != nil {
					return nil, fmt.Errorf("classfile: method %s%s: %w", name, desc, err)
				}
				m.Code = code
			}
		}
		methods[i] = m
	}
	return methods, nil
}
