package classfile

// ExceptionHandler is one entry of the Code attribute's exception table.
// This VM does not implement exception unwinding (§1 non-goals); the table
// is retained only for completeness of the parsed structure.
type ExceptionHandler struct {
	StartPC   int
	EndPC     int
	HandlerPC int
	CatchType string // "" denotes a catch-all (finally)
}

// CodeAttribute is the parsed Code attribute of a method.
type CodeAttribute struct {
	MaxStack   int
	MaxLocals  int
	Insts      []Inst
	Handlers   []ExceptionHandler
	Attributes []RawAttribute
}

func parseCodeAttribute(data []byte, pool *ConstantPool) (*CodeAttribute, error) {
	r := newReader(data)

	maxStack, err := r.u2()
	if err != nil {
		return nil, err
	}
	maxLocals, err := r.u2()
	if err != nil {
		return nil, err
	}
	codeLength, err := r.u4()
	if err != nil {
		return nil, err
	}
	rawCode, err := r.bytes(int(codeLength))
	if err != nil {
		return nil, err
	}
	insts, err := decodeInstructions(rawCode)
	if err != nil {
		return nil, err
	}

	handlerCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	handlers := make([]ExceptionHandler, handlerCount)
	for i := range handlers {
		startPC, err := r.u2()
		if err != nil {
			return nil, err
		}
		endPC, err := r.u2()
		if err != nil {
			return nil, err
		}
		handlerPC, err := r.u2()
		if err != nil {
			return nil, err
		}
		catchTypeIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		var catchType string
		if catchTypeIdx != 0 {
			catchType, err = pool.ClassName(catchTypeIdx)
			if err != nil {
				return nil, err
			}
		}
		handlers[i] = ExceptionHandler{
			StartPC:   int(startPC),
			EndPC:     int(endPC),
			HandlerPC: int(handlerPC),
			CatchType: catchType,
		}
	}

	attrs, err := parseAttributes(r, pool)
	if err != nil {
		return nil, err
	}

	return &CodeAttribute{
		MaxStack:   int(maxStack),
		MaxLocals:  int(maxLocals),
		Insts:      insts,
		Handlers:   handlers,
		Attributes: attrs,
	}, nil
}
