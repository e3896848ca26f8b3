package interpreter

import (
	"fmt"
	"math"

	"jvmgo/internal/classfile"
	"jvmgo/internal/classloader"
	"jvmgo/internal/descriptor"
	"jvmgo/internal/vmerr"
)

// compileMethod translates method.Code's decoded instructions into a
// TaskList, one Task per Inst, so the absolute instruction-index jump
// targets from §4.1's decoder carry over unchanged as Task indices.
func compileMethod(method *classloader.Method) (*TaskList, error) {
	code := method.Code
	pool := method.Owner.Pool
	tasks := make([]Task, len(code.Insts))

	for i, inst := range code.Insts {
		t, err := compileInst(inst, pool)
		if err != nil {
			return nil, vmerr.Wrap(err, vmerr.ClassParse, fmt.Sprintf("compiling %s.%s%s at task %d", method.Owner.ObjectType, method.Id.Name, method.Id.Descriptor, i))
		}
		tasks[i] = t
	}

	return &TaskList{Tasks: tasks, MaxLocals: code.MaxLocals, MaxStack: code.MaxStack}, nil
}

func compileInst(inst classfile.Inst, pool *classfile.ConstantPool) (Task, error) {
	op := inst.Op
	switch op {
	case classfile.OpNop:
		return Task{Op: TaskNop}, nil

	case classfile.OpAConstNull:
		return Task{Op: TaskConst, Kind: descriptor.StackReference, ConstIsRef: true}, nil

	case classfile.OpIConstM1, classfile.OpIConst0, classfile.OpIConst1, classfile.OpIConst2,
		classfile.OpIConst3, classfile.OpIConst4, classfile.OpIConst5:
		v := int64(op) - int64(classfile.OpIConst0)
		return Task{Op: TaskConst, Kind: descriptor.StackInt, ConstBits: v}, nil

	case classfile.OpLConst0, classfile.OpLConst1:
		return Task{Op: TaskConst, Kind: descriptor.StackLong, ConstBits: int64(op) - int64(classfile.OpLConst0)}, nil

	case classfile.OpFConst0, classfile.OpFConst1, classfile.OpFConst2:
		return Task{Op: TaskConst, Kind: descriptor.StackFloat, ConstBits: int64(math.Float32bits(float32(op - classfile.OpFConst0)))}, nil

	case classfile.OpDConst0, classfile.OpDConst1:
		return Task{Op: TaskConst, Kind: descriptor.StackDouble, ConstBits: int64(math.Float64bits(float64(op - classfile.OpDConst0)))}, nil

	case classfile.OpBIPush, classfile.OpSIPush:
		return Task{Op: TaskConst, Kind: descriptor.StackInt, ConstBits: int64(inst.IntOperand)}, nil

	case classfile.OpLdc, classfile.OpLdcW:
		return compileLdc(inst.ConstIndex, pool)

	case classfile.OpLdc2W:
		return compileLdc2(inst.ConstIndex, pool)

	case classfile.OpILoad, classfile.OpILoad0, classfile.OpILoad1, classfile.OpILoad2, classfile.OpILoad3:
		return Task{Op: TaskLocalLoad, Kind: descriptor.StackInt, Index: loadVarIndex(op, inst, classfile.OpILoad, classfile.OpILoad0)}, nil
	case classfile.OpLLoad, classfile.OpLLoad0, classfile.OpLLoad1, classfile.OpLLoad2, classfile.OpLLoad3:
		return Task{Op: TaskLocalLoad, Kind: descriptor.StackLong, Index: loadVarIndex(op, inst, classfile.OpLLoad, classfile.OpLLoad0)}, nil
	case classfile.OpFLoad, classfile.OpFLoad0, classfile.OpFLoad1, classfile.OpFLoad2, classfile.OpFLoad3:
		return Task{Op: TaskLocalLoad, Kind: descriptor.StackFloat, Index: loadVarIndex(op, inst, classfile.OpFLoad, classfile.OpFLoad0)}, nil
	case classfile.OpDLoad, classfile.OpDLoad0, classfile.OpDLoad1, classfile.OpDLoad2, classfile.OpDLoad3:
		return Task{Op: TaskLocalLoad, Kind: descriptor.StackDouble, Index: loadVarIndex(op, inst, classfile.OpDLoad, classfile.OpDLoad0)}, nil
	case classfile.OpALoad, classfile.OpALoad0, classfile.OpALoad1, classfile.OpALoad2, classfile.OpALoad3:
		return Task{Op: TaskLocalLoad, Kind: descriptor.StackReference, Index: loadVarIndex(op, inst, classfile.OpALoad, classfile.OpALoad0)}, nil

	case classfile.OpIStore, classfile.OpIStore0, classfile.OpIStore1, classfile.OpIStore2, classfile.OpIStore3:
		return Task{Op: TaskLocalStore, Kind: descriptor.StackInt, Index: loadVarIndex(op, inst, classfile.OpIStore, classfile.OpIStore0)}, nil
	case classfile.OpLStore, classfile.OpLStore0, classfile.OpLStore1, classfile.OpLStore2, classfile.OpLStore3:
		return Task{Op: TaskLocalStore, Kind: descriptor.StackLong, Index: loadVarIndex(op, inst, classfile.OpLStore, classfile.OpLStore0)}, nil
	case classfile.OpFStore, classfile.OpFStore0, classfile.OpFStore1, classfile.OpFStore2, classfile.OpFStore3:
		return Task{Op: TaskLocalStore, Kind: descriptor.StackFloat, Index: loadVarIndex(op, inst, classfile.OpFStore, classfile.OpFStore0)}, nil
	case classfile.OpDStore, classfile.OpDStore0, classfile.OpDStore1, classfile.OpDStore2, classfile.OpDStore3:
		return Task{Op: TaskLocalStore, Kind: descriptor.StackDouble, Index: loadVarIndex(op, inst, classfile.OpDStore, classfile.OpDStore0)}, nil
	case classfile.OpAStore, classfile.OpAStore0, classfile.OpAStore1, classfile.OpAStore2, classfile.OpAStore3:
		return Task{Op: TaskLocalStore, Kind: descriptor.StackReference, Index: loadVarIndex(op, inst, classfile.OpAStore, classfile.OpAStore0)}, nil

	case classfile.OpIALoad:
		return Task{Op: TaskArrayLoad, ArrayElemKind: descriptor.Int}, nil
	case classfile.OpLALoad:
		return Task{Op: TaskArrayLoad, ArrayElemKind: descriptor.Long}, nil
	case classfile.OpFALoad:
		return Task{Op: TaskArrayLoad, ArrayElemKind: descriptor.Float}, nil
	case classfile.OpDALoad:
		return Task{Op: TaskArrayLoad, ArrayElemKind: descriptor.Double}, nil
	case classfile.OpAALoad:
		return Task{Op: TaskArrayLoad, ArrayElemKind: descriptor.Reference}, nil
	case classfile.OpBALoad:
		return Task{Op: TaskArrayLoad, ArrayElemKind: descriptor.Byte}, nil
	case classfile.OpCALoad:
		return Task{Op: TaskArrayLoad, ArrayElemKind: descriptor.Char}, nil
	case classfile.OpSALoad:
		return Task{Op: TaskArrayLoad, ArrayElemKind: descriptor.Short}, nil

	case classfile.OpIAStore:
		return Task{Op: TaskArrayStore, ArrayElemKind: descriptor.Int}, nil
	case classfile.OpLAStore:
		return Task{Op: TaskArrayStore, ArrayElemKind: descriptor.Long}, nil
	case classfile.OpFAStore:
		return Task{Op: TaskArrayStore, ArrayElemKind: descriptor.Float}, nil
	case classfile.OpDAStore:
		return Task{Op: TaskArrayStore, ArrayElemKind: descriptor.Double}, nil
	case classfile.OpAAStore:
		return Task{Op: TaskArrayStore, ArrayElemKind: descriptor.Reference}, nil
	case classfile.OpBAStore:
		return Task{Op: TaskArrayStore, ArrayElemKind: descriptor.Byte}, nil
	case classfile.OpCAStore:
		return Task{Op: TaskArrayStore, ArrayElemKind: descriptor.Char}, nil
	case classfile.OpSAStore:
		return Task{Op: TaskArrayStore, ArrayElemKind: descriptor.Short}, nil

	case classfile.OpPop:
		return Task{Op: TaskStack, StackVariant: StackPop}, nil
	case classfile.OpPop2:
		return Task{Op: TaskStack, StackVariant: StackPop2}, nil
	case classfile.OpDup:
		return Task{Op: TaskStack, StackVariant: StackDup}, nil
	case classfile.OpDupX1:
		return Task{Op: TaskStack, StackVariant: StackDupX1}, nil
	case classfile.OpDupX2:
		return Task{Op: TaskStack, StackVariant: StackDupX2}, nil
	case classfile.OpDup2:
		return Task{Op: TaskStack, StackVariant: StackDup2}, nil
	case classfile.OpDup2X1:
		return Task{Op: TaskStack, StackVariant: StackDup2X1}, nil
	case classfile.OpDup2X2:
		return Task{Op: TaskStack, StackVariant: StackDup2X2}, nil
	case classfile.OpSwap:
		return Task{Op: TaskStack, StackVariant: StackSwap}, nil

	case classfile.OpIAdd, classfile.OpLAdd, classfile.OpFAdd, classfile.OpDAdd,
		classfile.OpISub, classfile.OpLSub, classfile.OpFSub, classfile.OpDSub,
		classfile.OpIMul, classfile.OpLMul, classfile.OpFMul, classfile.OpDMul,
		classfile.OpIDiv, classfile.OpLDiv, classfile.OpFDiv, classfile.OpDDiv,
		classfile.OpIRem, classfile.OpLRem, classfile.OpFRem, classfile.OpDRem,
		classfile.OpINeg, classfile.OpLNeg, classfile.OpFNeg, classfile.OpDNeg,
		classfile.OpIShl, classfile.OpLShl, classfile.OpIShr, classfile.OpLShr,
		classfile.OpIUshr, classfile.OpLUshr,
		classfile.OpIAnd, classfile.OpLAnd, classfile.OpIOr, classfile.OpLOr,
		classfile.OpIXor, classfile.OpLXor,
		classfile.OpLCmp, classfile.OpFCmpL, classfile.OpFCmpG, classfile.OpDCmpL, classfile.OpDCmpG,
		classfile.OpI2L, classfile.OpI2F, classfile.OpI2D, classfile.OpL2I, classfile.OpL2F, classfile.OpL2D,
		classfile.OpF2I, classfile.OpF2L, classfile.OpF2D, classfile.OpD2I, classfile.OpD2L, classfile.OpD2F,
		classfile.OpI2B, classfile.OpI2C, classfile.OpI2S:
		kind := descriptor.StackInt
		switch op {
		case classfile.OpLAdd, classfile.OpLSub, classfile.OpLMul, classfile.OpLDiv, classfile.OpLRem, classfile.OpLNeg,
			classfile.OpLShl, classfile.OpLShr, classfile.OpLUshr, classfile.OpLAnd, classfile.OpLOr, classfile.OpLXor,
			classfile.OpLCmp, classfile.OpL2I, classfile.OpL2F, classfile.OpL2D:
			kind = descriptor.StackLong
		case classfile.OpFAdd, classfile.OpFSub, classfile.OpFMul, classfile.OpFDiv, classfile.OpFRem, classfile.OpFNeg,
			classfile.OpFCmpL, classfile.OpFCmpG, classfile.OpF2I, classfile.OpF2L, classfile.OpF2D:
			kind = descriptor.StackFloat
		case classfile.OpDAdd, classfile.OpDSub, classfile.OpDMul, classfile.OpDDiv, classfile.OpDRem, classfile.OpDNeg,
			classfile.OpDCmpL, classfile.OpDCmpG, classfile.OpD2I, classfile.OpD2L, classfile.OpD2F:
			kind = descriptor.StackDouble
		}
		return Task{Op: TaskCombine, Kind: kind, CombineOp: op}, nil

	case classfile.OpIInc:
		return Task{Op: TaskIncrement, Index: inst.VarIndex, Delta: int(inst.IntOperand)}, nil

	case classfile.OpIfEq, classfile.OpIfNe, classfile.OpIfLt, classfile.OpIfGe, classfile.OpIfGt, classfile.OpIfLe,
		classfile.OpIfICmpEq, classfile.OpIfICmpNe, classfile.OpIfICmpLt, classfile.OpIfICmpGe, classfile.OpIfICmpGt, classfile.OpIfICmpLe,
		classfile.OpIfACmpEq, classfile.OpIfACmpNe, classfile.OpIfNull, classfile.OpIfNonNull:
		return Task{Op: TaskJump, JumpCond: jumpCondFor(op), Target: inst.BranchTarget}, nil

	case classfile.OpGoto, classfile.OpGotoW, classfile.OpJsr, classfile.OpJsrW:
		return Task{Op: TaskJump, JumpCond: JumpAlways, Target: inst.BranchTarget}, nil

	case classfile.OpTableSwitch:
		return Task{Op: TaskSwitchTable, SwitchDefault: inst.Default, SwitchLow: inst.Low, SwitchHigh: inst.High, SwitchTable: inst.Table}, nil
	case classfile.OpLookupSwitch:
		return Task{Op: TaskSwitchTable, SwitchDefault: inst.Default, SwitchCases: inst.Matches}, nil

	case classfile.OpIReturn:
		return Task{Op: TaskReturn, Kind: descriptor.StackInt, HasValue: true}, nil
	case classfile.OpLReturn:
		return Task{Op: TaskReturn, Kind: descriptor.StackLong, HasValue: true}, nil
	case classfile.OpFReturn:
		return Task{Op: TaskReturn, Kind: descriptor.StackFloat, HasValue: true}, nil
	case classfile.OpDReturn:
		return Task{Op: TaskReturn, Kind: descriptor.StackDouble, HasValue: true}, nil
	case classfile.OpAReturn:
		return Task{Op: TaskReturn, Kind: descriptor.StackReference, HasValue: true}, nil
	case classfile.OpReturn:
		return Task{Op: TaskReturn}, nil

	case classfile.OpGetStatic, classfile.OpPutStatic, classfile.OpGetField, classfile.OpPutField:
		return compileFieldAccess(op, inst.ConstIndex, pool)

	case classfile.OpInvokeVirtual, classfile.OpInvokeSpecial, classfile.OpInvokeStatic, classfile.OpInvokeInterface:
		return compileInvoke(op, inst.ConstIndex, pool)

	case classfile.OpInvokeDynamic:
		// §9 Open Question (ii), resolved: invokedynamic is an explicit
		// link-time failure rather than an unimplemented placeholder.
		return Task{}, vmerr.New(vmerr.Linkage, "invokedynamic is not resolvable by this VM")

	case classfile.OpNew:
		name, err := pool.ClassName(inst.ConstIndex)
		if err != nil {
			return Task{}, err
		}
		return Task{Op: TaskNew, ClassRef: name}, nil

	case classfile.OpNewArray:
		return Task{Op: TaskArrayCreate, ArrayElemKind: primitiveKindForAType(inst.IntOperand)}, nil

	case classfile.OpANewArray:
		name, err := pool.ClassName(inst.ConstIndex)
		if err != nil {
			return Task{}, err
		}
		return Task{Op: TaskArrayCreateRef, ClassRef: name}, nil

	case classfile.OpMultiANewArray:
		name, err := pool.ClassName(inst.ConstIndex)
		if err != nil {
			return Task{}, err
		}
		return Task{Op: TaskMultiArrayCreate, ClassRef: name, ArrayDimension: inst.Dimensions}, nil

	case classfile.OpArrayLength:
		return Task{Op: TaskArrayLength}, nil

	case classfile.OpCheckCast:
		name, err := pool.ClassName(inst.ConstIndex)
		if err != nil {
			return Task{}, err
		}
		return Task{Op: TaskCheckCast, ClassRef: name}, nil

	case classfile.OpInstanceOf:
		name, err := pool.ClassName(inst.ConstIndex)
		if err != nil {
			return Task{}, err
		}
		return Task{Op: TaskInstanceOf, ClassRef: name}, nil

	case classfile.OpAThrow, classfile.OpMonitorEnter, classfile.OpMonitorExit, classfile.OpRet, classfile.OpWide:
		// Exception unwinding and monitors are explicit non-goals (§1);
		// `ret`/`wide` are artifacts of a jsr-based compiler this VM
		// never emits its own tasks for, since goto/jsr already resolve
		// to instruction-index jump targets at decode time.
		return Task{}, vmerr.Newf(vmerr.Linkage, "opcode %#x has no task translation in this VM", byte(op))

	default:
		return Task{}, vmerr.Newf(vmerr.ClassParse, "unrecognized opcode %#x during task compilation", byte(op))
	}
}

func loadVarIndex(op classfile.Opcode, inst classfile.Inst, explicitOp, shortOp0 classfile.Opcode) int {
	if op == explicitOp {
		return inst.VarIndex
	}
	return int(op - shortOp0)
}

func jumpCondFor(op classfile.Opcode) JumpCond {
	switch op {
	case classfile.OpIfEq:
		return JumpEq
	case classfile.OpIfNe:
		return JumpNe
	case classfile.OpIfLt:
		return JumpLt
	case classfile.OpIfGe:
		return JumpGe
	case classfile.OpIfGt:
		return JumpGt
	case classfile.OpIfLe:
		return JumpLe
	case classfile.OpIfICmpEq:
		return JumpICmpEq
	case classfile.OpIfICmpNe:
		return JumpICmpNe
	case classfile.OpIfICmpLt:
		return JumpICmpLt
	case classfile.OpIfICmpGe:
		return JumpICmpGe
	case classfile.OpIfICmpGt:
		return JumpICmpGt
	case classfile.OpIfICmpLe:
		return JumpICmpLe
	case classfile.OpIfACmpEq:
		return JumpACmpEq
	case classfile.OpIfACmpNe:
		return JumpACmpNe
	case classfile.OpIfNull:
		return JumpNull
	case classfile.OpIfNonNull:
		return JumpNonNull
	default:
		panic("interpreter: not a branch opcode")
	}
}

func primitiveKindForAType(atype int32) descriptor.Kind {
	switch atype {
	case classfile.ATypeBoolean:
		return descriptor.Boolean
	case classfile.ATypeChar:
		return descriptor.Char
	case classfile.ATypeFloat:
		return descriptor.Float
	case classfile.ATypeDouble:
		return descriptor.Double
	case classfile.ATypeByte:
		return descriptor.Byte
	case classfile.ATypeShort:
		return descriptor.Short
	case classfile.ATypeInt:
		return descriptor.Int
	case classfile.ATypeLong:
		return descriptor.Long
	default:
		panic(fmt.Sprintf("interpreter: unknown newarray atype %d", atype))
	}
}

func compileFieldAccess(op classfile.Opcode, index uint16, pool *classfile.ConstantPool) (Task, error) {
	sym, err := pool.Fieldref(index)
	if err != nil {
		return Task{}, err
	}
	ty, n, err := descriptor.ParseType(sym.Descriptor)
	if err != nil || n != len(sym.Descriptor) {
		return Task{}, fmt.Errorf("interpreter: field %s.%s has invalid descriptor %q", sym.ClassName, sym.Name, sym.Descriptor)
	}
	isStatic := op == classfile.OpGetStatic || op == classfile.OpPutStatic
	isGet := op == classfile.OpGetStatic || op == classfile.OpGetField
	t := Task{
		ClassRef:      sym.ClassName,
		FieldName:     sym.Name,
		FieldKind:     ty.Kind(),
		FieldIsStatic: isStatic,
	}
	if isGet {
		t.Op = TaskFieldGet
	} else {
		t.Op = TaskFieldPut
	}
	return t, nil
}

func compileInvoke(op classfile.Opcode, index uint16, pool *classfile.ConstantPool) (Task, error) {
	var sym classfile.RefSymbol
	var err error
	var kind CallKind
	switch op {
	case classfile.OpInvokeVirtual:
		sym, err = pool.Methodref(index)
		kind = CallVirtual
	case classfile.OpInvokeSpecial:
		sym, err = pool.Methodref(index)
		kind = CallSpecial
	case classfile.OpInvokeStatic:
		sym, err = pool.Methodref(index)
		kind = CallStatic
	case classfile.OpInvokeInterface:
		sym, err = pool.InterfaceMethodref(index)
		kind = CallInterface
	}
	if err != nil {
		return Task{}, err
	}
	return Task{
		Op:       TaskCall,
		ClassRef: sym.ClassName,
		MethodId: classloader.MethodIdentifier{Name: sym.Name, Descriptor: sym.Descriptor},
		CallKind: kind,
	}, nil
}

func compileLdc(index uint16, pool *classfile.ConstantPool) (Task, error) {
	tag, err := pool.TagAt(index)
	if err != nil {
		return Task{}, err
	}
	switch tag {
	case classfile.TagInteger:
		v, err := pool.IntegerAt(index)
		if err != nil {
			return Task{}, err
		}
		return Task{Op: TaskConst, Kind: descriptor.StackInt, ConstBits: int64(v)}, nil
	case classfile.TagFloat:
		v, err := pool.FloatAt(index)
		if err != nil {
			return Task{}, err
		}
		return Task{Op: TaskConst, Kind: descriptor.StackFloat, ConstBits: int64(math.Float32bits(v))}, nil
	case classfile.TagString:
		s, err := pool.StringValue(index)
		if err != nil {
			return Task{}, err
		}
		return Task{Op: TaskConst, Kind: descriptor.StackReference, ConstIsRef: true, ConstString: s}, nil
	case classfile.TagClass:
		name, err := pool.ClassName(index)
		if err != nil {
			return Task{}, err
		}
		return Task{Op: TaskConst, Kind: descriptor.StackReference, ConstIsRef: true, ConstClass: name}, nil
	default:
		return Task{}, fmt.Errorf("interpreter: ldc of unsupported constant tag %d", tag)
	}
}

func compileLdc2(index uint16, pool *classfile.ConstantPool) (Task, error) {
	tag, err := pool.TagAt(index)
	if err != nil {
		return Task{}, err
	}
	switch tag {
	case classfile.TagLong:
		v, err := pool.LongAt(index)
		if err != nil {
			return Task{}, err
		}
		return Task{Op: TaskConst, Kind: descriptor.StackLong, ConstBits: v}, nil
	case classfile.TagDouble:
		v, err := pool.DoubleAt(index)
		if err != nil {
			return Task{}, err
		}
		return Task{Op: TaskConst, Kind: descriptor.StackDouble, ConstBits: int64(math.Float64bits(v))}, nil
	default:
		return Task{}, fmt.Errorf("interpreter: ldc2_w of unsupported constant tag %d", tag)
	}
}
