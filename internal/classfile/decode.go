package classfile

import "fmt"

// rawInst pairs a decoded instruction with the byte offset it started at,
// before jump offsets have been rewritten to absolute instruction
// indexes.
type rawInst struct {
	byteOffset int
	inst       Inst
	// for branch/switch instructions, the raw byte-relative offset(s) as
	// read from the stream, resolved to byte targets (byteOffset + delta)
	// and rewritten to instruction indices in the second pass.
	byteBranchTargets []int // parallel to how the instruction consumes them
}

// decodeInstructions decodes a raw bytecode stream into an instruction
// index-addressed slice. Per §4.1, raw jump offsets are byte-relative; this
// function builds a byte-offset -> instruction-index map in a first pass
// and rewrites every jump/switch target to an absolute instruction index
// in a second pass. An unrecognized opcode aborts decoding (ClassParseError).
func decodeInstructions(code []byte) ([]Inst, error) {
	raws, err := decodeFirstPass(code)
	if err != nil {
		return nil, err
	}

	byteToIndex := make(map[int]int, len(raws))
	for i, r := range raws {
		byteToIndex[r.byteOffset] = i
	}
	resolve := func(byteTarget int) (int, error) {
		idx, ok := byteToIndex[byteTarget]
		if !ok {
			return 0, fmt.Errorf("classfile: jump target at byte offset %d does not land on an instruction boundary", byteTarget)
		}
		return idx, nil
	}

	insts := make([]Inst, len(raws))
	for i, r := range raws {
		inst := r.inst
		switch inst.Op {
		case OpIfEq, OpIfNe, OpIfLt, OpIfGe, OpIfGt, OpIfLe,
			OpIfICmpEq, OpIfICmpNe, OpIfICmpLt, OpIfICmpGe, OpIfICmpGt, OpIfICmpLe,
			OpIfACmpEq, OpIfACmpNe, OpGoto, OpGotoW, OpJsr, OpJsrW, OpIfNull, OpIfNonNull:
			idx, err := resolve(r.byteBranchTargets[0])
			if err != nil {
				return nil, err
			}
			inst.BranchTarget = idx
		case OpTableSwitch:
			defIdx, err := resolve(r.byteBranchTargets[0])
			if err != nil {
				return nil, err
			}
			inst.Default = defIdx
			table := make([]int, len(inst.Table))
			for j, byteTarget := range r.byteBranchTargets[1:] {
				idx, err := resolve(byteTarget)
				if err != nil {
					return nil, err
				}
				table[j] = idx
			}
			inst.Table = table
		case OpLookupSwitch:
			defIdx, err := resolve(r.byteBranchTargets[0])
			if err != nil {
				return nil, err
			}
			inst.Default = defIdx
			matches := make([]SwitchCase, len(inst.Matches))
			for j, byteTarget := range r.byteBranchTargets[1:] {
				idx, err := resolve(byteTarget)
				if err != nil {
					return nil, err
				}
				matches[j] = SwitchCase{Key: inst.Matches[j].Key, Target: idx}
			}
			inst.Matches = matches
		}
		insts[i] = inst
	}
	return insts, nil
}

func decodeFirstPass(code []byte) ([]rawInst, error) {
	var raws []rawInst
	pos := 0
	for pos < len(code) {
		start := pos
		op := Opcode(code[pos])
		pos++
		var inst Inst
		inst.Op = op
		var byteTargets []int

		readU1 := func() (byte, error) {
			if pos >= len(code) {
				return 0, fmt.Errorf("classfile: truncated instruction at offset %d", start)
			}
			b := code[pos]
			pos++
			return b, nil
		}
		readI8 := func() (int8, error) { b, err := readU1(); return int8(b), err }
		readU2 := func() (uint16, error) {
			if pos+2 > len(code) {
				return 0, fmt.Errorf("classfile: truncated instruction at offset %d", start)
			}
			v := uint16(code[pos])<<8 | uint16(code[pos+1])
			pos += 2
			return v, nil
		}
		readI16 := func() (int16, error) { v, err := readU2(); return int16(v), err }
		readI32 := func() (int32, error) {
			if pos+4 > len(code) {
				return 0, fmt.Errorf("classfile: truncated instruction at offset %d", start)
			}
			v := int32(code[pos])<<24 | int32(code[pos+1])<<16 | int32(code[pos+2])<<8 | int32(code[pos+3])
			pos += 4
			return v, nil
		}

		switch op {
		case OpNop, OpAConstNull,
			OpIConstM1, OpIConst0, OpIConst1, OpIConst2, OpIConst3, OpIConst4, OpIConst5,
			OpLConst0, OpLConst1, OpFConst0, OpFConst1, OpFConst2, OpDConst0, OpDConst1,
			OpILoad0, OpILoad1, OpILoad2, OpILoad3,
			OpLLoad0, OpLLoad1, OpLLoad2, OpLLoad3,
			OpFLoad0, OpFLoad1, OpFLoad2, OpFLoad3,
			OpDLoad0, OpDLoad1, OpDLoad2, OpDLoad3,
			OpALoad0, OpALoad1, OpALoad2, OpALoad3,
			OpIALoad, OpLALoad, OpFALoad, OpDALoad, OpAALoad, OpBALoad, OpCALoad, OpSALoad,
			OpIStore0, OpIStore1, OpIStore2, OpIStore3,
			OpLStore0, OpLStore1, OpLStore2, OpLStore3,
			OpFStore0, OpFStore1, OpFStore2, OpFStore3,
			OpDStore0, OpDStore1, OpDStore2, OpDStore3,
			OpAStore0, OpAStore1, OpAStore2, OpAStore3,
			OpIAStore, OpLAStore, OpFAStore, OpDAStore, OpAAStore, OpBAStore, OpCAStore, OpSAStore,
			OpPop, OpPop2, OpDup, OpDupX1, OpDupX2, OpDup2, OpDup2X1, OpDup2X2, OpSwap,
			OpIAdd, OpLAdd, OpFAdd, OpDAdd, OpISub, OpLSub, OpFSub, OpDSub,
			OpIMul, OpLMul, OpFMul, OpDMul, OpIDiv, OpLDiv, OpFDiv, OpDDiv,
			OpIRem, OpLRem, OpFRem, OpDRem, OpINeg, OpLNeg, OpFNeg, OpDNeg,
			OpIShl, OpLShl, OpIShr, OpLShr, OpIUshr, OpLUshr, OpIAnd, OpLAnd, OpIOr, OpLOr, OpIXor, OpLXor,
			OpI2L, OpI2F, OpI2D, OpL2I, OpL2F, OpL2D, OpF2I, OpF2L, OpF2D, OpD2I, OpD2L, OpD2F,
			OpI2B, OpI2C, OpI2S,
			OpLCmp, OpFCmpL, OpFCmpG, OpDCmpL, OpDCmpG,
			OpIReturn, OpLReturn, OpFReturn, OpDReturn, OpAReturn, OpReturn,
			OpArrayLength, OpAThrow, OpMonitorEnter, OpMonitorExit:
			// no operands

		case OpBIPush:
			v, err := readI8()
			if err != nil {
				return nil, err
			}
			inst.IntOperand = int32(v)
		case OpSIPush:
			v, err := readI16()
			if err != nil {
				return nil, err
			}
			inst.IntOperand = int32(v)
		case OpLdc:
			v, err := readU1()
			if err != nil {
				return nil, err
			}
			inst.ConstIndex = uint16(v)
		case OpLdcW, OpLdc2W:
			v, err := readU2()
			if err != nil {
				return nil, err
			}
			inst.ConstIndex = v
		case OpILoad, OpLLoad, OpFLoad, OpDLoad, OpALoad,
			OpIStore, OpLStore, OpFStore, OpDStore, OpAStore, OpRet:
			v, err := readU1()
			if err != nil {
				return nil, err
			}
			inst.VarIndex = int(v)
		case OpIInc:
			idx, err := readU1()
			if err != nil {
				return nil, err
			}
			delta, err := readI8()
			if err != nil {
				return nil, err
			}
			inst.VarIndex = int(idx)
			inst.IntOperand = int32(delta)
		case OpIfEq, OpIfNe, OpIfLt, OpIfGe, OpIfGt, OpIfLe,
			OpIfICmpEq, OpIfICmpNe, OpIfICmpLt, OpIfICmpGe, OpIfICmpGt, OpIfICmpLe,
			OpIfACmpEq, OpIfACmpNe, OpGoto, OpJsr, OpIfNull, OpIfNonNull:
			v, err := readI16()
			if err != nil {
				return nil, err
			}
			byteTargets = append(byteTargets, start+int(v))
		case OpGotoW, OpJsrW:
			v, err := readI32()
			if err != nil {
				return nil, err
			}
			byteTargets = append(byteTargets, start+int(v))
		case OpTableSwitch:
			// padding to next 4-byte boundary relative to the start of the code array
			for pos%4 != 0 {
				if _, err := readU1(); err != nil {
					return nil, err
				}
			}
			def, err := readI32()
			if err != nil {
				return nil, err
			}
			low, err := readI32()
			if err != nil {
				return nil, err
			}
			high, err := readI32()
			if err != nil {
				return nil, err
			}
			if high < low {
				return nil, fmt.Errorf("classfile: tableswitch at %d has high(%d) < low(%d)", start, high, low)
			}
			inst.Low, inst.High = low, high
			n := int(high-low) + 1
			inst.Table = make([]int, n)
			byteTargets = append(byteTargets, start+int(def))
			for i := 0; i < n; i++ {
				off, err := readI32()
				if err != nil {
					return nil, err
				}
				byteTargets = append(byteTargets, start+int(off))
			}
		case OpLookupSwitch:
			for pos%4 != 0 {
				if _, err := readU1(); err != nil {
					return nil, err
				}
			}
			def, err := readI32()
			if err != nil {
				return nil, err
			}
			npairs, err := readI32()
			if err != nil {
				return nil, err
			}
			if npairs < 0 {
				return nil, fmt.Errorf("classfile: lookupswitch at %d has negative npairs", start)
			}
			inst.Matches = make([]SwitchCase, npairs)
			byteTargets = append(byteTargets, start+int(def))
			for i := int32(0); i < npairs; i++ {
				key, err := readI32()
				if err != nil {
					return nil, err
				}
				off, err := readI32()
				if err != nil {
					return nil, err
				}
				inst.Matches[i].Key = key
				byteTargets = append(byteTargets, start+int(off))
			}
		case OpGetStatic, OpPutStatic, OpGetField, OpPutField,
			OpInvokeVirtual, OpInvokeSpecial, OpInvokeStatic,
			OpNew, OpCheckCast, OpInstanceOf, OpANewArray:
			v, err := readU2()
			if err != nil {
				return nil, err
			}
			inst.ConstIndex = v
		case OpInvokeInterface:
			v, err := readU2()
			if err != nil {
				return nil, err
			}
			if _, err := readU1(); err != nil { // count, historical
				return nil, err
			}
			if _, err := readU1(); err != nil { // must be zero
				return nil, err
			}
			inst.ConstIndex = v
		case OpInvokeDynamic:
			v, err := readU2()
			if err != nil {
				return nil, err
			}
			if _, err := readU2(); err != nil { // two reserved zero bytes
				return nil, err
			}
			inst.ConstIndex = v
		case OpNewArray:
			v, err := readU1()
			if err != nil {
				return nil, err
			}
			inst.IntOperand = int32(v)
		case OpMultiANewArray:
			v, err := readU2()
			if err != nil {
				return nil, err
			}
			dims, err := readU1()
			if err != nil {
				return nil, err
			}
			inst.ConstIndex = v
			inst.Dimensions = int(dims)
		case OpWide:
			modified, err := readU1()
			if err != nil {
				return nil, err
			}
			switch Opcode(modified) {
			case OpIInc:
				idx, err := readU2()
				if err != nil {
					return nil, err
				}
				delta, err := readI16()
				if err != nil {
					return nil, err
				}
				inst.Op = OpIInc
				inst.VarIndex = int(idx)
				inst.IntOperand = int32(delta)
			default:
				idx, err := readU2()
				if err != nil {
					return nil, err
				}
				inst.Op = Opcode(modified)
				inst.VarIndex = int(idx)
			}
		default:
			return nil, fmt.Errorf("classfile: unrecognized opcode 0x%02X at offset %d", byte(op), start)
		}

		raws = append(raws, rawInst{byteOffset: start, inst: inst, byteBranchTargets: byteTargets})
	}
	return raws, nil
}
