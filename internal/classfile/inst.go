package classfile

// Inst is one decoded bytecode instruction. Only the operand fields
// relevant to Op are populated; the rest are zero.
type Inst struct {
	Op Opcode

	IntOperand int32 // bipush/sipush immediate, iinc delta, newarray atype
	VarIndex   int   // local variable index (load/store/iinc/ret)
	ConstIndex uint16 // constant pool index (ldc*, field/method refs, new, checkcast, instanceof)

	// BranchTarget and the switch tables below are absolute instruction
	// indexes, rewritten from the raw byte-relative form by the decoder's
	// second pass (§4.1).
	BranchTarget int

	Default int
	Low     int32
	High    int32
	Table   []int // tableswitch: Table[v-Low] is the jump target

	Matches []SwitchCase // lookupswitch, sorted by Key

	Dimensions int // multianewarray dimension count
}

// SwitchCase is one (key, target) pair of a lookupswitch.
type SwitchCase struct {
	Key    int32
	Target int
}
