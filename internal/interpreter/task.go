// Package interpreter implements §4.5: compiling a method's bytecode
// into a Task IR on first call, and the dispatch loop that executes it.
package interpreter

import (
	"jvmgo/internal/classfile"
	"jvmgo/internal/classloader"
	"jvmgo/internal/descriptor"
)

// TaskOp discriminates the IR forms listed in §4.5's "Task form".
type TaskOp int

const (
	TaskNop TaskOp = iota
	TaskConst
	TaskCombine
	TaskLocalLoad
	TaskLocalStore
	TaskIncrement
	TaskReturn
	TaskJump
	TaskCall
	TaskStack
	TaskNew
	TaskFieldGet
	TaskFieldPut
	TaskArrayLength
	TaskArrayCreate
	TaskArrayCreateRef
	TaskArrayLoad
	TaskArrayStore
	TaskSwitchTable
	TaskCheckCast
	TaskInstanceOf
	TaskMultiArrayCreate
)

// CallKind distinguishes the four invoke* dispatch disciplines §4.5
// describes.
type CallKind int

const (
	CallVirtual CallKind = iota
	CallStatic
	CallSpecial
	CallInterface
)

// StackVariant names one of the §4.1 stack-manipulation opcodes; the
// interpreter, not the frame, is where category-aware dup2* variants are
// decided (§9 "operand stack values... a sum type").
type StackVariant int

const (
	StackPop StackVariant = iota
	StackPop2
	StackDup
	StackDupX1
	StackDupX2
	StackDup2
	StackDup2X1
	StackDup2X2
	StackSwap
)

// JumpCond names the branch family a TaskJump performs; JumpAlways
// covers goto/jsr.
type JumpCond int

const (
	JumpAlways JumpCond = iota
	JumpEq
	JumpNe
	JumpLt
	JumpGe
	JumpGt
	JumpLe
	JumpICmpEq
	JumpICmpNe
	JumpICmpLt
	JumpICmpGe
	JumpICmpGt
	JumpICmpLe
	JumpACmpEq
	JumpACmpNe
	JumpNull
	JumpNonNull
)

// Task is one compiled instruction. Only the fields relevant to Op are
// populated, mirroring classfile.Inst's own sparse layout.
type Task struct {
	Op Op

	Kind     descriptor.StackKind // Const/Combine/Local*/Return operand kind
	HasValue bool                 // TaskReturn: false for `return`, true for every *return opcode

	CombineOp classfile.Opcode // which arithmetic/conversion/compare opcode, for TaskCombine

	Index int // local variable index, TaskLocalLoad/Store/Increment
	Delta int // TaskIncrement

	ConstBits   int64  // TaskConst: raw bits (sign/zero-extended as appropriate)
	ConstIsRef  bool   // TaskConst: true for aconst_null and for ldc of a String or Class constant (ConstBits unused)
	ConstString string // TaskConst: ldc of a String constant; "" with ConstClass "" and ConstIsRef true means aconst_null
	ConstClass  string // TaskConst: ldc of a Class constant (binary name of the mirrored class)

	JumpCond JumpCond
	Target   int // absolute task index (Task list is built 1:1 with Insts)

	ClassRef string // binary name: TaskNew/ArrayCreateRef/Call owner/CheckCast/InstanceOf/Field owner
	MethodId classloader.MethodIdentifier
	CallKind CallKind

	FieldName     string
	FieldKind     descriptor.Kind
	FieldIsStatic bool

	StackVariant StackVariant

	ArrayElemKind  descriptor.Kind // primitive newarray / array load-store element kind
	ArrayDimension int             // TaskMultiArrayCreate

	SwitchDefault int
	SwitchLow     int32
	SwitchHigh    int32
	SwitchTable   []int
	SwitchCases   []classfile.SwitchCase
}

// Op is an alias kept distinct from classfile.Opcode so task dumps read
// as IR, not raw bytecode.
type Op = TaskOp

// TaskList is the per-method compiled form, cached for the process
// lifetime on first call (§3 Lifecycle).
type TaskList struct {
	Tasks     []Task
	MaxLocals int
	MaxStack  int
}
