// Package jit is the hot-method compilation contract: a call-count
// profiler decides when a method is "hot," and CompileHot renders its
// compiled Task IR as an LLVM IR function for inspection
// (`jvmgo dump --llvm`). Nothing here is ever invoked by the
// interpreter — a method that crosses the hot threshold keeps running
// on internal/interpreter exactly as before; CompileHot only has to
// honor the same class and method contracts the interpreter does.
package jit

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/float"

	"jvmgo/internal/classfile"
	"jvmgo/internal/classloader"
	"jvmgo/internal/descriptor"
	"jvmgo/internal/interpreter"
	"jvmgo/internal/vmerr"
)

// HotCallThreshold is the invocation count at which RecordCall reports a
// method ready for CompileHot.
const HotCallThreshold = 1000

// Profiler counts per-method invocations. One Profiler is shared by
// every Thread in a process, so its counts are mutex-guarded rather than
// per-thread.
type Profiler struct {
	mu     sync.Mutex
	counts map[classloader.MethodIdentifier]int
}

func NewProfiler() *Profiler {
	return &Profiler{counts: make(map[classloader.MethodIdentifier]int)}
}

// RecordCall increments m's call count and reports whether this call is
// the one that crossed HotCallThreshold (so the caller compiles it
// exactly once, not on every call after).
func (p *Profiler) RecordCall(m *classloader.Method) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[m.Id]++
	return p.counts[m.Id] == HotCallThreshold
}

// Compiler pairs a Profiler with CompileHot, the way the interpreter's
// call site would use it: record the call, and if it just went hot,
// compile it for inspection.
type Compiler struct {
	Profiler *Profiler
}

func NewCompiler(profiler *Profiler) *Compiler {
	return &Compiler{Profiler: profiler}
}

// MaybeCompile records one call to m and, if it just crossed
// HotCallThreshold, returns its compiled form. Returns (nil, false, nil)
// on every call that isn't the crossing one.
func (c *Compiler) MaybeCompile(m *classloader.Method, tasks []interpreter.Task) (*CompiledFunction, bool, error) {
	if !c.Profiler.RecordCall(m) {
		return nil, false, nil
	}
	fn, err := CompileHot(m, tasks)
	return fn, true, err
}

// CompiledFunction is the artifact CompileHot produces: an LLVM IR
// module holding exactly one function, plus the exact double/float
// literals it folded in (kept as display text alongside the module,
// since LLVM constants themselves carry no metadata).
type CompiledFunction struct {
	Method        *classloader.Method
	Module        *ir.Module
	FloatLiterals []string
}

// String renders the module's textual LLVM IR, what `jvmgo dump --llvm`
// prints.
func (c *CompiledFunction) String() string {
	return c.Module.String()
}

// CompileHot builds an LLVM IR function mirroring method's descriptor
// signature and straight-line body. It supports the subset of Task IR
// with no control flow of its own (arithmetic, local load/store/iinc,
// return) — the same "simple loop body" shape the teacher's template
// matcher looked for, generalized from a flat bytecode array to the Task
// IR. Any task outside that subset (branches, calls, field/array/object
// access) is reported as a compile error; the method stays interpreted.
func CompileHot(method *classloader.Method, tasks []interpreter.Task) (*CompiledFunction, error) {
	if method.IsNative() || method.IsAbstract() {
		return nil, vmerr.Newf(vmerr.Execution, "jit: %s has no body to compile", methodLabel(method))
	}

	md := method.Descriptor
	retType := types.Void
	if !md.ReturnVoid {
		retType = llvmType(md.Return.Kind().ToStackKind())
	}

	s := &compileState{locals: make(map[int]*localSlot)}

	var params []*ir.Param
	localIdx := 0
	if !method.IsStatic() {
		p := ir.NewParam("this", types.NewPointer(types.I8))
		params = append(params, p)
		s.locals[localIdx] = &localSlot{typ: descriptor.StackReference}
		localIdx++
	}
	for i, pt := range md.Params {
		sk := pt.Kind().ToStackKind()
		p := ir.NewParam(fmt.Sprintf("p%d", i), llvmType(sk))
		params = append(params, p)
		s.locals[localIdx] = &localSlot{typ: sk}
		localIdx += pt.Kind().Category()
	}

	m := ir.NewModule()
	fn := m.NewFunc(mangle(method), retType, params...)
	entry := fn.NewBlock("entry")
	s.fn = fn
	s.block = entry

	// Materialise every parameter's alloca up front and store its
	// incoming value, so TaskLocalLoad/Store see the same local indices
	// Invoke's argument-binding loop does.
	pIdx := 0
	localIdx = 0
	if !method.IsStatic() {
		s.allocaFor(0, descriptor.StackReference)
		entry.NewStore(params[pIdx], s.locals[0].ptr)
		pIdx++
		localIdx++
	}
	for i, pt := range md.Params {
		sk := pt.Kind().ToStackKind()
		s.allocaFor(localIdx, sk)
		entry.NewStore(params[pIdx], s.locals[localIdx].ptr)
		pIdx++
		localIdx += pt.Kind().Category()
		_ = i
	}

	for _, t := range tasks {
		if err := s.emit(t); err != nil {
			return nil, err
		}
	}

	if s.block.Term == nil {
		if md.ReturnVoid {
			s.block.NewRet(nil)
		} else {
			return nil, vmerr.Newf(vmerr.Execution, "jit: %s: task list fell through without a return", methodLabel(method))
		}
	}

	return &CompiledFunction{Method: method, Module: m, FloatLiterals: s.floatLiterals}, nil
}

func methodLabel(m *classloader.Method) string {
	return m.Owner.ObjectType + "." + m.Id.Name + m.Id.Descriptor
}

// mangle turns a binary class name + method identifier into a valid LLVM
// global identifier.
func mangle(m *classloader.Method) string {
	r := strings.NewReplacer("/", "_", ";", "_", "(", "$", ")", "$", "[", "arr", "<", "_", ">", "_")
	return "jvm_" + r.Replace(m.Owner.ObjectType) + "_" + r.Replace(m.Id.Name) + "_" + r.Replace(m.Id.Descriptor)
}

func llvmType(k descriptor.StackKind) types.Type {
	switch k {
	case descriptor.StackInt:
		return types.I32
	case descriptor.StackLong:
		return types.I64
	case descriptor.StackFloat:
		return types.Float
	case descriptor.StackDouble:
		return types.Double
	case descriptor.StackReference:
		return types.NewPointer(types.I8)
	default:
		panic("jit: unknown stack kind")
	}
}

// localSlot is one local-variable slot's alloca, created lazily on first
// access (mirroring how a JVM local's effective type is only known from
// the instructions that touch it, not declared up front).
type localSlot struct {
	typ descriptor.StackKind
	ptr *ir.InstAlloca
}

type compileState struct {
	fn     *ir.Func
	block  *ir.Block
	locals map[int]*localSlot
	stack  []value.Value

	floatLiterals []string
}

func (s *compileState) allocaFor(idx int, k descriptor.StackKind) *ir.InstAlloca {
	slot, ok := s.locals[idx]
	if !ok {
		slot = &localSlot{typ: k}
		s.locals[idx] = slot
	}
	if slot.ptr == nil {
		slot.ptr = s.fn.Blocks[0].NewAlloca(llvmType(slot.typ))
		slot.ptr.SetName(fmt.Sprintf("local%d", idx))
	}
	return slot.ptr
}

func (s *compileState) push(v value.Value) { s.stack = append(s.stack, v) }

func (s *compileState) pop() (value.Value, error) {
	if len(s.stack) == 0 {
		return nil, vmerr.New(vmerr.Execution, "jit: operand stack underflow compiling task list")
	}
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v, nil
}

// emit translates one Task into the current block, advancing s.block for
// the handful of ops that would otherwise need control flow (none do,
// since unsupported control-flow ops are rejected outright).
func (s *compileState) emit(t interpreter.Task) error {
	switch t.Op {
	case interpreter.TaskNop:
		return nil
	case interpreter.TaskConst:
		return s.emitConst(t)
	case interpreter.TaskLocalLoad:
		ptr := s.allocaFor(t.Index, t.Kind)
		s.push(s.block.NewLoad(llvmType(t.Kind), ptr))
		return nil
	case interpreter.TaskLocalStore:
		v, err := s.pop()
		if err != nil {
			return err
		}
		ptr := s.allocaFor(t.Index, t.Kind)
		s.block.NewStore(v, ptr)
		return nil
	case interpreter.TaskIncrement:
		ptr := s.allocaFor(t.Index, descriptor.StackInt)
		cur := s.block.NewLoad(types.I32, ptr)
		sum := s.block.NewAdd(cur, constant.NewInt(types.I32, int64(t.Delta)))
		s.block.NewStore(sum, ptr)
		return nil
	case interpreter.TaskCombine:
		return s.emitCombine(t)
	case interpreter.TaskReturn:
		if !t.HasValue {
			s.block.NewRet(nil)
			return nil
		}
		v, err := s.pop()
		if err != nil {
			return err
		}
		s.block.NewRet(v)
		return nil
	default:
		return vmerr.Newf(vmerr.Execution, "jit: task op %d has no straight-line translation, method stays interpreted", t.Op)
	}
}

func (s *compileState) emitConst(t interpreter.Task) error {
	// Every reference-kind value in this module, param, local, or
	// constant, is an opaque i8*: the module is never executed, so there
	// is no need to give object/array/string layout an LLVM type of its
	// own. A ldc of a String or Class constant folds to the same null
	// placeholder aconst_null would.
	if t.ConstIsRef || t.Kind == descriptor.StackReference {
		s.push(constant.NewNull(types.NewPointer(types.I8)))
		return nil
	}
	switch t.Kind {
	case descriptor.StackInt:
		s.push(constant.NewInt(types.I32, t.ConstBits))
	case descriptor.StackLong:
		s.push(constant.NewInt(types.I64, t.ConstBits))
	case descriptor.StackFloat:
		v := float64(math.Float32frombits(uint32(t.ConstBits)))
		s.push(constant.NewFloat(types.Float, v))
	case descriptor.StackDouble:
		v := math.Float64frombits(uint64(t.ConstBits))
		lit := float.NewFloat64(v)
		s.floatLiterals = append(s.floatLiterals, lit.String())
		s.push(constant.NewFloat(types.Double, v))
	default:
		return vmerr.Newf(vmerr.Execution, "jit: unsupported const kind %v", t.Kind)
	}
	return nil
}

// emitCombine translates the CombineOp opcodes this compiler supports
// without reproducing the interpreter's own JVMS-exact
// overflow/divide-by-zero checks in IR, and rejects the rest — it relies
// on LLVM's own wraparound add/sub/mul and leaves div/rem-by-zero
// checked only in the interpreter (CompileHot is inspection-only, it is
// never executed).
func (s *compileState) emitCombine(t interpreter.Task) error {
	right, err := s.pop()
	if err != nil {
		return err
	}
	isUnary := isNegOp(t.CombineOp)
	var left value.Value
	if !isUnary {
		left, err = s.pop()
		if err != nil {
			return err
		}
	}

	isFloat := t.Kind == descriptor.StackFloat || t.Kind == descriptor.StackDouble

	var result value.Value
	switch {
	case isUnary && isFloat:
		result = s.block.NewFNeg(right)
	case isUnary:
		result = s.block.NewSub(zeroOf(t.Kind), right)
	case isFloat:
		switch t.CombineOp {
		case classfile.OpFAdd, classfile.OpDAdd:
			result = s.block.NewFAdd(left, right)
		case classfile.OpFSub, classfile.OpDSub:
			result = s.block.NewFSub(left, right)
		case classfile.OpFMul, classfile.OpDMul:
			result = s.block.NewFMul(left, right)
		case classfile.OpFDiv, classfile.OpDDiv:
			result = s.block.NewFDiv(left, right)
		case classfile.OpFRem, classfile.OpDRem:
			result = s.block.NewFRem(left, right)
		default:
			return vmerr.Newf(vmerr.Execution, "jit: unsupported float combine op 0x%x", byte(t.CombineOp))
		}
	default:
		switch t.CombineOp {
		case classfile.OpIAdd, classfile.OpLAdd:
			result = s.block.NewAdd(left, right)
		case classfile.OpISub, classfile.OpLSub:
			result = s.block.NewSub(left, right)
		case classfile.OpIMul, classfile.OpLMul:
			result = s.block.NewMul(left, right)
		case classfile.OpIDiv, classfile.OpLDiv:
			result = s.block.NewSDiv(left, right)
		case classfile.OpIRem, classfile.OpLRem:
			result = s.block.NewSRem(left, right)
		case classfile.OpIAnd, classfile.OpLAnd:
			result = s.block.NewAnd(left, right)
		case classfile.OpIOr, classfile.OpLOr:
			result = s.block.NewOr(left, right)
		case classfile.OpIXor, classfile.OpLXor:
			result = s.block.NewXor(left, right)
		case classfile.OpIShl, classfile.OpLShl:
			result = s.block.NewShl(left, right)
		case classfile.OpIShr, classfile.OpLShr:
			result = s.block.NewAShr(left, right)
		case classfile.OpIUshr, classfile.OpLUshr:
			result = s.block.NewLShr(left, right)
		default:
			return vmerr.Newf(vmerr.Execution, "jit: unsupported integer combine op 0x%x", byte(t.CombineOp))
		}
	}
	s.push(result)
	return nil
}

func isNegOp(op classfile.Opcode) bool {
	switch op {
	case classfile.OpINeg, classfile.OpLNeg, classfile.OpFNeg, classfile.OpDNeg:
		return true
	default:
		return false
	}
}

func zeroOf(k descriptor.StackKind) value.Value {
	if k == descriptor.StackLong {
		return constant.NewInt(types.I64, 0)
	}
	return constant.NewInt(types.I32, 0)
}
