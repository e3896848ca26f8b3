package interpreter

import (
	"context"
	"math"
	"sync"
	"time"

	"jvmgo/internal/binding"
	"jvmgo/internal/classfile"
	"jvmgo/internal/classloader"
	"jvmgo/internal/descriptor"
	"jvmgo/internal/frame"
	"jvmgo/internal/heap"
	"jvmgo/internal/inspect"
	"jvmgo/internal/vmerr"
	"jvmgo/internal/vmlog"
)

// Engine is the process-wide, shared state every Thread dispatches
// against: the loader, the heap, the native binding table, and the
// per-literal interning tables §4.5's ldc handling needs.
type Engine struct {
	Loader   *classloader.Loader
	Heap     *heap.Heap
	Bindings *binding.Registry
	Log      *vmlog.Logger

	// Inspect, if set, mirrors GC-cycle and safepoint events onto the
	// opt-in websocket introspection feed (`jvmgo run -inspect`)
	// alongside the usual vmlog lines. Nil by default.
	Inspect *inspect.Server

	internMu      sync.Mutex
	internedStr   map[string]heap.Reference
	stringClassId classloader.ClassId
	stringOnce    sync.Once

	mirrorMu   sync.Mutex
	mirrors    map[classloader.ClassId]heap.Reference
	mirrorOnce sync.Once
	mirrorClassId classloader.ClassId
}

func NewEngine(loader *classloader.Loader, h *heap.Heap, bindings *binding.Registry, log *vmlog.Logger) *Engine {
	return &Engine{
		Loader:      loader,
		Heap:        h,
		Bindings:    bindings,
		Log:         log,
		internedStr: make(map[string]heap.Reference),
		mirrors:     make(map[classloader.ClassId]heap.Reference),
	}
}

// allocInstance and allocArray are the one retry policy every allocation
// call site in this file goes through: §4.3's allocator is not itself a
// safepoint (to avoid a heap/handshake lock inversion), so on OutOfHeap
// the caller — not the allocator — runs one collection cycle and retries
// exactly once before giving up. They're Thread methods, not Engine
// methods, because the retry collection must be driven by
// CollectInitiatedBy(t.sweeper, t.stack): a thread can't wait on its own
// handshake ack, so it excludes itself from the broadcast and marks its
// own roots inline instead (see heap.CollectInitiatedBy).
func (t *Thread) allocInstance(ctx context.Context, classId classloader.ClassId) (heap.Reference, error) {
	ref, err := t.engine.Heap.AllocInstance(ctx, classId)
	if !isOutOfHeap(err) {
		return ref, err
	}
	t.engine.Log.Warn("heap exhausted allocating an instance, running a collection and retrying once")
	t.collect(ctx)
	return t.engine.Heap.AllocInstance(ctx, classId)
}

func (t *Thread) allocArray(ctx context.Context, elemKind descriptor.Kind, length int, componentClass *classloader.ClassId) (heap.Reference, error) {
	ref, err := t.engine.Heap.AllocArray(ctx, elemKind, length, componentClass)
	if !isOutOfHeap(err) {
		return ref, err
	}
	t.engine.Log.Warn("heap exhausted allocating an array, running a collection and retrying once")
	t.collect(ctx)
	return t.engine.Heap.AllocArray(ctx, elemKind, length, componentClass)
}

// collect runs one CollectInitiatedBy cycle and logs its before/after
// heap usage via vmlog.GCCycle, the same accounting §4.3's handshake
// description assumes a caller-visible collection reports.
func (t *Thread) collect(ctx context.Context) {
	h := t.engine.Heap
	before := h.Used()
	start := time.Now()
	h.CollectInitiatedBy(ctx, t.sweeper, t.stack)
	after := h.Used()
	d := time.Since(start)
	t.engine.Log.GCCycle(uint64(before), uint64(after), uint64(h.Size()), d)
	if t.engine.Inspect != nil {
		t.engine.Inspect.PublishGCCycle(uint64(before), uint64(after), uint64(h.Size()), d)
	}
}

func isOutOfHeap(err error) bool {
	ve, ok := err.(*vmerr.VMError)
	return ok && ve.Kind == vmerr.OutOfMemory
}

// syntheticClassId lazily registers a zero-field instance class directly
// in the loader's registry, bypassing classfile.ParseClass, the same way
// heap_test.go builds fixture classes: neither interned strings nor class
// mirrors have any fields of their own, so no class-file bytes exist for
// them to be parsed from.
func (e *Engine) syntheticClassId(once *sync.Once, cached *classloader.ClassId, binaryName string) classloader.ClassId {
	once.Do(func() {
		id, created := e.Loader.Registry().Reserve(binaryName)
		if created {
			e.Loader.Registry().Fill(id, classloader.Class{Instance: &classloader.InstanceClass{
				ObjectType: binaryName,
				Methods:    make(map[classloader.MethodIdentifier]*classloader.Method),
			}})
		}
		*cached = id
	})
	return *cached
}

// InternString implements ldc of a String constant (§9 open question):
// the literal is interned into a heap object of a single synthetic class
// and frozen as a GC root, mirroring how a class-mirror object (below) is
// treated as always-reachable. A Thread method, not an Engine one, so the
// allocation goes through the retry-safe allocInstance.
func (t *Thread) InternString(ctx context.Context, s string) (heap.Reference, error) {
	e := t.engine
	e.internMu.Lock()
	if ref, ok := e.internedStr[s]; ok {
		e.internMu.Unlock()
		return ref, nil
	}
	e.internMu.Unlock()

	classId := e.syntheticClassId(&e.stringOnce, &e.stringClassId, "java/lang/String")
	ref, err := t.allocInstance(ctx, classId)
	if err != nil {
		return heap.NullReference, err
	}

	e.internMu.Lock()
	defer e.internMu.Unlock()
	if existing, ok := e.internedStr[s]; ok {
		return existing, nil
	}
	e.internedStr[s] = ref
	e.Heap.AddFrozen(ref)
	return ref, nil
}

// ClassMirror implements ldc of a Class constant: one frozen, zero-field
// instance per resolved class, cached by ClassId.
func (t *Thread) ClassMirror(ctx context.Context, target classloader.ClassId) (heap.Reference, error) {
	e := t.engine
	e.mirrorMu.Lock()
	if ref, ok := e.mirrors[target]; ok {
		e.mirrorMu.Unlock()
		return ref, nil
	}
	e.mirrorMu.Unlock()

	classId := e.syntheticClassId(&e.mirrorOnce, &e.mirrorClassId, "java/lang/Class")
	ref, err := t.allocInstance(ctx, classId)
	if err != nil {
		return heap.NullReference, err
	}

	e.mirrorMu.Lock()
	defer e.mirrorMu.Unlock()
	if existing, ok := e.mirrors[target]; ok {
		return existing, nil
	}
	e.mirrors[target] = ref
	e.Heap.AddFrozen(ref)
	return ref, nil
}

// BuildStringArray allocates a java/lang/String[] holding one interned
// String per entry in args, the shape §6's external interface expects to
// hand a resolved main(String[]) method its process argv.
func (t *Thread) BuildStringArray(ctx context.Context, args []string) (heap.Reference, error) {
	e := t.engine
	stringClassId := e.syntheticClassId(&e.stringOnce, &e.stringClassId, "java/lang/String")

	arr, err := t.allocArray(ctx, descriptor.Reference, len(args), &stringClassId)
	if err != nil {
		return heap.NullReference, err
	}
	for i, s := range args {
		ref, err := t.InternString(ctx, s)
		if err != nil {
			return heap.NullReference, err
		}
		buf := make([]byte, descriptor.Reference.Size())
		encodeFieldSlot(buf, frame.SlotFromRef(int64(ref)), descriptor.Reference)
		e.Heap.WriteField(arr, i*descriptor.Reference.Size(), buf)
	}
	return arr, nil
}

// Thread is one call stack plus the sweeper handle that lets the
// collector park this mutator at a safepoint (§5).
type Thread struct {
	engine  *Engine
	stack   *frame.CallStack
	sweeper *heap.Sweeper
	id      uint64
}

func NewThread(e *Engine, id uint64, stackSlots int) *Thread {
	return &Thread{
		engine:  e,
		stack:   frame.NewCallStack(stackSlots),
		sweeper: e.Heap.NewSweeper(),
		id:      id,
	}
}

func (t *Thread) Release() { t.sweeper.Release() }

// safepoint yields to a pending collection if one has been requested,
// called at the top of every dispatch iteration (§5).
func (t *Thread) safepoint() {
	if t.sweeper.ShouldYieldNow() {
		t.engine.Log.Safepoint(t.id, "handshake")
		if t.engine.Inspect != nil {
			t.engine.Inspect.PublishSafepoint(t.id, "handshake")
		}
		t.sweeper.Handshake(t.stack)
	}
}

// compiledTasks returns method's cached TaskList, compiling and caching
// it on first call (§3 Lifecycle). TasksMu is a 1-buffered channel used
// as a mutex so two threads racing to compile the same method converge
// on one compilation.
// CompiledTasks exposes compiledTasks to callers outside this package
// (cmd/jvmgo's dump command) that need a method's Task IR without invoking
// it, e.g. to hand off to jit.CompileHot for inspection.
func CompiledTasks(method *classloader.Method) (*TaskList, error) {
	return compiledTasks(method)
}

func compiledTasks(method *classloader.Method) (*TaskList, error) {
	if tl, ok := method.Tasks.(*TaskList); ok && tl != nil {
		return tl, nil
	}
	method.TasksMu <- struct{}{}
	defer func() { <-method.TasksMu }()

	if tl, ok := method.Tasks.(*TaskList); ok && tl != nil {
		return tl, nil
	}
	tl, err := compileMethod(method)
	if err != nil {
		return nil, err
	}
	method.Tasks = tl
	return tl, nil
}

// Invoke runs method to completion on this thread with the given
// argument slots (receiver first, if any), returning the method's return
// value (zero Slot/false for a void method).
func (t *Thread) Invoke(ctx context.Context, method *classloader.Method, args []frame.Slot, argIsRef []bool) (frame.Slot, bool, error) {
	if method.IsNative() {
		return t.invokeNative(method, args, argIsRef)
	}

	tasks, err := compiledTasks(method)
	if err != nil {
		return 0, false, err
	}

	guard, err := t.stack.Push(tasks.MaxLocals, tasks.MaxStack, frame.FrameHeader{Class: method.Owner, Method: method})
	if err != nil {
		return 0, false, err
	}
	defer guard.Pop()

	// Bind args into locals by JVMS slot-index convention (a category-2
	// parameter advances the local index by 2, even though it occupies a
	// single physical Slot) so the callee's TaskLocalLoad/Store indices,
	// compiled straight from the class file's own var_index operands,
	// land on the right argument.
	localIdx := 0
	argPos := 0
	if !method.IsStatic() {
		guard.Store(localIdx, args[argPos], argIsRef[argPos])
		localIdx++
		argPos++
	}
	for _, p := range method.Descriptor.Params {
		guard.Store(localIdx, args[argPos], argIsRef[argPos])
		localIdx += p.Kind().Category()
		argPos++
	}

	return t.dispatch(ctx, guard, tasks)
}

func (t *Thread) invokeNative(method *classloader.Method, args []frame.Slot, argIsRef []bool) (frame.Slot, bool, error) {
	b, err := t.engine.Bindings.Resolve(method.Owner.ObjectType, method.Id)
	if err != nil {
		return 0, false, err
	}
	nativeArgs := make([]binding.Arg, len(args))
	for i := range args {
		nativeArgs[i] = binding.Arg{Slot: args[i], IsRef: argIsRef[i]}
	}
	ret, err := b.Fn(nativeArgs)
	if err != nil {
		return 0, false, err
	}
	return ret.Slot, ret.IsRef, nil
}

// dispatch is the per-task interpreter loop (§4.5).
func (t *Thread) dispatch(ctx context.Context, guard *frame.FrameGuard, tasks *TaskList) (frame.Slot, bool, error) {
	header := guard.Header()
	for {
		t.safepoint()

		pc := header.Cursor
		if pc < 0 || pc >= len(tasks.Tasks) {
			return 0, false, vmerr.Newf(vmerr.Execution, "task cursor %d out of range [0,%d)", pc, len(tasks.Tasks)).
				WithStack(header.Class.ObjectType, header.Method.Id.Name, pc)
		}
		task := &tasks.Tasks[pc]
		next := pc + 1

		ret, retIsRef, halt, jump, err := t.step(ctx, guard, task)
		if err != nil {
			if ve, ok := err.(*vmerr.VMError); ok {
				return 0, false, ve.WithStack(header.Class.ObjectType, header.Method.Id.Name, pc)
			}
			return 0, false, err
		}
		if halt {
			return ret, retIsRef, nil
		}
		if jump >= 0 {
			next = jump
		}
		header.Cursor = next
	}
}

// step executes one task, returning (returnValue, returnIsRef, halted,
// jumpTarget, err). jumpTarget is -1 unless the task redirected control
// flow; halted is true only for TaskReturn.
func (t *Thread) step(ctx context.Context, guard *frame.FrameGuard, task *Task) (frame.Slot, bool, bool, int, error) {
	switch task.Op {
	case TaskNop:
		return 0, false, false, -1, nil

	case TaskConst:
		return 0, false, false, -1, t.execConst(ctx, guard, task)

	case TaskLocalLoad:
		v, isRef := guard.Load(task.Index)
		return 0, false, false, -1, guard.PushV(v, isRef)

	case TaskLocalStore:
		v, isRef := guard.PopV()
		guard.Store(task.Index, v, isRef)
		return 0, false, false, -1, nil

	case TaskIncrement:
		v, _ := guard.Load(task.Index)
		guard.Store(task.Index, frame.SlotFromInt32(v.Int32()+int32(task.Delta)), false)
		return 0, false, false, -1, nil

	case TaskCombine:
		return 0, false, false, -1, t.execCombine(guard, task)

	case TaskStack:
		return 0, false, false, -1, execStack(guard, task)

	case TaskJump:
		taken, err := evalJump(guard, task)
		if err != nil {
			return 0, false, false, -1, err
		}
		if taken {
			return 0, false, false, task.Target, nil
		}
		return 0, false, false, -1, nil

	case TaskSwitchTable:
		return 0, false, false, execSwitch(guard, task), nil

	case TaskReturn:
		if !task.HasValue {
			return 0, false, true, -1, nil
		}
		v, isRef := guard.PopV()
		return v, isRef, true, -1, nil

	case TaskNew:
		return 0, false, false, -1, t.execNew(ctx, guard, task)

	case TaskFieldGet:
		return 0, false, false, -1, t.execFieldGet(ctx, guard, task)

	case TaskFieldPut:
		return 0, false, false, -1, t.execFieldPut(ctx, guard, task)

	case TaskArrayLength:
		ref, _ := guard.PopV()
		r := heap.Reference(ref.Ref())
		if r == heap.NullReference {
			return 0, false, false, -1, vmerr.New(vmerr.NullPointer, "arraylength on null")
		}
		return 0, false, false, -1, guard.PushV(frame.SlotFromInt32(int32(t.engine.Heap.ArrayLength(r))), false)

	case TaskArrayCreate:
		return 0, false, false, -1, t.execArrayCreate(ctx, guard, task)

	case TaskArrayCreateRef:
		return 0, false, false, -1, t.execArrayCreateRef(ctx, guard, task)

	case TaskMultiArrayCreate:
		return 0, false, false, -1, t.execMultiArrayCreate(ctx, guard, task)

	case TaskArrayLoad:
		return 0, false, false, -1, execArrayLoad(t.engine.Heap, guard, task)

	case TaskArrayStore:
		return 0, false, false, -1, execArrayStore(t.engine.Heap, guard, task)

	case TaskCall:
		return 0, false, false, -1, t.execCall(ctx, guard, task)

	case TaskCheckCast:
		return 0, false, false, -1, t.execCheckCast(guard, task)

	case TaskInstanceOf:
		return 0, false, false, -1, t.execInstanceOf(guard, task)

	default:
		return 0, false, false, -1, vmerr.Newf(vmerr.Execution, "unimplemented task op %d", task.Op)
	}
}

func (e *Engine) resolveClass(ctx context.Context, binaryName string) (*classloader.InstanceClass, classloader.ClassId, error) {
	id, err := e.Loader.ResolveByName(binaryName)
	if err != nil {
		return nil, 0, err
	}
	class := e.Loader.Get(id)
	if class.Instance == nil {
		return nil, 0, vmerr.Newf(vmerr.Linkage, "%s is not an instance class", binaryName)
	}
	return class.Instance, id, nil
}

func (t *Thread) execConst(ctx context.Context, guard *frame.FrameGuard, task *Task) error {
	switch task.Kind {
	case descriptor.StackReference:
		if !task.ConstIsRef {
			return guard.PushV(frame.SlotFromRef(int64(heap.NullReference)), true)
		}
		switch {
		case task.ConstClass != "":
			_, id, err := t.engine.resolveClass(ctx, task.ConstClass)
			if err != nil {
				return err
			}
			ref, err := t.ClassMirror(ctx, id)
			if err != nil {
				return err
			}
			return guard.PushV(frame.SlotFromRef(int64(ref)), true)
		case task.ConstString != "":
			ref, err := t.InternString(ctx, task.ConstString)
			if err != nil {
				return err
			}
			return guard.PushV(frame.SlotFromRef(int64(ref)), true)
		default:
			// aconst_null
			return guard.PushV(frame.SlotFromRef(int64(heap.NullReference)), true)
		}
	default:
		return guard.PushV(frame.Slot(uint64(task.ConstBits)), false)
	}
}

func execStack(guard *frame.FrameGuard, task *Task) error {
	switch task.StackVariant {
	case StackPop:
		guard.PopV()
		return nil
	case StackPop2:
		guard.PopV()
		guard.PopV()
		return nil
	case StackDup:
		v, isRef := guard.PeekV(0)
		return guard.PushV(v, isRef)
	case StackDupX1:
		v1, r1 := guard.PopV()
		v2, r2 := guard.PopV()
		if err := guard.PushV(v1, r1); err != nil {
			return err
		}
		if err := guard.PushV(v2, r2); err != nil {
			return err
		}
		return guard.PushV(v1, r1)
	case StackDupX2:
		v1, r1 := guard.PopV()
		v2, r2 := guard.PopV()
		v3, r3 := guard.PopV()
		if err := guard.PushV(v1, r1); err != nil {
			return err
		}
		if err := guard.PushV(v3, r3); err != nil {
			return err
		}
		if err := guard.PushV(v2, r2); err != nil {
			return err
		}
		return guard.PushV(v1, r1)
	case StackDup2:
		v1, r1 := guard.PopV()
		v2, r2 := guard.PopV()
		if err := guard.PushV(v2, r2); err != nil {
			return err
		}
		if err := guard.PushV(v1, r1); err != nil {
			return err
		}
		if err := guard.PushV(v2, r2); err != nil {
			return err
		}
		return guard.PushV(v1, r1)
	case StackDup2X1:
		v1, r1 := guard.PopV()
		v2, r2 := guard.PopV()
		v3, r3 := guard.PopV()
		if err := guard.PushV(v2, r2); err != nil {
			return err
		}
		if err := guard.PushV(v1, r1); err != nil {
			return err
		}
		if err := guard.PushV(v3, r3); err != nil {
			return err
		}
		if err := guard.PushV(v2, r2); err != nil {
			return err
		}
		return guard.PushV(v1, r1)
	case StackDup2X2:
		v1, r1 := guard.PopV()
		v2, r2 := guard.PopV()
		v3, r3 := guard.PopV()
		v4, r4 := guard.PopV()
		if err := guard.PushV(v2, r2); err != nil {
			return err
		}
		if err := guard.PushV(v1, r1); err != nil {
			return err
		}
		if err := guard.PushV(v4, r4); err != nil {
			return err
		}
		if err := guard.PushV(v3, r3); err != nil {
			return err
		}
		if err := guard.PushV(v2, r2); err != nil {
			return err
		}
		return guard.PushV(v1, r1)
	case StackSwap:
		v1, r1 := guard.PopV()
		v2, r2 := guard.PopV()
		if err := guard.PushV(v1, r1); err != nil {
			return err
		}
		return guard.PushV(v2, r2)
	default:
		return vmerr.Newf(vmerr.Execution, "unknown stack variant %d", task.StackVariant)
	}
}

func evalJump(guard *frame.FrameGuard, task *Task) (bool, error) {
	switch task.JumpCond {
	case JumpAlways:
		return true, nil
	case JumpNull, JumpNonNull:
		v, _ := guard.PopV()
		isNull := v.Ref() == int64(heap.NullReference)
		if task.JumpCond == JumpNull {
			return isNull, nil
		}
		return !isNull, nil
	case JumpACmpEq, JumpACmpNe:
		b, _ := guard.PopV()
		a, _ := guard.PopV()
		eq := a.Ref() == b.Ref()
		if task.JumpCond == JumpACmpEq {
			return eq, nil
		}
		return !eq, nil
	case JumpICmpEq, JumpICmpNe, JumpICmpLt, JumpICmpGe, JumpICmpGt, JumpICmpLe:
		b, _ := guard.PopV()
		a, _ := guard.PopV()
		return compareInt32(a.Int32(), b.Int32(), task.JumpCond), nil
	default: // JumpEq/Ne/Lt/Ge/Gt/Le against zero
		v, _ := guard.PopV()
		return compareInt32(v.Int32(), 0, task.JumpCond), nil
	}
}

func compareInt32(a, b int32, cond JumpCond) bool {
	switch cond {
	case JumpEq, JumpICmpEq:
		return a == b
	case JumpNe, JumpICmpNe:
		return a != b
	case JumpLt, JumpICmpLt:
		return a < b
	case JumpGe, JumpICmpGe:
		return a >= b
	case JumpGt, JumpICmpGt:
		return a > b
	case JumpLe, JumpICmpLe:
		return a <= b
	default:
		panic("interpreter: not an int compare")
	}
}

// execSwitch implements §4.5's tableswitch/lookupswitch dispatch, returning
// the task-index jump target.
func execSwitch(guard *frame.FrameGuard, task *Task) int {
	v, _ := guard.PopV()
	key := v.Int32()
	if task.SwitchTable != nil {
		if key < task.SwitchLow || key > task.SwitchHigh {
			return task.SwitchDefault
		}
		return task.SwitchTable[key-task.SwitchLow]
	}
	for _, c := range task.SwitchCases {
		if c.Key == key {
			return c.Target
		}
	}
	return task.SwitchDefault
}

func (t *Thread) execNew(ctx context.Context, guard *frame.FrameGuard, task *Task) error {
	_, id, err := t.engine.resolveClass(ctx, task.ClassRef)
	if err != nil {
		return err
	}
	ref, err := t.allocInstance(ctx, id)
	if err != nil {
		return err
	}
	return guard.PushV(frame.SlotFromRef(int64(ref)), true)
}

func fieldOffsetKind(class *classloader.InstanceClass, task *Task) (int, descriptor.Kind, []byte, bool) {
	layout := &class.InstanceLayout
	if task.FieldIsStatic {
		layout = &class.StaticLayout
	}
	offset, ok := layout.Offsets[task.FieldName]
	if !ok {
		return 0, 0, nil, false
	}
	return offset, layout.Kinds[task.FieldName], class.StaticStorage, true
}

func (t *Thread) execFieldGet(ctx context.Context, guard *frame.FrameGuard, task *Task) error {
	class, _, err := t.engine.resolveClass(ctx, task.ClassRef)
	if err != nil {
		return err
	}
	offset, kind, staticBytes, ok := fieldOffsetKind(class, task)
	if !ok {
		return vmerr.Newf(vmerr.NoSuchField, "%s.%s not found", task.ClassRef, task.FieldName)
	}

	var data []byte
	if task.FieldIsStatic {
		data = staticBytes[offset : offset+kind.Size()]
	} else {
		v, _ := guard.PopV()
		ref := heap.Reference(v.Ref())
		if ref == heap.NullReference {
			return vmerr.New(vmerr.NullPointer, "getfield on null")
		}
		data = t.engine.Heap.ReadField(ref, offset, kind)
	}
	return guard.PushV(decodeFieldSlot(data, kind), kind == descriptor.Reference)
}

func (t *Thread) execFieldPut(ctx context.Context, guard *frame.FrameGuard, task *Task) error {
	class, _, err := t.engine.resolveClass(ctx, task.ClassRef)
	if err != nil {
		return err
	}
	offset, kind, staticBytes, ok := fieldOffsetKind(class, task)
	if !ok {
		return vmerr.Newf(vmerr.NoSuchField, "%s.%s not found", task.ClassRef, task.FieldName)
	}

	v, _ := guard.PopV()
	if task.FieldIsStatic {
		encodeFieldSlot(staticBytes[offset:offset+kind.Size()], v, kind)
		return nil
	}
	refSlot, _ := guard.PopV()
	ref := heap.Reference(refSlot.Ref())
	if ref == heap.NullReference {
		return vmerr.New(vmerr.NullPointer, "putfield on null")
	}
	buf := make([]byte, kind.Size())
	encodeFieldSlot(buf, v, kind)
	t.engine.Heap.WriteField(ref, offset, buf)
	return nil
}

func decodeFieldSlot(data []byte, kind descriptor.Kind) frame.Slot {
	var v uint64
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint64(data[i])
	}
	switch kind {
	case descriptor.Byte:
		return frame.SlotFromInt32(int32(int8(v)))
	case descriptor.Short:
		return frame.SlotFromInt32(int32(int16(v)))
	case descriptor.Boolean, descriptor.Char:
		return frame.SlotFromInt32(int32(uint32(v)))
	default:
		return frame.Slot(v)
	}
}

func encodeFieldSlot(dst []byte, v frame.Slot, kind descriptor.Kind) {
	raw := uint64(v)
	for i := range dst {
		dst[i] = byte(raw)
		raw >>= 8
	}
	_ = kind
}

func (t *Thread) execArrayCreate(ctx context.Context, guard *frame.FrameGuard, task *Task) error {
	lenV, _ := guard.PopV()
	ref, err := t.allocArray(ctx, task.ArrayElemKind, int(lenV.Int32()), nil)
	if err != nil {
		return err
	}
	return guard.PushV(frame.SlotFromRef(int64(ref)), true)
}

// resolveComponentClassId resolves a component-type name that may be
// either a plain binary class name or a full array descriptor (anewarray
// of arrays, any level of a multianewarray): array-form names must go
// through Loader.Resolve(descriptor.Type), since ResolveByName only
// understands object types.
func (e *Engine) resolveComponentClassId(ctx context.Context, name string) (classloader.ClassId, error) {
	if len(name) > 0 && name[0] == '[' {
		ty, n, err := descriptor.ParseType(name)
		if err != nil || n != len(name) {
			return 0, vmerr.Newf(vmerr.ClassParse, "malformed array descriptor %q", name)
		}
		return e.Loader.Resolve(ty)
	}
	return e.Loader.ResolveByName(name)
}

func (t *Thread) execArrayCreateRef(ctx context.Context, guard *frame.FrameGuard, task *Task) error {
	id, err := t.engine.resolveComponentClassId(ctx, task.ClassRef)
	if err != nil {
		return err
	}
	lenV, _ := guard.PopV()
	ref, err := t.allocArray(ctx, descriptor.Reference, int(lenV.Int32()), &id)
	if err != nil {
		return err
	}
	return guard.PushV(frame.SlotFromRef(int64(ref)), true)
}

func (t *Thread) execMultiArrayCreate(ctx context.Context, guard *frame.FrameGuard, task *Task) error {
	dims := make([]int32, task.ArrayDimension)
	for i := task.ArrayDimension - 1; i >= 0; i-- {
		v, _ := guard.PopV()
		dims[i] = v.Int32()
	}
	ref, err := t.buildMultiArray(ctx, task.ClassRef, dims)
	if err != nil {
		return err
	}
	return guard.PushV(frame.SlotFromRef(int64(ref)), true)
}

// buildMultiArray recursively allocates each dimension, the way a nested
// anewarray chain would for a multianewarray of N dimensions (§4.5).
// descStr is the full array descriptor for the level being built (e.g.
// "[[I" when two dimensions remain); each recursive step strips one
// leading '[' by following descriptor.Type.Component().
func (t *Thread) buildMultiArray(ctx context.Context, descStr string, dims []int32) (heap.Reference, error) {
	length := int(dims[0])
	ty, n, err := descriptor.ParseType(descStr)
	if err != nil || n != len(descStr) || !ty.IsArray() {
		return heap.NullReference, vmerr.Newf(vmerr.ClassParse, "malformed multianewarray descriptor %q", descStr)
	}
	comp := ty.Component()

	if len(dims) == 1 {
		if comp.IsPrimitive() {
			return t.allocArray(ctx, comp.Kind(), length, nil)
		}
		compId, err := t.engine.Loader.Resolve(comp)
		if err != nil {
			return heap.NullReference, err
		}
		return t.allocArray(ctx, descriptor.Reference, length, &compId)
	}

	compId, err := t.engine.Loader.Resolve(comp)
	if err != nil {
		return heap.NullReference, err
	}
	ref, err := t.allocArray(ctx, descriptor.Reference, length, &compId)
	if err != nil {
		return heap.NullReference, err
	}
	for i := 0; i < length; i++ {
		inner, err := t.buildMultiArray(ctx, comp.String(), dims[1:])
		if err != nil {
			return heap.NullReference, err
		}
		buf := make([]byte, descriptor.Reference.Size())
		encodeFieldSlot(buf, frame.SlotFromRef(int64(inner)), descriptor.Reference)
		t.engine.Heap.WriteField(ref, i*descriptor.Reference.Size(), buf)
	}
	return ref, nil
}

func execArrayLoad(h *heap.Heap, guard *frame.FrameGuard, task *Task) error {
	idxV, _ := guard.PopV()
	refV, _ := guard.PopV()
	ref := heap.Reference(refV.Ref())
	if ref == heap.NullReference {
		return vmerr.New(vmerr.NullPointer, "array load on null")
	}
	idx := int(idxV.Int32())
	if idx < 0 || idx >= h.ArrayLength(ref) {
		return vmerr.Newf(vmerr.ArrayBounds, "array index %d out of bounds for length %d", idx, h.ArrayLength(ref))
	}
	data := h.ArrayElement(ref, idx, task.ArrayElemKind.Size())
	return guard.PushV(decodeFieldSlot(data, task.ArrayElemKind), task.ArrayElemKind == descriptor.Reference)
}

func execArrayStore(h *heap.Heap, guard *frame.FrameGuard, task *Task) error {
	v, _ := guard.PopV()
	idxV, _ := guard.PopV()
	refV, _ := guard.PopV()
	ref := heap.Reference(refV.Ref())
	if ref == heap.NullReference {
		return vmerr.New(vmerr.NullPointer, "array store on null")
	}
	idx := int(idxV.Int32())
	if idx < 0 || idx >= h.ArrayLength(ref) {
		return vmerr.Newf(vmerr.ArrayBounds, "array index %d out of bounds for length %d", idx, h.ArrayLength(ref))
	}
	buf := make([]byte, task.ArrayElemKind.Size())
	encodeFieldSlot(buf, v, task.ArrayElemKind)
	data := h.ArrayElement(ref, idx, task.ArrayElemKind.Size())
	copy(data, buf)
	return nil
}

func (t *Thread) execCall(ctx context.Context, guard *frame.FrameGuard, task *Task) error {
	staticClass, _, err := t.engine.resolveClass(ctx, task.ClassRef)
	if err != nil {
		return err
	}
	method, err := t.engine.Loader.LookupVirtual(staticClass, task.MethodId)
	if err != nil {
		return err
	}

	// One operand-stack pop per argument value, regardless of category:
	// the operand stack (unlike the local table) costs exactly one Slot
	// per value in this VM.
	hasReceiver := task.CallKind != CallStatic
	total := len(method.Descriptor.Params)
	if hasReceiver {
		total++
	}
	args := make([]frame.Slot, total)
	isRef := make([]bool, total)
	for i := total - 1; i >= 0; i-- {
		args[i], isRef[i] = guard.PopV()
	}

	if hasReceiver {
		receiverRef := heap.Reference(args[0].Ref())
		if receiverRef == heap.NullReference {
			return vmerr.New(vmerr.NullPointer, "invoke on null receiver")
		}
		if task.CallKind == CallVirtual || task.CallKind == CallInterface {
			runtimeClassId := t.engine.Heap.ClassIdOf(receiverRef)
			runtimeClass := t.engine.Loader.Get(runtimeClassId)
			if runtimeClass.Instance != nil {
				if resolved, err := t.engine.Loader.LookupVirtual(runtimeClass.Instance, task.MethodId); err == nil {
					method = resolved
				}
			}
		}
	}

	ret, retIsRef, err := t.Invoke(ctx, method, args, isRef)
	if err != nil {
		return err
	}
	if method.Descriptor.ReturnVoid {
		return nil
	}
	return guard.PushV(ret, retIsRef)
}

func (t *Thread) execCheckCast(guard *frame.FrameGuard, task *Task) error {
	v, isRef := guard.PeekV(0)
	if !isRef {
		return vmerr.New(vmerr.Execution, "checkcast on a non-reference slot")
	}
	ref := heap.Reference(v.Ref())
	if ref == heap.NullReference {
		return nil
	}
	ok, err := t.isInstanceOf(ref, task.ClassRef)
	if err != nil {
		return err
	}
	if !ok {
		return vmerr.Newf(vmerr.Execution, "cannot cast object of class %d to %s", t.engine.Heap.ClassIdOf(ref), task.ClassRef)
	}
	return nil
}

func (t *Thread) execInstanceOf(guard *frame.FrameGuard, task *Task) error {
	v, _ := guard.PopV()
	ref := heap.Reference(v.Ref())
	if ref == heap.NullReference {
		return guard.PushV(frame.SlotFromInt32(0), false)
	}
	ok, err := t.isInstanceOf(ref, task.ClassRef)
	if err != nil {
		return err
	}
	if ok {
		return guard.PushV(frame.SlotFromInt32(1), false)
	}
	return guard.PushV(frame.SlotFromInt32(0), false)
}

// isInstanceOf walks the runtime class's super-chain and interface list
// looking for targetName, a coarser test than full JVMS assignability
// (generic array-covariance and interface-of-interface chains are not
// walked) but sufficient for the class hierarchy this VM resolves.
func (t *Thread) isInstanceOf(ref heap.Reference, targetName string) (bool, error) {
	id := t.engine.Heap.ClassIdOf(ref)
	for {
		class := t.engine.Loader.Get(id)
		if class.Instance == nil {
			return false, nil
		}
		if class.Instance.ObjectType == targetName {
			return true, nil
		}
		for _, ifaceId := range class.Instance.Interfaces {
			iface := t.engine.Loader.Get(ifaceId)
			if iface.Instance != nil && iface.Instance.ObjectType == targetName {
				return true, nil
			}
		}
		if class.Instance.SuperClass == nil {
			return false, nil
		}
		id = *class.Instance.SuperClass
	}
}

// execCombine implements the arithmetic/conversion/compare opcode family
// (§4.5), dispatching on the raw classfile.Opcode recorded at compile
// time rather than re-deriving it from Task fields.
func (t *Thread) execCombine(guard *frame.FrameGuard, task *Task) error {
	switch task.CombineOp {
	case classfile.OpIAdd:
		return binInt32(guard, func(a, b int32) int32 { return a + b })
	case classfile.OpISub:
		return binInt32(guard, func(a, b int32) int32 { return a - b })
	case classfile.OpIMul:
		return binInt32(guard, func(a, b int32) int32 { return a * b })
	case classfile.OpIDiv:
		return binInt32Err(guard, func(a, b int32) (int32, error) {
			if b == 0 {
				return 0, vmerr.New(vmerr.Execution, "division by zero")
			}
			return a / b, nil
		})
	case classfile.OpIRem:
		return binInt32Err(guard, func(a, b int32) (int32, error) {
			if b == 0 {
				return 0, vmerr.New(vmerr.Execution, "division by zero")
			}
			return a % b, nil
		})
	case classfile.OpINeg:
		return unaryInt32(guard, func(a int32) int32 { return -a })
	case classfile.OpIShl:
		return binInt32(guard, func(a, b int32) int32 { return a << (uint32(b) & 0x1F) })
	case classfile.OpIShr:
		return binInt32(guard, func(a, b int32) int32 { return a >> (uint32(b) & 0x1F) })
	case classfile.OpIUshr:
		return binInt32(guard, func(a, b int32) int32 { return int32(uint32(a) >> (uint32(b) & 0x1F)) })
	case classfile.OpIAnd:
		return binInt32(guard, func(a, b int32) int32 { return a & b })
	case classfile.OpIOr:
		return binInt32(guard, func(a, b int32) int32 { return a | b })
	case classfile.OpIXor:
		return binInt32(guard, func(a, b int32) int32 { return a ^ b })

	case classfile.OpLAdd:
		return binInt64(guard, func(a, b int64) int64 { return a + b })
	case classfile.OpLSub:
		return binInt64(guard, func(a, b int64) int64 { return a - b })
	case classfile.OpLMul:
		return binInt64(guard, func(a, b int64) int64 { return a * b })
	case classfile.OpLDiv:
		return binInt64Err(guard, func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, vmerr.New(vmerr.Execution, "division by zero")
			}
			return a / b, nil
		})
	case classfile.OpLRem:
		return binInt64Err(guard, func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, vmerr.New(vmerr.Execution, "division by zero")
			}
			return a % b, nil
		})
	case classfile.OpLNeg:
		return unaryInt64(guard, func(a int64) int64 { return -a })
	case classfile.OpLShl:
		return shiftLong(guard, func(a int64, n uint) int64 { return a << n })
	case classfile.OpLShr:
		return shiftLong(guard, func(a int64, n uint) int64 { return a >> n })
	case classfile.OpLUshr:
		return shiftLong(guard, func(a int64, n uint) int64 { return int64(uint64(a) >> n) })
	case classfile.OpLAnd:
		return binInt64(guard, func(a, b int64) int64 { return a & b })
	case classfile.OpLOr:
		return binInt64(guard, func(a, b int64) int64 { return a | b })
	case classfile.OpLXor:
		return binInt64(guard, func(a, b int64) int64 { return a ^ b })
	case classfile.OpLCmp:
		return binInt64Cmp(guard, func(a, b int64) int32 {
			switch {
			case a > b:
				return 1
			case a < b:
				return -1
			default:
				return 0
			}
		})

	case classfile.OpFAdd:
		return binFloat32(guard, func(a, b float32) float32 { return a + b })
	case classfile.OpFSub:
		return binFloat32(guard, func(a, b float32) float32 { return a - b })
	case classfile.OpFMul:
		return binFloat32(guard, func(a, b float32) float32 { return a * b })
	case classfile.OpFDiv:
		return binFloat32(guard, func(a, b float32) float32 { return a / b })
	case classfile.OpFRem:
		return binFloat32(guard, func(a, b float32) float32 { return float32(math.Mod(float64(a), float64(b))) })
	case classfile.OpFNeg:
		return unaryFloat32(guard, func(a float32) float32 { return -a })
	case classfile.OpFCmpL:
		return fcmp(guard, -1)
	case classfile.OpFCmpG:
		return fcmp(guard, 1)

	case classfile.OpDAdd:
		return binFloat64(guard, func(a, b float64) float64 { return a + b })
	case classfile.OpDSub:
		return binFloat64(guard, func(a, b float64) float64 { return a - b })
	case classfile.OpDMul:
		return binFloat64(guard, func(a, b float64) float64 { return a * b })
	case classfile.OpDDiv:
		return binFloat64(guard, func(a, b float64) float64 { return a / b })
	case classfile.OpDRem:
		return binFloat64(guard, func(a, b float64) float64 { return math.Mod(a, b) })
	case classfile.OpDNeg:
		return unaryFloat64(guard, func(a float64) float64 { return -a })
	case classfile.OpDCmpL:
		return dcmp(guard, -1)
	case classfile.OpDCmpG:
		return dcmp(guard, 1)

	case classfile.OpI2L:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromInt64(int64(v.Int32())), false)
	case classfile.OpI2F:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromFloat32(float32(v.Int32())), false)
	case classfile.OpI2D:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromFloat64(float64(v.Int32())), false)
	case classfile.OpL2I:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromInt32(int32(v.Int64())), false)
	case classfile.OpL2F:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromFloat32(float32(v.Int64())), false)
	case classfile.OpL2D:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromFloat64(float64(v.Int64())), false)
	case classfile.OpF2I:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromInt32(clampToInt32(v.Float32())), false)
	case classfile.OpF2L:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromInt64(clampToInt64(float64(v.Float32()))), false)
	case classfile.OpF2D:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromFloat64(float64(v.Float32())), false)
	case classfile.OpD2I:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromInt32(clampToInt32(v.Float64())), false)
	case classfile.OpD2L:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromInt64(clampToInt64(v.Float64())), false)
	case classfile.OpD2F:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromFloat32(float32(v.Float64())), false)
	case classfile.OpI2B:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromInt32(int32(int8(v.Int32()))), false)
	case classfile.OpI2C:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromInt32(int32(uint16(v.Int32()))), false)
	case classfile.OpI2S:
		v, _ := guard.PopV()
		return guard.PushV(frame.SlotFromInt32(int32(int16(v.Int32()))), false)

	default:
		return vmerr.Newf(vmerr.Execution, "unimplemented combine opcode %#x", byte(task.CombineOp))
	}
}

// clampToInt32/64 implement JVMS's f2i/f2l/d2i/d2l NaN-to-zero,
// saturating-at-the-bounds conversion instead of Go's undefined
// out-of-range float-to-int behavior.
func clampToInt32(v float64) int32 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	default:
		return int32(v)
	}
}

func clampToInt64(v float64) int64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= math.MinInt64:
		return math.MinInt64
	default:
		return int64(v)
	}
}

func binInt32(guard *frame.FrameGuard, f func(a, b int32) int32) error {
	b, _ := guard.PopV()
	a, _ := guard.PopV()
	return guard.PushV(frame.SlotFromInt32(f(a.Int32(), b.Int32())), false)
}

func binInt32Err(guard *frame.FrameGuard, f func(a, b int32) (int32, error)) error {
	b, _ := guard.PopV()
	a, _ := guard.PopV()
	v, err := f(a.Int32(), b.Int32())
	if err != nil {
		return err
	}
	return guard.PushV(frame.SlotFromInt32(v), false)
}

func unaryInt32(guard *frame.FrameGuard, f func(a int32) int32) error {
	a, _ := guard.PopV()
	return guard.PushV(frame.SlotFromInt32(f(a.Int32())), false)
}

func binInt64(guard *frame.FrameGuard, f func(a, b int64) int64) error {
	b, _ := guard.PopV()
	a, _ := guard.PopV()
	return guard.PushV(frame.SlotFromInt64(f(a.Int64(), b.Int64())), false)
}

func binInt64Err(guard *frame.FrameGuard, f func(a, b int64) (int64, error)) error {
	b, _ := guard.PopV()
	a, _ := guard.PopV()
	v, err := f(a.Int64(), b.Int64())
	if err != nil {
		return err
	}
	return guard.PushV(frame.SlotFromInt64(v), false)
}

func binInt64Cmp(guard *frame.FrameGuard, f func(a, b int64) int32) error {
	b, _ := guard.PopV()
	a, _ := guard.PopV()
	return guard.PushV(frame.SlotFromInt32(f(a.Int64(), b.Int64())), false)
}

func unaryInt64(guard *frame.FrameGuard, f func(a int64) int64) error {
	a, _ := guard.PopV()
	return guard.PushV(frame.SlotFromInt64(f(a.Int64())), false)
}

func shiftLong(guard *frame.FrameGuard, f func(a int64, n uint) int64) error {
	b, _ := guard.PopV()
	a, _ := guard.PopV()
	return guard.PushV(frame.SlotFromInt64(f(a.Int64(), uint(b.Int32())&0x3F)), false)
}

func binFloat32(guard *frame.FrameGuard, f func(a, b float32) float32) error {
	b, _ := guard.PopV()
	a, _ := guard.PopV()
	return guard.PushV(frame.SlotFromFloat32(f(a.Float32(), b.Float32())), false)
}

func unaryFloat32(guard *frame.FrameGuard, f func(a float32) float32) error {
	a, _ := guard.PopV()
	return guard.PushV(frame.SlotFromFloat32(f(a.Float32())), false)
}

func binFloat64(guard *frame.FrameGuard, f func(a, b float64) float64) error {
	b, _ := guard.PopV()
	a, _ := guard.PopV()
	return guard.PushV(frame.SlotFromFloat64(f(a.Float64(), b.Float64())), false)
}

func unaryFloat64(guard *frame.FrameGuard, f func(a float64) float64) error {
	a, _ := guard.PopV()
	return guard.PushV(frame.SlotFromFloat64(f(a.Float64())), false)
}

// fcmp/dcmp implement fcmpg/fcmpl and dcmpg/dcmpl's NaN handling: nanValue
// is the result pushed when either operand is NaN (+1 for the "G" forms,
// -1 for the "L" forms), per JVMS 6.5.
func fcmp(guard *frame.FrameGuard, nanValue int32) error {
	b, _ := guard.PopV()
	a, _ := guard.PopV()
	av, bv := a.Float32(), b.Float32()
	if math.IsNaN(float64(av)) || math.IsNaN(float64(bv)) {
		return guard.PushV(frame.SlotFromInt32(nanValue), false)
	}
	switch {
	case av > bv:
		return guard.PushV(frame.SlotFromInt32(1), false)
	case av < bv:
		return guard.PushV(frame.SlotFromInt32(-1), false)
	default:
		return guard.PushV(frame.SlotFromInt32(0), false)
	}
}

func dcmp(guard *frame.FrameGuard, nanValue int32) error {
	b, _ := guard.PopV()
	a, _ := guard.PopV()
	av, bv := a.Float64(), b.Float64()
	if math.IsNaN(av) || math.IsNaN(bv) {
		return guard.PushV(frame.SlotFromInt32(nanValue), false)
	}
	switch {
	case av > bv:
		return guard.PushV(frame.SlotFromInt32(1), false)
	case av < bv:
		return guard.PushV(frame.SlotFromInt32(-1), false)
	default:
		return guard.PushV(frame.SlotFromInt32(0), false)
	}
}
