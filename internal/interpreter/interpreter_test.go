package interpreter

import (
	"context"
	"testing"

	"jvmgo/internal/binding"
	"jvmgo/internal/classfile"
	"jvmgo/internal/classloader"
	"jvmgo/internal/descriptor"
	"jvmgo/internal/frame"
	"jvmgo/internal/heap"
	"jvmgo/internal/vmlog"
)

// newTestEngine wires a fresh Loader/Heap/Engine the way a real process
// would, but with an empty MemorySource: every fixture class below is
// registered directly through the registry, bypassing classfile.ParseClass,
// the same way heap_test.go builds its trivial "Empty" class.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	loader := classloader.NewLoader(classloader.NewMemorySource())
	h, err := heap.New(loader, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(loader, h, binding.NewRegistry(), vmlog.Default())
}

func mustDescriptor(t *testing.T, raw string) *descriptor.MethodDescriptor {
	t.Helper()
	md, err := descriptor.ParseMethodDescriptor(raw)
	if err != nil {
		t.Fatalf("parsing descriptor %q: %v", raw, err)
	}
	return md
}

// registerClass fills a method-less InstanceClass (optionally with a super
// class and a field layout) directly into the loader's registry.
func registerClass(t *testing.T, loader *classloader.Loader, name string, super *classloader.ClassId, layout classloader.FieldLayout) classloader.ClassId {
	t.Helper()
	id, created := loader.Registry().Reserve(name)
	if !created {
		t.Fatalf("class %s already registered", name)
	}
	loader.Registry().Fill(id, classloader.Class{Instance: &classloader.InstanceClass{
		ObjectType:     name,
		SuperClass:     super,
		Methods:        make(map[classloader.MethodIdentifier]*classloader.Method),
		InstanceLayout: layout,
	}})
	return id
}

// addMethod attaches a pre-compiled Task list to class, skipping
// compileMethod/classfile.CodeAttribute entirely: the dispatch loop only
// ever consults method.Tasks once compiledTasks has found it already
// cached, so a fixture can hand it the TaskList directly.
func addMethod(t *testing.T, loader *classloader.Loader, classId classloader.ClassId, name, descRaw string, isStatic bool, tasks *TaskList) *classloader.Method {
	t.Helper()
	class := loader.Get(classId)
	md := mustDescriptor(t, descRaw)
	var flags classfile.AccessFlags
	if isStatic {
		flags = classfile.AccStatic
	}
	m := &classloader.Method{
		Owner:      class.Instance,
		Id:         classloader.MethodIdentifier{Name: name, Descriptor: descRaw},
		Descriptor: md,
		Flags:      flags,
		Tasks:      tasks,
		TasksMu:    make(chan struct{}, 1),
	}
	class.Instance.Methods[m.Id] = m
	return m
}

// Scenario #1: int add(int,int) wraps on overflow rather than panicking or
// promoting to a wider type, per JVMS int-arithmetic semantics.
func TestInterpreterIntAddWraps(t *testing.T) {
	e := newTestEngine(t)
	classId := registerClass(t, e.Loader, "Calc", nil, classloader.FieldLayout{Offsets: map[string]int{}, Kinds: map[string]descriptor.Kind{}})

	tasks := &TaskList{
		MaxLocals: 2,
		MaxStack:  2,
		Tasks: []Task{
			{Op: TaskLocalLoad, Index: 0},
			{Op: TaskLocalLoad, Index: 1},
			{Op: TaskCombine, CombineOp: classfile.OpIAdd},
			{Op: TaskReturn, Kind: descriptor.StackInt, HasValue: true},
		},
	}
	m := addMethod(t, e.Loader, classId, "add", "(II)I", true, tasks)

	th := NewThread(e, 1, 256)
	defer th.Release()

	args := []frame.Slot{frame.SlotFromInt32(2147483647), frame.SlotFromInt32(1)}
	isRef := []bool{false, false}
	ret, retIsRef, err := th.Invoke(context.Background(), m, args, isRef)
	if err != nil {
		t.Fatal(err)
	}
	if retIsRef {
		t.Fatal("expected a value return, not a reference")
	}
	if got := ret.Int32(); got != -2147483648 {
		t.Fatalf("got %d, want -2147483648", got)
	}
}

// Scenario #2: an instance field round-trips through putfield/getfield, with
// the reference field at offset 0 and the int field after it (references
// occupy the layout's prefix, per §3's field-layout policy).
func TestInterpreterInstanceFieldRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	layout := classloader.FieldLayout{
		FieldsSize:     8 + 4,
		ReferenceCount: 1,
		Offsets:        map[string]int{"ref": 0, "x": 8},
		Kinds:          map[string]descriptor.Kind{"ref": descriptor.Reference, "x": descriptor.Int},
	}
	classId := registerClass(t, e.Loader, "Holder", nil, layout)

	// setX(int): putfield x on `this`, then getfield x and return it.
	tasks := &TaskList{
		MaxLocals: 2, // this, x
		MaxStack:  3,
		Tasks: []Task{
			{Op: TaskLocalLoad, Index: 0}, // this
			{Op: TaskLocalLoad, Index: 1}, // x
			{Op: TaskFieldPut, ClassRef: "Holder", FieldName: "x", FieldKind: descriptor.Int},
			{Op: TaskLocalLoad, Index: 0},
			{Op: TaskFieldGet, ClassRef: "Holder", FieldName: "x", FieldKind: descriptor.Int},
			{Op: TaskReturn, Kind: descriptor.StackInt, HasValue: true},
		},
	}
	m := addMethod(t, e.Loader, classId, "setX", "(I)I", false, tasks)

	ref, err := e.Heap.AllocInstance(context.Background(), classId)
	if err != nil {
		t.Fatal(err)
	}

	th := NewThread(e, 1, 256)
	defer th.Release()

	args := []frame.Slot{frame.SlotFromRef(int64(ref)), frame.SlotFromInt32(77)}
	isRef := []bool{true, false}
	ret, retIsRef, err := th.Invoke(context.Background(), m, args, isRef)
	if err != nil {
		t.Fatal(err)
	}
	if retIsRef {
		t.Fatal("expected a value return, not a reference")
	}
	if got := ret.Int32(); got != 77 {
		t.Fatalf("got %d, want 77", got)
	}
}

// Scenario #3: invokevirtual through a static call site resolves against
// the receiver's runtime class: a B overriding A.m is picked even though
// the compiled call targets A.m, when the receiver is actually a B.
func TestInterpreterVirtualDispatchOverride(t *testing.T) {
	e := newTestEngine(t)

	aId := registerClass(t, e.Loader, "A", nil, classloader.FieldLayout{Offsets: map[string]int{}, Kinds: map[string]descriptor.Kind{}})
	bId := registerClass(t, e.Loader, "B", &aId, classloader.FieldLayout{Offsets: map[string]int{}, Kinds: map[string]descriptor.Kind{}})

	// A.m() returns 1.
	addMethod(t, e.Loader, aId, "m", "()I", false, &TaskList{
		MaxLocals: 1,
		MaxStack:  1,
		Tasks: []Task{
			{Op: TaskConst, Kind: descriptor.StackInt, ConstBits: 1},
			{Op: TaskReturn, Kind: descriptor.StackInt, HasValue: true},
		},
	})
	// B.m() overrides, returns 2.
	addMethod(t, e.Loader, bId, "m", "()I", false, &TaskList{
		MaxLocals: 1,
		MaxStack:  1,
		Tasks: []Task{
			{Op: TaskConst, Kind: descriptor.StackInt, ConstBits: 2},
			{Op: TaskReturn, Kind: descriptor.StackInt, HasValue: true},
		},
	})

	// caller(): invokevirtual A.m() on a B receiver, return the result.
	callerTasks := &TaskList{
		MaxLocals: 2,
		MaxStack:  2,
		Tasks: []Task{
			{Op: TaskLocalLoad, Index: 0},
			{Op: TaskCall, ClassRef: "A", MethodId: classloader.MethodIdentifier{Name: "m", Descriptor: "()I"}, CallKind: CallVirtual},
			{Op: TaskReturn, Kind: descriptor.StackInt, HasValue: true},
		},
	}
	caller := addMethod(t, e.Loader, aId, "caller", "()I", false, callerTasks)

	bRef, err := e.Heap.AllocInstance(context.Background(), bId)
	if err != nil {
		t.Fatal(err)
	}

	th := NewThread(e, 1, 256)
	defer th.Release()

	ret, _, err := th.Invoke(context.Background(), caller, []frame.Slot{frame.SlotFromRef(int64(bRef))}, []bool{true})
	if err != nil {
		t.Fatal(err)
	}
	if got := ret.Int32(); got != 2 {
		t.Fatalf("got %d, want 2 (B's override, not A's)", got)
	}
}

// Scenario #6: a tableswitch with low=0, high=3, no matching case for a key
// of 5 (out of [low,high]) takes the default branch.
func TestInterpreterTableSwitchDefault(t *testing.T) {
	e := newTestEngine(t)
	classId := registerClass(t, e.Loader, "Sw", nil, classloader.FieldLayout{Offsets: map[string]int{}, Kinds: map[string]descriptor.Kind{}})

	tasks := &TaskList{
		MaxLocals: 1,
		MaxStack:  1,
		Tasks: []Task{
			// 0: load key
			{Op: TaskLocalLoad, Index: 0},
			// 1: switch on [0,3], default -> task 5, cases all jump to task 4
			{Op: TaskSwitchTable, SwitchLow: 0, SwitchHigh: 3, SwitchDefault: 5, SwitchTable: []int{4, 4, 4, 4}},
			// 2-3: case body (not taken)
			{Op: TaskConst, Kind: descriptor.StackInt, ConstBits: 111},
			{Op: TaskReturn, Kind: descriptor.StackInt, HasValue: true},
			// 4: unreachable in this scenario
			{Op: TaskConst, Kind: descriptor.StackInt, ConstBits: 222},
			// 5: default body (LD -- load-default), returns 999
			{Op: TaskConst, Kind: descriptor.StackInt, ConstBits: 999},
			{Op: TaskReturn, Kind: descriptor.StackInt, HasValue: true},
		},
	}
	m := addMethod(t, e.Loader, classId, "dispatch", "(I)I", true, tasks)

	th := NewThread(e, 1, 256)
	defer th.Release()

	ret, _, err := th.Invoke(context.Background(), m, []frame.Slot{frame.SlotFromInt32(5)}, []bool{false})
	if err != nil {
		t.Fatal(err)
	}
	if got := ret.Int32(); got != 999 {
		t.Fatalf("got %d, want 999 (default branch)", got)
	}
}

// A void return leaves TaskReturn's value unread entirely.
func TestInterpreterVoidReturn(t *testing.T) {
	e := newTestEngine(t)
	classId := registerClass(t, e.Loader, "V", nil, classloader.FieldLayout{Offsets: map[string]int{}, Kinds: map[string]descriptor.Kind{}})

	tasks := &TaskList{
		MaxLocals: 0,
		MaxStack:  0,
		Tasks: []Task{
			{Op: TaskReturn},
		},
	}
	m := addMethod(t, e.Loader, classId, "noop", "()V", true, tasks)

	th := NewThread(e, 1, 256)
	defer th.Release()

	_, retIsRef, err := th.Invoke(context.Background(), m, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if retIsRef {
		t.Fatal("void return must not be a reference")
	}
}

// A long-typed parameter must advance the callee's local index by two
// (JVMS convention) while still costing exactly one physical Slot, so a
// second int parameter after it lands at local index 2, not 1.
func TestInterpreterCategoryTwoParamAdvancesLocalIndexByTwo(t *testing.T) {
	e := newTestEngine(t)
	classId := registerClass(t, e.Loader, "Mix", nil, classloader.FieldLayout{Offsets: map[string]int{}, Kinds: map[string]descriptor.Kind{}})

	// f(long a, int b): return b.
	tasks := &TaskList{
		MaxLocals: 3,
		MaxStack:  1,
		Tasks: []Task{
			{Op: TaskLocalLoad, Index: 2},
			{Op: TaskReturn, Kind: descriptor.StackInt, HasValue: true},
		},
	}
	m := addMethod(t, e.Loader, classId, "f", "(JI)I", true, tasks)

	th := NewThread(e, 1, 256)
	defer th.Release()

	args := []frame.Slot{frame.SlotFromInt64(1234567890123), frame.SlotFromInt32(42)}
	isRef := []bool{false, false}
	ret, _, err := th.Invoke(context.Background(), m, args, isRef)
	if err != nil {
		t.Fatal(err)
	}
	if got := ret.Int32(); got != 42 {
		t.Fatalf("got %d, want 42 (second param at local index 2)", got)
	}
}

// anewarray of an array type ("[I", building a String[][]-shaped
// int[][]) must resolve through the array-descriptor path, not the
// object-binary-name-only resolver.
func TestInterpreterANewArrayOfArray(t *testing.T) {
	e := newTestEngine(t)
	classId := registerClass(t, e.Loader, "Arr", nil, classloader.FieldLayout{Offsets: map[string]int{}, Kinds: map[string]descriptor.Kind{}})

	tasks := &TaskList{
		MaxLocals: 1,
		MaxStack:  1,
		Tasks: []Task{
			{Op: TaskConst, Kind: descriptor.StackInt, ConstBits: 3},
			{Op: TaskArrayCreateRef, ClassRef: "[I"},
			{Op: TaskArrayLength},
			{Op: TaskReturn, Kind: descriptor.StackInt, HasValue: true},
		},
	}
	m := addMethod(t, e.Loader, classId, "make", "()I", true, tasks)

	th := NewThread(e, 1, 256)
	defer th.Release()

	ret, _, err := th.Invoke(context.Background(), m, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := ret.Int32(); got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
}
