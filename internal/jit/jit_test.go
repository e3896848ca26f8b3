package jit

import (
	"strings"
	"testing"

	"jvmgo/internal/classfile"
	"jvmgo/internal/classloader"
	"jvmgo/internal/descriptor"
	"jvmgo/internal/interpreter"
)

func newTestMethod(t *testing.T, name, descRaw string, isStatic bool) *classloader.Method {
	t.Helper()
	src := classloader.NewMemorySource()
	loader := classloader.NewLoader(src)
	id, created := loader.Registry().Reserve("Arith")
	if !created {
		t.Fatal("expected fresh reservation")
	}
	md, err := descriptor.ParseMethodDescriptor(descRaw)
	if err != nil {
		t.Fatal(err)
	}
	flags := classfile.AccessFlags(0)
	if isStatic {
		flags = classfile.AccStatic
	}
	owner := &classloader.InstanceClass{
		ObjectType: "Arith",
		Methods:    map[classloader.MethodIdentifier]*classloader.Method{},
	}
	loader.Registry().Fill(id, classloader.Class{Instance: owner})
	m := &classloader.Method{
		Owner:      owner,
		Id:         classloader.MethodIdentifier{Name: name, Descriptor: descRaw},
		Descriptor: md,
		Flags:      flags,
	}
	owner.Methods[m.Id] = m
	return m
}

// f(int a, int b) { return a + b; }
func TestCompileHotStraightLineAdd(t *testing.T) {
	m := newTestMethod(t, "f", "(II)I", true)
	tasks := []interpreter.Task{
		{Op: interpreter.TaskLocalLoad, Index: 0, Kind: descriptor.StackInt},
		{Op: interpreter.TaskLocalLoad, Index: 1, Kind: descriptor.StackInt},
		{Op: interpreter.TaskCombine, Kind: descriptor.StackInt, CombineOp: classfile.OpIAdd},
		{Op: interpreter.TaskReturn, Kind: descriptor.StackInt, HasValue: true},
	}

	fn, err := CompileHot(m, tasks)
	if err != nil {
		t.Fatal(err)
	}
	ir := fn.String()
	if !strings.Contains(ir, "define") {
		t.Fatalf("expected a function definition in emitted IR, got:\n%s", ir)
	}
	if !strings.Contains(ir, "add") {
		t.Fatalf("expected an add instruction in emitted IR, got:\n%s", ir)
	}
}

// f(double a) { return -a; }, exercising the mewmew/float literal path
// indirectly isn't possible here (no const double in this body), so this
// covers the unary-negate translation instead.
func TestCompileHotUnaryNegate(t *testing.T) {
	m := newTestMethod(t, "neg", "(D)D", true)
	tasks := []interpreter.Task{
		{Op: interpreter.TaskLocalLoad, Index: 0, Kind: descriptor.StackDouble},
		{Op: interpreter.TaskCombine, Kind: descriptor.StackDouble, CombineOp: classfile.OpDNeg},
		{Op: interpreter.TaskReturn, Kind: descriptor.StackDouble, HasValue: true},
	}
	fn, err := CompileHot(m, tasks)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(fn.String(), "fneg") {
		t.Fatalf("expected fneg in emitted IR, got:\n%s", fn.String())
	}
}

// f() { return 3.5; } exercises the double-constant path, including the
// mewmew/float literal text recorded alongside the module.
func TestCompileHotDoubleConstRecordsLiteral(t *testing.T) {
	m := newTestMethod(t, "pi", "()D", true)
	bits := int64(0x400C000000000000) // 3.5 in IEEE-754 double bits
	tasks := []interpreter.Task{
		{Op: interpreter.TaskConst, Kind: descriptor.StackDouble, ConstBits: bits},
		{Op: interpreter.TaskReturn, Kind: descriptor.StackDouble, HasValue: true},
	}
	fn, err := CompileHot(m, tasks)
	if err != nil {
		t.Fatal(err)
	}
	if len(fn.FloatLiterals) != 1 {
		t.Fatalf("expected one recorded float literal, got %d", len(fn.FloatLiterals))
	}
}

// A task this compiler doesn't translate (a jump) must fail rather than
// silently drop control flow; the method stays interpreted.
func TestCompileHotRejectsControlFlow(t *testing.T) {
	m := newTestMethod(t, "loop", "(I)I", true)
	tasks := []interpreter.Task{
		{Op: interpreter.TaskJump, JumpCond: interpreter.JumpAlways, Target: 0},
	}
	if _, err := CompileHot(m, tasks); err == nil {
		t.Fatal("expected an error for a task list containing a jump")
	}
}

func TestCompileHotRejectsNativeMethod(t *testing.T) {
	m := newTestMethod(t, "n", "()V", true)
	m.Flags = classfile.AccStatic | classfile.AccNative
	if _, err := CompileHot(m, nil); err == nil {
		t.Fatal("expected an error compiling a native method")
	}
}

func TestProfilerCrossesThresholdExactlyOnce(t *testing.T) {
	m := newTestMethod(t, "hot", "()V", true)
	p := NewProfiler()
	crossings := 0
	for i := 0; i < HotCallThreshold+10; i++ {
		if p.RecordCall(m) {
			crossings++
		}
	}
	if crossings != 1 {
		t.Fatalf("expected exactly one threshold crossing, got %d", crossings)
	}
}
