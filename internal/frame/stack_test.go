package frame

import (
	"testing"

	"jvmgo/internal/heap"
)

func TestPushZeroesLocalsAndStack(t *testing.T) {
	cs := NewCallStack(64)
	g, err := cs.Push(4, 4, FrameHeader{})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Pop()

	for i := 0; i < 4; i++ {
		v, isRef := g.Load(i)
		if v != 0 || isRef {
			t.Fatalf("local %d not zeroed: %v %v", i, v, isRef)
		}
	}
	for i := 4; i < 8; i++ {
		if cs.slots[i] != 0 || cs.isRef[i] {
			t.Fatalf("stack slot %d not zeroed: %v %v", i-4, cs.slots[i], cs.isRef[i])
		}
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	cs := NewCallStack(64)
	g, err := cs.Push(4, 4, FrameHeader{})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Pop()

	g.Store(0, SlotFromInt32(-42), false)
	v, isRef := g.Load(0)
	if v.Int32() != -42 || isRef {
		t.Fatalf("got %v %v", v.Int32(), isRef)
	}
}

func TestOperandStackPushPop(t *testing.T) {
	cs := NewCallStack(64)
	g, err := cs.Push(0, 2, FrameHeader{})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Pop()

	if err := g.PushV(SlotFromInt64(100), false); err != nil {
		t.Fatal(err)
	}
	if g.StackPos() != 1 {
		t.Fatalf("expected stack_pos 1, got %d", g.StackPos())
	}
	v, _ := g.PopV()
	if v.Int64() != 100 {
		t.Fatalf("got %d", v.Int64())
	}
	if g.StackPos() != 0 {
		t.Fatalf("expected stack_pos 0 after pop, got %d", g.StackPos())
	}
}

func TestOperandStackOverflow(t *testing.T) {
	cs := NewCallStack(64)
	g, err := cs.Push(0, 1, FrameHeader{})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Pop()

	if err := g.PushV(SlotFromInt32(1), false); err != nil {
		t.Fatal(err)
	}
	if err := g.PushV(SlotFromInt32(2), false); err == nil {
		t.Fatal("expected overflow error on second push into a 1-slot stack")
	}
}

func TestPopNonTopFramePanics(t *testing.T) {
	cs := NewCallStack(64)
	outer, err := cs.Push(2, 2, FrameHeader{})
	if err != nil {
		t.Fatal(err)
	}
	inner, err := cs.Push(2, 2, FrameHeader{})
	if err != nil {
		t.Fatal(err)
	}
	defer inner.Pop()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic popping a non-top frame")
		}
	}()
	outer.Pop()
}

func TestCallStackExhaustion(t *testing.T) {
	cs := NewCallStack(4)
	if _, err := cs.Push(2, 2, FrameHeader{}); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.Push(1, 1, FrameHeader{}); err == nil {
		t.Fatal("expected stack overflow when call stack is exhausted")
	}
}

func TestReferenceSlotsEnumerated(t *testing.T) {
	cs := NewCallStack(64)
	g, err := cs.Push(2, 0, FrameHeader{})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Pop()

	g.Store(0, SlotFromRef(128), true)
	g.Store(1, SlotFromInt32(7), false)

	var seen []heap.Reference
	cs.EnumerateRoots(func(ref heap.Reference) {
		seen = append(seen, ref)
	})
	if len(seen) != 1 || seen[0] != heap.Reference(128) {
		t.Fatalf("expected exactly one enumerated root == 128, got %v", seen)
	}
}
