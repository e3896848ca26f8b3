package interpreter

import (
	"context"
	"testing"

	"jvmgo/internal/binding"
	"jvmgo/internal/classloader"
	"jvmgo/internal/heap"
	"jvmgo/internal/vmlog"
)

// TestAllocInstanceRetriesAfterCollect exercises the OutOfHeap recovery
// path end to end: a heap sized to hold only a handful of instances is
// driven past capacity with no stack roots pointing at any of them, so
// the retry's CollectInitiatedBy reclaims everything and the next
// AllocInstance inside allocInstance succeeds.
func TestAllocInstanceRetriesAfterCollect(t *testing.T) {
	loader := classloader.NewLoader(classloader.NewMemorySource())
	h, err := heap.New(loader, 4096) // rounds up to one page
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(loader, h, binding.NewRegistry(), vmlog.Default())
	classId := registerClass(t, loader, "Empty", nil, classloader.FieldLayout{})

	th := NewThread(e, 1, 256)
	defer th.Release()

	ctx := context.Background()
	// Exhaust the arena with unrooted instances; none are pushed onto
	// th's call stack, so nothing survives a collection.
	for i := 0; i < 1_000_000; i++ {
		if _, err := h.AllocInstance(ctx, classId); err != nil {
			break
		}
	}

	ref, err := th.allocInstance(ctx, classId)
	if err != nil {
		t.Fatalf("expected allocInstance to recover via CollectInitiatedBy, got: %v", err)
	}
	if ref == heap.NullReference {
		t.Fatal("expected a non-null reference after the retry")
	}
}
