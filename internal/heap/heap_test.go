package heap

import (
	"context"
	"testing"

	"jvmgo/internal/classloader"
	"jvmgo/internal/descriptor"
)

func newTestLoader(t *testing.T) (*classloader.Loader, classloader.ClassId) {
	t.Helper()
	src := classloader.NewMemorySource()
	loader := classloader.NewLoader(src)
	// A trivial class with no super and one reference field: sufficient to exercise
	// allocation sizing without needing a real .class file on disk.
	// We reach into the registry directly since building raw bytecode
	// for this test is unnecessary ceremony.
	id, created := loader.Registry().Reserve("Empty")
	if !created {
		t.Fatal("expected fresh reservation")
	}
	loader.Registry().Fill(id, classloader.Class{Instance: &classloader.InstanceClass{
		ObjectType: "Empty",
		Methods:    map[classloader.MethodIdentifier]*classloader.Method{},
		InstanceLayout: classloader.FieldLayout{
			FieldsSize: 8,
			Offsets:    map[string]int{"x": 0},
			Kinds:      map[string]descriptor.Kind{"x": descriptor.Reference},
			ReferenceCount: 1,
		},
	}})
	return loader, id
}

func TestAllocInstanceAdvancesFree(t *testing.T) {
	loader, classId := newTestLoader(t)
	h, err := New(loader, 4096)
	if err != nil {
		t.Fatal(err)
	}
	before := h.Used()
	ref, err := h.AllocInstance(context.Background(), classId)
	if err != nil {
		t.Fatal(err)
	}
	if ref == NullReference {
		t.Fatal("expected non-null reference")
	}
	if h.Used() <= before {
		t.Fatalf("expected Used() to grow, got %d -> %d", before, h.Used())
	}
}

func TestAllocOutOfHeap(t *testing.T) {
	loader, classId := newTestLoader(t)
	h, err := New(loader, 4096) // rounds up to a full page regardless
	if err != nil {
		t.Fatal(err)
	}
	var lastErr error
	for i := 0; i < 1_000_000; i++ {
		if _, err := h.AllocInstance(context.Background(), classId); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected eventual OutOfHeap error")
	}
}

func TestGCReclaimsUnreachableObjects(t *testing.T) {
	loader, classId := newTestLoader(t)
	h, err := New(loader, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	// Allocate several instances but keep no roots pointing at them.
	for i := 0; i < 8; i++ {
		if _, err := h.AllocInstance(context.Background(), classId); err != nil {
			t.Fatal(err)
		}
	}
	usedBefore := h.Used()

	h.Collect(context.Background())

	if h.Used() >= usedBefore {
		t.Fatalf("expected Collect to reclaim unreachable objects: before=%d after=%d", usedBefore, h.Used())
	}
	if h.Used() != 0 {
		t.Fatalf("expected heap to be fully reclaimed with no roots, got Used()=%d", h.Used())
	}
}

func TestGCKeepsFrozenRoot(t *testing.T) {
	loader, classId := newTestLoader(t)
	h, err := New(loader, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	kept, err := h.AllocInstance(context.Background(), classId)
	if err != nil {
		t.Fatal(err)
	}
	h.AddFrozen(kept)
	for i := 0; i < 4; i++ {
		if _, err := h.AllocInstance(context.Background(), classId); err != nil {
			t.Fatal(err)
		}
	}

	h.Collect(context.Background())

	if h.Used() == 0 {
		t.Fatal("expected the frozen root's object to survive collection")
	}
}

func TestGCIdempotence(t *testing.T) {
	loader, classId := newTestLoader(t)
	h, err := New(loader, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	ref, err := h.AllocInstance(context.Background(), classId)
	if err != nil {
		t.Fatal(err)
	}
	h.AddFrozen(ref)

	h.Collect(context.Background())
	firstFree := h.Used()
	h.Collect(context.Background())
	if h.Used() != firstFree {
		t.Fatalf("expected idempotent GC, got %d then %d", firstFree, h.Used())
	}
}
