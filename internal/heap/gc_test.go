package heap

import (
	"context"
	"testing"
)

// fakeScanner is a minimal RootScanner: one slot holding at most one
// reference, set by the test before calling CollectInitiatedBy.
type fakeScanner struct {
	root Reference
}

func (f *fakeScanner) EnumerateRoots(mark func(Reference)) {
	if f.root != NullReference {
		mark(f.root)
	}
}

func (f *fakeScanner) RemapRoots(resolve func(Reference) Reference) {
	f.root = resolve(f.root)
}

func TestCollectInitiatedByExcludesInitiatorFromHandshake(t *testing.T) {
	loader, classId := newTestLoader(t)
	h, err := New(loader, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	sweeper := h.NewSweeper()
	defer sweeper.Release()

	scanner := &fakeScanner{}
	kept, err := h.AllocInstance(context.Background(), classId)
	if err != nil {
		t.Fatal(err)
	}
	scanner.root = kept

	for i := 0; i < 4; i++ {
		if _, err := h.AllocInstance(context.Background(), classId); err != nil {
			t.Fatal(err)
		}
	}

	// This must not deadlock: sweeper is registered as a mutator, but
	// CollectInitiatedBy excludes it from the broadcast handshake and
	// marks/remaps its roots inline via scanner instead.
	h.CollectInitiatedBy(context.Background(), sweeper, scanner)

	if h.Used() == 0 {
		t.Fatal("expected the scanner's root to survive collection")
	}
	if scanner.root == NullReference {
		t.Fatal("expected the scanner's root to be remapped, not cleared")
	}
}

func TestCollectInitiatedByReclaimsUnscannedObjects(t *testing.T) {
	loader, classId := newTestLoader(t)
	h, err := New(loader, 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	sweeper := h.NewSweeper()
	defer sweeper.Release()

	scanner := &fakeScanner{}
	for i := 0; i < 4; i++ {
		if _, err := h.AllocInstance(context.Background(), classId); err != nil {
			t.Fatal(err)
		}
	}

	h.CollectInitiatedBy(context.Background(), sweeper, scanner)

	if h.Used() != 0 {
		t.Fatalf("expected objects the scanner never rooted to be reclaimed, got Used()=%d", h.Used())
	}
}
