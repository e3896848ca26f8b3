package heap

import (
	"sync"
	"sync/atomic"
)

// gcPhase enumerates the handshake steps a mutator walks through during
// one collection cycle (§4.3 steps 2, 4, 6, 8).
type gcPhase int

const (
	phaseParkRequested gcPhase = iota
	phaseMark
	phaseRemapRoots
	phaseResume
)

type gcMessage struct {
	phase    gcPhase
	polarity byte
}

// RootScanner is implemented by a mutator (the interpreter thread) so the
// heap package can drive marking and root remapping without importing
// the frame/interpreter packages.
type RootScanner interface {
	// EnumerateRoots invokes mark for every live reference the mutator
	// currently holds in its operand stacks and local tables.
	EnumerateRoots(mark func(Reference))
	// RemapRoots invokes resolve for every root held and must overwrite
	// that root slot with the returned forwarded reference.
	RemapRoots(resolve func(Reference) Reference)
}

// Sweeper is the mutator-facing half of the handshake pair created by
// Heap.NewSweeper. The owning thread polls ShouldYieldNow at every dispatch
// safepoint (§5) and calls Handshake when it is set.
type Sweeper struct {
	id          uint64
	shouldYield *atomic.Bool
	commands    <-chan gcMessage
	acks        chan<- struct{}
	owner       *Heap
}

// ShouldYieldNow reports whether the collector has requested that this
// mutator enter the handshake. Checked at the top of every dispatch
// iteration; cheap enough not to need batching.
func (s *Sweeper) ShouldYieldNow() bool { return s.shouldYield.Load() }

// Handshake walks this mutator through one full collection cycle: park
// for marking, mark its own roots, park for remapping, remap its own
// roots, then resume. It blocks until the collector unparks it at the
// final phase.
func (s *Sweeper) Handshake(scanner RootScanner) {
	<-s.commands // phaseParkRequested: polarity already applied heap-side
	s.acks <- struct{}{}

	<-s.commands // phaseMark
	scanner.EnumerateRoots(func(ref Reference) {
		s.owner.markFrom(ref)
	})
	s.acks <- struct{}{}

	<-s.commands // phaseRemapRoots
	scanner.RemapRoots(func(ref Reference) Reference {
		return s.owner.resolveForwarded(ref)
	})
	s.acks <- struct{}{}

	<-s.commands // phaseResume
	s.shouldYield.Store(false)
}

// Release removes this sweeper's handle from the heap's registry. Call
// at mutator thread exit.
func (s *Sweeper) Release() { s.owner.sweepers.remove(s.id) }

// ID identifies this sweeper among its heap's registered mutators, so a
// mutator that is itself initiating a collection (see
// Heap.CollectInitiatedBy) can exclude its own handle from the broadcast
// handshake.
func (s *Sweeper) ID() uint64 { return s.id }

// sweeperHandle is the collector-facing half: one per live mutator.
type sweeperHandle struct {
	id          uint64
	shouldYield *atomic.Bool
	commands    chan gcMessage
	acks        chan struct{}
}

type sweeperRegistry struct {
	mu      sync.Mutex
	next    uint64
	handles map[uint64]*sweeperHandle
}

func newSweeperRegistry() *sweeperRegistry {
	return &sweeperRegistry{handles: make(map[uint64]*sweeperHandle)}
}

func (r *sweeperRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

func (r *sweeperRegistry) snapshot() []*sweeperHandle {
	return r.snapshotExcluding(noExclusion)
}

// noExclusion is never a real sweeper id (ids start at 0 and only ever
// increase), so snapshot can implement itself in terms of
// snapshotExcluding without a separate code path.
const noExclusion = ^uint64(0)

// snapshotExcluding is snapshot, but omits the handle for excludeID. Used
// by a mutator that is itself the collection's initiator: it cannot wait
// on its own ack, since it's the one driving the handshake rather than
// polling its own Sweeper.Handshake.
func (r *sweeperRegistry) snapshotExcluding(excludeID uint64) []*sweeperHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*sweeperHandle, 0, len(r.handles))
	for id, h := range r.handles {
		if id == excludeID {
			continue
		}
		out = append(out, h)
	}
	return out
}

// NewSweeper registers a new mutator and returns its Sweeper handle. The
// interpreter calls this once per thread at startup and Release at exit.
func (h *Heap) NewSweeper() *Sweeper {
	h.sweepers.mu.Lock()
	id := h.sweepers.next
	h.sweepers.next++
	h.sweepers.mu.Unlock()

	yield := &atomic.Bool{}
	commands := make(chan gcMessage, 1)
	acks := make(chan struct{}, 1)

	handle := &sweeperHandle{id: id, shouldYield: yield, commands: commands, acks: acks}
	h.sweepers.mu.Lock()
	h.sweepers.handles[id] = handle
	h.sweepers.mu.Unlock()

	return &Sweeper{id: id, shouldYield: yield, commands: commands, acks: acks, owner: h}
}
