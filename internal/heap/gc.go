package heap

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"jvmgo/internal/descriptor"
)

// handshakeTimeout is the bounded wait §5 specifies for the GC handshake;
// exceeding it indicates a mutator that never reached a safepoint.
const handshakeTimeout = 5 * time.Second

const refSlotSize = 8 // descriptor.Reference.Size()

// Collect runs one full stop-the-world cycle: mark, forward, remap,
// move, exactly as §4.3 lays out in eight steps. Call this from a
// goroutine that is not itself a registered mutator (e.g. an external
// collector loop, or a test driving the heap directly) — a registered
// mutator must use CollectInitiatedBy instead, or it will deadlock
// waiting on its own handshake ack.
func (h *Heap) Collect(ctx context.Context) {
	h.collect(ctx, h.sweepers.snapshot(), noopScan, noopRemap)
}

// CollectInitiatedBy runs one collection cycle on behalf of a mutator
// that has itself just hit OutOfHeap allocating. §4.3's handshake assumes
// the collector is a party separate from every mutator it parks; a
// mutator can't wait on its own ack the way handshakeRound would, so its
// own sweeper handle is excluded from the broadcast and its roots are
// marked/remapped inline instead — it's already at a safepoint of its
// own making, just not a parked one.
func (h *Heap) CollectInitiatedBy(ctx context.Context, initiator *Sweeper, self RootScanner) {
	h.collect(ctx, h.sweepers.snapshotExcluding(initiator.ID()), self.EnumerateRoots, self.RemapRoots)
}

func noopScan(func(Reference))            {}
func noopRemap(func(Reference) Reference) {}

func (h *Heap) collect(ctx context.Context, handles []*sweeperHandle, markSelf func(func(Reference)), remapSelf func(func(Reference) Reference)) {
	newPolarity := h.polarity ^ 1

	// Steps 1-2: raise every other mutator's yield flag so it enters
	// Handshake at its next safepoint, then wait for each to park,
	// ready for marking.
	for _, handle := range handles {
		handle.shouldYield.Store(true)
	}
	h.handshakeRound(ctx, handles, gcMessage{phase: phaseParkRequested, polarity: newPolarity})

	// Step 3.
	h.polarity = newPolarity

	// Step 4: unpark mutators to enumerate and mark their own roots; mark
	// the initiator's own roots (if any) and frozen roots ourselves.
	h.handshakeRound(ctx, handles, gcMessage{phase: phaseMark})
	markSelf(h.markFrom)
	for _, ref := range h.roots.snapshot() {
		h.markFrom(ref)
	}

	// Step 5.
	cursor := h.forwardingPass()

	// Step 6: unpark mutators to remap their own roots; remap the
	// initiator's own roots and rebuild the frozen-root set ourselves.
	h.handshakeRound(ctx, handles, gcMessage{phase: phaseRemapRoots})
	remapSelf(h.resolveForwarded)
	h.roots.rebuild(h.resolveForwarded)

	// Step 7.
	h.remapInnerPass()

	// Step 8.
	h.movePass(cursor)
	h.resumeAll(handles)
}

// handshakeRound sends msg to every mutator and waits for each to ack,
// bounded by handshakeTimeout. A mutator that never reaches its next
// safepoint causes a panic, per §5's cancellation policy.
func (h *Heap) handshakeRound(parent context.Context, handles []*sweeperHandle, msg gcMessage) {
	ctx, cancel := context.WithTimeout(parent, handshakeTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, handle := range handles {
		handle := handle
		g.Go(func() error {
			select {
			case handle.commands <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case <-handle.acks:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		panic(fmt.Sprintf("heap: gc handshake timed out waiting on a mutator safepoint: %v", err))
	}
}

func (h *Heap) resumeAll(handles []*sweeperHandle) {
	for _, handle := range handles {
		handle.commands <- gcMessage{phase: phaseResume}
	}
}

// markFrom marks ref and, transitively, every reference it holds, using
// an explicit worklist rather than Go-stack recursion since object
// graphs may be deep.
func (h *Heap) markFrom(root Reference) {
	if root == NullReference {
		return
	}
	worklist := []Reference{root}
	for len(worklist) > 0 {
		ref := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		hdr := h.headerAt(ref)
		if hdr.mark() == h.polarity {
			continue
		}
		hdr.setMark(h.polarity)

		switch hdr.kind() {
		case kindInstance:
			count := int(hdr.instanceRefCount())
			p := h.payload(ref)
			for i := 0; i < count; i++ {
				if child := readRef(p, i); child != NullReference {
					worklist = append(worklist, child)
				}
			}
		case kindArray:
			if hdr.arrayElemKindByte() == byte(descriptor.Reference) {
				length := int(hdr.arrayLength())
				p := h.payload(ref)
				for i := 0; i < length; i++ {
					if child := readRef(p, i); child != NullReference {
						worklist = append(worklist, child)
					}
				}
			}
		}
	}
}

// forwardingPass walks the heap in address order and assigns every live
// object a new, compacted address into its own forwarding slot.
func (h *Heap) forwardingPass() int64 {
	var cursor int64
	var pos int64
	for pos < h.free {
		hdr := h.headerAt(Reference(pos))
		size := int64(hdr.size())
		if hdr.mark() == h.polarity {
			hdr.setForward(Reference(cursor))
			cursor += size
		} else {
			hdr.setForward(NullReference)
		}
		pos += size
	}
	return cursor
}

func (h *Heap) resolveForwarded(ref Reference) Reference {
	if ref == NullReference {
		return NullReference
	}
	return h.headerAt(ref).forward()
}

// remapInnerPass rewrites every outgoing reference of every live object
// to its forwarded address. This VM has no user-visible finalization, so
// unlike §4.3's general description there is no drop-hook invocation for
// dead objects here.
func (h *Heap) remapInnerPass() {
	var pos int64
	for pos < h.free {
		hdr := h.headerAt(Reference(pos))
		size := int64(hdr.size())
		if hdr.mark() == h.polarity {
			switch hdr.kind() {
			case kindInstance:
				count := int(hdr.instanceRefCount())
				p := h.payload(Reference(pos))
				for i := 0; i < count; i++ {
					writeRef(p, i, h.resolveForwarded(readRef(p, i)))
				}
			case kindArray:
				if hdr.arrayElemKindByte() == byte(descriptor.Reference) {
					length := int(hdr.arrayLength())
					p := h.payload(Reference(pos))
					for i := 0; i < length; i++ {
						writeRef(p, i, h.resolveForwarded(readRef(p, i)))
					}
				}
			}
		}
		pos += size
	}
}

// movePass memcpys every live object to its forwarded address, in
// ascending order; safe because forwarding addresses never point later
// in the heap than the object's current address (§4.3 invariant ii).
func (h *Heap) movePass(cursor int64) {
	var pos int64
	for pos < h.free {
		hdr := h.headerAt(Reference(pos))
		size := int64(hdr.size())
		if hdr.mark() == h.polarity {
			dest := int64(hdr.forward())
			if dest != pos {
				copy(h.buf[dest:dest+size], h.buf[pos:pos+size])
			}
		}
		pos += size
	}
	h.free = cursor
}

func readRef(payload []byte, slot int) Reference {
	return Reference(int64(binary.LittleEndian.Uint64(payload[slot*refSlotSize : slot*refSlotSize+refSlotSize])))
}

func writeRef(payload []byte, slot int, ref Reference) {
	binary.LittleEndian.PutUint64(payload[slot*refSlotSize:slot*refSlotSize+refSlotSize], uint64(int64(ref)))
}
