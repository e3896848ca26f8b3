// Package heap implements §4.3: a single contiguous byte region, a
// bump-pointer allocator, and a stop-the-world moving/compacting
// collector driven by a mark→forward→remap→move handshake with every
// registered mutator thread.
package heap

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"jvmgo/internal/classloader"
	"jvmgo/internal/descriptor"
	"jvmgo/internal/vmerr"
)

// Heap owns the byte region and the bookkeeping needed to allocate into
// it and to run a collection cycle over it.
type Heap struct {
	loader *classloader.Loader

	// sem serialises allocation. A semaphore rather than a plain mutex so
	// a waiting Acquire gives up when its context is cancelled.
	sem *semaphore.Weighted

	buf      []byte
	free     int64
	polarity byte // the mark value considered "alive" this cycle

	roots *rootSet

	sweepers *sweeperRegistry
}

// New allocates a heap of at least size bytes, rounded up to the host
// page size so the arena occupies whole pages.
func New(loader *classloader.Loader, size int) (*Heap, error) {
	if size <= 0 {
		return nil, fmt.Errorf("heap: size must be positive, got %d", size)
	}
	pageSize := unix.Getpagesize()
	rounded := alignUpTo(size, pageSize)
	return &Heap{
		loader:   loader,
		sem:      semaphore.NewWeighted(1),
		buf:      make([]byte, rounded),
		roots:    newRootSet(),
		sweepers: newSweeperRegistry(),
	}, nil
}

func alignUpTo(n, boundary int) int {
	if n%boundary == 0 {
		return n
	}
	return n + (boundary - n%boundary)
}

func (h *Heap) Size() int64 { return int64(len(h.buf)) }
func (h *Heap) Used() int64 { return h.free }

// AllocInstance implements New(class) from §4.5: size comes from the
// class's instance field layout, reference count from the same layout.
func (h *Heap) AllocInstance(ctx context.Context, classId classloader.ClassId) (Reference, error) {
	class := h.loader.Get(classId)
	if class.Instance == nil {
		return NullReference, vmerr.Newf(vmerr.Execution, "class id %d is not an instance class", classId)
	}
	layout := class.Instance.InstanceLayout
	total := headerSize + layout.FieldsSize
	return h.alloc(ctx, total, func(hdr header) {
		// A freshly allocated object is stamped with the heap's current
		// polarity, not its flipped value: it was never reachable as of
		// any prior cycle's decision, so the next collection's mark
		// phase must actively visit it (flipping the mark to the new
		// polarity) for it to survive. Stamping it with the new polarity
		// up front would make it look already-marked without ever being
		// checked for reachability.
		writeInstanceHeader(hdr, h.polarity, int32(alignUp(total)), uint32(classId), uint32(layout.ReferenceCount))
	})
}

// AllocArray implements ArrayCreate*/ArrayCreateRef: length primitive or
// reference elements, packed with no padding between elements.
func (h *Heap) AllocArray(ctx context.Context, elemKind descriptor.Kind, length int, componentClass *classloader.ClassId) (Reference, error) {
	if length < 0 {
		return NullReference, vmerr.Newf(vmerr.Execution, "negative array length %d", length)
	}
	total := headerSize + elemKind.Size()*length
	var componentId uint32
	hasComponent := componentClass != nil
	if hasComponent {
		componentId = uint32(*componentClass)
	}
	return h.alloc(ctx, total, func(hdr header) {
		writeArrayHeader(hdr, h.polarity, int32(alignUp(total)), byte(elemKind), hasComponent, componentId, uint32(length))
	})
}

// alloc implements the bump allocator: advance free by the aligned total
// size, or fail with OutOfHeap if the region is exhausted. The new
// payload is zeroed and every reference slot holds NullReference,
// matching uninitialised-field default values.
func (h *Heap) alloc(ctx context.Context, total int, writeHeader func(header)) (Reference, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return NullReference, vmerr.Wrap(err, vmerr.Execution, "heap: allocation lock interrupted")
	}
	defer h.sem.Release(1)

	aligned := alignUp(total)
	start := h.free
	if start+int64(aligned) > int64(len(h.buf)) {
		return NullReference, vmerr.New(vmerr.OutOfMemory, "heap: out of heap space")
	}

	hdr := header(h.buf[start : start+headerSize])
	writeHeader(hdr)
	for i := start + headerSize; i < start+int64(aligned); i++ {
		h.buf[i] = 0
	}
	// Reference(0) is the object at the heap's base, so reference slots
	// are set to NullReference rather than left zero.
	refSlots := 0
	switch hdr.kind() {
	case kindInstance:
		refSlots = int(hdr.instanceRefCount())
	case kindArray:
		if hdr.arrayElemKindByte() == byte(descriptor.Reference) {
			refSlots = int(hdr.arrayLength())
		}
	}
	for i := 0; i < refSlots; i++ {
		writeRef(h.buf[start+headerSize:start+int64(aligned)], i, NullReference)
	}
	h.free = start + int64(aligned)
	return Reference(start), nil
}

// payload returns the byte slice backing ref's fields/elements.
func (h *Heap) payload(ref Reference) []byte {
	hdr := header(h.buf[ref : int64(ref)+headerSize])
	end := int64(ref) + int64(hdr.size())
	return h.buf[int64(ref)+headerSize : end]
}

func (h *Heap) headerAt(ref Reference) header {
	return header(h.buf[ref : int64(ref)+headerSize])
}

// ReadField / WriteField address an instance's payload at a byte offset
// computed by the class's field layout (§4.5 Field access).
func (h *Heap) ReadField(ref Reference, offset int, k descriptor.Kind) []byte {
	p := h.payload(ref)
	return p[offset : offset+k.Size()]
}

func (h *Heap) WriteField(ref Reference, offset int, data []byte) {
	p := h.payload(ref)
	copy(p[offset:offset+len(data)], data)
}

func (h *Heap) ArrayLength(ref Reference) int {
	return int(h.headerAt(ref).arrayLength())
}

func (h *Heap) ArrayElement(ref Reference, index int, elemSize int) []byte {
	p := h.payload(ref)
	return p[index*elemSize : (index+1)*elemSize]
}

// ClassIdOf reports the runtime class of a heap instance, the way
// invokevirtual/invokeinterface dispatch and checkcast/instanceof both
// need to read an object's actual class rather than its static type.
func (h *Heap) ClassIdOf(ref Reference) classloader.ClassId {
	return classloader.ClassId(h.headerAt(ref).instanceClassId())
}

// ArrayElemKind reports an array object's element kind.
func (h *Heap) ArrayElemKind(ref Reference) descriptor.Kind {
	return descriptor.Kind(h.headerAt(ref).arrayElemKindByte())
}

// ArrayComponentClassId reports an array object's reference component
// class, valid only when ArrayElemKind is Reference.
func (h *Heap) ArrayComponentClassId(ref Reference) (classloader.ClassId, bool) {
	hdr := h.headerAt(ref)
	if !hdr.arrayHasComponent() {
		return 0, false
	}
	return classloader.ClassId(hdr.arrayComponentClassId()), true
}

// AddFrozen / RemoveFrozen mutate the always-reachable root set (interned
// strings, class mirrors) under the heap's root-set lock.
func (h *Heap) AddFrozen(ref Reference)    { h.roots.add(ref) }
func (h *Heap) RemoveFrozen(ref Reference) { h.roots.remove(ref) }
