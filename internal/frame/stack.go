package frame

import (
	"fmt"

	"jvmgo/internal/classloader"
	"jvmgo/internal/heap"
	"jvmgo/internal/vmerr"
)

// FrameHeader is the interpreter-owned metadata §4.4 describes as
// "the currently executing method, instruction cursor, etc". It lives in
// a companion slice parallel to the slot region rather than packed into
// the byte region itself, since it is host-language bookkeeping that the
// GC never needs to scan.
type FrameHeader struct {
	Class  *classloader.InstanceClass
	Method *classloader.Method
	Cursor int
}

type frameDesc struct {
	localsStart int
	localsLen   int
	stackStart  int
	stackCap    int // stack_size
	stackPos    int
	header      FrameHeader
}

// CallStack is one thread's fixed-capacity, LIFO call stack. It
// implements heap.RootScanner so the collector can enumerate and remap
// every reference any active frame holds, across the whole stack, in one
// linear pass.
type CallStack struct {
	slots []Slot
	isRef []bool
	top   int

	frames []frameDesc
}

// NewCallStack allocates a call stack able to hold slotCapacity value
// slots across however many frames fit.
func NewCallStack(slotCapacity int) *CallStack {
	return &CallStack{
		slots: make([]Slot, slotCapacity),
		isRef: make([]bool, slotCapacity),
	}
}

// FrameGuard is the RAII-style handle §5 calls for: it must be released
// via Pop on every exit path, including a panicking one, so callers
// should pair Push with `defer guard.Pop()`.
type FrameGuard struct {
	stack *CallStack
	depth int // this frame's index into stack.frames at push time
}

// Push allocates a new frame with localSize locals and stackSize operand
// slots, zeroed so uninitialised locals read as zero/NULL (§4.4).
func (cs *CallStack) Push(localSize, stackSize int, header FrameHeader) (*FrameGuard, error) {
	need := localSize + stackSize
	if cs.top+need > len(cs.slots) {
		return nil, vmerr.New(vmerr.StackOverflow, "call stack exhausted")
	}

	localsStart := cs.top
	stackStart := localsStart + localSize
	for i := localsStart; i < localsStart+need; i++ {
		cs.slots[i] = 0
		cs.isRef[i] = false
	}
	cs.top += need

	cs.frames = append(cs.frames, frameDesc{
		localsStart: localsStart,
		localsLen:   localSize,
		stackStart:  stackStart,
		stackCap:    stackSize,
		header:      header,
	})
	return &FrameGuard{stack: cs, depth: len(cs.frames) - 1}, nil
}

// Pop releases the frame. Popping anything but the current top frame is
// a programmer error, detected via the guard's recorded depth.
func (g *FrameGuard) Pop() {
	cs := g.stack
	if g.depth != len(cs.frames)-1 {
		panic(fmt.Sprintf("frame: popped frame at depth %d while top is %d", g.depth, len(cs.frames)-1))
	}
	fd := cs.frames[g.depth]
	cs.top = fd.localsStart
	cs.frames = cs.frames[:g.depth]
}

func (g *FrameGuard) desc() *frameDesc { return &g.stack.frames[g.depth] }

// Header returns a mutable pointer to this frame's interpreter metadata.
func (g *FrameGuard) Header() *FrameHeader { return &g.desc().header }

func (g *FrameGuard) StackPos() int { return g.desc().stackPos }

// Load / Store give random-access to locals; i must be < local_size.
func (g *FrameGuard) Load(i int) (Slot, bool) {
	fd := g.desc()
	g.checkLocalIndex(i)
	idx := fd.localsStart + i
	return g.stack.slots[idx], g.stack.isRef[idx]
}

func (g *FrameGuard) Store(i int, v Slot, isRef bool) {
	fd := g.desc()
	g.checkLocalIndex(i)
	idx := fd.localsStart + i
	g.stack.slots[idx] = v
	g.stack.isRef[idx] = isRef
}

func (g *FrameGuard) checkLocalIndex(i int) {
	if i < 0 || i >= g.desc().localsLen {
		panic(fmt.Sprintf("frame: local index %d out of range [0,%d)", i, g.desc().localsLen))
	}
}

// PushV / PopV are the operand stack's push/pop, updating stack_pos.
func (g *FrameGuard) PushV(v Slot, isRef bool) error {
	fd := g.desc()
	if fd.stackPos >= fd.stackCap {
		return vmerr.New(vmerr.Execution, "operand stack overflow: corrupt task stream or bad max_stack")
	}
	idx := fd.stackStart + fd.stackPos
	g.stack.slots[idx] = v
	g.stack.isRef[idx] = isRef
	fd.stackPos++
	return nil
}

func (g *FrameGuard) PopV() (Slot, bool) {
	fd := g.desc()
	if fd.stackPos == 0 {
		panic("frame: operand stack underflow")
	}
	fd.stackPos--
	idx := fd.stackStart + fd.stackPos
	return g.stack.slots[idx], g.stack.isRef[idx]
}

// PeekV inspects the top-of-stack slot(s) without popping, used by
// category-aware dup variants to decide which form applies.
func (g *FrameGuard) PeekV(depthFromTop int) (Slot, bool) {
	fd := g.desc()
	idx := fd.stackStart + fd.stackPos - 1 - depthFromTop
	return g.stack.slots[idx], g.stack.isRef[idx]
}

// EnumerateRoots implements heap.RootScanner: every reference-kind slot
// across every active frame, in one linear pass over the flat region.
func (cs *CallStack) EnumerateRoots(mark func(heap.Reference)) {
	for i := 0; i < cs.top; i++ {
		if cs.isRef[i] {
			mark(heap.Reference(cs.slots[i].Ref()))
		}
	}
}

// RemapRoots implements heap.RootScanner: overwrite every reference-kind
// slot with its forwarded address.
func (cs *CallStack) RemapRoots(resolve func(heap.Reference) heap.Reference) {
	for i := 0; i < cs.top; i++ {
		if cs.isRef[i] {
			ref := heap.Reference(cs.slots[i].Ref())
			cs.slots[i] = SlotFromRef(int64(resolve(ref)))
		}
	}
}

var _ heap.RootScanner = (*CallStack)(nil)
