// Package frame implements §4.4: a fixed-size call stack of contiguous,
// LIFO-freed frames, each holding a locals table and an operand stack of
// fixed-width value slots.
package frame

import "math"

// Slot is the stack-entry representation §4.4 calls for: the widest
// primitive or reference, a flat 8 bytes. A category-2 value (long,
// double) fits in one slot; it is the *local table*, not the operand
// stack, where category-2 values are the ones that cost two slots (the
// JVMS convention this VM follows literally, per §4.4's "or,
// equivalently" clause). Whether a given slot currently holds a
// reference is tracked out of band by CallStack's shadow kind map
// rather than by tagging the slot itself.
type Slot uint64

func SlotFromInt32(v int32) Slot    { return Slot(uint32(v)) }
func SlotFromInt64(v int64) Slot    { return Slot(uint64(v)) }
func SlotFromFloat32(v float32) Slot { return Slot(math.Float32bits(v)) }
func SlotFromFloat64(v float64) Slot { return Slot(math.Float64bits(v)) }
func SlotFromRef(ref int64) Slot    { return Slot(uint64(ref)) }

func (s Slot) Int32() int32     { return int32(uint32(s)) }
func (s Slot) Int64() int64     { return int64(s) }
func (s Slot) Float32() float32 { return math.Float32frombits(uint32(s)) }
func (s Slot) Float64() float64 { return math.Float64frombits(uint64(s)) }
func (s Slot) Ref() int64       { return int64(s) }
