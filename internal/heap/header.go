package heap

import "encoding/binary"

// Alignment is the fixed object alignment described in §4.3: every
// allocation's total size (header + payload) rounds up to this boundary.
const Alignment = 8

// headerSize is the constant, compile-time-known size of every object
// header, laid out explicitly (rather than via unsafe) so the bytes
// survive a raw memcpy during compaction without any pointer-fixup pass
// of their own.
//
//	byte 0       mark bit (0 or 1, compared against the heap's polarity)
//	byte 1       kind discriminator (kindInstance | kindArray)
//	byte 2       array element kind (array only)
//	byte 3       array has-component-class flag (array only)
//	bytes 4..7   total size, header+payload, aligned
//	bytes 8..15  forwarding slot: -1 when not set, else a Reference
//	bytes 16..19 instance: class id   | array: component class id
//	bytes 20..23 instance: ref count  | array: length
const headerSize = 24

type kind byte

const (
	kindInstance kind = 1
	kindArray    kind = 2
)

// Reference is an offset of an object's header from the heap's base. The
// zero value is the first object's header, so a JVM null is
// NullReference, not zero.
type Reference int64

const NullReference Reference = -1

func alignUp(n int) int {
	if n%Alignment == 0 {
		return n
	}
	return n + (Alignment - n%Alignment)
}

// header is a read/write view over one object's header bytes.
type header []byte

func (h header) mark() byte        { return h[0] }
func (h header) setMark(v byte)     { h[0] = v }
func (h header) kind() kind        { return kind(h[1]) }
func (h header) size() int32       { return int32(binary.LittleEndian.Uint32(h[4:8])) }
func (h header) forward() Reference {
	return Reference(int64(binary.LittleEndian.Uint64(h[8:16])))
}
func (h header) setForward(r Reference) {
	binary.LittleEndian.PutUint64(h[8:16], uint64(int64(r)))
}

func (h header) instanceClassId() uint32   { return binary.LittleEndian.Uint32(h[16:20]) }
func (h header) instanceRefCount() uint32  { return binary.LittleEndian.Uint32(h[20:24]) }

func (h header) arrayElemKindByte() byte   { return h[2] }
func (h header) arrayHasComponent() bool   { return h[3] != 0 }
func (h header) arrayComponentClassId() uint32 {
	return binary.LittleEndian.Uint32(h[16:20])
}
func (h header) arrayLength() uint32 { return binary.LittleEndian.Uint32(h[20:24]) }

func writeInstanceHeader(h header, mark byte, size int32, classId uint32, refCount uint32) {
	h[1] = byte(kindInstance)
	h.setMark(mark)
	binary.LittleEndian.PutUint32(h[4:8], uint32(size))
	h.setForward(NullReference)
	binary.LittleEndian.PutUint32(h[16:20], classId)
	binary.LittleEndian.PutUint32(h[20:24], refCount)
}

func writeArrayHeader(h header, mark byte, size int32, elemKindByte byte, hasComponent bool, componentClassId uint32, length uint32) {
	h[1] = byte(kindArray)
	h[2] = elemKindByte
	if hasComponent {
		h[3] = 1
	} else {
		h[3] = 0
	}
	h.setMark(mark)
	binary.LittleEndian.PutUint32(h[4:8], uint32(size))
	h.setForward(NullReference)
	binary.LittleEndian.PutUint32(h[16:20], componentClassId)
	binary.LittleEndian.PutUint32(h[20:24], length)
}
