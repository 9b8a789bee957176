package sstore

import (
	"encoding/binary"
	"math/bits"
)

const (
	// IndexMagic tags every <name>.index file.
	IndexMagic = "STCL"

	// size: 16, {magic [4]byte, used u32, fill u32, mask u32}
	indexHeaderSize = 16
	// size: 24, {hash u32, keySector u32, dataSector u32, dataLength u32, cTime i64}
	slotSize = 24

	// size: 8, {brk u32, reserved u32}
	allocHeaderSize = 8
	// size: 8, {offset u32, size u32}
	freeEntrySize = 8

	// heap offsets below heapStart are never handed out, offset 0 is the null sector
	heapStart uint32 = 8

	initialMask    uint32 = 7
	initialFreeCap        = 8

	// fill/mask ratio above which the index doubles before an insert
	growThreshold = 0.65
)

const (
	hdrMagic = 0
	hdrUsed  = 4
	hdrFill  = 8
	hdrMask  = 12
)

const (
	slotHash  = 0
	slotKey   = 4
	slotData  = 8
	slotLen   = 12
	slotCTime = 16
)

var le = binary.LittleEndian

// Slot is the decoded form of one directory record.
type Slot struct {
	Hash uint32
	// KeySector is zero for a tombstone or a never written slot
	KeySector uint32
	// DataSector is zero only for a slot that was never written
	DataSector   uint32
	DataLength   uint32
	CreationTime int64 // unix nanoseconds
}

func (s Slot) unused() bool    { return s.DataSector == 0 }
func (s Slot) live() bool      { return s.KeySector != 0 && s.DataSector != 0 }
func (s Slot) tombstone() bool { return s.KeySector == 0 && s.DataSector != 0 }

func decodeSlot(b []byte) Slot {
	return Slot{
		Hash:         le.Uint32(b[slotHash:]),
		KeySector:    le.Uint32(b[slotKey:]),
		DataSector:   le.Uint32(b[slotData:]),
		DataLength:   le.Uint32(b[slotLen:]),
		CreationTime: int64(le.Uint64(b[slotCTime:])),
	}
}

func encodeSlot(b []byte, s Slot) {
	le.PutUint32(b[slotHash:], s.Hash)
	le.PutUint32(b[slotKey:], s.KeySector)
	le.PutUint32(b[slotData:], s.DataSector)
	le.PutUint32(b[slotLen:], s.DataLength)
	le.PutUint64(b[slotCTime:], uint64(s.CreationTime))
}

// roundPow2 rounds n up to the next power of two. Zero stays zero.
// ok is false when the result does not fit in 32 bits.
func roundPow2(n uint32) (r uint32, ok bool) {
	if n == 0 {
		return 0, true
	}
	shift := bits.Len32(n - 1)
	if shift >= 32 {
		return 0, false
	}
	return 1 << shift, true
}

// probeNext steps the open addressing sequence. For a power of two table
// i -> 5i+1 visits every slot once before repeating.
func probeNext(i, mask uint32) uint32 {
	return (5*i + 1) & mask
}
