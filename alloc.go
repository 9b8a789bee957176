package sstore

import (
	"math"
	"os"

	"github.com/pkg/errors"
)

// allocTable hands out power-of-two sized ranges of a collection heap.
// Freed ranges are kept in an unordered list and reused only by an
// allocation of exactly the same rounded size; nothing is split, merged
// or returned to the filesystem.
//
// buf holds the on-disk image: the header followed by cap free entries.
// The first n entries are in use and entry n is always all-zero.
type allocTable struct {
	fp     *os.File
	buf    []byte
	n      int
	noSync bool
}

func newAllocTable(fp *os.File, noSync bool) (*allocTable, error) {
	st, err := fp.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", fp.Name())
	}
	a := &allocTable{fp: fp, noSync: noSync}
	if st.Size() == 0 {
		a.buf = make([]byte, allocHeaderSize+initialFreeCap*freeEntrySize)
		a.setBrk(heapStart)
		if err := a.flush(); err != nil {
			return nil, err
		}
		return a, nil
	}

	size := st.Size()
	if size < allocHeaderSize || (size-allocHeaderSize)%freeEntrySize != 0 {
		return nil, errors.Wrapf(ErrCorruptFormat, "%s: bad size %d", fp.Name(), size)
	}
	if a.buf, err = readAt(fp, 0, int(size)); err != nil {
		return nil, err
	}
	if a.brk() < heapStart {
		return nil, errors.Wrapf(ErrCorruptFormat, "%s: brk %d below heap start", fp.Name(), a.brk())
	}
	for a.n < a.cap() {
		if off, sz := a.entry(a.n); off == 0 && sz == 0 {
			break
		}
		a.n++
	}
	if a.n == a.cap() {
		a.growList()
	}
	return a, nil
}

func (a *allocTable) brk() uint32       { return le.Uint32(a.buf[0:]) }
func (a *allocTable) setBrk(brk uint32) { le.PutUint32(a.buf[0:], brk) }
func (a *allocTable) cap() int          { return (len(a.buf) - allocHeaderSize) / freeEntrySize }

func (a *allocTable) entry(i int) (offset, size uint32) {
	b := a.buf[allocHeaderSize+i*freeEntrySize:]
	return le.Uint32(b[0:]), le.Uint32(b[4:])
}

func (a *allocTable) setEntry(i int, offset, size uint32) {
	b := a.buf[allocHeaderSize+i*freeEntrySize:]
	le.PutUint32(b[0:], offset)
	le.PutUint32(b[4:], size)
}

// growList doubles the free list capacity.
func (a *allocTable) growList() {
	buf := make([]byte, allocHeaderSize+2*a.cap()*freeEntrySize)
	copy(buf, a.buf)
	a.buf = buf
}

// alloc returns the heap offset of a range large enough for size bytes.
func (a *allocTable) alloc(size uint32) (uint32, error) {
	rounded, ok := roundPow2(size)
	if !ok {
		return 0, errors.Wrapf(ErrAllocationExhausted, "alloc %d bytes", size)
	}
	for i := 0; i < a.n; i++ {
		if off, sz := a.entry(i); sz == rounded {
			a.removeEntry(i)
			return off, nil
		}
	}
	brk := a.brk()
	if uint64(brk)+uint64(rounded) > math.MaxUint32 {
		return 0, errors.Wrapf(ErrAllocationExhausted, "alloc %d bytes at brk %d", size, brk)
	}
	a.setBrk(brk + rounded)
	return brk, nil
}

// free returns a range obtained from alloc(size) to the free list.
func (a *allocTable) free(offset, size uint32) {
	if offset == 0 {
		return
	}
	rounded, _ := roundPow2(size)
	if a.n+1 >= a.cap() {
		a.growList()
	}
	a.setEntry(a.n, offset, rounded)
	a.n++
}

func (a *allocTable) removeEntry(i int) {
	last := a.n - 1
	if i != last {
		off, sz := a.entry(last)
		a.setEntry(i, off, sz)
	}
	a.setEntry(last, 0, 0)
	a.n--
}

func (a *allocTable) flush() error {
	if err := writeAt(a.fp, 0, a.buf); err != nil {
		return err
	}
	if a.noSync {
		return nil
	}
	return fdatasync(a.fp)
}

func (a *allocTable) close() error {
	return a.fp.Close()
}
