package sstore

import (
	"os"

	"github.com/pkg/errors"
)

// keyMatcher reports whether the key record stored at sector equals key.
type keyMatcher func(sector uint32, key []byte) (bool, error)

// index is the open addressing hash directory of a collection. buf is the
// whole <name>.index image, header first, then mask+1 slots.
type index struct {
	path   string
	mode   os.FileMode
	fp     *os.File
	buf    []byte
	grown  bool
	noSync bool
}

func newIndex(path string, fp *os.File, mode os.FileMode, noSync bool) (*index, error) {
	st, err := fp.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	x := &index{path: path, mode: mode, fp: fp, noSync: noSync}
	if st.Size() == 0 {
		x.buf = make([]byte, indexHeaderSize+int(initialMask+1)*slotSize)
		copy(x.buf[hdrMagic:], IndexMagic)
		x.setMask(initialMask)
		if err := x.flush(); err != nil {
			return nil, err
		}
		return x, nil
	}

	if st.Size() < indexHeaderSize {
		return nil, errors.Wrapf(ErrCorruptFormat, "%s: truncated header", path)
	}
	hdr, err := readAt(fp, 0, indexHeaderSize)
	if err != nil {
		return nil, err
	}
	if string(hdr[hdrMagic:hdrMagic+4]) != IndexMagic {
		return nil, errors.Wrapf(ErrCorruptFormat, "%s: bad magic %q", path, hdr[hdrMagic:hdrMagic+4])
	}
	mask := le.Uint32(hdr[hdrMask:])
	used, fill := le.Uint32(hdr[hdrUsed:]), le.Uint32(hdr[hdrFill:])
	switch {
	case mask < initialMask || mask&(mask+1) != 0:
		return nil, errors.Wrapf(ErrCorruptFormat, "%s: bad mask %#x", path, mask)
	case used > fill || uint64(fill) > uint64(mask)+1:
		return nil, errors.Wrapf(ErrCorruptFormat, "%s: used %d fill %d mask %#x", path, used, fill, mask)
	}
	size := int64(indexHeaderSize) + (int64(mask)+1)*slotSize
	if st.Size() < size {
		return nil, errors.Wrapf(ErrCorruptFormat, "%s: %d bytes, want %d", path, st.Size(), size)
	}
	if x.buf, err = readAt(fp, 0, int(size)); err != nil {
		return nil, err
	}
	return x, nil
}

func (x *index) used() uint32 { return le.Uint32(x.buf[hdrUsed:]) }
func (x *index) fill() uint32 { return le.Uint32(x.buf[hdrFill:]) }
func (x *index) mask() uint32 { return le.Uint32(x.buf[hdrMask:]) }

func (x *index) setUsed(v uint32) { le.PutUint32(x.buf[hdrUsed:], v) }
func (x *index) setFill(v uint32) { le.PutUint32(x.buf[hdrFill:], v) }
func (x *index) setMask(v uint32) { le.PutUint32(x.buf[hdrMask:], v) }

func (x *index) slotBytes(i uint32) []byte {
	off := indexHeaderSize + int(i)*slotSize
	return x.buf[off : off+slotSize]
}

func (x *index) slot(i uint32) Slot       { return decodeSlot(x.slotBytes(i)) }
func (x *index) setSlot(i uint32, s Slot) { encodeSlot(x.slotBytes(i), s) }

func (x *index) needsGrow() bool {
	return float64(x.fill())/float64(x.mask()) > growThreshold
}

// findSlot walks the probe sequence of hash. It returns the position of the
// live slot holding key, or, with found false, the never written slot that
// terminated the walk. Tombstones never terminate it.
func (x *index) findSlot(hash uint64, key []byte, match keyMatcher) (pos uint32, found bool, err error) {
	mask := x.mask()
	h := uint32(hash)
	i := h & mask
	for n := uint64(0); n <= uint64(mask); n++ {
		s := x.slot(i)
		if s.unused() {
			return i, false, nil
		}
		if s.KeySector != 0 && s.Hash == h {
			ok, err := match(s.KeySector, key)
			if err != nil {
				return 0, false, err
			}
			if ok {
				return i, true, nil
			}
		}
		i = probeNext(i, mask)
	}
	return 0, false, errors.Wrapf(ErrCorruptFormat, "%s: no free slot in %d probes", x.path, uint64(mask)+1)
}

// grow doubles the directory and rehashes live slots into it. Tombstones
// are dropped, so fill becomes used.
func (x *index) grow() {
	old := x.buf
	oldMask := x.mask()
	mask := 2*oldMask + 1

	x.buf = make([]byte, indexHeaderSize+(int(mask)+1)*slotSize)
	copy(x.buf, old[:indexHeaderSize])
	x.setMask(mask)
	x.setFill(x.used())

	for i := uint32(0); i <= oldMask; i++ {
		off := indexHeaderSize + int(i)*slotSize
		s := decodeSlot(old[off : off+slotSize])
		if s.KeySector == 0 {
			continue
		}
		j := s.Hash & mask
		for !x.slot(j).unused() {
			j = probeNext(j, mask)
		}
		x.setSlot(j, s)
	}
	x.grown = true
}

// flush writes the directory back. A grown directory is written to a side
// file and renamed over the old one.
func (x *index) flush() error {
	if x.grown {
		fp, err := replaceFile(x.path, x.buf, x.mode, x.noSync)
		if err != nil {
			return err
		}
		_ = x.fp.Close()
		x.fp = fp
		x.grown = false
		return nil
	}
	if err := writeAt(x.fp, 0, x.buf); err != nil {
		return err
	}
	if x.noSync {
		return nil
	}
	return fdatasync(x.fp)
}

func (x *index) close() error {
	return x.fp.Close()
}
