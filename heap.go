package sstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
)

// heap is the flat byte file backing a collection, addressed by the
// offsets handed out by its allocTable.
type heap struct {
	fp     *os.File
	noSync bool
}

func (h *heap) write(off uint32, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return writeAt(h.fp, int64(off), b)
}

func (h *heap) read(off, n uint32) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	return readAt(h.fp, int64(off), int(n))
}

// matchKey compares the key record at off against key. A record that runs
// past the end of the heap cannot be the one we are looking for.
func (h *heap) matchKey(off uint32, key []byte) (bool, error) {
	want := encodeKey(key)
	got := make([]byte, len(want))
	n, err := h.fp.ReadAt(got, int64(off))
	if err != nil && err != io.EOF {
		return false, errors.Wrapf(err, "read key at %d", off)
	}
	return n == len(want) && bytes.Equal(got, want), nil
}

// keyLen decodes the length prefix of the key record at off and returns
// the key length and the prefix width.
func (h *heap) keyLen(off uint32) (uint64, int, error) {
	buf := make([]byte, binary.MaxVarintLen32)
	n, err := h.fp.ReadAt(buf, int64(off))
	if err != nil && err != io.EOF {
		return 0, 0, errors.Wrapf(err, "read key at %d", off)
	}
	l, w := binary.Uvarint(buf[:n])
	if w <= 0 || l > math.MaxUint32 {
		return 0, 0, errors.Wrapf(ErrCorruptFormat, "bad key record at %d", off)
	}
	return l, w, nil
}

func (h *heap) key(off uint32) ([]byte, error) {
	l, w, err := h.keyLen(off)
	if err != nil {
		return nil, err
	}
	return h.read(off+uint32(w), uint32(l))
}

func (h *heap) flush() error {
	if h.noSync {
		return nil
	}
	return fdatasync(h.fp)
}

func (h *heap) close() error {
	return h.fp.Close()
}
