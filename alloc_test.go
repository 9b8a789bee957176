package sstore

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestAlloc(t *testing.T, path string) *allocTable {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	a, err := newAllocTable(f, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })
	return a
}

func TestAllocFromBrk(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAlloc(t, filepath.Join(t.TempDir(), "t.alloc"))
	assert.Equal(heapStart, a.brk())

	off, err := a.alloc(5)
	assert.NoError(err)
	assert.Equal(uint32(8), off)
	assert.Equal(uint32(16), a.brk())

	off, err = a.alloc(9)
	assert.NoError(err)
	assert.Equal(uint32(16), off)
	assert.Equal(uint32(32), a.brk())
}

func TestAllocExactSizeReuse(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAlloc(t, filepath.Join(t.TempDir(), "t.alloc"))

	small, _ := a.alloc(4)
	big, _ := a.alloc(16)
	a.free(small, 3)
	a.free(big, 16)
	assert.Equal(2, a.n)
	brk := a.brk()

	// 8 matches neither free range, so it comes from brk
	off, err := a.alloc(8)
	assert.NoError(err)
	assert.Equal(brk, off)

	// 13 rounds to 16 and takes the big range back
	off, err = a.alloc(13)
	assert.NoError(err)
	assert.Equal(big, off)

	off, err = a.alloc(4)
	assert.NoError(err)
	assert.Equal(small, off)
	assert.Equal(0, a.n)
	assert.Equal(brk+8, a.brk())
}

func TestAllocExhausted(t *testing.T) {
	assert := assertion.New(t)
	a := openTestAlloc(t, filepath.Join(t.TempDir(), "t.alloc"))

	_, err := a.alloc(1<<31 + 1)
	assert.True(errors.Is(err, ErrAllocationExhausted))

	a.setBrk(math.MaxUint32 - 8)
	_, err = a.alloc(16)
	assert.True(errors.Is(err, ErrAllocationExhausted))
	assert.Equal(uint32(math.MaxUint32-8), a.brk())

	off, err := a.alloc(8)
	assert.NoError(err)
	assert.Equal(uint32(math.MaxUint32-8), off)
}

func TestAllocFreeListPersists(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "t.alloc")
	a := openTestAlloc(t, path)

	var offs []uint32
	for i := 0; i < 3*initialFreeCap; i++ {
		off, err := a.alloc(32)
		assert.NoError(err)
		offs = append(offs, off)
	}
	for _, off := range offs {
		a.free(off, 32)
	}
	a.free(0, 32)
	assert.Equal(len(offs), a.n)
	assert.True(a.cap() > a.n)
	assert.NoError(a.flush())
	brk := a.brk()

	b := openTestAlloc(t, path)
	assert.Equal(brk, b.brk())
	assert.Equal(len(offs), b.n)
	got := make(map[uint32]bool)
	for i := 0; i < b.n; i++ {
		off, size := b.entry(i)
		assert.Equal(uint32(32), size)
		got[off] = true
	}
	for _, off := range offs {
		assert.True(got[off], "offset %d", off)
	}

	// draining the list and flushing leaves no stale entries behind
	for range offs {
		_, err := b.alloc(32)
		assert.NoError(err)
	}
	assert.Equal(brk, b.brk())
	assert.NoError(b.flush())
	c := openTestAlloc(t, path)
	assert.Equal(0, c.n)
}

func TestAllocCorrupt(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "t.alloc")
	assert.NoError(os.WriteFile(path, make([]byte, 16), 0644))

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	assert.NoError(err)
	defer f.Close()
	_, err = newAllocTable(f, true)
	assert.True(errors.Is(err, ErrCorruptFormat))
}
