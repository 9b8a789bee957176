package sstore

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	indexExt = ".index"
	allocExt = ".alloc"
	dataExt  = ".data"

	lockName = "lock"
)

// Stats describes the occupancy of a collection.
type Stats struct {
	Used       uint32 // live keys
	Fill       uint32 // live keys plus tombstones
	Capacity   uint32 // directory slots
	Brk        uint32 // first never allocated heap offset
	FreeRanges int    // ranges waiting for reuse
}

// Collection is one named hash table made of three sibling files:
// <name>.index, <name>.alloc and <name>.data.
//
// Collection methods are not safe for concurrent use; DB serializes them
// with a per-collection mutex.
type Collection struct {
	mu sync.Mutex

	name   string
	idx    *index
	alloc  *allocTable
	heap   *heap
	log    log.FieldLogger
	closed bool

	ops struct {
		now func() time.Time
	}
}

func validName(name string) bool {
	switch {
	case name == "", name == ".", name == "..", name == lockName:
		return false
	case strings.ContainsAny(name, "/\x00"), strings.ContainsRune(name, os.PathSeparator):
		return false
	}
	return true
}

// OpenCollection opens the collection name inside dir, creating its files
// when they do not exist yet. It does not take the directory lock; use Open
// for that.
func OpenCollection(dir, name string, options *Options) (*Collection, error) {
	if !validName(name) {
		return nil, errors.Wrapf(ErrInvalidName, "%q", name)
	}
	opts := options.withDefaults()
	base := filepath.Join(dir, name)

	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	for _, ext := range []string{indexExt, allocExt, dataExt} {
		f, err := os.OpenFile(base+ext, os.O_RDWR|os.O_CREATE, opts.FileMode)
		if err != nil {
			closeAll()
			if os.IsPermission(err) {
				return nil, errors.Wrapf(ErrAccessDenied, "%s: %v", base+ext, err)
			}
			return nil, errors.Wrapf(err, "open %s", base+ext)
		}
		files = append(files, f)
	}

	idx, err := newIndex(base+indexExt, files[0], opts.FileMode, opts.NoSync)
	if err != nil {
		closeAll()
		return nil, err
	}
	alloc, err := newAllocTable(files[1], opts.NoSync)
	if err != nil {
		closeAll()
		return nil, err
	}

	c := &Collection{
		name:  name,
		idx:   idx,
		alloc: alloc,
		heap:  &heap{fp: files[2], noSync: opts.NoSync},
		log:   opts.Logger.WithField("collection", name),
	}
	c.ops.now = time.Now
	c.log.WithFields(log.Fields{
		"used": idx.used(),
		"mask": idx.mask(),
		"brk":  alloc.brk(),
	}).Debug("collection opened")
	return c, nil
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) checkOpen() error {
	if c.closed {
		return errors.Wrapf(ErrDatabaseClosed, "collection %q", c.name)
	}
	return nil
}

// Put stores value under key, replacing any previous value.
func (c *Collection) Put(key, value []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if uint64(len(value)) > math.MaxUint32 || keyRecordSize(uint64(len(key))) > math.MaxUint32 {
		return errors.Wrapf(ErrAllocationExhausted, "key %d bytes, value %d bytes", len(key), len(value))
	}

	h := Hash64(key)
	if c.idx.needsGrow() {
		c.idx.grow()
		c.log.WithFields(log.Fields{
			"used": c.idx.used(),
			"mask": c.idx.mask(),
		}).Debug("index grown")
	}
	pos, found, err := c.idx.findSlot(h, key, c.heap.matchKey)
	if err != nil {
		return err
	}

	dataSector, err := c.store(value, valueSize(uint32(len(value))))
	if err != nil {
		return err
	}
	now := c.ops.now().UnixNano()
	if found {
		s := c.idx.slot(pos)
		c.alloc.free(s.DataSector, valueSize(s.DataLength))
		s.DataSector = dataSector
		s.DataLength = uint32(len(value))
		s.CreationTime = now
		c.idx.setSlot(pos, s)
	} else {
		rec := encodeKey(key)
		keySector, err := c.store(rec, uint32(len(rec)))
		if err != nil {
			c.alloc.free(dataSector, valueSize(uint32(len(value))))
			return err
		}
		c.idx.setSlot(pos, Slot{
			Hash:         uint32(h),
			KeySector:    keySector,
			DataSector:   dataSector,
			DataLength:   uint32(len(value)),
			CreationTime: now,
		})
		c.idx.setFill(c.idx.fill() + 1)
		c.idx.setUsed(c.idx.used() + 1)
	}
	return c.flush()
}

// store allocates size heap bytes and writes b at the start of the range.
func (c *Collection) store(b []byte, size uint32) (uint32, error) {
	off, err := c.alloc.alloc(size)
	if err != nil {
		return 0, err
	}
	if err := c.heap.write(off, b); err != nil {
		c.alloc.free(off, size)
		return 0, err
	}
	return off, nil
}

// Get returns the value stored under key. ok is false when key is absent.
func (c *Collection) Get(key []byte) (value []byte, ok bool, err error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, err
	}
	pos, found, err := c.idx.findSlot(Hash64(key), key, c.heap.matchKey)
	if err != nil || !found {
		return nil, false, err
	}
	s := c.idx.slot(pos)
	if value, err = c.heap.read(s.DataSector, s.DataLength); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// GetOrExpire is Get, except that an entry written more than maxAge ago is
// removed and reported as absent.
func (c *Collection) GetOrExpire(key []byte, maxAge time.Duration) ([]byte, bool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, err
	}
	pos, found, err := c.idx.findSlot(Hash64(key), key, c.heap.matchKey)
	if err != nil || !found {
		return nil, false, err
	}
	s := c.idx.slot(pos)
	if s.CreationTime < c.cutoff(maxAge) {
		if err := c.removeAt(pos); err != nil {
			return nil, false, err
		}
		return nil, false, c.flush()
	}
	value, err := c.heap.read(s.DataSector, s.DataLength)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Remove deletes key. Removing an absent key does nothing.
func (c *Collection) Remove(key []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	pos, found, err := c.idx.findSlot(Hash64(key), key, c.heap.matchKey)
	if err != nil || !found {
		return err
	}
	if err := c.removeAt(pos); err != nil {
		return err
	}
	return c.flush()
}

// RemoveOlderThan removes every entry written more than maxAge ago and
// returns how many were removed.
func (c *Collection) RemoveOlderThan(maxAge time.Duration) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	cutoff := c.cutoff(maxAge)
	removed := 0
	for i := uint32(0); i <= c.idx.mask(); i++ {
		s := c.idx.slot(i)
		if !s.live() || s.CreationTime >= cutoff {
			continue
		}
		if err := c.removeAt(i); err != nil {
			return removed, err
		}
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	c.log.WithField("removed", removed).Debug("expired entries swept")
	return removed, c.flush()
}

func (c *Collection) cutoff(maxAge time.Duration) int64 {
	return c.ops.now().Add(-maxAge).UnixNano()
}

// removeAt turns the live slot at pos into a tombstone. dataSector stays
// set so that probes keep walking past it.
func (c *Collection) removeAt(pos uint32) error {
	s := c.idx.slot(pos)
	l, _, err := c.heap.keyLen(s.KeySector)
	if err != nil {
		return err
	}
	c.alloc.free(s.KeySector, uint32(keyRecordSize(l)))
	c.alloc.free(s.DataSector, valueSize(s.DataLength))
	s.KeySector = 0
	c.idx.setSlot(pos, s)
	c.idx.setUsed(c.idx.used() - 1)
	return nil
}

// Each calls fn for every live entry in directory order until fn returns
// false.
func (c *Collection) Each(fn func(KVPair) bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	for i := uint32(0); i <= c.idx.mask(); i++ {
		s := c.idx.slot(i)
		if !s.live() {
			continue
		}
		key, err := c.heap.key(s.KeySector)
		if err != nil {
			return err
		}
		value, err := c.heap.read(s.DataSector, s.DataLength)
		if err != nil {
			return err
		}
		if !fn(KVPair{Key: key, Value: value, Created: s.CreationTime}) {
			return nil
		}
	}
	return nil
}

// Stats reports the current occupancy of the collection.
func (c *Collection) Stats() Stats {
	return Stats{
		Used:       c.idx.used(),
		Fill:       c.idx.fill(),
		Capacity:   c.idx.mask() + 1,
		Brk:        c.alloc.brk(),
		FreeRanges: c.alloc.n,
	}
}

// flush persists heap bytes first, then the allocator and finally the
// directory that points into both.
func (c *Collection) flush() error {
	if err := c.heap.flush(); err != nil {
		return err
	}
	if err := c.alloc.flush(); err != nil {
		return err
	}
	return c.idx.flush()
}

// Close flushes and closes the three collection files.
func (c *Collection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.flush()
	for _, closer := range []func() error{c.idx.close, c.alloc.close, c.heap.close} {
		if cerr := closer(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "close collection %q", c.name)
		}
	}
	c.log.Debug("collection closed")
	return err
}
