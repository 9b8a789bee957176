package sstore

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Options represents the options that can be set when opening a database.
type Options struct {
	// Timeout is the amount of time to wait to obtain the directory lock.
	// When set to zero a held lock fails Open immediately.
	Timeout time.Duration

	// Setting the NoSync flag skips fdatasync() after each mutation.
	// Data written since the last sync may be lost on a crash.
	NoSync bool

	// FileMode is used when creating collection and lock files.
	FileMode os.FileMode

	// Logger receives open/close and growth events. Defaults to the
	// logrus standard logger.
	Logger log.FieldLogger
}

var DefaultOptions = &Options{
	Timeout:  0,
	NoSync:   false,
	FileMode: 0644,
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = DefaultOptions
	}
	opts := *o
	if opts.FileMode == 0 {
		opts.FileMode = DefaultOptions.FileMode
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return opts
}

// DB is a directory of collections. All methods are safe for concurrent
// use. Operations on one collection are serialized; different collections
// proceed in parallel.
type DB struct {
	dir      string
	options  Options
	lockfile *os.File
	log      log.FieldLogger

	mu          sync.Mutex // guards collections and opened
	collections map[string]*Collection
	opened      bool
}

// Open opens the database in dir, creating the directory if needed. An
// empty dir opens a fresh private temporary directory. Open fails with
// ErrDatabaseInUse while another DB holds the same directory.
func Open(dir string, options *Options) (*DB, error) {
	opts := options.withDefaults()
	if dir == "" {
		tmp, err := os.MkdirTemp("", "sstore-")
		if err != nil {
			return nil, errors.Wrapf(ErrAccessDenied, "temp dir: %v", err)
		}
		dir = tmp
	}
	if err := checkDir(dir); err != nil {
		return nil, err
	}

	db := &DB{
		dir:         dir,
		options:     opts,
		log:         opts.Logger.WithField("dir", dir),
		collections: make(map[string]*Collection),
	}

	lockPath := filepath.Join(dir, lockName)
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, opts.FileMode)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.Wrapf(ErrAccessDenied, "%s: %v", lockPath, err)
		}
		return nil, errors.Wrapf(err, "open %s", lockPath)
	}
	// Lock the directory so that a second DB, in this process or another,
	// cannot interleave writes to the same collection files.
	if err := waitflock(f, opts.Timeout); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, dir)
	}
	db.lockfile = f
	db.opened = true

	db.log.Info("database opened")
	return db, nil
}

// checkDir creates dir if missing and verifies that it is a usable directory.
func checkDir(dir string) error {
	st, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, os.FileMode(0775)); err != nil {
			return errors.Wrapf(ErrAccessDenied, "mkdir %s: %v", dir, err)
		}
		return nil
	}
	if err != nil {
		return errors.Wrapf(ErrAccessDenied, "stat %s: %v", dir, err)
	}
	if !st.IsDir() {
		return errors.Wrapf(ErrAccessDenied, "'%s' is not directory", dir)
	}
	if st.Mode()&0700 != 0700 {
		return errors.Wrapf(ErrAccessDenied, "'%s' permission denied", dir)
	}
	return nil
}

// Dir returns the database directory.
func (db *DB) Dir() string {
	return db.dir
}

// collection returns the named collection, opening or creating it when
// create is set.
func (db *DB) collection(name string, create bool) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.opened {
		return nil, ErrDatabaseClosed
	}
	if c, ok := db.collections[name]; ok {
		return c, nil
	}
	if !create {
		return nil, errors.Wrapf(ErrCollectionNotFound, "%q", name)
	}
	c, err := OpenCollection(db.dir, name, &db.options)
	if err != nil {
		return nil, err
	}
	db.collections[name] = c
	return c, nil
}

// Put stores value under key in collection.
func (db *DB) Put(collection string, key, value []byte) error {
	c, err := db.collection(collection, true)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Put(key, value)
}

// Get returns the value of key in collection. ok is false when the key is
// absent, which is not an error.
func (db *DB) Get(collection string, key []byte) (value []byte, ok bool, err error) {
	c, err := db.collection(collection, true)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Get(key)
}

// Remove deletes key from collection. Removing an absent key is a no-op.
func (db *DB) Remove(collection string, key []byte) error {
	c, err := db.collection(collection, true)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Remove(key)
}

// GetOrExpire returns the value of key unless it was written more than
// maxAge ago, in which case the entry is removed and reported absent.
func (db *DB) GetOrExpire(collection string, key []byte, maxAge time.Duration) ([]byte, bool, error) {
	c, err := db.collection(collection, true)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.GetOrExpire(key, maxAge)
}

// RemoveOlderThan sweeps collection for entries written more than maxAge
// ago. The collection must have been used in this session, otherwise
// ErrCollectionNotFound is returned.
func (db *DB) RemoveOlderThan(collection string, maxAge time.Duration) (int, error) {
	c, err := db.collection(collection, false)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.RemoveOlderThan(maxAge)
}

// Each calls fn for every live entry of collection until fn returns false.
// fn must not call back into db for the same collection.
func (db *DB) Each(collection string, fn func(KVPair) bool) error {
	c, err := db.collection(collection, true)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Each(fn)
}

// Stats returns occupancy figures for collection.
func (db *DB) Stats(collection string) (Stats, error) {
	c, err := db.collection(collection, true)
	if err != nil {
		return Stats{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return Stats{}, err
	}
	return c.Stats(), nil
}

// Collections returns the names of the collections opened in this session.
func (db *DB) Collections() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close flushes and closes every collection and releases the directory
// lock. Every collection is closed even if an earlier one fails; the first
// error is returned.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.opened {
		return nil
	}
	db.opened = false

	var err error
	for name, c := range db.collections {
		c.mu.Lock()
		if cerr := c.Close(); cerr != nil {
			db.log.WithError(cerr).WithField("collection", name).Warn("close collection failed")
			if err == nil {
				err = cerr
			}
		}
		c.mu.Unlock()
	}
	db.collections = nil

	if db.lockfile != nil {
		// Unlock the file.
		if uerr := funlock(db.lockfile); uerr != nil {
			db.log.WithError(uerr).Warn("funlock failed")
		}
		// Close the file descriptor.
		if cerr := db.lockfile.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close lock file")
		}
		db.lockfile = nil
	}

	db.log.Info("database closed")
	return err
}
