package sstore

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openTestDB(t *testing.T, dir string) *DB {
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenTempDir(t *testing.T) {
	assert := assertion.New(t)
	db, err := Open("", testOptions())
	assert.NoError(err)
	defer os.RemoveAll(db.Dir())

	st, err := os.Stat(db.Dir())
	assert.NoError(err)
	assert.True(st.IsDir())
	_, err = os.Stat(filepath.Join(db.Dir(), lockName))
	assert.NoError(err)
	assert.NoError(db.Close())
}

func TestOpenCreatesDir(t *testing.T) {
	assert := assertion.New(t)
	dir := filepath.Join(t.TempDir(), "a", "b")
	db := openTestDB(t, dir)
	assert.Equal(dir, db.Dir())
	st, err := os.Stat(dir)
	assert.NoError(err)
	assert.True(st.IsDir())
}

func TestOpenNotADirectory(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	db, err := Open(path, testOptions())
	assert.Nil(db)
	assert.True(errors.Is(err, ErrAccessDenied), "%v", err)
}

func TestOpenLocked(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)

	// concurrent open of the same directory
	db2, err := Open(dir, testOptions())
	assert.Nil(db2)
	assert.True(errors.Is(err, ErrDatabaseInUse), "%v", err)

	opts := testOptions()
	opts.Timeout = 120 * time.Millisecond
	start := time.Now()
	db2, err = Open(dir, opts)
	assert.Nil(db2)
	assert.True(errors.Is(err, ErrDatabaseInUse), "%v", err)
	assert.True(time.Since(start) >= opts.Timeout)

	// released on close
	assert.NoError(db.Close())
	db2, err = Open(dir, testOptions())
	assert.NoError(err)
	assert.NoError(db2.Close())
}

func TestOpenWaitsForLock(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = db.Close()
	}()
	opts := testOptions()
	opts.Timeout = 5 * time.Second
	db2, err := Open(dir, opts)
	assert.NoError(err)
	assert.NoError(db2.Close())
}

func TestDBOperations(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, t.TempDir())

	assert.NoError(db.Put("users", []byte("alice"), []byte("1")))
	assert.NoError(db.Put("users", []byte("bob"), []byte("2")))
	assert.NoError(db.Put("groups", []byte("alice"), []byte("admins")))

	v, ok, err := db.Get("users", []byte("alice"))
	assert.NoError(err)
	assert.True(ok)
	assert.Equal([]byte("1"), v)

	v, ok, err = db.Get("groups", []byte("alice"))
	assert.NoError(err)
	assert.True(ok)
	assert.Equal([]byte("admins"), v)

	assert.NoError(db.Remove("users", []byte("alice")))
	_, ok, err = db.Get("users", []byte("alice"))
	assert.NoError(err)
	assert.False(ok)

	// get on a collection that does not exist yet creates it
	_, ok, err = db.Get("fresh", []byte("k"))
	assert.NoError(err)
	assert.False(ok)
	assert.Equal([]string{"fresh", "groups", "users"}, db.Collections())

	st, err := db.Stats("users")
	assert.NoError(err)
	assert.Equal(uint32(1), st.Used)

	var keys []string
	assert.NoError(db.Each("users", func(kv KVPair) bool {
		keys = append(keys, string(kv.Key))
		return true
	}))
	assert.Equal([]string{"bob"}, keys)

	_, err = db.Stats("bad/name")
	assert.True(errors.Is(err, ErrInvalidName))
}

func TestDBExpiry(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, t.TempDir())

	_, err := db.RemoveOlderThan("never", time.Hour)
	assert.True(errors.Is(err, ErrCollectionNotFound), "%v", err)

	assert.NoError(db.Put("cache", []byte("k"), []byte("v")))
	clock := &fakeClock{now: time.Now()}
	c, err := db.collection("cache", false)
	require.NoError(t, err)
	c.mu.Lock()
	c.ops.now = clock.Now
	c.mu.Unlock()

	v, ok, err := db.GetOrExpire("cache", []byte("k"), time.Minute)
	assert.NoError(err)
	assert.True(ok)
	assert.Equal([]byte("v"), v)

	clock.Advance(2 * time.Minute)
	_, ok, err = db.GetOrExpire("cache", []byte("k"), time.Minute)
	assert.NoError(err)
	assert.False(ok)
	_, ok, err = db.Get("cache", []byte("k"))
	assert.NoError(err)
	assert.False(ok)

	assert.NoError(db.Put("cache", []byte("a"), []byte("1")))
	clock.Advance(2 * time.Minute)
	assert.NoError(db.Put("cache", []byte("b"), []byte("2")))
	n, err := db.RemoveOlderThan("cache", time.Minute)
	assert.NoError(err)
	assert.Equal(1, n)
	_, ok, _ = db.Get("cache", []byte("a"))
	assert.False(ok)
	_, ok, _ = db.Get("cache", []byte("b"))
	assert.True(ok)
}

func TestDBClosed(t *testing.T) {
	assert := assertion.New(t)
	db, err := Open(t.TempDir(), testOptions())
	require.NoError(t, err)
	assert.NoError(db.Put("c", []byte("k"), []byte("v")))
	assert.NoError(db.Close())
	assert.NoError(db.Close())

	assert.True(errors.Is(db.Put("c", []byte("k"), []byte("v")), ErrDatabaseClosed))
	_, _, err = db.Get("c", []byte("k"))
	assert.True(errors.Is(err, ErrDatabaseClosed))
	_, err = db.RemoveOlderThan("c", time.Hour)
	assert.True(errors.Is(err, ErrDatabaseClosed))
}

func TestDBReopen(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		assert.NoError(db.Put(fmt.Sprintf("c%d", i%3), []byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))))
	}
	assert.NoError(db.Close())

	db = openTestDB(t, dir)
	for i := 0; i < 50; i++ {
		v, ok, err := db.Get(fmt.Sprintf("c%d", i%3), []byte(fmt.Sprintf("k%d", i)))
		assert.NoError(err)
		assert.True(ok)
		assert.Equal(fmt.Sprintf("v%d", i), string(v))
	}
}

func TestDBConcurrent(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, t.TempDir())

	const workers, perWorker = 8, 150
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		// one private collection per worker plus a shared one
		g.Go(func() error {
			own := fmt.Sprintf("own%d", w)
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("k%d", i))
				val := []byte(fmt.Sprintf("%d-%d", w, i))
				if err := db.Put(own, key, val); err != nil {
					return err
				}
				if err := db.Put("shared", []byte(fmt.Sprintf("w%d-k%d", w, i)), val); err != nil {
					return err
				}
				got, ok, err := db.Get(own, key)
				if err != nil {
					return err
				}
				if !ok || string(got) != string(val) {
					return errors.Errorf("%s/%s: got %q", own, key, got)
				}
				if i%5 == 0 {
					if err := db.Remove("shared", []byte(fmt.Sprintf("w%d-k%d", w, i))); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	assert.NoError(g.Wait())

	for w := 0; w < workers; w++ {
		st, err := db.Stats(fmt.Sprintf("own%d", w))
		assert.NoError(err)
		assert.Equal(uint32(perWorker), st.Used)
	}
	st, err := db.Stats("shared")
	assert.NoError(err)
	assert.Equal(uint32(workers*perWorker*4/5), st.Used)
	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			v, ok, err := db.Get("shared", []byte(fmt.Sprintf("w%d-k%d", w, i)))
			assert.NoError(err)
			assert.Equal(i%5 != 0, ok)
			if ok {
				assert.Equal(fmt.Sprintf("%d-%d", w, i), string(v))
			}
		}
	}
}

func TestDBConcurrentSameKey(t *testing.T) {
	assert := assertion.New(t)
	db := openTestDB(t, t.TempDir())

	// every value a reader sees must be one that some writer wrote whole
	values := map[string]bool{}
	for w := 0; w < 4; w++ {
		values[fmt.Sprintf("writer-%d-%s", w, string(make([]byte, 100*w)))] = true
	}
	var g errgroup.Group
	for v := range values {
		v := v
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				if err := db.Put("hot", []byte("key"), []byte(v)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			got, ok, err := db.Get("hot", []byte("key"))
			if err != nil {
				return err
			}
			if ok && !values[string(got)] {
				return errors.Errorf("torn read %q", got)
			}
		}
		return nil
	})
	assert.NoError(g.Wait())
	st, err := db.Stats("hot")
	assert.NoError(err)
	assert.Equal(uint32(1), st.Used)
}
