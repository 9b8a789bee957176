package sstore

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// flock acquires an exclusive advisory lock on the directory lock file.
func flock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	} else if err == unix.EWOULDBLOCK || err == unix.EAGAIN { // linux & unix
		return ErrDatabaseInUse
	} else {
		return errors.Wrap(err, "flock failed: unknown error")
	}
}

// waitflock retries flock until it succeeds or timeout elapses.
// A zero timeout tries exactly once.
func waitflock(f *os.File, timeout time.Duration) error {
	var t time.Time
	for {
		// If we're beyond our timeout then return an error.
		// This can only occur after we've attempted a flock once.
		if t.IsZero() {
			t = time.Now()
		} else if time.Since(t) > timeout {
			return errors.Wrapf(ErrDatabaseInUse, "timeout after %s", timeout)
		}
		err := flock(f)
		if !errors.Is(err, ErrDatabaseInUse) {
			return err
		}
		if timeout <= 0 {
			return err
		}
		// Wait for a bit and try again.
		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases an advisory lock on a file descriptor.
func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func writeAt(f *os.File, off int64, buf []byte) error {
	n, err := f.WriteAt(buf, off)
	switch {
	case err != nil:
		return errors.Wrapf(err, "write %s at %d", f.Name(), off)
	case n != len(buf):
		return errors.Wrapf(ErrShortWrite, "write %s at %d", f.Name(), off)
	}
	return nil
}

func readAt(f *os.File, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	m, err := f.ReadAt(buf, off)
	switch {
	case m == n:
		return buf, nil
	case err == nil || err == io.EOF:
		return nil, errors.Wrapf(ErrShortRead, "read %s at %d", f.Name(), off)
	default:
		return nil, errors.Wrapf(err, "read %s at %d", f.Name(), off)
	}
}

// replaceFile writes buf to path+".new", syncs it and renames it over path,
// so readers of path see either the old or the new content. The returned
// handle is opened read-write on the new file.
func replaceFile(path string, buf []byte, mode os.FileMode, noSync bool) (*os.File, error) {
	tmp := path + ".new"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", tmp)
	}
	if err := writeAt(f, 0, buf); err != nil {
		_ = f.Close()
		return nil, err
	}
	if !noSync {
		if err := fdatasync(f); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "rename %s", tmp)
	}
	return f, nil
}
