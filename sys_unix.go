// +build darwin freebsd netbsd openbsd dragonfly

package sstore

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fdatasync falls back to fsync where the platform has no fdatasync.
func fdatasync(f *os.File) error {
	if err := unix.Fsync(int(f.Fd())); err != nil {
		return errors.Wrapf(err, "fsync %s", f.Name())
	}
	return nil
}
