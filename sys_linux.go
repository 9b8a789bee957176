package sstore

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fdatasync flushes file contents without forcing a metadata update.
func fdatasync(f *os.File) error {
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return errors.Wrapf(err, "fdatasync %s", f.Name())
	}
	return nil
}
