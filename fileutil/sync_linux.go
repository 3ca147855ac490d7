//go:build linux

package fileutil

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fdatasync flushes written data to disk without flushing metadata that is
// not needed to retrieve the data.
func Fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
