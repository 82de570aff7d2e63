//go:build unix

package filebuf

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/rzbill/flobuf/internal/errs"
)

// lockDir takes an exclusive advisory lock on path. A second process
// opening the same buffer gets a transient error.
func lockDir(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errs.Errorf(errs.KindTransientIO, "filebuf.open", "buffer directory is locked by another process")
		}
		return nil, errors.Wrap(err, "flock")
	}
	return f, nil
}

func unlockDir(f *os.File) error {
	if f == nil {
		return nil
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}
