// Package devlock keeps two lock checks from driving the same device at once.
package devlock

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrBusy is returned when another process holds the device lock.
var ErrBusy = errors.New("device is in use by another process")

// Lock is a held advisory lock on one device address.
type Lock struct {
	fl *flock.Flock
}

// Path returns a lock file path for a device address under dir.
func Path(dir, device string) string {
	sum := sha256.Sum256([]byte(device))
	return filepath.Join(dir, "refcheck-"+hex.EncodeToString(sum[:8])+".lock")
}

// Acquire takes the lock for device without blocking.
func Acquire(dir, device string) (*Lock, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(Path(dir, device))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", fl.Path(), ErrBusy)
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.fl.Path() }

// Release drops the lock. The lock file is left in place.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	return l.fl.Unlock()
}
