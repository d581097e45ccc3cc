package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// FileLeaseLocker implements Locker with an exclusive lock file carrying a
// lease expiry. Intended for single-host setups and tests; the Postgres
// advisory lock is preferred when all contenders share the datastore.
//
// The file holds "<pid> <expiry-unix>". A lease is stale when it has
// expired or its holder process is gone, so a crashed holder never
// deadlocks the gate.
type FileLeaseLocker struct {
	Path  string
	Lease time.Duration

	mu   sync.Mutex
	held bool
}

func (l *FileLeaseLocker) TryAcquire(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return true, nil
	}
	lease := l.Lease
	if lease <= 0 {
		lease = 60 * time.Second
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := os.MkdirAll(filepath.Dir(l.Path), 0o750); err != nil {
			return false, err
		}
		f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			expiry := time.Now().Add(lease).Unix()
			_, werr := fmt.Fprintf(f, "%d %d\n", os.Getpid(), expiry)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(l.Path)
				return false, fmt.Errorf("write lease file: %v", werr)
			}
			l.held = true
			return true, nil
		}
		if !os.IsExist(err) {
			return false, err
		}
		// Someone holds the file. Break it only if the lease is stale.
		pid, expiry, perr := readLease(l.Path)
		if perr != nil {
			// Unreadable or malformed lease cannot be honored.
			_ = os.Remove(l.Path)
			continue
		}
		if time.Now().Unix() < expiry && pidAlive(pid) {
			return false, nil
		}
		_ = os.Remove(l.Path)
	}
	return false, nil
}

func (l *FileLeaseLocker) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false
	pid, _, err := readLease(l.Path)
	if err == nil && pid != os.Getpid() {
		// Lease was broken and re-taken while we thought we held it.
		return nil
	}
	return os.Remove(l.Path)
}

func readLease(path string) (pid int, expiry int64, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(b))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("malformed lease file %s", path)
	}
	pid, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	expiry, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return pid, expiry, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
