// Package priv drops root privileges to a configured service account
// before any worker is launched. A requested drop that cannot be
// completed is a startup-fatal error; running as non-root simply logs
// and continues.
package priv

import (
	"fmt"
	"log/slog"
	"os/user"
	"strconv"
	"syscall"
)

// DropError wraps a failed privilege drop so callers can distinguish it
// from ordinary startup errors.
type DropError struct {
	User string
	Err  error
}

func (e *DropError) Error() string {
	return fmt.Sprintf("drop privileges to %q: %v", e.User, e.Err)
}

func (e *DropError) Unwrap() error { return e.Err }

// Drop switches the process to the given user when running as root.
// The order matters: supplementary groups, then gid, then uid — once the
// uid changes the process can no longer adjust groups. Drop verifies the
// new uid took effect and returns a *DropError on any failure.
func Drop(username string) error {
	if username == "" {
		return nil
	}
	if syscall.Geteuid() != 0 {
		slog.Warn("not running as root, skipping privilege drop", "user", username)
		return nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return &DropError{User: username, Err: err}
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return &DropError{User: username, Err: fmt.Errorf("parse uid %q: %w", u.Uid, err)}
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return &DropError{User: username, Err: fmt.Errorf("parse gid %q: %w", u.Gid, err)}
	}

	groups, err := u.GroupIds()
	if err != nil {
		return &DropError{User: username, Err: fmt.Errorf("list groups: %w", err)}
	}
	gids := make([]int, 0, len(groups))
	for _, g := range groups {
		n, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		gids = append(gids, n)
	}

	if err := syscall.Setgroups(gids); err != nil {
		return &DropError{User: username, Err: fmt.Errorf("setgroups: %w", err)}
	}
	if err := syscall.Setgid(gid); err != nil {
		return &DropError{User: username, Err: fmt.Errorf("setgid %d: %w", gid, err)}
	}
	if err := syscall.Setuid(uid); err != nil {
		return &DropError{User: username, Err: fmt.Errorf("setuid %d: %w", uid, err)}
	}
	if syscall.Getuid() != uid || syscall.Getgid() != gid {
		return &DropError{User: username, Err: fmt.Errorf("verification failed: uid=%d gid=%d", syscall.Getuid(), syscall.Getgid())}
	}

	slog.Info("privileges dropped", "user", username, "uid", uid, "gid", gid)
	return nil
}
