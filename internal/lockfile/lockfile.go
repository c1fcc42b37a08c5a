// Package lockfile implements a non-blocking advisory run lock: flock(2) on
// a sentinel file in the snapshot directory, held for the duration of one
// run so two concurrent invocations against the same directory can't race.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package lockfile

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/btrfs2s3/btrfs2s3/internal/model"
)

// name is the sentinel file taken within a snapshot directory.
const name = ".btrfs2s3.lock"

// Lock is a held advisory lock. The zero value is not usable; obtain one
// via Acquire.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes a non-blocking exclusive lock on <snapDir>/.btrfs2s3.lock.
// It returns *model.LockHeld if another run already holds it — a
// precondition failure (exit code 2), not silent queuing.
func Acquire(snapDir string) (*Lock, error) {
	path := snapDir + string(os.PathSeparator) + name
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "lockfile: opening %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, &model.LockHeld{Path: path}
		}
		return nil, errors.Wrapf(err, "lockfile: flock %s", path)
	}

	return &Lock{f: f, path: path}, nil
}

// Release drops the lock. The sentinel file itself is left in place
// (unlinking it would race a concurrent Acquire opening the same inode
// right before removal); only the flock is released.
func (l *Lock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return errors.Wrapf(err, "lockfile: unlock %s", l.path)
	}
	return l.f.Close()
}
