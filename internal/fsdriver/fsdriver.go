// Package fsdriver is the filesystem collaborator contract (is_subvolume,
// subvolume_info, create_snapshot, delete_subvolume, rename,
// iter_subvolumes, send) plus a concrete implementation driving the
// `btrfs` CLI binary as subprocesses.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package fsdriver

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/btrfs2s3/btrfs2s3/internal/model"
)

// Info is the kernel-reported subvolume attribute record.
type Info struct {
	UUID       uuid.UUID
	ParentUUID uuid.UUID
	CTransID   uint64
	CTime      time.Time
	ReadOnly   bool
}

// Driver is the filesystem collaborator contract, abstracted behind an
// interface so internal/inventory and internal/executor never depend on
// the `btrfs` binary directly (tests substitute a fake).
type Driver interface {
	IsSubvolume(path string) (bool, error)
	SubvolumeInfo(path string) (Info, error)
	CreateSnapshot(ctx context.Context, src, dst string, readOnly bool) error
	DeleteSubvolume(path string) error
	Rename(oldPath, newPath string) error
	IterSubvolumes(dir string) ([]SubvolumeEntry, error)
	Send(ctx context.Context, snapshot, parentSnapshot string) (io.ReadCloser, error)
	FreeBytes(path string) (uint64, error)
}

// SubvolumeEntry is one entry of a directory listing (iter_subvolumes).
type SubvolumeEntry struct {
	Name string
	Info Info
}

// CLI drives the real `btrfs` binary. binPath defaults to "btrfs" if empty
// (resolved via PATH at call time).
type CLI struct {
	BinPath string
}

func (c *CLI) bin() string {
	if c.BinPath != "" {
		return c.BinPath
	}
	return "btrfs"
}

func (c *CLI) IsSubvolume(path string) (bool, error) {
	out, err := exec.Command(c.bin(), "subvolume", "show", path).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "Not a Btrfs subvolume") {
			return false, nil
		}
		return false, errors.Wrapf(err, "btrfs subvolume show %s: %s", path, out)
	}
	return true, nil
}

// SubvolumeInfo parses `btrfs subvolume show` output. The real tool emits
// a flat "Key: Value" block per subvolume; parsing it here keeps the
// contract concrete without requiring a kernel ioctl binding.
func (c *CLI) SubvolumeInfo(path string) (Info, error) {
	out, err := exec.Command(c.bin(), "subvolume", "show", path).Output()
	if err != nil {
		return Info{}, errors.Wrapf(err, "btrfs subvolume show %s", path)
	}
	return parseSubvolumeShow(out)
}

func parseSubvolumeShow(out []byte) (Info, error) {
	var info Info
	lines := strings.Split(string(out), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		key, val, ok := splitKV(line)
		if !ok {
			continue
		}
		switch key {
		case "UUID":
			u, err := uuid.Parse(val)
			if err != nil {
				return Info{}, errors.Wrapf(err, "parsing UUID field %q", val)
			}
			info.UUID = u
		case "Parent UUID":
			if val == "-" {
				continue
			}
			u, err := uuid.Parse(val)
			if err != nil {
				return Info{}, errors.Wrapf(err, "parsing Parent UUID field %q", val)
			}
			info.ParentUUID = u
		case "Creation time":
			t, err := time.ParseInLocation("2006-01-02 15:04:05 -0700", val, time.Local)
			if err != nil {
				return Info{}, errors.Wrapf(err, "parsing Creation time field %q", val)
			}
			info.CTime = t
		case "Transaction":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return Info{}, errors.Wrapf(err, "parsing Transaction field %q", val)
			}
			info.CTransID = n
		case "Flags":
			info.ReadOnly = strings.Contains(val, "readonly")
		}
	}
	return info, nil
}

func splitKV(line string) (key, val string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func (c *CLI) CreateSnapshot(ctx context.Context, src, dst string, readOnly bool) error {
	args := []string{"subvolume", "snapshot"}
	if readOnly {
		args = append(args, "-r")
	}
	args = append(args, src, dst)
	out, err := exec.CommandContext(ctx, c.bin(), args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "btrfs subvolume snapshot %s %s: %s", src, dst, out)
	}
	return nil
}

func (c *CLI) DeleteSubvolume(path string) error {
	out, err := exec.Command(c.bin(), "subvolume", "delete", path).CombinedOutput()
	if err != nil {
		if os.IsNotExist(err) || strings.Contains(string(out), "No such file or directory") {
			return nil // deletes are idempotent
		}
		return errors.Wrapf(err, "btrfs subvolume delete %s: %s", path, out)
	}
	return nil
}

func (c *CLI) Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return errors.Wrapf(err, "rename %s -> %s", oldPath, newPath)
	}
	return nil
}

func (c *CLI) IterSubvolumes(dir string) ([]SubvolumeEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading snapshot directory %s", dir)
	}
	var out []SubvolumeEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		full := filepath.Join(dir, e.Name())
		isSub, err := c.IsSubvolume(full)
		if err != nil {
			return nil, err
		}
		if !isSub {
			continue
		}
		info, err := c.SubvolumeInfo(full)
		if err != nil {
			return nil, err
		}
		out = append(out, SubvolumeEntry{Name: e.Name(), Info: info})
	}
	return out, nil
}

// sendStderrTailBytes bounds the stderr kept for PipelineFailed
// reporting, matching internal/piper's own ring-buffer size for the rest
// of the pipeline.
const sendStderrTailBytes = 16 * 1024

// Send drives `btrfs send [-p parent] snapshot`, handing the caller the
// stdout pipe. The caller (internal/piper) owns waiting on the process as
// one of the pipeline's children: a nonzero exit from any child,
// including send, fails the whole operation. Send itself only starts it
// and wires stdout.
func (c *CLI) Send(ctx context.Context, snapshot, parentSnapshot string) (io.ReadCloser, error) {
	args := []string{"send"}
	if parentSnapshot != "" {
		args = append(args, "-p", parentSnapshot)
	}
	args = append(args, snapshot)
	cmd := exec.CommandContext(ctx, c.bin(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "btrfs send: stdout pipe")
	}
	stderr := newBoundedBuffer(sendStderrTailBytes)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "btrfs send: start")
	}
	return &sendProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// boundedBuffer keeps only the last max bytes written to it.
type boundedBuffer struct {
	max int
	buf bytes.Buffer
}

func newBoundedBuffer(max int) *boundedBuffer { return &boundedBuffer{max: max} }

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.buf.Write(p)
	if excess := b.buf.Len() - b.max; excess > 0 {
		b.buf.Next(excess)
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }

type sendProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *boundedBuffer
}

func (s *sendProcess) Read(p []byte) (int, error) { return s.stdout.Read(p) }

// Close waits on the send process and reports a nonzero exit as
// *model.PipelineFailed so internal/piper can treat it uniformly with the
// rest of the chain's stages.
func (s *sendProcess) Close() error {
	_ = s.stdout.Close()
	err := s.cmd.Wait()
	if err != nil {
		code := -1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
		return &model.PipelineFailed{Which: "send", Code: code, StderrTail: s.stderr.String()}
	}
	return nil
}

// FreeBytes returns free bytes available on path's filesystem. The
// executor does not call it, so no free-space check is made before
// CreateSnapshot.
func (c *CLI) FreeBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", path)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

var _ Driver = (*CLI)(nil)
