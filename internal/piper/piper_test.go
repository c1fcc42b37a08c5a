package piper

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"testing"
	"time"

	"github.com/btrfs2s3/btrfs2s3/internal/model"
)

func TestNoStagesPassesInputThrough(t *testing.T) {
	ctx := context.Background()
	input := bytes.NewBufferString("hello world")

	p, err := Start(ctx, input, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, err := ioutil.ReadAll(p.Stdout())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(out) != "hello world" {
		t.Fatalf("expected passthrough, got %q", out)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSingleStageTransformsStream(t *testing.T) {
	ctx := context.Background()
	input := bytes.NewBufferString("line one\nline two\nline one again\n")

	p, err := Start(ctx, input, [][]string{{"sort"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, err := ioutil.ReadAll(p.Stdout())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := "line one\nline one again\nline two\n"
	if string(out) != want {
		t.Fatalf("got %q, want %q", out, want)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestMultiStageChain(t *testing.T) {
	ctx := context.Background()
	input := bytes.NewBufferString("apple\nbanana\navocado\ncherry\n")

	p, err := Start(ctx, input, [][]string{
		{"grep", "^a"},
		{"sort"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, err := ioutil.ReadAll(p.Stdout())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := "apple\navocado\n"
	if string(out) != want {
		t.Fatalf("got %q, want %q", out, want)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestFailingStageReturnsPipelineFailed(t *testing.T) {
	ctx := context.Background()
	input := bytes.NewBufferString("anything\n")

	p, err := Start(ctx, input, [][]string{{"false"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, _ = io.Copy(ioutil.Discard, p.Stdout())
	err = p.Wait()
	if err == nil {
		t.Fatal("expected an error from a failing stage")
	}
	pf, ok := err.(*model.PipelineFailed)
	if !ok {
		t.Fatalf("expected *model.PipelineFailed, got %T: %v", err, err)
	}
	if pf.Which != "false" {
		t.Fatalf("expected failing stage to be reported as %q, got %q", "false", pf.Which)
	}
}

// fakeSendHandle stands in for fsdriver's sendProcess: a read handle whose
// Close reports the send subprocess's exit status.
type fakeSendHandle struct {
	io.Reader
	closeErr error
}

func (f *fakeSendHandle) Close() error { return f.closeErr }

func TestSendFailureSurfacesWithNoStages(t *testing.T) {
	ctx := context.Background()
	wantErr := &model.PipelineFailed{Which: "send", Code: 1, StderrTail: "boom"}
	input := &fakeSendHandle{Reader: bytes.NewBufferString("data"), closeErr: wantErr}

	p, err := Start(ctx, input, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, _ = ioutil.ReadAll(p.Stdout())
	if err := p.Wait(); err != wantErr {
		t.Fatalf("expected send failure to propagate, got %v", err)
	}
}

func TestSendFailureSurfacesWithStages(t *testing.T) {
	ctx := context.Background()
	wantErr := &model.PipelineFailed{Which: "send", Code: 1, StderrTail: "boom"}
	input := &fakeSendHandle{Reader: bytes.NewBufferString("line\n"), closeErr: wantErr}

	p, err := Start(ctx, input, [][]string{{"cat"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, _ = ioutil.ReadAll(p.Stdout())
	if err := p.Wait(); err != wantErr {
		t.Fatalf("expected send failure to propagate through the stage chain, got %v", err)
	}
}

func TestCancelEscalatesToTermination(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	input := bytes.NewBufferString("")

	p, err := Start(ctx, input, [][]string{{"sleep", "30"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	done := make(chan error, 1)
	go func() {
		_, _ = io.Copy(ioutil.Discard, p.Stdout())
		done <- p.Wait()
	}()

	select {
	case <-done:
		// Terminated well before the 30s sleep would have elapsed on its own.
	case <-time.After(killGrace + 10*time.Second):
		t.Fatal("pipeline did not terminate after context cancellation")
	}
}
