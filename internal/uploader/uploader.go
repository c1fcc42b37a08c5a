// Package uploader ships a single, unbounded, non-seekable byte stream to
// S3 while minimizing billable API calls, choosing single-PUT vs.
// multipart based on a buffered prefix.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/OneOfOne/xxhash"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/btrfs2s3/btrfs2s3/internal/model"
	"github.com/btrfs2s3/btrfs2s3/internal/s3backend"
)

// mlcgSeed is an arbitrary fixed seed for the spill-filename digest; any
// fixed value works, it only needs to be stable within a process for
// inspectability, not cryptographically meaningful.
const mlcgSeed = 0x2545F4914F6CDD1D

// partThreshold, maxParts, and maxObject are the three tuning parameters
// governing spill and multipart behavior. They are vars, not consts,
// solely so tests can shrink partThreshold and maxObject instead of
// spilling real gigabytes to disk; production callers never reassign them.
var (
	// partThreshold is both the point at which single-PUT gives way to
	// multipart, and the size of every part but the last. A stream of
	// exactly partThreshold+1 bytes uses exactly two parts: a full-size
	// first part and a 1 byte second part.
	partThreshold int64 = 5 * 1024 * 1024 * 1024
	maxParts      int64 = 10000
	maxObject     int64 = 5 * 1024 * 1024 * 1024 * 1024
)

// Client is the subset of s3backend.Client the uploader needs.
type Client interface {
	PutObject(ctx context.Context, key string, body aws.ReaderSeekerCloser, contentLength int64) error
	CreateMultipartUpload(ctx context.Context, key string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int64, body aws.ReaderSeekerCloser, contentLength int64) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []s3backend.CompletedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// Upload streams stream to key via client, spilling each partThreshold-
// sized chunk to an unlinked temp file before shipping it. onBytes, if
// non-nil, is invoked after every successful part/PUT with the number of
// bytes just shipped (wired to an mpb progress bar by the caller; never
// by this package directly).
func Upload(ctx context.Context, client Client, key string, stream io.Reader, onBytes func(int64)) error {
	remaining, first, n1, eof1, err := spill(stream, key, 0)
	if err != nil {
		return err
	}
	defer first.Close()

	if eof1 {
		if n1 == 0 {
			return &model.EmptyStream{}
		}
		if err := client.PutObject(ctx, key, aws.ReadSeekCloser(first), n1); err != nil {
			return err
		}
		if onBytes != nil {
			onBytes(n1)
		}
		return nil
	}

	uploadID, err := client.CreateMultipartUpload(ctx, key)
	if err != nil {
		return err
	}

	abortAndReturn := func(cause error) error {
		if abortErr := client.AbortMultipartUpload(ctx, key, uploadID); abortErr != nil {
			glog.Warningf("uploader: abort_multipart_upload key=%s upload=%s: %v", key, uploadID, abortErr)
		}
		return cause
	}

	var parts []s3backend.CompletedPart
	total := n1

	etag, err := client.UploadPart(ctx, key, uploadID, 1, aws.ReadSeekCloser(first), n1)
	if err != nil {
		return abortAndReturn(err)
	}
	parts = append(parts, s3backend.CompletedPart{PartNumber: 1, ETag: etag})
	if onBytes != nil {
		onBytes(n1)
	}

	for partNum := int64(2); ; partNum++ {
		if partNum > maxParts {
			return abortAndReturn(&model.ObjectTooLarge{Bytes: total, MaxBytes: maxObject})
		}
		var chunk *os.File
		var n int64
		var eof bool
		remaining, chunk, n, eof, err = spill(remaining, key, partNum)
		if err != nil {
			return abortAndReturn(err)
		}
		total += n
		if total > maxObject {
			chunk.Close()
			return abortAndReturn(&model.ObjectTooLarge{Bytes: total, MaxBytes: maxObject})
		}
		if n > 0 {
			etag, err := client.UploadPart(ctx, key, uploadID, partNum, aws.ReadSeekCloser(chunk), n)
			chunk.Close()
			if err != nil {
				return abortAndReturn(err)
			}
			parts = append(parts, s3backend.CompletedPart{PartNumber: partNum, ETag: etag})
			if onBytes != nil {
				onBytes(n)
			}
		} else {
			chunk.Close()
		}
		if eof {
			break
		}
	}

	return client.CompleteMultipartUpload(ctx, key, uploadID, parts)
}

// spill reads up to partThreshold bytes of r into a fresh, already-unlinked
// temp file, seeks it back to 0, and reports whether EOF was reached.
// Returns next, the reader the caller must use for the following chunk:
// io.CopyN alone can't distinguish "source had exactly partThreshold bytes
// left" from "source had more" (io.LimitReader swallows that distinction
// once its quota is exhausted), so when exactly partThreshold bytes are
// copied, spill probes one more byte and, if the source wasn't actually
// done, prepends that byte back onto next via io.MultiReader.
func spill(r io.Reader, key string, seq int64) (next io.Reader, f *os.File, n int64, eof bool, err error) {
	digest := xxhash.ChecksumString64S(fmt.Sprintf("%s#%d", key, seq), mlcgSeed)
	pattern := fmt.Sprintf("btrfs2s3-spill-%016x-*", digest)

	tmp, err := ioutil.TempFile("", pattern)
	if err != nil {
		return nil, nil, 0, false, errors.Wrap(err, "uploader: creating spill file")
	}
	if rmErr := os.Remove(tmp.Name()); rmErr != nil {
		tmp.Close()
		return nil, nil, 0, false, errors.Wrap(rmErr, "uploader: unlinking spill file")
	}

	written, copyErr := io.CopyN(tmp, r, partThreshold)
	if copyErr != nil && copyErr != io.EOF {
		tmp.Close()
		return nil, nil, 0, false, errors.Wrap(copyErr, "uploader: spilling stream to disk")
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, nil, 0, false, errors.Wrap(err, "uploader: rewinding spill file")
	}

	if copyErr == io.EOF {
		// Fewer than partThreshold bytes were available; source is done.
		return r, tmp, written, true, nil
	}

	// Exactly partThreshold bytes were copied; probe for one more to tell
	// a clean EOF from "there's another chunk waiting".
	var probe [1]byte
	pn, perr := r.Read(probe[:])
	if pn > 0 {
		return io.MultiReader(bytes.NewReader(probe[:pn]), r), tmp, written, false, nil
	}
	if perr != nil && perr != io.EOF {
		tmp.Close()
		return nil, nil, 0, false, errors.Wrap(perr, "uploader: probing for stream end")
	}
	return r, tmp, written, true, nil
}
