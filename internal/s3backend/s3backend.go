// Package s3backend wraps the raw AWS S3 v1 SDK client construction and
// the object operations a remote needs: ListObjectsV2, PutObject, the
// multipart trio, and object deletion.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package s3backend

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/btrfs2s3/btrfs2s3/internal/model"
)

// EndpointConfig mirrors the per-remote s3.endpoint.* config surface.
type EndpointConfig struct {
	ProfileName   string
	Region        string
	AccessKeyID   string
	SecretKey     string
	EndpointURL   string
	Verify        *bool // nil means "use SDK default" (verify=true)
	ForcePathStyle bool
}

// Client wraps one configured S3 bucket.
type Client struct {
	Bucket string
	svc    *s3.S3
}

// New constructs a Client for bucket using cfg. A session is created once
// and reused for the client's lifetime; callers should invoke this once
// per remote, at startup, rather than per request.
func New(bucket string, cfg EndpointConfig) (*Client, error) {
	awsCfg := aws.NewConfig()
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.EndpointURL != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.EndpointURL)
		awsCfg = awsCfg.WithS3ForcePathStyle(true)
	} else if cfg.ForcePathStyle {
		awsCfg = awsCfg.WithS3ForcePathStyle(true)
	}
	if cfg.Verify != nil && !*cfg.Verify {
		awsCfg = awsCfg.WithDisableSSL(false).WithHTTPClient(insecureHTTPClient())
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretKey, ""))
	}

	opts := session.Options{
		SharedConfigState: session.SharedConfigEnable,
		Config:            *awsCfg,
	}
	if cfg.ProfileName != "" {
		opts.Profile = cfg.ProfileName
	}
	sess, err := session.NewSessionWithOptions(opts)
	if err != nil {
		return nil, errors.Wrap(err, "s3backend: creating session")
	}
	return &Client{Bucket: bucket, svc: s3.New(sess)}, nil
}

// toS3Error classifies an AWS error as transient or permanent.
func toS3Error(op string, err error) error {
	if err == nil {
		return nil
	}
	if reqErr, ok := err.(awserr.RequestFailure); ok {
		return &model.S3Error{Transient: isTransientStatus(reqErr.StatusCode()), Op: op, Err: err}
	}
	return &model.S3Error{Transient: false, Op: op, Err: err}
}

func isTransientStatus(code int) bool {
	return code == 500 || code == 502 || code == 503 || code == 504 || code == 429
}

// ListPage is one page of a ListObjectsV2 listing.
type ListPage struct {
	Keys              []string
	ContinuationToken string
	Truncated         bool
}

// ListObjectsV2Page lists one page of up to 1000 keys, starting at
// continuationToken ("" for the first page).
func (c *Client) ListObjectsV2Page(ctx context.Context, continuationToken string) (ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.Bucket),
		MaxKeys: aws.Int64(1000),
	}
	if continuationToken != "" {
		input.ContinuationToken = aws.String(continuationToken)
	}
	if glog.V(4) {
		glog.Infof("s3backend: list_objects_v2 bucket=%s token=%q", c.Bucket, continuationToken)
	}
	resp, err := c.svc.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		return ListPage{}, toS3Error("ListObjectsV2", err)
	}
	page := ListPage{Keys: make([]string, 0, len(resp.Contents))}
	for _, obj := range resp.Contents {
		page.Keys = append(page.Keys, aws.StringValue(obj.Key))
	}
	if aws.BoolValue(resp.IsTruncated) {
		page.Truncated = true
		page.ContinuationToken = aws.StringValue(resp.NextContinuationToken)
	}
	return page, nil
}

// ListAllKeys drains every page of the bucket's listing.
func (c *Client) ListAllKeys(ctx context.Context) ([]string, error) {
	var all []string
	token := ""
	for {
		page, err := c.ListObjectsV2Page(ctx, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Keys...)
		if !page.Truncated {
			return all, nil
		}
		token = page.ContinuationToken
	}
}

// PutObject ships body as a single PutObject call.
func (c *Client) PutObject(ctx context.Context, key string, body aws.ReaderSeekerCloser, contentLength int64) error {
	if glog.V(3) {
		glog.Infof("s3backend: put_object bucket=%s key=%s size=%d", c.Bucket, key, contentLength)
	}
	_, err := c.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(contentLength),
	})
	return toS3Error("PutObject", err)
}

// CreateMultipartUpload begins a multipart upload and returns its UploadId.
func (c *Client) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	resp, err := c.svc.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", toS3Error("CreateMultipartUpload", err)
	}
	return aws.StringValue(resp.UploadId), nil
}

// UploadPart ships one part and returns its ETag.
func (c *Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int64, body aws.ReaderSeekerCloser, contentLength int64) (string, error) {
	if glog.V(4) {
		glog.Infof("s3backend: upload_part bucket=%s key=%s upload=%s part=%d size=%d",
			c.Bucket, key, uploadID, partNumber, contentLength)
	}
	resp, err := c.svc.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.Bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int64(partNumber),
		Body:          body,
		ContentLength: aws.Int64(contentLength),
	})
	if err != nil {
		return "", toS3Error("UploadPart", err)
	}
	return aws.StringValue(resp.ETag), nil
}

// CompletedPart is one entry of the CompleteMultipartUpload manifest.
type CompletedPart struct {
	PartNumber int64
	ETag       string
}

// CompleteMultipartUpload finalizes the upload with the accumulated parts.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	completed := make([]*s3.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = &s3.CompletedPart{PartNumber: aws.Int64(p.PartNumber), ETag: aws.String(p.ETag)}
	}
	_, err := c.svc.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	return toS3Error("CompleteMultipartUpload", err)
}

// AbortMultipartUpload cleans up a failed multipart upload. Idempotent:
// aws returns NoSuchUpload if already aborted/completed, which we
// swallow since the caller is already unwinding an error path.
func (c *Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := c.svc.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchUpload {
			return nil
		}
		glog.Warningf("s3backend: abort_multipart_upload key=%s upload=%s: %v", key, uploadID, err)
		return toS3Error("AbortMultipartUpload", err)
	}
	return nil
}

// DeleteObjects deletes keys in batched calls of up to 1000 keys each.
func (c *Client) DeleteObjects(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	const maxBatch = 1000
	for start := 0; start < len(keys); start += maxBatch {
		end := start + maxBatch
		if end > len(keys) {
			end = len(keys)
		}
		objects := make([]*s3.ObjectIdentifier, end-start)
		for i, k := range keys[start:end] {
			objects[i] = &s3.ObjectIdentifier{Key: aws.String(k)}
		}
		_, err := c.svc.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.Bucket),
			Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return toS3Error("DeleteObjects", err)
		}
	}
	return nil
}

// DeleteObject deletes a single key, matching the executor's one-action-
// at-a-time model for DeleteBackup. "Not found" counts as success.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	_, err := c.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil
		}
		return toS3Error("DeleteObject", err)
	}
	return nil
}

// insecureHTTPClient skips TLS verification for s3.endpoint.verify=false
// (self-signed endpoints in test/lab S3-compatible deployments).
func insecureHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}, //nolint:gosec
	}
}
