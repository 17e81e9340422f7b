package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	minCopyPartSize = 512 * 1024 * 1024
	maxCopyParts    = 10000
)

// MultipartCopier copies one S3 object to another key in byte ranges.
type MultipartCopier struct {
	client     s3API
	bucket     string
	srcKey     string
	dstKey     string
	uploadID   string
	parts      []types.CompletedPart
	partNumber int32
}

// NewMultipartCopier creates a new multipart copier.
func NewMultipartCopier(client s3API, bucket, srcKey, dstKey string) *MultipartCopier {
	return &MultipartCopier{
		client:     client,
		bucket:     bucket,
		srcKey:     srcKey,
		dstKey:     dstKey,
		parts:      make([]types.CompletedPart, 0),
		partNumber: 1,
	}
}

// Start initiates the multipart upload on the destination key.
func (m *MultipartCopier) Start(ctx context.Context, metadata map[string]string) error {
	output, err := m.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(m.bucket),
		Key:      aws.String(m.dstKey),
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}

	m.uploadID = aws.ToString(output.UploadId)
	return nil
}

// CopyPart copies the inclusive byte range [first, last] of the source.
func (m *MultipartCopier) CopyPart(ctx context.Context, first, last int64) error {
	partNumber := m.partNumber
	m.partNumber++

	output, err := m.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
		Bucket:          aws.String(m.bucket),
		Key:             aws.String(m.dstKey),
		UploadId:        aws.String(m.uploadID),
		PartNumber:      aws.Int32(partNumber),
		CopySource:      aws.String(copySource(m.bucket, m.srcKey)),
		CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", first, last)),
	})
	if err != nil {
		return fmt.Errorf("failed to copy part %d: %w", partNumber, err)
	}

	part := types.CompletedPart{PartNumber: aws.Int32(partNumber)}
	if output.CopyPartResult != nil {
		part.ETag = output.CopyPartResult.ETag
	}
	m.parts = append(m.parts, part)
	return nil
}

// Complete finalizes the multipart upload.
func (m *MultipartCopier) Complete(ctx context.Context) error {
	_, err := m.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(m.bucket),
		Key:      aws.String(m.dstKey),
		UploadId: aws.String(m.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: m.parts,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	return nil
}

// Abort cancels the multipart upload.
func (m *MultipartCopier) Abort(ctx context.Context) error {
	if m.uploadID == "" {
		return nil
	}

	_, err := m.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(m.bucket),
		Key:      aws.String(m.dstKey),
		UploadId: aws.String(m.uploadID),
	})
	if err != nil {
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}

	return nil
}

// copyPartSize picks a part size that keeps the copy within the part limit.
func copyPartSize(size int64) int64 {
	partSize := int64(minCopyPartSize)
	if need := (size + maxCopyParts - 1) / maxCopyParts; need > partSize {
		partSize = need
	}
	return partSize
}

func multipartCopy(ctx context.Context, client s3API, bucket, srcKey, dstKey string, size int64, metadata map[string]string) (err error) {
	copier := NewMultipartCopier(client, bucket, srcKey, dstKey)
	if err := copier.Start(ctx, metadata); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = copier.Abort(abortCtx)
		}
	}()

	partSize := copyPartSize(size)
	for first := int64(0); first < size; first += partSize {
		last := first + partSize - 1
		if last >= size {
			last = size - 1
		}
		if err = copier.CopyPart(ctx, first, last); err != nil {
			return err
		}
	}

	return copier.Complete(ctx)
}
