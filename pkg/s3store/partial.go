package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/store"
)

// s3MinPartSize is S3's own minimum part size for any part but the
// last in a multipart upload.
const s3MinPartSize = 5 * 1024 * 1024

// flushThreshold mirrors S3MultipartUpload.min_upload_size: buffer
// writes in memory until there's enough to flush a part, so a stream of
// small chunked-upload requests doesn't turn into one S3 part per
// request.
const flushThreshold = 20 * 1024 * 1024

// partialWriter implements store.PartialWriter as an S3 multipart
// upload, grounded on aws_s3_client.py's S3MultipartUpload: writes are
// buffered and hashed incrementally, flushed to an UploadPart call once
// enough has accumulated, and Finalize either completes the multipart
// upload or -- if nothing ever reached the flush threshold -- issues a
// single plain PutObject instead.
var _ store.PartialWriter = (*partialWriter)(nil)

type partialWriter struct {
	s         *Store
	sessionID string
	resumeID  string
	key       string

	hasher   *blob.Hasher
	cache    bytes.Buffer
	written  int64 // bytes flushed to S3 (excludes cache)
	uploadID string
	parts    []*s3.CompletedPart
}

// WriteAt requires offset to equal the writer's current size:
// S3MultipartUpload.upload_part enforces the same ordering constraint,
// since the running hash and the multipart part sequence both depend on
// content arriving in order. The caller (a BackupSession) already
// serialises a given resumeID's chunks (spec §5), so this is never hit
// in practice.
func (p *partialWriter) WriteAt(ctx context.Context, offset int64, content io.Reader) error {
	current := p.written + int64(p.cache.Len())
	if offset != current {
		return fmt.Errorf("s3store: out-of-sequence write to %s: offset %d, expected %d", p.key, offset, current)
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	if _, err := p.hasher.Write(data); err != nil {
		return err
	}
	p.cache.Write(data)
	if p.cache.Len() >= max(flushThreshold, s3MinPartSize) {
		return p.flush(ctx)
	}
	return nil
}

func (p *partialWriter) flush(ctx context.Context) error {
	if p.cache.Len() == 0 {
		return nil
	}
	if p.uploadID == "" {
		out, err := p.s.api.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(p.s.bucket),
			Key:    aws.String(p.key),
		})
		if err != nil {
			return err
		}
		p.uploadID = aws.StringValue(out.UploadId)
	}
	partNumber := int64(len(p.parts) + 1)
	body := bytes.NewReader(p.cache.Bytes())
	out, err := p.s.api.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(p.s.bucket),
		Key:        aws.String(p.key),
		UploadId:   aws.String(p.uploadID),
		PartNumber: aws.Int64(partNumber),
		Body:       body,
	})
	if err != nil {
		return err
	}
	p.parts = append(p.parts, &s3.CompletedPart{ETag: out.ETag, PartNumber: aws.Int64(partNumber)})
	p.written += int64(p.cache.Len())
	p.cache.Reset()
	return nil
}

func (p *partialWriter) Size(_ context.Context) (int64, error) {
	return p.written + int64(p.cache.Len()), nil
}

// Finalize completes the multipart upload (or, if the content never
// grew past one in-memory buffer, uploads it directly) and lands the
// result under this session's staging area keyed by its digest, ready
// for Store.Promote -- or discards it if that digest is already present
// in the main pool, matching S3MultipartUpload.complete's early-exit.
func (p *partialWriter) Finalize(ctx context.Context) (blob.Digest, error) {
	digest := p.hasher.Sum()

	if exists, err := p.s.Exists(ctx, digest, store.KindFile); err != nil {
		return blob.Digest{}, err
	} else if exists {
		return digest, p.Discard(ctx)
	}

	dst := p.s.stagedKey(p.sessionID, digest, store.KindFile)

	if p.uploadID == "" {
		_, err := p.s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.s.bucket),
			Key:    aws.String(dst),
			Body:   bytes.NewReader(p.cache.Bytes()),
		})
		return digest, err
	}

	if err := p.flush(ctx); err != nil {
		return blob.Digest{}, err
	}
	if _, err := p.s.api.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(p.s.bucket),
		Key:             aws.String(p.key),
		UploadId:        aws.String(p.uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: p.parts},
	}); err != nil {
		return blob.Digest{}, err
	}
	if _, err := p.s.api.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.s.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(p.s.bucket + "/" + p.key),
	}); err != nil {
		return blob.Digest{}, err
	}
	_, err := p.s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{Bucket: aws.String(p.s.bucket), Key: aws.String(p.key)})
	return digest, err
}

// Discard aborts any started multipart upload and removes the partial
// key, matching S3MultipartUpload.abort.
func (p *partialWriter) Discard(ctx context.Context) error {
	if p.uploadID != "" {
		_, err := p.s.api.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(p.s.bucket),
			Key:      aws.String(p.key),
			UploadId: aws.String(p.uploadID),
		})
		p.uploadID = ""
		return err
	}
	return nil
}
