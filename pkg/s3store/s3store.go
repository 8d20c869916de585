// Package s3store implements pkg/store.Store on Amazon S3 (or an
// S3-compatible endpoint), grounded on the reference implementation's
// aws_s3_client.py: the same "files/<digest>" and "directories/<digest>"
// keys for the main pool, with session staging under
// "sessions/<session_id>/new-objects/" and resumable uploads under
// "sessions/<session_id>/partial/" to fit pkg/store's session-staging
// contract, and the same
// CreateMultipartUpload/UploadPart/CompleteMultipartUpload sequence for
// resumable uploads that aws_s3_client.py's S3MultipartUpload class
// uses.
//
// Perkeep's own pkg/blobserver/s3 mixes SDK generations across files
// (receive.go/fetch.go predate aws-sdk-go entirely; remove.go targets
// aws-sdk-go-v2). This package follows s3_preflight.go instead, the one
// file in that package written against the v1 SDK this module's go.mod
// actually pins.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/store"
)

const (
	filesPrefix       = "files/"
	directoriesPrefix = "directories/"
	sessionsPrefix    = "sessions/"
	newObjectsDir     = "new-objects"
	partialDir        = "partial"
)

// Config names the bucket (and optional key prefix, matching
// S3Database's own "directory" constructor argument) this Store reads
// and writes.
type Config struct {
	Bucket string
	Prefix string
}

// Store is a pkg/store.Store backed by S3. s3iface.S3API is used
// throughout instead of the concrete *s3.S3 client so tests can supply
// an in-memory fake.
var _ store.Store = (*Store)(nil)

type Store struct {
	api    s3iface.S3API
	bucket string
	prefix string
}

// New builds a Store from an established AWS session, matching
// S3Database.__init__'s boto3.Session(**credentials).client("s3").
func New(sess *session.Session, cfg Config) *Store {
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{api: s3.New(sess), bucket: cfg.Bucket, prefix: prefix}
}

// NewWithClient builds a Store directly over api, bypassing session
// construction; used by tests.
func NewWithClient(api s3iface.S3API, cfg Config) *Store {
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{api: api, bucket: cfg.Bucket, prefix: prefix}
}

func objectPrefix(kind store.Kind) string {
	if kind == store.KindDirectory {
		return directoriesPrefix
	}
	return filesPrefix
}

func (s *Store) mainKey(key blob.Digest, kind store.Kind) string {
	return s.prefix + objectPrefix(kind) + key.String()
}

func (s *Store) sessionDir(sessionID string) string {
	return s.prefix + sessionsPrefix + sessionID + "/"
}

func (s *Store) stagedKey(sessionID string, key blob.Digest, kind store.Kind) string {
	return s.sessionDir(sessionID) + newObjectsDir + "/" + objectPrefix(kind) + key.String()
}

func (s *Store) partialKey(sessionID, resumeID string) string {
	return s.sessionDir(sessionID) + partialDir + "/" + resumeID
}

func isNotFound(err error) bool {
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound", "404":
			return true
		}
	}
	return false
}

func (s *Store) headExists(ctx context.Context, key string) (bool, error) {
	_, err := s.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *Store) Exists(ctx context.Context, key blob.Digest, kind store.Kind) (bool, error) {
	return s.headExists(ctx, s.mainKey(key, kind))
}

// Put uploads content to key's main-pool location. s3manager.Uploader
// is used (rather than a plain PutObject, which in the v1 SDK needs a
// seekable body) so content can be an arbitrary io.Reader and large
// objects are chunked into an S3 multipart upload automatically.
func (s *Store) Put(ctx context.Context, key blob.Digest, kind store.Kind, content io.Reader) error {
	if ok, err := s.Exists(ctx, key, kind); err != nil {
		return err
	} else if ok {
		_, err := io.Copy(io.Discard, content)
		return err
	}
	uploader := s3manager.NewUploaderWithClient(s.api)
	_, err := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.mainKey(key, kind)),
		Body:   content,
	})
	return err
}

type getObjectReader struct {
	io.ReadCloser
	size int64
}

func (g *getObjectReader) Size() int64 { return g.size }

func (s *Store) getObject(ctx context.Context, key string) (store.SizedReader, error) {
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3store: %s: %w", key, os.ErrNotExist)
		}
		return nil, err
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &getObjectReader{ReadCloser: out.Body, size: size}, nil
}

func (s *Store) OpenRead(ctx context.Context, key blob.Digest, kind store.Kind) (store.SizedReader, error) {
	return s.getObject(ctx, s.mainKey(key, kind))
}

func (s *Store) StagePut(ctx context.Context, sessionID string, key blob.Digest, kind store.Kind, content io.Reader) error {
	uploader := s3manager.NewUploaderWithClient(s.api)
	_, err := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.stagedKey(sessionID, key, kind)),
		Body:   content,
	})
	return err
}

func (s *Store) StageExists(ctx context.Context, sessionID string, key blob.Digest, kind store.Kind) (bool, error) {
	return s.headExists(ctx, s.stagedKey(sessionID, key, kind))
}

// Promote copies every object staged under sessionID's new-objects
// prefix into the main pool, then deletes the staged copy -- the same
// CopyObject-then-DeleteObject pair S3MultipartUpload.complete() uses
// to land a finished multipart upload at its final key.
func (s *Store) Promote(ctx context.Context, sessionID string) error {
	prefix := s.sessionDir(sessionID) + newObjectsDir + "/"
	return s.forEachObject(ctx, prefix, func(objKey string) error {
		mainKey := strings.TrimPrefix(objKey, s.sessionDir(sessionID)+newObjectsDir+"/")
		mainKey = s.prefix + mainKey
		if ok, err := s.headExists(ctx, mainKey); err != nil {
			return err
		} else if !ok {
			_, err := s.api.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(s.bucket),
				Key:        aws.String(mainKey),
				CopySource: aws.String(s.bucket + "/" + objKey),
			})
			if err != nil {
				return err
			}
		}
		_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(objKey)})
		return err
	})
}

// DiscardSession deletes every object (staged puts and any in-flight
// partial uploads) under sessionID's prefix, matching
// S3BackupSession.discard's delete_objects call.
func (s *Store) DiscardSession(ctx context.Context, sessionID string) error {
	var keys []string
	if err := s.forEachObject(ctx, s.sessionDir(sessionID), func(objKey string) error {
		keys = append(keys, objKey)
		return nil
	}); err != nil {
		return err
	}
	return s.deleteObjects(ctx, keys)
}

func (s *Store) forEachObject(ctx context.Context, prefix string, fn func(key string) error) error {
	var token *string
	for {
		out, err := s.api.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			if err := fn(aws.StringValue(obj.Key)); err != nil {
				return err
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		token = out.NextContinuationToken
	}
}

// maxDeleteBatch is S3's DeleteObjects request limit.
const maxDeleteBatch = 1000

func (s *Store) deleteObjects(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		batch := keys
		if len(batch) > maxDeleteBatch {
			batch = batch[:maxDeleteBatch]
		}
		objects := make([]*s3.ObjectIdentifier, len(batch))
		for i, k := range batch {
			objects[i] = &s3.ObjectIdentifier{Key: aws.String(k)}
		}
		_, err := s.api.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3.Delete{Objects: objects},
		})
		if err != nil {
			return err
		}
		keys = keys[len(batch):]
	}
	return nil
}

func (s *Store) StagePartial(_ context.Context, sessionID string, resumeID string) (store.PartialWriter, error) {
	return &partialWriter{
		s:         s,
		sessionID: sessionID,
		resumeID:  resumeID,
		key:       s.partialKey(sessionID, resumeID),
		hasher:    blob.NewHasher(),
	}, nil
}
