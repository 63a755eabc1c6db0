package recordings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/covecare/callops/pkg/logging"
)

// ErrNotFound indicates the recording object does not exist in the bucket.
var ErrNotFound = errors.New("recordings: object not found")

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// PresignAPI is the subset of the S3 presign client used by Store.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store resolves call recording locations in S3. The telephony bridge
// uploads recordings itself; this service only verifies and reads them.
type Store struct {
	bucket   string
	s3Client S3API
	presign  PresignAPI
	logger   *logging.Logger
}

// NewStore creates a recording store over the given bucket.
func NewStore(s3Client S3API, presign PresignAPI, bucket string, logger *logging.Logger) *Store {
	if bucket == "" {
		panic("recordings: bucket cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		bucket:   bucket,
		s3Client: s3Client,
		presign:  presign,
		logger:   logger,
	}
}

// Location renders the canonical stored form for an object key.
func (s *Store) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, strings.TrimPrefix(key, "/"))
}

// ParseLocation splits an s3://bucket/key location. A bare key is resolved
// against the store's own bucket.
func (s *Store) ParseLocation(location string) (bucket, key string, err error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", "", errors.New("recordings: location required")
	}
	if !strings.HasPrefix(location, "s3://") {
		return s.bucket, strings.TrimPrefix(location, "/"), nil
	}
	rest := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("recordings: malformed location %q", location)
	}
	return parts[0], parts[1], nil
}

// Exists checks that the recording object is actually in the bucket. The
// bridge reports uploads it believes succeeded; trust but verify before
// committing the location to the call record.
func (s *Store) Exists(ctx context.Context, location string) error {
	if s.s3Client == nil {
		return errors.New("recordings: s3 client not configured")
	}
	bucket, key, err := s.ParseLocation(location)
	if err != nil {
		return err
	}
	if _, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("recordings: head %s: %w", location, err)
	}
	return nil
}

// PresignGet returns a time-limited GET URL for the recording, which the
// transcription service fetches directly. Plain http(s) locations pass
// through untouched.
func (s *Store) PresignGet(ctx context.Context, location string, expiry time.Duration) (string, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location, nil
	}
	if s.presign == nil {
		return "", errors.New("recordings: presign client not configured")
	}
	bucket, key, err := s.ParseLocation(location)
	if err != nil {
		return "", err
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("recordings: presign %s: %w", location, err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "404")
}
