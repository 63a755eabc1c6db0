package recordings

import (
	"context"
	"errors"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	objects map[string]bool
	heads   []string
}

func (m *mockS3) HeadObject(_ context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := *input.Bucket + "/" + *input.Key
	m.heads = append(m.heads, key)
	if !m.objects[key] {
		return nil, &notFoundError{}
	}
	return &s3.HeadObjectOutput{}, nil
}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "NotFound: object missing" }

type mockPresign struct {
	lastKey string
}

func (m *mockPresign) PresignGetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	m.lastKey = *input.Key
	return &v4.PresignedHTTPRequest{
		URL: "https://signed.example.com/" + *input.Bucket + "/" + *input.Key,
	}, nil
}

func TestParseLocation(t *testing.T) {
	store := NewStore(nil, nil, "recordings", nil)

	bucket, key, err := store.ParseLocation("s3://other-bucket/calls/abc.wav")
	require.NoError(t, err)
	assert.Equal(t, "other-bucket", bucket)
	assert.Equal(t, "calls/abc.wav", key)

	bucket, key, err = store.ParseLocation("calls/abc.wav")
	require.NoError(t, err)
	assert.Equal(t, "recordings", bucket)
	assert.Equal(t, "calls/abc.wav", key)

	_, _, err = store.ParseLocation("s3://bucket-only")
	assert.Error(t, err)

	_, _, err = store.ParseLocation("")
	assert.Error(t, err)
}

func TestLocationRoundTrips(t *testing.T) {
	store := NewStore(nil, nil, "recordings", nil)
	loc := store.Location("calls/abc.wav")
	assert.Equal(t, "s3://recordings/calls/abc.wav", loc)

	bucket, key, err := store.ParseLocation(loc)
	require.NoError(t, err)
	assert.Equal(t, "recordings", bucket)
	assert.Equal(t, "calls/abc.wav", key)
}

func TestExists(t *testing.T) {
	s3c := &mockS3{objects: map[string]bool{"recordings/calls/abc.wav": true}}
	store := NewStore(s3c, nil, "recordings", nil)

	require.NoError(t, store.Exists(context.Background(), "s3://recordings/calls/abc.wav"))

	err := store.Exists(context.Background(), "s3://recordings/calls/missing.wav")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPresignGet(t *testing.T) {
	presign := &mockPresign{}
	store := NewStore(nil, presign, "recordings", nil)

	url, err := store.PresignGet(context.Background(), "s3://recordings/calls/abc.wav", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example.com/recordings/calls/abc.wav", url)
	assert.Equal(t, "calls/abc.wav", presign.lastKey)
}

func TestPresignGetPassesThroughHTTP(t *testing.T) {
	store := NewStore(nil, nil, "recordings", nil)
	url, err := store.PresignGet(context.Background(), "https://cdn.example.com/rec.wav", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/rec.wav", url)
}
