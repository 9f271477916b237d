package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	body   string
}

type fakeBucket struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{r.Method, r.URL.Path, string(body)})
	status := f.status
	f.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`))
		return
	}

	if r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func newTestStore(t *testing.T, bucket *fakeBucket) *S3Store {
	server := httptest.NewServer(bucket)
	t.Cleanup(server.Close)

	store, err := NewS3Store(context.Background(), Config{
		Endpoint:        server.URL,
		Bucket:          "songs",
		AccessKeyID:     "access",
		SecretAccessKey: "secret",
		Region:          "auto",
	})
	require.NoError(t, err)
	store.now = func() time.Time { return time.UnixMilli(1700000000123) }

	return store
}

func Test_S3Store_PutThenDelete(t *testing.T) {
	bucket := &fakeBucket{}
	store := newTestStore(t, bucket)

	url, err := store.Put(context.Background(), "ABC123XYZ90.mp3", "audio/mpeg", []byte("mp3-bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, "/songs/1700000000123_ABC123XYZ90.mp3"), url)

	require.NoError(t, store.Delete(context.Background(), url))

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	require.Len(t, bucket.requests, 2)
	assert.Equal(t, http.MethodPut, bucket.requests[0].method)
	assert.Equal(t, "/songs/1700000000123_ABC123XYZ90.mp3", bucket.requests[0].path)
	assert.Contains(t, bucket.requests[0].body, "mp3-bytes")
	assert.Equal(t, http.MethodDelete, bucket.requests[1].method)
	assert.Equal(t, "/songs/1700000000123_ABC123XYZ90.mp3", bucket.requests[1].path)
}

func Test_S3Store_PutFailure(t *testing.T) {
	store := newTestStore(t, &fakeBucket{status: http.StatusForbidden})

	url, err := store.Put(context.Background(), "ABC123XYZ90.mp3", "audio/mpeg", []byte("mp3-bytes"))
	assert.Error(t, err)
	assert.Empty(t, url)
}

func Test_S3Store_SignedURL(t *testing.T) {
	store := newTestStore(t, &fakeBucket{})

	signed, err := store.SignedURL(context.Background(), store.config.PublicBaseURL+"/songs/1700000000123_ABC123XYZ90.mp3")
	require.NoError(t, err)
	assert.Contains(t, signed, "/songs/1700000000123_ABC123XYZ90.mp3?")
	assert.Contains(t, signed, "X-Amz-Expires=3600")
	assert.Contains(t, signed, "X-Amz-Signature=")

	_, err = store.SignedURL(context.Background(), "not-a-url")
	assert.ErrorIs(t, err, ErrInvalidObjectURL)
}
