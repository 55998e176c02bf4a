package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/snapline/internal/digest"
)

// fakeS3 answers the handful of path-style S3 calls the store makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	body        []byte
	contentType string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	respond := func(code int, body string, hdr http.Header) *http.Response {
		if hdr == nil {
			hdr = http.Header{}
		}
		return &http.Response{StatusCode: code, Header: hdr, Body: io.NopCloser(strings.NewReader(body)), Request: req}
	}

	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>", k, len(f.objects[k].body))
		}
		b.WriteString("</ListBucketResult>")
		return respond(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}}), nil
	}

	obj, ok := f.objects[key]
	headers := func() http.Header {
		return http.Header{
			"Content-Length": {fmt.Sprint(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Etag":           {`"` + digest.Bytes(obj.body)[:16] + `"`},
			"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
		}
	}
	switch req.Method {
	case http.MethodHead:
		if !ok {
			return respond(http.StatusNotFound, "", nil), nil
		}
		return respond(http.StatusOK, "", headers()), nil
	case http.MethodGet:
		if !ok {
			return respond(http.StatusNotFound, `<Error><Code>NoSuchKey</Code></Error>`, nil), nil
		}
		return &http.Response{StatusCode: http.StatusOK, Header: headers(), Body: io.NopCloser(bytes.NewReader(obj.body)), Request: req}, nil
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type")}
		return respond(http.StatusOK, "", http.Header{"Etag": {`"etag"`}}), nil
	}
	return respond(http.StatusNotImplemented, "", nil), nil
}

func newFakeS3(t *testing.T, prefix string) (*S3, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string]fakeObject)}
	store, err := NewS3(context.Background(), S3Config{
		Bucket:          "bundles",
		Endpoint:        "http://s3.test.local",
		Prefix:          prefix,
		PathStyle:       true,
		AccessKeyID:     "AKIATEST",
		SecretAccessKey: "secret",
		HTTPClient:      &http.Client{Transport: fake},
	})
	require.NoError(t, err)
	return store, fake
}

// exerciseStore runs the contract every driver must satisfy.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	info, err := s.Put(ctx, "lineages/r1/bundle.tar.zst", strings.NewReader("bundle-bytes"), PutOptions{
		ContentType: "application/zstd",
		Metadata:    map[string]string{"root": "r1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "lineages/r1/bundle.tar.zst", info.Key)
	assert.Equal(t, int64(len("bundle-bytes")), info.Size)

	_, err = s.Put(ctx, "lineages/r1/bundle.tar.zst", strings.NewReader("other"), PutOptions{})
	assert.True(t, errors.Is(err, ErrExists), "second put: %v", err)

	got, rc, err := s.Get(ctx, "lineages/r1/bundle.tar.zst")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "bundle-bytes", string(body))
	assert.Equal(t, "application/zstd", got.ContentType)

	_, err = s.Head(ctx, "lineages/missing")
	assert.True(t, errors.Is(err, ErrNotFound), "head missing: %v", err)

	_, err = s.Put(ctx, "lineages/r2/bundle.tar.zst", strings.NewReader("b2"), PutOptions{})
	require.NoError(t, err)
	_, err = s.Put(ctx, "other/x", strings.NewReader("x"), PutOptions{})
	require.NoError(t, err)

	list, err := s.List(ctx, "lineages/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "lineages/r1/bundle.tar.zst", list[0].Key)
	assert.Equal(t, "lineages/r2/bundle.tar.zst", list[1].Key)
}

func TestFilesystemStore(t *testing.T) {
	s, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())
	exerciseStore(t, s)
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	s, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "/abs", "../up", "a/../../b", "x.meta"} {
		_, err := s.Put(context.Background(), key, strings.NewReader("x"), PutOptions{})
		assert.Error(t, err, key)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestS3Store(t *testing.T) {
	s, fake := newFakeS3(t, "")
	assert.Equal(t, DriverS3, s.Driver())
	exerciseStore(t, s)
	assert.Contains(t, fake.objects, "lineages/r1/bundle.tar.zst")
}

func TestS3StorePrefix(t *testing.T) {
	s, fake := newFakeS3(t, "/snapline/")
	ctx := context.Background()

	info, err := s.Put(ctx, "r1.tar.zst", strings.NewReader("b"), PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, "s3://bundles/snapline/r1.tar.zst", info.URL)
	assert.Contains(t, fake.objects, "snapline/r1.tar.zst")

	list, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "r1.tar.zst", list[0].Key)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	none, err := Open(ctx, Config{Driver: "none"})
	require.NoError(t, err)
	assert.Nil(t, none)

	fsStore, err := Open(ctx, Config{Driver: "fs", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, fsStore.Driver())

	_, err = Open(ctx, Config{Driver: "s3"})
	assert.ErrorContains(t, err, "bucket required")

	_, err = Open(ctx, Config{Driver: "gcs"})
	assert.ErrorContains(t, err, "unknown blob driver")
}
