package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/image-delivery/internal/processing"
	"github.com/fpang/image-delivery/internal/request"
	"github.com/fpang/image-delivery/internal/storage"
)

// executeError runs a use case against an empty store to obtain a real
// *processing.Error of the wanted kind.
func executeError(t *testing.T, params map[string]string) error {
	t.Helper()
	uc := processing.New(storage.NewMemoryLoader(), nil, nil)
	_, err := uc.Execute(context.Background(), request.NewRaw(params, nil))
	require.Error(t, err)
	return err
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	if rc == nil {
		return ""
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestMap_Unmodified(t *testing.T) {
	resp := Map(context.Background(), processing.Unmodified{ContentType: "image/webp", ETag: `"e1"`}, nil, "ck")

	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Nil(t, resp.Body)
	assert.Equal(t, OutcomeUnmodified, resp.Outcome)
	assert.Equal(t, map[string]string{
		HeaderAllowOrigin:  "*",
		HeaderCacheControl: CacheControlSuccess,
		HeaderContentType:  "image/webp",
		HeaderETag:         `"e1"`,
		HeaderCacheKey:     "ck",
	}, resp.Headers)
}

func TestMap_ProcessedImage(t *testing.T) {
	body := io.NopCloser(strings.NewReader("pixels"))
	resp := Map(context.Background(), processing.Processed{Body: body, ContentType: "image/avif", ETag: `"e2"`}, nil, "")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, OutcomeProcessed, resp.Outcome)
	assert.Equal(t, "image/avif", resp.ContentType())
	assert.Equal(t, CacheControlSuccess, resp.Headers[HeaderCacheControl])
	assert.NotContains(t, resp.Headers, HeaderCacheKey)
	assert.Equal(t, "pixels", readAll(t, resp.Body))
}

func TestMap_ProcessedMetadata(t *testing.T) {
	body := io.NopCloser(strings.NewReader(`{"width":1}`))
	resp := Map(context.Background(), processing.Processed{Body: body, ContentType: "application/json", ETag: `"e"`}, nil, "k")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, OutcomeMetadata, resp.Outcome)
	assert.Equal(t, "application/json", resp.ContentType())
	assert.Equal(t, `{"width":1}`, readAll(t, resp.Body))
}

func TestMap_InvalidParam(t *testing.T) {
	err := executeError(t, map[string]string{"w": "abc"})
	resp := Map(context.Background(), nil, err, "k")

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, OutcomeInvalidParam, resp.Outcome)
	assert.Equal(t, CacheControlInvalidParam, resp.Headers[HeaderCacheControl])
	assert.Equal(t, "application/json", resp.ContentType())
	assert.Equal(t, "k", resp.Headers[HeaderCacheKey])

	body := readAll(t, resp.Body)
	assert.True(t, strings.HasPrefix(body, `{"message":"Invalid param [`), body)
	assert.Contains(t, body, "sourceKey")
	assert.Contains(t, body, "w:")
}

func TestMap_SourceNotFound(t *testing.T) {
	err := executeError(t, map[string]string{"sourceKey": "missing.png", "w": "1"})
	resp := Map(context.Background(), nil, err, "k")

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, OutcomeNotFound, resp.Outcome)
	assert.Equal(t, CacheControlNotFound, resp.Headers[HeaderCacheControl])
	assert.Equal(t, "k", resp.Headers[HeaderCacheKey])
	assert.Nil(t, resp.Body, "404 carries no body")
}

func TestMap_TransformFailed(t *testing.T) {
	err := &processing.Error{Kind: processing.KindTransformFailed, Public: processing.MessageTransformFailed, Err: errors.New("libavif: oom")}
	resp := Map(context.Background(), nil, fmt.Errorf("wrapped: %w", err), "k")

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, OutcomeTransformFailed, resp.Outcome)
	assert.Equal(t, CacheControlNoStore, resp.Headers[HeaderCacheControl])
	assert.NotContains(t, resp.Headers, HeaderCacheKey)
	body := readAll(t, resp.Body)
	assert.Equal(t, `{"message":"Error processing image"}`, body)
	assert.NotContains(t, body, "libavif")
}

func TestMap_UnexpectedFault(t *testing.T) {
	resp := Map(context.Background(), nil, errors.New("s3: connection reset by peer"), "k")

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, OutcomeError, resp.Outcome)
	assert.Equal(t, CacheControlNoStore, resp.Headers[HeaderCacheControl])
	assert.Equal(t, `{"message":"Error"}`, readAll(t, resp.Body))
}

func TestMap_NilOutcome(t *testing.T) {
	resp := Map(context.Background(), nil, nil, "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, OutcomeError, resp.Outcome)
}

// trackedBody records Close calls and can block reads until closed.
type trackedBody struct {
	io.Reader
	closes atomic.Int32
	closed chan struct{}
}

func newTrackedBody(r io.Reader) *trackedBody {
	return &trackedBody{Reader: r, closed: make(chan struct{})}
}

func (b *trackedBody) Close() error {
	if b.closes.Add(1) == 1 {
		close(b.closed)
	}
	return nil
}

// stalledReader blocks until the body is closed.
type stalledReader struct{ closed <-chan struct{} }

func (r stalledReader) Read([]byte) (int, error) {
	<-r.closed
	return 0, io.ErrClosedPipe
}

func TestGuard_ClosesOnEOF(t *testing.T) {
	body := newTrackedBody(strings.NewReader("abc"))
	g := Guard(context.Background(), body, time.Minute)

	data, err := io.ReadAll(g)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	assert.Equal(t, int64(3), g.BytesRead())

	<-g.Done()
	require.NoError(t, g.Close())
	assert.Equal(t, int32(1), body.closes.Load(), "closed exactly once")
}

func TestGuard_TimeoutReleasesStalledBody(t *testing.T) {
	body := newTrackedBody(nil)
	body.Reader = stalledReader{closed: body.closed}
	g := Guard(context.Background(), body, 20*time.Millisecond)

	_, err := g.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrDeliveryTimeout)
	assert.True(t, g.TimedOut())
	assert.Equal(t, int32(1), body.closes.Load())

	_, err = g.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrDeliveryTimeout)
}

func TestGuard_ContextCancelReleases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	body := newTrackedBody(nil)
	body.Reader = stalledReader{closed: body.closed}
	g := Guard(ctx, body, time.Minute)

	cancel()
	select {
	case <-g.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("body not released after cancellation")
	}
	_, err := g.Read(make([]byte, 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, g.TimedOut())
}

func TestGuard_AlreadyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body := newTrackedBody(strings.NewReader("x"))
	g := Guard(ctx, body, time.Minute)

	select {
	case <-g.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("body not released")
	}
	assert.Equal(t, int32(1), body.closes.Load())
}

func TestGuard_ReadErrorReleases(t *testing.T) {
	boom := errors.New("transcode failed mid-stream")
	body := newTrackedBody(io.MultiReader(strings.NewReader("part"), errReader{boom}))
	g := Guard(context.Background(), body, time.Minute)

	data, err := io.ReadAll(g)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "part", string(data))
	assert.Equal(t, int32(1), body.closes.Load())
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestCopy(t *testing.T) {
	rec := httptest.NewRecorder()
	n, err := Copy(rec, strings.NewReader(strings.Repeat("z", 100_000)))
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), n)
	assert.Equal(t, 100_000, rec.Body.Len())
	assert.True(t, rec.Flushed)
}

func TestCopy_ReadError(t *testing.T) {
	rec := httptest.NewRecorder()
	boom := errors.New("boom")
	n, err := Copy(rec, io.MultiReader(strings.NewReader("ab"), errReader{boom}))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(2), n)
}
