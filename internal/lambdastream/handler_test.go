package lambdastream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/image-delivery/internal/delivery"
	"github.com/fpang/image-delivery/internal/framing"
	"github.com/fpang/image-delivery/internal/imaging"
	"github.com/fpang/image-delivery/internal/imaging/imagingtest"
	"github.com/fpang/image-delivery/internal/processing"
	"github.com/fpang/image-delivery/internal/request"
	"github.com/fpang/image-delivery/internal/storage"
)

var photo = []byte("\xff\xd8\xff fake jpeg")

type fixture struct {
	loader     *storage.MemoryLoader
	transcoder *imagingtest.Transcoder
	etag       string
	metrics    *bytes.Buffer
	handler    *Handler
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		loader:     storage.NewMemoryLoader(),
		transcoder: &imagingtest.Transcoder{},
		metrics:    &bytes.Buffer{},
	}
	f.etag = f.loader.Put("a/b.jpg", photo, "image/jpeg")
	if opts.MetricsEnabled {
		opts.MetricsOutput = f.metrics
	}
	uc := processing.New(f.loader, f.transcoder, &imagingtest.Extractor{})
	f.handler = New(uc, opts)
	return f
}

func event(method, path string, query, headers map[string]string) *events.LambdaFunctionURLRequest {
	return &events.LambdaFunctionURLRequest{
		RawPath:               path,
		QueryStringParameters: query,
		Headers:               headers,
		RequestContext: events.LambdaFunctionURLRequestContext{
			RequestID: "req-1",
			HTTP:      events.LambdaFunctionURLRequestContextHTTPDescription{Method: method, Path: path},
		},
	}
}

// invoke runs the handler and decodes the framed stream it returns.
func invoke(t *testing.T, h *Handler, ev *events.LambdaFunctionURLRequest) (framing.Prelude, []byte) {
	t.Helper()
	r, err := h.Invoke(context.Background(), ev)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, framing.ContentType, r.ContentType())
	defer r.Close()

	p, body, err := framing.ReadPrelude(r, 0)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	return p, data
}

func TestInvoke_Processed(t *testing.T) {
	f := newFixture(Options{})
	p, body := invoke(t, f.handler, event(http.MethodGet, "/",
		map[string]string{"sourceKey": "a/b.jpg", "w": "64"},
		map[string]string{"accept": "image/webp", "x-cache-key": "ck"}))

	assert.Equal(t, http.StatusOK, p.StatusCode)
	assert.Equal(t, "image/webp", p.Headers["Content-Type"])
	assert.Equal(t, "identity", p.Headers["Content-Encoding"])
	assert.Equal(t, f.etag, p.Headers["ETag"])
	assert.Equal(t, "ck", p.Headers["X-Cache-Key"])
	assert.Equal(t, delivery.CacheControlSuccess, p.Headers["Cache-Control"])

	calls := f.transcoder.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, imagingtest.Output(calls[0], photo), body)
}

func TestInvoke_PathForm(t *testing.T) {
	f := newFixture(Options{})
	p, _ := invoke(t, f.handler, event(http.MethodGet, "/img/a/b.jpg", map[string]string{"w": "10"}, nil))
	assert.Equal(t, http.StatusOK, p.StatusCode)
}

func TestInvoke_NotModified(t *testing.T) {
	f := newFixture(Options{})
	p, body := invoke(t, f.handler, event(http.MethodGet, "/",
		map[string]string{"sourceKey": "a/b.jpg", "w": "64"},
		map[string]string{"if-none-match": f.etag}))

	assert.Equal(t, http.StatusNotModified, p.StatusCode)
	assert.Empty(t, body)
	assert.NotContains(t, p.Headers, "Content-Encoding")
	assert.Equal(t, 0, f.loader.OpenCalls())
}

func TestInvoke_Errors(t *testing.T) {
	tests := []struct {
		name       string
		query      map[string]string
		transcode  error
		wantStatus int
		wantBody   string
		wantCache  string
	}{
		{
			name:       "invalid param",
			query:      map[string]string{"sourceKey": "a/b.jpg"},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"message":"Invalid param [w: is required]"}`,
			wantCache:  delivery.CacheControlInvalidParam,
		},
		{
			name:       "not found",
			query:      map[string]string{"sourceKey": "missing.jpg", "w": "1"},
			wantStatus: http.StatusNotFound,
			wantBody:   "",
			wantCache:  delivery.CacheControlNotFound,
		},
		{
			name:       "transform failed",
			query:      map[string]string{"sourceKey": "a/b.jpg", "w": "1", "type": "jxl"},
			transcode:  imaging.ErrUnsupportedFormat,
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"message":"Error processing image"}`,
			wantCache:  delivery.CacheControlNoStore,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Options{})
			f.transcoder.Err = tt.transcode
			p, body := invoke(t, f.handler, event(http.MethodGet, "/", tt.query, nil))

			assert.Equal(t, tt.wantStatus, p.StatusCode)
			assert.Equal(t, tt.wantBody, string(body))
			assert.Equal(t, tt.wantCache, p.Headers["Cache-Control"])
			assert.Equal(t, "*", p.Headers["Access-Control-Allow-Origin"])
		})
	}
}

type panicProcessor struct{}

func (panicProcessor) Execute(context.Context, request.Raw) (processing.Outcome, error) {
	panic("boom")
}

func TestInvoke_PanicBecomes500(t *testing.T) {
	h := New(panicProcessor{}, Options{})
	p, body := invoke(t, h, event(http.MethodGet, "/", map[string]string{"sourceKey": "x", "w": "1"}, nil))

	assert.Equal(t, http.StatusInternalServerError, p.StatusCode)
	assert.JSONEq(t, `{"message":"Error"}`, string(body))
}

func TestInvoke_AuxiliaryRoutes(t *testing.T) {
	f := newFixture(Options{OriginVerifySecret: "s"})

	p, body := invoke(t, f.handler, event(http.MethodGet, "/health", nil, nil))
	assert.Equal(t, http.StatusOK, p.StatusCode)
	assert.Equal(t, "OK", string(body))

	p, _ = invoke(t, f.handler, event(http.MethodGet, "/favicon.ico", nil, nil))
	assert.Equal(t, http.StatusNoContent, p.StatusCode)

	p, _ = invoke(t, f.handler, event(http.MethodOptions, "/", nil, nil))
	assert.Equal(t, http.StatusNoContent, p.StatusCode)
	assert.Equal(t, delivery.AllowMethods, p.Headers["Access-Control-Allow-Methods"])
}

func TestInvoke_OriginVerify(t *testing.T) {
	f := newFixture(Options{OriginVerifySecret: "s"})
	query := map[string]string{"sourceKey": "a/b.jpg", "w": "1"}

	p, body := invoke(t, f.handler, event(http.MethodGet, "/", query, nil))
	assert.Equal(t, http.StatusForbidden, p.StatusCode)
	assert.JSONEq(t, `{"message":"Forbidden"}`, string(body))

	p, _ = invoke(t, f.handler, event(http.MethodGet, "/", query, map[string]string{"x-origin-verify": "s"}))
	assert.Equal(t, http.StatusOK, p.StatusCode)
}

func TestInvoke_MetricsAfterBodyDrained(t *testing.T) {
	f := newFixture(Options{MetricsEnabled: true, MetricsNamespace: "Test"})

	r, err := f.handler.Invoke(context.Background(), event(http.MethodGet, "/", map[string]string{"sourceKey": "a/b.jpg", "w": "8"}, nil))
	require.NoError(t, err)
	assert.Zero(t, f.metrics.Len(), "metrics wait for the body")

	n, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	var doc map[string]any
	require.NoError(t, json.Unmarshal(f.metrics.Bytes(), &doc))
	assert.Equal(t, Transport, doc["Transport"])
	assert.Equal(t, delivery.OutcomeProcessed, doc["Outcome"])
	assert.Greater(t, n, int64(0))
	assert.Less(t, doc["BytesDelivered"].(float64), float64(n), "prelude bytes are not body bytes")
}

func TestInvoke_StreamErrorEndsBody(t *testing.T) {
	f := newFixture(Options{})
	f.transcoder.StreamErr = errors.New("encoder crashed")
	f.transcoder.StreamPrefix = 3

	r, err := f.handler.Invoke(context.Background(), event(http.MethodGet, "/", map[string]string{"sourceKey": "a/b.jpg", "w": "8"}, nil))
	require.NoError(t, err)
	p, body, err := framing.ReadPrelude(r, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, p.StatusCode)

	data, err := io.ReadAll(body)
	assert.Error(t, err)
	assert.Len(t, data, 3)
}

func TestInvoke_DeliveryTimeout(t *testing.T) {
	f := newFixture(Options{DeliveryTimeout: 10 * time.Millisecond})
	stalled := &stallingProcessor{closed: make(chan struct{})}
	h := New(stalled, f.handler.opts)

	r, err := h.Invoke(context.Background(), event(http.MethodGet, "/", nil, nil))
	require.NoError(t, err)
	_, body, err := framing.ReadPrelude(r, 0)
	require.NoError(t, err)

	_, err = io.ReadAll(body)
	assert.ErrorIs(t, err, delivery.ErrDeliveryTimeout)
	select {
	case <-stalled.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("source not released after timeout")
	}
}

// stallingProcessor returns a body that never produces bytes until closed.
type stallingProcessor struct{ closed chan struct{} }

func (s *stallingProcessor) Execute(context.Context, request.Raw) (processing.Outcome, error) {
	return processing.Processed{Body: stallingBody{s.closed}, ContentType: "image/png", ETag: `"x"`}, nil
}

type stallingBody struct{ closed chan struct{} }

func (b stallingBody) Read([]byte) (int, error) {
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b stallingBody) Close() error {
	close(b.closed)
	return nil
}

func TestRequestID(t *testing.T) {
	ev := event(http.MethodGet, "/", nil, nil)
	assert.Equal(t, "req-1", requestID(context.Background(), ev))

	ctx := lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{AwsRequestID: "aws-9"})
	assert.Equal(t, "aws-9", requestID(ctx, ev))
}
