// Package lambdastream serves images from a Lambda function URL in
// RESPONSE_STREAM mode. The handler returns a framing.Reader; the Lambda
// runtime streams it to the caller, so transcoded bytes leave the function as
// they are produced instead of being buffered into a 6 MB payload.
package lambdastream

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/image-delivery/internal/delivery"
	"github.com/fpang/image-delivery/internal/framing"
	"github.com/fpang/image-delivery/internal/metrics"
	"github.com/fpang/image-delivery/internal/processing"
	"github.com/fpang/image-delivery/internal/request"
)

// Transport is the metrics dimension value for this adapter.
const Transport = "lambda-stream"

// Processor runs one image request.
type Processor interface {
	Execute(ctx context.Context, raw request.Raw) (processing.Outcome, error)
}

// Options configures a Handler.
type Options struct {
	OriginVerifySecret string
	DeliveryTimeout    time.Duration

	MetricsEnabled   bool
	MetricsNamespace string
	// MetricsOutput receives EMF lines; nil means stdout.
	MetricsOutput io.Writer
}

// Handler adapts function URL events to a Processor.
type Handler struct {
	proc Processor
	opts Options
}

// New returns a Handler for proc.
func New(proc Processor, opts Options) *Handler {
	return &Handler{proc: proc, opts: opts}
}

// Invoke handles one event. It never returns an error: every failure is
// expressed as a framed response so the caller always gets a status.
func (h *Handler) Invoke(ctx context.Context, event *events.LambdaFunctionURLRequest) (resp *framing.Reader, err error) {
	start := time.Now()
	logger := log.With().
		Str("requestId", requestID(ctx, event)).
		Str("method", event.RequestContext.HTTP.Method).
		Str("path", event.RawPath).
		Logger()
	ctx = logger.WithContext(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("Recovered panic in stream handler")
			resp, err = h.frame(ctx, delivery.Internal(), start), nil
		}
	}()

	switch {
	case event.RequestContext.HTTP.Method == http.MethodOptions:
		return h.frame(ctx, delivery.Preflight(), start), nil
	case event.RawPath == "/favicon.ico":
		return h.frame(ctx, delivery.Response{StatusCode: http.StatusNoContent}, start), nil
	case event.RawPath == "/health":
		return h.frame(ctx, delivery.Response{
			StatusCode: http.StatusOK,
			Headers:    map[string]string{delivery.HeaderContentType: "text/plain; charset=utf-8"},
			Body:       io.NopCloser(strings.NewReader("OK")),
		}, start), nil
	}

	raw := request.NewRaw(event.QueryStringParameters, event.Headers).WithPath(event.RawPath)

	if secret := h.opts.OriginVerifySecret; secret != "" {
		got := raw.Header("x-origin-verify")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			logger.Warn().Msg("Blocked request: missing or invalid x-origin-verify header")
			return h.frame(ctx, forbidden(), start), nil
		}
	}

	out, execErr := h.proc.Execute(ctx, raw)
	return h.frame(ctx, delivery.Map(ctx, out, execErr, raw.Header(request.HeaderCacheKey)), start), nil
}

// frame turns resp into the streamed form. The body, if any, runs under the
// delivery timeout, and metrics are flushed once it has been drained or closed.
func (h *Handler) frame(ctx context.Context, resp delivery.Response, start time.Time) *framing.Reader {
	headers := make(map[string]string, len(resp.Headers)+1)
	for k, v := range resp.Headers {
		if v != "" {
			headers[k] = v
		}
	}
	if resp.StatusCode == http.StatusOK {
		// Stops the function URL from compressing already-encoded image bytes.
		headers[delivery.HeaderContentEncoding] = "identity"
	}
	prelude := framing.Prelude{StatusCode: resp.StatusCode, Headers: headers}

	done := func(n int64) { h.emit(resp, n, start) }
	if resp.Body == nil {
		done(0)
		return framing.NewReader(prelude, nil)
	}
	guarded := delivery.Guard(ctx, resp.Body, h.opts.DeliveryTimeout)
	return framing.NewReader(prelude, &meteredBody{body: guarded, done: done, log: zerolog.Ctx(ctx)})
}

func (h *Handler) emit(resp delivery.Response, n int64, start time.Time) {
	if !h.opts.MetricsEnabled {
		return
	}
	var rec *metrics.Recorder
	if h.opts.MetricsOutput != nil {
		rec = metrics.NewWithWriter(h.opts.MetricsNamespace, h.opts.MetricsOutput)
	} else {
		rec = metrics.New(h.opts.MetricsNamespace)
	}
	outcome := resp.Outcome
	if outcome == "" {
		outcome = "other"
	}
	rec.Dimension(metrics.DimensionTransport, Transport).
		Dimension(metrics.DimensionOutcome, outcome).
		Metric(metrics.MetricRequestLatency, float64(time.Since(start).Milliseconds()), metrics.UnitMilliseconds).
		Metric(metrics.MetricBytesDelivered, float64(n), metrics.UnitBytes).
		Count(metrics.MetricRequestCount).
		Property("statusCode", resp.StatusCode).
		Property("contentType", resp.ContentType()).
		Flush()
}

// meteredBody calls done exactly once, when the body ends or is closed.
type meteredBody struct {
	body *delivery.GuardedBody
	log  *zerolog.Logger
	once sync.Once
	done func(n int64)
}

func (m *meteredBody) Read(p []byte) (int, error) {
	n, err := m.body.Read(p)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			m.log.Warn().Err(err).Int64("bytes", m.body.BytesRead()).Msg("Response body ended early")
		}
		m.finish()
	}
	return n, err
}

func (m *meteredBody) Close() error {
	err := m.body.Close()
	m.finish()
	return err
}

func (m *meteredBody) finish() {
	m.once.Do(func() { m.done(m.body.BytesRead()) })
}

func forbidden() delivery.Response {
	return delivery.Response{
		StatusCode: http.StatusForbidden,
		Headers: map[string]string{
			delivery.HeaderAllowOrigin:  "*",
			delivery.HeaderCacheControl: delivery.CacheControlNoStore,
			delivery.HeaderContentType:  request.ContentTypeJSON,
		},
		Body:    io.NopCloser(bytes.NewReader(delivery.ErrorJSON("Forbidden"))),
		Outcome: "forbidden",
	}
}

func requestID(ctx context.Context, event *events.LambdaFunctionURLRequest) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	return event.RequestContext.RequestID
}
