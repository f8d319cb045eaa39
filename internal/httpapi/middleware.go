package httpapi

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/image-delivery/internal/delivery"
	"github.com/fpang/image-delivery/internal/metrics"
)

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-Id"

// HeaderOriginVerify is injected by CloudFront as a custom origin header.
const HeaderOriginVerify = "x-origin-verify"

// withRequestID attaches a request-scoped logger to the context. An
// incoming X-Request-Id is reused; otherwise a UUID is generated.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)

		logger := log.With().
			Str("requestId", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code and
// body size.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	bytes       int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.statusCode = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	sr.wroteHeader = true
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying Flusher.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// withAccessLog logs one line per request once the response is complete.
func withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := newStatusRecorder(w)

		next.ServeHTTP(sr, r)

		zerolog.Ctx(r.Context()).Info().
			Int("status", sr.statusCode).
			Int64("bytes", sr.bytes).
			Dur("elapsed", time.Since(start)).
			Msg("Request completed")
	})
}

// withRecover turns a panic into the generic 500 response when the head has
// not been sent yet. http.ErrAbortHandler is re-raised so net/http drops the
// connection.
func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := newStatusRecorder(w)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			zerolog.Ctx(r.Context()).Error().
				Interface("panic", rec).
				Bool("headersSent", sr.wroteHeader).
				Msg("Recovered panic in request handler")
			if sr.wroteHeader {
				panic(http.ErrAbortHandler)
			}
			_ = WriteResponse(r.Context(), sr, delivery.Internal(), 0)
		}()
		next.ServeHTTP(sr, r)
	})
}

// withOriginVerify rejects requests lacking the correct x-origin-verify
// header, so the origin is only reachable through CloudFront. An empty
// secret disables the check.
func withOriginVerify(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(HeaderOriginVerify)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				zerolog.Ctx(r.Context()).Warn().Msg("Blocked request: missing or invalid x-origin-verify header")
				w.Header().Set(delivery.HeaderAllowOrigin, "*")
				w.Header().Set(delivery.HeaderContentType, "application/json")
				w.Header().Set(delivery.HeaderCacheControl, delivery.CacheControlNoStore)
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write(delivery.ErrorJSON("Forbidden"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestInfo is filled in by the image handler for withMetrics.
type requestInfo struct {
	outcome     string
	contentType string
	bytes       int64
}

type requestInfoKey struct{}

func noteOutcome(ctx context.Context, resp delivery.Response) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.outcome = resp.Outcome
		info.contentType = resp.ContentType()
	}
}

func noteBytes(ctx context.Context, n int64) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.bytes += n
	}
}

// withMetrics emits one EMF document per image request: RequestLatencyMs,
// RequestCount and BytesDelivered, by Transport and Outcome.
func withMetrics(namespace, transport string, out io.Writer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := newStatusRecorder(w)
			info := &requestInfo{}
			ctx := context.WithValue(r.Context(), requestInfoKey{}, info)

			defer func() {
				outcome := info.outcome
				if outcome == "" {
					outcome = delivery.OutcomeError
				}
				var rec *metrics.Recorder
				if out != nil {
					rec = metrics.NewWithWriter(namespace, out)
				} else {
					rec = metrics.New(namespace)
				}
				rec.Dimension(metrics.DimensionTransport, transport).
					Dimension(metrics.DimensionOutcome, outcome).
					Metric(metrics.MetricRequestLatency, float64(time.Since(start).Milliseconds()), metrics.UnitMilliseconds).
					Metric(metrics.MetricBytesDelivered, float64(info.bytes), metrics.UnitBytes).
					Count(metrics.MetricRequestCount).
					Property("statusCode", sr.statusCode).
					Property("contentType", info.contentType).
					Property("path", r.URL.Path).
					Flush()
			}()

			next.ServeHTTP(sr, r.WithContext(ctx))
		})
	}
}
