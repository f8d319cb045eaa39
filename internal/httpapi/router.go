// Package httpapi serves images over net/http. The same router backs the
// standalone server and the API Gateway Lambda.
//
// Endpoints:
//
//	GET     /              transform ?sourceKey=...&w=...
//	GET     /img/{key...}  same, key taken from the path
//	GET     /health        liveness check
//	GET     /favicon.ico   204
//	OPTIONS /*             CORS preflight
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"github.com/fpang/image-delivery/internal/delivery"
	"github.com/fpang/image-delivery/internal/processing"
	"github.com/fpang/image-delivery/internal/request"
)

// Processor runs one image request.
type Processor interface {
	Execute(ctx context.Context, raw request.Raw) (processing.Outcome, error)
}

// Transport labels for the metrics dimension.
const (
	TransportHTTP       = "http"
	TransportAPIGateway = "apigateway"
)

// Options configures the router.
type Options struct {
	// OriginVerifySecret, when set, must match the x-origin-verify header on
	// image requests.
	OriginVerifySecret string

	Transport        string
	MetricsEnabled   bool
	MetricsNamespace string
	// MetricsOutput receives EMF lines; nil means stdout.
	MetricsOutput io.Writer

	// Gzip compresses JSON responses for clients that accept it.
	Gzip bool

	// DeliveryTimeout bounds body streaming; zero selects delivery.DeliveryTimeout.
	DeliveryTimeout time.Duration

	// AbortOnStreamError drops the connection when a body fails after the
	// head was sent, so clients see a truncated transfer instead of a short
	// but apparently complete one. Only meaningful for a real net/http server.
	AbortOnStreamError bool
}

// NewRouter returns the HTTP handler for proc.
func NewRouter(proc Processor, opts Options) (http.Handler, error) {
	if opts.Transport == "" {
		opts.Transport = TransportHTTP
	}

	images := &imageHandler{
		proc:               proc,
		timeout:            opts.DeliveryTimeout,
		abortOnStreamError: opts.AbortOnStreamError,
	}

	r := chi.NewRouter()
	r.Use(withRequestID, withAccessLog, withRecover)

	r.Get("/health", handleHealth)
	r.Get("/favicon.ico", handleNoContent)
	r.Options("/", handlePreflight)
	r.Options("/*", handlePreflight)

	r.Group(func(r chi.Router) {
		r.Use(withOriginVerify(opts.OriginVerifySecret))
		if opts.MetricsEnabled {
			r.Use(withMetrics(opts.MetricsNamespace, opts.Transport, opts.MetricsOutput))
		}
		r.Get("/", images.ServeHTTP)
		r.Get("/img/*", images.ServeHTTP)
	})

	if !opts.Gzip {
		return r, nil
	}
	wrap, err := gzhttp.NewWrapper(gzhttp.ContentTypes([]string{request.ContentTypeJSON}))
	if err != nil {
		return nil, fmt.Errorf("gzip wrapper: %w", err)
	}
	return wrap(r), nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

func handleNoContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func handlePreflight(w http.ResponseWriter, r *http.Request) {
	_ = WriteResponse(r.Context(), w, delivery.Preflight(), 0)
}
