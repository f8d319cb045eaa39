// Package devgateway is a local stand-in for a Lambda function URL. It turns
// browser requests into function URL events, invokes the function, decodes
// the framed response stream and replays it as an ordinary HTTP response.
package devgateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/image-delivery/internal/delivery"
	"github.com/fpang/image-delivery/internal/framing"
	"github.com/fpang/image-delivery/internal/httpapi"
)

// Options configures a Gateway.
type Options struct {
	// DeliveryTimeout bounds body streaming; zero selects delivery.DeliveryTimeout.
	DeliveryTimeout time.Duration
	// MaxPrelude bounds the buffered response head; zero selects framing.DefaultMaxPrelude.
	MaxPrelude int
}

// Gateway forwards requests to an Invoker.
type Gateway struct {
	invoker Invoker
	opts    Options
}

// New returns a Gateway over invoker.
func New(invoker Invoker, opts Options) *Gateway {
	return &Gateway{invoker: invoker, opts: opts}
}

// NewRouter serves the gateway with the same auxiliary routes as the
// deployed function URL.
func NewRouter(g *Gateway) http.Handler {
	r := chi.NewRouter()
	r.Options("/", preflight)
	r.Options("/*", preflight)
	r.Get("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/*", g.ServeHTTP)
	return r
}

func preflight(w http.ResponseWriter, r *http.Request) {
	_ = httpapi.WriteResponse(r.Context(), w, delivery.Preflight(), 0)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	logger := log.With().Str("requestId", id).Str("path", r.URL.Path).Logger()
	ctx := logger.WithContext(r.Context())
	start := time.Now()

	payload, err := json.Marshal(BuildEvent(r, id))
	if err != nil {
		logger.Error().Err(err).Msg("Encoding function URL event")
		_ = httpapi.WriteResponse(ctx, w, delivery.Internal(), 0)
		return
	}

	stream, err := g.invoker.Invoke(ctx, payload)
	if err != nil {
		logger.Error().Err(err).Msg("Invoking function")
		_ = httpapi.WriteResponse(ctx, w, delivery.Internal(), 0)
		return
	}

	prelude, rest, err := framing.ReadPrelude(stream, g.opts.MaxPrelude)
	if err != nil {
		stream.Close()
		logFramingError(&logger, err)
		_ = httpapi.WriteResponse(ctx, w, delivery.Internal(), 0)
		return
	}

	h := w.Header()
	for k, v := range prelude.Headers {
		h.Set(k, v)
	}
	for _, c := range prelude.Cookies {
		h.Add("Set-Cookie", c)
	}
	w.WriteHeader(prelude.StatusCode)

	body := delivery.Guard(ctx, readCloser{Reader: rest, Closer: stream}, g.opts.DeliveryTimeout)
	defer body.Close()
	n, err := delivery.Copy(w, body)
	evt := logger.Info()
	if err != nil {
		evt = logger.Warn().Err(err)
	}
	evt.Int("status", prelude.StatusCode).
		Int64("bytes", n).
		Dur("elapsed", time.Since(start)).
		Msg("Proxied function response")
}

func logFramingError(logger *zerolog.Logger, err error) {
	var ferr *framing.FramingError
	if !errors.As(err, &ferr) {
		logger.Error().Err(err).Msg("Reading function response")
		return
	}
	logger.Error().
		Err(err).
		Str("reason", ferr.Reason).
		Int("buffered", ferr.Buffered).
		Str("excerpt", ferr.Excerpt).
		Str("excerptHex", hex.EncodeToString([]byte(ferr.Excerpt))).
		Msg("Malformed function response stream")
}

type readCloser struct {
	io.Reader
	io.Closer
}

// BuildEvent converts r into the payload a function URL would deliver.
func BuildEvent(r *http.Request, requestID string) events.LambdaFunctionURLRequest {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ",")
	}

	query := r.URL.Query()
	params := make(map[string]string, len(query))
	for k, v := range query {
		params[k] = strings.Join(v, ",")
	}

	now := time.Now()
	return events.LambdaFunctionURLRequest{
		Version:               "2.0",
		RawPath:               r.URL.Path,
		RawQueryString:        r.URL.RawQuery,
		Cookies:               cookies(r),
		Headers:               headers,
		QueryStringParameters: params,
		RequestContext: events.LambdaFunctionURLRequestContext{
			RequestID:  requestID,
			DomainName: r.Host,
			Time:       now.UTC().Format("02/Jan/2006:15:04:05 -0700"),
			TimeEpoch:  now.UnixMilli(),
			HTTP: events.LambdaFunctionURLRequestContextHTTPDescription{
				Method:    r.Method,
				Path:      r.URL.Path,
				Protocol:  r.Proto,
				SourceIP:  sourceIP(r),
				UserAgent: r.UserAgent(),
			},
		},
	}
}

func cookies(r *http.Request) []string {
	var out []string
	for _, c := range r.Cookies() {
		out = append(out, fmt.Sprintf("%s=%s", c.Name, c.Value))
	}
	return out
}

func sourceIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
