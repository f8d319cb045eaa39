package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/fpang/image-delivery/internal/delivery"
	"github.com/fpang/image-delivery/internal/request"
)

type imageHandler struct {
	proc               Processor
	timeout            time.Duration
	abortOnStreamError bool
}

func (h *imageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw := RawRequest(r)

	out, err := h.proc.Execute(ctx, raw)
	resp := delivery.Map(ctx, out, err, raw.Header(request.HeaderCacheKey))
	noteOutcome(ctx, resp)

	if err := WriteResponse(ctx, w, resp, h.timeout); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Int("status", resp.StatusCode).Msg("Response body ended early")
		if h.abortOnStreamError {
			panic(http.ErrAbortHandler)
		}
	}
}

// RawRequest collects the query parameters and headers of r. Repeated
// parameters keep their first value.
func RawRequest(r *http.Request) request.Raw {
	query := r.URL.Query()
	params := make(map[string]string, len(query))
	for k, v := range query {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	return request.NewRaw(params, headers).WithPath(r.URL.Path)
}

// WriteResponse sends resp on w. The head is written in full before any body
// byte; the body is streamed under the delivery timeout and always closed.
// A non-nil error means the body stopped early after the head was sent.
func WriteResponse(ctx context.Context, w http.ResponseWriter, resp delivery.Response, timeout time.Duration) error {
	h := w.Header()
	for k, v := range resp.Headers {
		if v != "" {
			h.Set(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if resp.Body == nil {
		return nil
	}
	body := delivery.Guard(ctx, resp.Body, timeout)
	defer body.Close()

	n, err := delivery.Copy(w, body)
	noteBytes(ctx, n)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
