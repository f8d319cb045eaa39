// Package delivery maps pipeline results onto a transport-neutral response
// (status, headers, body) and bounds how long a body may take to deliver.
// Every transport adapter goes through Map so that status codes, cache
// policy and public messages stay identical across transports.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/fpang/image-delivery/internal/processing"
	"github.com/fpang/image-delivery/internal/request"
)

// Cache-Control policy by status.
const (
	CacheControlSuccess      = "public, max-age=21600, stale-while-revalidate=86400, stale-if-error=86400"
	CacheControlNotFound     = "public, max-age=1, stale-while-revalidate=10, stale-if-error=86400"
	CacheControlInvalidParam = "public, max-age=1"
	CacheControlNoStore      = "no-store"
)

// Response header names.
const (
	HeaderAllowOrigin     = "Access-Control-Allow-Origin"
	HeaderCacheControl    = "Cache-Control"
	HeaderContentType     = "Content-Type"
	HeaderContentEncoding = "Content-Encoding"
	HeaderETag            = "ETag"
	HeaderCacheKey        = "X-Cache-Key"
)

// Outcome labels, used for logs and the Outcome metric dimension.
const (
	OutcomeProcessed       = "processed"
	OutcomeMetadata        = "metadata"
	OutcomeUnmodified      = "unmodified"
	OutcomeInvalidParam    = "invalid_param"
	OutcomeNotFound        = "not_found"
	OutcomeTransformFailed = "transform_failed"
	OutcomeError           = "error"
)

// Response is a fully determined response head plus an optional body. Body
// is nil when the status carries none; otherwise the receiver must close it.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       io.ReadCloser
	Outcome    string
}

// ContentType returns the Content-Type header, if any.
func (r Response) ContentType() string {
	return r.Headers[HeaderContentType]
}

type errorBody struct {
	Message string `json:"message"`
}

// Map converts the result of processing.UseCase.Execute into a Response.
// cacheKey is the caller's debug cache key, echoed on every non-500 response.
func Map(ctx context.Context, out processing.Outcome, err error, cacheKey string) Response {
	logger := zerolog.Ctx(ctx)

	if err != nil {
		return mapError(logger, err, cacheKey)
	}

	switch o := out.(type) {
	case processing.Unmodified:
		return Response{
			StatusCode: http.StatusNotModified,
			Headers: withCacheKey(map[string]string{
				HeaderAllowOrigin:  "*",
				HeaderCacheControl: CacheControlSuccess,
				HeaderContentType:  o.ContentType,
				HeaderETag:         o.ETag,
			}, cacheKey),
			Outcome: OutcomeUnmodified,
		}
	case processing.Processed:
		outcome := OutcomeProcessed
		if o.ContentType == request.ContentTypeJSON {
			outcome = OutcomeMetadata
		}
		return Response{
			StatusCode: http.StatusOK,
			Headers: withCacheKey(map[string]string{
				HeaderAllowOrigin:  "*",
				HeaderCacheControl: CacheControlSuccess,
				HeaderContentType:  o.ContentType,
				HeaderETag:         o.ETag,
			}, cacheKey),
			Body:    o.Body,
			Outcome: outcome,
		}
	default:
		logger.Error().Str("outcome", fmt.Sprintf("%T", out)).Msg("Unrecognised processing outcome")
		return Internal()
	}
}

func mapError(logger *zerolog.Logger, err error, cacheKey string) Response {
	kind, ok := processing.KindOf(err)
	if !ok {
		logger.Error().Err(err).Msg("Unhandled error processing request")
		return Internal()
	}

	switch kind {
	case processing.KindInvalidParam:
		logger.Warn().Err(err).Msg("Invalid request parameters")
		return Response{
			StatusCode: http.StatusBadRequest,
			Headers: withCacheKey(map[string]string{
				HeaderAllowOrigin:  "*",
				HeaderCacheControl: CacheControlInvalidParam,
				HeaderContentType:  request.ContentTypeJSON,
			}, cacheKey),
			Body:    jsonBody(publicMessage(err)),
			Outcome: OutcomeInvalidParam,
		}
	case processing.KindSourceNotFound:
		logger.Info().Err(err).Msg(processing.MessageNotFound)
		return Response{
			StatusCode: http.StatusNotFound,
			Headers: withCacheKey(map[string]string{
				HeaderAllowOrigin:  "*",
				HeaderCacheControl: CacheControlNotFound,
			}, cacheKey),
			Outcome: OutcomeNotFound,
		}
	case processing.KindTransformFailed:
		logger.Error().Err(err).Msg("Image transform failed")
		return errorResponse(processing.MessageTransformFailed, OutcomeTransformFailed)
	default:
		logger.Error().Err(err).Stringer("kind", kind).Msg("Unhandled error kind")
		return Internal()
	}
}

func publicMessage(err error) string {
	var perr *processing.Error
	if errors.As(err, &perr) && perr.Public != "" {
		return perr.Public
	}
	return processing.MessageInternal
}

// CORS preflight policy.
const (
	AllowMethods = "GET, OPTIONS"
	AllowHeaders = "Content-Type, x-cache-key, if-none-match"
)

// Preflight is the response to an OPTIONS request.
func Preflight() Response {
	return Response{
		StatusCode: http.StatusNoContent,
		Headers: map[string]string{
			HeaderAllowOrigin:              "*",
			"Access-Control-Allow-Methods": AllowMethods,
			"Access-Control-Allow-Headers": AllowHeaders,
		},
	}
}

// Internal is the response for unexpected faults.
func Internal() Response {
	return errorResponse(processing.MessageInternal, OutcomeError)
}

func errorResponse(message, outcome string) Response {
	return Response{
		StatusCode: http.StatusInternalServerError,
		Headers: map[string]string{
			HeaderAllowOrigin:  "*",
			HeaderCacheControl: CacheControlNoStore,
			HeaderContentType:  request.ContentTypeJSON,
		},
		Body:    jsonBody(message),
		Outcome: outcome,
	}
}

// ErrorJSON returns the {"message": ...} envelope.
func ErrorJSON(message string) []byte {
	data, _ := json.Marshal(errorBody{Message: message})
	return data
}

func jsonBody(message string) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(ErrorJSON(message)))
}

func withCacheKey(h map[string]string, cacheKey string) map[string]string {
	if cacheKey != "" {
		h[HeaderCacheKey] = cacheKey
	}
	return h
}

