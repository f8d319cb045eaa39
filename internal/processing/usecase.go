// Package processing runs one image request end to end: validate input,
// check freshness against the source's ETag, then either extract metadata or
// start a transcode.
package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/fpang/image-delivery/internal/imaging"
	"github.com/fpang/image-delivery/internal/request"
	"github.com/fpang/image-delivery/internal/storage"
)

// DefaultQuality is used when the request carries no q parameter.
const DefaultQuality = 85

// UseCase sequences the storage, transcoding and metadata collaborators for a
// single request. It holds no per-request state and is safe for concurrent use.
type UseCase struct {
	loader     storage.Loader
	transcoder imaging.Transcoder
	extractor  imaging.Extractor
}

// New returns a UseCase over the given collaborators.
func New(loader storage.Loader, transcoder imaging.Transcoder, extractor imaging.Extractor) *UseCase {
	return &UseCase{loader: loader, transcoder: transcoder, extractor: extractor}
}

// Execute handles one request. Recognised failures are returned as *Error;
// any other error is an unexpected fault.
func (u *UseCase) Execute(ctx context.Context, raw request.Raw) (Outcome, error) {
	params, headers, err := request.Refine(raw)
	if err != nil {
		return nil, invalidParam(err)
	}

	logger := zerolog.Ctx(ctx).With().Str("key", params.SourceKey).Logger()
	ctx = logger.WithContext(ctx)

	// Freshness comes from a metadata-only lookup; the body is fetched only
	// when the caller's copy is stale.
	fresh, err := u.loader.Head(ctx, params.SourceKey)
	if err != nil {
		return nil, storageFailure("head", err)
	}

	format := request.Negotiate(params, headers)
	contentType := format.ContentType(fresh.ContentType)
	if params.MetadataOnly {
		contentType = request.ContentTypeJSON
	}

	if IsUnmodified(headers.IfNoneMatch, fresh.ETag) {
		logger.Debug().Str("etag", fresh.ETag).Msg("Source unmodified")
		return Unmodified{ContentType: contentType, ETag: fresh.ETag}, nil
	}

	body, err := u.loader.Open(ctx, params.SourceKey)
	if err != nil {
		return nil, storageFailure("open", err)
	}

	if params.MetadataOnly {
		return u.metadata(ctx, body, fresh)
	}

	opts := imaging.Options{
		Width:        params.Width,
		Quality:      DefaultQuality,
		Format:       format,
		Fit:          imaging.FitCover,
		AllowUpscale: false,
		Sharpen:      true,
	}
	if params.Height != nil {
		opts.Height = *params.Height
	}
	if params.Quality != nil {
		opts.Quality = *params.Quality
	}

	logger.Debug().
		Int("width", opts.Width).
		Int("height", opts.Height).
		Int("quality", opts.Quality).
		Str("format", string(opts.Format)).
		Msg("Starting transcode")

	out, err := u.transcoder.Transcode(ctx, body, opts)
	if err != nil {
		return nil, transformFailed(err)
	}
	return Processed{Body: out, ContentType: contentType, ETag: fresh.ETag}, nil
}

func (u *UseCase) metadata(ctx context.Context, body io.ReadCloser, fresh storage.Freshness) (Outcome, error) {
	defer body.Close()

	md, err := u.extractor.Extract(ctx, body)
	if err != nil {
		return nil, transformFailed(fmt.Errorf("extract metadata: %w", err))
	}
	md.ContentType = fresh.ContentType

	doc, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return Processed{
		Body:        io.NopCloser(bytes.NewReader(doc)),
		ContentType: request.ContentTypeJSON,
		ETag:        fresh.ETag,
	}, nil
}

// storageFailure maps a loader error: a missing object is a recognised
// failure, anything else is an unexpected fault.
func storageFailure(op string, err error) error {
	if storage.IsNotFound(err) {
		return sourceNotFound(err)
	}
	return fmt.Errorf("storage %s: %w", op, err)
}
