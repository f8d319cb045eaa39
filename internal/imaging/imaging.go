// Package imaging resizes and re-encodes source images and extracts their
// metadata. The transcoder streams: it returns its output reader at once and
// reports failures that happen later through that reader.
package imaging

import (
	"context"
	"errors"
	"io"

	"github.com/fpang/image-delivery/internal/request"
)

// ErrUnsupportedFormat is returned when no encoder exists for the requested
// output format or the source format cannot be re-encoded.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Fit is the policy for reconciling the source aspect ratio with the target box.
type Fit string

const (
	FitCover   Fit = "cover"   // fill the box, cropping the overflow (centred)
	FitContain Fit = "contain" // fit inside the box, letterboxed to its size
	FitFill    Fit = "fill"    // stretch to the box, ignoring aspect ratio
	FitInside  Fit = "inside"  // fit inside the box, no letterbox
	FitOutside Fit = "outside" // cover the box, no crop
)

// Options control a single transcode. Zero Width or Height means "derive from
// the other dimension and the source aspect ratio".
type Options struct {
	Width        int
	Height       int
	Quality      int
	Format       request.Format
	Fit          Fit
	AllowUpscale bool
	Sharpen      bool
}

// Transcoder re-encodes a source image.
type Transcoder interface {
	// Transcode takes ownership of src and closes it on every path. On success
	// the returned stream yields the encoded image; a failure during encoding
	// surfaces as a read error. Closing the stream early aborts the work.
	Transcode(ctx context.Context, src io.ReadCloser, opts Options) (io.ReadCloser, error)
}

// Metadata describes a source image.
type Metadata struct {
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	Format      string         `json:"format"`
	Space       string         `json:"space"`
	Channels    int            `json:"channels"`
	HasAlpha    bool           `json:"hasAlpha"`
	Ratio       float64        `json:"ratio"`
	Size        int64          `json:"size"`
	ContentType string         `json:"contentType,omitempty"`
	Orientation int            `json:"orientation,omitempty"`
	EXIF        map[string]any `json:"exif,omitempty"`
}

// Extractor reads image metadata.
type Extractor interface {
	// Extract reads src to the end. EXIF parse failures are not errors; they
	// leave Metadata.EXIF nil.
	Extract(ctx context.Context, src io.Reader) (*Metadata, error)
}
