package request

import "strings"

// Format is the output encoding requested for a transformed image.
type Format string

// Supported output formats. FormatMatchSource re-encodes in the source's own
// format and reports the source's stored content type.
const (
	FormatAVIF        Format = "avif"
	FormatWebP        Format = "webp"
	FormatPNG         Format = "png"
	FormatJPEG        Format = "jpeg"
	FormatJXL         Format = "jxl"
	FormatMatchSource Format = "matchSource"
)

// ContentTypeJSON is the media type of metadata documents and error envelopes.
const ContentTypeJSON = "application/json"

var formatsByName = map[string]Format{
	"avif":        FormatAVIF,
	"webp":        FormatWebP,
	"png":         FormatPNG,
	"jpeg":        FormatJPEG,
	"jpg":         FormatJPEG, // legacy alias
	"jxl":         FormatJXL,
	"matchsource": FormatMatchSource,
}

// ParseFormat resolves a type parameter value. "jpg" is accepted as an alias
// of "jpeg"; names are case-insensitive.
func ParseFormat(s string) (Format, bool) {
	f, ok := formatsByName[strings.ToLower(s)]
	return f, ok
}

// ContentType returns the wire media type for f. For FormatMatchSource the
// source's stored content type is reused verbatim.
func (f Format) ContentType(sourceContentType string) string {
	if f == FormatMatchSource || f == "" {
		return sourceContentType
	}
	return "image/" + string(f)
}
