package request

import "strings"

// Negotiate picks the output format. An explicit type parameter wins, then
// AVIF and WebP support advertised in Accept, then the source's own format.
func Negotiate(p Params, h Headers) Format {
	switch {
	case p.Format != "":
		return p.Format
	case strings.Contains(h.Accept, "image/avif"):
		return FormatAVIF
	case strings.Contains(h.Accept, "image/webp"):
		return FormatWebP
	default:
		return FormatMatchSource
	}
}
