package processing

// IsUnmodified reports whether the caller's If-None-Match token equals the
// source's ETag. Tokens are compared as opaque strings; an empty token never
// matches.
func IsUnmodified(ifNoneMatch, etag string) bool {
	return ifNoneMatch != "" && ifNoneMatch == etag
}
