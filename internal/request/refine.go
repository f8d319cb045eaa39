// Package request turns loosely-typed transport input into the typed
// parameters the image pipeline runs on, and resolves the output format.
package request

import (
	"strconv"
	"strings"
)

// Query parameter and header names read by Refine. No other input is consumed.
const (
	ParamSourceKey = "sourceKey"
	ParamURI       = "uri" // alias of sourceKey set by the CDN rewrite
	ParamWidth     = "w"
	ParamHeight    = "h"
	ParamQuality   = "q"
	ParamType      = "type"
	ParamMeta      = "meta"

	HeaderIfNoneMatch = "if-none-match"
	HeaderAccept      = "accept"
	HeaderCacheKey    = "x-cache-key"
)

// MaxDimension is the largest accepted w or h.
const MaxDimension = 16384

// pathPrefix is the path form of a source key: /img/<key>.
const pathPrefix = "/img/"

// Raw is a request as received at the transport boundary. Header names are
// stored lower-case.
type Raw struct {
	Params  map[string]string
	Headers map[string]string
}

// NewRaw copies params and headers into a Raw, lower-casing header names.
func NewRaw(params, headers map[string]string) Raw {
	raw := Raw{
		Params:  make(map[string]string, len(params)),
		Headers: make(map[string]string, len(headers)),
	}
	for k, v := range params {
		raw.Params[k] = v
	}
	for k, v := range headers {
		raw.Headers[strings.ToLower(k)] = v
	}
	return raw
}

// WithPath fills the uri parameter from a /img/<key> request path when the
// query string names no source key.
func (r Raw) WithPath(path string) Raw {
	if _, ok := r.Params[ParamSourceKey]; ok {
		return r
	}
	if _, ok := r.Params[ParamURI]; ok {
		return r
	}
	if key, ok := strings.CutPrefix(path, pathPrefix); ok && key != "" {
		if r.Params == nil {
			r.Params = make(map[string]string, 1)
		}
		r.Params[ParamURI] = key
	}
	return r
}

// Header returns the named header value, matching case-insensitively.
func (r Raw) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// Params are the validated transformation parameters of one request.
type Params struct {
	SourceKey    string
	Width        int
	Height       *int
	Quality      *int
	Format       Format // empty when not requested
	MetadataOnly bool
}

// Headers are the request headers the pipeline consumes.
type Headers struct {
	IfNoneMatch string
	Accept      string
	CacheKey    string
}

// Refine validates raw input. All invalid fields are reported together in a
// *ValidationError.
func Refine(raw Raw) (Params, Headers, error) {
	var (
		p    Params
		errs ValidationError
	)

	key := raw.Params[ParamSourceKey]
	if key == "" {
		key = raw.Params[ParamURI]
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		errs.add(ParamSourceKey, "is required")
	}
	p.SourceKey = key

	w, present, err := parseDimension(raw.Params, ParamWidth)
	switch {
	case !present:
		errs.add(ParamWidth, "is required")
	case err != "":
		errs.add(ParamWidth, err)
	default:
		p.Width = w
	}

	if h, present, err := parseDimension(raw.Params, ParamHeight); err != "" {
		errs.add(ParamHeight, err)
	} else if present {
		p.Height = &h
	}

	if q, present, err := parseQuality(raw.Params); err != "" {
		errs.add(ParamQuality, err)
	} else if present {
		p.Quality = &q
	}

	if v, ok := raw.Params[ParamType]; ok && v != "" {
		f, ok := ParseFormat(v)
		if !ok {
			errs.add(ParamType, "must be one of avif, webp, png, jpeg, jpg, jxl, matchSource")
		}
		p.Format = f
	}

	if v, ok := raw.Params[ParamMeta]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs.add(ParamMeta, "must be a boolean")
		}
		p.MetadataOnly = b
	}

	if len(errs.Issues) > 0 {
		return Params{}, Headers{}, &errs
	}

	h := Headers{
		IfNoneMatch: raw.Header(HeaderIfNoneMatch),
		Accept:      raw.Header(HeaderAccept),
		CacheKey:    raw.Header(HeaderCacheKey),
	}
	return p, h, nil
}

// parseDimension returns the parameter as an integer in [0, MaxDimension].
// An empty value counts as absent.
func parseDimension(params map[string]string, name string) (int, bool, string) {
	v, ok := params[name]
	if !ok || v == "" {
		return 0, false, ""
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, true, "must be an integer"
	}
	if n < 0 {
		return 0, true, "must be greater than or equal to 0"
	}
	if n > MaxDimension {
		return 0, true, "must be less than or equal to " + strconv.Itoa(MaxDimension)
	}
	return n, true, ""
}

func parseQuality(params map[string]string) (int, bool, string) {
	v, ok := params[ParamQuality]
	if !ok || v == "" {
		return 0, false, ""
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, true, "must be an integer"
	}
	if n < 0 || n > 100 {
		return 0, true, "must be between 0 and 100"
	}
	return n, true, ""
}
