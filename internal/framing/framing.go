// Package framing carries an HTTP response head and its body over a single
// byte stream, the way Lambda response streaming does:
//
//	<JSON prelude><8 zero bytes><body bytes...>
//
// The prelude holds the status code, headers and cookies. JSON never
// contains a raw NUL byte, so the first run of eight zero bytes always ends
// the prelude; everything after it is body, passed through verbatim.
package framing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ContentType identifies a framed response to the Lambda runtime.
const ContentType = "application/vnd.awslambda.http-integration-response"

// DefaultMaxPrelude bounds how many bytes a Decoder buffers while looking for
// the separator.
const DefaultMaxPrelude = 64 << 10

// separatorLen is the length of the zero-byte run between prelude and body.
const separatorLen = 8

var separator = make([]byte, separatorLen)

// ErrPreludeNotWritten is returned by Writer.Write before WritePrelude.
var ErrPreludeNotWritten = errors.New("framing: prelude not written")

// ErrPreludeWritten is returned by a second WritePrelude.
var ErrPreludeWritten = errors.New("framing: prelude already written")

// Prelude is the response head.
type Prelude struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Cookies    []string          `json:"cookies,omitempty"`
}

// marshal encodes p followed by the separator.
func (p Prelude) marshal() ([]byte, error) {
	if p.StatusCode == 0 {
		p.StatusCode = http.StatusOK
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("framing: encode prelude: %w", err)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, errors.New("framing: prelude contains a NUL byte")
	}
	return append(data, separator...), nil
}

// FramingError reports a stream that does not follow the framing protocol.
type FramingError struct {
	Reason   string
	Buffered int    // bytes examined before giving up
	Excerpt  string // quoted prefix of the buffered bytes
	Err      error
}

func (e *FramingError) Error() string {
	msg := fmt.Sprintf("framing: %s (%d bytes buffered)", e.Reason, e.Buffered)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

const excerptLen = 256

func newFramingError(reason string, buf []byte, err error) *FramingError {
	excerpt := buf
	if len(excerpt) > excerptLen {
		excerpt = excerpt[:excerptLen]
	}
	return &FramingError{
		Reason:   reason,
		Buffered: len(buf),
		Excerpt:  fmt.Sprintf("%q", excerpt),
		Err:      err,
	}
}
