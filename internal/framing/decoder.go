package framing

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Decoder splits a framed stream incrementally. Feed it chunks as they
// arrive; it buffers until the separator is found and from then on returns
// every byte as body without inspecting it.
type Decoder struct {
	max     int
	buf     []byte
	prelude *Prelude
	err     error
}

// NewDecoder returns a Decoder that fails once maxPrelude bytes have been
// buffered without a separator. Zero selects DefaultMaxPrelude.
func NewDecoder(maxPrelude int) *Decoder {
	if maxPrelude <= 0 {
		maxPrelude = DefaultMaxPrelude
	}
	return &Decoder{max: maxPrelude}
}

// Feed consumes one chunk and returns the body bytes it contains. Before the
// separator has been seen it returns nil; the call that completes the
// prelude returns the body prefix that followed it. After that, chunk itself
// is returned.
func (d *Decoder) Feed(chunk []byte) ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.prelude != nil {
		return chunk, nil
	}

	// A separator may straddle the previous chunk boundary.
	from := max(len(d.buf)-(separatorLen-1), 0)
	d.buf = append(d.buf, chunk...)

	i := bytes.Index(d.buf[from:], separator)
	if i < 0 {
		if len(d.buf) > d.max {
			d.err = newFramingError("no separator found within the prelude limit", d.buf, nil)
			return nil, d.err
		}
		return nil, nil
	}
	i += from

	var p Prelude
	if err := json.Unmarshal(d.buf[:i], &p); err != nil {
		d.err = newFramingError("prelude is not valid JSON", d.buf[:i], err)
		return nil, d.err
	}
	if p.StatusCode == 0 {
		p.StatusCode = http.StatusOK
	}
	d.prelude = &p

	body := d.buf[i+separatorLen:]
	d.buf = nil
	return body, nil
}

// Prelude returns the decoded head once the separator has been seen.
func (d *Decoder) Prelude() (Prelude, bool) {
	if d.prelude == nil {
		return Prelude{}, false
	}
	return *d.prelude, true
}

// Finish reports whether the stream ended in a valid state. Call it at EOF.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.prelude == nil {
		d.err = newFramingError("stream ended before the separator", d.buf, io.ErrUnexpectedEOF)
		return d.err
	}
	return nil
}

// ReadPrelude reads r until the prelude is complete. The returned reader
// yields the rest of the stream as body, starting with any bytes that arrived
// alongside the separator.
func ReadPrelude(r io.Reader, maxPrelude int) (Prelude, io.Reader, error) {
	d := NewDecoder(maxPrelude)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			body, err := d.Feed(buf[:n])
			if err != nil {
				return Prelude{}, nil, err
			}
			if p, ok := d.Prelude(); ok {
				if readErr != nil {
					return p, finalReader(body, readErr), nil
				}
				return p, io.MultiReader(bytes.NewReader(body), r), nil
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return Prelude{}, nil, d.Finish()
			}
			return Prelude{}, nil, readErr
		}
	}
}

// finalReader yields body and then the error the source ended with.
func finalReader(body []byte, err error) io.Reader {
	if errors.Is(err, io.EOF) {
		return bytes.NewReader(body)
	}
	return io.MultiReader(bytes.NewReader(body), errReader{err})
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
