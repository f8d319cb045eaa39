package framing

import (
	"bytes"
	"io"
)

// Reader is the pull form of Writer: reading it yields the prelude, the
// separator and then body. It implements ContentType, so a Lambda handler
// can return it directly as a streaming response.
type Reader struct {
	head *bytes.Reader
	err  error
	body io.Reader
}

// NewReader frames body behind p. A nil body yields an empty body.
func NewReader(p Prelude, body io.Reader) *Reader {
	r := &Reader{body: body}
	data, err := p.marshal()
	if err != nil {
		r.err = err
		return r
	}
	r.head = bytes.NewReader(data)
	return r
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.head.Len() > 0 {
		return r.head.Read(p)
	}
	if r.body == nil {
		return 0, io.EOF
	}
	return r.body.Read(p)
}

// ContentType returns the framed-response media type.
func (r *Reader) ContentType() string {
	return ContentType
}

// Close closes the body when it is an io.Closer.
func (r *Reader) Close() error {
	if c, ok := r.body.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
