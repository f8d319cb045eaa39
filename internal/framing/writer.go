package framing

import (
	"io"
	"sync"
)

// Writer encodes a framed response onto w: WritePrelude once, then any
// number of body writes. Writer is safe for concurrent use.
type Writer struct {
	w io.Writer

	mu           sync.Mutex
	wrotePrelude bool
}

// NewWriter returns a Writer emitting to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WritePrelude emits the head and the separator.
func (fw *Writer) WritePrelude(p Prelude) error {
	data, err := p.marshal()
	if err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.wrotePrelude {
		return ErrPreludeWritten
	}
	if err := writeAll(fw.w, data); err != nil {
		return err
	}
	fw.wrotePrelude = true
	return nil
}

// Write emits body bytes.
func (fw *Writer) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if !fw.wrotePrelude {
		return 0, ErrPreludeNotWritten
	}
	if err := writeAll(fw.w, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
