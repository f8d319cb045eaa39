// Package imagingtest provides deterministic in-memory doubles for the
// imaging ports.
package imagingtest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/fpang/image-delivery/internal/imaging"
)

// Transcoder is a deterministic imaging.Transcoder. Its output is a text
// rendering of the options followed by a digest of the source bytes.
type Transcoder struct {
	// Err is returned synchronously from Transcode when set.
	Err error
	// StreamErr, when set, is delivered as a read error after the first
	// StreamPrefix bytes of output.
	StreamErr    error
	StreamPrefix int

	mu    sync.Mutex
	calls []imaging.Options
}

// Output returns the bytes Transcode produces for opts and source.
func Output(opts imaging.Options, source []byte) []byte {
	sum := sha256.Sum256(source)
	return fmt.Appendf(nil, "transcoded format=%s w=%d h=%d q=%d fit=%s upscale=%t sharpen=%t src=%s",
		opts.Format, opts.Width, opts.Height, opts.Quality, opts.Fit, opts.AllowUpscale, opts.Sharpen,
		hex.EncodeToString(sum[:8]))
}

func (t *Transcoder) Transcode(ctx context.Context, src io.ReadCloser, opts imaging.Options) (io.ReadCloser, error) {
	defer src.Close()

	t.mu.Lock()
	t.calls = append(t.calls, opts)
	t.mu.Unlock()

	if t.Err != nil {
		return nil, t.Err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}

	out := Output(opts, data)
	if t.StreamErr != nil {
		prefix := out[:min(t.StreamPrefix, len(out))]
		return io.NopCloser(io.MultiReader(bytes.NewReader(prefix), errReader{t.StreamErr})), nil
	}
	return io.NopCloser(bytes.NewReader(out)), nil
}

// Calls returns the options of every Transcode call so far.
func (t *Transcoder) Calls() []imaging.Options {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]imaging.Options(nil), t.calls...)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// Extractor is an imaging.Extractor returning a fixed document.
type Extractor struct {
	Metadata imaging.Metadata
	Err      error

	mu    sync.Mutex
	calls int
}

func (e *Extractor) Extract(ctx context.Context, src io.Reader) (*imaging.Metadata, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	n, err := io.Copy(io.Discard, src)
	if err != nil {
		return nil, err
	}
	if e.Err != nil {
		return nil, e.Err
	}
	md := e.Metadata
	if md.Size == 0 {
		md.Size = n
	}
	return &md, nil
}

// Calls returns the number of Extract calls so far.
func (e *Extractor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
