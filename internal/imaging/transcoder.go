package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"sync"
	"time"

	"github.com/chai2010/webp"
	imgx "github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/rs/zerolog"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp" // register WebP decoder for image.DecodeConfig

	"github.com/fpang/image-delivery/internal/request"
)

const (
	// DefaultTimeout bounds decode, resize and encode of one image.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxSourceBytes caps how much of a source object is read.
	DefaultMaxSourceBytes = 64 << 20

	// DefaultMaxPixels caps the decoded size of a source image. The header is
	// checked before decoding, so a small file declaring a huge canvas is
	// rejected without allocating it.
	DefaultMaxPixels = 50_000_000

	sharpenSigma      = 1.5
	avifQualityOffset = 20
	avifWideImage     = 900
)

// NativeTranscoder decodes the source in-process, resizes it with
// golang.org/x/image/draw and encodes the result with the format's Go encoder.
type NativeTranscoder struct {
	timeout        time.Duration
	maxSourceBytes int64
	maxPixels      int64
}

// NewNativeTranscoder returns a transcoder with the given work timeout.
// A zero timeout selects DefaultTimeout.
func NewNativeTranscoder(timeout time.Duration) *NativeTranscoder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NativeTranscoder{timeout: timeout, maxSourceBytes: DefaultMaxSourceBytes, maxPixels: DefaultMaxPixels}
}

// output is the reader half of the transcode pipe. Closing it cancels the
// background work.
type output struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (o *output) Close() error {
	o.cancel()
	return o.PipeReader.Close()
}

// Transcode validates opts synchronously and starts the work in a goroutine.
func (t *NativeTranscoder) Transcode(ctx context.Context, src io.ReadCloser, opts Options) (io.ReadCloser, error) {
	if err := validate(opts); err != nil {
		src.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	source := &onceCloser{ReadCloser: src}
	// Unblock a pending source read or output write when the consumer goes away.
	stop := context.AfterFunc(ctx, func() {
		pw.CloseWithError(ctx.Err())
		source.Close()
	})

	go func() {
		defer cancel()
		defer stop()
		// Nothing above this goroutine can recover its panics; deliver them
		// through the pipe like any other mid-stream failure.
		defer func() {
			if r := recover(); r != nil {
				source.Close()
				err := fmt.Errorf("transcode panic: %v", r)
				zerolog.Ctx(ctx).Error().Err(err).Str("format", string(opts.Format)).Msg("Transcode failed")
				pw.CloseWithError(err)
			}
		}()
		err := t.run(ctx, source, pw, opts)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("format", string(opts.Format)).Msg("Transcode failed")
		}
		pw.CloseWithError(err)
	}()

	return &output{PipeReader: pr, cancel: cancel}, nil
}

func validate(opts Options) error {
	switch opts.Format {
	case request.FormatAVIF, request.FormatWebP, request.FormatPNG, request.FormatJPEG, request.FormatMatchSource, "":
	default:
		return fmt.Errorf("%w: no encoder for %q", ErrUnsupportedFormat, opts.Format)
	}
	switch opts.Fit {
	case FitCover, FitContain, FitFill, FitInside, FitOutside, "":
	default:
		return fmt.Errorf("unknown fit %q", opts.Fit)
	}
	if opts.Width < 0 || opts.Height < 0 {
		return fmt.Errorf("negative dimensions %dx%d", opts.Width, opts.Height)
	}
	return nil
}

func (t *NativeTranscoder) run(ctx context.Context, src io.ReadCloser, w io.Writer, opts Options) error {
	defer src.Close()

	work, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	data, err := io.ReadAll(io.LimitReader(&contextReader{ctx: work, r: src}, t.maxSourceBytes+1))
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	if int64(len(data)) > t.maxSourceBytes {
		return fmt.Errorf("source exceeds %d bytes", t.maxSourceBytes)
	}

	img, sourceFormat, err := decode(data, t.maxPixels)
	if err != nil {
		return err
	}

	// The resize, sharpen and encode calls take no context, so cancellation
	// and the work timeout are observed between stages only. A stage that has
	// started runs to completion.
	if err := work.Err(); err != nil {
		return err
	}
	bounds := img.Bounds()
	img = resize(img, opts)
	if err := work.Err(); err != nil {
		return err
	}
	if opts.Sharpen {
		img = imgx.Sharpen(img, sharpenSigma)
		if err := work.Err(); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if err := encode(&buf, img, sourceFormat, opts); err != nil {
		return err
	}
	if err := work.Err(); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Debug().
		Str("source_format", sourceFormat).
		Str("output_format", string(opts.Format)).
		Int("orig_width", bounds.Dx()).
		Int("orig_height", bounds.Dy()).
		Int("new_width", img.Bounds().Dx()).
		Int("new_height", img.Bounds().Dy()).
		Int("output_size", buf.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("Image transcoded")

	_, err = w.Write(buf.Bytes())
	return err
}

// decode sniffs the source format and decodes it with EXIF orientation
// applied. Sources whose header declares more than maxPixels are rejected
// before any pixel memory is allocated.
func decode(data []byte, maxPixels int64) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > maxPixels {
		return nil, "", fmt.Errorf("%w: %s source is %dx%d, over the %d pixel limit",
			ErrUnsupportedFormat, format, cfg.Width, cfg.Height, maxPixels)
	}
	img, err := imgx.Decode(bytes.NewReader(data), imgx.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", format, err)
	}
	return img, format, nil
}

func resize(img image.Image, opts Options) image.Image {
	bounds := img.Bounds()
	l := planLayout(bounds, opts)
	if l.identity(bounds) {
		return img
	}

	dst := image.NewNRGBA(image.Rect(0, 0, l.canvas.X, l.canvas.Y))
	off := image.Pt((l.canvas.X-l.dstW)/2, (l.canvas.Y-l.dstH)/2)
	target := image.Rectangle{Min: off, Max: off.Add(image.Pt(l.dstW, l.dstH))}
	draw.CatmullRom.Scale(dst, target, img, l.src, draw.Src, nil)
	return dst
}

// encode writes img in the requested format, or in the source's own format
// for matchSource.
func encode(w io.Writer, img image.Image, sourceFormat string, opts Options) error {
	codec := string(opts.Format)
	if opts.Format == request.FormatMatchSource || opts.Format == "" {
		codec = sourceFormat
	}
	q := opts.Quality

	switch codec {
	case "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: max(q, 1)})
	case "png":
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		return enc.Encode(w, img)
	case "webp":
		return webp.Encode(w, img, &webp.Options{Quality: float32(q)})
	case "avif":
		aq := max(q-avifQualityOffset, 1)
		speed := 6
		if img.Bounds().Dx() > avifWideImage {
			speed = 8
		}
		return avif.Encode(w, img, avif.Options{
			Quality:           aq,
			QualityAlpha:      aq,
			Speed:             speed,
			ChromaSubsampling: image.YCbCrSubsampleRatio420,
		})
	case "gif":
		return gif.Encode(w, img, nil)
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	}
	return fmt.Errorf("%w: cannot encode %q", ErrUnsupportedFormat, codec)
}

type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.ReadCloser.Close() })
	return c.err
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
