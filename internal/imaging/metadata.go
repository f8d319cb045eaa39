package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog"
)

// NativeExtractor reads dimensions and colour model with image.DecodeConfig
// and the EXIF block with evanoberholster/imagemeta.
type NativeExtractor struct {
	maxSourceBytes int64
}

// NewNativeExtractor returns an extractor.
func NewNativeExtractor() *NativeExtractor {
	return &NativeExtractor{maxSourceBytes: DefaultMaxSourceBytes}
}

func (e *NativeExtractor) Extract(ctx context.Context, src io.Reader) (*Metadata, error) {
	data, err := io.ReadAll(io.LimitReader(&contextReader{ctx: ctx, r: src}, e.maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if int64(len(data)) > e.maxSourceBytes {
		return nil, fmt.Errorf("source exceeds %d bytes", e.maxSourceBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	md := &Metadata{
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: format,
		Size:   int64(len(data)),
	}
	md.Space, md.Channels, md.HasAlpha = describeColorModel(cfg.ColorModel)
	if cfg.Height > 0 {
		md.Ratio = math.Round(float64(cfg.Width)/float64(cfg.Height)*10000) / 10000
	}

	exif, orientation, err := readEXIF(data)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("format", format).Msg("No EXIF metadata")
	} else {
		md.Orientation = orientation
		if len(exif) > 0 {
			md.EXIF = exif
		}
	}
	return md, nil
}

// readEXIF extracts the camera, capture-date and GPS fields of the EXIF block,
// plus the IFD0 orientation tag (0 when absent).
func readEXIF(data []byte) (map[string]any, int, error) {
	exifData, err := imagemeta.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("decode EXIF: %w", err)
	}

	fields := make(map[string]any)
	if v := strings.TrimSpace(exifData.Make); v != "" {
		fields["make"] = v
	}
	if v := strings.TrimSpace(exifData.Model); v != "" {
		fields["model"] = v
	}
	putTime(fields, "dateTimeOriginal", exifData.DateTimeOriginal())
	putTime(fields, "createDate", exifData.CreateDate())
	putTime(fields, "modifyDate", exifData.ModifyDate())

	gps := exifData.GPS
	if gps.Latitude() != 0 || gps.Longitude() != 0 {
		fields["gps"] = map[string]float64{
			"latitude":  gps.Latitude(),
			"longitude": gps.Longitude(),
		}
	}
	return fields, int(exifData.Orientation), nil
}

func putTime(fields map[string]any, key string, t time.Time) {
	if !t.IsZero() {
		fields[key] = t.Format(time.RFC3339)
	}
}

// describeColorModel maps a Go colour model onto a colour space name, the
// channel count and whether an alpha channel is present.
func describeColorModel(m color.Model) (space string, channels int, alpha bool) {
	if p, ok := m.(color.Palette); ok {
		for _, c := range p {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return "srgb", 4, true
			}
		}
		return "srgb", 3, false
	}
	switch m {
	case color.GrayModel, color.Gray16Model:
		return "b-w", 1, false
	case color.YCbCrModel:
		return "srgb", 3, false
	case color.CMYKModel:
		return "cmyk", 4, false
	case color.NRGBAModel, color.NRGBA64Model, color.RGBAModel, color.RGBA64Model:
		return "srgb", 4, true
	case color.NYCbCrAModel:
		return "srgb", 4, true
	case color.AlphaModel, color.Alpha16Model:
		return "b-w", 1, true
	}
	return "srgb", 3, false
}
