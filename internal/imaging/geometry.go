package imaging

import (
	"image"
	"math"

	"github.com/fpang/image-delivery/internal/request"
)

// maxDimension bounds every planned width and height, including ones derived
// from the source aspect ratio.
const maxDimension = request.MaxDimension

// layout is the resize plan for one image: which source region to sample,
// the size it is scaled to, and the canvas it is placed on (centred).
type layout struct {
	src    image.Rectangle
	dstW   int
	dstH   int
	canvas image.Point
}

// identity reports whether the plan leaves the image untouched.
func (l layout) identity(bounds image.Rectangle) bool {
	return l.src == bounds && l.dstW == bounds.Dx() && l.dstH == bounds.Dy() &&
		l.canvas.X == l.dstW && l.canvas.Y == l.dstH
}

// targetBox resolves the requested box, deriving a missing dimension from the
// source aspect ratio.
func targetBox(sw, sh, w, h int) (int, int) {
	w, h = min(w, maxDimension), min(h, maxDimension)
	switch {
	case w > 0 && h > 0:
		return w, h
	case w > 0:
		return w, atLeastOne(math.Round(float64(w) * float64(sh) / float64(sw)))
	case h > 0:
		return atLeastOne(math.Round(float64(h) * float64(sw) / float64(sh))), h
	default:
		return sw, sh
	}
}

func planLayout(bounds image.Rectangle, opts Options) layout {
	sw, sh := bounds.Dx(), bounds.Dy()
	tw, th := targetBox(sw, sh, opts.Width, opts.Height)
	full := layout{src: bounds, dstW: sw, dstH: sh, canvas: image.Pt(sw, sh)}

	scaleW := float64(tw) / float64(sw)
	scaleH := float64(th) / float64(sh)

	switch opts.Fit {
	case FitFill:
		w, h := tw, th
		if !opts.AllowUpscale {
			w, h = min(tw, sw), min(th, sh)
		}
		return layout{src: bounds, dstW: w, dstH: h, canvas: image.Pt(w, h)}

	case FitInside, FitContain:
		scale := math.Min(scaleW, scaleH)
		clamped := false
		if !opts.AllowUpscale && scale > 1 {
			scale, clamped = 1, true
		}
		w := atLeastOne(math.Round(float64(sw) * scale))
		h := atLeastOne(math.Round(float64(sh) * scale))
		l := layout{src: bounds, dstW: w, dstH: h, canvas: image.Pt(w, h)}
		if opts.Fit == FitContain && !clamped {
			l.canvas = image.Pt(tw, th)
		}
		return l

	case FitOutside:
		scale := math.Max(scaleW, scaleH)
		if !opts.AllowUpscale && scale > 1 {
			return full
		}
		w := atLeastOne(math.Round(float64(sw) * scale))
		h := atLeastOne(math.Round(float64(sh) * scale))
		return layout{src: bounds, dstW: w, dstH: h, canvas: image.Pt(w, h)}

	default: // FitCover
		// Centred crop of the source with the target aspect ratio.
		cw, ch := sw, sh
		if float64(sw)*float64(th) > float64(sh)*float64(tw) {
			cw = atLeastOne(math.Round(float64(sh) * float64(tw) / float64(th)))
		} else {
			ch = atLeastOne(math.Round(float64(sw) * float64(th) / float64(tw)))
		}
		x0 := bounds.Min.X + (sw-cw)/2
		y0 := bounds.Min.Y + (sh-ch)/2
		crop := image.Rect(x0, y0, x0+cw, y0+ch)

		w, h := tw, th
		if !opts.AllowUpscale && (tw > cw || th > ch) {
			w, h = cw, ch
		}
		return layout{src: crop, dstW: w, dstH: h, canvas: image.Pt(w, h)}
	}
}

// atLeastOne converts v to a dimension in [1, maxDimension].
func atLeastOne(v float64) int {
	if v < 1 {
		return 1
	}
	if v > maxDimension {
		return maxDimension
	}
	return int(v)
}
