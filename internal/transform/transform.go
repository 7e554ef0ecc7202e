// Package transform shrinks JPEG and PNG images before they are stored. Other
// formats, WebP included, have no encoder here and are kept as-is.
package transform

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/draw"
)

// DefaultMaxPixels bounds the decoded size of an image
const DefaultMaxPixels = 50_000_000

// Options controls resizing and re-encoding. MaxPixels caps width*height of
// images that are decoded; 0 means DefaultMaxPixels.
type Options struct {
	Quality   int
	MaxWidth  int
	MaxHeight int
	MaxPixels int
}

// Result describes the outcome. Data is nil when the original should be kept.
type Result struct {
	Applied        bool
	Data           []byte
	OriginalSize   int64
	FinalSize      int64
	SavingsPercent float64
	Note           string
}

// Notes recorded when the original is kept
const (
	NoteNotBeneficial = "re-encoded image was not smaller"
	NoteUnsupported   = "format not supported for compression"
	NoteDecodeFailed  = "image could not be decoded"
	NoteTooLarge      = "image dimensions exceed the decode limit"
)

// Supported reports whether the MIME type can be re-encoded
func Supported(mimeType string) bool {
	switch mimeType {
	case "image/jpeg", "image/jpg", "image/png":
		return true
	}
	return false
}

// Apply resizes the image to fit the bounds and re-encodes it. The new
// bytes are returned only if they are strictly smaller than the original.
func Apply(r io.Reader, originalSize int64, mimeType string, opts Options) (*Result, error) {
	res := &Result{OriginalSize: originalSize, FinalSize: originalSize}
	if !Supported(mimeType) {
		res.Note = NoteUnsupported
		return res, nil
	}

	// Read the header first so oversized images are never decoded
	var head bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &head))
	if err != nil {
		res.Note = NoteDecodeFailed
		return res, nil
	}
	maxPixels := opts.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		res.Note = NoteTooLarge
		return res, nil
	}

	src, _, err := image.Decode(io.MultiReader(&head, r))
	if err != nil {
		res.Note = NoteDecodeFailed
		return res, nil
	}

	img := fit(src, opts.MaxWidth, opts.MaxHeight)

	var buf bytes.Buffer
	switch mimeType {
	case "image/png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	default:
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	if int64(buf.Len()) >= originalSize {
		res.Note = NoteNotBeneficial
		return res, nil
	}

	res.Applied = true
	res.Data = buf.Bytes()
	res.FinalSize = int64(buf.Len())
	res.SavingsPercent = Savings(originalSize, res.FinalSize)
	return res, nil
}

// Savings returns the size reduction as a percentage rounded to two decimals
func Savings(original, final int64) float64 {
	if original <= 0 {
		return 0
	}
	pct := float64(original-final) / float64(original) * 100
	return math.Round(pct*100) / 100
}

// FitSize scales (w, h) down to fit within (maxW, maxH), keeping the aspect
// ratio. It never scales up.
func FitSize(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if s := float64(maxH) / float64(h); s < scale {
			scale = s
		}
	}
	if scale >= 1 {
		return w, h
	}
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

func fit(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	w, h := FitSize(b.Dx(), b.Dy(), maxW, maxH)
	if w == b.Dx() && h == b.Dy() {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
