package dicom

import (
	"encoding/binary"
	"errors"
	"image"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/draw"
)

var (
	ErrMissingDimensions   = errors.New("dicom: image has no rows/columns")
	ErrMissingSampleBlock  = errors.New("dicom: image has no pixel data")
	ErrUnsupportedBitDepth = errors.New("dicom: unsupported bits allocated")
)

const (
	photometricMonochrome1 = "MONOCHROME1"
	photometricMonochrome2 = "MONOCHROME2"
	defaultBitsAllocated   = 16
)

// PixelBlock is the raw sample data of a single uncompressed frame together
// with the attributes needed to interpret it.
type PixelBlock struct {
	Rows                Value[int]
	Columns             Value[int]
	BitsAllocated       Value[int]
	PixelRepresentation int
	Photometric         string
	WindowCenter        Value[float64]
	WindowWidth         Value[float64]
	Samples             []byte
}

type RenderOptions struct {
	// Invert flips the output after photometric handling.
	Invert bool
}

// RenderedImage is an opaque RGBA raster, row-major, 4 bytes per pixel.
type RenderedImage struct {
	Pix    []byte
	Width  int
	Height int
}

// Render windows the samples of px into 8-bit grey. It has no side effects.
func Render(px PixelBlock, opts RenderOptions) (*RenderedImage, error) {
	rows := px.Rows.OrElse(0)
	cols := px.Columns.OrElse(0)
	if rows <= 0 || cols <= 0 {
		return nil, ErrMissingDimensions
	}
	if len(px.Samples) == 0 {
		return nil, ErrMissingSampleBlock
	}

	bits := px.BitsAllocated.OrElse(defaultBitsAllocated)
	if bits != 8 && bits != 16 {
		return nil, ErrUnsupportedBitDepth
	}

	samples := decodeSamples(px.Samples, bits, px.PixelRepresentation == 1, rows*cols)
	if len(samples) == 0 {
		return nil, ErrMissingSampleBlock
	}

	center, width := window(px, samples)
	low := center - width/2
	high := center + width/2

	photometric := px.Photometric
	if photometric == "" {
		photometric = photometricMonochrome2
	}

	out := &RenderedImage{
		Pix:    make([]byte, rows*cols*4),
		Width:  cols,
		Height: rows,
	}
	for i := 0; i < rows*cols; i++ {
		o := i * 4
		out.Pix[o+3] = 255
		if i >= len(samples) {
			continue
		}
		g := mapSample(samples[i], low, high, width)
		if photometric == photometricMonochrome1 {
			g = 255 - g
		}
		if opts.Invert {
			g = 255 - g
		}
		out.Pix[o] = g
		out.Pix[o+1] = g
		out.Pix[o+2] = g
	}
	return out, nil
}

func decodeSamples(data []byte, bits int, signed bool, max int) []float64 {
	size := bits / 8
	n := len(data) / size
	if n > max {
		n = max
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		switch {
		case bits == 8 && signed:
			out[i] = float64(int8(data[i]))
		case bits == 8:
			out[i] = float64(data[i])
		case signed:
			out[i] = float64(int16(binary.LittleEndian.Uint16(data[i*2:])))
		default:
			out[i] = float64(binary.LittleEndian.Uint16(data[i*2:]))
		}
	}
	return out
}

// window returns the metadata window when both values are usable, else one
// spanning the observed sample range. Width is never below 1.
func window(px PixelBlock, samples []float64) (center, width float64) {
	c, okC := px.WindowCenter.Get()
	w, okW := px.WindowWidth.Get()
	if okC && okW && w > 0 && !math.IsNaN(c) && !math.IsNaN(w) {
		return c, w
	}

	lo, hi := samples[0], samples[0]
	for _, s := range samples[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return (lo + hi) / 2, math.Max(hi-lo, 1)
}

func mapSample(v, low, high, width float64) uint8 {
	switch {
	case v <= low:
		return 0
	case v >= high:
		return 255
	default:
		return uint8(math.Round((v - low) / width * 255))
	}
}

// Image wraps the raster as an image.RGBA without copying.
func (r *RenderedImage) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    r.Pix,
		Stride: r.Width * 4,
		Rect:   image.Rect(0, 0, r.Width, r.Height),
	}
}

// EncodePNG writes the raster as PNG.
func (r *RenderedImage) EncodePNG(w io.Writer) error {
	return png.Encode(w, r.Image())
}

// Thumbnail scales the raster so its longer edge is at most maxEdge,
// preserving aspect ratio. Rasters already within bounds are returned as is.
func (r *RenderedImage) Thumbnail(maxEdge int) *RenderedImage {
	if maxEdge <= 0 || (r.Width <= maxEdge && r.Height <= maxEdge) {
		return r
	}
	w, h := maxEdge, maxEdge
	if r.Width >= r.Height {
		h = int(math.Max(1, math.Round(float64(r.Height)*float64(maxEdge)/float64(r.Width))))
	} else {
		w = int(math.Max(1, math.Round(float64(r.Width)*float64(maxEdge)/float64(r.Height))))
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), r.Image(), r.Image().Bounds(), draw.Src, nil)
	return &RenderedImage{Pix: dst.Pix, Width: w, Height: h}
}
