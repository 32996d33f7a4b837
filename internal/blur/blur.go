// Package blur redacts rectangular regions of RGBA frames in place.
package blur

import (
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/disintegration/imaging"
)

// Style selects the redaction operator.
type Style string

const (
	StyleGauss  Style = "gauss"
	StyleBox    Style = "box"
	StylePixel  Style = "pixel"
	StyleBlack  Style = "black"
	StyleSecure Style = "secure"
)

// ParseStyle validates a style name. An empty name selects gauss.
func ParseStyle(s string) (Style, error) {
	switch st := Style(s); st {
	case "":
		return StyleGauss, nil
	case StyleGauss, StyleBox, StylePixel, StyleBlack, StyleSecure:
		return st, nil
	default:
		return "", fmt.Errorf("invalid style '%s'. Must be one of: gauss, box, pixel, black, secure", s)
	}
}

// Operator applies one style at a given strength. Strength is the kernel
// radius for gauss and box, and the block size for pixel.
type Operator struct {
	Style    Style
	Strength int
}

// Apply redacts every region of img. Pixels outside the regions are not touched.
func (o Operator) Apply(img *image.RGBA, regions []types.Region) {
	for _, r := range regions {
		Region(img, r.Rect(), o.Style, o.Strength)
	}
}

// blurBufferPool recycles scratch buffers for the box blur.
var blurBufferPool = sync.Pool{
	New: func() interface{} { return make([]uint8, 0, 1024*1024) }, // Start with 1MB capacity
}

// colSumsPool recycles column accumulators for the box blur.
var colSumsPool = sync.Pool{
	New: func() interface{} { return make([]uint32, 0, 1024) },
}

// Region redacts a single rectangle of img with the given style.
func Region(img *image.RGBA, rect image.Rectangle, style Style, strength int) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	if strength < 1 {
		strength = 1
	}

	switch style {
	case StyleBlack:
		fill(img, rect, 0, 0, 0)
	case StyleSecure:
		r, g, b := borderAverage(img, rect)
		fill(img, rect, r, g, b)
	case StyleBox:
		boxBlur(img, rect, strength)
	case StylePixel:
		pixelate(img, rect, strength)
	default:
		gaussBlur(img, rect, strength)
	}
}

// Sigma matches the sigma a Gaussian kernel of size 2*strength+1 gets when
// no explicit sigma is supplied.
func Sigma(strength int) float64 {
	if strength < 1 {
		strength = 1
	}
	return 0.3*float64(strength-1) + 0.8
}

func gaussBlur(img *image.RGBA, rect image.Rectangle, strength int) {
	// imaging clamps at the crop edges, so only pixels inside rect are sampled.
	blurred := imaging.Blur(img.SubImage(rect), Sigma(strength))

	w := rect.Dx()
	for y := 0; y < rect.Dy(); y++ {
		dst := img.PixOffset(rect.Min.X, rect.Min.Y+y)
		src := y * blurred.Stride
		copy(img.Pix[dst:dst+w*4], blurred.Pix[src:src+w*4])
	}
}

func fill(img *image.RGBA, rect image.Rectangle, r, g, b uint8) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := img.PixOffset(rect.Min.X, y)
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			img.Pix[off] = r
			img.Pix[off+1] = g
			img.Pix[off+2] = b
			img.Pix[off+3] = 255
		}
	}
}

// borderAverage averages the ring of pixels directly around rect so the fill
// blends into the background.
func borderAverage(img *image.RGBA, rect image.Rectangle) (uint8, uint8, uint8) {
	var r, g, b, count uint64
	bounds := img.Bounds()
	add := func(x, y int) {
		off := img.PixOffset(x, y)
		r += uint64(img.Pix[off])
		g += uint64(img.Pix[off+1])
		b += uint64(img.Pix[off+2])
		count++
	}

	for x := rect.Min.X; x < rect.Max.X; x++ {
		if y := rect.Min.Y - 1; y >= bounds.Min.Y {
			add(x, y)
		}
		if y := rect.Max.Y; y < bounds.Max.Y {
			add(x, y)
		}
	}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		if x := rect.Min.X - 1; x >= bounds.Min.X {
			add(x, y)
		}
		if x := rect.Max.X; x < bounds.Max.X {
			add(x, y)
		}
	}
	if count == 0 {
		return 0, 0, 0
	}
	return uint8(r / count), uint8(g / count), uint8(b / count)
}

// boxBlur is a separable sliding-window box blur, O(1) per pixel regardless of radius.
func boxBlur(img *image.RGBA, rect image.Rectangle, radius int) {
	w, h := rect.Dx(), rect.Dy()
	// Clamp radius to the region so the window never samples outside it
	if radius > w/2 {
		radius = w / 2
	}
	if radius > h/2 {
		radius = h / 2
	}
	if radius < 1 {
		return
	}

	neededSize := w * h * 4
	bufPtr := blurBufferPool.Get().([]uint8)
	if cap(bufPtr) < neededSize {
		bufPtr = make([]uint8, neededSize)
	}
	buf := bufPtr[:neededSize]
	defer blurBufferPool.Put(bufPtr)

	pix := img.Pix
	count := uint32(2*radius + 1)
	clampIdx := func(i, n int) int {
		if i < 0 {
			return 0
		}
		if i >= n {
			return n - 1
		}
		return i
	}

	// 1. Horizontal pass: image -> buffer
	for y := 0; y < h; y++ {
		rowStart := img.PixOffset(rect.Min.X, rect.Min.Y+y)
		bufRowStart := y * w * 4

		var rSum, gSum, bSum uint32
		for k := -radius; k <= radius; k++ {
			off := rowStart + clampIdx(k, w)*4
			rSum += uint32(pix[off])
			gSum += uint32(pix[off+1])
			bSum += uint32(pix[off+2])
		}

		for x := 0; x < w; x++ {
			bufOff := bufRowStart + x*4
			buf[bufOff] = uint8(rSum / count)
			buf[bufOff+1] = uint8(gSum / count)
			buf[bufOff+2] = uint8(bSum / count)
			buf[bufOff+3] = 255

			offRemove := rowStart + clampIdx(x-radius, w)*4
			offAdd := rowStart + clampIdx(x+radius+1, w)*4
			rSum = rSum - uint32(pix[offRemove]) + uint32(pix[offAdd])
			gSum = gSum - uint32(pix[offRemove+1]) + uint32(pix[offAdd+1])
			bSum = bSum - uint32(pix[offRemove+2]) + uint32(pix[offAdd+2])
		}
	}

	// 2. Vertical pass: buffer -> image, row by row with running column sums for cache locality
	neededCols := w * 3
	csPtr := colSumsPool.Get().([]uint32)
	if cap(csPtr) < neededCols {
		csPtr = make([]uint32, neededCols)
	}
	colSums := csPtr[:neededCols]
	for i := range colSums {
		colSums[i] = 0
	}
	defer colSumsPool.Put(csPtr)

	for k := -radius; k <= radius; k++ {
		rowOffset := clampIdx(k, h) * w * 4
		for x := 0; x < w; x++ {
			off := rowOffset + x*4
			colSums[x*3] += uint32(buf[off])
			colSums[x*3+1] += uint32(buf[off+1])
			colSums[x*3+2] += uint32(buf[off+2])
		}
	}

	for y := 0; y < h; y++ {
		dstRowOff := img.PixOffset(rect.Min.X, rect.Min.Y+y)
		offRemoveRow := clampIdx(y-radius, h) * w * 4
		offAddRow := clampIdx(y+radius+1, h) * w * 4

		for x := 0; x < w; x++ {
			dstOff := dstRowOff + x*4
			pix[dstOff] = uint8(colSums[x*3] / count)
			pix[dstOff+1] = uint8(colSums[x*3+1] / count)
			pix[dstOff+2] = uint8(colSums[x*3+2] / count)

			offRemove := offRemoveRow + x*4
			offAdd := offAddRow + x*4
			colSums[x*3] = colSums[x*3] - uint32(buf[offRemove]) + uint32(buf[offAdd])
			colSums[x*3+1] = colSums[x*3+1] - uint32(buf[offRemove+1]) + uint32(buf[offAdd+1])
			colSums[x*3+2] = colSums[x*3+2] - uint32(buf[offRemove+2]) + uint32(buf[offAdd+2])
		}
	}
}

func pixelate(img *image.RGBA, rect image.Rectangle, blockSize int) {
	pix := img.Pix
	for y := rect.Min.Y; y < rect.Max.Y; y += blockSize {
		for x := rect.Min.X; x < rect.Max.X; x += blockSize {
			// Color of the block's top-left pixel
			srcOff := img.PixOffset(x, y)
			r, g, b, a := pix[srcOff], pix[srcOff+1], pix[srcOff+2], pix[srcOff+3]

			x2 := min(x+blockSize, rect.Max.X)
			y2 := min(y+blockSize, rect.Max.Y)
			for by := y; by < y2; by++ {
				rowStart := img.PixOffset(x, by)
				for bx := 0; bx < x2-x; bx++ {
					dstOff := rowStart + bx*4
					pix[dstOff] = r
					pix[dstOff+1] = g
					pix[dstOff+2] = b
					pix[dstOff+3] = a
				}
			}
		}
	}
}
