package device

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	wsq "github.com/jtejido/go-wsq"
	"github.com/spakin/netpbm"
)

// loadGray reads a fingerprint sample from disk and returns it as an 8-bit
// grayscale image. PGM/PNM samples decode through netpbm, WSQ through the
// NIST codec, PNG/JPEG through the standard library.
func loadGray(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pgm", ".pbm", ".ppm", ".pnm":
		img, err = netpbm.Decode(f, nil)
	case ".wsq":
		img, err = wsq.Decode(f)
	case ".png":
		img, err = png.Decode(f)
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(f)
	default:
		return nil, fmt.Errorf("unsupported sample format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return toGray(img), nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for x := bounds.Min.X; x < bounds.Max.X; x++ {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray
}

// fitGray maps src onto a width×height frame with nearest-neighbour sampling,
// matching the fixed buffer size a hardware reader reports.
func fitGray(src *image.Gray, width, height int) []byte {
	out := make([]byte, width*height)
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	for y := 0; y < height; y++ {
		sy := sb.Min.Y + y*sh/height
		for x := 0; x < width; x++ {
			sx := sb.Min.X + x*sw/width
			out[y*width+x] = src.GrayAt(sx, sy).Y
		}
	}
	return out
}

func grayFromRaw(buf []byte, width, height int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, width, height))
	copy(g.Pix, buf)
	return g
}
