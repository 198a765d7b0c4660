package vision

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/BerylCAtieno/upload-insights-api/internal/utils"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const DefaultImageSize = 224

// MaxImagePixels bounds the decoded size of an upload; compressed formats
// can declare far more pixels than their byte size suggests.
const MaxImagePixels = 40_000_000

// Tensor is a Size x Size RGB image in row-major HWC order with channel
// values scaled to [0,1].
type Tensor struct {
	Size int
	Data []float32
}

func (t Tensor) at(x, y, c int) float32 {
	return t.Data[(y*t.Size+x)*3+c]
}

// Preprocess decodes an image, drops alpha, resizes it to size x size and
// scales it to [0,1].
func Preprocess(r io.Reader, size int) (Tensor, error) {
	if size <= 0 {
		size = DefaultImageSize
	}

	// DecodeConfig only reads the header; replay it in front of the rest.
	var head bytes.Buffer
	cfg, format, err := image.DecodeConfig(io.TeeReader(r, &head))
	if err != nil {
		return Tensor{}, utils.InvalidInput("invalid image file", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Tensor{}, utils.InvalidInput(fmt.Sprintf("empty %s image", format), nil)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return Tensor{}, utils.InvalidInput(
			fmt.Sprintf("%s image of %dx%d exceeds %d pixels", format, cfg.Width, cfg.Height, MaxImagePixels), nil)
	}

	src, format, err := image.Decode(io.MultiReader(&head, r))
	if err != nil {
		return Tensor{}, utils.InvalidInput("invalid image file", err)
	}
	if b := src.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return Tensor{}, utils.InvalidInput(fmt.Sprintf("empty %s image", format), nil)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	data := make([]float32, size*size*3)
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < size; x++ {
			p := row[x*4 : x*4+3]
			i := (y*size + x) * 3
			data[i] = float32(p[0]) / 255
			data[i+1] = float32(p[1]) / 255
			data[i+2] = float32(p[2]) / 255
		}
	}
	return Tensor{Size: size, Data: data}, nil
}

// Features average-pools the tensor onto a grid x grid x 3 vector.
func Features(t Tensor, grid int) []float64 {
	out := make([]float64, grid*grid*3)
	for gy := 0; gy < grid; gy++ {
		y0, y1 := cellRange(gy, grid, t.Size)
		for gx := 0; gx < grid; gx++ {
			x0, x1 := cellRange(gx, grid, t.Size)
			var sum [3]float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					for c := 0; c < 3; c++ {
						sum[c] += float64(t.at(x, y, c))
					}
				}
			}
			n := float64((y1 - y0) * (x1 - x0))
			for c := 0; c < 3; c++ {
				out[(gy*grid+gx)*3+c] = sum[c] / n
			}
		}
	}
	return out
}

func cellRange(i, grid, size int) (int, int) {
	lo := i * size / grid
	hi := (i + 1) * size / grid
	if hi <= lo {
		hi = lo + 1
	}
	if hi > size {
		lo, hi = size-1, size
	}
	return lo, hi
}
