package imagedata

import (
	"bufio"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/synaptica-ai/ctscan/pkg/ml/nn"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Rescale maps 8-bit channel values into [0, 1].
const Rescale = 1.0 / 255

func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decoding image %s: %w", path, err)
	}
	return img, nil
}

// Resize scales img to width x height with bilinear interpolation.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// ToTensor rescales an RGBA image into a (height, width, channels) tensor.
// One channel means luminance.
func ToTensor(img *image.RGBA, channels int) (*nn.Tensor, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	b := img.Bounds()
	t := nn.NewTensor(nn.Shape{b.Dy(), b.Dx(), channels})
	i := 0
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			r, g, bl := float32(row[4*x]), float32(row[4*x+1]), float32(row[4*x+2])
			if channels == 1 {
				t.Data[i] = (0.299*r + 0.587*g + 0.114*bl) * Rescale
				i++
				continue
			}
			t.Data[i], t.Data[i+1], t.Data[i+2] = r*Rescale, g*Rescale, bl*Rescale
			i += 3
		}
	}
	return t, nil
}

// LoadTensor decodes, resizes and rescales the image at path to shape.
func LoadTensor(path string, shape nn.Shape) (*nn.Tensor, error) {
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: image shape must be (height, width, channels), got %s", nn.ErrShapeMismatch, shape)
	}
	img, err := Decode(path)
	if err != nil {
		return nil, err
	}
	return ToTensor(Resize(img, shape[1], shape[0]), shape[2])
}
