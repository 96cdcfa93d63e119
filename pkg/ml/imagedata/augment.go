package imagedata

import (
	"image"
	"math"
	"math/rand"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Augmentation describes the random transforms applied to training images.
// Shift ranges of at least 1 are pixels, smaller values a fraction of the side.
// Rotation and shear are in degrees.
type Augmentation struct {
	RotationRange    float64
	WidthShiftRange  float64
	HeightShiftRange float64
	ShearRange       float64
	ZoomRange        float64
	HorizontalFlip   bool
}

func DefaultAugmentation() Augmentation {
	return Augmentation{
		RotationRange:    40,
		WidthShiftRange:  20,
		HeightShiftRange: 20,
		ShearRange:       0.2,
		ZoomRange:        0.2,
		HorizontalFlip:   true,
	}
}

func uniform(rng *rand.Rand, r float64) float64 {
	if r == 0 {
		return 0
	}
	return (rng.Float64()*2 - 1) * r
}

func shift(rng *rand.Rand, r float64, side int) float64 {
	if r < 1 {
		r *= float64(side)
	}
	return uniform(rng, r)
}

// Apply returns a randomly transformed copy of img. Pixels that fall outside
// the source take the nearest edge value.
func (a Augmentation) Apply(img *image.RGBA, rng *rand.Rand) *image.RGBA {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	theta := uniform(rng, a.RotationRange) * math.Pi / 180
	tx := shift(rng, a.WidthShiftRange, b.Dx())
	ty := shift(rng, a.HeightShiftRange, b.Dy())
	shear := uniform(rng, a.ShearRange) * math.Pi / 180
	zx, zy := 1.0, 1.0
	if a.ZoomRange > 0 {
		zx = 1 - a.ZoomRange + rng.Float64()*2*a.ZoomRange
		zy = 1 - a.ZoomRange + rng.Float64()*2*a.ZoomRange
	}
	flip := a.HorizontalFlip && rng.Intn(2) == 1

	// Output coordinates map to input coordinates through
	// center * rotation * shear * zoom * uncenter, then the shift.
	cx, cy := w/2, h/2
	cos, sin := math.Cos(theta), math.Sin(theta)
	m := mul(f64.Aff3{cos, -sin, 0, sin, cos, 0}, f64.Aff3{1, -math.Sin(shear), 0, 0, math.Cos(shear), 0})
	m = mul(m, f64.Aff3{zx, 0, 0, 0, zy, 0})
	m = mul(f64.Aff3{1, 0, cx + tx, 0, 1, cy + ty}, mul(m, f64.Aff3{1, 0, -cx, 0, 1, -cy}))

	pad := b.Dx()
	if b.Dy() > pad {
		pad = b.Dy()
	}
	src := padEdges(img, pad)
	// Shift into padded coordinates and invert: Transform wants source to destination.
	m = mul(f64.Aff3{1, 0, float64(pad), 0, 1, float64(pad)}, m)
	s2d := invert(m)

	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.BiLinear.Transform(out, s2d, src, src.Bounds(), xdraw.Src, nil)
	if flip {
		flipHorizontal(out)
	}
	return out
}

func mul(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

func invert(m f64.Aff3) f64.Aff3 {
	det := m[0]*m[4] - m[1]*m[3]
	a, b, c, d := m[4]/det, -m[1]/det, -m[3]/det, m[0]/det
	return f64.Aff3{a, b, -(a*m[2] + b*m[5]), c, d, -(c*m[2] + d*m[5])}
}

// padEdges surrounds img with pad pixels replicating its border.
func padEdges(img *image.RGBA, pad int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(image.Rect(0, 0, w+2*pad, h+2*pad))
	for y := 0; y < h+2*pad; y++ {
		sy := clamp(y-pad, 0, h-1)
		for x := 0; x < w+2*pad; x++ {
			sx := clamp(x-pad, 0, w-1)
			copy(out.Pix[y*out.Stride+4*x:y*out.Stride+4*x+4], img.Pix[sy*img.Stride+4*sx:])
		}
	}
	return out
}

func flipHorizontal(img *image.RGBA) {
	w := img.Bounds().Dx()
	for y := 0; y < img.Bounds().Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+4*w]
		for l, r := 0, w-1; l < r; l, r = l+1, r-1 {
			for c := 0; c < 4; c++ {
				row[4*l+c], row[4*r+c] = row[4*r+c], row[4*l+c]
			}
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
