package nn

import (
	"math"
	"math/rand"
)

type Activation string

const (
	Linear  Activation = "linear"
	ReLU    Activation = "relu"
	Softmax Activation = "softmax"
)

// Layer is one step of a sequential model. Forward passes never mutate the
// layer, so a built model can serve concurrent inference.
type Layer interface {
	Name() string
	Kind() string
	Trainable() bool
	SetTrainable(bool)
	OutputShape() Shape
	ParamCount() int

	build(in Shape, rng *rand.Rand) error
	forward(in *Tensor) *Tensor
	// backward returns the gradient w.r.t. the input when needInput is set and
	// accumulates parameter gradients into grads when it is non-nil.
	backward(in, out, gradOut *Tensor, grads [][]float32, needInput bool) *Tensor
	params() [][]float32
	spec() layerSpec
}

// Conv2D is a 3x3, stride 1, same-padded convolution followed by ReLU.
type Conv2D struct {
	name      string
	filters   int
	kernel    int
	trainable bool
	in, out   Shape
	weights   []float32 // [filter][ky][kx][channel]
	bias      []float32
}

func NewConv2D(name string, filters int) *Conv2D {
	return &Conv2D{name: name, filters: filters, kernel: 3, trainable: true}
}

func (c *Conv2D) Name() string        { return c.name }
func (c *Conv2D) Kind() string        { return "Conv2D" }
func (c *Conv2D) Trainable() bool     { return c.trainable }
func (c *Conv2D) SetTrainable(t bool) { c.trainable = t }
func (c *Conv2D) OutputShape() Shape  { return c.out }
func (c *Conv2D) ParamCount() int     { return len(c.weights) + len(c.bias) }
func (c *Conv2D) params() [][]float32 { return [][]float32{c.weights, c.bias} }

func (c *Conv2D) build(in Shape, rng *rand.Rand) error {
	if len(in) != 3 || in.Size() == 0 {
		return constructionErrorf("%s expects (height, width, channels) input, got %s", c.name, in)
	}
	if c.filters <= 0 {
		return constructionErrorf("%s needs a positive filter count, got %d", c.name, c.filters)
	}
	n := c.filters * c.kernel * c.kernel * in[2]
	switch {
	case c.weights == nil:
		if rng == nil {
			return constructionErrorf("%s has no weights to load", c.name)
		}
		std := math.Sqrt(2 / float64(c.kernel*c.kernel*in[2]))
		c.weights = make([]float32, n)
		for i := range c.weights {
			c.weights[i] = float32(rng.NormFloat64() * std)
		}
		c.bias = make([]float32, c.filters)
	case len(c.weights) != n || len(c.bias) != c.filters:
		return constructionErrorf("%s weights do not fit input %s", c.name, in)
	}
	c.in = in.clone()
	c.out = Shape{in[0], in[1], c.filters}
	return nil
}

func (c *Conv2D) forward(x *Tensor) *Tensor {
	H, W, C := c.in[0], c.in[1], c.in[2]
	F, K, pad := c.filters, c.kernel, c.kernel/2
	out := NewTensor(c.out)
	for y := 0; y < H; y++ {
		for xx := 0; xx < W; xx++ {
			for f := 0; f < F; f++ {
				sum := c.bias[f]
				wBase := f * K * K * C
				for ky := 0; ky < K; ky++ {
					iy := y + ky - pad
					if iy < 0 || iy >= H {
						continue
					}
					for kx := 0; kx < K; kx++ {
						ix := xx + kx - pad
						if ix < 0 || ix >= W {
							continue
						}
						inBase := (iy*W + ix) * C
						wOff := wBase + (ky*K+kx)*C
						for ch := 0; ch < C; ch++ {
							sum += x.Data[inBase+ch] * c.weights[wOff+ch]
						}
					}
				}
				if sum < 0 {
					sum = 0
				}
				out.Data[(y*W+xx)*F+f] = sum
			}
		}
	}
	return out
}

func (c *Conv2D) backward(in, out, gradOut *Tensor, grads [][]float32, needInput bool) *Tensor {
	H, W, C := c.in[0], c.in[1], c.in[2]
	F, K, pad := c.filters, c.kernel, c.kernel/2
	var gradIn *Tensor
	if needInput {
		gradIn = NewTensor(c.in)
	}
	var dW, dB []float32
	if grads != nil {
		dW, dB = grads[0], grads[1]
	}
	for y := 0; y < H; y++ {
		for xx := 0; xx < W; xx++ {
			for f := 0; f < F; f++ {
				o := (y*W+xx)*F + f
				if out.Data[o] <= 0 {
					continue
				}
				g := gradOut.Data[o]
				if g == 0 {
					continue
				}
				if dB != nil {
					dB[f] += g
				}
				wBase := f * K * K * C
				for ky := 0; ky < K; ky++ {
					iy := y + ky - pad
					if iy < 0 || iy >= H {
						continue
					}
					for kx := 0; kx < K; kx++ {
						ix := xx + kx - pad
						if ix < 0 || ix >= W {
							continue
						}
						inBase := (iy*W + ix) * C
						wOff := wBase + (ky*K+kx)*C
						for ch := 0; ch < C; ch++ {
							if dW != nil {
								dW[wOff+ch] += g * in.Data[inBase+ch]
							}
							if gradIn != nil {
								gradIn.Data[inBase+ch] += g * c.weights[wOff+ch]
							}
						}
					}
				}
			}
		}
	}
	return gradIn
}

func (c *Conv2D) spec() layerSpec {
	return layerSpec{Kind: c.Kind(), Name: c.name, Trainable: c.trainable, Filters: c.filters, Kernel: c.kernel, Weights: c.weights, Bias: c.bias}
}

// MaxPool2D halves height and width with a 2x2 window.
type MaxPool2D struct {
	name      string
	trainable bool
	in, out   Shape
}

func NewMaxPool2D(name string) *MaxPool2D {
	return &MaxPool2D{name: name, trainable: true}
}

func (p *MaxPool2D) Name() string        { return p.name }
func (p *MaxPool2D) Kind() string        { return "MaxPooling2D" }
func (p *MaxPool2D) Trainable() bool     { return p.trainable }
func (p *MaxPool2D) SetTrainable(t bool) { p.trainable = t }
func (p *MaxPool2D) OutputShape() Shape  { return p.out }
func (p *MaxPool2D) ParamCount() int     { return 0 }
func (p *MaxPool2D) params() [][]float32 { return nil }

func (p *MaxPool2D) build(in Shape, _ *rand.Rand) error {
	if len(in) != 3 {
		return constructionErrorf("%s expects (height, width, channels) input, got %s", p.name, in)
	}
	if in[0]/2 == 0 || in[1]/2 == 0 {
		return constructionErrorf("%s cannot pool input %s: spatial size collapses to zero", p.name, in)
	}
	p.in = in.clone()
	p.out = Shape{in[0] / 2, in[1] / 2, in[2]}
	return nil
}

func (p *MaxPool2D) forward(x *Tensor) *Tensor {
	W, C := p.in[1], p.in[2]
	out := NewTensor(p.out)
	for oy := 0; oy < p.out[0]; oy++ {
		for ox := 0; ox < p.out[1]; ox++ {
			for ch := 0; ch < C; ch++ {
				best := float32(math.Inf(-1))
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						v := x.Data[((2*oy+dy)*W+2*ox+dx)*C+ch]
						if v > best {
							best = v
						}
					}
				}
				out.Data[(oy*p.out[1]+ox)*C+ch] = best
			}
		}
	}
	return out
}

func (p *MaxPool2D) backward(in, _, gradOut *Tensor, _ [][]float32, needInput bool) *Tensor {
	if !needInput {
		return nil
	}
	W, C := p.in[1], p.in[2]
	gradIn := NewTensor(p.in)
	for oy := 0; oy < p.out[0]; oy++ {
		for ox := 0; ox < p.out[1]; ox++ {
			for ch := 0; ch < C; ch++ {
				bestIdx := -1
				best := float32(math.Inf(-1))
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						idx := ((2*oy+dy)*W+2*ox+dx)*C + ch
						if in.Data[idx] > best {
							best = in.Data[idx]
							bestIdx = idx
						}
					}
				}
				gradIn.Data[bestIdx] += gradOut.Data[(oy*p.out[1]+ox)*C+ch]
			}
		}
	}
	return gradIn
}

func (p *MaxPool2D) spec() layerSpec {
	return layerSpec{Kind: p.Kind(), Name: p.name, Trainable: p.trainable}
}

// Flatten reshapes any input into a single vector.
type Flatten struct {
	name      string
	trainable bool
	in, out   Shape
}

func NewFlatten(name string) *Flatten {
	return &Flatten{name: name, trainable: true}
}

func (f *Flatten) Name() string        { return f.name }
func (f *Flatten) Kind() string        { return "Flatten" }
func (f *Flatten) Trainable() bool     { return f.trainable }
func (f *Flatten) SetTrainable(t bool) { f.trainable = t }
func (f *Flatten) OutputShape() Shape  { return f.out }
func (f *Flatten) ParamCount() int     { return 0 }
func (f *Flatten) params() [][]float32 { return nil }

func (f *Flatten) build(in Shape, _ *rand.Rand) error {
	if in.Size() == 0 {
		return constructionErrorf("%s got empty input %s", f.name, in)
	}
	f.in = in.clone()
	f.out = Shape{in.Size()}
	return nil
}

func (f *Flatten) forward(x *Tensor) *Tensor {
	return &Tensor{Shape: f.out, Data: x.Data}
}

func (f *Flatten) backward(_, _, gradOut *Tensor, _ [][]float32, needInput bool) *Tensor {
	if !needInput {
		return nil
	}
	return &Tensor{Shape: f.in, Data: gradOut.Data}
}

func (f *Flatten) spec() layerSpec {
	return layerSpec{Kind: f.Kind(), Name: f.name, Trainable: f.trainable}
}

// Dense is a fully connected layer over a flat input.
type Dense struct {
	name       string
	units      int
	activation Activation
	trainable  bool
	in, out    Shape
	weights    []float32 // [unit][input]
	bias       []float32
}

func NewDense(name string, units int, activation Activation) *Dense {
	return &Dense{name: name, units: units, activation: activation, trainable: true}
}

func (d *Dense) Name() string        { return d.name }
func (d *Dense) Kind() string        { return "Dense" }
func (d *Dense) Trainable() bool     { return d.trainable }
func (d *Dense) SetTrainable(t bool) { d.trainable = t }
func (d *Dense) OutputShape() Shape  { return d.out }
func (d *Dense) ParamCount() int     { return len(d.weights) + len(d.bias) }
func (d *Dense) params() [][]float32 { return [][]float32{d.weights, d.bias} }

func (d *Dense) build(in Shape, rng *rand.Rand) error {
	if len(in) != 1 || in[0] == 0 {
		return constructionErrorf("%s expects a flat input, got %s", d.name, in)
	}
	if d.units <= 0 {
		return constructionErrorf("%s needs a positive unit count, got %d", d.name, d.units)
	}
	switch d.activation {
	case Linear, ReLU, Softmax:
	default:
		return constructionErrorf("%s has unknown activation %q", d.name, d.activation)
	}
	n := d.units * in[0]
	switch {
	case d.weights == nil:
		if rng == nil {
			return constructionErrorf("%s has no weights to load", d.name)
		}
		limit := math.Sqrt(6 / float64(in[0]+d.units))
		d.weights = make([]float32, n)
		for i := range d.weights {
			d.weights[i] = float32((rng.Float64()*2 - 1) * limit)
		}
		d.bias = make([]float32, d.units)
	case len(d.weights) != n || len(d.bias) != d.units:
		return constructionErrorf("%s weights expect %d inputs, got input %s", d.name, len(d.weights)/d.units, in)
	}
	d.in = in.clone()
	d.out = Shape{d.units}
	return nil
}

func (d *Dense) forward(x *Tensor) *Tensor {
	n := d.in[0]
	out := NewTensor(d.out)
	for u := 0; u < d.units; u++ {
		sum := d.bias[u]
		row := d.weights[u*n : (u+1)*n]
		for i, v := range x.Data {
			sum += row[i] * v
		}
		out.Data[u] = sum
	}
	switch d.activation {
	case ReLU:
		for i, v := range out.Data {
			if v < 0 {
				out.Data[i] = 0
			}
		}
	case Softmax:
		softmax(out.Data)
	}
	return out
}

func (d *Dense) backward(in, out, gradOut *Tensor, grads [][]float32, needInput bool) *Tensor {
	n := d.in[0]
	gz := make([]float32, d.units)
	switch d.activation {
	case Softmax:
		var dot float32
		for u := range gz {
			dot += gradOut.Data[u] * out.Data[u]
		}
		for u := range gz {
			gz[u] = out.Data[u] * (gradOut.Data[u] - dot)
		}
	case ReLU:
		for u := range gz {
			if out.Data[u] > 0 {
				gz[u] = gradOut.Data[u]
			}
		}
	default:
		copy(gz, gradOut.Data)
	}

	var gradIn *Tensor
	if needInput {
		gradIn = NewTensor(d.in)
	}
	for u, g := range gz {
		if g == 0 {
			continue
		}
		row := d.weights[u*n : (u+1)*n]
		if grads != nil {
			dRow := grads[0][u*n : (u+1)*n]
			for i, v := range in.Data {
				dRow[i] += g * v
			}
			grads[1][u] += g
		}
		if gradIn != nil {
			for i, w := range row {
				gradIn.Data[i] += g * w
			}
		}
	}
	return gradIn
}

func (d *Dense) spec() layerSpec {
	return layerSpec{Kind: d.Kind(), Name: d.name, Trainable: d.trainable, Units: d.units, Activation: string(d.activation), Weights: d.weights, Bias: d.bias}
}

func softmax(v []float32) {
	maxV := v[0]
	for _, x := range v[1:] {
		if x > maxV {
			maxV = x
		}
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - maxV))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}
