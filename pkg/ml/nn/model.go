package nn

import (
	"fmt"
	"math"
	"math/rand"
)

const (
	CategoricalCrossEntropy = "categorical_crossentropy"
	MetricAccuracy          = "accuracy"

	epsilon = 1e-7
)

// SGD is plain stochastic gradient descent without momentum.
type SGD struct {
	LearningRate float64
}

type Compilation struct {
	Optimizer SGD
	Loss      string
	Metrics   []string
}

// Model is a sequential stack of layers over a fixed per-sample input shape.
type Model struct {
	name     string
	input    Shape
	layers   []Layer
	compiled *Compilation
}

// BatchResult carries the mean loss and accuracy over a batch.
type BatchResult struct {
	Loss     float64
	Accuracy float64
	Samples  int
}

func NewModel(name string, input Shape, rng *rand.Rand, layers ...Layer) (*Model, error) {
	m := &Model{name: name, input: input.clone()}
	if err := m.append(rng, layers...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) append(rng *rand.Rand, layers ...Layer) error {
	shape := m.OutputShape()
	for _, l := range layers {
		if err := l.build(shape, rng); err != nil {
			return err
		}
		shape = l.OutputShape()
		m.layers = append(m.layers, l)
	}
	return nil
}

// Extend returns a new model that reuses every layer of m and appends the
// given ones. Freezing a shared layer affects both models.
func (m *Model) Extend(name string, rng *rand.Rand, layers ...Layer) (*Model, error) {
	out := &Model{name: name, input: m.input.clone(), layers: append([]Layer(nil), m.layers...)}
	if err := out.append(rng, layers...); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Model) Name() string {
	return m.name
}

func (m *Model) InputShape() Shape {
	return m.input.clone()
}

func (m *Model) OutputShape() Shape {
	if len(m.layers) == 0 {
		return m.input.clone()
	}
	return m.layers[len(m.layers)-1].OutputShape().clone()
}

func (m *Model) Layers() []Layer {
	return append([]Layer(nil), m.layers...)
}

// LayerWeights returns a copy of the parameter slices of layer i.
func (m *Model) LayerWeights(i int) [][]float32 {
	var out [][]float32
	for _, p := range m.layers[i].params() {
		out = append(out, append([]float32(nil), p...))
	}
	return out
}

// Freeze marks layers as not trainable: every layer when all is set,
// otherwise all but the last till layers. till <= 0 without all is a no-op.
func (m *Model) Freeze(all bool, till int) {
	switch {
	case all:
		for _, l := range m.layers {
			l.SetTrainable(false)
		}
	case till > 0:
		for i := 0; i < len(m.layers)-till; i++ {
			m.layers[i].SetTrainable(false)
		}
	}
}

func (m *Model) Compile(opt SGD, loss string, metrics ...string) error {
	if loss != CategoricalCrossEntropy {
		return constructionErrorf("unsupported loss %q", loss)
	}
	if opt.LearningRate <= 0 || math.IsNaN(opt.LearningRate) || math.IsInf(opt.LearningRate, 0) {
		return constructionErrorf("learning rate must be positive, got %v", opt.LearningRate)
	}
	for _, metric := range metrics {
		if metric != MetricAccuracy {
			return constructionErrorf("unsupported metric %q", metric)
		}
	}
	m.compiled = &Compilation{Optimizer: opt, Loss: loss, Metrics: append([]string(nil), metrics...)}
	return nil
}

func (m *Model) Compilation() (Compilation, bool) {
	if m.compiled == nil {
		return Compilation{}, false
	}
	return *m.compiled, true
}

func (m *Model) ParamCounts() (total, trainable int) {
	for _, l := range m.layers {
		total += l.ParamCount()
		if l.Trainable() {
			trainable += l.ParamCount()
		}
	}
	return total, trainable
}

// Summary renders one line per layer plus parameter totals.
func (m *Model) Summary() []string {
	lines := []string{fmt.Sprintf("Model: %q input %s", m.name, m.input)}
	for _, l := range m.layers {
		lines = append(lines, fmt.Sprintf("%-16s %-13s %-16s params=%-9d trainable=%t", l.Name(), l.Kind(), l.OutputShape(), l.ParamCount(), l.Trainable()))
	}
	total, trainable := m.ParamCounts()
	lines = append(lines,
		fmt.Sprintf("Total params: %d", total),
		fmt.Sprintf("Trainable params: %d", trainable),
		fmt.Sprintf("Non-trainable params: %d", total-trainable),
	)
	return lines
}

// Predict runs one forward pass. It is safe for concurrent use.
func (m *Model) Predict(x *Tensor) ([]float32, error) {
	if !x.Shape.Equal(m.input) {
		return nil, fmt.Errorf("%w: model expects %s, got %s", ErrShapeMismatch, m.input, x.Shape)
	}
	out := x
	for _, l := range m.layers {
		out = l.forward(out)
	}
	return out.Data, nil
}

// TrainBatch runs forward and backward passes over a batch and applies one
// averaged SGD update to the trainable layers.
func (m *Model) TrainBatch(xs []*Tensor, ys [][]float32) (BatchResult, error) {
	if m.compiled == nil {
		return BatchResult{}, ErrNotCompiled
	}
	if err := m.checkBatch(xs, ys); err != nil {
		return BatchResult{}, err
	}

	firstTrainable := -1
	grads := make([][][]float32, len(m.layers))
	for i, l := range m.layers {
		if !l.Trainable() || l.ParamCount() == 0 {
			continue
		}
		if firstTrainable < 0 {
			firstTrainable = i
		}
		for _, p := range l.params() {
			grads[i] = append(grads[i], make([]float32, len(p)))
		}
	}

	var res BatchResult
	acts := make([]*Tensor, len(m.layers)+1)
	for s, x := range xs {
		acts[0] = x
		for i, l := range m.layers {
			acts[i+1] = l.forward(acts[i])
		}
		probs := acts[len(m.layers)].Data
		loss, correct := crossEntropy(probs, ys[s])
		res.Loss += loss
		if correct {
			res.Accuracy++
		}
		if firstTrainable < 0 {
			continue
		}
		g := &Tensor{Shape: m.OutputShape(), Data: crossEntropyGrad(probs, ys[s])}
		for i := len(m.layers) - 1; i >= firstTrainable; i-- {
			g = m.layers[i].backward(acts[i], acts[i+1], g, grads[i], i > firstTrainable)
		}
	}

	lr := float32(m.compiled.Optimizer.LearningRate / float64(len(xs)))
	for i, l := range m.layers {
		if grads[i] == nil {
			continue
		}
		for p, param := range l.params() {
			for j, gv := range grads[i][p] {
				param[j] -= lr * gv
			}
		}
	}

	res.Samples = len(xs)
	res.Loss /= float64(len(xs))
	res.Accuracy /= float64(len(xs))
	return res, nil
}

// EvaluateBatch computes loss and accuracy without touching the weights.
func (m *Model) EvaluateBatch(xs []*Tensor, ys [][]float32) (BatchResult, error) {
	if err := m.checkBatch(xs, ys); err != nil {
		return BatchResult{}, err
	}
	var res BatchResult
	for s, x := range xs {
		probs, err := m.Predict(x)
		if err != nil {
			return BatchResult{}, err
		}
		loss, correct := crossEntropy(probs, ys[s])
		res.Loss += loss
		if correct {
			res.Accuracy++
		}
	}
	res.Samples = len(xs)
	res.Loss /= float64(len(xs))
	res.Accuracy /= float64(len(xs))
	return res, nil
}

func (m *Model) checkBatch(xs []*Tensor, ys [][]float32) error {
	if len(xs) == 0 || len(xs) != len(ys) {
		return fmt.Errorf("%w: %d inputs for %d labels", ErrShapeMismatch, len(xs), len(ys))
	}
	out := m.OutputShape()
	for i, x := range xs {
		if !x.Shape.Equal(m.input) {
			return fmt.Errorf("%w: sample %d has shape %s, model expects %s", ErrShapeMismatch, i, x.Shape, m.input)
		}
		if len(ys[i]) != out.Size() {
			return fmt.Errorf("%w: label %d has %d classes, model outputs %d", ErrShapeMismatch, i, len(ys[i]), out.Size())
		}
	}
	return nil
}

func crossEntropy(probs, target []float32) (float64, bool) {
	var loss float64
	for i, t := range target {
		if t == 0 {
			continue
		}
		p := math.Min(math.Max(float64(probs[i]), epsilon), 1-epsilon)
		loss -= float64(t) * math.Log(p)
	}
	return loss, Argmax(probs) == Argmax(target)
}

func crossEntropyGrad(probs, target []float32) []float32 {
	g := make([]float32, len(probs))
	for i, t := range target {
		if t == 0 {
			continue
		}
		p := math.Min(math.Max(float64(probs[i]), epsilon), 1-epsilon)
		g[i] = float32(-float64(t) / p)
	}
	return g
}
