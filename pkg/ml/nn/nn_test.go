package nn

import (
	"bytes"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackboneLayout(t *testing.T) {
	m, err := NewBackbone(BackboneOptions{InputShape: Shape{32, 32, 3}, Weights: WeightsRandom, Seed: 1})
	require.NoError(t, err)

	assert.Equal(t, Shape{4, 4, 32}, m.OutputShape())
	var names []string
	for _, l := range m.Layers() {
		names = append(names, l.Name())
	}
	assert.Equal(t, []string{"block1_conv", "block1_pool", "block2_conv", "block2_pool", "block3_conv", "block3_pool"}, names)

	withTop, err := NewBackbone(BackboneOptions{InputShape: Shape{32, 32, 3}, Weights: WeightsRandom, IncludeTop: true, TopClasses: 5, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, Shape{5}, withTop.OutputShape())
}

func TestBackboneIsDeterministicPerSeed(t *testing.T) {
	a, err := NewBackbone(BackboneOptions{InputShape: Shape{16, 16, 1}, Weights: WeightsRandom, Seed: 7})
	require.NoError(t, err)
	b, err := NewBackbone(BackboneOptions{InputShape: Shape{16, 16, 1}, Weights: WeightsRandom, Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, a.layers[0].(*Conv2D).weights, b.layers[0].(*Conv2D).weights)
}

func TestBackboneRejectsCollapsingInput(t *testing.T) {
	_, err := NewBackbone(BackboneOptions{InputShape: Shape{4, 4, 3}, Weights: WeightsRandom})
	var mce *ModelConstructionError
	require.ErrorAs(t, err, &mce)
	assert.Contains(t, mce.Reason, "block3_pool")
}

func TestBackboneRejectsBadChannels(t *testing.T) {
	_, err := NewBackbone(BackboneOptions{InputShape: Shape{32, 32, 4}, Weights: WeightsRandom})
	var mce *ModelConstructionError
	assert.ErrorAs(t, err, &mce)
}

func TestBackboneUnknownWeightSource(t *testing.T) {
	_, err := NewBackbone(BackboneOptions{InputShape: Shape{16, 16, 3}, Weights: "imagenet"})
	var mce *ModelConstructionError
	require.ErrorAs(t, err, &mce)
	assert.Error(t, mce.Unwrap())
}

func TestBackboneWeightsFromSavedModel(t *testing.T) {
	src, err := NewBackbone(BackboneOptions{InputShape: Shape{16, 16, 3}, Weights: WeightsRandom, Seed: 1})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "weights.gob")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Save(f, src))
	require.NoError(t, f.Close())

	dst, err := NewBackbone(BackboneOptions{InputShape: Shape{16, 16, 3}, Weights: "file://" + path, Seed: 99})
	require.NoError(t, err)
	assert.Equal(t, src.layers[2].(*Conv2D).weights, dst.layers[2].(*Conv2D).weights)

	_, err = NewBackbone(BackboneOptions{InputShape: Shape{16, 16, 1}, Weights: path})
	var mce *ModelConstructionError
	assert.ErrorAs(t, err, &mce, "channel mismatch must not be copied silently")
}

func TestHeadShapeMismatch(t *testing.T) {
	_, err := NewModel("bad", Shape{8, 8, 3}, rand.New(rand.NewSource(1)), NewDense("predictions", 2, Softmax))
	var mce *ModelConstructionError
	assert.ErrorAs(t, err, &mce)
}

func TestFreezeAndAppendHead(t *testing.T) {
	backbone, err := NewBackbone(BackboneOptions{InputShape: Shape{16, 16, 3}, Weights: WeightsRandom, Seed: 3})
	require.NoError(t, err)
	backbone.Freeze(true, 0)

	full, err := backbone.AppendHead(2, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	assert.Equal(t, Shape{2}, full.OutputShape())

	total, trainable := full.ParamCounts()
	head := 2*2*2*32 + 2
	assert.Equal(t, head, trainable)
	assert.Greater(t, total, trainable)
	assert.Len(t, full.Summary(), len(full.Layers())+4)
}

func TestFreezeTill(t *testing.T) {
	m, err := NewBackbone(BackboneOptions{InputShape: Shape{16, 16, 3}, Weights: WeightsRandom})
	require.NoError(t, err)
	m.Freeze(false, 2)

	layers := m.Layers()
	for _, l := range layers[:len(layers)-2] {
		assert.False(t, l.Trainable(), l.Name())
	}
	for _, l := range layers[len(layers)-2:] {
		assert.True(t, l.Trainable(), l.Name())
	}
}

func TestCompileValidation(t *testing.T) {
	m, err := NewModel("m", Shape{4}, rand.New(rand.NewSource(1)), NewDense("d", 2, Softmax))
	require.NoError(t, err)

	var mce *ModelConstructionError
	assert.ErrorAs(t, m.Compile(SGD{LearningRate: 0}, CategoricalCrossEntropy), &mce)
	assert.ErrorAs(t, m.Compile(SGD{LearningRate: 0.1}, "mse"), &mce)
	assert.ErrorAs(t, m.Compile(SGD{LearningRate: 0.1}, CategoricalCrossEntropy, "f1"), &mce)

	_, err = m.TrainBatch([]*Tensor{NewTensor(Shape{4})}, [][]float32{{1, 0}})
	assert.ErrorIs(t, err, ErrNotCompiled)

	require.NoError(t, m.Compile(SGD{LearningRate: 0.1}, CategoricalCrossEntropy, MetricAccuracy))
	c, ok := m.Compilation()
	require.True(t, ok)
	assert.Equal(t, 0.1, c.Optimizer.LearningRate)
}

func TestPredictShapeMismatch(t *testing.T) {
	m, err := NewModel("m", Shape{4}, rand.New(rand.NewSource(1)), NewDense("d", 2, Softmax))
	require.NoError(t, err)
	_, err = m.Predict(NewTensor(Shape{5}))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	out, err := m.Predict(NewTensor(Shape{4}))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, float64(out[0]+out[1]), 1e-5)
}

func TestTrainBatchLearnsSeparableData(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	m, err := NewModel("m", Shape{2, 2, 1}, rng, NewFlatten("f"), NewDense("d", 2, Softmax))
	require.NoError(t, err)
	require.NoError(t, m.Compile(SGD{LearningRate: 0.5}, CategoricalCrossEntropy, MetricAccuracy))

	bright := &Tensor{Shape: Shape{2, 2, 1}, Data: []float32{1, 1, 1, 1}}
	dark := &Tensor{Shape: Shape{2, 2, 1}, Data: []float32{0, 0, 0.1, 0}}
	xs := []*Tensor{bright, dark}
	ys := [][]float32{{0, 1}, {1, 0}}

	first, err := m.EvaluateBatch(xs, ys)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		_, err := m.TrainBatch(xs, ys)
		require.NoError(t, err)
	}
	last, err := m.EvaluateBatch(xs, ys)
	require.NoError(t, err)

	assert.Less(t, last.Loss, first.Loss)
	assert.Equal(t, 1.0, last.Accuracy)
	assert.Equal(t, 2, last.Samples)
}

func TestFrozenLayersKeepWeights(t *testing.T) {
	backbone, err := NewBackbone(BackboneOptions{InputShape: Shape{8, 8, 1}, Weights: WeightsRandom, Seed: 5})
	require.NoError(t, err)
	backbone.Freeze(true, 0)
	full, err := backbone.AppendHead(2, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	require.NoError(t, full.Compile(SGD{LearningRate: 0.1}, CategoricalCrossEntropy, MetricAccuracy))

	conv := full.layers[0].(*Conv2D)
	head := full.layers[len(full.layers)-1].(*Dense)
	convBefore := append([]float32(nil), conv.weights...)
	headBefore := append([]float32(nil), head.bias...)

	x := NewTensor(Shape{8, 8, 1})
	for i := range x.Data {
		x.Data[i] = float32(i%7) / 7
	}
	_, err = full.TrainBatch([]*Tensor{x}, [][]float32{{1, 0}})
	require.NoError(t, err)

	assert.Equal(t, convBefore, conv.weights)
	assert.NotEqual(t, headBefore, head.bias)
}

// The SGD step with learning rate 1 on one sample equals the gradient, which
// must agree with a central finite difference of the loss.
func TestGradientsMatchFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	conv := NewConv2D("c", 2)
	m, err := NewModel("m", Shape{3, 3, 1}, rng, conv, NewFlatten("f"), NewDense("d", 2, Softmax))
	require.NoError(t, err)
	require.NoError(t, m.Compile(SGD{LearningRate: 1}, CategoricalCrossEntropy))

	// Positive inputs and weights keep every ReLU away from its kink.
	for i := range conv.weights {
		conv.weights[i] = 0.05 + 0.01*float32(i%5)
	}
	x := NewTensor(Shape{3, 3, 1})
	for i := range x.Data {
		x.Data[i] = 0.2 + 0.1*float32(i)
	}
	xs, ys := []*Tensor{x}, [][]float32{{0, 1}}
	dense := m.layers[2].(*Dense)

	lossAt := func() float64 {
		r, err := m.EvaluateBatch(xs, ys)
		require.NoError(t, err)
		return r.Loss
	}
	numeric := func(w []float32, i int) float64 {
		const eps = 1e-2
		orig := w[i]
		w[i] = orig + eps
		up := lossAt()
		w[i] = orig - eps
		down := lossAt()
		w[i] = orig
		return (up - down) / (2 * eps)
	}
	numConv, numDense := numeric(conv.weights, 4), numeric(dense.weights, 3)

	convBefore, denseBefore := conv.weights[4], dense.weights[3]
	_, err = m.TrainBatch(xs, ys)
	require.NoError(t, err)

	assert.InDelta(t, numConv, float64(convBefore-conv.weights[4]), 1e-2*math.Max(1, math.Abs(numConv)))
	assert.InDelta(t, numDense, float64(denseBefore-dense.weights[3]), 1e-2*math.Max(1, math.Abs(numDense)))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	backbone, err := NewBackbone(BackboneOptions{InputShape: Shape{8, 8, 3}, Weights: WeightsRandom, Seed: 9})
	require.NoError(t, err)
	backbone.Freeze(true, 0)
	m, err := backbone.AppendHead(2, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	require.NoError(t, m.Compile(SGD{LearningRate: 0.01}, CategoricalCrossEntropy, MetricAccuracy))

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, m))
	loaded, err := Load(&buf)
	require.NoError(t, err)

	x := NewTensor(Shape{8, 8, 3})
	for i := range x.Data {
		x.Data[i] = float32(i%11) / 11
	}
	want, err := m.Predict(x)
	require.NoError(t, err)
	got, err := loaded.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	c, ok := loaded.Compilation()
	require.True(t, ok)
	assert.Equal(t, CategoricalCrossEntropy, c.Loss)
	_, trainableBefore := m.ParamCounts()
	_, trainableAfter := loaded.ParamCounts()
	assert.Equal(t, trainableBefore, trainableAfter)
}

func TestLoadRejectsForeignFiles(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("PK\x03\x04 definitely a zip")))
	assert.ErrorIs(t, err, ErrBadFormat)

	path := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, os.WriteFile(path, append([]byte("CTNNMDL1"), 0xff, 0x00), 0o644))
	assert.ErrorIs(t, ValidateFile(path), ErrBadFormat)
}
