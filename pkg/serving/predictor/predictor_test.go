package predictor

import (
	"context"
	"image/color"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
	"github.com/synaptica-ai/ctscan/pkg/common/logger"
	"github.com/synaptica-ai/ctscan/pkg/ml/imagedata/imagedatatest"
	"github.com/synaptica-ai/ctscan/pkg/ml/nn"
)

func writeModel(t *testing.T, path string, seed int64) {
	t.Helper()
	writeModelWithClasses(t, path, seed, 2)
}

func writeModelWithClasses(t *testing.T, path string, seed int64, classes int) {
	t.Helper()
	base, err := nn.NewBackbone(nn.BackboneOptions{InputShape: nn.Shape{16, 16, 3}, Weights: nn.WeightsRandom, Seed: seed})
	require.NoError(t, err)
	full, err := base.AppendHead(classes, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	require.NoError(t, artifacts.WriteAtomic(path, func(w io.Writer) error { return nn.Save(w, full) }))
}

func TestLabel(t *testing.T) {
	l, err := Label(1)
	require.NoError(t, err)
	assert.Equal(t, "Tumor", l)
	l, err = Label(0)
	require.NoError(t, err)
	assert.Equal(t, "Normal", l)

	_, err = Label(2)
	assert.ErrorIs(t, err, ErrUnknownClass)
	_, err = Label(-1)
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestNewFailsOnMissingOrCorruptModel(t *testing.T) {
	dir := t.TempDir()
	var mle *ModelLoadError

	_, err := New(filepath.Join(dir, "absent.gob"), "in.jpg", logger.Discard())
	require.ErrorAs(t, err, &mle)
	assert.ErrorIs(t, err, os.ErrNotExist)

	corrupt := filepath.Join(dir, "corrupt.gob")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a model"), 0o644))
	_, err = New(corrupt, "in.jpg", logger.Discard())
	require.ErrorAs(t, err, &mle)
	assert.ErrorIs(t, err, nn.ErrBadFormat)
}

func TestNewRejectsModelWithWrongClassCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "three.gob")
	writeModelWithClasses(t, path, 9, 3)

	_, err := New(path, "in.jpg", logger.Discard())
	var mle *ModelLoadError
	require.ErrorAs(t, err, &mle)
	assert.Equal(t, path, mle.Path)
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)
}

func TestPredict(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.gob")
	writeModel(t, modelPath, 1)
	input := filepath.Join(dir, "inputImage.png")
	imagedatatest.WritePNG(t, input, 40, 30, color.RGBA{R: 200, G: 10, B: 10, A: 255})

	p, err := New(modelPath, input, logger.Discard())
	require.NoError(t, err)

	preds, err := p.Predict()
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Contains(t, []string{"Normal", "Tumor"}, preds[0]["image"])

	res, err := p.Classify(input)
	require.NoError(t, err)
	assert.Len(t, res.Probabilities, 2)
	assert.Equal(t, preds[0]["image"], res.Label)
}

func TestPredictMissingInput(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.gob")
	writeModel(t, modelPath, 1)
	p, err := New(modelPath, filepath.Join(dir, "nothing.jpg"), logger.Discard())
	require.NoError(t, err)
	_, err = p.Predict()
	assert.Error(t, err)
}

func TestConcurrentPredictions(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.gob")
	writeModel(t, modelPath, 2)
	input := filepath.Join(dir, "in.png")
	imagedatatest.WritePNG(t, input, 16, 16, color.Gray{Y: 128})

	p, err := New(modelPath, input, logger.Discard())
	require.NoError(t, err)
	want, err := p.Classify(input)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.Classify(input)
			if err == nil && got.Index != want.Index {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestReplacedModelFileOnlyWarns(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.gob")
	writeModel(t, modelPath, 3)
	input := filepath.Join(dir, "in.png")
	imagedatatest.WritePNG(t, input, 16, 16, color.Gray{Y: 200})

	log, hook := logtest.NewNullLogger()
	p, err := New(modelPath, input, log)
	require.NoError(t, err)
	before, err := p.Classify(input)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	writeModel(t, modelPath, 99)
	assert.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	after, err := p.Classify(input)
	require.NoError(t, err)
	assert.Equal(t, before.Probabilities, after.Probabilities)

	cancel()
	assert.NoError(t, <-done)
}
