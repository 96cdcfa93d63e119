package predictor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/synaptica-ai/ctscan/pkg/ml/imagedata"
	"github.com/synaptica-ai/ctscan/pkg/ml/nn"
	"github.com/synaptica-ai/ctscan/pkg/observability/metrics"
)

var ErrUnknownClass = errors.New("unknown class index")

// Labels is the fixed label vocabulary of the kidney CT classifier.
var Labels = map[int]string{
	0: "Normal",
	1: "Tumor",
}

// Label maps a class index to its label. Indices outside the vocabulary are
// errors, never a default label.
func Label(index int) (string, error) {
	label, ok := Labels[index]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownClass, index)
	}
	return label, nil
}

type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("loading model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// Prediction is one entry of a prediction response: {"image": label}.
type Prediction map[string]string

// Result carries the label along with the class probabilities.
type Result struct {
	Index         int
	Label         string
	Probabilities []float32
}

// Predictor serves a single model loaded at construction. The model is
// read-only afterwards, so Predict and PredictFile are safe for concurrent
// use.
type Predictor struct {
	modelPath string
	inputPath string
	model     *nn.Model
	log       logrus.FieldLogger
}

// New loads the model at modelPath. inputPath is the image read by Predict.
func New(modelPath, inputPath string, log logrus.FieldLogger) (*Predictor, error) {
	start := time.Now()
	m, err := nn.LoadFile(modelPath)
	if err != nil {
		return nil, &ModelLoadError{Path: modelPath, Err: err}
	}
	if len(m.InputShape()) != 3 {
		return nil, &ModelLoadError{Path: modelPath, Err: fmt.Errorf("%w: input %s is not an image", nn.ErrShapeMismatch, m.InputShape())}
	}
	if out := m.OutputShape().Size(); out != len(Labels) {
		return nil, &ModelLoadError{Path: modelPath, Err: fmt.Errorf("%w: model outputs %d classes, labels cover %d", nn.ErrShapeMismatch, out, len(Labels))}
	}
	metrics.ObserveModelLoad(time.Since(start))

	log = log.WithField("component", "predictor")
	log.WithFields(logrus.Fields{
		"path":  modelPath,
		"model": m.Name(),
		"input": m.InputShape().String(),
	}).Info("model loaded")
	return &Predictor{modelPath: modelPath, inputPath: inputPath, model: m, log: log}, nil
}

func (p *Predictor) InputPath() string {
	return p.inputPath
}

// Predict classifies the image at the predictor's input path.
func (p *Predictor) Predict() ([]Prediction, error) {
	return p.PredictFile(p.inputPath)
}

// PredictFile classifies the image at path.
func (p *Predictor) PredictFile(path string) ([]Prediction, error) {
	res, err := p.Classify(path)
	metrics.ObservePrediction(err)
	if err != nil {
		return nil, err
	}
	return []Prediction{{"image": res.Label}}, nil
}

func (p *Predictor) Classify(path string) (Result, error) {
	x, err := imagedata.LoadTensor(path, p.model.InputShape())
	if err != nil {
		return Result{}, err
	}
	probs, err := p.model.Predict(x)
	if err != nil {
		return Result{}, err
	}
	index := nn.Argmax(probs)
	label, err := Label(index)
	if err != nil {
		return Result{}, err
	}
	return Result{Index: index, Label: label, Probabilities: probs}, nil
}

// Watch logs a warning whenever the model file changes on disk. The loaded
// model is never replaced; serving a new model takes a restart. Watch blocks
// until ctx is done.
func (p *Predictor) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Atomic writes replace the file by rename, so watch the directory.
	dir := filepath.Dir(p.modelPath)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	target := filepath.Clean(p.modelPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) {
				continue
			}
			p.log.WithFields(logrus.Fields{
				"path": p.modelPath,
				"op":   event.Op.String(),
			}).Warn("model file changed on disk, restart the service to serve it")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.log.WithError(err).Warn("model watch error")
		}
	}
}

// ModelInfo describes the served model.
func (p *Predictor) ModelInfo() map[string]any {
	_, trainable := p.model.ParamCounts()
	return map[string]any{
		"name":        p.model.Name(),
		"path":        p.modelPath,
		"input_shape": []int(p.model.InputShape()),
		"classes":     p.model.OutputShape().Size(),
		"trainable":   trainable,
	}
}
