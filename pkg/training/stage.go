package training

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
	"github.com/synaptica-ai/ctscan/pkg/configuration"
	"github.com/synaptica-ai/ctscan/pkg/ml/imagedata"
	"github.com/synaptica-ai/ctscan/pkg/ml/nn"
)

const StageName = "Training"

type State string

const (
	StateNew             State = "NEW"
	StateLoaded          State = "LOADED"
	StateGeneratorsReady State = "GENERATORS_READY"
	StateTrained         State = "TRAINED"
	StateSaved           State = "SAVED"
)

var (
	ErrInvalidState  = errors.New("invalid training state")
	ErrTooFewSamples = errors.New("subset smaller than one batch")
)

type EpochStats struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
}

type Option func(*Stage)

// WithProgress renders a progress bar per epoch on w.
func WithProgress(w io.Writer) Option {
	return func(s *Stage) {
		s.progress = w
	}
}

// Stage fine-tunes the updated base model. Its steps must run in order:
// GetBaseModel, TrainValidGenerator, Train, SaveModel.
type Stage struct {
	cfg      configuration.TrainingConfig
	log      logrus.FieldLogger
	progress io.Writer

	state   State
	model   *nn.Model
	dataset *imagedata.Dataset
	train   *imagedata.Generator
	valid   *imagedata.Generator
	history []EpochStats
}

func NewStage(cfg configuration.TrainingConfig, log logrus.FieldLogger, opts ...Option) *Stage {
	s := &Stage{cfg: cfg, log: log.WithField("stage", StageName), state: StateNew}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stage) Name() string {
	return StageName
}

func (s *Stage) State() State {
	return s.state
}

// Classes lists the dataset classes in label index order.
func (s *Stage) Classes() []string {
	if s.dataset == nil {
		return nil
	}
	return append([]string(nil), s.dataset.Classes...)
}

func (s *Stage) History() []EpochStats {
	return append([]EpochStats(nil), s.history...)
}

func (s *Stage) Run(ctx context.Context) (artifacts.Set, error) {
	if err := s.GetBaseModel(); err != nil {
		return nil, err
	}
	if err := s.TrainValidGenerator(); err != nil {
		return nil, err
	}
	if err := s.Train(ctx); err != nil {
		return nil, err
	}
	if err := s.SaveModel(); err != nil {
		return nil, err
	}
	return artifacts.Set{artifacts.TrainedModel: s.cfg.TrainedModelPath}, nil
}

func (s *Stage) transition(from, to State) error {
	if s.state != from {
		return fmt.Errorf("%w: cannot move to %s from %s", ErrInvalidState, to, s.state)
	}
	s.state = to
	return nil
}

func (s *Stage) GetBaseModel() error {
	if s.state != StateNew {
		return fmt.Errorf("%w: model already loaded", ErrInvalidState)
	}
	m, err := nn.LoadFile(s.cfg.UpdatedBaseModelPath)
	if err != nil {
		s.log.WithError(err).Error("loading updated base model failed")
		return err
	}
	if !m.InputShape().Equal(s.cfg.ImageSize.Shape()) {
		return fmt.Errorf("%w: model input %s does not match IMAGE_SIZE %s", nn.ErrShapeMismatch, m.InputShape(), s.cfg.ImageSize.Shape())
	}
	if _, ok := m.Compilation(); !ok {
		return fmt.Errorf("%s: %w", s.cfg.UpdatedBaseModelPath, nn.ErrNotCompiled)
	}
	s.model = m
	return s.transition(StateNew, StateLoaded)
}

func (s *Stage) TrainValidGenerator() error {
	if s.state != StateLoaded {
		return fmt.Errorf("%w: generators need a loaded model, state is %s", ErrInvalidState, s.state)
	}
	ds, err := imagedata.Scan(s.cfg.TrainingData)
	if err != nil {
		return err
	}
	if out := s.model.OutputShape(); out.Size() != len(ds.Classes) {
		return fmt.Errorf("%w: dataset has %d classes %v, model outputs %d", nn.ErrShapeMismatch, len(ds.Classes), ds.Classes, out.Size())
	}
	trainSet, validSet, err := ds.Split(s.cfg.ValidationSplit)
	if err != nil {
		return err
	}

	s.valid, err = imagedata.NewGenerator(validSet, len(ds.Classes), imagedata.Options{
		Shape:     s.cfg.ImageSize.Shape(),
		BatchSize: s.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("validation subset: %w", err)
	}
	opts := imagedata.Options{
		Shape:     s.cfg.ImageSize.Shape(),
		BatchSize: s.cfg.BatchSize,
		Shuffle:   true,
		Seed:      s.cfg.Seed,
	}
	if s.cfg.Augmentation {
		aug := imagedata.DefaultAugmentation()
		opts.Augment = &aug
	}
	s.train, err = imagedata.NewGenerator(trainSet, len(ds.Classes), opts)
	if err != nil {
		return fmt.Errorf("training subset: %w", err)
	}
	s.dataset = ds

	s.log.WithFields(logrus.Fields{
		"classes":    ds.Classes,
		"training":   s.train.Samples(),
		"validation": s.valid.Samples(),
		"augment":    s.cfg.Augmentation,
	}).Info("data generators ready")
	return s.transition(StateLoaded, StateGeneratorsReady)
}

// Train runs EPOCHS passes of samples/batch steps each. Remainder samples
// are dropped every epoch.
func (s *Stage) Train(ctx context.Context) error {
	if s.state != StateGeneratorsReady {
		return fmt.Errorf("%w: training needs generators, state is %s", ErrInvalidState, s.state)
	}
	steps := s.train.StepsPerEpoch()
	if steps == 0 {
		return fmt.Errorf("%w: %d training samples with batch size %d", ErrTooFewSamples, s.train.Samples(), s.cfg.BatchSize)
	}
	validationSteps := s.valid.StepsPerEpoch()
	if validationSteps == 0 {
		validationSteps = s.valid.Batches()
	}

	s.history = s.history[:0]
	for epoch := 0; epoch < s.cfg.Epochs; epoch++ {
		stats := EpochStats{Epoch: epoch + 1}
		bar := s.newBar(steps, epoch)

		train, err := s.runEpoch(ctx, s.train.Epoch(epoch), steps, s.model.TrainBatch, bar)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		stats.Loss, stats.Accuracy = train.Loss, train.Accuracy

		val, err := s.runEpoch(ctx, s.valid.Epoch(0), validationSteps, s.model.EvaluateBatch, nil)
		if err != nil {
			return fmt.Errorf("epoch %d validation: %w", epoch+1, err)
		}
		stats.ValLoss, stats.ValAccuracy = val.Loss, val.Accuracy
		s.history = append(s.history, stats)

		s.log.WithFields(logrus.Fields{
			"epoch":        fmt.Sprintf("%d/%d", epoch+1, s.cfg.Epochs),
			"loss":         stats.Loss,
			"accuracy":     stats.Accuracy,
			"val_loss":     stats.ValLoss,
			"val_accuracy": stats.ValAccuracy,
		}).Info("epoch finished")
	}
	return s.transition(StateGeneratorsReady, StateTrained)
}

func (s *Stage) SaveModel() error {
	if s.state != StateTrained {
		return fmt.Errorf("%w: nothing trained to save, state is %s", ErrInvalidState, s.state)
	}
	err := artifacts.WriteAtomic(s.cfg.TrainedModelPath, func(w io.Writer) error {
		return nn.Save(w, s.model)
	})
	if err != nil {
		return fmt.Errorf("saving trained model to %s: %w", s.cfg.TrainedModelPath, err)
	}
	s.log.WithField("path", s.cfg.TrainedModelPath).Info("trained model saved")
	return s.transition(StateTrained, StateSaved)
}

type batchFunc func(xs []*nn.Tensor, ys [][]float32) (nn.BatchResult, error)

// runEpoch averages batch results weighted by batch size.
func (s *Stage) runEpoch(ctx context.Context, it *imagedata.Iterator, steps int, fn batchFunc, bar *progressbar.ProgressBar) (nn.BatchResult, error) {
	var total nn.BatchResult
	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, ok, err := it.Next()
		if err != nil {
			return total, err
		}
		if !ok {
			break
		}
		res, err := fn(batch.Inputs, batch.Labels)
		if err != nil {
			return total, err
		}
		total.Loss += res.Loss * float64(res.Samples)
		total.Accuracy += res.Accuracy * float64(res.Samples)
		total.Samples += res.Samples
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if total.Samples > 0 {
		total.Loss /= float64(total.Samples)
		total.Accuracy /= float64(total.Samples)
	}
	return total, nil
}

func (s *Stage) newBar(steps, epoch int) *progressbar.ProgressBar {
	if s.progress == nil {
		return nil
	}
	return progressbar.NewOptions(steps,
		progressbar.OptionSetWriter(s.progress),
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch+1, s.cfg.Epochs)),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
}
