package basemodel

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
	"github.com/synaptica-ai/ctscan/pkg/configuration"
	"github.com/synaptica-ai/ctscan/pkg/ml/nn"
)

const StageName = "Prepare Base Model"

// Stage builds the backbone, saves it untouched, then freezes it, adds the
// classifier head, compiles and saves the result as the updated base model.
type Stage struct {
	cfg configuration.PrepareBaseModelConfig
	log logrus.FieldLogger

	base *nn.Model
	full *nn.Model
}

func NewStage(cfg configuration.PrepareBaseModelConfig, log logrus.FieldLogger) *Stage {
	return &Stage{cfg: cfg, log: log.WithField("stage", StageName)}
}

func (s *Stage) Name() string {
	return StageName
}

func (s *Stage) Run(ctx context.Context) (artifacts.Set, error) {
	if err := s.GetBaseModel(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.UpdateBaseModel(); err != nil {
		return nil, err
	}
	return artifacts.Set{
		artifacts.BaseModel:        s.cfg.BaseModelPath,
		artifacts.UpdatedBaseModel: s.cfg.UpdatedBaseModelPath,
	}, nil
}

func (s *Stage) GetBaseModel() error {
	base, err := nn.NewBackbone(nn.BackboneOptions{
		InputShape: s.cfg.ImageSize.Shape(),
		Weights:    s.cfg.Weights,
		IncludeTop: s.cfg.IncludeTop,
		TopClasses: s.cfg.Classes,
		Seed:       s.cfg.Seed,
	})
	if err != nil {
		s.log.WithError(err).Error("building backbone failed")
		return err
	}
	if err := saveModel(s.cfg.BaseModelPath, base); err != nil {
		return err
	}
	s.base = base
	s.log.WithField("path", s.cfg.BaseModelPath).Info("base model saved")
	return nil
}

func (s *Stage) UpdateBaseModel() error {
	if s.base == nil {
		return fmt.Errorf("base model not built")
	}
	full, err := prepareFullModel(s.base, s.cfg.Classes, s.cfg.FreezeAll, s.cfg.FreezeTill, s.cfg.LearningRate, s.cfg.Seed)
	if err != nil {
		s.log.WithError(err).Error("preparing full model failed")
		return err
	}
	for _, line := range full.Summary() {
		s.log.Info(line)
	}
	if err := saveModel(s.cfg.UpdatedBaseModelPath, full); err != nil {
		return err
	}
	s.full = full
	s.log.WithField("path", s.cfg.UpdatedBaseModelPath).Info("updated base model saved")
	return nil
}

func prepareFullModel(base *nn.Model, classes int, freezeAll bool, freezeTill int, learningRate float64, seed int64) (*nn.Model, error) {
	base.Freeze(freezeAll, freezeTill)
	full, err := base.AppendHead(classes, rand.New(rand.NewSource(seed+1)))
	if err != nil {
		return nil, err
	}
	if err := full.Compile(nn.SGD{LearningRate: learningRate}, nn.CategoricalCrossEntropy, nn.MetricAccuracy); err != nil {
		return nil, err
	}
	return full, nil
}

func saveModel(path string, m *nn.Model) error {
	err := artifacts.WriteAtomic(path, func(w io.Writer) error {
		return nn.Save(w, m)
	})
	if err != nil {
		return fmt.Errorf("saving model to %s: %w", path, err)
	}
	return nil
}
