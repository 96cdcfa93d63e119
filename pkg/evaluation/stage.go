package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
	"github.com/synaptica-ai/ctscan/pkg/configuration"
	"github.com/synaptica-ai/ctscan/pkg/ml/imagedata"
	"github.com/synaptica-ai/ctscan/pkg/ml/nn"
	"github.com/synaptica-ai/ctscan/pkg/tracking"
)

const StageName = "Model Evaluation"

// DefaultTrackingTimeout bounds the whole exchange with a tracking endpoint.
const DefaultTrackingTimeout = 30 * time.Second

var errNoModel = errors.New("model not loaded")

type Option func(*Stage)

// WithTrackingTimeout replaces DefaultTrackingTimeout. Non-positive values
// are ignored.
func WithTrackingTimeout(d time.Duration) Option {
	return func(s *Stage) {
		if d > 0 {
			s.trackingTimeout = d
		}
	}
}

// WithTracking sets the credentials used to reach the tracking endpoint.
func WithTracking(opts tracking.Options) Option {
	return func(s *Stage) {
		s.trackingOpts = opts
	}
}

// Stage scores the trained model on the validation subset, writes the
// report and publishes the run to the configured tracking endpoint.
type Stage struct {
	cfg             configuration.EvaluationConfig
	log             logrus.FieldLogger
	trackingOpts    tracking.Options
	trackingTimeout time.Duration

	model  *nn.Model
	report Report
}

func NewStage(cfg configuration.EvaluationConfig, log logrus.FieldLogger, opts ...Option) *Stage {
	s := &Stage{cfg: cfg, log: log.WithField("stage", StageName), trackingTimeout: DefaultTrackingTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stage) Name() string {
	return StageName
}

func (s *Stage) Report() Report {
	return s.report
}

func (s *Stage) Run(ctx context.Context) (artifacts.Set, error) {
	if err := s.LoadModel(); err != nil {
		return nil, err
	}
	if err := s.Evaluate(ctx); err != nil {
		return nil, err
	}
	if err := s.SaveScore(); err != nil {
		return nil, err
	}
	s.LogIntoTracking(ctx)
	return artifacts.Set{artifacts.EvaluationReport: s.cfg.ReportPath}, nil
}

func (s *Stage) LoadModel() error {
	m, err := nn.LoadFile(s.cfg.ModelPath)
	if err != nil {
		s.log.WithError(err).Error("loading trained model failed")
		return err
	}
	s.model = m
	return nil
}

// Evaluate scores every validation sample, including a trailing partial
// batch.
func (s *Stage) Evaluate(ctx context.Context) error {
	if s.model == nil {
		return errNoModel
	}
	ds, err := imagedata.Scan(s.cfg.TrainingData)
	if err != nil {
		return err
	}
	if out := s.model.OutputShape(); out.Size() != len(ds.Classes) {
		return fmt.Errorf("%w: dataset has %d classes, model outputs %d", nn.ErrShapeMismatch, len(ds.Classes), out.Size())
	}
	_, validSet, err := ds.Split(s.cfg.ValidationSplit)
	if err != nil {
		return err
	}
	gen, err := imagedata.NewGenerator(validSet, len(ds.Classes), imagedata.Options{
		Shape:     s.cfg.ImageSize.Shape(),
		BatchSize: s.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("validation subset: %w", err)
	}

	var loss, acc float64
	var n int
	it := gen.Epoch(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		res, err := s.model.EvaluateBatch(batch.Inputs, batch.Labels)
		if err != nil {
			return err
		}
		loss += res.Loss * float64(res.Samples)
		acc += res.Accuracy * float64(res.Samples)
		n += res.Samples
	}

	s.report = Report{
		Loss:        loss / float64(n),
		Accuracy:    acc / float64(n),
		Params:      s.cfg.AllParams,
		EvaluatedAt: time.Now().UTC(),
	}
	s.log.WithFields(logrus.Fields{
		"loss":     s.report.Loss,
		"accuracy": s.report.Accuracy,
		"samples":  n,
	}).Info("model evaluated")
	return nil
}

func (s *Stage) SaveScore() error {
	if err := SaveReport(s.cfg.ReportPath, s.report); err != nil {
		return fmt.Errorf("saving report to %s: %w", s.cfg.ReportPath, err)
	}
	s.log.WithField("path", s.cfg.ReportPath).Info("scores saved")
	return nil
}

// LogIntoTracking publishes the run within the tracking timeout. Failures
// are logged and never returned.
func (s *Stage) LogIntoTracking(ctx context.Context) {
	if s.cfg.TrackingURI == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.trackingTimeout)
	defer cancel()

	log := s.log.WithField("endpoint", s.cfg.TrackingURI)
	sink, err := tracking.Open(ctx, s.cfg.TrackingURI, s.trackingOpts, log)
	if err != nil {
		log.WithError(err).Warn("tracking endpoint unavailable, skipping")
		return
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.WithError(err).Warn("closing tracking sink")
		}
	}()

	run := tracking.NewRun(s.cfg.ExperimentName, s.cfg.RegisteredModelName, s.cfg.ModelPath, s.cfg.AllParams,
		map[string]float64{"loss": s.report.Loss, "accuracy": s.report.Accuracy})
	if err := sink.Record(ctx, run); err != nil {
		log.WithError(err).Warn("recording run failed, continuing")
		return
	}
	log.WithField("run_id", run.ID).Info("run tracked")
}
