package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
	"github.com/synaptica-ai/ctscan/pkg/observability/metrics"
)

// Stage is one step of a pipeline run.
type Stage interface {
	Name() string
	Run(ctx context.Context) (artifacts.Set, error)
}

// StageError carries the failing stage name. Unwrap yields the stage's own
// error unchanged.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Orchestrator runs stages in order and stops at the first failure.
type Orchestrator struct {
	stages []Stage
	log    logrus.FieldLogger
}

func NewOrchestrator(log logrus.FieldLogger, stages ...Stage) *Orchestrator {
	return &Orchestrator{stages: stages, log: log.WithField("component", "orchestrator")}
}

func (o *Orchestrator) Stages() []string {
	names := make([]string, len(o.stages))
	for i, s := range o.stages {
		names[i] = s.Name()
	}
	return names
}

// Run returns every artifact written by the stages that completed, even when
// a later stage fails.
func (o *Orchestrator) Run(ctx context.Context) (artifacts.Set, error) {
	written := artifacts.Set{}
	for _, stage := range o.stages {
		name := stage.Name()
		o.log.Infof(">>>>>> %s started <<<<<<", name)

		start := time.Now()
		set, err := stage.Run(ctx)
		metrics.ObserveStage(name, time.Since(start), err)
		if err != nil {
			o.log.WithError(err).WithField("stage", name).Errorf(">>>>>> %s failed <<<<<<", name)
			return written, &StageError{Stage: name, Err: err}
		}
		for k, v := range set {
			written[k] = v
		}
		o.log.WithField("duration", time.Since(start).Round(time.Millisecond).String()).
			Infof(">>>>>> %s completed <<<<<<", name)
	}
	return written, nil
}
