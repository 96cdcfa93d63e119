package pipeline

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synaptica-ai/ctscan/pkg/basemodel"
	"github.com/synaptica-ai/ctscan/pkg/configuration"
	"github.com/synaptica-ai/ctscan/pkg/evaluation"
	"github.com/synaptica-ai/ctscan/pkg/ingestion"
	"github.com/synaptica-ai/ctscan/pkg/tracking"
	"github.com/synaptica-ai/ctscan/pkg/training"
)

// Entry names a fixed, ordered subset of stages.
type Entry string

const (
	EntryFull             Entry = "full"
	EntryIngestion        Entry = "ingestion"
	EntryPrepareBaseModel Entry = "prepare_base_model"
	EntryTraining         Entry = "training"
	EntryEvaluation       Entry = "evaluation"
	EntryTrainOnly        Entry = "train_only"
)

var entries = map[Entry][]configuration.Stage{
	EntryFull: {
		configuration.StageDataIngestion,
		configuration.StagePrepareBaseModel,
		configuration.StageTraining,
		configuration.StageEvaluation,
	},
	EntryIngestion:        {configuration.StageDataIngestion},
	EntryPrepareBaseModel: {configuration.StagePrepareBaseModel},
	EntryTraining:         {configuration.StageTraining},
	EntryEvaluation:       {configuration.StageEvaluation},
	EntryTrainOnly: {
		configuration.StagePrepareBaseModel,
		configuration.StageTraining,
		configuration.StageEvaluation,
	},
}

func ParseEntry(s string) (Entry, error) {
	e := Entry(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := entries[e]; !ok {
		return "", fmt.Errorf("unknown entry point %q", s)
	}
	return e, nil
}

func (e Entry) Stages() []configuration.Stage {
	return append([]configuration.Stage(nil), entries[e]...)
}

type Options struct {
	// Fetchers adds dataset sources by URL scheme on top of local files.
	Fetchers map[string]ingestion.Fetcher
	// Progress receives download and training progress bars when set.
	Progress io.Writer
	Tracking tracking.Options
	// TrackingTimeout bounds the evaluation stage's tracking call; zero keeps
	// the stage default.
	TrackingTimeout time.Duration
}

// Build resolves the configuration of every stage in the entry before
// constructing any of them, so configuration errors surface before work
// starts.
func Build(entry Entry, r *configuration.Resolver, opts Options, log logrus.FieldLogger) (*Orchestrator, error) {
	kinds, ok := entries[entry]
	if !ok {
		return nil, fmt.Errorf("unknown entry point %q", entry)
	}

	records := make([]configuration.Record, 0, len(kinds))
	for _, kind := range kinds {
		rec, err := r.Resolve(kind)
		if err != nil {
			log.WithError(err).WithField("stage", kind).Error("invalid configuration")
			return nil, err
		}
		records = append(records, rec)
	}
	store, err := r.Store()
	if err != nil {
		return nil, err
	}

	stages := make([]Stage, 0, len(records))
	for _, rec := range records {
		switch cfg := rec.(type) {
		case configuration.DataIngestionConfig:
			st := ingestion.NewStage(cfg, store, log)
			for scheme, f := range opts.Fetchers {
				st.RegisterFetcher(scheme, f)
			}
			stages = append(stages, st)
		case configuration.PrepareBaseModelConfig:
			stages = append(stages, basemodel.NewStage(cfg, log))
		case configuration.TrainingConfig:
			var topts []training.Option
			if opts.Progress != nil {
				topts = append(topts, training.WithProgress(opts.Progress))
			}
			stages = append(stages, training.NewStage(cfg, log, topts...))
		case configuration.EvaluationConfig:
			stages = append(stages, evaluation.NewStage(cfg, log,
				evaluation.WithTracking(opts.Tracking),
				evaluation.WithTrackingTimeout(opts.TrackingTimeout)))
		default:
			return nil, fmt.Errorf("no stage for configuration %T", rec)
		}
	}
	return NewOrchestrator(log, stages...), nil
}
