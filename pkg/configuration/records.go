package configuration

import (
	"github.com/synaptica-ai/ctscan/pkg/ml/nn"
)

type Stage string

const (
	StageDataIngestion    Stage = "data_ingestion"
	StagePrepareBaseModel Stage = "prepare_base_model"
	StageTraining         Stage = "training"
	StageEvaluation       Stage = "evaluation"
)

// Record is a validated configuration snapshot for one stage. Every path in
// a record is absolute.
type Record interface {
	Stage() Stage
}

type ImageSize struct {
	Height   int
	Width    int
	Channels int
}

func (s ImageSize) Shape() nn.Shape {
	return nn.Shape{s.Height, s.Width, s.Channels}
}

type DataIngestionConfig struct {
	RootDir       string
	SourceURL     string
	LocalDataFile string
	UnzipDir      string
	// DatasetDir is the extracted dataset directory below UnzipDir.
	DatasetDir string
}

func (DataIngestionConfig) Stage() Stage { return StageDataIngestion }

type PrepareBaseModelConfig struct {
	RootDir              string
	BaseModelPath        string
	UpdatedBaseModelPath string
	ImageSize            ImageSize
	LearningRate         float64
	IncludeTop           bool
	Weights              string
	Classes              int
	FreezeAll            bool
	FreezeTill           int
	Seed                 int64
}

func (PrepareBaseModelConfig) Stage() Stage { return StagePrepareBaseModel }

type TrainingConfig struct {
	RootDir              string
	TrainedModelPath     string
	UpdatedBaseModelPath string
	TrainingData         string
	Epochs               int
	BatchSize            int
	Augmentation         bool
	ImageSize            ImageSize
	ValidationSplit      float64
	Seed                 int64
}

func (TrainingConfig) Stage() Stage { return StageTraining }

type EvaluationConfig struct {
	RootDir             string
	ModelPath           string
	TrainingData        string
	ReportPath          string
	AllParams           map[string]any
	TrackingURI         string
	ExperimentName      string
	RegisteredModelName string
	ImageSize           ImageSize
	BatchSize           int
	ValidationSplit     float64
}

func (EvaluationConfig) Stage() Stage { return StageEvaluation }
