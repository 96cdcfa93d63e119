package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/synaptica-ai/ctscan/pkg/common/database"
)

type EvaluationRunModel struct {
	ID         string `gorm:"primaryKey"`
	Experiment string `gorm:"index"`
	ModelName  string
	ModelPath  string
	Loss       float64
	Accuracy   float64
	Params     datatypes.JSONMap `gorm:"type:jsonb"`
	Metrics    datatypes.JSONMap `gorm:"type:jsonb"`
	StartedAt  time.Time
	EndedAt    time.Time
	CreatedAt  time.Time
}

func (EvaluationRunModel) TableName() string {
	return "evaluation_runs"
}

// SQLSink writes runs to Postgres or SQLite through gorm.
type SQLSink struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

func NewSQLSink(uri string, log logrus.FieldLogger) (*SQLSink, error) {
	log = log.WithField("sink", "sql")
	db, err := database.Open(uri, log)
	if err != nil {
		return nil, err
	}
	return NewSQLSinkFromDB(db, log)
}

func NewSQLSinkFromDB(db *gorm.DB, log logrus.FieldLogger) (*SQLSink, error) {
	if err := db.AutoMigrate(&EvaluationRunModel{}); err != nil {
		return nil, fmt.Errorf("migrating evaluation_runs: %w", err)
	}
	return &SQLSink{db: db, log: log}, nil
}

func (s *SQLSink) Record(ctx context.Context, run Run) error {
	metrics := make(datatypes.JSONMap, len(run.Metrics))
	for k, v := range run.Metrics {
		metrics[k] = v
	}
	row := EvaluationRunModel{
		ID:         run.ID,
		Experiment: run.Experiment,
		ModelName:  run.ModelName,
		ModelPath:  run.ModelPath,
		Loss:       run.Metrics["loss"],
		Accuracy:   run.Metrics["accuracy"],
		Params:     datatypes.JSONMap(run.Params),
		Metrics:    metrics,
		StartedAt:  run.StartedAt,
		EndedAt:    run.EndedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).Error("Failed to store evaluation run")
		return err
	}
	s.log.WithField("run_id", run.ID).Info("run recorded")
	return nil
}

// Runs lists stored runs, newest first.
func (s *SQLSink) Runs(ctx context.Context) ([]EvaluationRunModel, error) {
	var rows []EvaluationRunModel
	err := s.db.WithContext(ctx).Order("created_at desc").Find(&rows).Error
	return rows, err
}

func (s *SQLSink) Close() error {
	return database.Close(s.db)
}
