package serving

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/synaptica-ai/ctscan/pkg/serving/predictor"
)

// PredictionLog is the persistence model for served predictions.
type PredictionLog struct {
	ID            uuid.UUID         `gorm:"primaryKey;column:id"`
	Label         string            `gorm:"column:label"`
	ClassIndex    int               `gorm:"column:class_index"`
	Probabilities datatypes.JSONMap `gorm:"column:probabilities"`
	LatencyMs     float64           `gorm:"column:latency_ms"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
}

// TableName overrides gorm naming.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// Repository handles prediction logs queries.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&PredictionLog{})
}

func (r *Repository) RecordPrediction(ctx context.Context, res predictor.Result, latency time.Duration) error {
	probs := datatypes.JSONMap{}
	for i, p := range res.Probabilities {
		name, err := predictor.Label(i)
		if err != nil {
			continue
		}
		probs[name] = p
	}
	log := PredictionLog{
		ID:            uuid.New(),
		Label:         res.Label,
		ClassIndex:    res.Index,
		Probabilities: probs,
		LatencyMs:     float64(latency.Microseconds()) / 1000.0,
		CreatedAt:     time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(&log).Error
}

const (
	defaultRecent = 50
	maxRecent     = 500
)

// Recent returns the most recent prediction logs, newest first. limit is
// clamped to (0, 500].
func (r *Repository) Recent(ctx context.Context, limit int) ([]PredictionLog, error) {
	switch {
	case limit <= 0:
		limit = defaultRecent
	case limit > maxRecent:
		limit = maxRecent
	}
	var logs []PredictionLog
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
