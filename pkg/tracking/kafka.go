package tracking

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/synaptica-ai/ctscan/pkg/common/kafka"
)

const (
	eventEvaluationCompleted = "evaluation.completed"
	eventSource              = "ctscan.evaluation"
)

type publisher interface {
	PublishEvent(ctx context.Context, eventType, source string, data map[string]interface{}) (kafka.Event, error)
	Close() error
}

// KafkaSink publishes each run as an evaluation.completed event.
type KafkaSink struct {
	producer publisher
}

func NewKafkaSink(brokers []string, topic string, log logrus.FieldLogger) *KafkaSink {
	return &KafkaSink{producer: kafka.NewProducer(brokers, topic, log.WithField("sink", "kafka"))}
}

func (s *KafkaSink) Record(ctx context.Context, run Run) error {
	_, err := s.producer.PublishEvent(ctx, eventEvaluationCompleted, eventSource, runDocument(run))
	return err
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

func runDocument(run Run) map[string]interface{} {
	metrics := make(map[string]interface{}, len(run.Metrics))
	for k, v := range run.Metrics {
		metrics[k] = v
	}
	return map[string]interface{}{
		"run_id":     run.ID,
		"experiment": run.Experiment,
		"model_name": run.ModelName,
		"model_path": run.ModelPath,
		"params":     run.Params,
		"metrics":    metrics,
		"started_at": run.StartedAt,
		"ended_at":   run.EndedAt,
	}
}
