// Package tracking publishes evaluation runs to external experiment
// tracking systems. Every sink is best effort: callers log failures and
// carry on.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var ErrUnsupportedScheme = errors.New("unsupported tracking endpoint scheme")

// Run is one evaluated model.
type Run struct {
	ID         string
	Experiment string
	ModelName  string
	ModelPath  string
	Params     map[string]any
	Metrics    map[string]float64
	StartedAt  time.Time
	EndedAt    time.Time
}

// NewRun stamps a fresh run id and timestamps.
func NewRun(experiment, modelName, modelPath string, params map[string]any, metrics map[string]float64) Run {
	now := time.Now().UTC()
	return Run{
		ID:         uuid.New().String(),
		Experiment: experiment,
		ModelName:  modelName,
		ModelPath:  modelPath,
		Params:     params,
		Metrics:    metrics,
		StartedAt:  now,
		EndedAt:    now,
	}
}

type Sink interface {
	Record(ctx context.Context, run Run) error
	Close() error
}

type Options struct {
	Username     string
	Password     string
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// Open picks a sink from the endpoint scheme. An empty endpoint yields a nil
// sink and no error.
func Open(ctx context.Context, endpoint string, opts Options, log logrus.FieldLogger) (Sink, error) {
	if endpoint == "" {
		return nil, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing tracking endpoint: %w", err)
	}
	log = log.WithField("component", "tracking")

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewMLflowSink(ctx, endpoint, opts, log), nil
	case "kafka":
		brokers, topic, err := kafkaTarget(u)
		if err != nil {
			return nil, err
		}
		return NewKafkaSink(brokers, topic, log), nil
	case "redis", "rediss":
		sink, err := NewRedisSink(ctx, endpoint, log)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "postgres", "postgresql", "sqlite":
		sink, err := NewSQLSink(endpoint, log)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// kafkaTarget reads kafka://broker1:9092,broker2:9092/topic.
func kafkaTarget(u *url.URL) ([]string, string, error) {
	topic := strings.Trim(u.Path, "/")
	if u.Host == "" || topic == "" {
		return nil, "", fmt.Errorf("kafka endpoint must be kafka://brokers/topic, got %q", u.String())
	}
	return strings.Split(u.Host, ","), topic, nil
}
