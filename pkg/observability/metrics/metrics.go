package metrics

import (
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

var (
	predictionsServed atomic.Int64
	predictionsFailed atomic.Int64
	modelLoadMillis   atomic.Int64

	stagesMu sync.Mutex
	stages   = map[string]*stageCounters{}
)

type stageCounters struct {
	runs     int64
	failures int64
	lastSecs float64
}

func ObserveStage(stage string, duration time.Duration, err error) {
	stagesMu.Lock()
	defer stagesMu.Unlock()
	c, ok := stages[stage]
	if !ok {
		c = &stageCounters{}
		stages[stage] = c
	}
	c.runs++
	if err != nil {
		c.failures++
	}
	c.lastSecs = duration.Seconds()
}

func ObservePrediction(err error) {
	if err != nil {
		predictionsFailed.Add(1)
		return
	}
	predictionsServed.Add(1)
}

func ObserveModelLoad(duration time.Duration) {
	modelLoadMillis.Store(duration.Milliseconds())
}

func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		if err := WritePrometheus(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// Families snapshots every metric as Prometheus metric families, stage
// series sorted by stage name.
func Families() []*dto.MetricFamily {
	families := []*dto.MetricFamily{
		family("ctscan_predictions_served_total", "Number of predictions answered with a label.", dto.MetricType_COUNTER,
			counter(float64(predictionsServed.Load()))),
		family("ctscan_predictions_failed_total", "Number of prediction requests that failed.", dto.MetricType_COUNTER,
			counter(float64(predictionsFailed.Load()))),
		family("ctscan_model_load_milliseconds", "Time spent loading the served model.", dto.MetricType_GAUGE,
			gauge(float64(modelLoadMillis.Load()))),
	}

	stagesMu.Lock()
	names := make([]string, 0, len(stages))
	for name := range stages {
		names = append(names, name)
	}
	sort.Strings(names)
	var runs, failures, durations []*dto.Metric
	for _, name := range names {
		c := stages[name]
		runs = append(runs, withStage(counter(float64(c.runs)), name))
		failures = append(failures, withStage(counter(float64(c.failures)), name))
		durations = append(durations, withStage(gauge(c.lastSecs), name))
	}
	stagesMu.Unlock()

	if len(names) == 0 {
		return families
	}
	return append(families,
		family("ctscan_pipeline_stage_runs_total", "Number of stage executions.", dto.MetricType_COUNTER, runs...),
		family("ctscan_pipeline_stage_failures_total", "Number of failed stage executions.", dto.MetricType_COUNTER, failures...),
		family("ctscan_pipeline_stage_last_duration_seconds", "Duration of the latest stage execution.", dto.MetricType_GAUGE, durations...),
	)
}

// WritePrometheus writes Families in the Prometheus text format.
func WritePrometheus(w io.Writer) error {
	for _, mf := range Families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func family(name, help string, typ dto.MetricType, metrics ...*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   typ.Enum(),
		Metric: metrics,
	}
}

func counter(v float64) *dto.Metric {
	return &dto.Metric{Counter: &dto.Counter{Value: proto.Float64(v)}}
}

func gauge(v float64) *dto.Metric {
	return &dto.Metric{Gauge: &dto.Gauge{Value: proto.Float64(v)}}
}

func withStage(m *dto.Metric, stage string) *dto.Metric {
	m.Label = []*dto.LabelPair{{Name: proto.String("stage"), Value: proto.String(stage)}}
	return m
}
