package tracking

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
)

const (
	apiPrefix          = "/api/2.0/mlflow"
	artifactsPrefix    = "/api/2.0/mlflow-artifacts/artifacts"
	errDoesNotExist    = "RESOURCE_DOES_NOT_EXIST"
	errAlreadyExists   = "RESOURCE_ALREADY_EXISTS"
	modelArtifactPath  = "model"
	maxParamValueBytes = 500
)

type mlflowError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (e *mlflowError) Error() string {
	return fmt.Sprintf("mlflow %s: %s", e.ErrorCode, e.Message)
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type runInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	Status       string `json:"status"`
}

// MLflowSink talks to an MLflow tracking server over its REST API.
type MLflowSink struct {
	client *resty.Client
	log    logrus.FieldLogger
}

func NewMLflowSink(ctx context.Context, baseURL string, opts Options, log logrus.FieldLogger) *MLflowSink {
	var client *resty.Client
	switch {
	case opts.ClientID != "" && opts.TokenURL != "":
		cc := clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
		}
		if opts.HTTPClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
		}
		client = resty.NewWithClient(cc.Client(ctx))
	case opts.HTTPClient != nil:
		client = resty.NewWithClient(opts.HTTPClient)
	default:
		client = resty.New()
	}
	if opts.Username != "" {
		client.SetBasicAuth(opts.Username, opts.Password)
	}
	client.SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetError(&mlflowError{})
	return &MLflowSink{client: client, log: log.WithField("sink", "mlflow")}
}

func (s *MLflowSink) Record(ctx context.Context, run Run) error {
	experimentID, err := s.experimentID(ctx, run.Experiment)
	if err != nil {
		return err
	}
	info, err := s.createRun(ctx, experimentID, run)
	if err != nil {
		return err
	}
	log := s.log.WithFields(logrus.Fields{"experiment_id": experimentID, "run_id": info.RunID})

	if err := s.logBatch(ctx, info.RunID, run); err != nil {
		s.finish(ctx, info.RunID, RunStatusFailed)
		return err
	}
	if run.ModelPath != "" {
		if err := s.uploadModel(ctx, info, run.ModelPath); err != nil {
			s.finish(ctx, info.RunID, RunStatusFailed)
			return err
		}
		if run.ModelName != "" {
			if err := s.registerModel(ctx, run.ModelName, info.RunID); err != nil {
				s.finish(ctx, info.RunID, RunStatusFailed)
				return err
			}
		}
	}
	if err := s.finish(ctx, info.RunID, RunStatusFinished); err != nil {
		return err
	}
	log.Info("run recorded")
	return nil
}

func (s *MLflowSink) Close() error {
	return nil
}

func (s *MLflowSink) experimentID(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = "Default"
	}
	var found struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	resp, err := s.client.R().SetContext(ctx).
		SetQueryParam("experiment_name", name).
		SetResult(&found).
		Get(apiPrefix + "/experiments/get-by-name")
	if err := check(resp, err); err == nil {
		return found.Experiment.ExperimentID, nil
	} else if !hasCode(resp, errDoesNotExist) {
		return "", fmt.Errorf("looking up experiment %q: %w", name, err)
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	resp, err = s.client.R().SetContext(ctx).
		SetBody(map[string]string{"name": name}).
		SetResult(&created).
		Post(apiPrefix + "/experiments/create")
	if err := check(resp, err); err != nil {
		return "", fmt.Errorf("creating experiment %q: %w", name, err)
	}
	return created.ExperimentID, nil
}

func (s *MLflowSink) createRun(ctx context.Context, experimentID string, run Run) (runInfo, error) {
	var out struct {
		Run struct {
			Info runInfo `json:"info"`
		} `json:"run"`
	}
	body := map[string]any{
		"experiment_id": experimentID,
		"run_name":      run.ID,
		"start_time":    run.StartedAt.UnixMilli(),
	}
	resp, err := s.client.R().SetContext(ctx).SetBody(body).SetResult(&out).Post(apiPrefix + "/runs/create")
	if err := check(resp, err); err != nil {
		return runInfo{}, fmt.Errorf("creating run: %w", err)
	}
	return out.Run.Info, nil
}

func (s *MLflowSink) logBatch(ctx context.Context, runID string, run Run) error {
	ts := run.EndedAt.UnixMilli()
	body := struct {
		RunID   string     `json:"run_id"`
		Params  []keyValue `json:"params"`
		Metrics []metric   `json:"metrics"`
	}{RunID: runID, Params: []keyValue{}, Metrics: []metric{}}

	for _, k := range sortedKeys(run.Params) {
		v := truncateUTF8(fmt.Sprint(run.Params[k]), maxParamValueBytes)
		body.Params = append(body.Params, keyValue{Key: k, Value: v})
	}
	for _, k := range sortedKeys(run.Metrics) {
		body.Metrics = append(body.Metrics, metric{Key: k, Value: run.Metrics[k], Timestamp: ts})
	}

	resp, err := s.client.R().SetContext(ctx).SetBody(body).Post(apiPrefix + "/runs/log-batch")
	if err := check(resp, err); err != nil {
		return fmt.Errorf("logging params and metrics: %w", err)
	}
	return nil
}

// uploadModel stores the model file through the artifact proxy under the
// run's "model" artifact directory.
func (s *MLflowSink) uploadModel(ctx context.Context, info runInfo, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening model: %w", err)
	}
	defer f.Close()

	target := fmt.Sprintf("%s/%s/%s/artifacts/%s/%s", artifactsPrefix, info.ExperimentID, info.RunID, modelArtifactPath, filepath.Base(path))
	resp, err := s.client.R().SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(f).
		Put(target)
	if err := check(resp, err); err != nil {
		return fmt.Errorf("uploading model: %w", err)
	}
	return nil
}

func (s *MLflowSink) registerModel(ctx context.Context, name, runID string) error {
	resp, err := s.client.R().SetContext(ctx).
		SetBody(map[string]string{"name": name}).
		Post(apiPrefix + "/registered-models/create")
	if err := check(resp, err); err != nil && !hasCode(resp, errAlreadyExists) {
		return fmt.Errorf("registering model %q: %w", name, err)
	}

	body := map[string]string{
		"name":   name,
		"source": fmt.Sprintf("runs:/%s/%s", runID, modelArtifactPath),
		"run_id": runID,
	}
	resp, err = s.client.R().SetContext(ctx).SetBody(body).Post(apiPrefix + "/model-versions/create")
	if err := check(resp, err); err != nil {
		return fmt.Errorf("creating version of model %q: %w", name, err)
	}
	return nil
}

func (s *MLflowSink) finish(ctx context.Context, runID string, status RunStatus) error {
	body := map[string]any{
		"run_id":   runID,
		"status":   status,
		"end_time": time.Now().UnixMilli(),
	}
	resp, err := s.client.R().SetContext(ctx).SetBody(body).Post(apiPrefix + "/runs/update")
	if err := check(resp, err); err != nil {
		s.log.WithError(err).WithField("run_id", runID).Warn("updating run status failed")
		return fmt.Errorf("finishing run: %w", err)
	}
	return nil
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		if e, ok := resp.Error().(*mlflowError); ok && e.ErrorCode != "" {
			return e
		}
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode(), resp.Request.URL)
	}
	return nil
}

func hasCode(resp *resty.Response, code string) bool {
	if resp == nil {
		return false
	}
	if e, ok := resp.Error().(*mlflowError); ok {
		return e.ErrorCode == code
	}
	return resp.StatusCode() == http.StatusNotFound && code == errDoesNotExist
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
