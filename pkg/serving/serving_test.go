package serving

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image/color"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptica-ai/ctscan/pkg/artifacts"
	"github.com/synaptica-ai/ctscan/pkg/common/database"
	"github.com/synaptica-ai/ctscan/pkg/common/logger"
	"github.com/synaptica-ai/ctscan/pkg/ml/imagedata/imagedatatest"
	"github.com/synaptica-ai/ctscan/pkg/ml/nn"
	"github.com/synaptica-ai/ctscan/pkg/serving/predictor"
)

func newPredictor(t *testing.T) *predictor.Predictor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gob")
	base, err := nn.NewBackbone(nn.BackboneOptions{InputShape: nn.Shape{16, 16, 3}, Weights: nn.WeightsRandom, Seed: 5})
	require.NoError(t, err)
	full, err := base.AppendHead(2, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	require.NoError(t, artifacts.WriteAtomic(path, func(w io.Writer) error { return nn.Save(w, full) }))
	p, err := predictor.New(path, filepath.Join(t.TempDir(), "inputImage.jpg"), logger.Discard())
	require.NoError(t, err)
	return p
}

func newServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	NewHTTPHandler(newPredictor(t), opts, logger.Discard()).Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func pngBase64(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.png")
	imagedatatest.WritePNG(t, path, 24, 24, color.Gray{Y: 90})
	encoded, err := EncodeImageFile(path)
	require.NoError(t, err)
	return encoded
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDecodeImage(t *testing.T) {
	dir := t.TempDir()
	raw := []byte("\x89PNG fake")
	encoded := base64.StdEncoding.EncodeToString(raw)

	path := filepath.Join(dir, "a.png")
	require.NoError(t, DecodeImage("data:image/png;base64,"+encoded, path))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	require.NoError(t, DecodeImage(base64.RawStdEncoding.EncodeToString(raw), path))
	assert.ErrorIs(t, DecodeImage("", path), ErrInvalidImagePayload)
	assert.ErrorIs(t, DecodeImage("%%%", path), ErrInvalidImagePayload)
}

func TestHealth(t *testing.T) {
	srv := newServer(t, Options{})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPredict(t *testing.T) {
	uploads := t.TempDir()
	srv := newServer(t, Options{UploadDir: uploads})

	resp := postJSON(t, srv.URL+"/predict", PredictRequest{Image: pngBase64(t)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var preds []map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&preds))
	require.Len(t, preds, 1)
	assert.Contains(t, []string{"Normal", "Tumor"}, preds[0]["image"])

	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(uploads)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPredictErrors(t *testing.T) {
	srv := newServer(t, Options{MaxRequestBody: 1 << 20})

	resp, err := http.Post(srv.URL+"/predict", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/predict", PredictRequest{Image: "***"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/predict", PredictRequest{Image: base64.StdEncoding.EncodeToString([]byte("not an image"))})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Error)

	resp = postJSON(t, srv.URL+"/predict", PredictRequest{Image: string(bytes.Repeat([]byte("A"), 2<<20))})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestTrain(t *testing.T) {
	srv := newServer(t, Options{})
	resp, err := http.Post(srv.URL+"/train", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	started := make(chan struct{})
	release := make(chan struct{})
	srv = newServer(t, Options{Train: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})

	first := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/train")
		if err == nil {
			first <- resp
		}
		close(first)
	}()
	<-started

	resp, err = http.Post(srv.URL+"/train", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(release)
	select {
	case resp, ok := <-first:
		require.True(t, ok)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, trainingCompleted, string(body))
	case <-time.After(5 * time.Second):
		t.Fatal("training request did not finish")
	}
}

func TestTrainFailure(t *testing.T) {
	srv := newServer(t, Options{Train: func(context.Context) error { return errors.New("stage Training: boom") }})
	resp, err := http.Post(srv.URL+"/train", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestPredictionLog(t *testing.T) {
	db, err := database.Open("sqlite://"+filepath.Join(t.TempDir(), "predictions.db"), logger.Discard())
	require.NoError(t, err)
	repo := NewRepository(db)
	require.NoError(t, repo.AutoMigrate())

	srv := newServer(t, Options{Repository: repo})
	resp := postJSON(t, srv.URL+"/predict", PredictRequest{Image: pngBase64(t)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list, err := http.Get(srv.URL + "/predictions?limit=5")
	require.NoError(t, err)
	defer list.Body.Close()
	var logs []PredictionLog
	require.NoError(t, json.NewDecoder(list.Body).Decode(&logs))
	require.Len(t, logs, 1)
	assert.Contains(t, []string{"Normal", "Tumor"}, logs[0].Label)
	assert.Len(t, logs[0].Probabilities, 2)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newServer(t, Options{})
	postJSON(t, srv.URL+"/predict", PredictRequest{Image: pngBase64(t)})
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "prediction")
}
