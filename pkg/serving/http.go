package serving

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/synaptica-ai/ctscan/pkg/observability/metrics"
	"github.com/synaptica-ai/ctscan/pkg/serving/predictor"
)

const trainingCompleted = "Training completed successfully."

// TrainFunc runs the training pipeline to completion.
type TrainFunc func(ctx context.Context) error

type PredictRequest struct {
	Image string `json:"image"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Options struct {
	// UploadDir receives one uniquely named file per prediction request.
	UploadDir      string
	MaxRequestBody int64
	Train          TrainFunc
	// Repository records served predictions when set.
	Repository *Repository
}

// HTTPHandler exposes the prediction service over HTTP.
type HTTPHandler struct {
	predictor *predictor.Predictor
	opts      Options
	log       logrus.FieldLogger

	training sync.Mutex
}

func NewHTTPHandler(p *predictor.Predictor, opts Options, log logrus.FieldLogger) *HTTPHandler {
	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}
	return &HTTPHandler{predictor: p, opts: opts, log: log.WithField("component", "http")}
}

// Register mounts the routes and middleware. OPTIONS is accepted on the POST
// routes so CORS preflight requests reach the middleware.
func (h *HTTPHandler) Register(router *mux.Router) {
	router.Use(Recovery(h.log), Logging(h.log), CORS)
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/predict", h.handlePredict).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/train", h.handleTrain).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	router.HandleFunc("/model", h.handleModel).Methods(http.MethodGet)
	router.HandleFunc("/predictions", h.handlePredictions).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *HTTPHandler) handleModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.predictor.ModelInfo())
}

func (h *HTTPHandler) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.opts.MaxRequestBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBody)
	}

	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	path := filepath.Join(h.opts.UploadDir, "input-"+uuid.NewString()+".img")
	defer os.Remove(path)
	if err := DecodeImage(req.Image, path); err != nil {
		if errors.Is(err, ErrInvalidImagePayload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.WithError(err).Error("storing uploaded image failed")
		writeError(w, http.StatusInternalServerError, "could not store image")
		return
	}

	res, err := h.predictor.Classify(path)
	metrics.ObservePrediction(err)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, image.ErrFormat) || errors.Is(err, io.ErrUnexpectedEOF) {
			status = http.StatusUnprocessableEntity
		}
		h.log.WithError(err).Warn("prediction failed")
		writeError(w, status, err.Error())
		return
	}

	latency := time.Since(start)
	if h.opts.Repository != nil {
		if err := h.opts.Repository.RecordPrediction(r.Context(), res, latency); err != nil {
			h.log.WithError(err).Warn("recording prediction failed")
		}
	}
	h.log.WithFields(logrus.Fields{
		"label":      res.Label,
		"latency_ms": latency.Milliseconds(),
	}).Info("Prediction completed")

	writeJSON(w, http.StatusOK, []predictor.Prediction{{"image": res.Label}})
}

// handleTrain runs the pipeline synchronously. A second request while a run
// is in progress is rejected rather than queued.
func (h *HTTPHandler) handleTrain(w http.ResponseWriter, r *http.Request) {
	if h.opts.Train == nil {
		writeError(w, http.StatusNotImplemented, "training is not enabled")
		return
	}
	if !h.training.TryLock() {
		writeError(w, http.StatusConflict, "training already in progress")
		return
	}
	defer h.training.Unlock()

	if err := h.opts.Train(context.WithoutCancel(r.Context())); err != nil {
		h.log.WithError(err).Error("training run failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(trainingCompleted))
}

func (h *HTTPHandler) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if h.opts.Repository == nil {
		writeError(w, http.StatusNotFound, "prediction log is not enabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := h.opts.Repository.Recent(r.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("listing predictions failed")
		writeError(w, http.StatusInternalServerError, "could not list predictions")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
