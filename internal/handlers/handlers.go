package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bunrouter"
	"go.uber.org/zap"

	"github.com/Brownie44l1/glaucoma-detector/internal/model"
	"github.com/Brownie44l1/glaucoma-detector/internal/preprocess"
)

// Predictor is the part of *model.Classifier the handlers use.
type Predictor interface {
	Predict(payload []byte, enc preprocess.Encoding) model.Result
	Status() model.Status
	Device() string
}

type Handler struct {
	predictor    Predictor
	maxBodyBytes int64
	logger       *zap.Logger
}

func NewHandler(predictor Predictor, maxBodyBytes int64, logger *zap.Logger) *Handler {
	return &Handler{
		predictor:    predictor,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// PredictionRequest is the body of POST /api/predict.
type PredictionRequest struct {
	Image string `json:"image"`
}

// Router wires the handlers into a bunrouter router.
func (h *Handler) Router() *bunrouter.Router {
	router := bunrouter.New(bunrouter.Use(h.logRequests))
	router.GET("/health", h.Health)
	router.POST("/api/predict", h.Predict)
	return router
}

func (h *Handler) Health(w http.ResponseWriter, req bunrouter.Request) error {
	return writeJSON(w, http.StatusOK, map[string]string{
		"status":       "healthy",
		"model_status": string(h.predictor.Status()),
		"device":       h.predictor.Device(),
	})
}

func (h *Handler) Predict(w http.ResponseWriter, req bunrouter.Request) error {
	var body PredictionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, h.maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Debug("request body too large", zap.Int64("limit", tooLarge.Limit))
			return writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Image is too large"})
		}
		h.logger.Debug("invalid request body", zap.Error(err))
		return writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
	}
	if body.Image == "" {
		return writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Image data is required"})
	}

	result := h.predictor.Predict([]byte(body.Image), preprocess.EncodingBase64)
	return writeJSON(w, statusFor(result), result)
}

// statusFor maps a result to its HTTP status code.
func statusFor(result model.Result) int {
	if result.Success {
		return http.StatusOK
	}
	if result.ErrorKind == model.KindPreprocess {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		err := next(rec, req)
		h.logger.Info("request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("bytes_in", req.ContentLength),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		return err
	}
}
