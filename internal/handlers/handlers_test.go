package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/Brownie44l1/glaucoma-detector/internal/config"
	"github.com/Brownie44l1/glaucoma-detector/internal/model"
	"github.com/Brownie44l1/glaucoma-detector/internal/preprocess"
)

type stubPredictor struct {
	result  model.Result
	payload string
	enc     preprocess.Encoding
}

func (s *stubPredictor) Predict(payload []byte, enc preprocess.Encoding) model.Result {
	s.payload, s.enc = string(payload), enc
	return s.result
}

func (s *stubPredictor) Status() model.Status { return model.StatusDegraded }

func (s *stubPredictor) Device() string { return "cpu" }

func serve(t *testing.T, p Predictor, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandler(p, 1<<10, zaptest.NewLogger(t))
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &out), test.ShouldBeNil)
	return out
}

func TestHealth(t *testing.T) {
	rec := serve(t, &stubPredictor{}, http.MethodGet, "/health", "")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	body := decode(t, rec)
	test.That(t, body["status"], test.ShouldEqual, "healthy")
	test.That(t, body["model_status"], test.ShouldEqual, "degraded")
	test.That(t, body["device"], test.ShouldEqual, "cpu")
}

func TestPredictSuccess(t *testing.T) {
	stub := &stubPredictor{result: model.Result{
		Success:    true,
		Prediction: model.LabelPositive,
		Confidence: 0.9,
		ClassIndex: 1,
	}}
	rec := serve(t, stub, http.MethodPost, "/api/predict", `{"image":"data:image/png;base64,AAAA"}`)

	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("Content-Type"), test.ShouldEqual, "application/json")
	test.That(t, stub.payload, test.ShouldEqual, "data:image/png;base64,AAAA")
	test.That(t, stub.enc, test.ShouldEqual, preprocess.EncodingBase64)

	body := decode(t, rec)
	test.That(t, body["success"], test.ShouldEqual, true)
	test.That(t, body["prediction"], test.ShouldEqual, model.LabelPositive)
}

func TestPredictBadRequests(t *testing.T) {
	for _, tc := range []struct {
		body string
		msg  string
	}{
		{`{"image":""}`, "Image data is required"},
		{`{}`, "Image data is required"},
		{`{"image":`, "Invalid JSON"},
	} {
		rec := serve(t, &stubPredictor{}, http.MethodPost, "/api/predict", tc.body)
		test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)
		test.That(t, decode(t, rec)["error"], test.ShouldEqual, tc.msg)
	}
}

func TestPredictBodyTooLarge(t *testing.T) {
	stub := &stubPredictor{}
	rec := serve(t, stub, http.MethodPost, "/api/predict", `{"image":"`+strings.Repeat("A", 2048)+`"}`)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusRequestEntityTooLarge)
	test.That(t, decode(t, rec)["error"], test.ShouldEqual, "Image is too large")
	test.That(t, stub.payload, test.ShouldBeEmpty)
}

func TestPredictFailureStatus(t *testing.T) {
	for kind, code := range map[model.ErrorKind]int{
		model.KindPreprocess: http.StatusUnprocessableEntity,
		model.KindInference:  http.StatusInternalServerError,
	} {
		stub := &stubPredictor{result: model.Failure(model.NewError(kind, errors.New("bad")))}
		rec := serve(t, stub, http.MethodPost, "/api/predict", `{"image":"AAAA"}`)
		test.That(t, rec.Code, test.ShouldEqual, code)
		body := decode(t, rec)
		test.That(t, body["success"], test.ShouldEqual, false)
		test.That(t, body["error_kind"], test.ShouldEqual, string(kind))
	}
}

func TestPredictWithUntrainedClassifier(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	img.SetGray(3, 3, color.Gray{Y: 200})
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, img), test.ShouldBeNil)
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	cfg := config.Default().Model
	cfg.WeightsPath = filepath.Join(t.TempDir(), "missing.onnx")
	cfg.BasePath = ""
	c := model.Load(cfg, config.Runtime{}, zaptest.NewLogger(t))
	defer c.Close()

	rec := serve(t, c, http.MethodPost, "/api/predict", `{"image":"data:image/png;base64,`+encoded+`"}`)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	body := decode(t, rec)
	test.That(t, body["model_status"], test.ShouldEqual, string(model.StatusFallback))
	test.That(t, []interface{}{model.LabelPositive, model.LabelNegative}, test.ShouldContain, body["prediction"])
}
