package model

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/glaucoma-detector/internal/config"
	"github.com/Brownie44l1/glaucoma-detector/internal/preprocess"
)

type fakeBackend struct {
	logits []float32
	err    error
	panics bool
	calls  int
	closed bool
}

func (f *fakeBackend) Forward(x *tensor.Dense) ([]float32, error) {
	f.calls++
	if f.panics {
		panic("boom")
	}
	if _, err := inputData(x); err != nil {
		return nil, err
	}
	return f.logits, f.err
}

func (f *fakeBackend) Device() string { return "fake" }

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func samplePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(8 * x), G: 90, B: uint8(8 * y), A: 255})
		}
	}
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, img), test.ShouldBeNil)
	return buf.Bytes()
}

func newTestClassifier(t *testing.T, backend Backend) (*Classifier, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 30, 45, 123456000, time.Local))
	cfg := config.Default().Model
	return New(backend, StatusTrained, cfg, zaptest.NewLogger(t), WithClock(mock)), mock
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float32{0.2, 1.5})
	test.That(t, probs, test.ShouldHaveLength, 2)
	test.That(t, probs[0]+probs[1], test.ShouldAlmostEqual, 1.0, 1e-12)
	test.That(t, probs[1], test.ShouldAlmostEqual, 1/(1+math.Exp(-1.3)), 1e-6)

	big := Softmax([]float32{1000, 998})
	test.That(t, math.IsNaN(big[0]), test.ShouldBeFalse)
	test.That(t, big[0]+big[1], test.ShouldAlmostEqual, 1.0, 1e-12)

	test.That(t, Softmax(nil), test.ShouldBeNil)
}

func TestArgmax(t *testing.T) {
	test.That(t, Argmax([]float64{0.3, 0.7}), test.ShouldEqual, 1)
	test.That(t, Argmax([]float64{0.9, 0.1}), test.ShouldEqual, 0)
	test.That(t, Argmax([]float64{0.5, 0.5}), test.ShouldEqual, 0)
}

func TestPredictLabelMapping(t *testing.T) {
	for _, tc := range []struct {
		logits []float32
		label  string
		index  int
	}{
		{[]float32{-1, 2}, LabelPositive, 1},
		{[]float32{3, 0.5}, LabelNegative, 0},
	} {
		c, _ := newTestClassifier(t, &fakeBackend{logits: tc.logits})
		res := c.Predict(samplePNG(t), preprocess.EncodingRaw)

		test.That(t, res.Success, test.ShouldBeTrue)
		test.That(t, res.Prediction, test.ShouldEqual, tc.label)
		test.That(t, res.ClassIndex, test.ShouldEqual, tc.index)
		test.That(t, res.Confidence, test.ShouldBeGreaterThanOrEqualTo, 0.5)
		test.That(t, res.Confidence, test.ShouldBeLessThanOrEqualTo, 1.0)
		test.That(t, res.Probabilities[LabelPositive]+res.Probabilities[LabelNegative], test.ShouldAlmostEqual, 1.0, 1e-9)
		test.That(t, res.Confidence, test.ShouldEqual, res.Probabilities[tc.label])
	}
}

func TestPredictResultFields(t *testing.T) {
	c, _ := newTestClassifier(t, &fakeBackend{logits: []float32{0, 1}})
	res := c.Predict([]byte(base64.StdEncoding.EncodeToString(samplePNG(t))), preprocess.EncodingBase64)

	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Model, test.ShouldEqual, "VGG19")
	test.That(t, res.ModelPath, test.ShouldEqual, config.Default().Model.WeightsPath)
	test.That(t, res.ModelStatus, test.ShouldEqual, StatusTrained)
	test.That(t, res.Device, test.ShouldEqual, "fake")
	test.That(t, res.Timestamp, test.ShouldEqual, "2024-03-01 12:30:45.123456")
	test.That(t, res.Error, test.ShouldBeEmpty)
}

func TestPredictDataURLMatchesBare(t *testing.T) {
	c, _ := newTestClassifier(t, newUntrainedHead(3))
	encoded := base64.StdEncoding.EncodeToString(samplePNG(t))

	bare := c.Predict([]byte(encoded), preprocess.EncodingBase64)
	prefixed := c.Predict([]byte("data:image/png;base64,"+encoded), preprocess.EncodingBase64)

	test.That(t, bare.Success, test.ShouldBeTrue)
	test.That(t, prefixed.Prediction, test.ShouldEqual, bare.Prediction)
	test.That(t, prefixed.Confidence, test.ShouldEqual, bare.Confidence)
}

func TestPredictPreprocessFailure(t *testing.T) {
	backend := &fakeBackend{logits: []float32{0, 1}}
	c, _ := newTestClassifier(t, backend)

	res := c.Predict([]byte("definitely not an image"), preprocess.EncodingBase64)
	test.That(t, res.Success, test.ShouldBeFalse)
	test.That(t, res.ErrorKind, test.ShouldEqual, KindPreprocess)
	test.That(t, res.Error, test.ShouldContainSubstring, "failed to preprocess image")
	test.That(t, backend.calls, test.ShouldEqual, 0)
}

func TestPredictInferenceFailures(t *testing.T) {
	for name, backend := range map[string]*fakeBackend{
		"error":      {err: errors.New("session broke")},
		"panic":      {panics: true},
		"wrong size": {logits: []float32{0.1, 0.2, 0.7}},
		"nan":        {logits: []float32{float32(math.NaN()), 1}},
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClassifier(t, backend)
			res := c.Predict(samplePNG(t), preprocess.EncodingRaw)
			test.That(t, res.Success, test.ShouldBeFalse)
			test.That(t, res.ErrorKind, test.ShouldEqual, KindInference)
			test.That(t, res.Error, test.ShouldNotBeEmpty)
		})
	}
}

func TestPredictTensorRejectsBadShape(t *testing.T) {
	c, _ := newTestClassifier(t, newUntrainedHead(0))
	x := tensor.New(tensor.WithShape(1, 3, 2, 2), tensor.WithBacking(make([]float32, 12)))
	res := c.PredictTensor(x)
	test.That(t, res.Success, test.ShouldBeFalse)
	test.That(t, res.Error, test.ShouldContainSubstring, "shape")
}

func TestPredictDeterministic(t *testing.T) {
	payload := samplePNG(t)
	first, _ := newTestClassifier(t, newUntrainedHead(42))
	second, _ := newTestClassifier(t, newUntrainedHead(42))

	a := first.Predict(payload, preprocess.EncodingRaw)
	b := second.Predict(payload, preprocess.EncodingRaw)
	test.That(t, a.Success, test.ShouldBeTrue)
	test.That(t, b.Prediction, test.ShouldEqual, a.Prediction)
	test.That(t, b.Confidence, test.ShouldEqual, a.Confidence)
}

func TestClose(t *testing.T) {
	backend := &fakeBackend{}
	c, _ := newTestClassifier(t, backend)
	test.That(t, c.Close(), test.ShouldBeNil)
	test.That(t, backend.closed, test.ShouldBeTrue)
}
