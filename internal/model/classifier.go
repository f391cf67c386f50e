// Package model loads the glaucoma classifier and runs predictions with it.
package model

import (
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/glaucoma-detector/internal/config"
	"github.com/Brownie44l1/glaucoma-detector/internal/preprocess"
)

// Classifier turns image payloads into Results. It is safe for concurrent
// use; forward passes run one at a time.
type Classifier struct {
	mu      sync.Mutex
	backend Backend
	status  Status
	name    string
	path    string
	clock   clock.Clock
	logger  *zap.Logger
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithClock sets the clock used for result timestamps.
func WithClock(c clock.Clock) Option {
	return func(cl *Classifier) {
		cl.clock = c
	}
}

// New wraps backend. Most callers want Load.
func New(backend Backend, status Status, cfg config.Model, logger *zap.Logger, opts ...Option) *Classifier {
	c := &Classifier{
		backend: backend,
		status:  status,
		name:    cfg.Name,
		path:    cfg.WeightsPath,
		clock:   clock.New(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status reports which weights the classifier runs with.
func (c *Classifier) Status() Status {
	return c.status
}

// Device reports where forward passes run.
func (c *Classifier) Device() string {
	return c.backend.Device()
}

// Close releases the backend.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend.Close()
}

// Predict preprocesses payload and classifies it.
func (c *Classifier) Predict(payload []byte, enc preprocess.Encoding) Result {
	x, err := preprocess.Image(payload, enc)
	if err != nil {
		c.logger.Warn("preprocessing failed", zap.Stringer("encoding", enc), zap.Error(err))
		return Failure(NewError(KindPreprocess, errors.Wrap(err, "failed to preprocess image")))
	}
	return c.PredictTensor(x)
}

// PredictTensor classifies an already preprocessed input.
func (c *Classifier) PredictTensor(x *tensor.Dense) Result {
	logits, err := c.forward(x)
	if err != nil {
		c.logger.Error("inference failed", zap.Error(err))
		return Failure(NewError(KindInference, err))
	}

	probs := Softmax(logits)
	idx := Argmax(probs)
	byLabel := make(map[string]float64, len(probs))
	for i, p := range probs {
		byLabel[Labels[i]] = p
	}

	c.logger.Debug("prediction", zap.String("label", Labels[idx]), zap.Float64("confidence", probs[idx]))
	return Result{
		Success:       true,
		Prediction:    Labels[idx],
		Confidence:    probs[idx],
		Probabilities: byLabel,
		ClassIndex:    idx,
		Model:         c.name,
		ModelPath:     c.path,
		ModelStatus:   c.status,
		Device:        c.backend.Device(),
		Timestamp:     c.clock.Now().Format(TimestampFormat),
	}
}

func (c *Classifier) forward(x *tensor.Dense) (logits []float32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			logits, err = nil, errors.Errorf("inference panicked: %v", r)
		}
	}()

	logits, err = c.backend.Forward(x)
	if err != nil {
		return nil, err
	}
	if len(logits) != len(Labels) {
		return nil, errors.Errorf("model returned %d logits, expected %d", len(logits), len(Labels))
	}
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, errors.Errorf("model returned non-finite logits %v", logits)
		}
	}
	return logits, nil
}

// Softmax converts logits to probabilities. The maximum is subtracted first so
// large logits do not overflow.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	peak := float64(logits[0])
	for _, v := range logits[1:] {
		peak = math.Max(peak, float64(v))
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the index of the first largest value.
func Argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
