package model

import (
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/glaucoma-detector/internal/config"
	"github.com/Brownie44l1/glaucoma-detector/internal/preprocess"
)

// Backend runs the forward pass of the network.
type Backend interface {
	// Forward returns the class logits for a 1x3x224x224 input.
	Forward(x *tensor.Dense) ([]float32, error)
	// Device names where the forward pass runs.
	Device() string
	Close() error
}

var (
	inputShape  = ort.NewShape(1, 3, preprocess.ImageSize, preprocess.ImageSize)
	outputShape = ort.NewShape(1, int64(len(Labels)))
)

// The ONNX Runtime environment is process wide; sessions share it.
var ortEnv struct {
	sync.Mutex
	refs int
}

func acquireRuntime(cfg config.Runtime) error {
	ortEnv.Lock()
	defer ortEnv.Unlock()
	if ortEnv.refs == 0 {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrap(err, "failed to initialize ONNX environment")
		}
	}
	ortEnv.refs++
	return nil
}

func releaseRuntime() error {
	ortEnv.Lock()
	defer ortEnv.Unlock()
	if ortEnv.refs == 0 {
		return nil
	}
	ortEnv.refs--
	if ortEnv.refs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

// onnxSession runs an exported VGG19 graph with ONNX Runtime. The input and
// output tensors are bound once and reused by every Forward call.
type onnxSession struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	device       string
}

func openSession(path string, cfg config.Model, rt config.Runtime, logger *zap.Logger) (*onnxSession, error) {
	if err := acquireRuntime(rt); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "failed to create input tensor"), releaseRuntime())
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, multierr.Combine(
			errors.Wrap(err, "failed to create output tensor"),
			inputTensor.Destroy(),
			releaseRuntime(),
		)
	}

	s := &onnxSession{inputTensor: inputTensor, outputTensor: outputTensor}
	if err := s.bind(path, cfg, logger); err != nil {
		return nil, multierr.Combine(err, s.Close())
	}
	return s, nil
}

// bind creates the session on the device cfg asks for. auto tries CUDA first.
func (s *onnxSession) bind(path string, cfg config.Model, logger *zap.Logger) error {
	inputs := []ort.ArbitraryTensor{s.inputTensor}
	outputs := []ort.ArbitraryTensor{s.outputTensor}
	in, out := []string{cfg.InputName}, []string{cfg.OutputName}

	if cfg.Device != config.DeviceCPU {
		session, err := newCUDASession(path, in, out, inputs, outputs)
		if err == nil {
			s.session, s.device = session, config.DeviceCUDA
			return nil
		}
		if cfg.Device == config.DeviceCUDA {
			return errors.Wrap(err, "CUDA execution provider unavailable")
		}
		logger.Info("CUDA unavailable, running on CPU", zap.Error(err))
	}

	session, err := ort.NewAdvancedSession(path, in, out, inputs, outputs, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create ONNX session")
	}
	s.session, s.device = session, config.DeviceCPU
	return nil
}

func newCUDASession(
	path string, in, out []string, inputs, outputs []ort.ArbitraryTensor,
) (*ort.AdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, err
	}
	defer cuda.Destroy()

	if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
		return nil, err
	}
	return ort.NewAdvancedSession(path, in, out, inputs, outputs, options)
}

func (s *onnxSession) Forward(x *tensor.Dense) ([]float32, error) {
	data, err := inputData(x)
	if err != nil {
		return nil, err
	}
	copy(s.inputTensor.GetData(), data)

	if err := s.session.Run(); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}

	return append([]float32(nil), s.outputTensor.GetData()...), nil
}

func (s *onnxSession) Device() string {
	return s.device
}

func (s *onnxSession) Close() error {
	var err error
	if s.session != nil {
		err = multierr.Append(err, s.session.Destroy())
	}
	if s.inputTensor != nil {
		err = multierr.Append(err, s.inputTensor.Destroy())
	}
	if s.outputTensor != nil {
		err = multierr.Append(err, s.outputTensor.Destroy())
	}
	return multierr.Append(err, releaseRuntime())
}

// inputData checks that x has the network input shape and returns its backing slice.
func inputData(x *tensor.Dense) ([]float32, error) {
	if x == nil {
		return nil, errors.New("nil input tensor")
	}
	want := []int{1, 3, preprocess.ImageSize, preprocess.ImageSize}
	if !x.Shape().Eq(tensor.Shape(want)) {
		return nil, errors.Errorf("input tensor has shape %v, want %v", x.Shape(), want)
	}
	data, ok := x.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("input tensor holds %T, want []float32", x.Data())
	}
	return data, nil
}
