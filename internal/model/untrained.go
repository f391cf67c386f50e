package model

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/glaucoma-detector/internal/config"
)

// untrainedHead stands in for the network when no graph can be opened. It is
// a 2-class linear layer over the per-channel means of the input, initialized
// from seed the way a fresh linear layer is: uniform in ±1/sqrt(fan_in).
// Its predictions carry no meaning but keep the pipeline answering.
type untrainedHead struct {
	weights *mat.Dense
	bias    *mat.VecDense
}

func newUntrainedHead(seed uint64) *untrainedHead {
	const features = 3
	classes := len(Labels)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	bound := 1 / math.Sqrt(features)
	uniform := func(n int) []float64 {
		v := make([]float64, n)
		for i := range v {
			v[i] = (2*rng.Float64() - 1) * bound
		}
		return v
	}
	return &untrainedHead{
		weights: mat.NewDense(classes, features, uniform(classes*features)),
		bias:    mat.NewVecDense(classes, uniform(classes)),
	}
}

func (h *untrainedHead) Forward(x *tensor.Dense) ([]float32, error) {
	data, err := inputData(x)
	if err != nil {
		return nil, err
	}

	plane := len(data) / 3
	pooled := mat.NewVecDense(3, nil)
	for c := 0; c < 3; c++ {
		var sum float64
		for _, v := range data[c*plane : (c+1)*plane] {
			sum += float64(v)
		}
		pooled.SetVec(c, sum/float64(plane))
	}

	var logits mat.VecDense
	logits.MulVec(h.weights, pooled)
	logits.AddVec(&logits, h.bias)

	out := make([]float32, logits.Len())
	for i := range out {
		out[i] = float32(logits.AtVec(i))
	}
	return out, nil
}

func (h *untrainedHead) Device() string {
	return config.DeviceCPU
}

func (h *untrainedHead) Close() error {
	return nil
}
