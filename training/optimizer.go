package training

import (
	"fmt"

	"cifarnet/tensor"
)

// Optimizer interface defines methods that all optimizers must implement
type Optimizer interface {
	Step() error
	ZeroGrad()
	LR() float32
	SetLR(lr float32)
}

// SGDConfig holds the hyperparameters for stochastic gradient descent.
type SGDConfig struct {
	LR          float32
	Momentum    float32
	Dampening   float32
	WeightDecay float32
	Nesterov    bool
}

// DefaultSGDConfig returns plain SGD with no momentum.
func DefaultSGDConfig(lr float32) SGDConfig {
	return SGDConfig{LR: lr}
}

// SGD implements stochastic gradient descent with optional momentum,
// dampening, weight decay and Nesterov acceleration. With momentum enabled
// each parameter carries a velocity buffer updated as
//
//	v = momentum*v + (1-dampening)*g
//	p = p - lr*v
//
// which smooths the update direction across batches. Updates are applied
// in place to the parameter data so no new graph nodes are created.
type SGD struct {
	params     []*tensor.Tensor
	config     SGDConfig
	velocities map[*tensor.Tensor][]float32
}

// NewSGD creates a new SGD optimizer over the given parameters.
func NewSGD(params []*tensor.Tensor, config SGDConfig) (*SGD, error) {
	if config.LR <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LR)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %v", config.Momentum)
	}
	if config.Dampening < 0 || config.Dampening > 1 {
		return nil, fmt.Errorf("dampening must be in [0, 1], got %v", config.Dampening)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %v", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum == 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0 and zero dampening")
	}
	for i, p := range params {
		if p == nil {
			return nil, fmt.Errorf("parameter %d is nil", i)
		}
		if p.DType != tensor.Float32 {
			return nil, fmt.Errorf("parameter %d: SGD only supports Float32 tensors", i)
		}
	}

	return &SGD{
		params:     params,
		config:     config,
		velocities: make(map[*tensor.Tensor][]float32),
	}, nil
}

// Step applies one update to every parameter that has a gradient. Parameters
// whose gradient is nil are skipped, so a partial backward pass does not
// disturb unrelated weights.
func (s *SGD) Step() error {
	for i, p := range s.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}

		paramData := p.Data.([]float32)
		gradData := grad.Data.([]float32)
		if len(gradData) != len(paramData) {
			return fmt.Errorf("parameter %d: gradient size %d does not match parameter size %d",
				i, len(gradData), len(paramData))
		}

		var v []float32
		if s.config.Momentum != 0 {
			var ok bool
			v, ok = s.velocities[p]
			if !ok {
				v = make([]float32, len(paramData))
				s.velocities[p] = v
			}
		}

		for j := range paramData {
			g := gradData[j]
			if s.config.WeightDecay != 0 {
				g += s.config.WeightDecay * paramData[j]
			}

			if v != nil {
				v[j] = s.config.Momentum*v[j] + (1-s.config.Dampening)*g
				if s.config.Nesterov {
					g += s.config.Momentum * v[j]
				} else {
					g = v[j]
				}
			}

			paramData[j] -= s.config.LR * g
		}
	}
	return nil
}

// Config returns the current hyperparameters.
func (s *SGD) Config() SGDConfig {
	return s.config
}

// Velocities returns copies of the momentum buffers, indexed like the
// parameter slice. An entry is nil when no buffer exists for that parameter
// yet (momentum disabled, or no step taken).
func (s *SGD) Velocities() [][]float32 {
	out := make([][]float32, len(s.params))
	for i, p := range s.params {
		if v, ok := s.velocities[p]; ok {
			out[i] = append([]float32{}, v...)
		}
	}
	return out
}

// SetVelocities restores momentum buffers, e.g. when resuming from a
// checkpoint. Nil entries are skipped; buffer sizes must match the
// parameters.
func (s *SGD) SetVelocities(velocities [][]float32) error {
	if len(velocities) != len(s.params) {
		return fmt.Errorf("velocity count mismatch: %d buffers, %d parameters", len(velocities), len(s.params))
	}
	for i, v := range velocities {
		if v == nil {
			continue
		}
		p := s.params[i]
		if len(v) != p.NumElems {
			return fmt.Errorf("parameter %d: velocity size %d does not match parameter size %d", i, len(v), p.NumElems)
		}
		s.velocities[p] = append([]float32{}, v...)
	}
	return nil
}

// ZeroGrad clears the gradients of all parameters. Call it before each
// backward pass; gradients accumulate otherwise.
func (s *SGD) ZeroGrad() {
	tensor.ZeroGrad(s.params)
}

// LR returns the current learning rate
func (s *SGD) LR() float32 {
	return s.config.LR
}

// SetLR updates the learning rate, e.g. from a schedule.
func (s *SGD) SetLR(lr float32) {
	s.config.LR = lr
}
