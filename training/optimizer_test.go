package training

import (
	"math"
	"reflect"
	"testing"

	"cifarnet/tensor"
)

func paramWithGrad(t *testing.T, values, grads []float32) *tensor.Tensor {
	t.Helper()

	param, err := tensor.NewTensor([]int{len(values)}, tensor.Float32, values)
	if err != nil {
		t.Fatalf("Failed to create parameter: %v", err)
	}
	param.SetRequiresGrad(true)

	if grads != nil {
		grad, err := tensor.NewTensor([]int{len(grads)}, tensor.Float32, grads)
		if err != nil {
			t.Fatalf("Failed to create gradient: %v", err)
		}
		param.SetGrad(grad)
	}

	return param
}

func TestSGDConfigValidation(t *testing.T) {
	param := paramWithGrad(t, []float32{1.0}, nil)

	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"Zero learning rate", SGDConfig{LR: 0}},
		{"Negative learning rate", SGDConfig{LR: -0.1}},
		{"Negative momentum", SGDConfig{LR: 0.1, Momentum: -0.5}},
		{"Momentum of one", SGDConfig{LR: 0.1, Momentum: 1.0}},
		{"Negative weight decay", SGDConfig{LR: 0.1, WeightDecay: -1e-4}},
		{"Nesterov without momentum", SGDConfig{LR: 0.1, Nesterov: true}},
		{"Nesterov with dampening", SGDConfig{LR: 0.1, Momentum: 0.9, Dampening: 0.5, Nesterov: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSGD([]*tensor.Tensor{param}, tt.config); err == nil {
				t.Errorf("Expected error for config %+v", tt.config)
			}
		})
	}

	if _, err := NewSGD([]*tensor.Tensor{param}, SGDConfig{LR: 0.1, Momentum: 0.9}); err != nil {
		t.Errorf("Valid config rejected: %v", err)
	}
}

func TestSGDStep(t *testing.T) {
	t.Run("Plain SGD update", func(t *testing.T) {
		param := paramWithGrad(t, []float32{1.0, 2.0}, []float32{0.5, -0.5})

		sgd, err := NewSGD([]*tensor.Tensor{param}, DefaultSGDConfig(0.1))
		if err != nil {
			t.Fatalf("Failed to create optimizer: %v", err)
		}

		if err := sgd.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		// p = p - lr*g
		data := param.Data.([]float32)
		expected := []float32{0.95, 2.05}
		for i := range expected {
			if math.Abs(float64(data[i]-expected[i])) > 1e-6 {
				t.Errorf("Parameter %d: expected %v, got %v", i, expected[i], data[i])
			}
		}
	})

	t.Run("Momentum accumulates across steps", func(t *testing.T) {
		param := paramWithGrad(t, []float32{1.0}, []float32{0.5})

		sgd, err := NewSGD([]*tensor.Tensor{param}, SGDConfig{LR: 0.1, Momentum: 0.9})
		if err != nil {
			t.Fatalf("Failed to create optimizer: %v", err)
		}

		// Step 1: v = 0.5, p = 1 - 0.1*0.5 = 0.95
		if err := sgd.Step(); err != nil {
			t.Fatalf("First step failed: %v", err)
		}
		data := param.Data.([]float32)
		if math.Abs(float64(data[0])-0.95) > 1e-6 {
			t.Fatalf("After first step: expected 0.95, got %v", data[0])
		}

		// Same gradient again.
		grad, err := tensor.NewTensor([]int{1}, tensor.Float32, []float32{0.5})
		if err != nil {
			t.Fatalf("Failed to create gradient: %v", err)
		}
		param.SetGrad(grad)

		// Step 2: v = 0.9*0.5 + 0.5 = 0.95, p = 0.95 - 0.1*0.95 = 0.855
		if err := sgd.Step(); err != nil {
			t.Fatalf("Second step failed: %v", err)
		}
		if math.Abs(float64(data[0])-0.855) > 1e-6 {
			t.Errorf("After second step: expected 0.855, got %v", data[0])
		}
	})

	t.Run("Weight decay", func(t *testing.T) {
		param := paramWithGrad(t, []float32{2.0}, []float32{0.0})

		sgd, err := NewSGD([]*tensor.Tensor{param}, SGDConfig{LR: 0.1, WeightDecay: 0.5})
		if err != nil {
			t.Fatalf("Failed to create optimizer: %v", err)
		}

		if err := sgd.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		// g = 0 + 0.5*2 = 1, p = 2 - 0.1*1 = 1.9
		data := param.Data.([]float32)
		if math.Abs(float64(data[0])-1.9) > 1e-6 {
			t.Errorf("Expected 1.9, got %v", data[0])
		}
	})

	t.Run("Zero gradient leaves parameters unchanged", func(t *testing.T) {
		param := paramWithGrad(t, []float32{1.0, -2.0, 3.5}, []float32{0.0, 0.0, 0.0})

		sgd, err := NewSGD([]*tensor.Tensor{param}, SGDConfig{LR: 0.1, Momentum: 0.9})
		if err != nil {
			t.Fatalf("Failed to create optimizer: %v", err)
		}

		if err := sgd.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		data := param.Data.([]float32)
		expected := []float32{1.0, -2.0, 3.5}
		if !reflect.DeepEqual(data, expected) {
			t.Errorf("Expected parameters %v to be unchanged, got %v", expected, data)
		}
	})

	t.Run("Skips parameters without gradients", func(t *testing.T) {
		param := paramWithGrad(t, []float32{1.0, 2.0}, nil)

		sgd, err := NewSGD([]*tensor.Tensor{param}, DefaultSGDConfig(0.1))
		if err != nil {
			t.Fatalf("Failed to create optimizer: %v", err)
		}

		if err := sgd.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		data := param.Data.([]float32)
		if data[0] != 1.0 || data[1] != 2.0 {
			t.Errorf("Parameters without gradients should be unchanged, got %v", data)
		}
	})
}

func TestSGDVelocityState(t *testing.T) {
	param := paramWithGrad(t, []float32{1.0, 2.0}, []float32{0.5, 0.25})

	sgd, err := NewSGD([]*tensor.Tensor{param}, SGDConfig{LR: 0.1, Momentum: 0.9})
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}

	if v := sgd.Velocities(); v[0] != nil {
		t.Errorf("Expected no velocity buffer before the first step, got %v", v[0])
	}

	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	velocities := sgd.Velocities()
	if !reflect.DeepEqual(velocities[0], []float32{0.5, 0.25}) {
		t.Errorf("Expected velocities [0.5 0.25], got %v", velocities[0])
	}

	t.Run("Restore into a fresh optimizer", func(t *testing.T) {
		other := paramWithGrad(t, []float32{1.0, 2.0}, nil)
		resumed, err := NewSGD([]*tensor.Tensor{other}, SGDConfig{LR: 0.1, Momentum: 0.9})
		if err != nil {
			t.Fatalf("Failed to create optimizer: %v", err)
		}

		if err := resumed.SetVelocities(velocities); err != nil {
			t.Fatalf("SetVelocities failed: %v", err)
		}
		if !reflect.DeepEqual(resumed.Velocities(), velocities) {
			t.Errorf("Restored velocities differ: %v", resumed.Velocities())
		}
	})

	t.Run("Size mismatch rejected", func(t *testing.T) {
		if err := sgd.SetVelocities([][]float32{{1.0}}); err == nil {
			t.Error("Expected error for wrong buffer size")
		}
		if err := sgd.SetVelocities(nil); err == nil {
			t.Error("Expected error for wrong buffer count")
		}
	})
}

func TestSGDZeroGrad(t *testing.T) {
	param := paramWithGrad(t, []float32{1.0}, []float32{0.5})

	sgd, err := NewSGD([]*tensor.Tensor{param}, DefaultSGDConfig(0.1))
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}

	sgd.ZeroGrad()

	if param.Grad() != nil {
		t.Error("Expected gradient to be cleared")
	}
}

func TestSGDLearningRate(t *testing.T) {
	param := paramWithGrad(t, []float32{1.0}, nil)

	sgd, err := NewSGD([]*tensor.Tensor{param}, DefaultSGDConfig(0.1))
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}

	if sgd.LR() != 0.1 {
		t.Errorf("Expected LR 0.1, got %v", sgd.LR())
	}

	sgd.SetLR(0.01)
	if sgd.LR() != 0.01 {
		t.Errorf("Expected LR 0.01 after SetLR, got %v", sgd.LR())
	}
}
