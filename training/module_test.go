package training

import (
	"math"
	"testing"

	"cifarnet/tensor"
)

func TestLinearLayer(t *testing.T) {
	t.Run("Forward shape", func(t *testing.T) {
		SetRandomSeed(42)

		linear, err := NewLinear(4, 3, true)
		if err != nil {
			t.Fatalf("Failed to create linear layer: %v", err)
		}

		input, err := tensor.NewTensor([]int{2, 4}, tensor.Float32,
			[]float32{1, 2, 3, 4, 5, 6, 7, 8})
		if err != nil {
			t.Fatalf("Failed to create input: %v", err)
		}

		output, err := linear.Forward(input)
		if err != nil {
			t.Fatalf("Forward pass failed: %v", err)
		}

		if output.Shape[0] != 2 || output.Shape[1] != 3 {
			t.Errorf("Expected output shape [2, 3], got %v", output.Shape)
		}
	})

	t.Run("Xavier initialization bound", func(t *testing.T) {
		SetRandomSeed(7)

		inputSize, outputSize := 16, 8
		linear, err := NewLinear(inputSize, outputSize, false)
		if err != nil {
			t.Fatalf("Failed to create linear layer: %v", err)
		}

		bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
		weights, err := linear.Weight().GetFloat32Data()
		if err != nil {
			t.Fatalf("Failed to get weight data: %v", err)
		}

		for i, w := range weights {
			if float64(w) < -bound || float64(w) > bound {
				t.Errorf("Weight %d = %v outside Xavier bound %v", i, w, bound)
			}
		}
	})

	t.Run("Deterministic initialization", func(t *testing.T) {
		SetRandomSeed(99)
		a, err := NewLinear(5, 5, true)
		if err != nil {
			t.Fatalf("Failed to create first layer: %v", err)
		}

		SetRandomSeed(99)
		b, err := NewLinear(5, 5, true)
		if err != nil {
			t.Fatalf("Failed to create second layer: %v", err)
		}

		equal, err := a.Weight().Equal(b.Weight())
		if err != nil {
			t.Fatalf("Comparison failed: %v", err)
		}
		if !equal {
			t.Error("Same seed should produce identical weights")
		}
	})

	t.Run("Parameters", func(t *testing.T) {
		linear, err := NewLinear(3, 2, true)
		if err != nil {
			t.Fatalf("Failed to create linear layer: %v", err)
		}

		params := linear.Parameters()
		if len(params) != 2 {
			t.Errorf("Expected 2 parameters (weight and bias), got %d", len(params))
		}
		for i, p := range params {
			if !p.RequiresGrad() {
				t.Errorf("Parameter %d should require gradients", i)
			}
		}

		noBias, err := NewLinear(3, 2, false)
		if err != nil {
			t.Fatalf("Failed to create layer without bias: %v", err)
		}
		if len(noBias.Parameters()) != 1 {
			t.Errorf("Expected 1 parameter without bias, got %d", len(noBias.Parameters()))
		}
	})

	t.Run("Input size mismatch", func(t *testing.T) {
		linear, err := NewLinear(4, 3, true)
		if err != nil {
			t.Fatalf("Failed to create linear layer: %v", err)
		}

		input, err := tensor.NewTensor([]int{2, 5}, tensor.Float32, make([]float32, 10))
		if err != nil {
			t.Fatalf("Failed to create input: %v", err)
		}

		_, err = linear.Forward(input)
		if err == nil {
			t.Error("Expected error for input size mismatch")
		}
	})

	t.Run("Invalid sizes", func(t *testing.T) {
		if _, err := NewLinear(0, 3, true); err == nil {
			t.Error("Expected error for zero input size")
		}
		if _, err := NewLinear(3, -1, true); err == nil {
			t.Error("Expected error for negative output size")
		}
	})
}

func TestFlatten(t *testing.T) {
	flatten := NewFlatten()

	input, err := tensor.NewTensor([]int{2, 3, 4, 4}, tensor.Float32, make([]float32, 96))
	if err != nil {
		t.Fatalf("Failed to create input: %v", err)
	}

	output, err := flatten.Forward(input)
	if err != nil {
		t.Fatalf("Forward pass failed: %v", err)
	}

	if len(output.Shape) != 2 || output.Shape[0] != 2 || output.Shape[1] != 48 {
		t.Errorf("Expected output shape [2, 48], got %v", output.Shape)
	}
}

func TestSequential(t *testing.T) {
	t.Run("Forward chaining", func(t *testing.T) {
		SetRandomSeed(42)

		fc1, err := NewLinear(4, 8, true)
		if err != nil {
			t.Fatalf("Failed to create fc1: %v", err)
		}
		fc2, err := NewLinear(8, 2, true)
		if err != nil {
			t.Fatalf("Failed to create fc2: %v", err)
		}

		model := NewSequential(fc1, NewReLU(), fc2)

		input, err := tensor.NewTensor([]int{3, 4}, tensor.Float32, make([]float32, 12))
		if err != nil {
			t.Fatalf("Failed to create input: %v", err)
		}

		output, err := model.Forward(input)
		if err != nil {
			t.Fatalf("Forward pass failed: %v", err)
		}

		if output.Shape[0] != 3 || output.Shape[1] != 2 {
			t.Errorf("Expected output shape [3, 2], got %v", output.Shape)
		}
	})

	t.Run("Parameter collection", func(t *testing.T) {
		SetRandomSeed(42)

		model, err := NewMLP(12, 6, 4, 3)
		if err != nil {
			t.Fatalf("Failed to create MLP: %v", err)
		}

		// Three Linear layers, each with weight and bias.
		params := model.Parameters()
		if len(params) != 6 {
			t.Errorf("Expected 6 parameters, got %d", len(params))
		}
	})

	t.Run("Train eval propagation", func(t *testing.T) {
		SetRandomSeed(42)

		model, err := NewMLP(12, 6, 4, 3)
		if err != nil {
			t.Fatalf("Failed to create MLP: %v", err)
		}

		model.Eval()
		if model.IsTraining() {
			t.Error("Model should be in eval mode")
		}
		for i, m := range model.Modules() {
			if m.IsTraining() {
				t.Errorf("Module %d should be in eval mode", i)
			}
		}

		model.Train()
		if !model.IsTraining() {
			t.Error("Model should be in training mode")
		}
	})
}

func TestMLPForward(t *testing.T) {
	SetRandomSeed(42)

	model, err := NewMLP(3*32*32, 128, 64, 10)
	if err != nil {
		t.Fatalf("Failed to create MLP: %v", err)
	}

	input, err := tensor.RandomUniform([]int{2, 3, 32, 32}, -1.0, 1.0, globalRng)
	if err != nil {
		t.Fatalf("Failed to create input: %v", err)
	}

	output, err := model.Forward(input)
	if err != nil {
		t.Fatalf("Forward pass failed: %v", err)
	}

	if len(output.Shape) != 2 || output.Shape[0] != 2 || output.Shape[1] != 10 {
		t.Errorf("Expected output shape [2, 10], got %v", output.Shape)
	}
}
