package training

import (
	"math"
	"testing"

	"cifarnet/tensor"
)

// crossEntropyReference computes softmax cross-entropy in float64 without
// stabilization tricks, for comparing against the fused implementation.
func crossEntropyReference(logits []float64, targets []int, batchSize, numClasses int, mean bool) float64 {
	var total float64
	for i := 0; i < batchSize; i++ {
		var sum float64
		for j := 0; j < numClasses; j++ {
			sum += math.Exp(logits[i*numClasses+j])
		}
		total += math.Log(sum) - logits[i*numClasses+targets[i]]
	}
	if mean {
		total /= float64(batchSize)
	}
	return total
}

func TestCrossEntropyLoss(t *testing.T) {
	t.Run("Matches float64 reference", func(t *testing.T) {
		logits, err := tensor.NewTensor([]int{2, 3}, tensor.Float32,
			[]float32{1.0, 2.0, 3.0, 1.0, 2.0, 3.0})
		if err != nil {
			t.Fatalf("Failed to create logits: %v", err)
		}
		targets, err := tensor.NewTensor([]int{2}, tensor.Int32, []int32{2, 0})
		if err != nil {
			t.Fatalf("Failed to create targets: %v", err)
		}

		criterion := NewCrossEntropyLoss("mean")
		loss, err := criterion.Forward(logits, targets)
		if err != nil {
			t.Fatalf("Loss computation failed: %v", err)
		}

		got, err := loss.Item()
		if err != nil {
			t.Fatalf("Failed to get loss value: %v", err)
		}

		want := crossEntropyReference([]float64{1, 2, 3, 1, 2, 3}, []int{2, 0}, 2, 3, true)
		if math.Abs(float64(got.(float32))-want) > 1e-5 {
			t.Errorf("Expected loss %v, got %v", want, got)
		}
	})

	t.Run("Sum reduction", func(t *testing.T) {
		logits, err := tensor.NewTensor([]int{2, 3}, tensor.Float32,
			[]float32{1.0, 2.0, 3.0, 1.0, 2.0, 3.0})
		if err != nil {
			t.Fatalf("Failed to create logits: %v", err)
		}
		targets, err := tensor.NewTensor([]int{2}, tensor.Int32, []int32{2, 0})
		if err != nil {
			t.Fatalf("Failed to create targets: %v", err)
		}

		criterion := NewCrossEntropyLoss("sum")
		loss, err := criterion.Forward(logits, targets)
		if err != nil {
			t.Fatalf("Loss computation failed: %v", err)
		}

		got, err := loss.Item()
		if err != nil {
			t.Fatalf("Failed to get loss value: %v", err)
		}

		want := crossEntropyReference([]float64{1, 2, 3, 1, 2, 3}, []int{2, 0}, 2, 3, false)
		if math.Abs(float64(got.(float32))-want) > 1e-5 {
			t.Errorf("Expected loss %v, got %v", want, got)
		}
	})

	t.Run("Stable for large logits", func(t *testing.T) {
		logits, err := tensor.NewTensor([]int{1, 3}, tensor.Float32,
			[]float32{1e4, -1e4, 0.0})
		if err != nil {
			t.Fatalf("Failed to create logits: %v", err)
		}
		targets, err := tensor.NewTensor([]int{1}, tensor.Int32, []int32{0})
		if err != nil {
			t.Fatalf("Failed to create targets: %v", err)
		}

		criterion := NewCrossEntropyLoss("mean")
		loss, err := criterion.Forward(logits, targets)
		if err != nil {
			t.Fatalf("Loss computation failed: %v", err)
		}

		got, err := loss.Item()
		if err != nil {
			t.Fatalf("Failed to get loss value: %v", err)
		}

		value := float64(got.(float32))
		if math.IsNaN(value) || math.IsInf(value, 0) {
			t.Errorf("Loss should be finite for large logits, got %v", value)
		}
		// The true class dominates, so the loss is near zero.
		if value < 0 || value > 1e-3 {
			t.Errorf("Expected loss near 0, got %v", value)
		}
	})

	t.Run("Accepts 2D labels", func(t *testing.T) {
		logits, err := tensor.NewTensor([]int{2, 3}, tensor.Float32,
			[]float32{1.0, 2.0, 3.0, 1.0, 2.0, 3.0})
		if err != nil {
			t.Fatalf("Failed to create logits: %v", err)
		}
		targets, err := tensor.NewTensor([]int{2, 1}, tensor.Int32, []int32{2, 0})
		if err != nil {
			t.Fatalf("Failed to create targets: %v", err)
		}

		criterion := NewCrossEntropyLoss("mean")
		if _, err := criterion.Forward(logits, targets); err != nil {
			t.Errorf("Expected [batch_size, 1] labels to be accepted, got error: %v", err)
		}
	})

	t.Run("Invalid reduction", func(t *testing.T) {
		logits, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{1, 2})
		targets, _ := tensor.NewTensor([]int{1}, tensor.Int32, []int32{0})

		criterion := NewCrossEntropyLoss("median")
		if _, err := criterion.Forward(logits, targets); err == nil {
			t.Error("Expected error for unsupported reduction")
		}
	})
}

func TestSoftmax(t *testing.T) {
	t.Run("Rows sum to one", func(t *testing.T) {
		logits, err := tensor.NewTensor([]int{2, 4}, tensor.Float32,
			[]float32{1.0, 2.0, 3.0, 4.0, -1.0, 0.0, 1.0, 2.0})
		if err != nil {
			t.Fatalf("Failed to create logits: %v", err)
		}

		probs, err := Softmax(logits)
		if err != nil {
			t.Fatalf("Softmax failed: %v", err)
		}

		data := probs.Data.([]float32)
		for i := 0; i < 2; i++ {
			var sum float32
			for j := 0; j < 4; j++ {
				p := data[i*4+j]
				if p < 0 || p > 1 {
					t.Errorf("Probability out of range: %v", p)
				}
				sum += p
			}
			if math.Abs(float64(sum)-1.0) > 1e-5 {
				t.Errorf("Row %d should sum to 1, got %v", i, sum)
			}
		}
	})

	t.Run("Stable for large logits", func(t *testing.T) {
		logits, err := tensor.NewTensor([]int{1, 3}, tensor.Float32,
			[]float32{1e4, 1e4, -1e4})
		if err != nil {
			t.Fatalf("Failed to create logits: %v", err)
		}

		probs, err := Softmax(logits)
		if err != nil {
			t.Fatalf("Softmax failed: %v", err)
		}

		data := probs.Data.([]float32)
		for i, p := range data {
			if math.IsNaN(float64(p)) {
				t.Errorf("Probability %d is NaN", i)
			}
		}
		if math.Abs(float64(data[0])-0.5) > 1e-5 || math.Abs(float64(data[1])-0.5) > 1e-5 {
			t.Errorf("Expected tied large logits to split probability, got %v", data)
		}
	})
}

func TestMSELoss(t *testing.T) {
	predicted, err := tensor.NewTensor([]int{2, 2}, tensor.Float32,
		[]float32{1.0, 2.0, 3.0, 4.0})
	if err != nil {
		t.Fatalf("Failed to create predicted: %v", err)
	}
	target, err := tensor.NewTensor([]int{2, 2}, tensor.Float32,
		[]float32{1.5, 2.5, 2.5, 3.5})
	if err != nil {
		t.Fatalf("Failed to create target: %v", err)
	}

	t.Run("Mean reduction", func(t *testing.T) {
		criterion := NewMSELoss("mean")
		loss, err := criterion.Forward(predicted, target)
		if err != nil {
			t.Fatalf("Loss computation failed: %v", err)
		}

		got, err := loss.Item()
		if err != nil {
			t.Fatalf("Failed to get loss value: %v", err)
		}

		// All four squared errors are 0.25, so the mean is 0.25.
		if math.Abs(float64(got.(float32))-0.25) > 1e-6 {
			t.Errorf("Expected loss 0.25, got %v", got)
		}
	})

	t.Run("Sum reduction", func(t *testing.T) {
		criterion := NewMSELoss("sum")
		loss, err := criterion.Forward(predicted, target)
		if err != nil {
			t.Fatalf("Loss computation failed: %v", err)
		}

		got, err := loss.Item()
		if err != nil {
			t.Fatalf("Failed to get loss value: %v", err)
		}

		if math.Abs(float64(got.(float32))-1.0) > 1e-6 {
			t.Errorf("Expected loss 1.0, got %v", got)
		}
	})
}
