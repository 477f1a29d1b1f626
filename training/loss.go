package training

import (
	"fmt"

	"cifarnet/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// The returned tensor is a scalar participating in the autograd graph, so
// calling Backward on it propagates gradients into the model parameters.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// CrossEntropyLoss implements softmax cross-entropy for classification.
//
// Given logits [batch_size, num_classes] and class indices [batch_size], it
// exponentiates each row after subtracting the row maximum (log-sum-exp
// stabilization, so large-magnitude logits cannot overflow), normalizes to a
// probability distribution, takes the negative log of the probability of the
// true class, and averages over the batch. The averaging step is what makes
// losses comparable across batch sizes.
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// Forward computes the Cross Entropy loss
// predicted: [batch_size, num_classes] logits
// target: [batch_size] class indices
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if ce.reduction != "mean" && ce.reduction != "sum" {
		return nil, fmt.Errorf("unsupported reduction: %q", ce.reduction)
	}

	// Accept [batch_size, 1] labels from the dataloader.
	if len(target.Shape) == 2 && target.Shape[1] == 1 {
		reshaped, err := target.Reshape([]int{target.Shape[0]})
		if err != nil {
			return nil, fmt.Errorf("failed to reshape target: %v", err)
		}
		target = reshaped
	}

	return tensor.CrossEntropyAutograd(predicted, target, ce.reduction == "mean")
}

// Softmax normalizes each row of a [batch_size, num_classes] tensor into a
// probability distribution. Exposed for evaluation and tests; the training
// path uses the fused cross-entropy op.
func Softmax(logits *tensor.Tensor) (*tensor.Tensor, error) {
	if logits.DType != tensor.Float32 {
		return nil, fmt.Errorf("softmax only supports Float32 tensors")
	}
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("softmax expects 2D input, got shape %v", logits.Shape)
	}

	batchSize := logits.Shape[0]
	numClasses := logits.Shape[1]

	data := logits.Data.([]float32)
	result := make([]float32, len(data))

	for i := 0; i < batchSize; i++ {
		offset := i * numClasses

		// Subtract the row maximum before exponentiating.
		maxVal := data[offset]
		for j := 1; j < numClasses; j++ {
			if data[offset+j] > maxVal {
				maxVal = data[offset+j]
			}
		}

		row, err := tensor.NewTensor([]int{numClasses}, tensor.Float32, shiftedRow(data[offset:offset+numClasses], maxVal))
		if err != nil {
			return nil, err
		}
		exps, err := tensor.Exp(row)
		if err != nil {
			return nil, err
		}

		expData := exps.Data.([]float32)
		var sum float32
		for _, e := range expData {
			sum += e
		}
		for j := 0; j < numClasses; j++ {
			result[offset+j] = expData[j] / sum
		}
	}

	return tensor.NewTensor(logits.Shape, tensor.Float32, result)
}

func shiftedRow(row []float32, shift float32) []float32 {
	out := make([]float32, len(row))
	for i, v := range row {
		out[i] = v - shift
	}
	return out
}

// MSELoss implements Mean Squared Error loss for regression experiments.
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2). The
// result is detached from the autograd graph; MSE is used for evaluation
// only.
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("subtraction failed: %v", err)
	}

	squared, err := tensor.Mul(diff, diff)
	if err != nil {
		return nil, fmt.Errorf("multiplication failed: %v", err)
	}

	loss, err := tensor.SumAll(squared)
	if err != nil {
		return nil, fmt.Errorf("sum computation failed: %v", err)
	}

	if mse.reduction == "mean" {
		loss, err = tensor.Scale(loss, 1.0/float32(predicted.NumElems))
		if err != nil {
			return nil, fmt.Errorf("mean computation failed: %v", err)
		}
	}

	return loss, nil
}
