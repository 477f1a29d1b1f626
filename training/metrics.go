package training

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"cifarnet/tensor"
)

// Predictions returns the predicted class index for each row of a
// [batch_size, num_classes] logits tensor. Softmax is monotonic, so the
// argmax of the raw logits equals the argmax of the probabilities.
func Predictions(output *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ArgMax(output, 1)
}

// countCorrect compares argmax predictions against Int32 targets and
// returns the number of matches. Targets may be [batch_size] or
// [batch_size, 1].
func countCorrect(output, target *tensor.Tensor) (int, error) {
	if output.DType != tensor.Float32 || target.DType != tensor.Int32 {
		return 0, fmt.Errorf("accuracy calculation requires Float32 output and Int32 target")
	}
	if len(output.Shape) != 2 {
		return 0, fmt.Errorf("accuracy calculation requires 2D output, got shape %v", output.Shape)
	}

	batchSize := output.Shape[0]
	if target.NumElems != batchSize {
		return 0, fmt.Errorf("batch size mismatch: output %d, target %d", batchSize, target.NumElems)
	}

	preds, err := Predictions(output)
	if err != nil {
		return 0, fmt.Errorf("argmax failed: %v", err)
	}

	predData := preds.Data.([]int32)
	targetData := target.Data.([]int32)

	correct := 0
	for i := 0; i < batchSize; i++ {
		if predData[i] == targetData[i] {
			correct++
		}
	}

	return correct, nil
}

// EvalReport summarizes a full pass over an evaluation set.
type EvalReport struct {
	Loss      float64
	Accuracy  float64 // percentage over all samples
	Samples   int
	PerClass  []float64 // per-class accuracy percentage, indexed by class
	ClassSeen []int     // number of samples observed per class
}

// Evaluate runs the model over every batch in the loader and reports the
// mean loss, overall accuracy and a per-class accuracy breakdown. The
// model is switched to eval mode for the pass.
func Evaluate(model Module, loader *DataLoader, criterion Loss, numClasses int) (*EvalReport, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("numClasses must be positive, got %d", numClasses)
	}

	model.Eval()

	var totalLoss float64
	var totalSamples int
	classCorrect := make([]float64, numClasses)
	classSeen := make([]int, numClasses)

	loader.Reset()

	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return nil, fmt.Errorf("batch load failed: %v", err)
		}
		if batch == nil {
			break
		}

		output, err := model.Forward(batch.Data)
		if err != nil {
			return nil, fmt.Errorf("evaluation forward pass failed: %v", err)
		}

		loss, err := criterion.Forward(output, batch.Labels)
		if err != nil {
			return nil, fmt.Errorf("evaluation loss computation failed: %v", err)
		}

		lossValue, err := loss.Item()
		if err != nil {
			return nil, fmt.Errorf("failed to get evaluation loss value: %v", err)
		}

		batchSize := batch.Size()
		totalLoss += float64(lossValue.(float32)) * float64(batchSize)
		totalSamples += batchSize

		preds, err := Predictions(output)
		if err != nil {
			return nil, fmt.Errorf("argmax failed: %v", err)
		}

		predData := preds.Data.([]int32)
		targetData := batch.Labels.Data.([]int32)

		for i := 0; i < batchSize; i++ {
			cls := int(targetData[i])
			if cls < 0 || cls >= numClasses {
				return nil, fmt.Errorf("label %d out of range [0, %d)", cls, numClasses)
			}
			classSeen[cls]++
			if predData[i] == targetData[i] {
				classCorrect[cls]++
			}
		}
	}

	if totalSamples == 0 {
		return nil, fmt.Errorf("loader produced no samples")
	}

	perClass := make([]float64, numClasses)
	for c := 0; c < numClasses; c++ {
		if classSeen[c] > 0 {
			perClass[c] = classCorrect[c] / float64(classSeen[c]) * 100.0
		}
	}

	return &EvalReport{
		Loss:      totalLoss / float64(totalSamples),
		Accuracy:  floats.Sum(classCorrect) / float64(totalSamples) * 100.0,
		Samples:   totalSamples,
		PerClass:  perClass,
		ClassSeen: classSeen,
	}, nil
}
