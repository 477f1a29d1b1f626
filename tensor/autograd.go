package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
)

// reduceGradientToShape sums a gradient down to the shape of the input it
// belongs to. This is needed when broadcasting occurred during the forward
// pass, e.g. a [n] bias added to a [batch, n] activation.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad, nil
	}

	result := grad
	var err error

	// Sum away leading dimensions the target does not have.
	for len(result.Shape) > len(targetShape) {
		result, err = Sum(result, 0, false)
		if err != nil {
			return nil, fmt.Errorf("failed to sum over broadcast dimension: %v", err)
		}
	}

	// Sum dimensions the target holds at size 1.
	for i := 0; i < len(targetShape); i++ {
		if i < len(result.Shape) && result.Shape[i] != targetShape[i] {
			if targetShape[i] != 1 {
				return nil, fmt.Errorf("cannot reduce gradient shape %v to %v", grad.Shape, targetShape)
			}
			result, err = Sum(result, i, true)
			if err != nil {
				return nil, fmt.Errorf("failed to sum over broadcast dimension %d: %v", i, err)
			}
		}
	}

	if !shapesEqual(result.Shape, targetShape) {
		result, err = result.Reshape(targetShape)
		if err != nil {
			return nil, fmt.Errorf("failed to reshape gradient: %v", err)
		}
	}

	return result, nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// broadcastTo tiles a [n] Float32 tensor to [batch, n]. Matching shapes pass
// through untouched.
func broadcastTo(t *Tensor, shape []int) (*Tensor, error) {
	if shapesEqual(t.Shape, shape) {
		return t, nil
	}

	if t.DType != Float32 {
		return nil, fmt.Errorf("broadcast only supports Float32 dtype")
	}

	if len(t.Shape) == 1 && len(shape) == 2 && t.Shape[0] == shape[1] {
		batch := shape[0]
		n := t.Shape[0]
		src := t.Data.([]float32)
		dst := make([]float32, batch*n)
		for i := 0; i < batch; i++ {
			copy(dst[i*n:(i+1)*n], src)
		}
		return NewTensor([]int{batch, n}, Float32, dst)
	}

	return nil, fmt.Errorf("cannot broadcast shape %v to %v", t.Shape, shape)
}

// addOp adds two tensors, broadcasting a [n] bias over [batch, n].
type addOp struct {
	inputs []*Tensor
}

func (op *addOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *addOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, fmt.Errorf("add backward for input A: %v", err)
	}

	gradB, err := reduceGradientToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		return nil, fmt.Errorf("add backward for input B: %v", err)
	}

	return []*Tensor{gradA, gradB}, nil
}

// AddAutograd performs addition with automatic differentiation. The second
// operand may be a [n] bias broadcast over a [batch, n] first operand.
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	bb := b
	var err error
	if !shapesEqual(a.Shape, b.Shape) {
		bb, err = broadcastTo(b, a.Shape)
		if err != nil {
			return nil, err
		}
	}

	result, err := Add(a, bb)
	if err != nil {
		return nil, err
	}

	result.creator = &addOp{inputs: []*Tensor{a, b}}
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result, nil
}

// mulOp multiplies two same-shape tensors elementwise.
type mulOp struct {
	inputs []*Tensor
}

func (op *mulOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *mulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	gradA, err := Mul(gradOut, b)
	if err != nil {
		return nil, fmt.Errorf("mul backward for input A: %v", err)
	}

	gradB, err := Mul(gradOut, a)
	if err != nil {
		return nil, fmt.Errorf("mul backward for input B: %v", err)
	}

	return []*Tensor{gradA, gradB}, nil
}

// MulAutograd performs elementwise multiplication with automatic
// differentiation.
func MulAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := Mul(a, b)
	if err != nil {
		return nil, err
	}

	result.creator = &mulOp{inputs: []*Tensor{a, b}}
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result, nil
}

// matMulOp multiplies [m, k] x [k, n].
type matMulOp struct {
	inputs []*Tensor
}

func (op *matMulOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *matMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// d(A @ B)/dA = gradOut @ B^T, d(A @ B)/dB = A^T @ gradOut
	bT, err := Transpose(b, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("matmul backward transpose B: %v", err)
	}

	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		return nil, fmt.Errorf("matmul backward for input A: %v", err)
	}

	aT, err := Transpose(a, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("matmul backward transpose A: %v", err)
	}

	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		return nil, fmt.Errorf("matmul backward for input B: %v", err)
	}

	return []*Tensor{gradA, gradB}, nil
}

// MatMulAutograd performs matrix multiplication with automatic
// differentiation.
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := MatMul(a, b)
	if err != nil {
		return nil, err
	}

	result.creator = &matMulOp{inputs: []*Tensor{a, b}}
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result, nil
}

// reluOp applies the rectifier elementwise.
type reluOp struct {
	inputs []*Tensor
}

func (op *reluOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *reluOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]

	grad, err := gradOut.Clone()
	if err != nil {
		return nil, fmt.Errorf("relu backward: %v", err)
	}

	inputData := a.Data.([]float32)
	gradData := grad.Data.([]float32)
	for i := range gradData {
		if inputData[i] <= 0 {
			gradData[i] = 0
		}
	}

	return []*Tensor{grad}, nil
}

// ReLUAutograd applies ReLU with automatic differentiation.
func ReLUAutograd(a *Tensor) (*Tensor, error) {
	result, err := ReLU(a)
	if err != nil {
		return nil, err
	}

	result.creator = &reluOp{inputs: []*Tensor{a}}
	result.requiresGrad = a.requiresGrad
	return result, nil
}

// reshapeOp records the original shape so the gradient can be folded back.
type reshapeOp struct {
	inputs []*Tensor
}

func (op *reshapeOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *reshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := gradOut.Reshape(op.inputs[0].Shape)
	if err != nil {
		return nil, fmt.Errorf("reshape backward: %v", err)
	}
	return []*Tensor{grad}, nil
}

// ReshapeAutograd reshapes a tensor while keeping it in the autograd graph.
func ReshapeAutograd(a *Tensor, newShape []int) (*Tensor, error) {
	result, err := a.Reshape(newShape)
	if err != nil {
		return nil, err
	}

	result.creator = &reshapeOp{inputs: []*Tensor{a}}
	result.requiresGrad = a.requiresGrad
	return result, nil
}

// crossEntropyOp fuses the stabilized softmax with the negative
// log-likelihood of the true class. Fusing keeps the backward pass the
// closed form (softmax - onehot) instead of chaining exp/log gradients.
type crossEntropyOp struct {
	logits  *Tensor
	targets *Tensor
	probs   []float32
	mean    bool
}

func (op *crossEntropyOp) Inputs() []*Tensor {
	// Class indices are not differentiable, so the graph only extends
	// through the logits.
	return []*Tensor{op.logits}
}

func (op *crossEntropyOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	batchSize := op.logits.Shape[0]
	numClasses := op.logits.Shape[1]

	outData := gradOut.Data.([]float32)
	scale := outData[0]
	if op.mean {
		scale /= float32(batchSize)
	}

	gradData := make([]float32, batchSize*numClasses)
	copy(gradData, op.probs)

	targetData := op.targets.Data.([]int32)
	for i := 0; i < batchSize; i++ {
		gradData[i*numClasses+int(targetData[i])] -= 1.0
	}
	for i := range gradData {
		gradData[i] *= scale
	}

	grad, err := NewTensor(op.logits.Shape, Float32, gradData)
	if err != nil {
		return nil, fmt.Errorf("cross-entropy backward: %v", err)
	}

	return []*Tensor{grad}, nil
}

// CrossEntropyAutograd computes softmax cross-entropy between logits
// [batch, classes] and class indices [batch], returning a scalar loss that
// participates in the autograd graph. The per-row maximum is subtracted
// before exponentiating so large-magnitude logits cannot overflow. With
// mean=true the summed negative log-likelihood is divided by the batch size.
func CrossEntropyAutograd(logits, targets *Tensor, mean bool) (*Tensor, error) {
	if logits.DType != Float32 || targets.DType != Int32 {
		return nil, fmt.Errorf("logits must be Float32 and targets must be Int32")
	}

	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("logits must be 2D [batch_size, num_classes], got shape %v", logits.Shape)
	}

	if len(targets.Shape) != 1 {
		return nil, fmt.Errorf("targets must be 1D [batch_size], got shape %v", targets.Shape)
	}

	batchSize := logits.Shape[0]
	numClasses := logits.Shape[1]

	if targets.Shape[0] != batchSize {
		return nil, fmt.Errorf("batch size mismatch: logits %d, targets %d", batchSize, targets.Shape[0])
	}

	data := logits.Data.([]float32)
	targetData := targets.Data.([]int32)
	probs := make([]float32, batchSize*numClasses)

	var totalLoss float32
	for i := 0; i < batchSize; i++ {
		target := targetData[i]
		if target < 0 || int(target) >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", target, numClasses)
		}

		offset := i * numClasses

		maxVal := data[offset]
		for j := 1; j < numClasses; j++ {
			if data[offset+j] > maxVal {
				maxVal = data[offset+j]
			}
		}

		var sum float32
		for j := 0; j < numClasses; j++ {
			e := math32.Exp(data[offset+j] - maxVal)
			probs[offset+j] = e
			sum += e
		}
		for j := 0; j < numClasses; j++ {
			probs[offset+j] /= sum
		}

		// -log softmax(target) = log(sum exp(z - max)) - (z_target - max)
		totalLoss += math32.Log(sum) - (data[offset+int(target)] - maxVal)
	}

	if mean {
		totalLoss /= float32(batchSize)
	}

	result, err := NewTensor([]int{1}, Float32, []float32{totalLoss})
	if err != nil {
		return nil, err
	}

	result.creator = &crossEntropyOp{
		logits:  logits,
		targets: targets,
		probs:   probs,
		mean:    mean,
	}
	result.requiresGrad = logits.requiresGrad
	return result, nil
}

// Backward runs the reverse pass from a scalar tensor, accumulating
// gradients into every reachable tensor that requires them. Gradients add
// across calls until ZeroGrad clears them.
func (t *Tensor) Backward() error {
	if t.DType != Float32 {
		return fmt.Errorf("backward only supports Float32 tensors")
	}
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a scalar tensor, got %d elements", t.NumElems)
	}

	seed, err := Ones(t.Shape, Float32)
	if err != nil {
		return err
	}
	if err := accumulateGrad(t, seed); err != nil {
		return err
	}

	order := topoOrder(t)

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.creator == nil || node.grad == nil {
			continue
		}

		grads, err := node.creator.Backward(node.grad)
		if err != nil {
			return err
		}

		inputs := node.creator.Inputs()
		if len(grads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(grads), len(inputs))
		}

		for j, input := range inputs {
			if grads[j] == nil {
				continue
			}
			if !input.requiresGrad && input.creator == nil {
				continue
			}
			if err := accumulateGrad(input, grads[j]); err != nil {
				return err
			}
		}
	}

	return nil
}

// topoOrder lists the graph reachable from root so that reversing it visits
// every consumer before its producers.
func topoOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, input := range n.creator.Inputs() {
				visit(input)
			}
		}
		order = append(order, n)
	}

	visit(root)
	return order
}

func accumulateGrad(t *Tensor, grad *Tensor) error {
	if !shapesEqual(t.Shape, grad.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", grad.Shape, t.Shape)
	}

	if t.grad == nil {
		clone, err := grad.Clone()
		if err != nil {
			return err
		}
		t.grad = clone
		return nil
	}

	dst := t.grad.Data.([]float32)
	src := grad.Data.([]float32)
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

// ZeroGrad clears accumulated gradients for the given tensors. It must run
// before each forward/backward cycle so gradients from different batches
// never mix.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}
