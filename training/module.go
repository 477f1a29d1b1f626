package training

import (
	"fmt"
	"math"
	"math/rand"

	"cifarnet/tensor"
)

// Global random source for deterministic weight initialization.
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight
// initialization.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer with Xavier/Glorot uniform
// initialization: W ~ U(-sqrt(6/(fan_in+fan_out)), sqrt(6/(fan_in+fan_out))).
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("layer sizes must be positive, got %d and %d", inputSize, outputSize)
	}

	bound := float32(math.Sqrt(6.0 / float64(inputSize+outputSize)))

	weight, err := tensor.RandomUniform([]int{inputSize, outputSize}, -bound, bound, globalRng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}

	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output, err := tensor.MatMulAutograd(input, l.weight)
	if err != nil {
		return nil, fmt.Errorf("matmul failed: %v", err)
	}

	if l.bias != nil {
		output, err = tensor.AddAutograd(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %v", err)
		}
	}

	return output, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

// Weight returns the weight tensor, shape [input_size, output_size].
func (l *Linear) Weight() *tensor.Tensor {
	return l.weight
}

// Bias returns the bias tensor, or nil if the layer has none.
func (l *Linear) Bias() *tensor.Tensor {
	return l.bias
}

// Train sets the module to training mode
func (l *Linear) Train() {
	l.training = true
}

// Eval sets the module to evaluation mode
func (l *Linear) Eval() {
	l.training = false
}

// IsTraining returns true if in training mode
func (l *Linear) IsTraining() bool {
	return l.training
}

// ReLU implements ReLU activation function module
type ReLU struct {
	training bool
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{training: true}
}

// Forward performs ReLU activation
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

// Parameters returns empty slice (ReLU has no parameters)
func (r *ReLU) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (r *ReLU) Train() {
	r.training = true
}

// Eval sets the module to evaluation mode
func (r *ReLU) Eval() {
	r.training = false
}

// IsTraining returns true if in training mode
func (r *ReLU) IsTraining() bool {
	return r.training
}

// Flatten reshapes input tensor to [batch_size, -1]
type Flatten struct {
	training bool
}

// NewFlatten creates a new Flatten layer
func NewFlatten() *Flatten {
	return &Flatten{training: true}
}

// Forward flattens the input tensor to [batch_size, -1]
func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects input with at least 2 dimensions, got shape %v", input.Shape)
	}

	batchSize := input.Shape[0]
	return tensor.ReshapeAutograd(input, []int{batchSize, input.NumElems / batchSize})
}

// Parameters returns empty slice (Flatten has no parameters)
func (f *Flatten) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (f *Flatten) Train() {
	f.training = true
}

// Eval sets the module to evaluation mode
func (f *Flatten) Eval() {
	f.training = false
}

// IsTraining returns true if in training mode
func (f *Flatten) IsTraining() bool {
	return f.training
}

// Sequential allows chaining multiple modules together
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error

	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}

	return output, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// Modules returns the contained modules in order.
func (s *Sequential) Modules() []Module {
	return s.modules
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// IsTraining returns true if in training mode
func (s *Sequential) IsTraining() bool {
	return s.training
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// NewMLP builds the three-layer perceptron used for CIFAR-10: the input is
// flattened, passed through two hidden Linear layers with ReLU, and a final
// Linear layer producing raw class scores. The input width is fixed by the
// image dimensionality and the output width by the class count; the hidden
// widths are free choices.
func NewMLP(inputSize, hidden1, hidden2, numClasses int) (*Sequential, error) {
	fc1, err := NewLinear(inputSize, hidden1, true)
	if err != nil {
		return nil, fmt.Errorf("fc1: %v", err)
	}
	fc2, err := NewLinear(hidden1, hidden2, true)
	if err != nil {
		return nil, fmt.Errorf("fc2: %v", err)
	}
	fc3, err := NewLinear(hidden2, numClasses, true)
	if err != nil {
		return nil, fmt.Errorf("fc3: %v", err)
	}

	return NewSequential(
		NewFlatten(),
		fc1,
		NewReLU(),
		fc2,
		NewReLU(),
		fc3,
	), nil
}
