package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Operation is a node in the autograd graph. Every tensor produced by an
// autograd op keeps a reference to its creating operation so Backward can
// walk the graph in reverse.
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil if Backward has not reached
// this tensor since the last ZeroGrad.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the accumulated gradient. Pass nil to clear it.
func (t *Tensor) SetGrad(grad *Tensor) {
	t.grad = grad
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
