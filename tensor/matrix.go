package tensor

import (
	"fmt"
)

func getIndex(indices []int, strides []int) int {
	index := 0
	for i, idx := range indices {
		index += idx * strides[i]
	}
	return index
}

func getIndicesFromLinear(linearIndex int, shape []int) []int {
	indices := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		indices[i] = linearIndex % shape[i]
		linearIndex /= shape[i]
	}
	return indices
}

// MatMul multiplies two 2D Float32 tensors: [m, k] x [k, n] -> [m, n].
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	if t1.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for MatMul: %s", t1.DType)
	}

	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}

	rows1 := t1.Shape[0]
	cols1 := t1.Shape[1]
	rows2 := t2.Shape[0]
	cols2 := t2.Shape[1]

	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", rows1, cols1, rows2, cols2)
	}

	result, err := Zeros([]int{rows1, cols2}, t1.DType)
	if err != nil {
		return nil, err
	}

	data1 := t1.Data.([]float32)
	data2 := t2.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < rows1; i++ {
		for k := 0; k < cols1; k++ {
			a := data1[i*cols1+k]
			if a == 0 {
				continue
			}
			rowOff := k * cols2
			outOff := i * cols2
			for j := 0; j < cols2; j++ {
				resultData[outOff+j] += a * data2[rowOff+j]
			}
		}
	}

	return result, nil
}

// Transpose swaps two dimensions of a tensor.
func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	if dim0 < 0 || dim0 >= len(t.Shape) {
		return nil, fmt.Errorf("dim0 %d out of range for tensor with %d dimensions", dim0, len(t.Shape))
	}
	if dim1 < 0 || dim1 >= len(t.Shape) {
		return nil, fmt.Errorf("dim1 %d out of range for tensor with %d dimensions", dim1, len(t.Shape))
	}

	outputShape := make([]int, len(t.Shape))
	copy(outputShape, t.Shape)
	outputShape[dim0], outputShape[dim1] = outputShape[dim1], outputShape[dim0]

	result, err := Zeros(outputShape, t.DType)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < t.NumElems; i++ {
			indices := getIndicesFromLinear(i, t.Shape)
			indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
			resultData[getIndex(indices, result.Strides)] = data[i]
		}
	case Int32:
		data := t.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < t.NumElems; i++ {
			indices := getIndicesFromLinear(i, t.Shape)
			indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
			resultData[getIndex(indices, result.Strides)] = data[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Transpose: %s", t.DType)
	}

	return result, nil
}

// Reshape returns a view of the tensor with a new shape. One dimension may
// be -1, in which case it is inferred from the element count. The underlying
// data is shared; the autograd graph is not carried over.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	newNumElems := 1
	negOneIdx := -1

	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			newNumElems *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot infer -1 dimension: size %d not divisible by %d", t.NumElems, newNumElems)
		}
		shape[negOneIdx] = t.NumElems / newNumElems
		newNumElems = t.NumElems
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, newNumElems)
	}

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		DType:        t.DType,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

// Flatten returns a 1D view of the tensor.
func Flatten(t *Tensor) (*Tensor, error) {
	return t.Reshape([]int{t.NumElems})
}

// Sum reduces a tensor over one dimension.
func Sum(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Sum: %s", t.DType)
	}

	var outputShape []int
	if keepDim {
		outputShape = make([]int, len(t.Shape))
		copy(outputShape, t.Shape)
		outputShape[dim] = 1
	} else if len(t.Shape) == 1 {
		outputShape = []int{1}
	} else {
		outputShape = make([]int, 0, len(t.Shape)-1)
		for i, size := range t.Shape {
			if i != dim {
				outputShape = append(outputShape, size)
			}
		}
	}

	result, err := Zeros(outputShape, t.DType)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		indices := getIndicesFromLinear(i, t.Shape)

		var resultIdx int
		if keepDim {
			indices[dim] = 0
			resultIdx = getIndex(indices, result.Strides)
		} else if len(t.Shape) == 1 {
			resultIdx = 0
		} else {
			reduced := make([]int, 0, len(indices)-1)
			for j, idx := range indices {
				if j != dim {
					reduced = append(reduced, idx)
				}
			}
			resultIdx = getIndex(reduced, result.Strides)
		}
		resultData[resultIdx] += data[i]
	}

	return result, nil
}

// SumAll sums every element into a [1] tensor.
func SumAll(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for SumAll: %s", t.DType)
	}

	data := t.Data.([]float32)
	var sum float32
	for _, v := range data {
		sum += v
	}

	return NewTensor([]int{1}, Float32, []float32{sum})
}

// ArgMax returns, for each row of a 2D Float32 tensor, the index of its
// largest element as an Int32 tensor of shape [rows].
func ArgMax(t *Tensor, dim int) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for ArgMax: %s", t.DType)
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("ArgMax expects a 2D tensor, got shape %v", t.Shape)
	}
	if dim != 1 {
		return nil, fmt.Errorf("ArgMax only supports dim=1, got %d", dim)
	}

	rows := t.Shape[0]
	cols := t.Shape[1]
	data := t.Data.([]float32)
	out := make([]int32, rows)

	for i := 0; i < rows; i++ {
		best := 0
		bestVal := data[i*cols]
		for j := 1; j < cols; j++ {
			if data[i*cols+j] > bestVal {
				bestVal = data[i*cols+j]
				best = j
			}
		}
		out[i] = int32(best)
	}

	return NewTensor([]int{rows}, Int32, out)
}
