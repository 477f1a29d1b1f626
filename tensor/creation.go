package tensor

import (
	"fmt"
	"math/rand"
)

func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	strides := calculateStrides(shape)

	t := &Tensor{
		Shape:    shape,
		Strides:  strides,
		DType:    dtype,
		NumElems: numElems,
	}

	if data != nil {
		if err := t.setData(data); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		data = make([]float32, numElems)
	case Int32:
		data = make([]int32, numElems)
	default:
		return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
	}

	return NewTensor(shape, dtype, data)
}

func Ones(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		slice := make([]float32, numElems)
		for i := range slice {
			slice[i] = 1.0
		}
		data = slice
	case Int32:
		slice := make([]int32, numElems)
		for i := range slice {
			slice[i] = 1
		}
		data = slice
	default:
		return nil, fmt.Errorf("unsupported dtype for Ones: %s", dtype)
	}

	return NewTensor(shape, dtype, data)
}

func Full(shape []int, value interface{}, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, value)
}

// RandomUniform draws float32 values uniformly from [low, high) using the
// supplied source, so initialization is reproducible under a fixed seed.
func RandomUniform(shape []int, low, high float32, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if high < low {
		return nil, fmt.Errorf("invalid uniform range [%f, %f)", low, high)
	}

	numElems := calculateNumElements(shape)
	slice := make([]float32, numElems)
	for i := range slice {
		slice[i] = low + rng.Float32()*(high-low)
	}

	return NewTensor(shape, Float32, slice)
}

// RandomNormal draws float32 values from N(mean, std^2) using the supplied
// source.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	slice := make([]float32, numElems)
	for i := range slice {
		slice[i] = float32(rng.NormFloat64())*std + mean
	}

	return NewTensor(shape, Float32, slice)
}
