package training

import (
	"fmt"
	"sync"

	"cifarnet/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                           // Total number of samples
	Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) // Returns a single sample
}

// DataLoader provides batching and shuffling over a Dataset. Shuffling draws
// from the package random source, so SetRandomSeed makes epoch order
// reproducible.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	indices   []int
	position  int
	iterErr   error
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		indices:   indices,
		position:  0,
	}, nil
}

// Batch represents a batch of data and labels
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	if b.Data == nil || len(b.Data.Shape) == 0 {
		return 0
	}
	return b.Data.Shape[0]
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	dl.iterErr = nil

	if dl.shuffle {
		// Fisher-Yates over the index permutation
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := globalRng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	actualBatchSize := batchEnd - dl.position
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices, actualBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}

	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// loadBatch loads a batch of samples and combines them into batched tensors
func (dl *DataLoader) loadBatch(indices []int, batchSize int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	// Load first sample to determine shapes and types
	firstData, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %v", indices[0], err)
	}

	dataShape := append([]int{batchSize}, firstData.Shape...)
	labelShape := append([]int{batchSize}, firstLabel.Shape...)

	batchData, err := tensor.Zeros(dataShape, firstData.DType)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch data tensor: %v", err)
	}

	batchLabels, err := tensor.Zeros(labelShape, firstLabel.DType)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch labels tensor: %v", err)
	}

	for i, idx := range indices {
		data, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}

		if err := dl.copyInto(batchData, data, i); err != nil {
			return nil, fmt.Errorf("failed to copy data for sample %d: %v", i, err)
		}

		if err := dl.copyInto(batchLabels, label, i); err != nil {
			return nil, fmt.Errorf("failed to copy label for sample %d: %v", i, err)
		}
	}

	return &Batch{
		Data:   batchData,
		Labels: batchLabels,
	}, nil
}

// copyInto copies a sample tensor into a specific position in the batch tensor
func (dl *DataLoader) copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	if batchTensor.DType != sampleTensor.DType {
		return fmt.Errorf("dtype mismatch: batch %s, sample %s", batchTensor.DType, sampleTensor.DType)
	}

	sampleSize := sampleTensor.NumElems
	offset := batchIndex * sampleSize

	switch batchTensor.DType {
	case tensor.Float32:
		batchData := batchTensor.Data.([]float32)
		sampleData := sampleTensor.Data.([]float32)

		if len(sampleData) != sampleSize {
			return fmt.Errorf("sample data size mismatch: expected %d, got %d", sampleSize, len(sampleData))
		}

		copy(batchData[offset:offset+sampleSize], sampleData)

	case tensor.Int32:
		batchData := batchTensor.Data.([]int32)
		sampleData := sampleTensor.Data.([]int32)

		if len(sampleData) != sampleSize {
			return fmt.Errorf("sample data size mismatch: expected %d, got %d", sampleSize, len(sampleData))
		}

		copy(batchData[offset:offset+sampleSize], sampleData)

	default:
		return fmt.Errorf("unsupported dtype for batch copying: %s", batchTensor.DType)
	}

	return nil
}

// Iterator returns a channel-based iterator for easy use in training loops.
// If a batch fails to load the channel is closed early and the error is
// available from Err, so consumers must check it after the range completes.
func (dl *DataLoader) Iterator() <-chan *Batch {
	batchChan := make(chan *Batch, 1)

	go func() {
		defer close(batchChan)

		dl.Reset()

		for dl.HasNext() {
			batch, err := dl.Next()
			if err != nil {
				dl.setIterErr(err)
				return
			}

			if batch == nil {
				break
			}

			batchChan <- batch
		}
	}()

	return batchChan
}

// Err reports the error that terminated the most recent Iterator pass, or
// nil if it ran to completion. Reset clears it.
func (dl *DataLoader) Err() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.iterErr
}

func (dl *DataLoader) setIterErr(err error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.iterErr = err
}

// SimpleDataset provides a basic implementation of Dataset for testing and simple use cases
type SimpleDataset struct {
	data   []*tensor.Tensor
	labels []*tensor.Tensor
}

// NewSimpleDataset creates a new SimpleDataset
func NewSimpleDataset(data, labels []*tensor.Tensor) (*SimpleDataset, error) {
	if len(data) != len(labels) {
		return nil, fmt.Errorf("data and labels must have the same length: got %d and %d", len(data), len(labels))
	}

	return &SimpleDataset{
		data:   data,
		labels: labels,
	}, nil
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.data)
}

// Get returns a sample at the given index
func (ds *SimpleDataset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= len(ds.data) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.data))
	}

	return ds.data[idx], ds.labels[idx], nil
}

// RandomDataset generates random samples, useful for smoke tests and
// benchmarks that do not need real images.
type RandomDataset struct {
	size       int
	dataShape  []int
	numClasses int
}

// NewRandomDataset creates a new RandomDataset of Float32 data in [-1, 1]
// with Int32 class labels in [0, numClasses).
func NewRandomDataset(size int, dataShape []int, numClasses int) (*RandomDataset, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %d", size)
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("numClasses must be positive, got %d", numClasses)
	}

	return &RandomDataset{
		size:       size,
		dataShape:  dataShape,
		numClasses: numClasses,
	}, nil
}

// Len returns the size of the dataset
func (rd *RandomDataset) Len() int {
	return rd.size
}

// Get generates a random sample
func (rd *RandomDataset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= rd.size {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, rd.size)
	}

	data, err = tensor.RandomUniform(rd.dataShape, -1.0, 1.0, globalRng)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create data tensor: %v", err)
	}

	randomLabel := []int32{int32(globalRng.Intn(rd.numClasses))}
	label, err = tensor.NewTensor([]int{1}, tensor.Int32, randomLabel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create label tensor: %v", err)
	}

	return data, label, nil
}
