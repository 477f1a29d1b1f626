// Package cifar loads the CIFAR-10 binary batch format into tensors.
//
// Each batch file holds 10000 records of 3073 bytes: one label byte in
// [0, 9] followed by 3072 pixel bytes laid out channel-planar, 1024 red
// then 1024 green then 1024 blue, each plane in row-major 32x32 order.
package cifar

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"cifarnet/tensor"
)

const (
	// ImageWidth and ImageHeight are the CIFAR-10 image dimensions.
	ImageWidth  = 32
	ImageHeight = 32
	// Channels is the number of color planes per image.
	Channels = 3
	// NumClasses is the number of CIFAR-10 categories.
	NumClasses = 10

	pixelsPerChannel = ImageWidth * ImageHeight
	imageBytes       = Channels * pixelsPerChannel
	recordBytes      = 1 + imageBytes
	recordsPerBatch  = 10000
)

// Classes lists the CIFAR-10 category names indexed by label.
var Classes = [NumClasses]string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck",
}

// TrainBatchFiles are the canonical training batch file names.
var TrainBatchFiles = []string{
	"data_batch_1.bin",
	"data_batch_2.bin",
	"data_batch_3.bin",
	"data_batch_4.bin",
	"data_batch_5.bin",
}

// TestBatchFile is the canonical test batch file name.
const TestBatchFile = "test_batch.bin"

// Dataset holds decoded CIFAR-10 images and labels. Pixels are stored as
// Float32 normalized to [-1, 1]; labels are Int32 class indices. It
// implements the training.Dataset interface.
type Dataset struct {
	images []*tensor.Tensor // each [Channels, ImageHeight, ImageWidth]
	labels []*tensor.Tensor // each [1]
}

// Len returns the number of samples in the dataset
func (d *Dataset) Len() int {
	return len(d.images)
}

// Get returns the sample at the given index
func (d *Dataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.images) {
		return nil, nil, errors.Errorf("index %d out of range [0, %d)", idx, len(d.images))
	}
	return d.images[idx], d.labels[idx], nil
}

// ClassName returns the category name for a label, or "unknown" when the
// label is out of range.
func ClassName(label int32) string {
	if label < 0 || label >= NumClasses {
		return "unknown"
	}
	return Classes[label]
}

// Load reads one or more batch files and concatenates their records in
// file order.
func Load(paths ...string) (*Dataset, error) {
	if len(paths) == 0 {
		return nil, errors.New("no batch files given")
	}

	ds := &Dataset{}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open batch file %s", path)
		}

		err = ds.readBatch(f)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read batch file %s", path)
		}
	}

	return ds, nil
}

// LoadTrain loads the five training batches from a CIFAR-10 directory.
func LoadTrain(dir string) (*Dataset, error) {
	paths := make([]string, len(TrainBatchFiles))
	for i, name := range TrainBatchFiles {
		paths[i] = filepath.Join(dir, name)
	}
	return Load(paths...)
}

// LoadTest loads the test batch from a CIFAR-10 directory.
func LoadTest(dir string) (*Dataset, error) {
	return Load(filepath.Join(dir, TestBatchFile))
}

// readBatch decodes every record from r and appends it to the dataset.
// A batch file normally holds exactly 10000 records, but any record count
// is accepted as long as the stream ends on a record boundary.
func (d *Dataset) readBatch(r io.Reader) error {
	record := make([]byte, recordBytes)

	for count := 0; ; count++ {
		_, err := io.ReadFull(r, record)
		if err == io.EOF {
			if count == 0 {
				return errors.New("batch file is empty")
			}
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			return errors.Errorf("truncated record %d: batch files must be a multiple of %d bytes", count, recordBytes)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read record %d", count)
		}

		image, label, err := decodeRecord(record)
		if err != nil {
			return errors.Wrapf(err, "record %d", count)
		}

		d.images = append(d.images, image)
		d.labels = append(d.labels, label)
	}
}

// decodeRecord converts one raw record into an image tensor and a label
// tensor. Pixel bytes in [0, 255] map linearly onto [-1, 1].
func decodeRecord(record []byte) (*tensor.Tensor, *tensor.Tensor, error) {
	labelByte := record[0]
	if labelByte >= NumClasses {
		return nil, nil, errors.Errorf("label %d out of range [0, %d)", labelByte, NumClasses)
	}

	pixels := make([]float32, imageBytes)
	for i, b := range record[1:] {
		pixels[i] = float32(b)/127.5 - 1.0
	}

	image, err := tensor.NewTensor([]int{Channels, ImageHeight, ImageWidth}, tensor.Float32, pixels)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create image tensor")
	}

	label, err := tensor.NewTensor([]int{1}, tensor.Int32, []int32{int32(labelByte)})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create label tensor")
	}

	return image, label, nil
}
