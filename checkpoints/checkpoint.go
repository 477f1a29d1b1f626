// Package checkpoints serializes trained models to JSON so a run can be
// inspected or resumed later.
package checkpoints

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"cifarnet/tensor"
	"cifarnet/training"
)

// ModelSpec describes the MLP architecture well enough to rebuild it.
type ModelSpec struct {
	InputSize  int `json:"input_size"`
	Hidden1    int `json:"hidden1"`
	Hidden2    int `json:"hidden2"`
	NumClasses int `json:"num_classes"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the training progress at save time.
type TrainingState struct {
	Epochs       int       `json:"epochs"`
	LearningRate float32   `json:"learning_rate"`
	Momentum     float32   `json:"momentum"`
	FinalLoss    float64   `json:"final_loss"`
	LossHistory  []float64 `json:"loss_history,omitempty"`
}

// OptimizerState captures optimizer-specific state so training can resume
// with the same momentum.
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD"
	Parameters map[string]float32 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data,omitempty"`
}

// OptimizerTensor represents an optimizer state tensor.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "velocity"
}

// Metadata contains checkpoint metadata. RunID is a fresh UUID assigned
// when the checkpoint is first saved.
type Metadata struct {
	RunID       string    `json:"run_id"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Checkpoint represents a complete model state: architecture, weights and
// training metadata.
type Checkpoint struct {
	ModelSpec      ModelSpec       `json:"model_spec"`
	Weights        []WeightTensor  `json:"weights"`
	TrainingState  TrainingState   `json:"training_state"`
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	Metadata       Metadata        `json:"metadata"`
}

// Saver handles reading and writing checkpoints.
type Saver struct{}

// NewSaver creates a new checkpoint saver.
func NewSaver() *Saver {
	return &Saver{}
}

// Save writes a checkpoint to path as indented JSON, stamping metadata on
// first save.
func (s *Saver) Save(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil {
		return errors.New("checkpoint must not be nil")
	}

	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = uuid.NewString()
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "cifarnet"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	return nil
}

// Load reads a checkpoint from path.
func (s *Saver) Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}

	return &checkpoint, nil
}

// layerNames for the three Linear layers of the MLP, in parameter order.
var layerNames = []string{"fc1", "fc2", "fc3"}

// paramName returns the canonical name of the i-th MLP parameter, matching
// the order of training.Sequential.Parameters().
func paramName(i int) string {
	layer := layerNames[i/2]
	if i%2 == 0 {
		return layer + ".weight"
	}
	return layer + ".bias"
}

// OptimizerStateFromSGD snapshots the hyperparameters and momentum buffers
// of an MLP's optimizer.
func OptimizerStateFromSGD(sgd *training.SGD) *OptimizerState {
	config := sgd.Config()
	state := &OptimizerState{
		Type: "SGD",
		Parameters: map[string]float32{
			"lr":           config.LR,
			"momentum":     config.Momentum,
			"dampening":    config.Dampening,
			"weight_decay": config.WeightDecay,
		},
	}

	for i, v := range sgd.Velocities() {
		if v == nil || i/2 >= len(layerNames) {
			continue
		}
		state.StateData = append(state.StateData, OptimizerTensor{
			Name:      paramName(i) + ".velocity",
			Shape:     []int{len(v)},
			Data:      v,
			StateType: "velocity",
		})
	}

	return state
}

// RestoreSGD loads the stored momentum buffers into an optimizer built over
// the same parameter layout.
func (o *OptimizerState) RestoreSGD(sgd *training.SGD) error {
	if o.Type != "SGD" {
		return errors.Errorf("optimizer type mismatch: checkpoint holds %q", o.Type)
	}

	n := len(sgd.Velocities())
	velocities := make([][]float32, n)
	for _, st := range o.StateData {
		if st.StateType != "velocity" {
			continue
		}
		found := false
		for i := 0; i < n && i/2 < len(layerNames); i++ {
			if st.Name == paramName(i)+".velocity" {
				velocities[i] = st.Data
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("state tensor %q does not match any parameter", st.Name)
		}
	}

	return sgd.SetVelocities(velocities)
}

// FromModel builds a checkpoint from a trained MLP. The model must come
// from training.NewMLP so the parameter layout is three Linear layers with
// weight and bias each.
func FromModel(model *training.Sequential, spec ModelSpec, state TrainingState) (*Checkpoint, error) {
	params := model.Parameters()
	if len(params) != 2*len(layerNames) {
		return nil, errors.Errorf("expected %d parameters for an MLP, got %d", 2*len(layerNames), len(params))
	}

	var weights []WeightTensor
	for i, layer := range layerNames {
		weight := params[2*i]
		bias := params[2*i+1]

		weightData, err := weight.GetFloat32Data()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to extract weight data for layer %s", layer)
		}
		biasData, err := bias.GetFloat32Data()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to extract bias data for layer %s", layer)
		}

		weights = append(weights,
			WeightTensor{
				Name:  layer + ".weight",
				Shape: append([]int{}, weight.Shape...),
				Data:  append([]float32{}, weightData...),
				Layer: layer,
				Type:  "weight",
			},
			WeightTensor{
				Name:  layer + ".bias",
				Shape: append([]int{}, bias.Shape...),
				Data:  append([]float32{}, biasData...),
				Layer: layer,
				Type:  "bias",
			},
		)
	}

	return &Checkpoint{
		ModelSpec:     spec,
		Weights:       weights,
		TrainingState: state,
	}, nil
}

// BuildMLP reconstructs the model described by the checkpoint and loads
// its weights.
func (c *Checkpoint) BuildMLP() (*training.Sequential, error) {
	spec := c.ModelSpec
	model, err := training.NewMLP(spec.InputSize, spec.Hidden1, spec.Hidden2, spec.NumClasses)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build model")
	}

	params := model.Parameters()
	if len(c.Weights) != len(params) {
		return nil, errors.Errorf("weight count mismatch: %d in checkpoint, %d in model", len(c.Weights), len(params))
	}

	for i, weight := range c.Weights {
		param := params[i]

		if len(weight.Shape) != len(param.Shape) {
			return nil, errors.Errorf("shape mismatch for %s: checkpoint %v vs model %v",
				weight.Name, weight.Shape, param.Shape)
		}
		for j, dim := range weight.Shape {
			if dim != param.Shape[j] {
				return nil, errors.Errorf("dimension mismatch for %s at index %d: checkpoint %d vs model %d",
					weight.Name, j, dim, param.Shape[j])
			}
		}

		paramData, err := param.GetFloat32Data()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to access parameter data for %s", weight.Name)
		}
		if len(weight.Data) != len(paramData) {
			return nil, errors.Errorf("data size mismatch for %s: checkpoint %d vs model %d",
				weight.Name, len(weight.Data), len(paramData))
		}
		copy(paramData, weight.Data)
	}

	return model, nil
}

// Tensor returns the weight as a tensor, for inspection without rebuilding
// the whole model.
func (w *WeightTensor) Tensor() (*tensor.Tensor, error) {
	return tensor.NewTensor(w.Shape, tensor.Float32, append([]float32{}, w.Data...))
}
