package training

import (
	"fmt"
	"log"
	"time"

	"cifarnet/tensor"
)

// SessionState tracks where a Session is in its lifecycle.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionRunning
	SessionCompleted
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionRunning:
		return "running"
	case SessionCompleted:
		return "completed"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionConfig holds configuration for a training run
type SessionConfig struct {
	Epochs   int
	LogEvery int // Log epoch summary every N epochs (0 = every epoch)
}

// EpochMetrics holds metrics for a single epoch
type EpochMetrics struct {
	Epoch         int
	Loss          float64
	Accuracy      float64
	EpochDuration time.Duration
	BatchCount    int
}

// Session drives the training loop: for every batch it zeroes gradients,
// runs the forward pass, computes the loss, backpropagates and applies an
// optimizer step. Per-epoch mean losses accumulate in History so callers
// can inspect convergence after the run.
type Session struct {
	model     Module
	optimizer Optimizer
	criterion Loss
	config    SessionConfig
	state     SessionState
	history   []float64
	metrics   []EpochMetrics
}

// NewSession creates a new training session
func NewSession(model Module, optimizer Optimizer, criterion Loss, config SessionConfig) (*Session, error) {
	if model == nil {
		return nil, fmt.Errorf("model must not be nil")
	}
	if optimizer == nil {
		return nil, fmt.Errorf("optimizer must not be nil")
	}
	if criterion == nil {
		return nil, fmt.Errorf("criterion must not be nil")
	}
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.LogEvery < 0 {
		return nil, fmt.Errorf("log interval must be non-negative, got %d", config.LogEvery)
	}
	if config.LogEvery == 0 {
		config.LogEvery = 1
	}

	return &Session{
		model:     model,
		optimizer: optimizer,
		criterion: criterion,
		config:    config,
		state:     SessionIdle,
		history:   make([]float64, 0, config.Epochs),
		metrics:   make([]EpochMetrics, 0, config.Epochs),
	}, nil
}

// Fit runs the complete training loop over the loader. A session is single
// use; calling Fit a second time returns an error.
func (s *Session) Fit(loader *DataLoader) error {
	if s.state != SessionIdle {
		return fmt.Errorf("session already %s", s.state)
	}
	if loader == nil {
		return fmt.Errorf("loader must not be nil")
	}

	s.state = SessionRunning
	s.model.Train()

	for epoch := 0; epoch < s.config.Epochs; epoch++ {
		epochStart := time.Now()

		avgLoss, accuracy, batchCount, err := s.trainEpoch(loader)
		if err != nil {
			s.state = SessionFailed
			return fmt.Errorf("training epoch %d failed: %v", epoch, err)
		}

		s.history = append(s.history, avgLoss)
		s.metrics = append(s.metrics, EpochMetrics{
			Epoch:         epoch,
			Loss:          avgLoss,
			Accuracy:      accuracy,
			EpochDuration: time.Since(epochStart),
			BatchCount:    batchCount,
		})

		if (epoch+1)%s.config.LogEvery == 0 {
			log.Printf("Epoch [%d] loss: %.3f", epoch, avgLoss)
		}
	}

	s.state = SessionCompleted
	return nil
}

// trainEpoch runs one training epoch and returns the mean of the per-batch
// losses.
func (s *Session) trainEpoch(loader *DataLoader) (float64, float64, int, error) {
	var totalLoss float64
	var totalCorrect int
	var totalSamples int
	var batchCount int

	loader.Reset()

	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return 0, 0, 0, fmt.Errorf("batch load failed: %v", err)
		}
		if batch == nil {
			break
		}

		s.optimizer.ZeroGrad()

		output, err := s.model.Forward(batch.Data)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("forward pass failed: %v", err)
		}

		loss, err := s.criterion.Forward(output, batch.Labels)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("loss computation failed: %v", err)
		}

		lossValue, err := loss.Item()
		if err != nil {
			return 0, 0, 0, fmt.Errorf("failed to get loss value: %v", err)
		}

		if err := loss.Backward(); err != nil {
			return 0, 0, 0, fmt.Errorf("backward pass failed: %v", err)
		}

		if err := s.optimizer.Step(); err != nil {
			return 0, 0, 0, fmt.Errorf("optimizer step failed: %v", err)
		}

		totalLoss += float64(lossValue.(float32))
		totalSamples += batch.Size()
		batchCount++

		if batch.Labels.DType == tensor.Int32 {
			correct, err := countCorrect(output, batch.Labels)
			if err != nil {
				return 0, 0, 0, fmt.Errorf("accuracy calculation failed: %v", err)
			}
			totalCorrect += correct
		}
	}

	if batchCount == 0 {
		return 0, 0, 0, fmt.Errorf("loader produced no batches")
	}

	avgLoss := totalLoss / float64(batchCount)
	accuracy := float64(totalCorrect) / float64(totalSamples) * 100.0

	return avgLoss, accuracy, batchCount, nil
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return s.state
}

// History returns the mean batch loss of each epoch in epoch order.
func (s *Session) History() []float64 {
	return s.history
}

// Metrics returns all per-epoch metrics recorded so far.
func (s *Session) Metrics() []EpochMetrics {
	return s.metrics
}

// Model returns the model being trained.
func (s *Session) Model() Module {
	return s.model
}

// Predict runs inference on a single batch
func (s *Session) Predict(input *tensor.Tensor) (*tensor.Tensor, error) {
	s.model.Eval()
	return s.model.Forward(input)
}
