package detect

import (
	"github.com/aquasentry/aquasentry/pkg/nn"
)

// NullDetector is a detector that never detects anything. The supervisor
// swaps it in when the real engine has failed too many times in a row, and
// it also serves as the engine when no inference backend is available, so
// the rest of the system (perimeter scanning, signalling, the API) keeps
// running.
type NullDetector struct {
	config *nn.ModelConfig
}

func NewNullDetector(config *nn.ModelConfig) *NullDetector {
	if config == nil {
		config = &nn.ModelConfig{
			Architecture: "null",
		}
	}
	return &NullDetector{config: config}
}

func (d *NullDetector) Close() {
}

func (d *NullDetector) DetectObjects(nchan int, pixels []byte, width, height int, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	return nil, nil
}

func (d *NullDetector) Config() *nn.ModelConfig {
	return d.config
}
