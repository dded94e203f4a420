package nn

import (
	"encoding/json"
	"os"
	"sort"
)

// Package nn is the interface layer between the monitoring core and whatever
// object detection engine is plugged into it. The engine itself is an opaque
// capability; everything here is the data model around it.

const DefaultProbabilityThreshold = 0.5

// ObjectDetection is an object that a detector has found in an image
type ObjectDetection struct {
	Class      int     `json:"class"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// MergeOverlapping collapses near-duplicate detections: boxes of the same
// class whose IOU is at least minIOU are reduced to the single most
// confident one. Engines sometimes emit two boxes for one object,
// particularly near the probability threshold.
func MergeOverlapping(objects []ObjectDetection, minIOU float32) []ObjectDetection {
	if len(objects) < 2 {
		return objects
	}
	sorted := make([]ObjectDetection, len(objects))
	copy(sorted, objects)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })
	keep := make([]ObjectDetection, 0, len(sorted))
	for _, obj := range sorted {
		duplicate := false
		for _, k := range keep {
			if k.Class == obj.Class && k.Box.IOU(obj.Box) >= minIOU {
				duplicate = true
				break
			}
		}
		if !duplicate {
			keep = append(keep, obj)
		}
	}
	return keep
}

// Detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
	}
}

// ObjectDetector is given an image, and returns zero or more detected objects
type ObjectDetector interface {
	// Close the detector (you MUST call this when finished, in case the implementation owns native resources)
	Close()

	// DetectObjects returns a list of objects detected in the image.
	// nchan is expected to be 3, and pixels is a 24-bit RGB image.
	// You can create a default DetectionParams with NewDetectionParams()
	DetectObjects(nchan int, pixels []byte, width, height int, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["drowning", "swimming", ...]
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}
