package nn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bmharper/cimg/v2"
)

// RemoteDetector runs inference on a separate process (typically a Python
// service wrapping the actual model), over HTTP. We send a JPEG, it sends
// back detections.
type RemoteDetector struct {
	url    string
	client *http.Client
	config *ModelConfig
}

// remoteResponse is the wire format of the inference service
// SYNC-REMOTE-DETECTION-RESPONSE
type remoteResponse struct {
	Objects []ObjectDetection `json:"objects"`
}

func NewRemoteDetector(url string, config *ModelConfig) *RemoteDetector {
	return &RemoteDetector{
		url:    url,
		config: config,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (d *RemoteDetector) Close() {
}

func (d *RemoteDetector) Config() *ModelConfig {
	return d.config
}

func (d *RemoteDetector) DetectObjects(nchan int, pixels []byte, width, height int, params *DetectionParams) ([]ObjectDetection, error) {
	if nchan != 3 {
		return nil, fmt.Errorf("RemoteDetector needs RGB input, not %v channels", nchan)
	}
	img := cimg.WrapImage(width, height, cimg.PixelFormatRGB, pixels)
	jpg, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, 90, 0))
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%v?threshold=%.3f", d.url, params.ProbabilityThreshold)
	resp, err := d.client.Post(url, "image/jpeg", bytes.NewReader(jpg))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Inference service returned %v: %v", resp.StatusCode, string(body))
	}
	parsed := remoteResponse{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("Failed to decode inference response: %w", err)
	}
	return parsed.Objects, nil
}
