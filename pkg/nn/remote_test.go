package nn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoteDetector(t *testing.T) {
	var gotContentType, gotThreshold string
	var gotBodySize int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotThreshold = r.URL.Query().Get("threshold")
		buf := make([]byte, 1<<20)
		n, _ := r.Body.Read(buf)
		gotBodySize = n
		json.NewEncoder(w).Encode(remoteResponse{
			Objects: []ObjectDetection{
				{Class: 0, Label: "drowning", Confidence: 0.87, Box: Rect{X: 10, Y: 20, Width: 30, Height: 40}},
			},
		})
	}))
	defer ts.Close()

	det := NewRemoteDetector(ts.URL, &ModelConfig{
		Architecture: "yolov8",
		Classes:      []string{"drowning", "swimming"},
	})
	defer det.Close()

	width, height := 32, 32
	pixels := make([]byte, width*height*3)
	objects, err := det.DetectObjects(3, pixels, width, height, NewDetectionParams())
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Equal(t, "drowning", objects[0].Label)
	require.Equal(t, Rect{X: 10, Y: 20, Width: 30, Height: 40}, objects[0].Box)

	require.Equal(t, "image/jpeg", gotContentType)
	require.Equal(t, "0.500", gotThreshold)
	require.Greater(t, gotBodySize, 0)
}

func TestRemoteDetectorErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	det := NewRemoteDetector(ts.URL, &ModelConfig{})
	pixels := make([]byte, 16*16*3)
	_, err := det.DetectObjects(3, pixels, 16, 16, NewDetectionParams())
	require.Error(t, err)

	// Wrong channel count is rejected before any network traffic
	_, err = det.DetectObjects(1, make([]byte, 16*16), 16, 16, NewDetectionParams())
	require.Error(t, err)
}
