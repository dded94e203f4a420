package nn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRectOverlap(t *testing.T) {
	a := Rect{X: 0, Y: 0, Width: 10, Height: 10}
	b := Rect{X: 5, Y: 5, Width: 10, Height: 10}
	require.Equal(t, Rect{X: 5, Y: 5, Width: 5, Height: 5}, a.Intersection(b))
	require.Equal(t, Rect{X: 0, Y: 0, Width: 15, Height: 15}, a.Union(b))
	require.InDelta(t, 25.0/175.0, a.IOU(b), 1e-6)

	// Disjoint rectangles have zero intersection, so zero IOU
	c := Rect{X: 100, Y: 100, Width: 4, Height: 4}
	require.Equal(t, 0, a.Intersection(c).Area())
	require.Equal(t, float32(0), a.IOU(c))
}

func TestRectScale(t *testing.T) {
	r := Rect{X: 10, Y: 20, Width: 30, Height: 40}
	require.Equal(t, Rect{X: 20, Y: 30, Width: 60, Height: 60}, r.Scale(2, 1.5))
	// Rounds to nearest, rather than truncating toward zero
	require.Equal(t, Rect{X: 3, Y: 7, Width: 10, Height: 13}, r.Scale(0.33, 0.33))
}

func TestMergeOverlapping(t *testing.T) {
	near := func(conf float32) ObjectDetection {
		return ObjectDetection{Class: 0, Label: "drowning", Confidence: conf, Box: Rect{X: 10, Y: 10, Width: 50, Height: 50}}
	}
	shifted := ObjectDetection{Class: 0, Label: "drowning", Confidence: 0.7, Box: Rect{X: 11, Y: 10, Width: 50, Height: 50}}
	far := ObjectDetection{Class: 0, Label: "drowning", Confidence: 0.6, Box: Rect{X: 200, Y: 200, Width: 50, Height: 50}}
	otherClass := ObjectDetection{Class: 1, Label: "swimming", Confidence: 0.6, Box: Rect{X: 10, Y: 10, Width: 50, Height: 50}}

	// Two near-identical boxes of the same class collapse to the most confident one
	merged := MergeOverlapping([]ObjectDetection{near(0.6), shifted, near(0.9)}, 0.85)
	require.Len(t, merged, 1)
	require.Equal(t, float32(0.9), merged[0].Confidence)

	// Distinct objects and distinct classes survive, even at full overlap
	merged = MergeOverlapping([]ObjectDetection{near(0.9), far, otherClass}, 0.85)
	require.Len(t, merged, 3)

	// Single detections pass through untouched
	single := []ObjectDetection{near(0.5)}
	require.Equal(t, single, MergeOverlapping(single, 0.85))
}
