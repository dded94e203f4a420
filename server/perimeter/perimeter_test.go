package perimeter

import (
	"testing"

	"github.com/aquasentry/aquasentry/pkg/nn"
	"github.com/aquasentry/aquasentry/server/config"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func uniformFrame(width, height int, v byte) *cimg.Image {
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for i := range img.Pixels {
		img.Pixels[i] = v
	}
	return img
}

func fillRegion(img *cimg.Image, x, y, width, height int, v byte) {
	for yy := y; yy < y+height; yy++ {
		p := yy*img.Stride + x*3
		for xx := 0; xx < width; xx++ {
			img.Pixels[p] = v
			img.Pixels[p+1] = v
			img.Pixels[p+2] = v
			p += 3
		}
	}
}

func fullFrameRect(t *testing.T, e *Engine, width, height int, ref *cimg.Image) {
	require.NoError(t, e.SetRectangle(0, 0, width, height, ref))
}

func TestConfigureValidation(t *testing.T) {
	e := NewEngine(logs.NewTestingLog(t), config.Default().Perimeter)
	ref := uniformFrame(20, 20, 0)

	// Too few vertices
	err := e.Configure([]nn.Point{{X: 0, Y: 0}, {X: 10, Y: 10}}, ref)
	require.ErrorIs(t, err, ErrInvalidPolygon)
	require.False(t, e.IsConfigured())

	// Nil reference frame
	err = e.Configure([]nn.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}}, nil)
	require.ErrorIs(t, err, ErrInvalidPolygon)

	// Degenerate (collinear) polygon encloses nothing
	err = e.Configure([]nn.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 19, Y: 0}}, ref)
	require.ErrorIs(t, err, ErrInvalidPolygon)

	// A 10x10 rectangle masks exactly 100 pixels
	require.NoError(t, e.SetRectangle(5, 5, 10, 10, ref))
	require.True(t, e.IsConfigured())
	require.Equal(t, 100, e.State().MaskArea)
}

func TestCheckOnceUnconfigured(t *testing.T) {
	e := NewEngine(logs.NewTestingLog(t), config.Default().Perimeter)
	obstructed, pct := e.CheckOnce(uniformFrame(20, 20, 128))
	require.False(t, obstructed)
	require.Equal(t, 0.0, pct)
}

func TestCheckOnceRules(t *testing.T) {
	e := NewEngine(logs.NewTestingLog(t), config.Default().Perimeter)
	ref := uniformFrame(100, 100, 0)
	fullFrameRect(t, e, 100, 100, ref)

	// Identical frame: nothing changed
	obstructed, pct := e.CheckOnce(uniformFrame(100, 100, 0))
	require.False(t, obstructed)
	require.Equal(t, 0.0, pct)

	// Fully changed frame: obstructed on percentage alone
	obstructed, pct = e.CheckOnce(uniformFrame(100, 100, 255))
	require.True(t, obstructed)
	require.InDelta(t, 100.0, pct, 0.01)

	// Large coherent blob (45x45 = 2025 px, 20% of mask): obstructed via contour
	frame := uniformFrame(100, 100, 0)
	fillRegion(frame, 10, 10, 45, 45, 255)
	obstructed, pct = e.CheckOnce(frame)
	require.True(t, obstructed)
	require.InDelta(t, 20.25, pct, 0.01)

	// Small blob (20x20 = 400 px = 4%): below the significance floor
	frame = uniformFrame(100, 100, 0)
	fillRegion(frame, 10, 10, 20, 20, 255)
	obstructed, pct = e.CheckOnce(frame)
	require.False(t, obstructed)
	require.InDelta(t, 4.0, pct, 0.01)

	// Scattered noise (8% changed, but every region is a single pixel):
	// enough percentage, no coherent contour, so not obstructed
	frame = uniformFrame(100, 100, 0)
	for y := 10; y < 50; y++ {
		for x := 10; x < 50; x++ {
			if (x+y)%2 == 0 {
				p := y*frame.Stride + x*3
				frame.Pixels[p] = 255
				frame.Pixels[p+1] = 255
				frame.Pixels[p+2] = 255
			}
		}
	}
	obstructed, pct = e.CheckOnce(frame)
	require.False(t, obstructed)
	require.InDelta(t, 8.0, pct, 0.01)
}

func TestCheckOncePixelThreshold(t *testing.T) {
	cfg := config.Default().Perimeter
	require.Equal(t, 45, cfg.DifferenceThreshold)
	e := NewEngine(logs.NewTestingLog(t), cfg)
	ref := uniformFrame(10, 10, 100)
	fullFrameRect(t, e, 10, 10, ref)

	// Difference of exactly the threshold does not count as changed
	_, pct := e.CheckOnce(uniformFrame(10, 10, 145))
	require.Equal(t, 0.0, pct)

	// One more unit does
	_, pct = e.CheckOnce(uniformFrame(10, 10, 146))
	require.InDelta(t, 100.0, pct, 0.01)
}

func TestChangedPctMonotonic(t *testing.T) {
	e := NewEngine(logs.NewTestingLog(t), config.Default().Perimeter)
	ref := uniformFrame(100, 100, 0)
	fullFrameRect(t, e, 100, 100, ref)

	last := -1.0
	for size := 10; size <= 90; size += 20 {
		frame := uniformFrame(100, 100, 0)
		fillRegion(frame, 0, 0, size, size, 255)
		_, pct := e.CheckOnce(frame)
		require.Greater(t, pct, last)
		last = pct
	}
}

func TestCheckOnceResizesMismatchedFrame(t *testing.T) {
	e := NewEngine(logs.NewTestingLog(t), config.Default().Perimeter)
	ref := uniformFrame(40, 40, 0)
	fullFrameRect(t, e, 40, 40, ref)

	// Frame at double resolution gets scaled down to the reference size
	obstructed, pct := e.CheckOnce(uniformFrame(80, 80, 255))
	require.True(t, obstructed)
	require.InDelta(t, 100.0, pct, 0.01)
}

func TestUpdateReference(t *testing.T) {
	e := NewEngine(logs.NewTestingLog(t), config.Default().Perimeter)

	require.ErrorIs(t, e.UpdateReference(uniformFrame(40, 40, 0)), ErrNotConfigured)

	fullFrameRect(t, e, 40, 40, uniformFrame(40, 40, 0))
	obstructed, _ := e.CheckOnce(uniformFrame(40, 40, 255))
	require.True(t, obstructed)

	// After adopting the white frame as the new background, it's clear
	require.NoError(t, e.UpdateReference(uniformFrame(40, 40, 255)))
	obstructed, pct := e.CheckOnce(uniformFrame(40, 40, 255))
	require.False(t, obstructed)
	require.Equal(t, 0.0, pct)
}

func TestStateReadableDuringChecks(t *testing.T) {
	// State() is read once per frame by the monitoring loop and by the API.
	// It must stay responsive (and race-free) while the heavy pixel work of
	// concurrent checks is going on.
	e := NewEngine(logs.NewTestingLog(t), config.Default().Perimeter)
	fullFrameRect(t, e, 200, 200, uniformFrame(200, 200, 0))

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
				s := e.State()
				require.True(t, s.Configured)
			}
		}
	}()

	const checks = 50
	frame := uniformFrame(200, 200, 255)
	for i := 0; i < checks; i++ {
		obstructed, _ := e.CheckOnce(frame)
		require.True(t, obstructed)
	}
	close(stop)
	<-readerDone
	require.Equal(t, int64(checks), e.State().TotalScans)
}

func TestReset(t *testing.T) {
	e := NewEngine(logs.NewTestingLog(t), config.Default().Perimeter)
	fullFrameRect(t, e, 40, 40, uniformFrame(40, 40, 0))
	require.True(t, e.IsConfigured())
	e.Reset()
	require.False(t, e.IsConfigured())
	obstructed, pct := e.CheckOnce(uniformFrame(40, 40, 255))
	require.False(t, obstructed)
	require.Equal(t, 0.0, pct)
}
