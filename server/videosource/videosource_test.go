package videosource

import (
	"path/filepath"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/stretchr/testify/require"
)

func writeFrame(t *testing.T, dir, name string, brightness byte) {
	img := cimg.NewImage(16, 16, cimg.PixelFormatRGB)
	for i := range img.Pixels {
		img.Pixels[i] = brightness
	}
	require.NoError(t, img.WriteJPEG(filepath.Join(dir, name), cimg.MakeCompressParams(cimg.Sampling444, 99, 0), 0644))
}

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	// Written out of order; playback must be name-sorted
	writeFrame(t, dir, "frame_0002.jpg", 128)
	writeFrame(t, dir, "frame_0001.jpg", 0)
	writeFrame(t, dir, "frame_0003.jpg", 255)

	src, err := NewDirectorySource(dir, 1000, false)
	require.NoError(t, err)
	defer src.Close()

	brightness := []byte{}
	for i := 0; i < 3; i++ {
		frame, pts, err := src.NextFrame()
		require.NoError(t, err)
		require.False(t, pts.IsZero())
		require.Equal(t, 16, frame.Width)
		brightness = append(brightness, frame.Pixels[0])
	}
	// JPEG is lossy, so just check the ordering is dark, mid, bright
	require.Less(t, brightness[0], brightness[1])
	require.Less(t, brightness[1], brightness[2])

	_, _, err = src.NextFrame()
	require.ErrorIs(t, err, ErrEndOfStream)
}

func TestDirectorySourceLoop(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, dir, "a.jpg", 10)
	writeFrame(t, dir, "b.jpg", 200)

	src, err := NewDirectorySource(dir, 1000, true)
	require.NoError(t, err)
	defer src.Close()

	for i := 0; i < 5; i++ {
		_, _, err := src.NextFrame()
		require.NoError(t, err)
	}
}

func TestDirectorySourceEmpty(t *testing.T) {
	_, err := NewDirectorySource(t.TempDir(), 25, false)
	require.Error(t, err)
}
