package perimeter

import (
	"sync"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"github.com/aquasentry/aquasentry/server/config"
)

func TestDebounce(t *testing.T) {
	s := scanState{}
	require.False(t, s.reported)

	// A single positive is noise
	require.False(t, s.step(true))
	require.False(t, s.reported)

	// Back to clear resets the run
	require.False(t, s.step(false))
	require.False(t, s.step(true))
	require.False(t, s.reported)

	// Two in a row flips, exactly once
	require.True(t, s.step(true))
	require.True(t, s.reported)
	require.False(t, s.step(true))
	require.True(t, s.reported)

	// Same on the way down
	require.False(t, s.step(false))
	require.True(t, s.reported)
	require.True(t, s.step(false))
	require.False(t, s.reported)
}

func TestScanningLoop(t *testing.T) {
	cfg := config.Default().Perimeter
	cfg.ScanIntervalMS = 5
	e := NewEngine(logs.NewTestingLog(t), cfg)

	var frameLock sync.Mutex
	frame := uniformFrame(40, 40, 0)
	getFrame := func() *cimg.Image {
		frameLock.Lock()
		defer frameLock.Unlock()
		return frame
	}

	var flipLock sync.Mutex
	flips := []bool{}
	onChange := func(obstructed bool, pct float64) {
		flipLock.Lock()
		defer flipLock.Unlock()
		flips = append(flips, obstructed)
	}

	// Can't scan before configuring
	require.ErrorIs(t, e.StartScanning(getFrame, onChange), ErrNotConfigured)

	fullFrameRect(t, e, 40, 40, uniformFrame(40, 40, 0))
	require.NoError(t, e.StartScanning(getFrame, onChange))
	require.ErrorIs(t, e.StartScanning(getFrame, onChange), ErrAlreadyScanning)
	require.True(t, e.IsScanning())

	// Clear frame: no flips, no matter how many scans run
	require.Eventually(t, func() bool { return e.State().TotalScans >= 3 }, time.Second, time.Millisecond)
	flipLock.Lock()
	require.Empty(t, flips)
	flipLock.Unlock()

	// Obstruct. One flip to true, no repeats.
	frameLock.Lock()
	frame = uniformFrame(40, 40, 255)
	frameLock.Unlock()
	require.Eventually(t, func() bool { return e.State().Obstructed }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	flipLock.Lock()
	require.Equal(t, []bool{true}, flips)
	flipLock.Unlock()

	// Clear again. One flip back to false.
	frameLock.Lock()
	frame = uniformFrame(40, 40, 0)
	frameLock.Unlock()
	require.Eventually(t, func() bool { return !e.State().Obstructed }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	flipLock.Lock()
	require.Equal(t, []bool{true, false}, flips)
	flipLock.Unlock()

	e.StopScanning()
	require.False(t, e.IsScanning())

	// Restart begins from a clean debounce state
	require.NoError(t, e.StartScanning(getFrame, onChange))
	require.False(t, e.State().Obstructed)
	e.StopScanning()
}
