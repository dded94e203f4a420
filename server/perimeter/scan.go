package perimeter

import (
	"errors"
	"time"

	"github.com/bmharper/cimg/v2"
)

var ErrAlreadyScanning = errors.New("perimeter scanning is already running")

// scanState is the debounce filter between raw per-frame verdicts and the
// reported obstruction state. A single contradictory reading is treated as
// noise; two in a row flip the state.
type scanState struct {
	reported bool
	run      int // Consecutive raw readings that contradict 'reported'
}

// step feeds one raw reading into the filter. Returns true if the reported
// state flipped on this reading.
func (s *scanState) step(raw bool) bool {
	if raw == s.reported {
		s.run = 0
		return false
	}
	s.run++
	if s.run >= 2 {
		s.reported = raw
		s.run = 0
		return true
	}
	return false
}

type scanner struct {
	state   scanState
	stop    chan struct{}
	stopped chan struct{}
}

// StartScanning runs the continuous obstruction loop on its own thread.
// frames must return the most recent frame (or nil if none is available
// yet). onChange fires exactly once per debounced state flip, from the
// scanning thread, with no engine lock held.
func (e *Engine) StartScanning(frames func() *cimg.Image, onChange func(obstructed bool, pct float64)) error {
	e.lock.Lock()
	if e.mask == nil {
		e.lock.Unlock()
		return ErrNotConfigured
	}
	if e.scan != nil {
		e.lock.Unlock()
		return ErrAlreadyScanning
	}
	s := &scanner{
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	e.scan = s
	e.lock.Unlock()

	interval := time.Duration(e.cfg.ScanIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	go e.runScan(s, interval, frames, onChange)
	return nil
}

// StopScanning stops the loop and waits for it to exit. The debounce state
// is discarded, so a subsequent StartScanning begins from "clear".
func (e *Engine) StopScanning() {
	e.lock.Lock()
	s := e.scan
	e.scan = nil
	if s != nil {
		e.lastPct = 0
	}
	e.lock.Unlock()
	if s == nil {
		return
	}
	close(s.stop)
	select {
	case <-s.stopped:
	case <-time.After(2 * time.Second):
		e.log.Warnf("Scan thread failed to stop in time")
	}
}

// IsScanning returns true while the scanning loop is running
func (e *Engine) IsScanning() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.scan != nil
}

func (e *Engine) runScan(s *scanner, interval time.Duration, frames func() *cimg.Image, onChange func(bool, float64)) {
	defer close(s.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			frame := frames()
			if frame == nil {
				e.lock.Lock()
				e.failedScans++
				e.lock.Unlock()
				continue
			}
			flipped, obstructed, pct := e.scanStep(s, frame)
			if flipped && onChange != nil {
				onChange(obstructed, pct)
			}
		}
	}
}

func (e *Engine) scanStep(s *scanner, frame *cimg.Image) (flipped, obstructed bool, pct float64) {
	e.lock.Lock()
	snap, ok := e.snapshotLocked()
	e.lock.Unlock()
	if !ok {
		return false, s.state.reported, 0
	}
	raw, pct := e.compare(snap, frame)

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.scan != s {
		// StopScanning raced us while we were comparing. Its reset wins.
		return false, s.state.reported, 0
	}
	e.recordScanLocked(pct)
	flipped = s.state.step(raw)
	return flipped, s.state.reported, pct
}
