package monitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aquasentry/aquasentry/pkg/nn"
	"github.com/aquasentry/aquasentry/server/alert"
	"github.com/aquasentry/aquasentry/server/alertdb"
	"github.com/aquasentry/aquasentry/server/config"
	"github.com/aquasentry/aquasentry/server/detect"
	"github.com/aquasentry/aquasentry/server/perimeter"
	"github.com/aquasentry/aquasentry/server/videosource"
	"github.com/bmharper/cimg/v2"
	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
)

// Package monitor is the heart of the system. It pulls frames from the
// source, feeds the detection pipeline and the perimeter engine, and steps
// the alert machine once per frame with both verdicts.

// How many recent transitions we keep in memory for the API. Power of 2.
const recentTransitionCount = 64

// Status is a full snapshot of the running system, for the API and the UI
type Status struct {
	Session      alert.SessionState `json:"session"`
	HazardActive bool               `json:"hazardActive"`
	Detection    detect.Stats       `json:"detection"`
	Perimeter    perimeter.State    `json:"perimeter"`
	FramesRead   int64              `json:"framesRead"`
	Recent       []alert.Transition `json:"recent"`
}

// Monitor owns the monitoring loop and all the engines under it
type Monitor struct {
	Log logs.Log

	cfg       *config.Config
	source    videosource.FrameSource
	pipeline  *detect.Pipeline
	perimeter *perimeter.Engine
	machine   *alert.Machine
	db        *alertdb.AlertDB // Optional

	mustStop    atomic.Bool
	loopStopped chan struct{}
	framesRead  atomic.Int64

	lastFrameLock sync.Mutex
	lastFrame     *cimg.Image

	recentLock sync.Mutex
	recent     ringbuffer.RingP[alert.Transition]

	watchersLock sync.RWMutex
	watchers     []chan alert.Transition
}

// NewMonitor assembles the engines. The monitor takes ownership of source
// and sink, and closes them on Stop. db may be nil, in which case history
// is kept in memory only.
func NewMonitor(log logs.Log, cfg *config.Config, source videosource.FrameSource, detector nn.ObjectDetector, sink alert.Sink, db *alertdb.AlertDB) *Monitor {
	m := &Monitor{
		Log:         log,
		cfg:         cfg,
		source:      source,
		db:          db,
		loopStopped: make(chan struct{}),
		recent:      ringbuffer.NewRingP[alert.Transition](recentTransitionCount),
	}
	m.pipeline = detect.NewPipeline(log, detector, &cfg.Detection)
	m.perimeter = perimeter.NewEngine(log, cfg.Perimeter)
	m.machine = alert.NewMachine(log, sink,
		time.Duration(cfg.Alert.MinObstructionSeconds*float64(time.Second)),
		m.onTransition)
	return m
}

// Start the monitoring loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop shuts everything down in dependency order, ending with the
// unconditional clear signal.
func (m *Monitor) Stop() {
	if m.mustStop.Swap(true) {
		return
	}
	select {
	case <-m.loopStopped:
	case <-time.After(2 * time.Second):
		m.Log.Warnf("Monitor loop failed to stop in time")
	}
	m.perimeter.StopScanning()
	m.pipeline.Close()
	m.machine.Stop(time.Now())
	m.source.Close()
	m.Log.Infof("Monitor stopped")
}

// Perimeter returns the obstruction engine, for the API
func (m *Monitor) Perimeter() *perimeter.Engine {
	return m.perimeter
}

// ConfigurePerimeter sets the perimeter polygon, using the most recent
// frame as the background reference, and starts continuous scanning.
func (m *Monitor) ConfigurePerimeter(vertices []nn.Point) error {
	frame := m.LastFrame()
	if frame == nil {
		return errors.New("no frame available yet to use as reference")
	}
	if err := m.perimeter.Configure(vertices, frame); err != nil {
		return err
	}
	return m.startScanning()
}

// UpdatePerimeterReference adopts the most recent frame as the new
// background reference.
func (m *Monitor) UpdatePerimeterReference() error {
	frame := m.LastFrame()
	if frame == nil {
		return errors.New("no frame available yet to use as reference")
	}
	return m.perimeter.UpdateReference(frame)
}

// ResetPerimeter drops the perimeter configuration and stops scanning
func (m *Monitor) ResetPerimeter() {
	m.perimeter.Reset()
}

func (m *Monitor) startScanning() error {
	err := m.perimeter.StartScanning(m.LastFrame, func(obstructed bool, pct float64) {
		if obstructed {
			m.Log.Warnf("Perimeter obstructed (%.1f%% changed)", pct)
		} else {
			m.Log.Infof("Perimeter clear again")
		}
	})
	if err == perimeter.ErrAlreadyScanning {
		return nil
	}
	return err
}

// LastFrame returns the most recent frame read from the source, or nil if
// none has been read yet. The returned image is a snapshot that the caller
// may keep.
func (m *Monitor) LastFrame() *cimg.Image {
	m.lastFrameLock.Lock()
	defer m.lastFrameLock.Unlock()
	return m.lastFrame
}

// LatestAnnotated returns the most recent detection frame with the
// perimeter polygon drawn over it. Never nil.
func (m *Monitor) LatestAnnotated() *cimg.Image {
	frame := m.pipeline.Latest().Annotated
	if m.perimeter.IsConfigured() {
		frame = m.perimeter.Overlay(frame)
	}
	return frame
}

// Status returns a snapshot of the whole system
func (m *Monitor) Status() Status {
	m.recentLock.Lock()
	recent := make([]alert.Transition, 0, m.recent.Len())
	for i := m.recent.Len() - 1; i >= 0; i-- {
		recent = append(recent, m.recent.Peek(i))
	}
	m.recentLock.Unlock()
	return Status{
		Session:      m.machine.Session(),
		HazardActive: m.pipeline.HazardActive(),
		Detection:    m.pipeline.Stats(),
		Perimeter:    m.perimeter.State(),
		FramesRead:   m.framesRead.Load(),
		Recent:       recent,
	}
}

func (m *Monitor) run() {
	defer close(m.loopStopped)
	lastErrAt := time.Time{}
	for !m.mustStop.Load() {
		frame, pts, err := m.source.NextFrame()
		if err == videosource.ErrEndOfStream {
			m.Log.Infof("Frame source ended")
			return
		}
		if err != nil {
			if time.Now().Sub(lastErrAt) > 15*time.Second {
				m.Log.Errorf("Failed to read frame: %v", err)
				lastErrAt = time.Now()
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		m.framesRead.Add(1)
		m.setLastFrame(frame)
		m.pipeline.Submit(frame, pts)

		obstructed := false
		if s := m.perimeter.State(); s.Scanning {
			obstructed = s.Obstructed
		}
		m.machine.Step(time.Now(), m.pipeline.HazardActive(), obstructed)
	}
}

func (m *Monitor) setLastFrame(frame *cimg.Image) {
	m.lastFrameLock.Lock()
	m.lastFrame = frame
	m.lastFrameLock.Unlock()
}

// onTransition is called by the alert machine from its stepping thread,
// with no machine lock held
func (m *Monitor) onTransition(tr alert.Transition) {
	m.recentLock.Lock()
	m.recent.Add(tr)
	m.recentLock.Unlock()

	if m.db != nil {
		detail := &alertdb.EventDetail{
			ChangedPct:   m.perimeter.State().ChangedPct,
			HazardActive: m.pipeline.HazardActive(),
		}
		if err := m.db.RecordTransition(tr, detail); err != nil {
			m.Log.Errorf("Failed to record alert transition: %v", err)
		}
	}
	m.sendToWatchers(tr)
}
