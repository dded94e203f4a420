package detect

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aquasentry/aquasentry/pkg/nn"
	"github.com/aquasentry/aquasentry/pkg/perfstats"
	"github.com/aquasentry/aquasentry/server/config"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
)

// Package detect runs the object detection engine on its own thread, decoupled
// from frame acquisition. Submission never blocks: the queue holds a single
// frame, and while it is occupied newly submitted frames are dropped.
// Consumers read the most recent completed result as an immutable snapshot.

// Result is an immutable snapshot of one completed inference (or the
// placeholder, before the first inference finishes). Once published, a Result
// is never mutated, so readers on any thread may hold onto it.
type Result struct {
	Objects       []nn.ObjectDetection
	HazardRaw     bool // True if this particular inference saw a hazard class. See Pipeline.HazardActive for the time-filtered signal.
	FramePTS      time.Time
	Annotated     *cimg.Image
	EngineFailure bool // True if this snapshot was produced from a failed inference
}

// Same-class boxes overlapping at least this much are one object
const duplicateIOU = 0.85

type queuedFrame struct {
	frame *cimg.Image
	pts   time.Time
}

// Stats is a point-in-time copy of the pipeline's counters
type Stats struct {
	Submitted       int64   `json:"submitted"`
	Processed       int64   `json:"processed"`
	Dropped         int64   `json:"dropped"`
	Failures        int64   `json:"failures"`
	AvgInferenceMS  float64 `json:"avgInferenceMS"`
	EngineAbandoned bool    `json:"engineAbandoned"`
}

// Pipeline owns the detection thread
type Pipeline struct {
	log           logs.Log
	hazardClasses nn.HazardClassSet
	params        *nn.DetectionParams
	frameSkip     int
	minInterval   time.Duration
	hold          time.Duration
	maxFailures   int

	detectorLock sync.Mutex // Guards detector, which the supervisor can swap out
	detector     nn.ObjectDetector

	queue    chan queuedFrame
	stop     chan struct{} // Closed by Close, to wake the worker
	stopped  chan struct{} // Closed by the worker on exit
	mustStop atomic.Bool

	latest atomic.Pointer[Result]

	timeLock sync.Mutex
	nowFunc  func() time.Time // Injectable for tests

	frameCounter  int64
	lastAcceptPTS time.Time
	lastHazardAt  atomic.Int64 // Unix nanoseconds of the most recent positive inference. Zero = never.

	nSubmitted     atomic.Int64
	nProcessed     atomic.Int64
	nDropped       atomic.Int64
	nFailures      atomic.Int64
	consecFailures int64 // Worker thread only
	abandoned      atomic.Bool
	avgInferNanos  atomic.Int64

	lastErr   error
	lastErrAt time.Time
}

// NewPipeline wraps detector and starts the detection thread.
// The pipeline takes ownership of the detector, and closes it when the
// pipeline is closed.
func NewPipeline(log logs.Log, detector nn.ObjectDetector, cfg *config.Detection) *Pipeline {
	hazard := nn.ResolveHazardClasses(detector.Config().Classes, cfg.HazardLabels)
	if hazard.IsEmpty() {
		log.Warnf("None of the hazard labels %v match a model class. Hazard detection is effectively disabled.", cfg.HazardLabels)
	}
	params := nn.NewDetectionParams()
	if cfg.ProbabilityMin > 0 {
		params.ProbabilityThreshold = float32(cfg.ProbabilityMin)
	}
	frameSkip := cfg.FrameSkip
	if frameSkip < 1 {
		frameSkip = 1
	}
	minInterval := time.Duration(0)
	if cfg.TargetFPS > 0 {
		minInterval = time.Second / time.Duration(cfg.TargetFPS)
	}
	p := &Pipeline{
		log:           log,
		detector:      detector,
		hazardClasses: hazard,
		params:        params,
		frameSkip:     frameSkip,
		minInterval:   minInterval,
		hold:          time.Duration(cfg.HoldSeconds * float64(time.Second)),
		maxFailures:   cfg.MaxFailures,
		queue:         make(chan queuedFrame, 1),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
		nowFunc:       time.Now,
	}
	p.latest.Store(&Result{
		Annotated: PlaceholderFrame("INITIALIZING..."),
	})
	go p.runDetections()
	return p
}

func (p *Pipeline) now() time.Time {
	p.timeLock.Lock()
	defer p.timeLock.Unlock()
	return p.nowFunc()
}

// setNowFunc replaces the pipeline's clock. Tests only.
func (p *Pipeline) setNowFunc(f func() time.Time) {
	p.timeLock.Lock()
	defer p.timeLock.Unlock()
	p.nowFunc = f
}

// Submit offers a frame to the detection thread. Returns true if the frame
// was enqueued. False means the frame was rejected by the skip/rate gate, or
// dropped because the worker is still busy with an earlier frame. Dropping
// is backpressure, not an error: a stale frame is worth less than an empty
// queue. Submit never blocks, no matter how slow the detector is.
func (p *Pipeline) Submit(frame *cimg.Image, pts time.Time) bool {
	if p.mustStop.Load() {
		return false
	}
	p.frameCounter++
	if p.frameCounter%int64(p.frameSkip) != 0 {
		return false
	}
	now := p.now()
	if p.minInterval != 0 && !p.lastAcceptPTS.IsZero() && now.Sub(p.lastAcceptPTS) < p.minInterval {
		return false
	}
	p.lastAcceptPTS = now
	p.nSubmitted.Add(1)

	select {
	case p.queue <- queuedFrame{frame: frame, pts: pts}:
		return true
	default:
		p.nDropped.Add(1)
		return false
	}
}

// Latest returns the most recent detection snapshot. Never nil.
func (p *Pipeline) Latest() *Result {
	return p.latest.Load()
}

// Detect is the submit-and-fetch form: offer a frame, and immediately return
// the most recent completed snapshot (which is usually from an earlier
// frame, since inference runs behind acquisition).
func (p *Pipeline) Detect(frame *cimg.Image, pts time.Time) *Result {
	p.Submit(frame, pts)
	return p.Latest()
}

// HazardActive reports whether a hazard was seen recently enough to still
// count. A positive inference raises the flag for the configured hold
// duration, which smooths over the gaps between processed frames.
func (p *Pipeline) HazardActive() bool {
	last := p.lastHazardAt.Load()
	if last == 0 {
		return false
	}
	return p.now().Sub(time.Unix(0, last)) <= p.hold
}

// EngineAbandoned is true once the supervisor has given up on the real
// detector and swapped in the null detector.
func (p *Pipeline) EngineAbandoned() bool {
	return p.abandoned.Load()
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted:       p.nSubmitted.Load(),
		Processed:       p.nProcessed.Load(),
		Dropped:         p.nDropped.Load(),
		Failures:        p.nFailures.Load(),
		AvgInferenceMS:  float64(p.avgInferNanos.Load()) / 1e6,
		EngineAbandoned: p.abandoned.Load(),
	}
}

// Close stops the detection thread and closes the detector.
// Waits up to 2 seconds for an in-flight inference to finish.
func (p *Pipeline) Close() {
	if p.mustStop.Swap(true) {
		return
	}
	close(p.stop)
	select {
	case <-p.stopped:
	case <-time.After(2 * time.Second):
		p.log.Warnf("Detection thread failed to stop in time")
	}
	p.detectorLock.Lock()
	p.detector.Close()
	p.detectorLock.Unlock()
}

func (p *Pipeline) runDetections() {
	defer close(p.stopped)
	for {
		select {
		case <-p.stop:
			return
		case item := <-p.queue:
			p.processFrame(item)
		}
	}
}

func (p *Pipeline) processFrame(item queuedFrame) {
	// Detectors are foreign code (native engines, remote adapters), and a
	// malformed frame must not take the process down with it. A panic counts
	// as an inference failure, toward the null detector fallback.
	defer func() {
		if r := recover(); r != nil {
			p.onInferenceError(item, fmt.Errorf("panic in detector: %v", r))
		}
	}()
	frame := item.frame
	if frame.NChan() != 3 {
		frame = frame.ToRGB()
	}
	p.detectorLock.Lock()
	detector := p.detector
	p.detectorLock.Unlock()

	// Resize to the model's native resolution, and scale detections back up
	// into frame coordinates.
	modelW := detector.Config().Width
	modelH := detector.Config().Height
	inferImg := frame
	scaleX := float32(1)
	scaleY := float32(1)
	if modelW > 0 && modelH > 0 && (frame.Width != modelW || frame.Height != modelH) {
		inferImg = cimg.ResizeNew(frame, modelW, modelH, nil)
		scaleX = float32(frame.Width) / float32(modelW)
		scaleY = float32(frame.Height) / float32(modelH)
	}

	start := time.Now()
	objects, err := detector.DetectObjects(inferImg.NChan(), inferImg.Pixels, inferImg.Width, inferImg.Height, p.params)
	perfstats.UpdateMovingAverage(&p.avgInferNanos, time.Now().Sub(start).Nanoseconds())

	if err != nil {
		p.onInferenceError(item, err)
		return
	}
	p.consecFailures = 0

	if scaleX != 1 || scaleY != 1 {
		for i := range objects {
			objects[i].Box = objects[i].Box.Scale(scaleX, scaleY)
		}
	}
	objects = nn.MergeOverlapping(objects, duplicateIOU)

	hazard := false
	for _, obj := range objects {
		if p.hazardClasses.Contains(obj.Class) {
			hazard = true
			break
		}
	}
	if hazard {
		p.lastHazardAt.Store(p.now().UnixNano())
	}

	p.latest.Store(&Result{
		Objects:   objects,
		HazardRaw: hazard,
		FramePTS:  item.pts,
		Annotated: Annotate(frame, objects, p.hazardClasses),
	})
	p.nProcessed.Add(1)
}

func (p *Pipeline) onInferenceError(item queuedFrame, err error) {
	p.nFailures.Add(1)
	p.consecFailures++
	now := time.Now()
	if p.lastErr == nil || err.Error() != p.lastErr.Error() || now.Sub(p.lastErrAt) > 15*time.Second {
		p.log.Errorf("Inference failed (%v consecutive): %v", p.consecFailures, err)
		p.lastErr = err
		p.lastErrAt = now
	}
	p.latest.Store(&Result{
		FramePTS:      item.pts,
		Annotated:     ErrorFrame(item.frame, "DETECTION ERROR"),
		EngineFailure: true,
	})
	if p.maxFailures > 0 && p.consecFailures >= int64(p.maxFailures) && !p.abandoned.Load() {
		p.log.Criticalf("Detection engine failed %v times in a row. Abandoning it and switching to the null detector.", p.consecFailures)
		p.detectorLock.Lock()
		old := p.detector
		p.detector = NewNullDetector(old.Config())
		p.detectorLock.Unlock()
		old.Close()
		p.abandoned.Store(true)
	}
}
