package perimeter

import (
	"errors"
	"image"
	"sync"
	"time"

	"github.com/aquasentry/aquasentry/pkg/gen"
	"github.com/aquasentry/aquasentry/pkg/nn"
	"github.com/aquasentry/aquasentry/server/config"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/fogleman/gg"
)

// Package perimeter watches a polygonal region of the frame for obstruction,
// by differencing incoming frames against a stored background reference.
// It answers one question: is the safety perimeter blocked from view?

var (
	ErrInvalidPolygon = errors.New("perimeter polygon needs at least 3 vertices enclosing a non-empty area")
	ErrNotConfigured  = errors.New("perimeter is not configured")
)

// If the changed fraction alone exceeds this, we don't require a large
// connected region. A near-total change (camera covered, lens blocked) has
// no coherent contour to find.
const minSignificantPct = 5.0

// State is a point-in-time snapshot of the engine
type State struct {
	Configured  bool       `json:"configured"`
	Scanning    bool       `json:"scanning"`
	Obstructed  bool       `json:"obstructed"` // Debounced. Only meaningful while scanning.
	ChangedPct  float64    `json:"changedPct"` // From the most recent scan
	MaskArea    int        `json:"maskArea"`   // Number of pixels inside the polygon
	Vertices    []nn.Point `json:"vertices"`
	LastScanAt  time.Time  `json:"lastScanAt"`
	TotalScans  int64      `json:"totalScans"`
	FailedScans int64      `json:"failedScans"`
}

// Engine is the perimeter obstruction detector.
// Configure it with a polygon and a clean reference frame, then either poll
// with CheckOnce, or run the scanning loop for a debounced signal.
type Engine struct {
	log logs.Log
	cfg config.Perimeter

	lock      sync.Mutex
	mask      []byte // 0 or 255 per pixel, at reference resolution. nil = not configured.
	maskArea  int
	reference []byte // Grayscale background, same resolution as mask
	width     int
	height    int
	vertices  []nn.Point

	lastPct     float64
	lastScanAt  time.Time
	totalScans  int64
	failedScans int64

	scan *scanner // nil when not scanning
}

func NewEngine(log logs.Log, cfg config.Perimeter) *Engine {
	return &Engine{
		log: log,
		cfg: cfg,
	}
}

// Configure sets the perimeter polygon and takes refFrame as the clean
// background. Replaces any previous configuration.
func (e *Engine) Configure(vertices []nn.Point, refFrame *cimg.Image) error {
	if len(vertices) < 3 || refFrame == nil {
		return ErrInvalidPolygon
	}
	mask, area := rasterizePolygon(vertices, refFrame.Width, refFrame.Height)
	if area == 0 {
		return ErrInvalidPolygon
	}
	gray := toGray(refFrame)

	e.lock.Lock()
	defer e.lock.Unlock()
	e.mask = mask
	e.maskArea = area
	e.reference = gray
	e.width = refFrame.Width
	e.height = refFrame.Height
	e.vertices = gen.CopySlice(vertices)
	e.lastPct = 0
	e.log.Infof("Perimeter configured: %v vertices, %v px area at %vx%v", len(vertices), area, e.width, e.height)
	return nil
}

// SetRectangle is a convenience for the common case of an axis-aligned
// rectangular perimeter.
func (e *Engine) SetRectangle(x, y, width, height int, refFrame *cimg.Image) error {
	return e.Configure([]nn.Point{
		{X: x, Y: y},
		{X: x + width, Y: y},
		{X: x + width, Y: y + height},
		{X: x, Y: y + height},
	}, refFrame)
}

// UpdateReference replaces the background reference, keeping the polygon.
// Call this when lighting has shifted and the perimeter is known to be clear.
func (e *Engine) UpdateReference(refFrame *cimg.Image) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.mask == nil {
		return ErrNotConfigured
	}
	if refFrame.Width != e.width || refFrame.Height != e.height {
		refFrame = cimg.ResizeNew(refFrame.ToRGB(), e.width, e.height, nil)
	}
	e.reference = toGray(refFrame)
	return nil
}

// Reset drops the configuration and stops scanning
func (e *Engine) Reset() {
	e.StopScanning()
	e.lock.Lock()
	defer e.lock.Unlock()
	e.mask = nil
	e.maskArea = 0
	e.reference = nil
	e.vertices = nil
	e.lastPct = 0
}

// IsConfigured returns true if a polygon and reference have been set
func (e *Engine) IsConfigured() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.mask != nil
}

// refSnapshot is the configuration a single check runs against. The mask and
// reference planes are replaced wholesale on Configure/UpdateReference and
// never mutated in place, so a snapshot can be read with no lock held.
type refSnapshot struct {
	mask      []byte
	reference []byte
	maskArea  int
	width     int
	height    int
}

func (e *Engine) snapshotLocked() (refSnapshot, bool) {
	if e.mask == nil {
		return refSnapshot{}, false
	}
	return refSnapshot{
		mask:      e.mask,
		reference: e.reference,
		maskArea:  e.maskArea,
		width:     e.width,
		height:    e.height,
	}, true
}

func (e *Engine) recordScanLocked(pct float64) {
	e.lastPct = pct
	e.lastScanAt = time.Now()
	e.totalScans++
}

// CheckOnce compares one frame against the reference, with no temporal
// memory. Returns the raw obstruction verdict and the changed percentage.
// On an unconfigured engine, the answer is always (false, 0).
func (e *Engine) CheckOnce(frame *cimg.Image) (bool, float64) {
	e.lock.Lock()
	snap, ok := e.snapshotLocked()
	e.lock.Unlock()
	if !ok || frame == nil {
		return false, 0
	}
	obstructed, pct := e.compare(snap, frame)
	e.lock.Lock()
	if e.mask != nil {
		e.recordScanLocked(pct)
	}
	e.lock.Unlock()
	return obstructed, pct
}

// compare does the pixel work of one check. It runs with no lock held: a
// full grayscale/difference/flood-fill pass over a large frame takes long
// enough that holding the lock would stall every State() reader for the
// duration of the scan.
func (e *Engine) compare(snap refSnapshot, frame *cimg.Image) (bool, float64) {
	if frame.Width != snap.width || frame.Height != snap.height {
		frame = cimg.ResizeNew(frame.ToRGB(), snap.width, snap.height, nil)
	}
	gray := toGray(frame)

	threshold := byte(gen.Clamp(e.cfg.DifferenceThreshold, 1, 255))
	changed := make([]byte, len(gray))
	nChanged := 0
	for i := range gray {
		if snap.mask[i] == 0 {
			continue
		}
		d := int(gray[i]) - int(snap.reference[i])
		if d < 0 {
			d = -d
		}
		if d > int(threshold) {
			changed[i] = 1
			nChanged++
		}
	}
	pct := 100 * float64(nChanged) / float64(snap.maskArea)

	obstructed := false
	if pct >= e.cfg.ObstructionThreshold {
		// Overwhelming change. Don't bother with contours.
		obstructed = true
	} else if pct > minSignificantPct && largestComponent(changed, snap.width, snap.height) > e.cfg.MinContourArea {
		obstructed = true
	}
	return obstructed, pct
}

// largestComponent returns the size of the largest 4-connected region of
// set pixels in changed (which is already masked).
func largestComponent(changed []byte, w, h int) int {
	largest := 0
	queue := []int{}
	for start := range changed {
		if changed[start] != 1 {
			continue
		}
		// Flood fill, marking visited pixels with 2
		changed[start] = 2
		queue = append(queue[:0], start)
		size := 0
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			size++
			x := i % w
			y := i / w
			if x > 0 && changed[i-1] == 1 {
				changed[i-1] = 2
				queue = append(queue, i-1)
			}
			if x < w-1 && changed[i+1] == 1 {
				changed[i+1] = 2
				queue = append(queue, i+1)
			}
			if y > 0 && changed[i-w] == 1 {
				changed[i-w] = 2
				queue = append(queue, i-w)
			}
			if y < h-1 && changed[i+w] == 1 {
				changed[i+w] = 2
				queue = append(queue, i+w)
			}
		}
		if size > largest {
			largest = size
		}
	}
	return largest
}

// State returns a snapshot for the API
func (e *Engine) State() State {
	e.lock.Lock()
	defer e.lock.Unlock()
	s := State{
		Configured:  e.mask != nil,
		ChangedPct:  e.lastPct,
		MaskArea:    e.maskArea,
		Vertices:    gen.CopySlice(e.vertices),
		LastScanAt:  e.lastScanAt,
		TotalScans:  e.totalScans,
		FailedScans: e.failedScans,
	}
	if e.scan != nil {
		s.Scanning = true
		s.Obstructed = e.scan.state.reported
	}
	return s
}

// Overlay returns a copy of frame with the perimeter polygon drawn on it.
// Green when clear, red when the debounced state is obstructed.
func (e *Engine) Overlay(frame *cimg.Image) *cimg.Image {
	e.lock.Lock()
	vertices := gen.CopySlice(e.vertices)
	obstructed := e.scan != nil && e.scan.state.reported
	e.lock.Unlock()
	if len(vertices) < 3 {
		return frame
	}
	dc := gg.NewContextForImage(frameToRGBA(frame))
	if obstructed {
		dc.SetRGB(1, 0, 0)
	} else {
		dc.SetRGB(0, 1, 0)
	}
	dc.SetLineWidth(2)
	dc.MoveTo(float64(vertices[0].X), float64(vertices[0].Y))
	for _, v := range vertices[1:] {
		dc.LineTo(float64(v.X), float64(v.Y))
	}
	dc.ClosePath()
	dc.Stroke()
	return rgbaToFrame(dc.Image())
}

// toGray converts an RGB frame to a grayscale plane using BT.601 weights
func toGray(frame *cimg.Image) []byte {
	src := frame
	if src.NChan() != 3 {
		src = src.ToRGB()
	}
	out := make([]byte, src.Width*src.Height)
	for y := 0; y < src.Height; y++ {
		sp := y * src.Stride
		dp := y * src.Width
		for x := 0; x < src.Width; x++ {
			r := int(src.Pixels[sp])
			g := int(src.Pixels[sp+1])
			b := int(src.Pixels[sp+2])
			out[dp] = byte((77*r + 150*g + 29*b) >> 8)
			sp += 3
			dp++
		}
	}
	return out
}

// rasterizePolygon fills the polygon into a 0/255 mask and returns the mask
// and the number of set pixels
func rasterizePolygon(vertices []nn.Point, width, height int) ([]byte, int) {
	dc := gg.NewContext(width, height)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.SetRGB(1, 1, 1)
	dc.MoveTo(float64(vertices[0].X), float64(vertices[0].Y))
	for _, v := range vertices[1:] {
		dc.LineTo(float64(v.X), float64(v.Y))
	}
	dc.ClosePath()
	dc.Fill()
	img := dc.Image().(*image.RGBA)
	mask := make([]byte, width*height)
	area := 0
	for y := 0; y < height; y++ {
		sp := y * img.Stride
		dp := y * width
		for x := 0; x < width; x++ {
			if img.Pix[sp] >= 128 {
				mask[dp] = 255
				area++
			}
			sp += 4
			dp++
		}
	}
	return mask, area
}

func frameToRGBA(frame *cimg.Image) *image.RGBA {
	src := frame
	if src.NChan() != 3 {
		src = src.ToRGB()
	}
	out := image.NewRGBA(image.Rect(0, 0, src.Width, src.Height))
	for y := 0; y < src.Height; y++ {
		sp := y * src.Stride
		dp := y * out.Stride
		for x := 0; x < src.Width; x++ {
			out.Pix[dp] = src.Pixels[sp]
			out.Pix[dp+1] = src.Pixels[sp+1]
			out.Pix[dp+2] = src.Pixels[sp+2]
			out.Pix[dp+3] = 255
			sp += 3
			dp += 4
		}
	}
	return out
}

func rgbaToFrame(img image.Image) *cimg.Image {
	b := img.Bounds()
	out := cimg.NewImage(b.Dx(), b.Dy(), cimg.PixelFormatRGB)
	rgba, ok := img.(*image.RGBA)
	if !ok {
		tmp := image.NewRGBA(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				tmp.Set(x, y, img.At(x, y))
			}
		}
		rgba = tmp
	}
	for y := 0; y < out.Height; y++ {
		sp := y * rgba.Stride
		dp := y * out.Stride
		for x := 0; x < out.Width; x++ {
			out.Pixels[dp] = rgba.Pix[sp]
			out.Pixels[dp+1] = rgba.Pix[sp+1]
			out.Pixels[dp+2] = rgba.Pix[sp+2]
			sp += 4
			dp += 3
		}
	}
	return out
}
