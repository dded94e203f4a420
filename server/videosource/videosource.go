package videosource

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmharper/cimg/v2"
)

// Package videosource defines the frame source contract that the monitoring
// core consumes, plus a file-backed implementation for recorded footage.
// Live camera transports (RTSP etc) plug in behind the same interface.

// ErrEndOfStream is returned by NextFrame when a finite source is exhausted
// and looping is disabled.
var ErrEndOfStream = errors.New("end of stream")

// FrameSource supplies sequential RGB frames at a device-dependent rate.
// Each returned frame is a freshly allocated image that the caller owns;
// implementations must not reuse frame buffers.
type FrameSource interface {
	// NextFrame blocks until the next frame is due, and returns it together
	// with its capture timestamp.
	NextFrame() (*cimg.Image, time.Time, error)
	Close()
}

// DirectorySource plays back a directory of sequentially named JPEG frames
// at a fixed rate. Whether end-of-stream loops back to the start is the
// caller's policy, set at construction.
type DirectorySource struct {
	files    []string
	interval time.Duration
	loop     bool
	next     int
	lastRead time.Time
}

func NewDirectorySource(dir string, fps int, loop bool) (*DirectorySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("Failed to open frame directory '%v': %w", dir, err)
	}
	files := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("No JPEG frames in '%v'", dir)
	}
	sort.Strings(files)
	if fps <= 0 {
		fps = 25
	}
	return &DirectorySource{
		files:    files,
		interval: time.Second / time.Duration(fps),
		loop:     loop,
	}, nil
}

func (s *DirectorySource) NextFrame() (*cimg.Image, time.Time, error) {
	if s.next >= len(s.files) {
		if !s.loop {
			return nil, time.Time{}, ErrEndOfStream
		}
		s.next = 0
	}

	// Pace playback to the configured rate
	if !s.lastRead.IsZero() {
		elapsed := time.Now().Sub(s.lastRead)
		if elapsed < s.interval {
			time.Sleep(s.interval - elapsed)
		}
	}

	img, err := cimg.ReadFile(s.files[s.next])
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("Failed to read frame '%v': %w", s.files[s.next], err)
	}
	s.next++
	s.lastRead = time.Now()
	return img, s.lastRead, nil
}

func (s *DirectorySource) Close() {
}
