package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Detection pipeline tuning
type Detection struct {
	HazardLabels    []string `json:"hazardLabels"`    // Class-name keywords that count as the hazard (exact or prefix match)
	TargetFPS       int      `json:"targetFPS"`       // Upper bound on inference rate
	FrameSkip       int      `json:"frameSkip"`       // Process every Nth submitted frame
	HoldSeconds     float64  `json:"holdSeconds"`     // Keep the hazard flag raised this long after the last positive inference
	MaxFailures     int      `json:"maxFailures"`     // Consecutive inference failures before we give up on the engine
	ProbabilityMin  float64  `json:"probabilityMin"`  // Detection confidence threshold
	ModelConfigFile string   `json:"modelConfigFile"` // JSON file describing the model (classes etc)
}

// Perimeter obstruction engine tuning
type Perimeter struct {
	DifferenceThreshold  int     `json:"differenceThreshold"`  // Per-pixel grayscale difference that counts as "changed"
	MinContourArea       int     `json:"minContourArea"`       // Connected components smaller than this are noise
	ObstructionThreshold float64 `json:"obstructionThreshold"` // Changed percentage that is an obstruction on its own
	ScanIntervalMS       int     `json:"scanIntervalMS"`       // Milliseconds between scans in continuous mode
}

// Alert arbitration tuning
type Alert struct {
	MinObstructionSeconds float64 `json:"minObstructionSeconds"` // Obstruction state is held at least this long after onset
}

// Signal sink (serial transmitter)
type Signal struct {
	Port string `json:"port"` // eg /dev/ttyUSB0. Empty means don't connect at startup.
	Baud int    `json:"baud"`
}

// Frame source
type Source struct {
	Path string `json:"path"` // Directory of sequentially named JPEG frames
	FPS  int    `json:"fps"`  // Playback rate
	Loop bool   `json:"loop"` // Loop back to the start at end of stream
}

type Config struct {
	Detection   Detection `json:"detection"`
	Perimeter   Perimeter `json:"perimeter"`
	Alert       Alert     `json:"alert"`
	Signal      Signal    `json:"signal"`
	Source      Source    `json:"source"`
	StoragePath string    `json:"storagePath"` // Where the alert history DB lives
	HTTPPort    string    `json:"httpPort"`    // eg ":8080"
}

func Default() *Config {
	return &Config{
		Detection: Detection{
			HazardLabels:   []string{"drown"},
			TargetFPS:      15,
			FrameSkip:      3,
			HoldSeconds:    1.0,
			MaxFailures:    5,
			ProbabilityMin: 0.5,
		},
		Perimeter: Perimeter{
			DifferenceThreshold:  45,
			MinContourArea:       1500,
			ObstructionThreshold: 80,
			ScanIntervalMS:       300,
		},
		Alert: Alert{
			MinObstructionSeconds: 6.0,
		},
		Signal: Signal{
			Baud: 9600,
		},
		Source: Source{
			FPS:  25,
			Loop: true,
		},
		HTTPPort: ":8080",
	}
}

// Load config from a JSON file. Missing fields keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading %v as JSON: %w", filename, err)
	}
	return cfg, nil
}
