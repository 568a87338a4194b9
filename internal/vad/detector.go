package vad

import (
	"sort"
	"sync"
)

const (
	noiseSampleCap    = 50
	continuityWindow  = 5
	continuityTrigger = 3
)

// Config tunes the adaptive energy detector.
type Config struct {
	// StaticFloorDB is the minimum speech threshold regardless of the
	// measured noise floor.
	StaticFloorDB float64
	// MarginDB is added on top of the noise floor to form the adaptive
	// threshold.
	MarginDB float64
}

// Detector estimates speech presence from per-buffer RMS energy. The noise
// floor is the median of the most recent non-speech samples; the median
// rides out transient outliers (door slams, coughs) that would drag a mean.
type Detector struct {
	mu sync.Mutex

	cfg Config

	noiseSamples []float64
	continuity   []bool
}

func NewDetector(cfg Config) *Detector {
	if cfg.StaticFloorDB == 0 {
		cfg.StaticFloorDB = -55
	}
	if cfg.MarginDB <= 0 {
		cfg.MarginDB = 10
	}
	return &Detector{cfg: cfg}
}

// Result is the verdict for one energy sample.
type Result struct {
	HasSpeech        bool
	ContinuousSpeech bool
	ThresholdDB      float64
	NoiseFloorDB     float64
}

// Process scores one buffer. userSpeaking freezes noise-floor calibration
// so the speaker's own voice never raises the floor.
func (d *Detector) Process(energyDB float64, userSpeaking bool) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	threshold := d.thresholdLocked()
	hasSpeech := energyDB > threshold

	if !userSpeaking && !hasSpeech {
		d.noiseSamples = append(d.noiseSamples, energyDB)
		if len(d.noiseSamples) > noiseSampleCap {
			d.noiseSamples = d.noiseSamples[len(d.noiseSamples)-noiseSampleCap:]
		}
		threshold = d.thresholdLocked()
	}

	d.continuity = append(d.continuity, hasSpeech)
	if len(d.continuity) > continuityWindow {
		d.continuity = d.continuity[len(d.continuity)-continuityWindow:]
	}
	votes := 0
	for _, b := range d.continuity {
		if b {
			votes++
		}
	}

	return Result{
		HasSpeech:        hasSpeech,
		ContinuousSpeech: votes >= continuityTrigger,
		ThresholdDB:      threshold,
		NoiseFloorDB:     d.noiseFloorLocked(),
	}
}

// NoiseFloorDB returns the current median noise floor estimate.
func (d *Detector) NoiseFloorDB() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.noiseFloorLocked()
}

// Reset clears all calibration. Called on every connect and disconnect so
// no estimate leaks across sessions.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noiseSamples = nil
	d.continuity = nil
}

func (d *Detector) noiseFloorLocked() float64 {
	if len(d.noiseSamples) == 0 {
		return d.cfg.StaticFloorDB - d.cfg.MarginDB
	}
	sorted := make([]float64, len(d.noiseSamples))
	copy(sorted, d.noiseSamples)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func (d *Detector) thresholdLocked() float64 {
	adaptive := d.noiseFloorLocked() + d.cfg.MarginDB
	if adaptive < d.cfg.StaticFloorDB {
		return d.cfg.StaticFloorDB
	}
	return adaptive
}
