package capture

import (
	"sync"

	"github.com/MrWong99/agentsandbox/pkg/audio"
)

const (
	// meterDecay is applied to the level on every tick without new audio.
	meterDecay = 0.5

	// meterFloor snaps decayed levels to zero.
	meterFloor = 0.01
)

// Meter tracks a display level in [0, 1] for one audio direction. Frames are
// observed as they arrive and the displayed level is sampled on a fixed tick.
// A tick with no observed audio halves the level, so the indicator falls to 0
// within seven ticks of the source going quiet.
type Meter struct {
	mu       sync.Mutex
	level    float64
	peak     float64
	observed bool
}

// NewMeter returns a zeroed Meter.
func NewMeter() *Meter { return &Meter{} }

// Observe records the level of one PCM16 frame.
func (m *Meter) Observe(pcm []byte) {
	l := audio.Level(pcm)
	m.mu.Lock()
	m.peak = max(m.peak, l)
	m.observed = true
	m.mu.Unlock()
}

// Tick advances the meter by one sampling interval and returns the new level.
func (m *Meter) Tick() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observed {
		m.level = m.peak
		m.peak = 0
		m.observed = false
		return m.level
	}
	m.level *= meterDecay
	if m.level < meterFloor {
		m.level = 0
	}
	return m.level
}

// Level returns the level as of the last tick.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Reset zeroes the meter.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.level, m.peak, m.observed = 0, 0, false
	m.mu.Unlock()
}
