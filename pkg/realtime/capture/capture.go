// Package capture owns the microphone for a voice session. It acquires a
// capture stream once per session, forwards its PCM frames while enabled,
// and keeps a decaying level meter for visual feedback.
//
// Muting with [Capture.SetEnabled] stops frame forwarding without releasing
// the device, so unmuting never prompts for permission again.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/agentsandbox/pkg/audio"
	"github.com/MrWong99/agentsandbox/pkg/realtime"
)

var (
	// ErrPermissionDenied is returned by a [Device] when the user or platform
	// refuses microphone access.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrNoDevice is returned by a [Device] when no capture source exists.
	ErrNoDevice = errors.New("capture: no capture device")

	// ErrReleased is returned by [Capture.Acquire] when [Capture.Release] ran
	// while the device was still opening. The late stream is closed.
	ErrReleased = errors.New("capture: released while acquiring")

	// ErrStreamEnded reports that the device stream closed on its own.
	ErrStreamEnded = errors.New("capture: stream ended")
)

// Device opens microphone streams. Open is where the platform permission
// prompt happens and may block until the user answers.
type Device interface {
	Open(ctx context.Context, format audio.Format) (Stream, error)
}

// Stream is an open capture stream.
type Stream interface {
	// Frames delivers PCM16 frames in the opened format. It is closed when
	// the stream ends.
	Frames() <-chan []byte

	// Close releases the OS-level handle. It must be idempotent.
	Close() error
}

// Option configures a Capture.
type Option func(*Capture)

// WithFormat sets the capture format. Defaults to [audio.Realtime].
func WithFormat(f audio.Format) Option {
	return func(c *Capture) { c.format = f }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Capture) { c.log = l }
}

// Capture is the microphone handle of one voice session. All methods are
// safe for concurrent use.
type Capture struct {
	dev    Device
	format audio.Format
	log    *slog.Logger
	meter  *Meter

	mu      sync.Mutex
	stream  Stream
	out     chan []byte
	stop    chan struct{}
	done    chan struct{}
	enabled bool

	// epoch counts releases; an Open that spans one is discarded.
	epoch uint64
}

// New returns a Capture for dev. The microphone is not touched until
// [Capture.Acquire].
func New(dev Device, opts ...Option) *Capture {
	c := &Capture{
		dev:     dev,
		format:  audio.Realtime,
		log:     slog.Default(),
		meter:   NewMeter(),
		enabled: true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Format returns the PCM format of forwarded frames.
func (c *Capture) Format() audio.Format { return c.format }

// Acquire opens the microphone. It prompts for permission exactly once per
// call and fails with a [*realtime.PermissionError] when access is denied or
// no device exists. Acquire on an already acquired Capture is a no-op.
//
// A Release issued while Open is still blocked wins: the stream Open
// eventually returns is closed and Acquire reports [ErrReleased].
func (c *Capture) Acquire(ctx context.Context) error {
	c.mu.Lock()
	if c.stream != nil {
		c.mu.Unlock()
		return nil
	}
	epoch := c.epoch
	c.mu.Unlock()

	if c.dev == nil {
		return &realtime.PermissionError{Reason: "capture not supported", Err: ErrNoDevice}
	}

	stream, err := c.dev.Open(ctx, c.format)
	if err != nil {
		reason := "access denied"
		switch {
		case errors.Is(err, ErrNoDevice):
			reason = "no capture device"
		case ctx.Err() != nil:
			return fmt.Errorf("capture: acquire: %w", ctx.Err())
		}
		return &realtime.PermissionError{Reason: reason, Err: err}
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		_ = stream.Close()
		c.log.Debug("microphone opened after release; closing it")
		return ErrReleased
	}
	if c.stream != nil {
		// Lost a race with a concurrent Acquire.
		c.mu.Unlock()
		_ = stream.Close()
		return nil
	}
	c.stream = stream
	c.out = make(chan []byte, 32)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	out, stop, done := c.out, c.stop, c.done
	c.mu.Unlock()

	go c.pump(stream, out, stop, done)
	c.log.Debug("microphone acquired", "sample_rate", c.format.SampleRate, "channels", c.format.Channels)
	return nil
}

func (c *Capture) pump(stream Stream, out chan<- []byte, stop, done chan struct{}) {
	defer close(done)
	defer close(out)
	in := stream.Frames()
	for {
		select {
		case <-stop:
			return
		case frame, ok := <-in:
			if !ok {
				c.ended(stream)
				return
			}
			if !c.Enabled() {
				continue
			}
			c.meter.Observe(frame)
			select {
			case out <- frame:
			case <-stop:
				return
			default:
				// Consumer is behind; drop rather than stall the device.
			}
		}
	}
}

// ended forgets stream after the device closed it, so the next Acquire opens
// the microphone again.
func (c *Capture) ended(stream Stream) {
	c.mu.Lock()
	mine := c.stream == stream
	if mine {
		c.stream, c.stop, c.done, c.out = nil, nil, nil, nil
	}
	c.mu.Unlock()
	if !mine {
		return
	}
	_ = stream.Close()
	c.meter.Reset()
	c.log.Warn("microphone stream ended")
}

// Frames returns the channel of forwarded frames for the current
// acquisition, or nil when not acquired. The channel is closed on Release or
// when the device stream ends; in the latter case Acquired turns false.
func (c *Capture) Frames() <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

// Acquired reports whether the microphone is currently held.
func (c *Capture) Acquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// SetEnabled mutes (false) or unmutes (true) the microphone without
// releasing it.
func (c *Capture) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

// Enabled reports whether frames are being forwarded.
func (c *Capture) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Meter returns the input level meter.
func (c *Capture) Meter() *Meter { return c.meter }

// Level returns the current input level in [0, 1].
func (c *Capture) Level() float64 { return c.meter.Level() }

// Release closes the microphone and resets the meter. It is idempotent and
// safe to call from any state.
func (c *Capture) Release() error {
	c.mu.Lock()
	stream, stop, done := c.stream, c.stop, c.done
	c.stream, c.stop, c.done, c.out = nil, nil, nil, nil
	c.enabled = true
	c.epoch++
	c.mu.Unlock()

	c.meter.Reset()
	if stream == nil {
		return nil
	}
	close(stop)
	err := stream.Close()
	<-done
	c.log.Debug("microphone released")
	if err != nil {
		return fmt.Errorf("capture: release: %w", err)
	}
	return nil
}
