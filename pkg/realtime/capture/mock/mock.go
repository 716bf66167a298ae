// Package mock provides an in-memory [capture.Device] for unit tests.
//
// The device records every Open call and hands out [Stream] values that the
// test feeds frames into. Set the exported fields before use to control
// results; inspect the call counters afterwards. Safe for concurrent use.
//
//	dev := &mock.Device{}
//	c := capture.New(dev)
//	_ = c.Acquire(ctx)
//	dev.LastStream().Feed(frame)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/agentsandbox/pkg/audio"
	"github.com/MrWong99/agentsandbox/pkg/realtime/capture"
)

var (
	_ capture.Device = (*Device)(nil)
	_ capture.Stream = (*Stream)(nil)
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [capture.Device].
type Device struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil, e.g.
	// [capture.ErrPermissionDenied].
	OpenError error

	// Block makes Open wait until the channel is closed or ctx ends,
	// simulating a permission prompt the user has not answered yet.
	Block chan struct{}

	// IgnoreContext makes a blocked Open wait for Block alone, like an OS
	// prompt that cannot be dismissed by the caller.
	IgnoreContext bool

	// OpenCalls records the format of every Open call.
	OpenCalls []audio.Format

	streams []*Stream
}

// Open implements [capture.Device].
func (d *Device) Open(ctx context.Context, format audio.Format) (capture.Stream, error) {
	d.mu.Lock()
	d.OpenCalls = append(d.OpenCalls, format)
	block, ignore := d.Block, d.IgnoreContext
	d.mu.Unlock()

	switch {
	case block != nil && ignore:
		<-block
	case block != nil:
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := NewStream()
	d.streams = append(d.streams, s)
	return s, nil
}

// OpenCount returns how many times Open was called.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// LastStream returns the most recently opened stream, or nil.
func (d *Device) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [capture.Stream] fed by the test.
type Stream struct {
	frames chan []byte

	mu         sync.Mutex
	closed     bool
	CloseCalls int
}

// NewStream returns an open Stream.
func NewStream() *Stream {
	return &Stream{frames: make(chan []byte, 64)}
}

// Frames implements [capture.Stream].
func (s *Stream) Frames() <-chan []byte { return s.frames }

// Feed queues one frame. It is a no-op after Close or End.
func (s *Stream) Feed(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames <- frame
}

// End closes the frame channel, simulating the device going away.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Close implements [capture.Stream]. It is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	s.End()
	return nil
}

// CloseCount returns how many times Close was called.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls
}

// Closed reports whether Close or End was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
