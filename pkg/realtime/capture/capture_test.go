package capture_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/agentsandbox/pkg/audio"
	"github.com/MrWong99/agentsandbox/pkg/realtime"
	"github.com/MrWong99/agentsandbox/pkg/realtime/capture"
	"github.com/MrWong99/agentsandbox/pkg/realtime/capture/mock"
)

// loudFrame returns a 20ms realtime frame at roughly -20 dBFS.
func loudFrame() []byte {
	s := make([]int16, 480)
	for i := range s {
		s[i] = 3277
	}
	return audio.Bytes(s)
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("frame channel closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func TestAcquire_PermissionDenied(t *testing.T) {
	t.Parallel()

	for _, openErr := range []error{capture.ErrPermissionDenied, capture.ErrNoDevice} {
		dev := &mock.Device{OpenError: openErr}
		c := capture.New(dev)

		err := c.Acquire(context.Background())
		var pe *realtime.PermissionError
		if !errors.As(err, &pe) {
			t.Fatalf("Acquire() error = %v, want *PermissionError", err)
		}
		if !errors.Is(err, openErr) {
			t.Errorf("error %v does not wrap %v", err, openErr)
		}
		if dev.OpenCount() != 1 {
			t.Errorf("Open called %d times, want 1", dev.OpenCount())
		}
		if c.Acquired() {
			t.Error("Acquired() = true after denial")
		}
		if err := c.Release(); err != nil {
			t.Errorf("Release after denial: %v", err)
		}
	}
}

func TestAcquire_NilDevice(t *testing.T) {
	t.Parallel()

	var pe *realtime.PermissionError
	if err := capture.New(nil).Acquire(context.Background()); !errors.As(err, &pe) {
		t.Fatalf("Acquire() error = %v, want *PermissionError", err)
	}
}

func TestAcquire_Idempotent(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	c := capture.New(dev)
	ctx := context.Background()
	if err := c.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if dev.OpenCount() != 1 {
		t.Errorf("Open called %d times, want 1", dev.OpenCount())
	}
	_ = c.Release()
}

func TestAcquire_CancelledPrompt(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{Block: make(chan struct{})}
	c := capture.New(dev)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() error = %v, want context.Canceled", err)
	}
	var pe *realtime.PermissionError
	if errors.As(err, &pe) {
		t.Error("cancellation reported as permission error")
	}
}

func TestForwardAndMute(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	c := capture.New(dev)
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	stream := dev.LastStream()
	frames := c.Frames()

	stream.Feed([]byte{1, 0, 2, 0})
	if got := recv(t, frames); !bytes.Equal(got, []byte{1, 0, 2, 0}) {
		t.Errorf("frame = %v", got)
	}

	c.SetEnabled(false)
	stream.Feed([]byte{9, 9})
	select {
	case f := <-frames:
		t.Fatalf("muted frame forwarded: %v", f)
	case <-time.After(50 * time.Millisecond):
	}
	c.SetEnabled(true)
	stream.Feed([]byte{3, 0})
	if got := recv(t, frames); !bytes.Equal(got, []byte{3, 0}) {
		t.Errorf("frame after unmute = %v, want [3 0] (muted frame must be dropped)", got)
	}
	if dev.OpenCount() != 1 {
		t.Errorf("mute toggling reopened device: %d opens", dev.OpenCount())
	}
	if stream.Closed() {
		t.Error("mute closed the stream")
	}
	_ = c.Release()
}

func TestRelease(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	c := capture.New(dev)
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	frames := c.Frames()
	stream := dev.LastStream()

	if err := c.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := c.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if !stream.Closed() {
		t.Error("stream not closed")
	}
	if _, ok := <-frames; ok {
		t.Error("frame channel still open after Release")
	}
	if c.Frames() != nil {
		t.Error("Frames() non-nil after Release")
	}
	if c.Level() != 0 {
		t.Errorf("Level() = %v after Release, want 0", c.Level())
	}

	if err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if dev.OpenCount() != 2 {
		t.Errorf("Open called %d times, want 2", dev.OpenCount())
	}
	_ = c.Release()
}

func TestRelease_DuringPrompt(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{Block: make(chan struct{}), IgnoreContext: true}
	c := capture.New(dev)

	result := make(chan error, 1)
	go func() { result <- c.Acquire(context.Background()) }()
	deadline := time.Now().Add(2 * time.Second)
	for dev.OpenCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Open never called")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	close(dev.Block)

	select {
	case err := <-result:
		if !errors.Is(err, capture.ErrReleased) {
			t.Fatalf("Acquire() error = %v, want ErrReleased", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return")
	}
	if c.Acquired() {
		t.Error("Acquired() = true after Release won the race")
	}
	if s := dev.LastStream(); s == nil || !s.Closed() || s.CloseCount() != 1 {
		t.Error("late stream was not closed")
	}

	// A fresh acquisition after the release works normally.
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if !c.Acquired() {
		t.Error("Acquired() = false after re-Acquire")
	}
	_ = c.Release()
}

func TestStreamEnd_AllowsReacquire(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	c := capture.New(dev)
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	frames := c.Frames()
	first := dev.LastStream()

	first.End()
	select {
	case _, ok := <-frames:
		if ok {
			t.Fatal("frame delivered after End")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame channel not closed after the stream ended")
	}
	if c.Acquired() {
		t.Error("Acquired() = true after the stream ended")
	}
	if first.CloseCount() != 1 {
		t.Errorf("ended stream Close calls = %d, want 1", first.CloseCount())
	}

	if err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if dev.OpenCount() != 2 {
		t.Errorf("Open called %d times, want 2", dev.OpenCount())
	}
	dev.LastStream().Feed([]byte{4, 0})
	if got := recv(t, c.Frames()); !bytes.Equal(got, []byte{4, 0}) {
		t.Errorf("frame after reacquire = %v", got)
	}
	_ = c.Release()
}

func TestLevelTracksInputAndDecays(t *testing.T) {
	t.Parallel()

	dev := &mock.Device{}
	c := capture.New(dev)
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Release()

	dev.LastStream().Feed(loudFrame())
	recv(t, c.Frames())

	l := c.Meter().Tick()
	if l <= 0.5 || l > 1 {
		t.Fatalf("level after speech = %v, want in (0.5, 1]", l)
	}

	c.SetEnabled(false)
	for i := 0; i < 7; i++ {
		c.Meter().Tick()
	}
	if got := c.Level(); got != 0 {
		t.Errorf("level after 7 silent ticks = %v, want 0", got)
	}
}

func TestMeter(t *testing.T) {
	t.Parallel()

	m := capture.NewMeter()
	if m.Tick() != 0 {
		t.Error("fresh meter not zero")
	}

	m.Observe(make([]byte, 960))
	m.Observe(loudFrame())
	peak := m.Tick()
	if peak <= 0.5 {
		t.Errorf("Tick() = %v, want the louder frame's level", peak)
	}
	if got := m.Tick(); got != peak/2 {
		t.Errorf("decayed level = %v, want %v", got, peak/2)
	}

	m.Reset()
	if m.Level() != 0 {
		t.Errorf("Level() after Reset = %v", m.Level())
	}
}

func TestReaderDevice(t *testing.T) {
	t.Parallel()

	pcm := bytes.Repeat([]byte{1, 0}, 480*3)
	dev := capture.NewReaderDevice(bytes.NewReader(pcm), capture.WithPacing(false))

	c := capture.New(dev)
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	var total int
	for f := range c.Frames() {
		if len(f) != 960 {
			t.Errorf("frame len = %d, want 960", len(f))
		}
		total += len(f)
	}
	if total != len(pcm) {
		t.Errorf("forwarded %d bytes, want %d", total, len(pcm))
	}
	_ = c.Release()

	if _, err := dev.Open(context.Background(), audio.Realtime); !errors.Is(err, capture.ErrNoDevice) {
		t.Errorf("second Open error = %v, want ErrNoDevice", err)
	}
}
