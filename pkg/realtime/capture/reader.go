package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/agentsandbox/pkg/audio"
	"github.com/MrWong99/agentsandbox/pkg/realtime/clock"
)

var _ Device = (*ReaderDevice)(nil)

// DefaultFrameDuration is the frame length produced by [ReaderDevice].
const DefaultFrameDuration = 20 * time.Millisecond

// ReaderDevice is a [Device] backed by raw PCM16 from an io.Reader, such as
// a file or stdin. The data must already be in the requested format. Frames
// are paced at real time unless pacing is disabled.
type ReaderDevice struct {
	r      io.Reader
	frame  time.Duration
	paced  bool
	clock  clock.Clock
	log    *slog.Logger
	opened bool
	mu     sync.Mutex
}

// ReaderOption configures a ReaderDevice.
type ReaderOption func(*ReaderDevice)

// WithFrameDuration sets the frame length. Defaults to 20ms.
func WithFrameDuration(d time.Duration) ReaderOption {
	return func(r *ReaderDevice) { r.frame = d }
}

// WithPacing enables or disables real-time pacing. Defaults to true.
func WithPacing(paced bool) ReaderOption {
	return func(r *ReaderDevice) { r.paced = paced }
}

// WithClock sets the clock used for pacing.
func WithClock(c clock.Clock) ReaderOption {
	return func(r *ReaderDevice) { r.clock = c }
}

// NewReaderDevice returns a device reading PCM16 from r.
func NewReaderDevice(r io.Reader, opts ...ReaderOption) *ReaderDevice {
	d := &ReaderDevice{
		r:     r,
		frame: DefaultFrameDuration,
		paced: true,
		clock: clock.Real(),
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open starts streaming from the reader. The reader can only be consumed
// once; a second Open fails with [ErrNoDevice].
func (d *ReaderDevice) Open(ctx context.Context, format audio.Format) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened || d.r == nil {
		return nil, ErrNoDevice
	}
	d.opened = true

	s := &readerStream{
		frames: make(chan []byte, 8),
		stop:   make(chan struct{}),
	}
	size := format.FrameBytes(d.frame)
	if size <= 0 || size%2 != 0 {
		size = audio.Realtime.FrameBytes(DefaultFrameDuration)
	}
	go d.run(s, size)
	return s, nil
}

func (d *ReaderDevice) run(s *readerStream, size int) {
	defer close(s.frames)

	var tick <-chan time.Time
	if d.paced {
		t := d.clock.NewTicker(d.frame)
		defer t.Stop()
		tick = t.C()
	}

	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(d.r, buf)
		if n > 0 {
			if tick != nil {
				select {
				case <-tick:
				case <-s.stop:
					return
				}
			}
			select {
			case s.frames <- buf[:n-n%2]:
			case <-s.stop:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				d.log.Warn("capture reader failed", "err", err)
			}
			return
		}
	}
}

type readerStream struct {
	frames chan []byte
	stop   chan struct{}
	once   sync.Once
}

func (s *readerStream) Frames() <-chan []byte { return s.frames }

func (s *readerStream) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
