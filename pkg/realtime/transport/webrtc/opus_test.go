package webrtc

import "testing"

func TestFramer(t *testing.T) {
	t.Parallel()

	f := framer{size: 4}

	if got := f.push([]int16{1, 2, 3}); len(got) != 0 {
		t.Fatalf("push short = %d frames, want 0", len(got))
	}
	if f.buffered() != 3 {
		t.Fatalf("buffered = %d, want 3", f.buffered())
	}

	got := f.push([]int16{4, 5, 6, 7, 8, 9})
	if len(got) != 2 {
		t.Fatalf("push = %d frames, want 2", len(got))
	}
	want := [][]int16{{1, 2, 3, 4}, {5, 6, 7, 8}}
	for i := range want {
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Errorf("frame %d = %v, want %v", i, got[i], want[i])
				break
			}
		}
	}
	if f.buffered() != 1 {
		t.Errorf("buffered = %d, want 1", f.buffered())
	}

	// Emitted frames must not alias the internal buffer.
	got[0][0] = 99
	next := f.push([]int16{10, 11, 12})
	if len(next) != 1 || next[0][0] != 9 {
		t.Errorf("after mutation frame = %v, want [9 10 11 12]", next)
	}
}

func TestOpusRoundTripFormat(t *testing.T) {
	t.Parallel()

	enc, err := newOpusEncoder()
	if err != nil {
		t.Fatalf("newOpusEncoder: %v", err)
	}
	dec, err := newOpusDecoder()
	if err != nil {
		t.Fatalf("newOpusDecoder: %v", err)
	}

	// 10 ms of 24 kHz mono is half a frame.
	half := make([]byte, 240*2)
	packets, err := enc.encode(half)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("half frame produced %d packets", len(packets))
	}
	packets, err = enc.encode(half)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("full frame produced %d packets, want 1", len(packets))
	}

	pcm, err := dec.decode(packets[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 20 ms at 24 kHz mono, 2 bytes per sample.
	if len(pcm) != 480*2 {
		t.Errorf("decoded %d bytes, want %d", len(pcm), 480*2)
	}
}
