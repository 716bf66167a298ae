package webrtc

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/agentsandbox/pkg/audio"
)

// The realtime peer negotiates 48 kHz stereo Opus in 20 ms frames.
const (
	opusFrameDuration = 20 * time.Millisecond
	// opusFrameSize is the number of samples per channel per frame.
	opusFrameSize = 960
	// maxOpusPacket bounds a single encoded packet.
	maxOpusPacket = 4000
)

// opusDecoder turns inbound Opus packets into realtime PCM.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(audio.Opus.SampleRate, audio.Opus.Channels)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns PCM16 24 kHz mono bytes for one Opus packet.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus decode: %w", err)
	}
	return audio.Bytes(audio.Convert(pcm, audio.Opus, audio.Realtime)), nil
}

// opusEncoder turns realtime PCM into Opus packets. Input of arbitrary length
// is buffered until a full frame is available.
type opusEncoder struct {
	enc    *gopus.Encoder
	frames framer
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(audio.Opus.SampleRate, audio.Opus.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}
	return &opusEncoder{
		enc:    enc,
		frames: framer{size: opusFrameSize * audio.Opus.Channels},
	}, nil
}

// encode accepts PCM16 24 kHz mono bytes and returns zero or more packets.
func (e *opusEncoder) encode(pcm []byte) ([][]byte, error) {
	stereo := audio.Convert(audio.Samples(pcm), audio.Realtime, audio.Opus)
	var packets [][]byte
	for _, frame := range e.frames.push(stereo) {
		packet, err := e.enc.Encode(frame, opusFrameSize, maxOpusPacket)
		if err != nil {
			return packets, fmt.Errorf("webrtc: opus encode: %w", err)
		}
		packets = append(packets, packet)
	}
	return packets, nil
}

// framer slices a sample stream into fixed-size frames, carrying the
// remainder over to the next push.
type framer struct {
	size    int
	pending []int16
}

func (f *framer) push(samples []int16) [][]int16 {
	f.pending = append(f.pending, samples...)
	var out [][]int16
	for len(f.pending) >= f.size {
		frame := make([]int16, f.size)
		copy(frame, f.pending[:f.size])
		out = append(out, frame)
		f.pending = f.pending[f.size:]
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
	return out
}

// buffered returns the number of samples waiting for a full frame.
func (f *framer) buffered() int { return len(f.pending) }
