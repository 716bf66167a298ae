// Package audio provides the PCM16 helpers shared by the voice transports and
// the capture meter: sample packing, channel mapping, resampling and level
// analysis.
//
// All byte-oriented functions treat their input as little-endian signed
// 16-bit samples. Odd trailing bytes are ignored.
package audio

import "time"

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Common formats.
var (
	// Realtime is the 24 kHz mono format of the pcm16 realtime wire encoding.
	Realtime = Format{SampleRate: 24000, Channels: 1}

	// Opus is the 48 kHz stereo format carried on WebRTC audio tracks.
	Opus = Format{SampleRate: 48000, Channels: 2}
)

// BytesPerSecond returns the PCM16 byte rate of f.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.Channels * 2 }

// FrameBytes returns the number of bytes in a frame of duration d.
func (f Format) FrameBytes(d time.Duration) int {
	return int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
}

// FrameSamples returns the per-channel sample count of a frame of duration d.
func (f Format) FrameSamples(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// Duration returns how long n bytes of PCM16 in format f play for.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Samples unpacks little-endian PCM16 bytes.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}
	return out
}

// Bytes packs samples as little-endian PCM16.
func Bytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
