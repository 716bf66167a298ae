package audio

import "math"

// FloorDBFS is the level mapped to 0 by [Level].
const FloorDBFS = -60.0

// RMS returns the root mean square of samples normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS converts a normalized RMS amplitude to decibels relative to full
// scale. Silence yields negative infinity.
func DBFS(rms float64) float64 {
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

// Level maps PCM16 bytes to a display level in [0, 1]. The RMS is converted
// to dBFS and scaled linearly from [FloorDBFS, 0] to [0, 1], which places
// conversational speech (roughly -30 to -10 dBFS) in the upper half.
func Level(pcm []byte) float64 {
	db := DBFS(RMS(Samples(pcm)))
	if math.IsInf(db, -1) || db <= FloorDBFS {
		return 0
	}
	l := (db - FloorDBFS) / -FloorDBFS
	return min(l, 1)
}
