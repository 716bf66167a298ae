package audio

// Upmix duplicates each mono sample into an interleaved stereo pair.
func Upmix(mono []int16) []int16 {
	out := make([]int16, 2*len(mono))
	for i, s := range mono {
		out[2*i] = s
		out[2*i+1] = s
	}
	return out
}

// Downmix averages each interleaved stereo pair into one mono sample.
func Downmix(stereo []int16) []int16 {
	out := make([]int16, len(stereo)/2)
	for i := range out {
		out[i] = int16((int32(stereo[2*i]) + int32(stereo[2*i+1])) / 2)
	}
	return out
}

// Resample converts interleaved samples with the given channel count from
// srcRate to dstRate by linear interpolation per channel. The input is
// returned as-is when the rates match or a parameter is not positive.
func Resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return samples
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]int16, dstFrames*channels)
	step := float64(srcRate) / float64(dstRate)

	for f := range dstFrames {
		pos := float64(f) * step
		i0 := int(pos)
		i1 := min(i0+1, srcFrames-1)
		frac := pos - float64(i0)
		for c := range channels {
			a := float64(samples[i0*channels+c])
			b := float64(samples[i1*channels+c])
			out[f*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}

// Convert maps samples from one format to another. Channel reduction happens
// before resampling and channel expansion after, so the resampler always
// processes the smaller number of channels.
func Convert(samples []int16, from, to Format) []int16 {
	if from == to {
		return samples
	}
	channels := from.Channels
	if channels == 2 && to.Channels == 1 {
		samples = Downmix(samples)
		channels = 1
	}
	samples = Resample(samples, channels, from.SampleRate, to.SampleRate)
	if channels == 1 && to.Channels == 2 {
		samples = Upmix(samples)
	}
	return samples
}

// ConvertPCM is [Convert] on little-endian PCM16 bytes.
func ConvertPCM(pcm []byte, from, to Format) []byte {
	if from == to {
		return pcm
	}
	return Bytes(Convert(Samples(pcm), from, to))
}
