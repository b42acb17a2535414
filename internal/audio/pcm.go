package audio

import "encoding/binary"

// DecodeInt16LE converts little-endian PCM16 bytes into samples.
// A trailing odd byte is dropped.
func DecodeInt16LE(raw []byte) []int16 {
	n := len(raw) / BytesPerSample
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples
}

// EncodeInt16LE converts samples into little-endian PCM16 bytes.
func EncodeInt16LE(samples []int16) []byte {
	raw := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return raw
}

// Downmix folds interleaved multi-channel samples into mono by averaging.
// channels <= 1 returns the input unchanged.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}

// Resample converts mono samples from one rate to another by linear
// interpolation. Quality is sufficient for speech fed to a transcription
// backend; this is not a general-purpose resampler.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}
	outLen := len(samples) * toRate / fromRate
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// ConvertPCM16 brings raw interleaved PCM16 at an arbitrary rate and channel
// count into the fixed wire format (16 kHz mono). This is the real-time
// conversion stage attached behind every capture strategy.
func ConvertPCM16(raw []byte, srcRate, srcChannels int) []byte {
	samples := DecodeInt16LE(raw)
	samples = Downmix(samples, srcChannels)
	samples = Resample(samples, srcRate, SampleRate)
	return EncodeInt16LE(samples)
}
