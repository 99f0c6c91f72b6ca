// Package audio provides the PCM utilities the gateway runs on every
// inbound chunk: sample-rate conversion to the 16 kHz mono format the VAD
// and the speech model expect, optional input gain, fixed-size framing for
// the detectors, and byte/duration arithmetic.
//
// All functions operate on raw 16-bit little-endian signed mono PCM.
package audio

import "time"

// TargetSampleRate is the pipeline-internal sample rate. Everything after
// the gateway's ingest boundary is 16 kHz mono s16le.
const TargetSampleRate = 16000

// bytesPerSample is the width of one s16le sample.
const bytesPerSample = 2

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation, in a single pass over the input. If srcRate ==
// dstRate the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < bytesPerSample {
		return pcm
	}
	srcSamples := len(pcm) / bytesPerSample
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*bytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// ApplyGain scales every sample by gain in place and returns the buffer.
// Values are clamped to the int16 range. A gain of 1.0 (or anything not
// strictly positive) leaves the audio untouched.
func ApplyGain(pcm []byte, gain float64) []byte {
	if gain == 1.0 || gain <= 0 {
		return pcm
	}
	for i := 0; i+1 < len(pcm); i += bytesPerSample {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		s *= gain
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		v := int16(s)
		pcm[i] = byte(v)
		pcm[i+1] = byte(v >> 8)
	}
	return pcm
}

// BytesFor returns how many PCM bytes cover the duration at the given
// sample rate, rounded down to a whole sample.
func BytesFor(d time.Duration, sampleRate int) int {
	samples := int(int64(sampleRate) * d.Nanoseconds() / int64(time.Second))
	return samples * bytesPerSample
}

// DurationOf returns how much audio time the byte count represents at the
// given sample rate.
func DurationOf(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / bytesPerSample
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}
