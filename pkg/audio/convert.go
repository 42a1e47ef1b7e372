// Package audio provides the codec conversions used on the telephony media
// path: G.711 μ-law companding and linear-PCM resampling.
//
// The carrier speaks base64-framed μ-law at 8 kHz mono. The TTS provider is
// normally configured to emit μ-law 8 kHz directly; the resampler covers the
// fallback path where a provider returns linear PCM at a higher rate
// (typically 22050 Hz) that must be brought down to the carrier rate.
package audio

import "github.com/zaf/g711"

// CarrierSampleRate is the sample rate of the telephony media stream in Hz.
const CarrierSampleRate = 8000

// MulawToLinear16 decodes μ-law bytes to 16-bit little-endian linear PCM.
// Well-defined for any input length; an empty input yields an empty output.
func MulawToLinear16(buf []byte) []byte {
	if len(buf) == 0 {
		return nil
	}
	return g711.DecodeUlaw(buf)
}

// Linear16ToMulaw encodes 16-bit little-endian linear PCM to μ-law bytes.
// A trailing odd byte is dropped rather than treated as a sample.
func Linear16ToMulaw(buf []byte) []byte {
	if len(buf)%2 != 0 {
		buf = buf[:len(buf)-1]
	}
	if len(buf) == 0 {
		return nil
	}
	return g711.EncodeUlaw(buf)
}

// ResampleLinear16 converts 16-bit mono little-endian PCM from inRate to
// outRate using nearest-neighbor sampling. The telephony path does not need
// higher-order filtering: the dominant use is 22050 → 8000 on synthesized
// speech. If the rates match (or either is non-positive) the input is
// returned unchanged.
func ResampleLinear16(pcm []byte, inRate, outRate int) []byte {
	if inRate <= 0 || outRate <= 0 || inRate == outRate {
		return pcm
	}
	srcSamples := len(pcm) / 2
	if srcSamples == 0 {
		return nil
	}
	dstSamples := int(int64(srcSamples) * int64(outRate) / int64(inRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(inRate) / float64(outRate)
	for i := range dstSamples {
		srcIdx := int(float64(i) * ratio)
		if srcIdx >= srcSamples {
			srcIdx = srcSamples - 1
		}
		out[i*2] = pcm[srcIdx*2]
		out[i*2+1] = pcm[srcIdx*2+1]
	}
	return out
}
