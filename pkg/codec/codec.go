// Package codec converts audio between the telephony wire format (G.711
// µ-law, 8 kHz mono) and the 16-bit little-endian PCM used by the speech
// providers.
package codec

import "github.com/zaf/g711"

// TelephonyRate is the sample rate of the telephony media stream.
const TelephonyRate = 8000

// DecodeInbound expands µ-law bytes from the transport into PCM16 samples.
// Each input byte yields two output bytes.
func DecodeInbound(ulaw []byte) []byte {
	if len(ulaw) == 0 {
		return nil
	}
	return g711.DecodeUlaw(ulaw)
}

// EncodeOutbound compresses PCM16 samples into µ-law for the transport.
// A trailing odd byte is ignored.
func EncodeOutbound(pcm []byte) []byte {
	if len(pcm) < 2 {
		return nil
	}
	return g711.EncodeUlaw(pcm[:len(pcm)&^1])
}

// Codec adapts PCM at an arbitrary pipeline rate to and from the telephony
// stream. The zero value is not usable; use New.
type Codec struct {
	rate int
}

// New returns a Codec for a pipeline running at sampleRate.
func New(sampleRate int) Codec {
	if sampleRate <= 0 {
		sampleRate = TelephonyRate
	}
	return Codec{rate: sampleRate}
}

// SampleRate returns the pipeline sample rate.
func (c Codec) SampleRate() int { return c.rate }

// Inbound decodes a µ-law frame and resamples it to the pipeline rate.
func (c Codec) Inbound(ulaw []byte) []byte {
	pcm := DecodeInbound(ulaw)
	if c.rate == TelephonyRate {
		return pcm
	}
	return ResampleBytes(pcm, TelephonyRate, c.rate)
}

// Outbound resamples pipeline PCM to 8 kHz and encodes it as µ-law.
func (c Codec) Outbound(pcm []byte) []byte {
	if c.rate != TelephonyRate {
		pcm = ResampleBytes(pcm, c.rate, TelephonyRate)
	}
	return EncodeOutbound(pcm)
}
