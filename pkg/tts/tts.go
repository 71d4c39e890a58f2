// Package tts synthesizes assistant replies into PCM audio as text arrives.
//
// Channel is the incremental, per-call contract used by the call agent:
// text is pushed token by token during an assistant turn and audio is
// delivered to an Observer in playback order. Two implementations exist:
//
//   - ElevenLabsWS streams text over the ElevenLabs stream-input WebSocket,
//     opening one connection per turn.
//   - HTTPChannel cuts text into sentences and synthesizes each over the
//     ElevenLabs HTTP streaming endpoint, decoding MP3 in process.
//
//	ch, _ := tts.NewElevenLabsWS(
//	    tts.WithAPIKey(os.Getenv("ELEVENLABS_API_KEY")),
//	    tts.WithVoice("TxGEqnHWrfWFTfG4DY78"),
//	)
//	ch.Start(ctx, observer)
//	ch.StreamText("Bonjour, ")
//	ch.StreamText("comment allez-vous ?")
//	ch.Flush(ctx)
package tts

import "context"

// Observer receives synthesized audio and errors.
type Observer interface {
	// OnAudioChunk receives PCM16 mono audio at the configured sample rate.
	OnAudioChunk(pcm []byte)
	// OnError reports a failed synthesis attempt. It is called at most once
	// per turn and the attempt is not retried.
	OnError(err error)
}

// Channel is an incremental synthesis stream owned by one call.
type Channel interface {
	// Start binds the observer. It may be called once.
	Start(ctx context.Context, obs Observer) error

	// StreamText appends text to the current turn.
	StreamText(text string) error

	// Flush marks the end of the current turn's text and blocks until its
	// remaining audio has been delivered or ctx is done.
	Flush(ctx context.Context) error

	// Reset abandons the current turn. No audio from it is delivered after
	// Reset returns.
	Reset() error

	// Close releases all resources. Idempotent.
	Close() error
}

// Provider synthesizes one piece of text per request.
type Provider interface {
	// Stream converts text to audio, returning chunks as they arrive.
	Stream(ctx context.Context, text string) (AudioStream, error)

	// Health checks provider connectivity and API key validity.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// AudioStream represents a streaming audio response.
// Callers should read until Read returns nil, then call Close.
type AudioStream interface {
	// Read returns the next audio chunk, or nil when the stream is complete.
	Read() ([]byte, error)

	// Close stops the stream and releases resources.
	Close() error

	// Format returns the audio format metadata.
	Format() AudioFormat
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
	BitDepth   int
}

// Encoding represents audio encoding types.
// These match ElevenLabs output format options.
type Encoding string

const (
	EncodingPCM8  Encoding = "pcm_8000"
	EncodingPCM16 Encoding = "pcm_16000"
	EncodingPCM22 Encoding = "pcm_22050"
	EncodingPCM24 Encoding = "pcm_24000"
	EncodingPCM44 Encoding = "pcm_44100"

	EncodingMP3   Encoding = "mp3_44100_128"
	EncodingMP322 Encoding = "mp3_22050_32"
)

// IsMP3 reports whether the encoding is compressed MP3.
func (e Encoding) IsMP3() bool {
	return e == EncodingMP3 || e == EncodingMP322
}

// IsPCM reports whether the encoding is raw PCM16.
func (e Encoding) IsPCM() bool {
	switch e {
	case EncodingPCM8, EncodingPCM16, EncodingPCM22, EncodingPCM24, EncodingPCM44:
		return true
	}
	return false
}

// VoiceSettings controls voice characteristics.
type VoiceSettings struct {
	// Stability controls voice consistency (0.0-1.0).
	// Lower values = more expressive/variable, higher = more consistent.
	Stability float64

	// SimilarityBoost controls how closely the voice matches the original (0.0-1.0).
	SimilarityBoost float64

	// Style controls style exaggeration (0.0-1.0).
	Style float64

	SpeakerBoost bool
}

// DefaultVoiceSettings returns the settings used for phone calls.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.3,
		SimilarityBoost: 0.75,
	}
}

// SampleRateFromEncoding extracts the sample rate from an encoding type.
func SampleRateFromEncoding(enc Encoding) int {
	switch enc {
	case EncodingPCM8:
		return 8000
	case EncodingPCM16:
		return 16000
	case EncodingPCM22, EncodingMP322:
		return 22050
	case EncodingPCM24:
		return 24000
	case EncodingPCM44, EncodingMP3:
		return 44100
	default:
		return 0
	}
}
