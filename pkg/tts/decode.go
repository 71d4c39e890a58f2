package tts

import (
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/teslashibe/go-phoneagent/pkg/codec"
)

// pcmChunkBytes is the read size for decoded audio; 4608 bytes is one MP3
// frame of 16-bit stereo (1152 samples).
const pcmChunkBytes = 4608

// decodeStream reads stream to completion, converting it to PCM16 mono at
// targetRate and passing each chunk to emit. emit returning false stops
// decoding early.
func decodeStream(stream AudioStream, targetRate int, emit func([]byte) bool) error {
	format := stream.Format()
	r := &streamReader{stream: stream}

	if format.Encoding.IsMP3() {
		return decodeMP3(r, targetRate, emit)
	}

	rate := format.SampleRate
	if rate == 0 {
		rate = targetRate
	}
	var carry []byte
	buf := make([]byte, pcmChunkBytes)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			even := len(data) &^ 1
			carry = append([]byte(nil), data[even:]...)
			if even > 0 && !emit(codec.ResampleBytes(data[:even], rate, targetRate)) {
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func decodeMP3(r io.Reader, targetRate int, emit func([]byte) bool) error {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return fmt.Errorf("mp3: %w", err)
	}
	srcRate := dec.SampleRate()

	buf := make([]byte, pcmChunkBytes)
	for {
		n, err := io.ReadFull(dec, buf)
		if n >= 4 {
			frames := n &^ 3
			mono := codec.StereoToMono(codec.BytesToSamples(buf[:frames]))
			pcm := codec.SamplesToBytes(codec.Resample(mono, srcRate, targetRate))
			if len(pcm) > 0 && !emit(pcm) {
				return nil
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mp3: %w", err)
		}
	}
}

// streamReader adapts AudioStream to io.Reader.
type streamReader struct {
	stream AudioStream
	buf    []byte
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, err := r.stream.Read()
		if err != nil {
			return 0, err
		}
		if chunk == nil {
			return 0, io.EOF
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
