package audio

import (
	"fmt"

	"github.com/zaf/g711"
)

// MulawToLinear16 expands μ-law bytes to little-endian 16-bit PCM.
func MulawToLinear16(ulaw []byte) []byte {
	if len(ulaw) == 0 {
		return []byte{}
	}
	return g711.DecodeUlaw(ulaw)
}

// Linear16ToMulaw compresses little-endian 16-bit PCM to μ-law.
func Linear16ToMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrPartialFrame
	}
	if len(pcm) == 0 {
		return []byte{}, nil
	}
	return g711.EncodeUlaw(pcm), nil
}

// Transcoder converts frames of one stream from one Format to another. It
// keeps the resampler state of that stream, so each direction of a call needs
// its own Transcoder. A Transcoder is not safe for concurrent use.
type Transcoder struct {
	from  Format
	to    Format
	state ResampleState
}

func NewTranscoder(from, to Format) (*Transcoder, error) {
	if err := from.Validate(); err != nil {
		return nil, fmt.Errorf("source format: %w", err)
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("target format: %w", err)
	}
	if from.channels() != to.channels() {
		return nil, fmt.Errorf("%w: channel count %d -> %d", ErrInvalidFormat, from.channels(), to.channels())
	}
	return &Transcoder{from: from, to: to}, nil
}

func (t *Transcoder) From() Format { return t.from }
func (t *Transcoder) To() Format   { return t.to }

// PassThrough reports whether Convert returns its input unchanged.
func (t *Transcoder) PassThrough() bool {
	return t.from.Encoding == t.to.Encoding && t.from.SampleRate == t.to.SampleRate
}

func (t *Transcoder) Convert(frame []byte) ([]byte, error) {
	if t.PassThrough() {
		return frame, nil
	}

	pcm := frame
	if t.from.Encoding == EncodingMulaw {
		pcm = MulawToLinear16(frame)
	} else if len(pcm)%2 != 0 {
		return nil, ErrPartialFrame
	}

	if t.from.SampleRate != t.to.SampleRate {
		next, state, err := Resample(pcm, t.from.channels(), t.from.SampleRate, t.to.SampleRate, t.state)
		if err != nil {
			return nil, fmt.Errorf("resample %d->%d: %w", t.from.SampleRate, t.to.SampleRate, err)
		}
		t.state = state
		pcm = next
	}

	if t.to.Encoding == EncodingMulaw {
		return Linear16ToMulaw(pcm)
	}
	return pcm, nil
}

// Reset discards the resampler state, as at the start of a new stream.
func (t *Transcoder) Reset() {
	t.state = ResampleState{}
}
