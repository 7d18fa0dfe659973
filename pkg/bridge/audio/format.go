package audio

import (
	"errors"
	"fmt"
)

const (
	EncodingMulaw    = "MULAW"
	EncodingLinear16 = "LINEAR16"
)

var (
	ErrUnsupportedEncoding = errors.New("unsupported audio encoding")
	ErrInvalidFormat       = errors.New("invalid audio format")
	ErrPartialFrame        = errors.New("audio data is not a whole number of frames")
)

// Format describes one leg's audio as it travels on the wire.
type Format struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// Telephony is the narrowband μ-law format spoken by the client leg.
var Telephony = Format{Encoding: EncodingMulaw, SampleRate: 8000, Channels: 1}

func (f Format) Validate() error {
	switch f.Encoding {
	case EncodingMulaw, EncodingLinear16:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEncoding, f.Encoding)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be > 0", ErrInvalidFormat)
	}
	if f.channels() <= 0 {
		return fmt.Errorf("%w: channels must be > 0", ErrInvalidFormat)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%d/%dch", f.Encoding, f.SampleRate, f.channels())
}

func (f Format) channels() int {
	if f.Channels == 0 {
		return 1
	}
	return f.Channels
}
