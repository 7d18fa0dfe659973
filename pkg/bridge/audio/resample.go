package audio

import (
	"encoding/binary"
	"fmt"
)

// ResampleState carries the interpolation phase and the last two input
// samples per channel between consecutive calls to Resample. The zero value
// is the state of a fresh stream.
type ResampleState struct {
	started bool
	phase   int
	prev    []int
	cur     []int
}

// Resample converts little-endian 16-bit PCM between sample rates with linear
// interpolation. The returned state must be passed to the next call on the
// same stream so frame boundaries do not produce clicks or drift.
func Resample(pcm []byte, channels, inRate, outRate int, state ResampleState) ([]byte, ResampleState, error) {
	if channels <= 0 {
		return nil, state, fmt.Errorf("%w: channels must be > 0", ErrInvalidFormat)
	}
	if inRate <= 0 || outRate <= 0 {
		return nil, state, fmt.Errorf("%w: sample rate must be > 0", ErrInvalidFormat)
	}
	frameBytes := 2 * channels
	if len(pcm)%frameBytes != 0 {
		return nil, state, ErrPartialFrame
	}

	g := gcd(inRate, outRate)
	inRate /= g
	outRate /= g

	st := state.clone(channels)
	if !st.started {
		st = ResampleState{
			started: true,
			phase:   -outRate,
			prev:    make([]int, channels),
			cur:     make([]int, channels),
		}
	}

	frames := len(pcm) / frameBytes
	// Upper bound on the output frame count for this call.
	capFrames := (frames*outRate+inRate-1)/inRate + 1
	out := make([]byte, 0, capFrames*frameBytes)

	d := st.phase
	pos := 0
	for {
		for d < 0 {
			if frames == 0 {
				st.phase = d
				return out, st, nil
			}
			for ch := 0; ch < channels; ch++ {
				st.prev[ch] = st.cur[ch]
				st.cur[ch] = int(int16(binary.LittleEndian.Uint16(pcm[pos:])))
				pos += 2
			}
			frames--
			d += outRate
		}
		for d >= 0 {
			for ch := 0; ch < channels; ch++ {
				v := (st.prev[ch]*d + st.cur[ch]*(outRate-d)) / outRate
				out = binary.LittleEndian.AppendUint16(out, uint16(int16(clamp16(v))))
			}
			d -= inRate
		}
	}
}

func (s ResampleState) clone(channels int) ResampleState {
	if !s.started || len(s.prev) != channels || len(s.cur) != channels {
		return ResampleState{}
	}
	c := ResampleState{started: true, phase: s.phase}
	c.prev = append([]int(nil), s.prev...)
	c.cur = append([]int(nil), s.cur...)
	return c
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func clamp16(v int) int {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return v
	}
}
