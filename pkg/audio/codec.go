package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrOddLength is wrapped by [DecodeError] when a PCM16 buffer does not hold
// a whole number of samples.
var ErrOddLength = errors.New("odd byte count for 16-bit PCM")

// DecodeError reports a malformed or truncated buffer at a codec boundary.
// Codec functions never truncate silently; the caller decides whether to drop
// the frame.
type DecodeError struct {
	// Op names the failing operation ("pcm16", "base64", "wav", ...).
	Op string

	// Len is the length of the offending input in bytes (or characters for
	// base64 text).
	Len int

	// Err is the underlying cause.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %s (%d bytes): %v", e.Op, e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FloatToInt16 converts a float sample to signed 16-bit PCM. The input is
// clamped to [-1, 1]; negative values scale by 0x8000 and non-negative values
// by 0x7FFF. The asymmetric range is part of the wire format.
func FloatToInt16(f float32) int16 {
	if math.IsNaN(float64(f)) {
		return 0
	}
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	if f < 0 {
		return int16(f * 0x8000)
	}
	return int16(f * 0x7FFF)
}

// Int16ToFloat is the exact inverse scaling of [FloatToInt16].
func Int16ToFloat(s int16) float32 {
	if s < 0 {
		return float32(s) / 0x8000
	}
	return float32(s) / 0x7FFF
}

// FloatsToInt16s converts a slice of float samples with [FloatToInt16].
func FloatsToInt16s(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, f := range in {
		out[i] = FloatToInt16(f)
	}
	return out
}

// Int16sToFloats converts a slice of PCM16 samples with [Int16ToFloat].
func Int16sToFloats(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = Int16ToFloat(s)
	}
	return out
}

// ResampledLength returns the number of output samples [Resample] produces
// for n input samples: ceil(n * dstRate / srcRate).
func ResampledLength(n, srcRate, dstRate int) int {
	if n <= 0 || srcRate <= 0 || dstRate <= 0 {
		return 0
	}
	return int((int64(n)*int64(dstRate) + int64(srcRate) - 1) / int64(srcRate))
}

// Resample converts float samples at srcRate to PCM16 at dstRate using linear
// interpolation. The output holds ceil(duration * dstRate) samples, so timing
// (and therefore pitch) is preserved. Identical rates only convert.
func Resample(samples []float32, srcRate, dstRate int) []int16 {
	if len(samples) == 0 || srcRate <= 0 || dstRate <= 0 {
		return nil
	}
	if srcRate == dstRate {
		return FloatsToInt16s(samples)
	}

	n := ResampledLength(len(samples), srcRate, dstRate)
	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1

	for i := range n {
		pos := float64(i) * ratio
		idx := int(math.Floor(pos))
		if idx >= last {
			out[i] = FloatToInt16(samples[last])
			continue
		}
		frac := float32(pos - float64(idx))
		s := samples[idx]*(1-frac) + samples[idx+1]*frac
		out[i] = FloatToInt16(s)
	}
	return out
}

// EncodePCM16 serialises samples as little-endian 16-bit PCM.
func EncodePCM16(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// DecodePCM16 parses little-endian 16-bit PCM. A buffer with an odd length is
// rejected with a [*DecodeError] wrapping [ErrOddLength].
func DecodePCM16(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, &DecodeError{Op: "pcm16", Len: len(b), Err: ErrOddLength}
	}
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples, nil
}

// EncodeBase64 encodes raw bytes for JSON-safe transport.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 reverses [EncodeBase64]. Malformed input yields a
// [*DecodeError].
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Op: "base64", Len: len(s), Err: err}
	}
	return b, nil
}

// EncodeFrame serialises a frame's samples as base64 PCM16.
func EncodeFrame(f AudioFrame) string {
	return EncodeBase64(EncodePCM16(f.Samples))
}

// DecodeFrame parses a base64 PCM16 payload received from the backend into a
// remote-speech frame at sampleRate. Empty payloads are rejected.
func DecodeFrame(payload string, sampleRate int) (AudioFrame, error) {
	raw, err := DecodeBase64(payload)
	if err != nil {
		return AudioFrame{}, err
	}
	if len(raw) == 0 {
		return AudioFrame{}, &DecodeError{Op: "pcm16", Len: 0, Err: errors.New("empty payload")}
	}
	samples, err := DecodePCM16(raw)
	if err != nil {
		return AudioFrame{}, err
	}
	return AudioFrame{
		Samples:    samples,
		SampleRate: sampleRate,
		Origin:     OriginRemoteSpeech,
	}, nil
}
