package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FormatConverter converts raw little-endian PCM16 buffers to a mono target
// rate. Devices and files deliver whatever format they have; the pipeline only
// deals in mono. It logs a warning on the first format mismatch and on the
// first corrupt buffer. Create one per stream; not designed for shared use
// across goroutines.
type FormatConverter struct {
	// TargetRate is the output sample rate in Hz. Output is always mono.
	TargetRate     int
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts pcm in format from to mono PCM at TargetRate. A buffer that
// does not hold whole sample frames is dropped (nil return). If from already
// matches the target, pcm is returned unchanged.
// Conversion order: downmix first, then resample (never resample stereo).
func (c *FormatConverter) Convert(pcm []byte, from Format) []byte {
	frameBytes := 2 * max(from.Channels, 1)
	if len(pcm)%frameBytes != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: partial PCM frame, dropping buffer",
				"bytes", len(pcm),
				"format", from.String(),
			)
		})
		return nil
	}

	if from.Channels <= 1 && from.SampleRate == c.TargetRate {
		return pcm
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", from.String(),
			"to", formatString(c.TargetRate, 1),
		)
	})

	if from.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if from.SampleRate != c.TargetRate {
		pcm = ResampleMono16(pcm, from.SampleRate, c.TargetRate)
	}
	return pcm
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM bytes from srcRate to dstRate using
// linear interpolation. It is the byte-level sibling of [Resample] and yields
// the same ceil(n * dst / src) sample count. If srcRate == dstRate the input
// is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := ResampledLength(srcSamples, srcRate, dstRate)

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := min(int(srcPos), srcSamples-1)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
