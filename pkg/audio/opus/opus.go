// Package opus encodes batch recordings as a compact sequence of Opus packets.
//
// The blob layout is a stream of packets, each prefixed with its length as a
// big-endian uint16. Every packet holds one 20 ms mono frame at the encoder's
// sample rate. The layout is what the batch transcription endpoint accepts as
// "audio/opus-lp" and is markedly smaller than WAV on slow uplinks.
package opus

import (
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

// MimeType is the content type of blobs produced by [Encoder].
const MimeType = "audio/opus-lp"

// frameMs is the Opus frame duration used for every packet.
const frameMs = 20

// maxPacketBytes bounds a single encoded packet.
const maxPacketBytes = 4000

// FrameSize returns the samples per 20 ms frame at rate.
func FrameSize(rate int) int { return rate * frameMs / 1000 }

// Encoder buffers mono PCM16 and encodes whole 20 ms frames as they fill.
// The final partial frame is zero-padded on Finish. Not safe for concurrent
// use.
type Encoder struct {
	enc       *gopus.Encoder
	frameSize int
	pending   []int16
	out       []byte
}

// NewEncoder creates an encoder for mono audio at sampleRate. Opus accepts
// 8000, 12000, 16000, 24000 and 48000 Hz.
func NewEncoder(sampleRate int) (*Encoder, error) {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("opus: unsupported sample rate %d", sampleRate)
	}
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc, frameSize: FrameSize(sampleRate)}, nil
}

// Write appends samples, encoding every complete frame.
func (e *Encoder) Write(samples []int16) error {
	e.pending = append(e.pending, samples...)
	for len(e.pending) >= e.frameSize {
		if err := e.encodeFrame(e.pending[:e.frameSize]); err != nil {
			return err
		}
		e.pending = e.pending[e.frameSize:]
	}
	return nil
}

// Finish flushes the last partial frame and returns the packet stream. The
// encoder is reset and may be reused.
func (e *Encoder) Finish() ([]byte, error) {
	if len(e.pending) > 0 {
		frame := make([]int16, e.frameSize)
		copy(frame, e.pending)
		if err := e.encodeFrame(frame); err != nil {
			return nil, err
		}
	}
	out := e.out
	e.out, e.pending = nil, nil
	if len(out) == 0 {
		return nil, errors.New("opus: no audio recorded")
	}
	return out, nil
}

// MimeType returns [MimeType].
func (e *Encoder) MimeType() string { return MimeType }

// Close drops buffered audio.
func (e *Encoder) Close() error {
	e.out, e.pending = nil, nil
	return nil
}

func (e *Encoder) encodeFrame(frame []int16) error {
	pkt, err := e.enc.Encode(frame, e.frameSize, maxPacketBytes)
	if err != nil {
		return fmt.Errorf("opus: encode: %w", err)
	}
	e.out = binary.BigEndian.AppendUint16(e.out, uint16(len(pkt)))
	e.out = append(e.out, pkt...)
	return nil
}

// SplitPackets splits a blob produced by [Encoder] into its packets. A
// truncated length prefix or packet yields a [*audio.DecodeError].
func SplitPackets(blob []byte) ([][]byte, error) {
	var pkts [][]byte
	for off := 0; off < len(blob); {
		if off+2 > len(blob) {
			return nil, &audio.DecodeError{Op: "opus", Len: len(blob), Err: errors.New("truncated length prefix")}
		}
		n := int(binary.BigEndian.Uint16(blob[off:]))
		off += 2
		if off+n > len(blob) {
			return nil, &audio.DecodeError{Op: "opus", Len: len(blob), Err: fmt.Errorf("packet of %d bytes truncated", n)}
		}
		pkts = append(pkts, blob[off:off+n])
		off += n
	}
	return pkts, nil
}

// Decode decodes a blob produced by [Encoder] back into mono PCM16.
func Decode(blob []byte, sampleRate int) ([]int16, error) {
	pkts, err := SplitPackets(blob)
	if err != nil {
		return nil, err
	}
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	var out []int16
	for _, p := range pkts {
		pcm, err := dec.Decode(p, FrameSize(sampleRate), false)
		if err != nil {
			return nil, &audio.DecodeError{Op: "opus", Len: len(p), Err: err}
		}
		out = append(out, pcm...)
	}
	return out, nil
}
