// Package wav reads and writes 16-bit PCM RIFF/WAVE data.
//
// It backs the batch capture mode (a complete recording is uploaded as a
// single WAV blob) and the WAV file adapters in audio/wavfile.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/parley/pkg/audio"
)

// HeaderSize is the size of the canonical 44-byte PCM WAV header.
const HeaderSize = 44

// MimeType is the content type of blobs produced by [Encoder].
const MimeType = "audio/wav"

// Header is the canonical PCM WAV header.
type Header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // data bytes
}

// NewHeader builds a 16-bit PCM header for dataSize bytes of audio.
func NewHeader(format audio.Format, dataSize uint32) Header {
	channels := uint16(max(format.Channels, 1))
	return Header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate) * uint32(channels) * 2,
		BlockAlign:    channels * 2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// Encode encodes mono PCM16 samples into a WAV file.
func Encode(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, errors.New("wav: cannot encode empty audio")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("wav: sample rate must be positive, got %d", sampleRate)
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(samples)*2))
	hdr := NewHeader(audio.Format{SampleRate: sampleRate, Channels: 1}, uint32(len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("wav: write header: %w", err)
	}
	buf.Write(audio.EncodePCM16(samples))
	return buf.Bytes(), nil
}

// ReadHeader reads and validates a canonical header from r. Only 16-bit PCM
// with one or two channels is accepted.
func ReadHeader(r io.Reader) (Header, error) {
	var hdr Header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return Header{}, &audio.DecodeError{Op: "wav", Len: 0, Err: fmt.Errorf("read header: %w", err)}
	}
	var problem string
	switch {
	case string(hdr.ChunkID[:]) != "RIFF":
		problem = "missing RIFF header"
	case string(hdr.Format[:]) != "WAVE":
		problem = "missing WAVE format"
	case string(hdr.Subchunk1ID[:]) != "fmt ":
		problem = "missing fmt chunk"
	case string(hdr.Subchunk2ID[:]) != "data":
		problem = "missing data chunk"
	case hdr.AudioFormat != 1:
		problem = fmt.Sprintf("unsupported audio format %d (only PCM)", hdr.AudioFormat)
	case hdr.BitsPerSample != 16:
		problem = fmt.Sprintf("unsupported bit depth %d (only 16-bit)", hdr.BitsPerSample)
	case hdr.NumChannels != 1 && hdr.NumChannels != 2:
		problem = fmt.Sprintf("unsupported channel count %d", hdr.NumChannels)
	case hdr.SampleRate == 0:
		problem = "sample rate is zero"
	}
	if problem != "" {
		return Header{}, &audio.DecodeError{Op: "wav", Len: HeaderSize, Err: errors.New(problem)}
	}
	return hdr, nil
}

// Decode parses a mono or stereo 16-bit WAV file. Stereo input is downmixed.
// It returns the samples and the sample rate. A data chunk that is shorter
// than the header claims is rejected rather than truncated.
func Decode(data []byte) ([]int16, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, &audio.DecodeError{Op: "wav", Len: len(data), Err: fmt.Errorf("need at least %d bytes", HeaderSize)}
	}
	hdr, err := ReadHeader(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	body := data[HeaderSize:]
	if uint32(len(body)) < hdr.Subchunk2Size {
		return nil, 0, &audio.DecodeError{Op: "wav", Len: len(data), Err: fmt.Errorf("data chunk truncated: header says %d bytes, have %d", hdr.Subchunk2Size, len(body))}
	}
	body = body[:hdr.Subchunk2Size]
	if hdr.NumChannels == 2 {
		if len(body)%4 != 0 {
			return nil, 0, &audio.DecodeError{Op: "wav", Len: len(body), Err: audio.ErrOddLength}
		}
		body = audio.StereoToMono(body)
	}
	samples, err := audio.DecodePCM16(body)
	if err != nil {
		return nil, 0, err
	}
	return samples, int(hdr.SampleRate), nil
}

// Encoder accumulates mono PCM16 in memory and produces a WAV blob on Finish.
// It is the batch-mode blob encoder of the capture session. Not safe for
// concurrent use.
type Encoder struct {
	rate int
	data bytes.Buffer
}

// NewEncoder returns an Encoder for mono audio at sampleRate.
func NewEncoder(sampleRate int) *Encoder {
	return &Encoder{rate: sampleRate}
}

// Write appends samples.
func (e *Encoder) Write(samples []int16) error {
	e.data.Write(audio.EncodePCM16(samples))
	return nil
}

// Finish returns the complete WAV file. The encoder is reset.
func (e *Encoder) Finish() ([]byte, error) {
	defer e.data.Reset()
	if e.data.Len() == 0 {
		return nil, errors.New("wav: no audio recorded")
	}
	out := bytes.NewBuffer(make([]byte, 0, HeaderSize+e.data.Len()))
	hdr := NewHeader(audio.Format{SampleRate: e.rate, Channels: 1}, uint32(e.data.Len()))
	if err := binary.Write(out, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("wav: write header: %w", err)
	}
	out.Write(e.data.Bytes())
	return out.Bytes(), nil
}

// MimeType returns [MimeType].
func (e *Encoder) MimeType() string { return MimeType }

// Close releases buffered audio.
func (e *Encoder) Close() error {
	e.data.Reset()
	return nil
}
