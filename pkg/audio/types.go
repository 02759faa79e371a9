package audio

import "time"

// Origin identifies which side of the conversation produced a frame.
type Origin int

const (
	// OriginLocalCapture marks frames captured from the local microphone.
	OriginLocalCapture Origin = iota

	// OriginRemoteSpeech marks frames of synthesized speech received from the
	// speech backend.
	OriginRemoteSpeech
)

// String returns the human-readable name of the origin.
func (o Origin) String() string {
	switch o {
	case OriginLocalCapture:
		return "local-capture"
	case OriginRemoteSpeech:
		return "remote-speech"
	default:
		return "unknown"
	}
}

// AudioFrame is the unit of audio flowing through the pipeline.
// Frames are created at capture or at wire-decode and discarded right after
// they are encoded for the wire or scheduled for playback.
type AudioFrame struct {
	// Samples holds mono signed 16-bit PCM.
	Samples []int16

	// SampleRate in Hz. Fixed for the lifetime of a session (e.g. 24000).
	SampleRate int

	// Origin tells whether the frame was captured locally or received.
	Origin Origin

	// Seq is the arrival (or capture) order, starting at 1 for each stream.
	Seq uint64

	// Timestamp marks the frame's position relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame. Zero for frames with
// no samples or an unset sample rate.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || len(f.Samples) == 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
