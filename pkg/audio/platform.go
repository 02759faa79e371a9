// Package audio defines the audio types, the PCM codec, and the platform
// capability interfaces used by the parley voice-interview pipeline.
//
// The capability interfaces abstract the hardware the pipeline touches:
//
//   - [MicrophoneSource] grants (or refuses) access to a capture device and
//     returns an [InputStream] of float samples.
//   - [AudioSink] is an output device with a clock on which buffers are
//     scheduled at absolute times, as needed for gapless playback.
//
// Implementations live in adapter packages (audio/wavfile for the command
// line, audio/mock for tests). Keeping the interfaces narrow lets capture and
// playback logic be tested without real devices.
//
// This package lives under pkg/ because embedding applications are expected
// to supply their own device adapters.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PermissionState is the result of a device-permission query.
type PermissionState int

const (
	// PermissionPrompt means the user has not decided yet.
	PermissionPrompt PermissionState = iota

	// PermissionGranted means access was granted earlier.
	PermissionGranted

	// PermissionDenied means access was refused.
	PermissionDenied
)

// String returns the human-readable name of the permission state.
func (p PermissionState) String() string {
	switch p {
	case PermissionPrompt:
		return "prompt"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// PermissionReason classifies why a device could not be used. The UI layer
// shows different remediation guidance for each reason, so adapters must
// preserve the classification.
type PermissionReason int

const (
	// ReasonDenied: the user or policy refused access.
	ReasonDenied PermissionReason = iota

	// ReasonNoDevice: no capture device is present.
	ReasonNoDevice

	// ReasonUnsupported: the platform offers no capture API.
	ReasonUnsupported

	// ReasonDeviceLost: a device that was in use disappeared mid-session.
	ReasonDeviceLost

	// ReasonInUse: the device exists but another process holds it.
	ReasonInUse
)

// String returns the human-readable name of the reason.
func (r PermissionReason) String() string {
	switch r {
	case ReasonDenied:
		return "denied"
	case ReasonNoDevice:
		return "no-device"
	case ReasonUnsupported:
		return "unsupported"
	case ReasonDeviceLost:
		return "device-lost"
	case ReasonInUse:
		return "in-use"
	default:
		return "unknown"
	}
}

// PermissionError is returned by [MicrophoneSource.Acquire] and reported by
// [InputStream.Err] when device access fails.
type PermissionError struct {
	Reason PermissionReason
	Err    error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return "audio: microphone " + e.Reason.String()
	}
	return fmt.Sprintf("audio: microphone %s: %v", e.Reason, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// PermissionReasonOf extracts the classified reason from err. ok is false if
// err carries no [*PermissionError].
func PermissionReasonOf(err error) (reason PermissionReason, ok bool) {
	var pe *PermissionError
	if errors.As(err, &pe) {
		return pe.Reason, true
	}
	return 0, false
}

// InputStream is an acquired capture device. Frames are delivered as float
// samples in [-1, 1] at Format().SampleRate, downmixed to mono.
//
// Frames may be read by several consumers only through a fan-out owned by one
// reader; the stream itself is never mutated by consumers.
type InputStream interface {
	// Format returns the native device format (Channels is always 1 after
	// adapter downmixing).
	Format() Format

	// Frames returns the channel of captured sample buffers. It is closed when
	// the stream is closed or the device fails; check Err afterwards.
	Frames() <-chan []float32

	// Err returns the failure that closed Frames, or nil after a clean Close.
	Err() error

	// Close releases the hardware. Idempotent.
	Close() error
}

// MicrophoneSource grants access to a capture device.
//
// Implementations must be safe for concurrent use.
type MicrophoneSource interface {
	// Query reports the current permission state without prompting.
	Query(ctx context.Context) (PermissionState, error)

	// Acquire prompts for (or reuses) permission and opens the device. Failures
	// are reported as [*PermissionError].
	Acquire(ctx context.Context) (InputStream, error)
}

// AudioSink is an output device with its own clock. Buffers are scheduled at
// absolute sink times so consecutive buffers can be butted together without
// gaps regardless of when Schedule is called.
//
// Implementations must be safe for concurrent use. onEnded callbacks run on
// an implementation goroutine and must not block.
type AudioSink interface {
	// Prime unlocks output after a user gesture. Idempotent; cheap to call on
	// every enqueue.
	Prime(ctx context.Context) error

	// Now returns the current sink clock.
	Now() time.Duration

	// Schedule plays samples (mono, at rate) starting at sink time at. onEnded
	// is invoked once when the buffer finished playing or was stopped.
	Schedule(samples []float32, rate int, at time.Duration, onEnded func()) error

	// Stop cancels every scheduled buffer. onEnded callbacks still fire.
	Stop()

	// Close releases the output device. Idempotent.
	Close() error
}
