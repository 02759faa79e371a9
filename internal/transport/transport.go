// Package transport owns the persistent, message-framed connection between an
// interview client and the speech backend.
//
// A [Session] is only considered connected after the backend's explicit
// "connected" acknowledgement; an open socket alone is not enough. Inbound
// messages are demultiplexed by their "type" field into typed [Event] values.
// Transient connection loss triggers reconnection with exponential backoff up
// to a fixed number of attempts, while terminal backend errors (rate limiting,
// an inactive session) and caller-initiated disconnects never reconnect.
//
// The underlying duplex channel is abstracted by [Dialer] and [Channel];
// [WebSocketDialer] is the production implementation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrReconnectExhausted is reported once the configured number of
	// reconnection attempts has failed. No further attempts are made.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

	// ErrNotConnected is returned by operations that require an acknowledged
	// connection.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: session closed")

	// ErrAckTimeout is returned by Connect when the backend never acknowledges
	// the connection.
	ErrAckTimeout = errors.New("transport: timed out waiting for connection acknowledgement")
)

// Channel is one open duplex connection carrying JSON text messages.
//
// Write must be safe for concurrent use; Read is only called from a single
// goroutine.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

// Observer receives connection quality samples. The performance monitor
// implements it.
type Observer interface {
	// RecordRTT reports one heartbeat round trip.
	RecordRTT(rtt time.Duration)

	// RecordTraffic reports bytes written to and read from the wire.
	RecordTraffic(sent, received int)
}

// ── State ─────────────────────────────────────────────────────────────────────

// State is the connection state. It is owned by the [Session]; everyone else
// observes it read-only.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

// EventKind identifies an [Event].
type EventKind int

const (
	// EventStateChanged carries the new State, the reconnect Attempt and, for
	// StateError, the cause in Err.
	EventStateChanged EventKind = iota + 1

	// EventAudioChunk carries a base64 PCM16 payload in Audio and its arrival
	// order in Seq.
	EventAudioChunk

	// EventTranscript carries a completed utterance in Transcript.
	EventTranscript

	// EventLatency carries a heartbeat round trip in RTT.
	EventLatency

	// EventBackendError carries a [*BackendError] in Err.
	EventBackendError

	// EventInterviewComplete signals that the backend finished the interview.
	EventInterviewComplete
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventAudioChunk:
		return "audio_chunk"
	case EventTranscript:
		return "transcript"
	case EventLatency:
		return "latency"
	case EventBackendError:
		return "backend_error"
	case EventInterviewComplete:
		return "interview_complete"
	default:
		return "unknown"
	}
}

// Role is the speaker of a transcript.
type Role string

const (
	// RoleUser is the local participant.
	RoleUser Role = "user"

	// RoleAssistant is the remote synthetic voice.
	RoleAssistant Role = "assistant"
)

// Transcript is a completed utterance reported by the backend.
type Transcript struct {
	Role      Role
	Text      string
	MessageID string
}

// Event is delivered on [Session.Events].
type Event struct {
	Kind EventKind

	State   State
	Attempt int

	Audio string
	Seq   uint64

	Transcript Transcript

	RTT time.Duration

	Err error
}

// ── Errors ────────────────────────────────────────────────────────────────────

// terminalCodes are backend error codes after which reconnecting is pointless.
var terminalCodes = map[string]bool{
	"rate_limited":       true,
	"session_inactive":   true,
	"session_not_active": true,
	"session_ended":      true,
	"unauthorized":       true,
}

// BackendError is an error reported by the backend over the channel.
type BackendError struct {
	Code    string
	Message string

	// Terminal errors suppress automatic reconnection.
	Terminal bool
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: backend error %s", e.Code)
	}
	return fmt.Sprintf("transport: backend error %s: %s", e.Code, e.Message)
}

// IsTerminal reports whether err carries a terminal [*BackendError].
func IsTerminal(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Terminal
}

func classifyError(code, message string) *BackendError {
	if code == "" {
		code = "unknown"
	}
	return &BackendError{Code: code, Message: message, Terminal: terminalCodes[code]}
}

// ── Wire messages ─────────────────────────────────────────────────────────────

type audioChunkMessage struct {
	Type      string `json:"type"`
	Audio     string `json:"audio"`
	Timestamp int64  `json:"timestamp"`
}

type controlMessage struct {
	Type string `json:"type"`
}

// inboundMessage is the union of every message the backend sends.
type inboundMessage struct {
	Type string `json:"type"`

	// ai_audio_chunk
	Audio string `json:"audio,omitempty"`

	// transcript
	Role      string `json:"role,omitempty"`
	Text      string `json:"text,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	// error: the code arrives in "error"; some backends use "code".
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
