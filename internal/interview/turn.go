package interview

import (
	"context"
	"time"

	"github.com/MrWong99/parley/internal/backend"
)

// TurnState tells whose turn it is. The zero value is [LocalListening], the
// state every failure falls back to.
type TurnState int

const (
	// LocalListening: the candidate may start answering.
	LocalListening TurnState = iota

	// LocalSpeaking: the candidate is talking.
	LocalSpeaking

	// Processing: the answer was committed and the reply is pending.
	Processing

	// RemoteSpeaking: the synthetic interviewer is talking.
	RemoteSpeaking
)

// String returns the human-readable name of the state.
func (t TurnState) String() string {
	switch t {
	case LocalListening:
		return "local_listening"
	case LocalSpeaking:
		return "local_speaking"
	case Processing:
		return "processing"
	case RemoteSpeaking:
		return "remote_speaking"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (t TurnState) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// TurnEvent describes one transition.
type TurnEvent struct {
	From   TurnState
	To     TurnState
	Reason string
	At     time.Time
}

// Mode selects how answers reach the backend.
type Mode string

const (
	ModeRealtime Mode = "realtime"
	ModeBatch    Mode = "batch"
)

// CompletionPolicy runs when an interview finishes. [*backend.Client]
// implements it by calling the completion endpoint.
type CompletionPolicy interface {
	Complete(ctx context.Context) error
}

var (
	_ CompletionPolicy = NoCompletion{}
	_ CompletionPolicy = (*backend.Client)(nil)
)

// NoCompletion leaves completion to the backend.
type NoCompletion struct{}

// Complete does nothing.
func (NoCompletion) Complete(context.Context) error { return nil }
