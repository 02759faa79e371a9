// Package prefs persists the small amount of client state an interview
// carries between runs: the user's preferences (input mode, realtime opt-in,
// caption and self-view visibility) and per-session progress such as whether
// the recording warning was already shown.
//
// [Store] is the storage contract. [MemStore] keeps everything in memory;
// the postgres subpackage persists to PostgreSQL.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// InputMode is how the candidate answers.
type InputMode string

const (
	// InputVoice answers by speaking.
	InputVoice InputMode = "voice"

	// InputText answers by typing.
	InputText InputMode = "text"
)

// Valid reports whether m is a known mode.
func (m InputMode) Valid() bool {
	return m == InputVoice || m == InputText
}

// ErrInvalid is returned when saving preferences that fail validation.
var ErrInvalid = errors.New("prefs: invalid preferences")

// Preferences are the per-profile flags.
type Preferences struct {
	InputMode       InputMode
	RealtimeEnabled bool
	CaptionsEnabled bool
	CaptionsVisible bool
	SelfViewVisible bool
}

// Defaults returns the preferences of a profile that never saved any.
func Defaults() Preferences {
	return Preferences{
		InputMode:       InputVoice,
		RealtimeEnabled: false,
		CaptionsEnabled: true,
		CaptionsVisible: true,
		SelfViewVisible: true,
	}
}

// Validate checks p.
func (p Preferences) Validate() error {
	if !p.InputMode.Valid() {
		return fmt.Errorf("%w: input mode %q", ErrInvalid, p.InputMode)
	}
	return nil
}

// Progress is what is known about one interview session.
type Progress struct {
	SessionID   string
	InterviewID string

	// Turns counts answered turns. The next batch upload uses Turns+1 as
	// its sequence number.
	Turns int

	RecordingWarningShown bool
	Completed             bool
	UpdatedAt             time.Time
}

// Store is the persistence contract.
//
// Lookups of unknown keys are not errors: [Store.Preferences] returns
// [Defaults] and [Store.Progress] returns a zero Progress carrying only the
// session id.
type Store interface {
	Preferences(ctx context.Context, profileID string) (Preferences, error)
	SavePreferences(ctx context.Context, profileID string, p Preferences) error

	Progress(ctx context.Context, sessionID string) (Progress, error)
	SaveProgress(ctx context.Context, p Progress) error

	// DeleteProgress discards a session's progress. Deleting an unknown
	// session is a no-op.
	DeleteProgress(ctx context.Context, sessionID string) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// MarkRecordingWarning records that the recording warning was shown for
// sessionID. It reports true when this call was the first to do so.
func MarkRecordingWarning(ctx context.Context, s Store, sessionID string) (bool, error) {
	p, err := s.Progress(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if p.RecordingWarningShown {
		return false, nil
	}
	p.RecordingWarningShown = true
	if err := s.SaveProgress(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}
