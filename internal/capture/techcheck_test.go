package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
)

func TestTechCheck(t *testing.T) {
	t.Run("signal detected", func(t *testing.T) {
		stream := newStream()
		stream.Push(tone(4800, 48000, 0.4))
		stream.Push(tone(4800, 48000, 0.4))
		mic := &audiomock.Microphone{QueryResult: audio.PermissionPrompt, AcquireResult: stream}

		res, err := TechCheck(context.Background(), mic, 50*time.Millisecond, MeterConfig{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Permission != audio.PermissionGranted {
			t.Errorf("permission = %s, want granted", res.Permission)
		}
		if !res.SignalDetected {
			t.Errorf("expected signal, peak = %f", res.PeakLevel)
		}
		if !stream.Closed() {
			t.Error("expected device released after check")
		}
	})

	t.Run("silent microphone", func(t *testing.T) {
		stream := newStream()
		stream.Push(make([]float32, 4800))
		mic := &audiomock.Microphone{AcquireResult: stream}

		res, err := TechCheck(context.Background(), mic, 20*time.Millisecond, MeterConfig{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.SignalDetected {
			t.Error("expected no signal from silence")
		}
	})

	t.Run("permission denied", func(t *testing.T) {
		mic := &audiomock.Microphone{AcquireError: &audio.PermissionError{Reason: audio.ReasonDenied}}

		res, err := TechCheck(context.Background(), mic, time.Second, MeterConfig{})
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if res.Permission != audio.PermissionDenied {
			t.Errorf("permission = %s, want denied", res.Permission)
		}
		if res.Reason != audio.ReasonDenied {
			t.Errorf("reason = %s, want denied", res.Reason)
		}
	})

	t.Run("device fails during check", func(t *testing.T) {
		stream := newStream()
		mic := &audiomock.Microphone{AcquireResult: stream}
		stream.Fail(errors.New("unplugged"))

		res, err := TechCheck(context.Background(), mic, time.Hour, MeterConfig{})
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if res.Reason != audio.ReasonDeviceLost {
			t.Errorf("reason = %s, want device_lost", res.Reason)
		}
	})
}
