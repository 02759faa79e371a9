package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/pkg/audio"
)

// TechCheckResult summarizes a pre-interview microphone check.
type TechCheckResult struct {
	// Permission is the permission state after the check.
	Permission audio.PermissionState

	// PeakLevel is the loudest chunk RMS observed.
	PeakLevel float64

	// SignalDetected reports whether PeakLevel crossed the speech threshold.
	SignalDetected bool

	// Reason classifies an acquisition failure. Only meaningful when the
	// returned error is non-nil.
	Reason audio.PermissionReason
}

// TechCheck acquires the microphone, measures the input level for dur and
// releases the device again. It gates the interview on a working microphone.
func TechCheck(ctx context.Context, mic audio.MicrophoneSource, dur time.Duration, meterCfg MeterConfig) (TechCheckResult, error) {
	var res TechCheckResult
	if state, err := mic.Query(ctx); err == nil {
		res.Permission = state
	}

	stream, err := mic.Acquire(ctx)
	if err != nil {
		perr := classify(err)
		res.Reason = perr.Reason
		if perr.Reason == audio.ReasonDenied {
			res.Permission = audio.PermissionDenied
		}
		return res, fmt.Errorf("capture: tech check: %w", perr)
	}
	res.Permission = audio.PermissionGranted

	meter := NewMeter(meterCfg)
	rate := stream.Format().SampleRate
	stopped := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for buf := range stream.Frames() {
			meter.Observe(buf, rate)
		}
		select {
		case <-stopped:
			return nil
		default:
		}
		err := stream.Err()
		if err == nil {
			err = errors.New("input stream ended early")
		}
		var perr *audio.PermissionError
		if errors.As(err, &perr) {
			return perr
		}
		return &audio.PermissionError{Reason: audio.ReasonDeviceLost, Err: err}
	})
	g.Go(func() error {
		t := time.NewTimer(dur)
		defer t.Stop()
		select {
		case <-t.C:
		case <-gctx.Done():
		}
		close(stopped)
		return stream.Close()
	})
	err = g.Wait()

	res.PeakLevel = meter.Peak()
	res.SignalDetected = res.PeakLevel >= meter.cfg.Threshold
	slog.Info("capture: tech check finished", "peak", res.PeakLevel, "signal", res.SignalDetected)

	if err != nil {
		res.Reason = classify(err).Reason
		return res, fmt.Errorf("capture: tech check: %w", err)
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("capture: tech check: %w", ctx.Err())
	}
	return res, nil
}
