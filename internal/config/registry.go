package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/opus"
	"github.com/MrWong99/parley/pkg/audio/wavfile"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// MicrophoneFactory opens a capture device described by a [DeviceConfig].
type MicrophoneFactory func(DeviceConfig) (audio.MicrophoneSource, error)

// SinkFactory opens an output device rendering at sampleRate.
type SinkFactory func(dev DeviceConfig, sampleRate int) (audio.AudioSink, error)

// Registry maps configured names to audio device and batch encoder
// constructors. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	mics     map[string]MicrophoneFactory
	sinks    map[string]SinkFactory
	encoders map[string]capture.EncoderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		mics:     make(map[string]MicrophoneFactory),
		sinks:    make(map[string]SinkFactory),
		encoders: make(map[string]capture.EncoderFactory),
	}
}

// DefaultRegistry returns a registry with the built-in wavfile devices and
// the wav and opus encoders.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterMicrophone("wavfile", func(dev DeviceConfig) (audio.MicrophoneSource, error) {
		if dev.Path == "" {
			return nil, errors.New("wavfile: path is required")
		}
		return &wavfile.Microphone{Path: dev.Path}, nil
	})
	r.RegisterSink("wavfile", func(dev DeviceConfig, rate int) (audio.AudioSink, error) {
		if dev.Path == "" {
			return nil, errors.New("wavfile: path is required")
		}
		return wavfile.NewSink(dev.Path, rate), nil
	})
	r.RegisterEncoder("wav", capture.WAVEncoder)
	r.RegisterEncoder("opus", func(rate int) (capture.BlobEncoder, error) {
		enc, err := opus.NewEncoder(rate)
		if err != nil {
			return nil, err
		}
		return enc, nil
	})
	return r
}

// RegisterMicrophone registers a capture device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterMicrophone(name string, f MicrophoneFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mics[name] = f
}

// RegisterSink registers an output device factory under name.
func (r *Registry) RegisterSink(name string, f SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = f
}

// RegisterEncoder registers a batch blob encoder under name.
func (r *Registry) RegisterEncoder(name string, f capture.EncoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoders[name] = f
}

// CreateMicrophone opens the capture device registered under dev.Driver.
func (r *Registry) CreateMicrophone(dev DeviceConfig) (audio.MicrophoneSource, error) {
	r.mu.RLock()
	f, ok := r.mics[dev.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: microphone/%q", ErrNotRegistered, dev.Driver)
	}
	return f(dev)
}

// CreateSink opens the output device registered under dev.Driver.
func (r *Registry) CreateSink(dev DeviceConfig, sampleRate int) (audio.AudioSink, error) {
	r.mu.RLock()
	f, ok := r.sinks[dev.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrNotRegistered, dev.Driver)
	}
	return f(dev, sampleRate)
}

// Encoder returns the encoder factory registered under name.
func (r *Registry) Encoder(name string) (capture.EncoderFactory, error) {
	r.mu.RLock()
	f, ok := r.encoders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: encoder/%q", ErrNotRegistered, name)
	}
	return f, nil
}

// Names lists the registered names per kind, sorted.
func (r *Registry) Names() (mics, sinks, encoders []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.mics), sortedKeys(r.sinks), sortedKeys(r.encoders)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
