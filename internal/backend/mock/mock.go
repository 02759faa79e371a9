// Package mock provides an in-memory implementation of the backend REST
// interfaces for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/backend"
)

var (
	_ backend.Transcriber      = (*Client)(nil)
	_ backend.Messenger        = (*Client)(nil)
	_ backend.CompletionClient = (*Client)(nil)
)

// TranscribeCall records the arguments of one Transcribe call.
type TranscribeCall struct {
	Blob     []byte
	MimeType string
	Seq      uint64
}

// Client is a mock backend. Set the exported result fields before use.
type Client struct {
	mu sync.Mutex

	// TranscribeResult and TranscribeErr are returned by Transcribe.
	TranscribeResult backend.TranscribeResult
	TranscribeErr    error

	// Reply and SendErr are returned by SendMessage.
	Reply   string
	SendErr error

	// CompleteErr is returned by Complete.
	CompleteErr error

	transcribeCalls []TranscribeCall
	messages        []string
	completeCalls   int
}

// Transcribe implements [backend.Transcriber].
func (c *Client) Transcribe(_ context.Context, blob []byte, mimeType string, seq uint64) (backend.TranscribeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcribeCalls = append(c.transcribeCalls, TranscribeCall{
		Blob:     append([]byte(nil), blob...),
		MimeType: mimeType,
		Seq:      seq,
	})
	if c.TranscribeErr != nil {
		return backend.TranscribeResult{}, c.TranscribeErr
	}
	return c.TranscribeResult, nil
}

// SendMessage implements [backend.Messenger].
func (c *Client) SendMessage(_ context.Context, content string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, content)
	if c.SendErr != nil {
		return "", c.SendErr
	}
	return c.Reply, nil
}

// Complete implements [backend.CompletionClient].
func (c *Client) Complete(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeCalls++
	return c.CompleteErr
}

// TranscribeCalls returns a copy of all recorded Transcribe calls.
func (c *Client) TranscribeCalls() []TranscribeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TranscribeCall(nil), c.transcribeCalls...)
}

// CompleteCalls returns how often Complete was called.
func (c *Client) CompleteCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completeCalls
}

// Messages returns every content sent with SendMessage.
func (c *Client) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}
