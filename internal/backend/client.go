// Package backend is the REST side of an interview: batch transcription of
// recorded turns, plain text conversation messages and the completion call
// that closes an interview.
//
// A [Client] may be configured with several equivalent base URLs. Each gets
// its own circuit breaker, and calls fail over in order when an endpoint is
// down. Requests the backend rejects (4xx other than 408 and 429) are not
// retried on another endpoint.
package backend

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
)

const (
	defaultTimeout = 30 * time.Second

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// Endpoint names used in metrics, spans and errors.
const (
	EndpointTranscribe = "transcribe"
	EndpointMessages   = "messages"
	EndpointComplete   = "complete"
)

// ErrNoBaseURL is returned by [New] when no base URL is configured.
var ErrNoBaseURL = errors.New("backend: at least one base url is required")

// Transcriber uploads one recorded turn and returns the transcription together
// with the assistant's reply.
type Transcriber interface {
	Transcribe(ctx context.Context, blob []byte, mimeType string, seq uint64) (TranscribeResult, error)
}

// Messenger sends one typed answer on the conversation endpoint and returns
// the assistant's reply.
type Messenger interface {
	SendMessage(ctx context.Context, content string) (string, error)
}

// CompletionClient notifies the backend that an interview is finished.
type CompletionClient interface {
	Complete(ctx context.Context) error
}

// TranscribeResult is the body of a successful transcribe call.
type TranscribeResult struct {
	Transcription string `json:"transcription"`
	AIResponse    string `json:"ai_response"`
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("backend: %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// Retryable reports whether another endpoint might accept the same request.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// Config configures a [Client].
type Config struct {
	// BaseURLs are tried in order. The first is the primary.
	BaseURLs []string

	// InterviewID selects the interview every call refers to.
	InterviewID string

	// Token is sent as a bearer credential. Empty disables the header.
	Token string

	// Timeout bounds one attempt against one endpoint. Defaults to 30 s.
	Timeout time.Duration

	// CircuitBreaker tunes the per-endpoint breakers.
	CircuitBreaker resilience.CircuitBreakerConfig
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The client's own Timeout, if any,
// applies in addition to [Config.Timeout].
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records request counts and latency into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client talks to the interview REST API. It is safe for concurrent use.
type Client struct {
	cfg       Config
	endpoints *resilience.FallbackGroup[*url.URL]
	http      *http.Client
	metrics   *observe.Metrics
	prop      propagation.TextMapPropagator
}

var (
	_ Transcriber      = (*Client)(nil)
	_ Messenger        = (*Client)(nil)
	_ CompletionClient = (*Client)(nil)
)

// New validates cfg and creates a [Client].
func New(cfg Config, opts ...Option) (*Client, error) {
	if len(cfg.BaseURLs) == 0 {
		return nil, ErrNoBaseURL
	}
	if cfg.InterviewID == "" {
		return nil, errors.New("backend: interview id is required")
	}
	cfg.Timeout = cmp.Or(cfg.Timeout, defaultTimeout)

	var group *resilience.FallbackGroup[*url.URL]
	for _, raw := range cfg.BaseURLs {
		u, err := url.Parse(strings.TrimRight(raw, "/"))
		if err != nil {
			return nil, fmt.Errorf("backend: parse base url %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("backend: base url %q: unsupported scheme %q", raw, u.Scheme)
		}
		if group == nil {
			group = resilience.NewFallbackGroup(u, u.Host, resilience.FallbackConfig{
				CircuitBreaker: cfg.CircuitBreaker,
			})
			continue
		}
		group.AddFallback(u.Host, u)
	}

	c := &Client{
		cfg:       cfg,
		endpoints: group,
		http:      http.DefaultClient,
		prop:      propagation.TraceContext{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Healthy reports whether at least one endpoint's breaker is not open.
func (c *Client) Healthy() bool { return c.endpoints.Healthy() }

// EndpointStates reports the breaker state of every base URL keyed by host.
func (c *Client) EndpointStates() map[string]resilience.State { return c.endpoints.States() }

// Transcribe uploads a recorded turn as multipart form data with the audio in
// the "audio" part and the turn's sequence number in "sequence".
func (c *Client) Transcribe(ctx context.Context, blob []byte, mimeType string, seq uint64) (TranscribeResult, error) {
	if len(blob) == 0 {
		return TranscribeResult{}, errors.New("backend: transcribe: empty recording")
	}
	body, contentType, err := multipartBody(blob, mimeType, seq)
	if err != nil {
		return TranscribeResult{}, fmt.Errorf("backend: transcribe: %w", err)
	}
	var out TranscribeResult
	if err := c.do(ctx, EndpointTranscribe, body, contentType, &out); err != nil {
		return TranscribeResult{}, err
	}
	return out, nil
}

// SendMessage posts a typed message and returns the assistant's reply.
func (c *Client) SendMessage(ctx context.Context, content string) (string, error) {
	body, err := json.Marshal(struct {
		Content string `json:"content"`
	}{Content: content})
	if err != nil {
		return "", fmt.Errorf("backend: messages: %w", err)
	}
	var out struct {
		Reply string `json:"reply"`
	}
	if err := c.do(ctx, EndpointMessages, body, "application/json", &out); err != nil {
		return "", err
	}
	return out.Reply, nil
}

// Complete marks the interview as finished.
func (c *Client) Complete(ctx context.Context) error {
	return c.do(ctx, EndpointComplete, nil, "", nil)
}

// do posts body to {base}/interviews/{id}/{endpoint} on the first healthy base
// URL and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, endpoint string, body []byte, contentType string, out any) error {
	ctx, span := observe.StartSpan(ctx, "backend."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		observe.InterviewAttrs(c.cfg.InterviewID, "batch"),
	)
	defer span.End()

	requestID := uuid.NewString()
	err := c.endpoints.Execute(ctx, func(ctx context.Context, base *url.URL) error {
		return c.attempt(ctx, base, endpoint, requestID, body, contentType, out)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("backend request failed",
			"endpoint", endpoint,
			"request_id", requestID,
			"err", err,
		)
		if resilience.IsPermanent(err) {
			// The marker only steers failover; callers see the APIError.
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr
			}
		}
		return fmt.Errorf("backend: %s: %w", endpoint, err)
	}
	return nil
}

// attempt performs one request against one base URL.
func (c *Client) attempt(ctx context.Context, base *url.URL, endpoint, requestID string, body []byte, contentType string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	target := base.JoinPath("interviews", c.cfg.InterviewID, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	c.prop.Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(ctx, endpoint, "network", start)
		return err
	}
	defer resp.Body.Close()
	c.record(ctx, endpoint, strconv.Itoa(resp.StatusCode), start)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
		if apiErr.Retryable() {
			return apiErr
		}
		return resilience.Permanent(apiErr)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resilience.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) record(ctx context.Context, endpoint, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordBackendRequest(ctx, endpoint, status, time.Since(start).Seconds())
}

// errorMessage extracts a human-readable message from an error body. JSON
// bodies with an "error", "message" or "detail" field are preferred; anything
// else is returned trimmed and truncated.
func errorMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil {
		if msg := cmp.Or(body.Message, body.Error, body.Detail); msg != "" {
			return msg
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func multipartBody(blob []byte, mimeType string, seq uint64) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="turn-%d%s"`, seq, extension(mimeType)))
	h.Set("Content-Type", cmp.Or(mimeType, "application/octet-stream"))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(blob); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("sequence", strconv.FormatUint(seq, 10)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func extension(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "audio/wav"), strings.HasPrefix(mimeType, "audio/x-wav"):
		return ".wav"
	case strings.HasPrefix(mimeType, "audio/opus"), strings.HasPrefix(mimeType, "audio/ogg"):
		return ".opus"
	default:
		return ".bin"
	}
}
