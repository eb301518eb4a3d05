// Package transcribe submits finished audio recordings for transcription and
// consumes the streamed incremental results. The transcription endpoint
// responds with a line stream where each line carries a "data: " prefix
// followed by a JSON event; delta events replace the accumulated text rather
// than appending to it.
package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/rs/zerolog"

	"github.com/histolab/capture-agent/internal/auth"
	"github.com/histolab/capture-agent/internal/observability"
)

// Payload is the audio recording to transcribe
type Payload struct {
	Data        []byte
	ContentType string // "audio/wav" when empty
	Filename    string // "recording.wav" when empty
}

// Client submits recordings to the streaming transcription endpoint
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *auth.Store
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// NewClient creates a transcription client for the given API base URL. The
// timeout covers the full request including the streamed response body, so
// it must accommodate the longest expected transcription.
func NewClient(baseURL string, timeout time.Duration, tokens *auth.Store) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens:  tokens,
		metrics: observability.NewSessionMetrics("transcribe"),
		logger:  observability.WithComponent("transcribe"),
	}
}

// Submit uploads the recording and returns a Stream delivering incremental
// transcription events. A non-2xx response fails immediately without opening
// a stream. The caller owns the returned Stream and must drain its events or
// cancel ctx to release the connection.
func (c *Client) Submit(ctx context.Context, p Payload) (*Stream, error) {
	if len(p.Data) == 0 {
		return nil, fmt.Errorf("no audio data to transcribe")
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = "audio/wav"
	}
	filename := p.Filename
	if filename == "" {
		filename = "recording.wav"
	}

	// Build the multipart upload
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(p.Data); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	url := c.baseURL + "/ai/transcribe-audio-streaming"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Info().
		Int("bytes", len(p.Data)).
		Str("content_type", contentType).
		Msg("Submitting recording for transcription")

	c.metrics.RecordTranscriptionStart()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordTranscriptionEnd("failed")
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		c.metrics.RecordTranscriptionEnd("rejected")
		return nil, fmt.Errorf("transcription request failed with status %d", resp.StatusCode)
	}

	return newStream(ctx, resp.Body, c.metrics, c.logger), nil
}
