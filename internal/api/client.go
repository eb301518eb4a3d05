// Package api is the HTTP client for the lab backend: image measurement,
// field extraction, report generation, and analysis persistence.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/histolab/capture-agent/internal/auth"
	"github.com/histolab/capture-agent/internal/observability"
	"github.com/histolab/capture-agent/internal/resilience"
)

// ErrUnauthorized is returned when the backend rejects the bearer token
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx backend response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// Measurements are the physical sample measurements produced by vision
// analysis. Field names follow the backend wire format.
type Measurements struct {
	AreaMM2           float64 `json:"area_mm2"`
	PerimeterMM       float64 `json:"perimeter_mm"`
	LengthMaxMM       float64 `json:"length_max_mm"`
	WidthMaxMM        float64 `json:"width_max_mm"`
	Circularity       float64 `json:"circularity"`
	ConfidenceOverall float64 `json:"confidence_overall"`
}

// VisionResult is the response from image analysis
type VisionResult struct {
	Success          bool          `json:"success"`
	Measurements     *Measurements `json:"measurements"`
	AnnotatedImage   string        `json:"annotated_image"`
	Errors           []string      `json:"errors"`
	ProcessingTimeMS float64       `json:"processing_time_ms"`
}

// ExtractionResult is the response from narration field extraction
type ExtractionResult struct {
	Success    bool                   `json:"success"`
	Data       map[string]interface{} `json:"data"`
	Error      string                 `json:"error"`
	TokensUsed int                    `json:"tokens_used"`
}

// ReportRequest asks the backend to draft a findings report
type ReportRequest struct {
	SampleID      string                 `json:"sample_id"`
	FormData      map[string]interface{} `json:"form_data"`
	Measurements  *Measurements          `json:"measurements,omitempty"`
	Transcription string                 `json:"transcription,omitempty"`
}

// ReportResult is the response from report generation
type ReportResult struct {
	Success bool   `json:"success"`
	Report  string `json:"report"`
	Error   string `json:"error"`
}

// SaveRequest persists one finished analysis
type SaveRequest struct {
	SampleID       string                 `json:"sample_id"`
	Transcription  string                 `json:"transcription,omitempty"`
	Measurements   *Measurements          `json:"measurements,omitempty"`
	AnnotatedImage string                 `json:"annotated_image,omitempty"`
	FormData       map[string]interface{} `json:"form_data,omitempty"`
	Report         string                 `json:"report,omitempty"`
}

// SaveResponse is the persisted analysis record reference
type SaveResponse struct {
	ID string `json:"id"`
}

// ClientConfig configures the backend client
type ClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	GridSizeMM     float64
	UseCalibration bool
	Tokens         *auth.Store
	Breaker        *resilience.CircuitBreaker // Optional
	Retry          *resilience.RetryConfig    // Defaults when nil
}

// Client calls the lab backend. Vision analysis and field extraction retry
// on transient network failures; report generation and persistence are
// single-shot so duplicates are never created.
type Client struct {
	baseURL        string
	gridSizeMM     float64
	useCalibration bool
	httpClient     *http.Client
	tokens         *auth.Store
	breaker        *resilience.CircuitBreaker
	retry          *resilience.RetryConfig
	metrics        *observability.Metrics
	logger         zerolog.Logger
}

// NewClient creates a lab backend client
func NewClient(cfg ClientConfig) *Client {
	retry := cfg.Retry
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		gridSizeMM:     cfg.GridSizeMM,
		useCalibration: cfg.UseCalibration,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		tokens:  cfg.Tokens,
		breaker: cfg.Breaker,
		retry:   retry,
		metrics: observability.NewSessionMetrics("lab-api"),
		logger:  observability.WithComponent("api"),
	}
}

// AnalyzeImage submits a sample photo for measurement. Transient network
// failures are retried; a completed backend response is returned as-is even
// when it reports low confidence.
func (c *Client) AnalyzeImage(ctx context.Context, image []byte, filename string) (*VisionResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("no image data to analyze")
	}
	if filename == "" {
		filename = "sample.jpg"
	}

	var result VisionResult
	err := resilience.Retry(ctx, func() error {
		var body bytes.Buffer
		writer := multipart.NewWriter(&body)
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			return err
		}
		if _, err := part.Write(image); err != nil {
			return err
		}
		writer.WriteField("grid_size_mm", strconv.FormatFloat(c.gridSizeMM, 'f', -1, 64))
		writer.WriteField("use_calibration", strconv.FormatBool(c.useCalibration))
		if err := writer.Close(); err != nil {
			return err
		}

		return c.do(ctx, "vision_analyze", http.MethodPost, "/vision/analyze-image",
			&body, writer.FormDataContentType(), &result)
	}, c.retry, isRetryableAPIError)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ExtractFields asks the backend to structure a narration transcript into
// form fields. Measurements are attached when available so the extraction
// can cross-check dictated sizes.
func (c *Client) ExtractFields(ctx context.Context, transcription string, measurements *Measurements) (*ExtractionResult, error) {
	if strings.TrimSpace(transcription) == "" {
		return nil, fmt.Errorf("no transcription text to extract from")
	}

	form := url.Values{}
	form.Set("transcription_text", transcription)
	if measurements != nil {
		encoded, err := json.Marshal(measurements)
		if err != nil {
			return nil, fmt.Errorf("failed to encode measurements: %w", err)
		}
		form.Set("vision_measurements", string(encoded))
	}
	encoded := form.Encode()

	var result ExtractionResult
	err := resilience.Retry(ctx, func() error {
		return c.do(ctx, "extract_fields", http.MethodPost, "/ai/extract-biopsy-data",
			strings.NewReader(encoded), "application/x-www-form-urlencoded", &result)
	}, c.retry, isRetryableAPIError)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GenerateReport drafts a findings report from the collected session data.
// Single-shot: the caller decides whether to retry.
func (c *Client) GenerateReport(ctx context.Context, req ReportRequest) (*ReportResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report request: %w", err)
	}

	var result ReportResult
	if err := c.do(ctx, "generate_report", http.MethodPost, "/ai/generate-report",
		bytes.NewReader(body), "application/json", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SaveAnalysis persists the finished analysis. Single-shot so a slow backend
// never receives duplicate records.
func (c *Client) SaveAnalysis(ctx context.Context, req SaveRequest) (*SaveResponse, error) {
	if req.SampleID == "" {
		return nil, fmt.Errorf("sample id is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis: %w", err)
	}

	var result SaveResponse
	if err := c.do(ctx, "save_analysis", http.MethodPost, "/analysis",
		bytes.NewReader(body), "application/json", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do executes one backend request through the circuit breaker and decodes
// the JSON response into out.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body io.Reader, contentType string, out interface{}) error {
	call := func() error {
		c.metrics.RecordAPIStart(endpoint)

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			c.metrics.RecordAPIEnd(endpoint, false)
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.metrics.RecordAPIEnd(endpoint, false)
			return fmt.Errorf("%s request failed: %w", endpoint, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			c.metrics.RecordAPIEnd(endpoint, false)
			return fmt.Errorf("%s: %w", endpoint, ErrUnauthorized)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			c.metrics.RecordAPIEnd(endpoint, false)
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.metrics.RecordAPIEnd(endpoint, false)
			return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
		}

		c.metrics.RecordAPIEnd(endpoint, true)
		return nil
	}

	if c.breaker != nil {
		return c.breaker.Call(call)
	}
	return call()
}

// isRetryableAPIError retries transient network failures and server-side
// errors, never auth failures or client mistakes.
func isRetryableAPIError(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return false
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return resilience.IsRetryableNetworkError(err)
}
