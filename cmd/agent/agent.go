package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/histolab/capture-agent/internal/api"
	"github.com/histolab/capture-agent/internal/auth"
	"github.com/histolab/capture-agent/internal/capture"
	"github.com/histolab/capture-agent/internal/config"
	"github.com/histolab/capture-agent/internal/device"
	"github.com/histolab/capture-agent/internal/observability"
	"github.com/histolab/capture-agent/internal/resilience"
	"github.com/histolab/capture-agent/internal/session"
	"github.com/histolab/capture-agent/internal/transcribe"
	"github.com/histolab/capture-agent/internal/workflow"
)

// Agent wires the capture pipeline to the documentation workflow: the
// recorder produces audio, the transcriber turns it into a transcript, the
// orchestrator tracks steps, and the progress connection mirrors server-side
// stage state.
type Agent struct {
	cfg         *config.Config
	tokens      *auth.Store
	lab         *api.Client
	transcriber *transcribe.Client
	recorder    *capture.Recorder
	orch        *workflow.Orchestrator
	logger      zerolog.Logger

	mu           sync.Mutex
	progress     *session.Manager
	progressDone chan struct{}
}

// NewAgent builds the full component graph from configuration
func NewAgent(cfg *config.Config) *Agent {
	tokens := auth.NewStore()
	if token := config.GetEnv("API_TOKEN", ""); token != "" {
		tokens.Set(token)
	}

	breaker := resilience.NewCircuitBreaker("lab-api",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)

	lab := api.NewClient(api.ClientConfig{
		BaseURL:        cfg.APIBaseURL,
		Timeout:        time.Duration(cfg.HTTPTimeout) * time.Second,
		GridSizeMM:     cfg.GridSizeMM,
		UseCalibration: cfg.UseCalibration,
		Tokens:         tokens,
		Breaker:        breaker,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
		},
	})

	dev := device.NewFFmpegDevice(cfg.FFmpegPath, observability.WithComponent("device"))

	a := &Agent{
		cfg:         cfg,
		tokens:      tokens,
		lab:         lab,
		transcriber: transcribe.NewClient(cfg.APIBaseURL, time.Duration(cfg.HTTPTimeout)*time.Second, tokens),
		recorder:    capture.NewRecorder(dev, observability.WithComponent("capture")),
		orch: workflow.NewOrchestrator(lab, cfg.ConfidenceThreshold,
			config.GetEnv("SAMPLE_ID", ""), observability.WithComponent("workflow")),
		logger: observability.WithComponent("agent"),
	}
	a.connectProgress()
	return a
}

// connectProgress opens the progress websocket for the current workflow
// session and mirrors stage updates into the orchestrator
func (a *Agent) connectProgress() {
	a.mu.Lock()
	defer a.mu.Unlock()

	manager := session.NewManager(session.ManagerConfig{
		SessionID:            a.orch.SessionID(),
		URL:                  session.AnalysisURL(a.cfg.WSBaseURL, a.orch.SessionID(), a.tokens.Token()),
		KeepAliveInterval:    time.Duration(a.cfg.KeepAliveInterval) * time.Second,
		MaxReconnectAttempts: a.cfg.ReconnectMaxAttempts,
		ReconnectBackoff:     time.Duration(a.cfg.ReconnectBackoff) * time.Millisecond,
	}, observability.WithComponent("session"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-manager.Done():
				return
			case update := <-manager.Updates():
				if update.Kind == session.UpdateProgress {
					a.orch.MergeProgress(update.Stage, update.Progress)
				}
			}
		}
	}()

	a.progress = manager
	a.progressDone = done
}

// StartNarration begins recording the dictated sample description
func (a *Agent) StartNarration(ctx context.Context) error {
	return a.recorder.Start(ctx, capture.Options{
		MaxDuration: time.Duration(a.cfg.MaxNarrationSeconds) * time.Second,
		Device: device.Config{
			SampleRate:  a.cfg.AudioSampleRate,
			Channels:    a.cfg.AudioChannels,
			InputFormat: a.cfg.AudioInputFormat,
			InputDevice: a.cfg.AudioInputDevice,
			ChunkSize:   a.cfg.AudioChunkSize,
			BufferSize:  a.cfg.AudioBufferSize,
		},
	})
}

// FinishNarration stops the recording, transcribes it, and feeds the result
// into the workflow. Cancelling ctx aborts the transcription without marking
// the narration step failed.
func (a *Agent) FinishNarration(ctx context.Context) (string, error) {
	payload, err := a.recorder.Stop()
	if err != nil {
		return "", err
	}

	stream, err := a.transcriber.Submit(ctx, transcribe.Payload{Data: payload.WAV})
	if err != nil {
		a.orch.NarrationFailed(fmt.Sprintf("transcription submit failed: %v", err))
		return "", err
	}

	for range stream.Events() {
		// Deltas replace each other; only the final text matters here
	}

	switch stream.Outcome() {
	case transcribe.OutcomeCompleted:
		text := stream.FullText()
		if err := a.orch.FinishNarration(text); err != nil {
			return "", err
		}
		a.recorder.Delete() // Recording is spent once transcribed
		return text, nil

	case transcribe.OutcomeAborted:
		a.logger.Info().Msg("Transcription aborted by caller")
		return "", context.Canceled

	default:
		a.orch.NarrationFailed("transcription stream failed")
		return "", fmt.Errorf("transcription failed")
	}
}

// StartNewSession resets the workflow for a new sample and reopens the
// progress connection under the new session id
func (a *Agent) StartNewSession(sampleID string) {
	a.mu.Lock()
	old := a.progress
	oldDone := a.progressDone
	a.mu.Unlock()

	if old != nil {
		old.Disconnect()
		<-oldDone
	}
	a.recorder.Delete()
	a.orch.StartNew(sampleID)
	a.connectProgress()
}

// StartRemoteAnalysis asks the analysis server to run stages on its side;
// results arrive over the progress connection and are mirrored into the
// workflow steps.
func (a *Agent) StartRemoteAnalysis(scope string) error {
	progress := a.Progress()
	if progress == nil {
		return fmt.Errorf("no progress connection")
	}

	switch scope {
	case "vision":
		return progress.StartVisionAnalysis()
	case "transcription":
		return progress.StartTranscription()
	case "complete", "":
		return progress.StartCompleteAnalysis()
	default:
		return fmt.Errorf("unknown analysis scope %q", scope)
	}
}

// Progress returns the current progress connection
func (a *Agent) Progress() *session.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress
}

// Close releases the capture device and the progress connection
func (a *Agent) Close() {
	a.mu.Lock()
	progress := a.progress
	a.mu.Unlock()

	if progress != nil {
		progress.Disconnect()
	}
	if err := a.recorder.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Error closing recorder")
	}
}
