// Package workflow drives the five-step sample documentation session:
// measure, narrate, review, structure, persist. Steps advance in order,
// measurements wait for explicit operator acceptance before the session
// moves on, and persistence runs exactly once per session.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/histolab/capture-agent/internal/api"
	"github.com/histolab/capture-agent/internal/observability"
	"github.com/histolab/capture-agent/internal/session"
)

// Lab is the backend surface the orchestrator needs
type Lab interface {
	AnalyzeImage(ctx context.Context, image []byte, filename string) (*api.VisionResult, error)
	ExtractFields(ctx context.Context, transcription string, measurements *api.Measurements) (*api.ExtractionResult, error)
	GenerateReport(ctx context.Context, req api.ReportRequest) (*api.ReportResult, error)
	SaveAnalysis(ctx context.Context, req api.SaveRequest) (*api.SaveResponse, error)
}

// Orchestrator owns one documentation session end to end
type Orchestrator struct {
	lab        Lab
	threshold  float64
	baseLogger zerolog.Logger
	logger     zerolog.Logger

	mu        sync.Mutex
	sessionID string
	sampleID  string
	current   StepID
	steps     map[StepID]*Step
	metrics   *observability.Metrics

	measurements   *api.Measurements
	annotatedImage string
	transcription  string
	reviewDone     bool
	extraction     map[string]interface{}
	report         string

	persisting bool
	persisted  bool
	recordID   string

	events chan Event
}

// NewOrchestrator starts a fresh documentation session for one sample
func NewOrchestrator(lab Lab, confidenceThreshold float64, sampleID string, logger zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		lab:        lab,
		threshold:  confidenceThreshold,
		baseLogger: logger,
		events:     make(chan Event, 32),
	}
	o.resetLocked(sampleID)
	return o
}

// Events returns the notification channel. Notifications are dropped rather
// than blocking workflow operations when the consumer lags.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// SessionID returns the current session identifier
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Current returns the step the session is on
func (o *Orchestrator) Current() StepID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Steps returns a copy of every step's tracked state, in order
func (o *Orchestrator) Steps() []Step {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Step, 0, len(o.steps))
	for id := StepMeasure; id <= StepPersist; id++ {
		out = append(out, *o.steps[id])
	}
	return out
}

// Measurements returns the current vision measurements, nil before any
// successful analysis
func (o *Orchestrator) Measurements() *api.Measurements {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.measurements == nil {
		return nil
	}
	copied := *o.measurements
	return &copied
}

// Transcription returns the current narration transcript
func (o *Orchestrator) Transcription() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transcription
}

// Result returns the aggregate session outcome so far
func (o *Orchestrator) Result() Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := Result{
		SessionID:      o.sessionID,
		SampleID:       o.sampleID,
		RecordID:       o.recordID,
		AnnotatedImage: o.annotatedImage,
		Transcription:  o.transcription,
		Report:         o.report,
		Persisted:      o.persisted,
	}
	if o.measurements != nil {
		copied := *o.measurements
		r.Measurements = &copied
	}
	if o.extraction != nil {
		r.FormData = make(map[string]interface{}, len(o.extraction))
		for k, v := range o.extraction {
			r.FormData[k] = v
		}
	}
	return r
}

// RecordMeasurement analyzes a sample photo and stores the resulting
// measurements. The step never completes on analysis alone; the operator
// accepts the measurements, retries, or proceeds without them. A result
// below the confidence threshold additionally returns ErrLowConfidence and
// flags the step for review.
func (o *Orchestrator) RecordMeasurement(ctx context.Context, image []byte, filename string) error {
	o.mu.Lock()
	if o.persisted {
		o.mu.Unlock()
		return ErrAlreadyPersisted
	}
	threshold := o.threshold
	o.mu.Unlock()

	result, err := o.lab.AnalyzeImage(ctx, image, filename)
	if err != nil {
		o.failStep(StepMeasure, fmt.Sprintf("image analysis failed: %v", err))
		return err
	}

	if !result.Success || result.Measurements == nil {
		msg := "image analysis did not produce measurements"
		if len(result.Errors) > 0 {
			msg = strings.Join(result.Errors, "; ")
		}
		o.failStep(StepMeasure, msg)
		return fmt.Errorf("%s", msg)
	}

	o.mu.Lock()
	o.measurements = result.Measurements
	o.annotatedImage = result.AnnotatedImage

	if result.Measurements.ConfidenceOverall < threshold {
		msg := fmt.Sprintf("low confidence measurement (%.2f below %.2f), review before accepting",
			result.Measurements.ConfidenceOverall, threshold)
		o.steps[StepMeasure].Completed = false
		o.steps[StepMeasure].ErrorMessage = msg
		o.mu.Unlock()

		o.metrics.RecordStep(StepMeasure.String(), "low_confidence")
		o.logger.Warn().
			Float64("confidence", result.Measurements.ConfidenceOverall).
			Msg("Measurement confidence below threshold")
		o.publish(Event{Kind: EventStepFailed, Step: StepMeasure, Message: msg})
		return ErrLowConfidence
	}

	o.steps[StepMeasure].Completed = false
	o.steps[StepMeasure].ErrorMessage = ""
	o.mu.Unlock()

	o.metrics.RecordStep(StepMeasure.String(), "measured")
	o.logger.Info().
		Float64("confidence", result.Measurements.ConfidenceOverall).
		Msg("Measurements ready, awaiting operator acceptance")
	return nil
}

// AcceptMeasurements is the operator's confirmation of the stored
// measurements; only then does the measure step complete and the session
// advance. Valid once measurements exist, whatever their confidence.
func (o *Orchestrator) AcceptMeasurements() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.measurements == nil {
		return fmt.Errorf("no measurements to accept")
	}
	o.logger.Info().
		Float64("confidence", o.measurements.ConfidenceOverall).
		Msg("Measurements accepted by operator")
	o.completeLocked(StepMeasure, StepNarrate)
	return nil
}

// ProceedWithoutMeasurements explicitly skips the measurement step, for
// samples where vision analysis cannot work
func (o *Orchestrator) ProceedWithoutMeasurements() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.persisted {
		return ErrAlreadyPersisted
	}
	o.measurements = nil
	o.annotatedImage = ""
	o.logger.Info().Msg("Proceeding without measurements")
	o.completeLocked(StepMeasure, StepNarrate)
	return nil
}

// RetryMeasurement discards the stored measurements so a new photo can be
// analyzed
func (o *Orchestrator) RetryMeasurement() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.persisted {
		return ErrAlreadyPersisted
	}
	o.measurements = nil
	o.annotatedImage = ""
	o.steps[StepMeasure].Completed = false
	o.steps[StepMeasure].ErrorMessage = ""
	return nil
}

// FinishNarration stores the narration transcript and advances to review.
// The narration step always completes once a transcript exists; corrections
// happen during review.
func (o *Orchestrator) FinishNarration(transcription string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.steps[StepMeasure].Completed {
		return ErrStepOrder
	}
	if strings.TrimSpace(transcription) == "" {
		return fmt.Errorf("narration produced no transcript")
	}

	o.transcription = transcription
	o.reviewDone = false
	o.completeLocked(StepNarrate, StepReview)
	return nil
}

// NarrationFailed records a narration failure without advancing
func (o *Orchestrator) NarrationFailed(message string) {
	o.failStep(StepNarrate, message)
}

// UpdateTranscription replaces the transcript with an operator correction.
// Valid any time after narration until the analysis is persisted.
func (o *Orchestrator) UpdateTranscription(text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.steps[StepNarrate].Completed {
		return ErrStepOrder
	}
	if o.persisted {
		return ErrAlreadyPersisted
	}
	o.transcription = text
	return nil
}

// ConfirmReview marks the transcript as reviewed and advances to extraction
func (o *Orchestrator) ConfirmReview() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.steps[StepNarrate].Completed {
		return ErrStepOrder
	}
	o.reviewDone = true
	o.completeLocked(StepReview, StepStructure)
	return nil
}

// RunExtraction structures the reviewed transcript into form fields.
// Re-running replaces the previous extraction wholesale, so repeated calls
// converge on the latest transcript.
func (o *Orchestrator) RunExtraction(ctx context.Context) (map[string]interface{}, error) {
	o.mu.Lock()
	if !o.reviewDone {
		o.mu.Unlock()
		return nil, ErrStepOrder
	}
	if o.persisted {
		o.mu.Unlock()
		return nil, ErrAlreadyPersisted
	}
	transcription := o.transcription
	var measurements *api.Measurements
	if o.measurements != nil {
		copied := *o.measurements
		measurements = &copied
	}
	o.mu.Unlock()

	result, err := o.lab.ExtractFields(ctx, transcription, measurements)
	if err != nil {
		o.failStep(StepStructure, fmt.Sprintf("field extraction failed: %v", err))
		return nil, err
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "field extraction failed"
		}
		o.failStep(StepStructure, msg)
		return nil, fmt.Errorf("%s", msg)
	}

	o.mu.Lock()
	o.extraction = result.Data
	o.completeLocked(StepStructure, StepPersist)
	data := make(map[string]interface{}, len(result.Data))
	for k, v := range result.Data {
		data[k] = v
	}
	o.mu.Unlock()

	o.logger.Info().Int("tokens_used", result.TokensUsed).Msg("Transcript structured into form fields")
	return data, nil
}

// SetFormField applies an operator correction to one extracted field
func (o *Orchestrator) SetFormField(key string, value interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.extraction == nil {
		return ErrStepOrder
	}
	if o.persisted {
		return ErrAlreadyPersisted
	}
	o.extraction[key] = value
	return nil
}

// GenerateReport drafts the findings report from the collected session data.
// Optional; persistence does not require it.
func (o *Orchestrator) GenerateReport(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.extraction == nil {
		o.mu.Unlock()
		return "", ErrStepOrder
	}
	req := api.ReportRequest{
		SampleID:      o.sampleID,
		Transcription: o.transcription,
	}
	req.FormData = make(map[string]interface{}, len(o.extraction))
	for k, v := range o.extraction {
		req.FormData[k] = v
	}
	if o.measurements != nil {
		copied := *o.measurements
		req.Measurements = &copied
	}
	o.mu.Unlock()

	result, err := o.lab.GenerateReport(ctx, req)
	if err != nil {
		return "", err
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "report generation failed"
		}
		return "", fmt.Errorf("%s", msg)
	}

	o.mu.Lock()
	o.report = result.Report
	o.mu.Unlock()
	return result.Report, nil
}

// Persist saves the finished analysis. It runs at most once per session:
// after a success every further call returns ErrAlreadyPersisted, while a
// failure leaves the step retryable.
func (o *Orchestrator) Persist(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.persisted {
		o.mu.Unlock()
		return "", ErrAlreadyPersisted
	}
	if o.persisting {
		o.mu.Unlock()
		return "", ErrPersistInFlight
	}
	if !o.steps[StepStructure].Completed {
		o.mu.Unlock()
		return "", ErrStepOrder
	}
	o.persisting = true

	req := api.SaveRequest{
		SampleID:       o.sampleID,
		Transcription:  o.transcription,
		AnnotatedImage: o.annotatedImage,
		Report:         o.report,
	}
	if o.measurements != nil {
		copied := *o.measurements
		req.Measurements = &copied
	}
	if o.extraction != nil {
		req.FormData = make(map[string]interface{}, len(o.extraction))
		for k, v := range o.extraction {
			req.FormData[k] = v
		}
	}
	o.mu.Unlock()

	resp, err := o.lab.SaveAnalysis(ctx, req)

	o.mu.Lock()
	o.persisting = false
	if err != nil {
		o.mu.Unlock()
		o.failStep(StepPersist, fmt.Sprintf("save failed: %v", err))
		return "", err
	}
	o.persisted = true
	o.recordID = resp.ID
	o.completeLocked(StepPersist, StepPersist)
	o.metrics.RecordSessionEnd()
	o.mu.Unlock()

	o.logger.Info().Str("record_id", resp.ID).Msg("Analysis persisted")
	return resp.ID, nil
}

// StartNew discards the whole session and starts over for a new sample
func (o *Orchestrator) StartNew(sampleID string) {
	o.mu.Lock()
	if o.metrics != nil && !o.persisted {
		o.metrics.RecordSessionEnd()
	}
	o.resetLocked(sampleID)
	o.mu.Unlock()

	o.publish(Event{Kind: EventReset})
}

// ClearStepError clears the recorded error on a step so it can be retried
func (o *Orchestrator) ClearStepError(id StepID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if step, ok := o.steps[id]; ok {
		step.ErrorMessage = ""
	}
}

// MergeProgress folds a server-side stage update into the matching workflow
// step. Completion is conservative: server updates raise progress and record
// errors but never un-complete a step finished locally.
func (o *Orchestrator) MergeProgress(stage string, progress session.StageProgress) {
	id, ok := stageToStep(stage)
	if !ok {
		o.logger.Debug().Str("stage", stage).Msg("Ignoring progress for unmapped stage")
		return
	}

	o.mu.Lock()
	step := o.steps[id]
	if progress.Percent > step.Progress {
		step.Progress = progress.Percent
	}
	switch progress.Status {
	case "error", "failed":
		step.ErrorMessage = fmt.Sprintf("server reported %s failed", stage)
	case "completed":
		step.Progress = 100
	}
	o.mu.Unlock()
}

// stageToStep maps analysis server stage names onto workflow steps
func stageToStep(stage string) (StepID, bool) {
	switch stage {
	case session.StageVision:
		return StepMeasure, true
	case session.StageTranscription:
		return StepNarrate, true
	case session.StageExtraction, session.StageReport:
		return StepStructure, true
	}
	return 0, false
}

// completeLocked marks a step done and advances the session; callers hold
// the lock.
func (o *Orchestrator) completeLocked(id, next StepID) {
	step := o.steps[id]
	step.Completed = true
	step.ErrorMessage = ""
	step.Progress = 100

	if next > o.current {
		o.current = next
	}

	o.metrics.RecordStep(id.String(), "completed")
	o.logger.Info().
		Str("step", id.String()).
		Str("next", o.current.String()).
		Msg("Workflow step completed")
	o.publish(Event{Kind: EventStepCompleted, Step: id})
	if next > id {
		o.publish(Event{Kind: EventAdvanced, Step: next})
	}
}

// failStep records a step failure without advancing
func (o *Orchestrator) failStep(id StepID, message string) {
	o.mu.Lock()
	o.steps[id].ErrorMessage = message
	o.mu.Unlock()

	o.metrics.RecordStep(id.String(), "error")
	o.metrics.RecordError("step_failure", "workflow")
	o.logger.Warn().Str("step", id.String()).Str("error", message).Msg("Workflow step failed")
	o.publish(Event{Kind: EventStepFailed, Step: id, Message: message})
}

// resetLocked reinitializes session state; callers hold the lock (or own
// the orchestrator exclusively during construction)
func (o *Orchestrator) resetLocked(sampleID string) {
	o.sessionID = observability.NewSessionID()
	o.sampleID = sampleID
	o.current = StepMeasure
	o.steps = make(map[StepID]*Step, 5)
	for id := StepMeasure; id <= StepPersist; id++ {
		o.steps[id] = &Step{ID: id}
	}
	o.measurements = nil
	o.annotatedImage = ""
	o.transcription = ""
	o.reviewDone = false
	o.extraction = nil
	o.report = ""
	o.persisting = false
	o.persisted = false
	o.recordID = ""

	o.metrics = observability.NewSessionMetrics(o.sessionID)
	o.metrics.RecordSessionStart()

	o.logger = o.baseLogger.With().Str("session_id", o.sessionID).Logger()
	o.logger.Info().Str("sample_id", sampleID).Msg("Documentation session started")
}

func (o *Orchestrator) publish(ev Event) {
	select {
	case o.events <- ev:
	default:
		o.logger.Debug().Str("kind", string(ev.Kind)).Msg("Workflow events channel full, dropping event")
	}
}
