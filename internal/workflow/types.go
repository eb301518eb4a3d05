package workflow

import (
	"errors"

	"github.com/histolab/capture-agent/internal/api"
)

// StepID identifies one step of the documentation workflow, in order
type StepID int

const (
	StepMeasure   StepID = iota + 1 // Photograph and measure the sample
	StepNarrate                     // Record the dictated description
	StepReview                      // Review and correct the transcript
	StepStructure                   // Extract structured form fields
	StepPersist                     // Save the finished analysis
)

// String returns the step's display name
func (s StepID) String() string {
	switch s {
	case StepMeasure:
		return "measure"
	case StepNarrate:
		return "narrate"
	case StepReview:
		return "review"
	case StepStructure:
		return "structure"
	case StepPersist:
		return "persist"
	}
	return "unknown"
}

// Step is the tracked state of one workflow step
type Step struct {
	ID           StepID
	Completed    bool
	ErrorMessage string
	Progress     float64 // Percent reported by the analysis server, 0-100
}

var (
	// ErrLowConfidence means measurements arrived below the confidence
	// threshold; the caller must accept them explicitly or retry
	ErrLowConfidence = errors.New("measurement confidence below threshold")
	// ErrStepOrder means the operation requires an earlier step first
	ErrStepOrder = errors.New("previous workflow step not finished")
	// ErrAlreadyPersisted means the analysis was already saved
	ErrAlreadyPersisted = errors.New("analysis already persisted")
	// ErrPersistInFlight means a save request is currently running
	ErrPersistInFlight = errors.New("persist request already in flight")
)

// EventKind identifies orchestrator notifications
type EventKind string

const (
	EventStepCompleted EventKind = "step_completed"
	EventStepFailed    EventKind = "step_failed"
	EventAdvanced      EventKind = "advanced"
	EventReset         EventKind = "reset"
)

// Event is an orchestrator notification delivered on the Events channel
type Event struct {
	Kind    EventKind
	Step    StepID
	Message string
}

// Result is the aggregate session outcome
type Result struct {
	SessionID      string
	SampleID       string
	RecordID       string
	Measurements   *api.Measurements
	AnnotatedImage string
	Transcription  string
	FormData       map[string]interface{}
	Report         string
	Persisted      bool
}
