package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/histolab/capture-agent/internal/capture"
	"github.com/histolab/capture-agent/internal/device"
	"github.com/histolab/capture-agent/internal/workflow"
)

// registerHandlers mounts the agent control surface on the mux. Capture
// routes drive the recorder; workflow routes drive the documentation steps.
func registerHandlers(mux *http.ServeMux, a *Agent) {
	mux.HandleFunc("/capture/start", a.handleCaptureStart)
	mux.HandleFunc("/capture/pause", a.handleCapturePause)
	mux.HandleFunc("/capture/resume", a.handleCaptureResume)
	mux.HandleFunc("/capture/finish", a.handleCaptureFinish)
	mux.HandleFunc("/capture/delete", a.handleCaptureDelete)

	mux.HandleFunc("/workflow/measure", a.handleMeasure)
	mux.HandleFunc("/workflow/measure/accept", a.handleAcceptMeasurements)
	mux.HandleFunc("/workflow/measure/skip", a.handleSkipMeasurements)
	mux.HandleFunc("/workflow/measure/retry", a.handleRetryMeasurement)
	mux.HandleFunc("/workflow/transcription", a.handleTranscription)
	mux.HandleFunc("/workflow/review/confirm", a.handleConfirmReview)
	mux.HandleFunc("/workflow/analyze/remote", a.handleRemoteAnalysis)
	mux.HandleFunc("/workflow/extract", a.handleExtract)
	mux.HandleFunc("/workflow/report", a.handleReport)
	mux.HandleFunc("/workflow/save", a.handleSave)
	mux.HandleFunc("/workflow/new", a.handleNewSession)

	mux.HandleFunc("/status", a.handleStatus)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors onto HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, capture.ErrNotIdle),
		errors.Is(err, capture.ErrNotRecording),
		errors.Is(err, capture.ErrNotPaused),
		errors.Is(err, capture.ErrNoRecording),
		errors.Is(err, workflow.ErrStepOrder),
		errors.Is(err, workflow.ErrAlreadyPersisted),
		errors.Is(err, workflow.ErrPersistInFlight):
		status = http.StatusConflict
	case errors.Is(err, workflow.ErrLowConfidence):
		status = http.StatusUnprocessableEntity
	case device.CodeOf(err) != device.Unknown:
		status = http.StatusFailedDependency
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return false
	}
	return true
}

func (a *Agent) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	// The recording outlives the request, so it is not tied to r.Context()
	if err := a.StartNarration(context.Background()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(a.recorder.State())})
}

func (a *Agent) handleCapturePause(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := a.recorder.Pause(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(a.recorder.State())})
}

func (a *Agent) handleCaptureResume(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := a.recorder.Resume(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(a.recorder.State())})
}

// handleCaptureFinish stops the recording and transcribes it into the
// workflow. The response carries the final transcript.
func (a *Agent) handleCaptureFinish(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	text, err := a.FinishNarration(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcription": text})
}

func (a *Agent) handleCaptureDelete(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	a.recorder.Delete()
	writeJSON(w, http.StatusOK, map[string]string{"state": string(a.recorder.State())})
}

// handleMeasure accepts a sample photo upload and runs vision analysis
func (a *Agent) handleMeasure(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "image file is required"})
		return
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	err = a.orch.RecordMeasurement(r.Context(), image, header.Filename)
	if errors.Is(err, workflow.ErrLowConfidence) {
		// Measurements are kept; the operator decides what to do with them
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":        err.Error(),
			"measurements": a.orch.Measurements(),
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"measurements": a.orch.Measurements()})
}

func (a *Agent) handleAcceptMeasurements(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := a.orch.AcceptMeasurements(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"step": a.orch.Current().String()})
}

func (a *Agent) handleSkipMeasurements(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := a.orch.ProceedWithoutMeasurements(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"step": a.orch.Current().String()})
}

func (a *Agent) handleRetryMeasurement(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := a.orch.RetryMeasurement(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"step": a.orch.Current().String()})
}

// handleTranscription replaces the transcript with an operator correction
func (a *Agent) handleTranscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.orch.UpdateTranscription(body.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcription": a.orch.Transcription()})
}

func (a *Agent) handleConfirmReview(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := a.orch.ConfirmReview(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"step": a.orch.Current().String()})
}

// handleRemoteAnalysis issues an analysis command over the progress
// connection. Stage results come back asynchronously and show up in /status.
func (a *Agent) handleRemoteAnalysis(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	switch body.Scope {
	case "", "vision", "transcription", "complete":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown analysis scope"})
		return
	}

	if err := a.StartRemoteAnalysis(body.Scope); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"scope": body.Scope, "session_id": a.orch.SessionID()})
}

func (a *Agent) handleExtract(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	fields, err := a.orch.RunExtraction(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"form_data": fields})
}

func (a *Agent) handleReport(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	report, err := a.orch.GenerateReport(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"report": report})
}

func (a *Agent) handleSave(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	recordID, err := a.orch.Persist(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"record_id": recordID})
}

func (a *Agent) handleNewSession(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		SampleID string `json:"sample_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a.StartNewSession(body.SampleID)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": a.orch.SessionID()})
}

// handleStatus reports the full agent state: capture, workflow, and the
// server-side stage table
func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	progress := a.Progress()

	// Ask the server for a fresh stage report; it arrives asynchronously
	// and lands in the table by the next poll
	if progress != nil {
		if err := progress.RequestStatus(); err != nil {
			a.logger.Debug().Err(err).Msg("Status refresh request failed")
		}
	}

	status := map[string]interface{}{
		"session_id": a.orch.SessionID(),
		"capture": map[string]interface{}{
			"state":         a.recorder.State(),
			"elapsed":       a.recorder.Elapsed(),
			"level_percent": a.recorder.LevelPercent(),
		},
		"workflow": map[string]interface{}{
			"current": a.orch.Current().String(),
			"steps":   a.orch.Steps(),
		},
		"result": a.orch.Result(),
	}
	if progress != nil {
		status["connection"] = map[string]interface{}{
			"status": progress.Status(),
			"stages": progress.Snapshot(),
		}
	}
	writeJSON(w, http.StatusOK, status)
}
