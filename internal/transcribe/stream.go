package transcribe

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/histolab/capture-agent/internal/observability"
)

// EventType identifies an incremental transcription event
type EventType string

const (
	// EventDelta carries the full transcript so far; each delta replaces
	// the previous text entirely
	EventDelta EventType = "delta"
	// EventDone marks a successful end of stream with the final transcript
	EventDone EventType = "done"
	// EventError is terminal; no further events follow it
	EventError EventType = "error"
)

// Event is one incremental transcription result
type Event struct {
	Type     EventType
	FullText string // Set on EventDelta and EventDone
	Message  string // Set on EventError
}

// Outcome is how a transcription stream ended
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeAborted means the caller cancelled; it is not an error
	OutcomeAborted Outcome = "aborted"
)

// wireEvent is the JSON payload carried on each "data: " line
type wireEvent struct {
	Type     string `json:"type"`
	FullText string `json:"full_text"`
	Error    string `json:"error"`
}

const (
	linePrefix = "data: "

	wireDelta = "transcript.text.delta"
	wireDone  = "transcript.text.done"
	wireError = "transcript.error"
)

// Stream consumes the line-delimited transcription response. Events arrive
// on the Events channel in wire order; the channel closes when the stream
// ends, after which Outcome and FullText report the final result.
type Stream struct {
	ctx     context.Context
	events  chan Event
	done    chan struct{}
	outcome Outcome
	final   string
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func newStream(ctx context.Context, body io.ReadCloser, metrics *observability.Metrics, logger zerolog.Logger) *Stream {
	s := &Stream{
		ctx:     ctx,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
		metrics: metrics,
		logger:  logger,
	}
	go s.readLoop(ctx, body)
	return s
}

// Events returns the incremental event channel. It closes once the stream
// reaches a terminal state.
func (s *Stream) Events() <-chan Event { return s.events }

// Outcome reports how the stream ended. Valid after the Events channel
// closes; it blocks until then.
func (s *Stream) Outcome() Outcome {
	<-s.done
	return s.outcome
}

// FullText returns the last transcript observed, final when the outcome is
// completed. It blocks until the stream ends.
func (s *Stream) FullText() string {
	<-s.done
	return s.final
}

// readLoop parses the response line by line. The reader reassembles lines
// regardless of how the network fragments them, so events split across
// reads still decode whole.
func (s *Stream) readLoop(ctx context.Context, body io.ReadCloser) {
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordTranscriptionEnd(string(s.outcome))
		}
	}()
	defer close(s.done)
	defer close(s.events)
	defer body.Close()

	// Close the body when the caller cancels so the blocked read returns
	cancelDone := make(chan struct{})
	defer close(cancelDone)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-cancelDone:
		}
	}()

	reader := bufio.NewReader(body)
	sawDone := false

	for {
		line, err := reader.ReadString('\n')

		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			if terminal := s.handleLine(trimmed); terminal {
				if !sawDone && s.outcome == "" {
					s.outcome = OutcomeFailed
				}
				return
			}
			if s.outcome == OutcomeCompleted {
				sawDone = true
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				// Caller cancelled; this is an abort, not a failure
				s.outcome = OutcomeAborted
				return
			}
			if sawDone {
				s.outcome = OutcomeCompleted
				return
			}
			if err != io.EOF {
				s.logger.Warn().Err(err).Msg("Transcription stream read failed")
				s.emit(Event{Type: EventError, Message: err.Error()})
			} else {
				s.logger.Warn().Msg("Transcription stream ended without a done event")
				s.emit(Event{Type: EventError, Message: "stream ended unexpectedly"})
			}
			s.outcome = OutcomeFailed
			return
		}
	}
}

// handleLine decodes one stream line and emits the matching event. It
// returns true when the line is terminal for the stream.
func (s *Stream) handleLine(line string) bool {
	if !strings.HasPrefix(line, linePrefix) {
		s.logger.Debug().Str("line", line).Msg("Skipping non-data stream line")
		return false
	}

	var ev wireEvent
	if err := json.Unmarshal([]byte(line[len(linePrefix):]), &ev); err != nil {
		s.logger.Warn().Err(err).Msg("Skipping malformed transcription event")
		return false
	}

	switch ev.Type {
	case wireDelta:
		s.final = ev.FullText
		s.emit(Event{Type: EventDelta, FullText: ev.FullText})
		return false

	case wireDone:
		s.final = ev.FullText
		s.outcome = OutcomeCompleted
		s.emit(Event{Type: EventDone, FullText: ev.FullText})
		return false

	case wireError:
		msg := ev.Error
		if msg == "" {
			msg = "transcription failed"
		}
		s.logger.Warn().Str("error", msg).Msg("Transcription stream reported an error")
		s.outcome = OutcomeFailed
		s.emit(Event{Type: EventError, Message: msg})
		return true

	default:
		s.logger.Debug().Str("type", ev.Type).Msg("Skipping unknown transcription event type")
		return false
	}
}

// emit delivers an event, giving up if the caller cancelled instead of
// draining the channel.
func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
