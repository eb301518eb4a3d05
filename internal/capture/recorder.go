// Package capture owns the recording lifecycle: a state machine over idle,
// recording, paused, and completed, with a hard duration ceiling and a live
// level meter fed by the capture device.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/histolab/capture-agent/internal/audio"
	"github.com/histolab/capture-agent/internal/device"
	"github.com/histolab/capture-agent/internal/observability"
)

// State is the recording lifecycle state
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
)

// DefaultMaxDuration is the hard recording ceiling when none is configured
const DefaultMaxDuration = 300 * time.Second

var (
	// ErrNotIdle is returned by Start while a recording exists
	ErrNotIdle = errors.New("recorder is not idle")
	// ErrNotRecording is returned by Pause outside the recording state
	ErrNotRecording = errors.New("recorder is not recording")
	// ErrNotPaused is returned by Resume outside the paused state
	ErrNotPaused = errors.New("recorder is not paused")
	// ErrNoRecording is returned by Stop when nothing was ever started
	ErrNoRecording = errors.New("no recording in progress")
)

// Payload is the finished audio recording, chunks concatenated in capture order
type Payload struct {
	WAV        []byte
	Duration   time.Duration
	SampleRate int
	Channels   int
}

// Options configures one recording
type Options struct {
	MaxDuration time.Duration // Hard cutoff; DefaultMaxDuration when zero
	Device      device.Config
}

// EventKind identifies recorder notifications
type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventCompleted    EventKind = "completed"
)

// Event is a recorder notification delivered on the Events channel
type Event struct {
	Kind        EventKind
	State       State
	Payload     *Payload // Set on EventCompleted
	AutoStopped bool     // True when the duration ceiling forced the stop
}

// tickSource lets tests drive the duration timer deterministically
type tickSource func() (<-chan time.Time, func())

// Recorder is the audio capture state machine. All transitions are validated
// against the current state; invalid calls return an error and mutate nothing.
type Recorder struct {
	dev     device.Device
	logger  zerolog.Logger
	metrics *observability.Metrics
	tick    tickSource

	mu         sync.Mutex
	state      State
	handle     device.Handle
	chunks     [][]byte
	elapsed    int
	level      float64
	maxSeconds int
	sampleRate int
	channels   int
	payload    *Payload

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	stopCh     chan struct{}
	stopOnce   *sync.Once

	events chan Event
}

// NewRecorder creates an idle recorder bound to a capture device adapter
func NewRecorder(dev device.Device, logger zerolog.Logger) *Recorder {
	return &Recorder{
		dev:     dev,
		logger:  logger,
		metrics: observability.NewSessionMetrics("recorder"),
		state:   StateIdle,
		events:  make(chan Event, 32),
		tick: func() (<-chan time.Time, func()) {
			t := time.NewTicker(time.Second)
			return t.C, t.Stop
		},
	}
}

// newRecorderWithTick is the test constructor with an injected duration timer
func newRecorderWithTick(dev device.Device, logger zerolog.Logger, tickC <-chan time.Time) *Recorder {
	r := NewRecorder(dev, logger)
	r.tick = func() (<-chan time.Time, func()) {
		return tickC, func() {}
	}
	return r
}

// Events returns the recorder notification channel. Notifications are dropped
// rather than blocking the state machine when the consumer lags.
func (r *Recorder) Events() <-chan Event { return r.events }

// State returns the current lifecycle state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Elapsed returns whole recorded seconds, excluding paused time
func (r *Recorder) Elapsed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed
}

// LevelPercent returns the most recent level meter value in [0,1]
func (r *Recorder) LevelPercent() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

// Payload returns the finished recording, or nil before completion
func (r *Recorder) Payload() *Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payload
}

// Start acquires the capture device and begins recording. Valid only from
// idle; on device failure the recorder stays idle and the typed capture
// error is returned.
func (r *Recorder) Start(ctx context.Context, opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		return ErrNotIdle
	}

	handle, err := r.dev.Acquire(ctx, opts.Device)
	if err != nil {
		return fmt.Errorf("failed to acquire capture device: %w", err)
	}

	maxSeconds := int(opts.MaxDuration / time.Second)
	if maxSeconds <= 0 {
		maxSeconds = int(DefaultMaxDuration / time.Second)
	}
	sampleRate := opts.Device.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	channels := opts.Device.Channels
	if channels <= 0 {
		channels = 1
	}

	loopCtx, cancel := context.WithCancel(ctx)

	r.handle = handle
	r.state = StateRecording
	r.chunks = nil
	r.elapsed = 0
	r.level = 0
	r.payload = nil
	r.maxSeconds = maxSeconds
	r.sampleRate = sampleRate
	r.channels = channels
	r.cancelLoop = cancel
	r.loopDone = make(chan struct{})
	r.stopCh = make(chan struct{})
	r.stopOnce = &sync.Once{}

	tickC, stopTick := r.tick()
	go r.loop(loopCtx, tickC, stopTick, handle)

	r.logger.Info().Int("max_seconds", maxSeconds).Msg("Recording started")
	r.emit(Event{Kind: EventStateChanged, State: StateRecording})
	return nil
}

// Pause suspends the duration timer and chunk delivery without discarding
// already buffered audio. Valid only from recording.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.state = StatePaused
	handle := r.handle
	r.mu.Unlock()

	if handle != nil {
		handle.Pause()
	}
	r.emit(Event{Kind: EventStateChanged, State: StatePaused})
	return nil
}

// Resume restarts the duration timer. Valid only from paused.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	if r.state != StatePaused {
		r.mu.Unlock()
		return ErrNotPaused
	}
	r.state = StateRecording
	handle := r.handle
	r.mu.Unlock()

	if handle != nil {
		handle.Resume()
	}
	r.emit(Event{Kind: EventStateChanged, State: StateRecording})
	return nil
}

// Stop releases the device and finalizes the payload. Valid from recording
// or paused; calling Stop again once completed returns the same payload
// without duplicating chunks.
func (r *Recorder) Stop() (*Payload, error) {
	r.mu.Lock()
	switch r.state {
	case StateCompleted:
		p := r.payload
		r.mu.Unlock()
		return p, nil
	case StateRecording, StatePaused:
	default:
		r.mu.Unlock()
		return nil, ErrNoRecording
	}
	stopCh := r.stopCh
	stopOnce := r.stopOnce
	loopDone := r.loopDone
	r.mu.Unlock()

	stopOnce.Do(func() { close(stopCh) })
	<-loopDone

	r.mu.Lock()
	p := r.payload
	r.mu.Unlock()
	if p == nil {
		// The loop was torn down (disposal) before it could finalize
		return nil, ErrNoRecording
	}
	return p, nil
}

// Delete aborts or discards the recording: the device handle is released,
// buffered audio is cleared, and duration and level reset to zero. Valid
// from any state; from idle it is a no-op.
func (r *Recorder) Delete() {
	r.mu.Lock()
	cancel := r.cancelLoop
	loopDone := r.loopDone
	running := r.state == StateRecording || r.state == StatePaused
	r.mu.Unlock()

	if running && cancel != nil {
		cancel()
		<-loopDone
	}

	r.mu.Lock()
	handle := r.handle
	r.handle = nil
	changed := r.state != StateIdle
	r.state = StateIdle
	r.chunks = nil
	r.elapsed = 0
	r.level = 0
	r.payload = nil
	r.mu.Unlock()

	if handle != nil {
		if err := handle.Release(); err != nil {
			r.logger.Warn().Err(err).Msg("Error releasing capture device")
		}
	}
	if changed {
		r.emit(Event{Kind: EventStateChanged, State: StateIdle})
	}
}

// Close disposes the recorder, tearing down any in-flight recording
func (r *Recorder) Close() error {
	r.Delete()
	return nil
}

// loop is the single event loop interleaving timer ticks, level samples,
// chunk arrivals, and stop/teardown signals.
func (r *Recorder) loop(ctx context.Context, tickC <-chan time.Time, stopTick func(), handle device.Handle) {
	defer close(r.loopDone)
	defer stopTick()

	chunks := handle.Chunks()
	levels := handle.Levels()

	for {
		select {
		case <-tickC:
			r.mu.Lock()
			if r.state != StateRecording {
				// Paused: the duration clock does not advance
				r.mu.Unlock()
				continue
			}
			r.elapsed++
			hit := r.maxSeconds > 0 && r.elapsed >= r.maxSeconds
			r.mu.Unlock()

			if hit {
				r.logger.Info().Int("seconds", r.Elapsed()).Msg("Duration ceiling reached, stopping recording")
				r.finalize(handle, true)
				return
			}

		case lvl, ok := <-levels:
			if !ok {
				levels = nil
				continue
			}
			r.mu.Lock()
			if r.state == StateRecording {
				r.level = clamp01(lvl)
			}
			r.mu.Unlock()

		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			r.mu.Lock()
			if r.state == StateRecording || r.state == StatePaused {
				r.chunks = append(r.chunks, chunk)
			}
			r.mu.Unlock()

		case <-r.stopCh:
			r.finalize(handle, false)
			return

		case <-ctx.Done():
			// Disposal: release everything and reset without producing a payload
			r.teardown(handle)
			return
		}
	}
}

// finalize releases the device, drains remaining buffered chunks in capture
// order, and transitions to completed with the assembled payload.
func (r *Recorder) finalize(handle device.Handle, auto bool) {
	if err := handle.Release(); err != nil {
		r.logger.Warn().Err(err).Msg("Error releasing capture device")
	}

	// The pump may still hold chunks buffered before release; collect them
	// so the payload covers everything captured.
	var tail [][]byte
	for chunk := range handle.Chunks() {
		tail = append(tail, chunk)
	}
	for range handle.Levels() {
	}

	r.mu.Lock()
	r.handle = nil
	r.chunks = append(r.chunks, tail...)

	var size int
	for _, c := range r.chunks {
		size += len(c)
	}
	pcm := make([]byte, 0, size)
	for _, c := range r.chunks {
		pcm = append(pcm, c...)
	}

	p := &Payload{
		WAV:        audio.EncodeWAV(pcm, r.sampleRate, r.channels),
		Duration:   time.Duration(r.elapsed) * time.Second,
		SampleRate: r.sampleRate,
		Channels:   r.channels,
	}
	r.payload = p
	r.state = StateCompleted
	r.mu.Unlock()

	r.metrics.RecordRecording("completed", p.Duration.Seconds())
	r.metrics.RecordAudioBytes(int64(len(pcm)))
	r.logger.Info().
		Int("seconds", int(p.Duration/time.Second)).
		Int("bytes", len(p.WAV)).
		Bool("auto_stopped", auto).
		Msg("Recording completed")
	r.emit(Event{Kind: EventCompleted, State: StateCompleted, Payload: p, AutoStopped: auto})
}

// teardown resets to idle on disposal without finalizing a payload
func (r *Recorder) teardown(handle device.Handle) {
	if err := handle.Release(); err != nil {
		r.logger.Warn().Err(err).Msg("Error releasing capture device")
	}
	for range handle.Chunks() {
	}
	for range handle.Levels() {
	}

	r.mu.Lock()
	r.handle = nil
	r.chunks = nil
	r.elapsed = 0
	r.level = 0
	r.payload = nil
	r.state = StateIdle
	r.mu.Unlock()

	r.metrics.RecordRecording("discarded", 0)
	r.emit(Event{Kind: EventStateChanged, State: StateIdle})
}

func (r *Recorder) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Debug().Str("kind", string(ev.Kind)).Msg("Recorder event channel full, dropping event")
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
