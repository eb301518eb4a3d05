package device

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/histolab/capture-agent/internal/audio"
)

const startupGrace = 250 * time.Millisecond

// FFmpegDevice captures microphone PCM audio by running ffmpeg as a child
// process reading from the host capture backend and writing s16le to stdout.
type FFmpegDevice struct {
	command string
	logger  zerolog.Logger

	mu   sync.Mutex
	held bool
}

// NewFFmpegDevice creates a device adapter running the given ffmpeg binary
func NewFFmpegDevice(command string, logger zerolog.Logger) *FFmpegDevice {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpegDevice{command: command, logger: logger}
}

func captureArgs(cfg Config) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

// Acquire starts the capture process. At most one handle may be live at a
// time; a second Acquire before Release fails with DeviceBusy.
func (d *FFmpegDevice) Acquire(ctx context.Context, cfg Config) (Handle, error) {
	d.mu.Lock()
	if d.held {
		d.mu.Unlock()
		return nil, newError(DeviceBusy, "capture device already acquired", nil)
	}
	d.held = true
	d.mu.Unlock()

	cfg = cfg.withDefaults()

	cmd := exec.CommandContext(ctx, d.command, captureArgs(cfg)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.releaseHold()
		return nil, newError(Unknown, "failed to create capture stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		d.releaseHold()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, newError(DeviceNotFound, "capture command not found", err)
		}
		return nil, newError(Unknown, "failed to start capture process", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// A capture process that dies immediately means the device could not be
	// opened; classify its diagnostics into a typed error.
	select {
	case err := <-waitErr:
		d.releaseHold()
		code := classifyStderr(stderr.String())
		return nil, newError(code, "capture process exited before producing audio: "+trimmed(stderr.String()), err)
	case <-startupTimer(ctx):
	}

	h := &ffmpegHandle{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
		ring:    audio.NewRingBuffer(cfg.BufferSize),
		notify:  make(chan struct{}, 1),
		chunks:  make(chan []byte, 16),
		levels:  make(chan float64, 16),
		done:    make(chan struct{}),
		release: d.releaseHold,
		logger:  d.logger,
	}

	go h.readLoop()
	go h.pumpLoop(cfg.ChunkSize)

	d.logger.Debug().
		Str("input_format", cfg.InputFormat).
		Str("input_device", cfg.InputDevice).
		Int("sample_rate", cfg.SampleRate).
		Msg("Capture device acquired")

	return h, nil
}

func (d *FFmpegDevice) releaseHold() {
	d.mu.Lock()
	d.held = false
	d.mu.Unlock()
}

func startupTimer(ctx context.Context) <-chan time.Time {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < startupGrace {
		return time.After(time.Until(deadline))
	}
	return time.After(startupGrace)
}

type ffmpegHandle struct {
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	process *os.Process
	waitErr <-chan error

	ring   *audio.RingBuffer
	notify chan struct{}
	chunks chan []byte
	levels chan float64

	paused atomic.Bool
	done   chan struct{} // closed when the reader observes EOF or Release

	releaseOnce sync.Once
	releaseErr  error
	release     func()

	logger zerolog.Logger
}

func (h *ffmpegHandle) Chunks() <-chan []byte  { return h.chunks }
func (h *ffmpegHandle) Levels() <-chan float64 { return h.levels }

func (h *ffmpegHandle) Pause()  { h.paused.Store(true) }
func (h *ffmpegHandle) Resume() { h.paused.Store(false) }

// readLoop drains the process pipe into the ring buffer so a slow consumer
// never backs up the capture process.
func (h *ffmpegHandle) readLoop() {
	defer close(h.done)

	buf := make([]byte, 4096)
	for {
		n, err := h.stdout.Read(buf)
		if n > 0 {
			written := h.ring.Write(buf[:n])
			if written < n {
				h.logger.Warn().Int("dropped", n-written).Msg("Capture ring buffer full, dropping audio")
			}
			select {
			case h.notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpLoop assembles fixed-size chunks from the ring buffer and delivers them
// with a level meter value per chunk. Chunks are delivered in capture order.
func (h *ffmpegHandle) pumpLoop(chunkSize int) {
	defer close(h.chunks)
	defer close(h.levels)

	deliver := func(final bool) {
		for h.ring.Buffered() >= chunkSize || (final && h.ring.Buffered() > 0) {
			chunk := make([]byte, chunkSize)
			n := h.ring.Read(chunk)
			if n == 0 {
				return
			}
			chunk = chunk[:n]

			if h.paused.Load() {
				continue // Discard input arriving while paused
			}

			select {
			case h.levels <- audio.LevelPercent(audio.DecodePCM16(chunk)):
			default:
				// Meter values are advisory; never block delivery on them
			}
			h.chunks <- chunk
		}
	}

	for {
		select {
		case <-h.notify:
			deliver(false)
		case <-h.done:
			deliver(true)
			return
		}
	}
}

// Release stops the capture process and frees the device. Idempotent.
func (h *ffmpegHandle) Release() error {
	h.releaseOnce.Do(func() {
		if h.process != nil {
			_ = h.process.Signal(os.Interrupt)
		}

		select {
		case err := <-h.waitErr:
			h.releaseErr = normalizeExitErr(err)
		case <-time.After(1200 * time.Millisecond):
			if h.process != nil {
				_ = h.process.Kill()
			}
			if err, ok := <-h.waitErr; ok {
				h.releaseErr = normalizeExitErr(err)
			}
		}

		if closeErr := h.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && h.releaseErr == nil {
			h.releaseErr = closeErr
		}

		h.release()
	})

	return h.releaseErr
}

// normalizeExitErr treats exit-on-signal as a normal stop
func normalizeExitErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimmed(s string) string {
	return string(bytes.TrimSpace([]byte(s)))
}
