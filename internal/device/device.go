// Package device wraps the host's microphone acquisition primitives behind a
// small adapter interface so the capture state machine never touches process
// or driver details directly.
package device

import (
	"context"
)

// Config describes how the microphone should be captured
type Config struct {
	SampleRate  int    // Samples per second (default 16000)
	Channels    int    // Channel count (default 1)
	InputFormat string // Host capture backend (pulse, alsa, avfoundation, dshow)
	InputDevice string // Backend-specific device name
	ChunkSize   int    // Bytes per delivered chunk (default 4096)
	BufferSize  int    // Ring buffer size between reader and pump (default 32768)
}

func (cfg Config) withDefaults() Config {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	if cfg.BufferSize < cfg.ChunkSize*2 {
		cfg.BufferSize = cfg.ChunkSize * 8
	}
	return cfg
}

// Handle is one live capture. Chunks are delivered strictly in capture order.
// Levels carries one meter value per delivered chunk; its cadence follows the
// device, no fixed interval is guaranteed. Both channels close after Release.
type Handle interface {
	Chunks() <-chan []byte
	Levels() <-chan float64

	// Pause suspends chunk delivery; input arriving while paused is discarded.
	Pause()
	Resume()

	// Release stops the capture and frees the underlying device. Safe to call
	// more than once.
	Release() error
}

// Device creates capture handles. Implementations permit at most one live
// handle at a time; acquiring a second one fails with DeviceBusy.
type Device interface {
	Acquire(ctx context.Context, cfg Config) (Handle, error)
}
