package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestLevelPercent(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{"empty frame", nil, 0},
		{"silence", []int16{0, 0, 0, 0}, 0},
		{"full scale", []int16{32767, -32767, 32767, -32767}, 32767.0 / 32768.0},
		{"half scale", []int16{16384, -16384}, 0.5},
		{"mixed", []int16{0, 16384}, 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LevelPercent(tt.samples)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("LevelPercent(%v) = %v, want %v", tt.samples, got, tt.want)
			}
		})
	}
}

func TestLevelPercent_Clamped(t *testing.T) {
	// math.MinInt16 has magnitude 32768, slightly above full scale
	samples := []int16{math.MinInt16, math.MinInt16}
	if got := LevelPercent(samples); got != 1 {
		t.Errorf("Expected level clamped to 1, got %v", got)
	}
}

func TestCalculateRMS(t *testing.T) {
	if got := CalculateRMS(nil); got != 0 {
		t.Errorf("Expected RMS 0 for empty frame, got %v", got)
	}

	samples := []int16{1000, -1000, 1000, -1000}
	if got := CalculateRMS(samples); math.Abs(got-1000) > 1e-9 {
		t.Errorf("Expected RMS 1000, got %v", got)
	}
}

func TestDecodePCM16(t *testing.T) {
	data := make([]byte, 6)
	binary.LittleEndian.PutUint16(data[0:], uint16(int16(100)))
	neg := int16(-200)
	binary.LittleEndian.PutUint16(data[2:], uint16(neg))
	binary.LittleEndian.PutUint16(data[4:], uint16(int16(30000)))

	samples := DecodePCM16(data)
	if len(samples) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(samples))
	}
	if samples[0] != 100 || samples[1] != -200 || samples[2] != 30000 {
		t.Errorf("Decoded samples incorrect: %v", samples)
	}

	// Odd trailing byte is ignored
	if got := DecodePCM16([]byte{1, 0, 5}); len(got) != 1 {
		t.Errorf("Expected trailing byte ignored, got %d samples", len(got))
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	wav := EncodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("Expected %d bytes, got %d", 44+len(pcm), len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("Missing RIFF/WAVE markers")
	}
	if string(wav[36:40]) != "data" {
		t.Error("Missing data sub-chunk marker")
	}
	if got := binary.LittleEndian.Uint32(wav[40:]); got != uint32(len(pcm)) {
		t.Errorf("Expected data length %d, got %d", len(pcm), got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:]); got != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:]); got != 1 {
		t.Errorf("Expected 1 channel, got %d", got)
	}
	// Payload is carried verbatim
	for i, b := range pcm {
		if wav[44+i] != b {
			t.Errorf("Payload byte %d mismatch: %d", i, wav[44+i])
		}
	}
}
