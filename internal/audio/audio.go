// Package audio captures microphone input into a WAV container and decodes
// finished recordings into 16kHz mono float samples for inference.
package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrPermission is returned when the operating system denies microphone access.
	ErrPermission = errors.New("microphone permission denied")
	// ErrUnavailable is returned when no capture device can be opened.
	ErrUnavailable = errors.New("audio device unavailable")
)

// TargetSampleRate is the rate inference backends expect.
const TargetSampleRate = 16000

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// Stream delivers interleaved 16-bit PCM buffers from an open device.
type Stream interface {
	// Read blocks until the next buffer is available.
	Read(ctx context.Context) ([]int16, error)
	Format() Format
	Close() error
}

// Device opens capture streams.
type Device interface {
	Open(ctx context.Context, format Format) (Stream, error)
}

// NoDevice is used when capture is disabled in configuration.
type NoDevice struct{}

func (NoDevice) Open(context.Context, Format) (Stream, error) {
	return nil, fmt.Errorf("%w: capture disabled", ErrUnavailable)
}

// Level maps the RMS of a PCM buffer onto a 0-100 meter reading.
func Level(pcm []int16) int {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(pcm)))
	level := int(math.Round(rms * 400))
	return max(0, min(100, level))
}
