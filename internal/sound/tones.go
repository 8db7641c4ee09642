// Package sound synthesizes and plays the short feedback tones that mark
// recording start, stop, copy and error events.
package sound

import (
	"fmt"
	"math"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

type Wave int

const (
	Sine Wave = iota
	Triangle
)

// Tone is one enveloped oscillator note.
type Tone struct {
	Freq     float64
	Offset   time.Duration
	Duration time.Duration
	Wave     Wave
	Volume   float64
}

const (
	attack    = 10 * time.Millisecond
	floorGain = 0.0001
)

var patterns = map[protocol.SoundType][]Tone{
	protocol.SoundStart: {
		{Freq: 659.25, Duration: 120 * time.Millisecond, Wave: Sine, Volume: 0.08},
		{Freq: 880.00, Offset: 60 * time.Millisecond, Duration: 150 * time.Millisecond, Wave: Sine, Volume: 0.07},
	},
	protocol.SoundStop: {
		{Freq: 880.00, Duration: 120 * time.Millisecond, Wave: Sine, Volume: 0.08},
		{Freq: 659.25, Offset: 60 * time.Millisecond, Duration: 150 * time.Millisecond, Wave: Sine, Volume: 0.07},
	},
	protocol.SoundCopy: {
		{Freq: 261.63, Duration: 250 * time.Millisecond, Wave: Sine, Volume: 0.1},
		{Freq: 329.63, Offset: 150 * time.Millisecond, Duration: 350 * time.Millisecond, Wave: Sine, Volume: 0.08},
	},
	protocol.SoundError: {
		{Freq: 98.00, Duration: 100 * time.Millisecond, Wave: Triangle, Volume: 0.15},
		{Freq: 98.00, Offset: 120 * time.Millisecond, Duration: 100 * time.Millisecond, Wave: Triangle, Volume: 0.15},
	},
}

// Pattern returns the tones for a sound type.
func Pattern(t protocol.SoundType) ([]Tone, error) {
	p, ok := patterns[t]
	if !ok {
		return nil, fmt.Errorf("unknown sound type %q", t)
	}
	return p, nil
}

// Render mixes the pattern for t into mono samples at sampleRate.
func Render(t protocol.SoundType, sampleRate int) ([]float32, error) {
	tones, err := Pattern(t)
	if err != nil {
		return nil, err
	}
	var end time.Duration
	for _, tone := range tones {
		end = max(end, tone.Offset+tone.Duration)
	}
	out := make([]float32, samples(end, sampleRate))
	for _, tone := range tones {
		start := samples(tone.Offset, sampleRate)
		n := samples(tone.Duration, sampleRate)
		for i := 0; i < n && start+i < len(out); i++ {
			tt := float64(i) / float64(sampleRate)
			out[start+i] += float32(tone.gain(tt) * oscillate(tone.Wave, tone.Freq, tt))
		}
	}
	return out, nil
}

// gain applies a linear attack followed by an exponential decay to floorGain.
func (t Tone) gain(at float64) float64 {
	a := attack.Seconds()
	d := t.Duration.Seconds()
	switch {
	case at < a:
		return t.Volume * at / a
	case d <= a:
		return t.Volume
	default:
		frac := (at - a) / (d - a)
		return t.Volume * math.Pow(floorGain/t.Volume, frac)
	}
}

func oscillate(w Wave, freq, at float64) float64 {
	phase := 2 * math.Pi * freq * at
	if w == Triangle {
		return 2 / math.Pi * math.Asin(math.Sin(phase))
	}
	return math.Sin(phase)
}

func samples(d time.Duration, sampleRate int) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
