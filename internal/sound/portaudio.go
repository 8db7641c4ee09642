//go:build portaudio

package sound

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// PortAudioOutput plays through the default output device.
type PortAudioOutput struct{}

func NewPortAudioOutput() (Output, error) { return PortAudioOutput{}, nil }

func (PortAudioOutput) Play(ctx context.Context, samples []float32, sampleRate int) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	const frames = 512
	buf := make([]float32, frames)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), frames, buf)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	defer stream.Stop()

	for off := 0; off < len(samples); off += frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(buf, samples[off:])
		clear(buf[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return nil
}
