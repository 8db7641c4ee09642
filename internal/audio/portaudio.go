//go:build portaudio

package audio

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioAvailable reports whether the binary was built with capture support.
const PortAudioAvailable = true

// PortAudioDevice captures from the default input device.
type PortAudioDevice struct{}

func NewPortAudioDevice() Device { return PortAudioDevice{} }

func (PortAudioDevice) Open(_ context.Context, format Format) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio init: %v", ErrUnavailable, err)
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	if format.FramesPerBuffer <= 0 {
		format.FramesPerBuffer = format.SampleRate / 20
	}
	buf := make([]int16, format.FramesPerBuffer*format.Channels)
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), format.FramesPerBuffer, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, classifyOpenError(err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, classifyOpenError(err)
	}
	return &portaudioStream{stream: stream, buf: buf, format: format}, nil
}

func classifyOpenError(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

type portaudioStream struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	format Format
	closed bool
}

func (s *portaudioStream) Read(ctx context.Context) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, context.Canceled
	}
	if err := s.stream.Read(); err != nil {
		return nil, err
	}
	out := make([]int16, len(s.buf))
	copy(out, s.buf)
	return out, nil
}

func (s *portaudioStream) Format() Format { return s.format }

func (s *portaudioStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stream.Stop()
	err := s.stream.Close()
	_ = portaudio.Terminate()
	return err
}
