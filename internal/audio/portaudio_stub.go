//go:build !portaudio

package audio

import (
	"context"
	"fmt"
)

// PortAudioAvailable reports whether the binary was built with capture support.
const PortAudioAvailable = false

type PortAudioDevice struct{}

func NewPortAudioDevice() Device { return PortAudioDevice{} }

func (PortAudioDevice) Open(context.Context, Format) (Stream, error) {
	return nil, fmt.Errorf("%w: built without portaudio (use -tags portaudio)", ErrUnavailable)
}
