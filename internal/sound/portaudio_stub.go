//go:build !portaudio

package sound

import "errors"

func NewPortAudioOutput() (Output, error) {
	return nil, errors.New("sound output not available: build with -tags portaudio")
}
