//go:build !whisper

package inference

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// ErrWhisperUnavailable is returned when the binary was built without whisper.cpp.
var ErrWhisperUnavailable = errors.New("whisper backend not available: build with -tags whisper")

func NewWhisperBackend(config.InferenceConfig, *slog.Logger) (Backend, error) {
	return nil, ErrWhisperUnavailable
}
