package inference

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Options are passed to every transcription call.
type Options struct {
	// Language is the mapped recognizer hint; empty means auto-detect.
	Language string
	Profile  Profile
}

// Transcriber is a loaded model.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, opts Options) (string, error)
	Close() error
}

// Progress reports one model loading event.
type Progress struct {
	File     string
	Progress float64
	Stage    protocol.LoadStage
}

type ProgressFunc func(Progress)

// Backend loads models for a recognition engine.
type Backend interface {
	Name() string
	// Device describes where loaded models execute, e.g. "CPU (whisper.cpp)".
	Device() string
	Load(ctx context.Context, modelID string, profile Profile, progress ProgressFunc) (Transcriber, error)
}

// NewBackend builds the backend selected in cfg.
func NewBackend(cfg config.InferenceConfig, log *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "mock":
		return NewMockBackend(), nil
	case "exec":
		return NewExecBackend(cfg)
	case "whisper":
		return NewWhisperBackend(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported inference backend %q", cfg.Backend)
	}
}
