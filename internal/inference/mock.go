package inference

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// MockBackend returns deterministic transcripts describing the input.
type MockBackend struct{}

func NewMockBackend() Backend { return MockBackend{} }

func (MockBackend) Name() string   { return "mock" }
func (MockBackend) Device() string { return "CPU (mock)" }

func (MockBackend) Load(_ context.Context, modelID string, _ Profile, progress ProgressFunc) (Transcriber, error) {
	if progress != nil {
		progress(Progress{File: ModelName(modelID), Stage: protocol.StageStarted})
		progress(Progress{File: ModelName(modelID), Progress: 1, Stage: protocol.StageFinished})
	}
	return mockTranscriber{model: modelID}, nil
}

type mockTranscriber struct {
	model string
}

func (m mockTranscriber) Transcribe(_ context.Context, samples []float32, opts Options) (string, error) {
	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	return fmt.Sprintf("[%s transcript lang=%s seconds=%.1f]", ModelName(m.model), lang, float64(len(samples))/16000), nil
}

func (mockTranscriber) Close() error { return nil }
