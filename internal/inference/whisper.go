//go:build whisper

package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// WhisperBackend loads ggml models through the whisper.cpp bindings. Model
// files are resolved as <model_dir>/<model name>.bin.
type WhisperBackend struct {
	modelDir string
	threads  int
	log      *slog.Logger
}

func NewWhisperBackend(cfg config.InferenceConfig, log *slog.Logger) (Backend, error) {
	if cfg.ModelDir == "" {
		return nil, errors.New("whisper backend requires inference.model_dir")
	}
	return &WhisperBackend{
		modelDir: cfg.ModelDir,
		threads:  cfg.Threads,
		log:      log.With(slog.String("component", "whisper")),
	}, nil
}

func (b *WhisperBackend) Name() string   { return "whisper" }
func (b *WhisperBackend) Device() string { return "CPU (whisper.cpp)" }

func (b *WhisperBackend) Load(ctx context.Context, modelID string, profile Profile, progress ProgressFunc) (Transcriber, error) {
	path := ModelPath(b.modelDir, modelID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("whisper model %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if progress != nil {
		progress(Progress{File: path, Stage: protocol.StageStarted})
	}
	model, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", path, err)
	}
	if progress != nil {
		progress(Progress{File: path, Progress: 1, Stage: protocol.StageFinished})
	}
	b.log.Info("whisper model loaded", slog.String("path", path))
	if ignored := whisperIgnored(profile); len(ignored) > 0 {
		// whisper.cpp windows audio itself and exposes no penalty controls.
		b.log.Debug("profile options not applied by whisper.cpp", slog.String("model", modelID), slog.Any("options", ignored))
	}
	return &whisperTranscriber{model: model, threads: b.threads}, nil
}

type whisperTranscriber struct {
	mu      sync.Mutex
	model   whisperlib.Model
	threads int
}

func (t *whisperTranscriber) Transcribe(ctx context.Context, samples []float32, opts Options) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper context: %w", err)
	}
	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return "", fmt.Errorf("whisper language %q: %w", lang, err)
	}
	if t.threads > 0 {
		wctx.SetThreads(uint(t.threads))
	}
	if opts.Profile.NumBeams > 1 {
		wctx.SetBeamSize(opts.Profile.NumBeams)
	}
	if opts.Profile.MaxNewTokens > 0 {
		wctx.SetMaxTokensPerSegment(uint(opts.Profile.MaxNewTokens))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func whisperIgnored(p Profile) []string {
	var out []string
	if p.ChunkLengthS > 0 {
		out = append(out, "chunk_length")
	}
	if p.StrideLengthS > 0 {
		out = append(out, "stride")
	}
	if p.BatchSize > 1 {
		out = append(out, "batch_size")
	}
	if p.RepetitionPenalty > 0 && p.RepetitionPenalty != 1 {
		out = append(out, "repetition_penalty")
	}
	if p.NoRepeatNgramSize > 0 {
		out = append(out, "no_repeat_ngram_size")
	}
	return out
}

func (t *whisperTranscriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model.Close()
}
