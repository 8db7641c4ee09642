package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// ExecBackend runs an external recognizer once per transcription. The
// command receives a 16kHz mono WAV via --audio and must print {"text": ...}.
type ExecBackend struct {
	cmd      []string
	modelDir string
	threads  int
}

type execResult struct {
	Text string `json:"text"`
}

func NewExecBackend(cfg config.InferenceConfig) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse inference command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("inference command is empty")
	}
	return &ExecBackend{cmd: args, modelDir: cfg.ModelDir, threads: cfg.Threads}, nil
}

func (b *ExecBackend) Name() string   { return "exec" }
func (b *ExecBackend) Device() string { return "CPU (" + b.cmd[0] + ")" }

func (b *ExecBackend) Load(_ context.Context, modelID string, _ Profile, progress ProgressFunc) (Transcriber, error) {
	if _, err := exec.LookPath(b.cmd[0]); err != nil {
		return nil, fmt.Errorf("inference command %q: %w", b.cmd[0], err)
	}
	file := ModelName(modelID)
	if progress != nil {
		progress(Progress{File: file, Stage: protocol.StageStarted})
		progress(Progress{File: file, Progress: 1, Stage: protocol.StageFinished})
	}
	return &execTranscriber{backend: b, modelID: modelID}, nil
}

type execTranscriber struct {
	backend *ExecBackend
	modelID string
	mu      sync.Mutex
}

func (t *execTranscriber) Transcribe(ctx context.Context, samples []float32, opts Options) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	file, err := os.CreateTemp("", "scribe_infer_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, samples, audio.TargetSampleRate); err != nil {
		return "", err
	}

	args := append([]string{}, t.backend.cmd[1:]...)
	args = append(args, "--audio", file.Name(), "--model", t.modelID)
	if t.backend.modelDir != "" {
		args = append(args, "--model-path", ModelPath(t.backend.modelDir, t.modelID))
	}
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if t.backend.threads > 0 {
		args = append(args, "--threads", strconv.Itoa(t.backend.threads))
	}
	args = append(args, opts.Profile.Args()...)

	command := exec.CommandContext(ctx, t.backend.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("inference command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode inference response: %w", err)
	}
	return resp.Text, nil
}

func (t *execTranscriber) Close() error { return nil }
