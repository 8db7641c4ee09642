package runtime

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transport"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.Transport.Mode = "loopback"
	cfg.Store.RetentionMode = "ephemeral"
	cfg.Audio.Backend = "none"
	cfg.Sound.Backend = "none"
	cfg.Notify.Enabled = false
	cfg.Clipboard.Enabled = false
	return cfg
}

func TestRuntimeLoopbackRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.TempDir = t.TempDir()
	rt := New(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.Ready() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("runtime never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	tr := rt.Transport()

	// Capture is disabled, so the start must be rolled back.
	if err := transport.RequestAck(reqCtx, tr, protocol.TargetController, protocol.ToggleRecording{}); err == nil {
		t.Fatalf("expected start to fail without a capture device")
	}
	reply, err := tr.Request(reqCtx, protocol.TargetController, protocol.GetStatus{})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st := reply.(protocol.Status); st.IsRecording || st.IsProcessing {
		t.Fatalf("expected idle after failed start, got %+v", st)
	}

	reply, err = tr.Request(reqCtx, protocol.TargetSession, protocol.GetModelInfo{})
	if err != nil {
		t.Fatalf("model info: %v", err)
	}
	if info := reply.(protocol.ModelInfo); info.Loaded {
		t.Fatalf("expected no model loaded, got %+v", info)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runtime did not stop")
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.log")
	logger, closer := NewLogger(config.TelemetryConfig{LogLevel: "debug", LogFile: path, LogMaxSizeMB: 1})
	logger.Debug("hello from test", slog.String("component", "runtime"))
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Fatalf("expected log line in file, got %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
