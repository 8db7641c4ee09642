package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/clipboard"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transport"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type scriptedStream struct {
	mu      sync.Mutex
	chunks  [][]int16
	drained chan struct{}
	once    sync.Once
}

func (s *scriptedStream) Read(ctx context.Context) ([]int16, error) {
	s.mu.Lock()
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.drained) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedStream) Format() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1}
}

func (s *scriptedStream) Close() error { return nil }

type scriptedDevice struct {
	amp    float64
	secs   int
	err    error
	stream *scriptedStream
}

func (d *scriptedDevice) Open(context.Context, audio.Format) (audio.Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	var chunks [][]int16
	for i := 0; i < d.secs*10; i++ {
		chunk := make([]int16, 1600)
		for j := range chunk {
			chunk[j] = int16(d.amp * math.MaxInt16 * math.Sin(2*math.Pi*220*float64(i*1600+j)/16000))
		}
		chunks = append(chunks, chunk)
	}
	d.stream = &scriptedStream{chunks: chunks, drained: make(chan struct{})}
	return d.stream, nil
}

type fakeCopier struct {
	mu   sync.Mutex
	text []string
}

func (f *fakeCopier) Copy(_ context.Context, text string) (clipboard.Method, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = append(f.text, text)
	return clipboard.MethodNative, nil
}

func (f *fakeCopier) copied() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.text...)
}

type fakeSounds struct {
	mu     sync.Mutex
	played []protocol.SoundType
}

func (f *fakeSounds) Play(t protocol.SoundType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, t)
}

type failingBackend struct{}

func (failingBackend) Name() string   { return "failing" }
func (failingBackend) Device() string { return "nowhere" }
func (failingBackend) Load(context.Context, string, inference.Profile, inference.ProgressFunc) (inference.Transcriber, error) {
	return nil, errors.New("weights not found")
}

// panickingBackend loads a transcriber that writes to a nil map.
type panickingBackend struct{}

func (panickingBackend) Name() string   { return "panicking" }
func (panickingBackend) Device() string { return "cpu" }
func (panickingBackend) Load(context.Context, string, inference.Profile, inference.ProgressFunc) (inference.Transcriber, error) {
	return panickingTranscriber{}, nil
}

type panickingTranscriber struct{}

func (panickingTranscriber) Transcribe(context.Context, []float32, inference.Options) (string, error) {
	var counts map[string]int
	counts["words"]++
	return "", nil
}

func (panickingTranscriber) Close() error { return nil }

type harness struct {
	t       *testing.T
	lb      *transport.Loopback
	svc     *Service
	device  *scriptedDevice
	copier  *fakeCopier
	sounds  *fakeSounds
	results chan protocol.SessionResult
	logs    chan protocol.LogEntry
}

func newHarness(t *testing.T, device *scriptedDevice, backend inference.Backend) *harness {
	t.Helper()
	log := discardLogger()
	lb := transport.NewLoopback(context.Background(), log)
	h := &harness{
		t:       t,
		lb:      lb,
		device:  device,
		copier:  &fakeCopier{},
		sounds:  &fakeSounds{},
		results: make(chan protocol.SessionResult, 4),
		logs:    make(chan protocol.LogEntry, 256),
	}
	if _, err := lb.HandleAll(protocol.TargetController, func(_ context.Context, msg protocol.Message) (protocol.Message, error) {
		switch m := msg.(type) {
		case protocol.SessionResult:
			h.results <- m
		case protocol.LogDebug:
			select {
			case h.logs <- m.Entry:
			default:
			}
		}
		return nil, nil
	}); err != nil {
		t.Fatalf("subscribe controller: %v", err)
	}
	h.svc = NewService(context.Background(), lb, Dependencies{
		Device:    device,
		Models:    inference.NewAdapter(backend, log),
		Filter:    vad.DefaultFilter(),
		Clipboard: h.copier,
		Sounds:    h.sounds,
	}, Options{Format: audio.Format{SampleRate: 16000, Channels: 1}, TempDir: t.TempDir(), LevelInterval: 10 * time.Millisecond}, log)
	if err := h.svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(func() {
		h.svc.Close()
		lb.Close()
	})
	return h
}

func (h *harness) request(msg protocol.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return transport.RequestAck(ctx, h.lb, protocol.TargetSession, msg)
}

func (h *harness) record() {
	h.t.Helper()
	settings := protocol.Settings{Model: "onnx-community/whisper-base", Language: "en", EnableSounds: true}
	if err := h.request(protocol.StartRecording{Settings: settings}); err != nil {
		h.t.Fatalf("start recording: %v", err)
	}
	select {
	case <-h.device.stream.drained:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("capture did not drain")
	}
	if err := h.request(protocol.StopRecording{}); err != nil {
		h.t.Fatalf("stop recording: %v", err)
	}
}

func (h *harness) result() protocol.SessionResult {
	h.t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(5 * time.Second):
		h.t.Fatalf("no session result delivered")
	}
	return protocol.SessionResult{}
}

func TestStopWithoutStartFails(t *testing.T) {
	h := newHarness(t, &scriptedDevice{}, inference.NewMockBackend())
	err := h.request(protocol.StopRecording{})
	if err == nil || !strings.Contains(err.Error(), ErrNoActiveSession.Error()) {
		t.Fatalf("expected no active session error, got %v", err)
	}
}

func TestDeliveredTranscriptIsCopied(t *testing.T) {
	h := newHarness(t, &scriptedDevice{amp: 0.5, secs: 1}, inference.NewMockBackend())
	h.record()
	res := h.result()
	if res.Status != protocol.ResultDelivered {
		t.Fatalf("expected delivered, got %+v", res)
	}
	if !strings.HasPrefix(res.Text, "[whisper-base transcript lang=en") {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.SessionID == "" {
		t.Fatalf("expected session id on result")
	}
	if got := h.copier.copied(); len(got) != 1 || got[0] != res.Text {
		t.Fatalf("expected transcript on clipboard, got %v", got)
	}
	if info := h.svc.ModelInfo(); !info.Loaded || info.Model != "whisper-base" {
		t.Fatalf("unexpected model info %+v", info)
	}
	if h.svc.Phase() != PhaseIdle {
		t.Fatalf("expected idle after delivery, got %s", h.svc.Phase())
	}
}

func TestSilenceYieldsNoSpeech(t *testing.T) {
	h := newHarness(t, &scriptedDevice{amp: 0, secs: 1}, inference.NewMockBackend())
	h.record()
	res := h.result()
	if res.Status != protocol.ResultNoSpeech || res.Text != "" || res.StatusText != "No speech detected" {
		t.Fatalf("expected no speech result, got %+v", res)
	}
	if len(h.copier.copied()) != 0 {
		t.Fatalf("clipboard must not be touched on silence")
	}
	if info := h.svc.ModelInfo(); info.Loaded {
		t.Fatalf("model should not load for silent recordings")
	}
}

func TestModelLoadFailureYieldsError(t *testing.T) {
	h := newHarness(t, &scriptedDevice{amp: 0.5, secs: 1}, failingBackend{})
	h.record()
	res := h.result()
	if res.Status != protocol.ResultError || res.Text != "" {
		t.Fatalf("expected error result, got %+v", res)
	}
	if !strings.HasPrefix(res.StatusText, "Error: ") || !strings.Contains(res.StatusText, "weights not found") {
		t.Fatalf("unexpected status text %q", res.StatusText)
	}
	if info := h.svc.ModelInfo(); info.Loaded {
		t.Fatalf("failed model must not be recorded as loaded")
	}
}

func TestPipelinePanicYieldsError(t *testing.T) {
	h := newHarness(t, &scriptedDevice{amp: 0.5, secs: 1}, panickingBackend{})
	h.record()
	res := h.result()
	if res.Status != protocol.ResultError || res.SessionID == "" {
		t.Fatalf("expected error result with session id, got %+v", res)
	}
	if !strings.Contains(res.StatusText, "panic: assignment to entry in nil map") {
		t.Fatalf("unexpected status text %q", res.StatusText)
	}
	if len(h.copier.copied()) != 0 {
		t.Fatalf("clipboard must not be touched after a panic")
	}
	if h.svc.Phase() != PhaseIdle {
		t.Fatalf("expected idle after panic, got %s", h.svc.Phase())
	}

	// The service keeps accepting sessions.
	if err := h.request(protocol.StartRecording{Settings: protocol.Settings{Model: "m", Language: "en"}}); err != nil {
		t.Fatalf("start after panic: %v", err)
	}
}

func TestStartFailureIsNegativeAck(t *testing.T) {
	h := newHarness(t, &scriptedDevice{err: audio.ErrPermission}, inference.NewMockBackend())
	err := h.request(protocol.StartRecording{Settings: protocol.Settings{Model: "m", Language: "en"}})
	if err == nil || !strings.Contains(err.Error(), "permission") {
		t.Fatalf("expected permission failure, got %v", err)
	}
	if h.svc.Phase() != PhaseIdle {
		t.Fatalf("expected idle after failed start")
	}
	if err := h.request(protocol.StopRecording{}); err == nil {
		t.Fatalf("expected stop to fail after failed start")
	}
}

func TestDoubleStartRejected(t *testing.T) {
	h := newHarness(t, &scriptedDevice{amp: 0.5, secs: 1}, inference.NewMockBackend())
	settings := protocol.Settings{Model: "m", Language: "en"}
	if err := h.request(protocol.StartRecording{Settings: settings}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.request(protocol.StartRecording{Settings: settings}); err == nil {
		t.Fatalf("expected second start to fail")
	}
	if h.svc.Phase() != PhaseCapturing {
		t.Fatalf("expected capturing, got %s", h.svc.Phase())
	}
}

func TestPlaySoundAndPrewarm(t *testing.T) {
	h := newHarness(t, &scriptedDevice{}, inference.NewMockBackend())
	if err := h.request(protocol.PlaySound{Sound: protocol.SoundCopy}); err != nil {
		t.Fatalf("play sound: %v", err)
	}
	h.sounds.mu.Lock()
	played := append([]protocol.SoundType(nil), h.sounds.played...)
	h.sounds.mu.Unlock()
	if len(played) != 1 || played[0] != protocol.SoundCopy {
		t.Fatalf("unexpected sounds %v", played)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := h.lb.Request(ctx, protocol.TargetSession, protocol.GetModelInfo{})
	if err != nil {
		t.Fatalf("model info: %v", err)
	}
	if info := reply.(protocol.ModelInfo); info.Loaded {
		t.Fatalf("expected no model before prewarm")
	}

	if err := h.request(protocol.PrewarmModel{Settings: protocol.Settings{Model: "onnx-community/whisper-small", Language: "en"}}); err != nil {
		t.Fatalf("prewarm: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !h.svc.ModelInfo().Loaded && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if info := h.svc.ModelInfo(); info.Model != "whisper-small" || info.DType != "fp32" {
		t.Fatalf("unexpected model after prewarm %+v", info)
	}
}

func TestDebugLinesReachController(t *testing.T) {
	h := newHarness(t, &scriptedDevice{amp: 0.5, secs: 1}, inference.NewMockBackend())
	h.record()
	h.result()
	var sawStart, sawPerf bool
	for {
		select {
		case e := <-h.logs:
			if e.Message == "--- New Session Started ---" {
				sawStart = true
			}
			if e.Severity == protocol.SeverityPerf {
				sawPerf = true
			}
			continue
		default:
		}
		break
	}
	if !sawStart || !sawPerf {
		t.Fatalf("expected session and perf log lines (start=%v perf=%v)", sawStart, sawPerf)
	}
}
