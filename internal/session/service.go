// Package session runs the isolated recording context: it owns the capture
// device and the loaded model, and talks to the controller only through the
// transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/clipboard"
	"github.com/loqalabs/loqa-scribe/internal/inference"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transport"
	"github.com/loqalabs/loqa-scribe/internal/vad"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoActiveSession is returned by Stop when nothing is being recorded.
	ErrNoActiveSession = errors.New("no active session")
	// ErrAlreadyCapturing is returned by Start while a capture is running.
	ErrAlreadyCapturing = errors.New("capture already in progress")
)

const noSpeechText = "No speech detected"

const instrumentationName = "github.com/loqalabs/loqa-scribe/session"

// Copier places text on the clipboard.
type Copier interface {
	Copy(ctx context.Context, text string) (clipboard.Method, error)
}

// Converter adjusts the script of recognized text for a language.
type Converter interface {
	ForLanguage(text, language string) (string, error)
}

// SoundPlayer schedules feedback tones without blocking.
type SoundPlayer interface {
	Play(protocol.SoundType)
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Device    audio.Device
	Models    *inference.Adapter
	Filter    vad.Filter
	Converter Converter
	Clipboard Copier
	Sounds    SoundPlayer
}

// Options tune capture and heartbeats.
type Options struct {
	NodeID            string
	Format            audio.Format
	TempDir           string
	LevelInterval     time.Duration
	HeartbeatInterval time.Duration
}

// Phase is the per-service capture phase.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCapturing  Phase = "capturing"
	PhaseFinalizing Phase = "finalizing"
)

type recording struct {
	id        string
	settings  protocol.Settings
	rec       *audio.Recording
	started   time.Time
	stopLevel context.CancelFunc
}

// Service handles START/STOP and the auxiliary session-context messages.
type Service struct {
	t        transport.Transport
	notifier *transport.Notifier
	deps     Dependencies
	opts     Options
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	active   *recording
	inflight int

	subs  []transport.Subscription
	ready atomic.Bool

	results metric.Int64Counter
	stages  metric.Float64Histogram
}

func NewService(parent context.Context, t transport.Transport, deps Dependencies, opts Options, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if opts.LevelInterval <= 0 {
		opts.LevelInterval = 50 * time.Millisecond
	}
	if opts.Format.SampleRate <= 0 {
		opts.Format.SampleRate = audio.TargetSampleRate
	}
	s := &Service{
		t:        t,
		notifier: transport.NewNotifier(t, log),
		deps:     deps,
		opts:     opts,
		log:      log.With(slog.String("component", "session")),
		ctx:      ctx,
		cancel:   cancel,
	}
	meter := otel.Meter(instrumentationName)
	var err error
	if s.results, err = meter.Int64Counter("scribe.session.transcriptions",
		metric.WithDescription("Completed sessions by result status")); err != nil {
		s.log.Warn("failed to initialize transcription counter", slogError(err))
	}
	if s.stages, err = meter.Float64Histogram("scribe.session.stage_seconds",
		metric.WithDescription("Duration of each post-capture pipeline stage"), metric.WithUnit("s")); err != nil {
		s.log.Warn("failed to initialize stage histogram", slogError(err))
	}
	if deps.Models != nil {
		deps.Models.SetProgressObserver(s.publishProgress)
		deps.Models.SetLoadedObserver(s.publishModelInfo)
	}
	return s
}

// Start subscribes to session-context messages and begins heartbeats.
func (s *Service) Start() error {
	sub, err := s.t.HandleAll(protocol.TargetSession, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe session messages: %w", err)
	}
	s.subs = append(s.subs, sub)
	if s.opts.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.runHeartbeat()
	}
	s.ready.Store(true)
	return nil
}

// Close stops accepting messages, aborts any capture and waits for
// in-flight pipelines.
func (s *Service) Close() {
	s.ready.Store(false)
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.mu.Lock()
	active := s.active
	s.active = nil
	s.mu.Unlock()
	if active != nil {
		active.stopLevel()
		active.rec.Abort()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load()
}

// Phase reports whether the service is capturing, finalizing or idle.
func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.active != nil:
		return PhaseCapturing
	case s.inflight > 0:
		return PhaseFinalizing
	default:
		return PhaseIdle
	}
}

func (s *Service) handle(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	switch m := msg.(type) {
	case protocol.StartRecording:
		return nil, s.StartRecording(ctx, m.Settings)
	case protocol.StopRecording:
		return nil, s.StopRecording()
	case protocol.PlaySound:
		s.playSound(m.Sound)
		return nil, nil
	case protocol.GetModelInfo:
		return s.ModelInfo(), nil
	case protocol.PrewarmModel:
		s.Prewarm(m.Settings)
		return nil, nil
	case protocol.Ping:
		if !s.Healthy() {
			return nil, errors.New("session context shutting down")
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("session context does not handle %s", msg.Kind())
	}
}

// StartRecording opens the microphone and begins accumulating audio. On
// failure every partially opened resource is released.
func (s *Service) StartRecording(ctx context.Context, settings protocol.Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return ErrAlreadyCapturing
	}

	s.debug(protocol.SeverityInfo, "--- New Session Started ---")
	s.debug(protocol.SeverityInfo, fmt.Sprintf("Settings received: model=%s, lang=%s", settings.Model, settings.Language))

	rec, err := audio.Record(ctx, s.deps.Device, s.opts.Format, s.opts.TempDir)
	if err != nil {
		if errors.Is(err, audio.ErrPermission) {
			err = fmt.Errorf("%w: allow microphone access for this program in your system privacy settings", err)
		}
		s.debug(protocol.SeverityError, "Recording failed: "+err.Error())
		return err
	}

	levelCtx, stopLevel := context.WithCancel(s.ctx)
	s.active = &recording{
		id:        uuid.NewString(),
		settings:  settings,
		rec:       rec,
		started:   time.Now(),
		stopLevel: stopLevel,
	}
	s.wg.Add(1)
	go s.meter(levelCtx, rec)

	s.log.Info("recording started", slog.String("session_id", s.active.id))
	s.debug(protocol.SeverityInfo, "Recording started...")
	return nil
}

func (s *Service) meter(ctx context.Context, rec *audio.Recording) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.LevelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.notifier.Notify(ctx, protocol.TargetUI, protocol.AudioVolume{Level: rec.Level()})
		}
	}
}

// StopRecording acknowledges immediately and finishes the session in the
// background. The outcome is delivered to the controller as a SessionResult.
func (s *Service) StopRecording() error {
	s.mu.Lock()
	active := s.active
	s.active = nil
	if active != nil {
		s.inflight++
	}
	s.mu.Unlock()

	if active == nil {
		return ErrNoActiveSession
	}
	active.stopLevel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, span := otel.Tracer(instrumentationName).Start(s.ctx, "session.finish", trace.WithAttributes(
			attribute.String("session_id", active.id),
			attribute.String("model", active.settings.Model),
			attribute.String("language", active.settings.Language),
		))
		result := s.safeFinish(ctx, active)
		result.SessionID = active.id
		span.SetAttributes(attribute.String("status", string(result.Status)))
		if result.Status == protocol.ResultError {
			span.SetStatus(codes.Error, result.StatusText)
		}
		span.End()

		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()

		if s.results != nil {
			s.results.Add(s.ctx, 1, metric.WithAttributes(attribute.String("status", string(result.Status))))
		}
		s.log.Info("session finished",
			slog.String("session_id", active.id),
			slog.String("status", string(result.Status)),
			slog.Duration("elapsed", time.Since(active.started)))
		s.notifier.Notify(s.ctx, protocol.TargetController, result)
	}()
	return nil
}

// safeFinish turns a panic in the pipeline into an error result so the
// controller is still told the session ended.
func (s *Service) safeFinish(ctx context.Context, r *recording) (result protocol.SessionResult) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("session pipeline panicked", slog.String("session_id", r.id), slog.Any("panic", p))
			result = s.failed(fmt.Errorf("panic: %v", p))
		}
	}()
	return s.finish(ctx, r)
}

// finish runs decode, silence trimming, inference, script conversion and the
// clipboard copy. The capture device and container are always released.
func (s *Service) finish(ctx context.Context, r *recording) protocol.SessionResult {
	container, err := r.rec.Stop()
	defer func() {
		if rmErr := container.Remove(); rmErr != nil {
			s.log.Warn("failed to remove recording", slogError(rmErr))
		}
	}()
	if err != nil {
		return s.failed(err)
	}
	s.debug(protocol.SeverityInfo, "Recording stopped, processing...")
	totalStart := time.Now()

	if container.Samples() == 0 {
		return s.noSpeech()
	}

	stageStart := time.Now()
	samples, err := container.Decode(audio.TargetSampleRate)
	if err != nil {
		return s.failed(fmt.Errorf("decode audio: %w", err))
	}
	s.stage(ctx, "decode", stageStart, fmt.Sprintf("[Perf] Audio Decode: %dms", time.Since(stageStart).Milliseconds()))

	stageStart = time.Now()
	original := len(samples)
	samples = s.deps.Filter.Trim(samples, audio.TargetSampleRate)
	s.stage(ctx, "vad", stageStart, fmt.Sprintf("[Perf] VAD Process: %dms (%.1fs -> %.1fs)",
		time.Since(stageStart).Milliseconds(), seconds(original), seconds(len(samples))))
	if len(samples) == 0 {
		return s.noSpeech()
	}

	stageStart = time.Now()
	handle, err := s.deps.Models.GetOrLoad(ctx, r.settings.Model)
	if err != nil {
		return s.failed(err)
	}
	s.stage(ctx, "model", stageStart, fmt.Sprintf("[Perf] Model Ready: %dms", time.Since(stageStart).Milliseconds()))

	s.debug(protocol.SeverityInfo, "Inference started...")
	s.debug(protocol.SeverityInfo, fmt.Sprintf("Running on: %s (%s %s)", handle.ModelID, handle.Info.Device, handle.Info.DType))
	stageStart = time.Now()
	text, err := handle.Transcribe(ctx, samples, r.settings.Language)
	if err != nil {
		return s.failed(fmt.Errorf("transcribe: %w", err))
	}
	s.stage(ctx, "inference", stageStart, fmt.Sprintf("[Perf] Core Inference: %dms", time.Since(stageStart).Milliseconds()))

	text = strings.TrimSpace(text)
	if s.deps.Converter != nil {
		converted, convErr := s.deps.Converter.ForLanguage(text, r.settings.Language)
		if convErr != nil {
			s.debug(protocol.SeverityWarn, "Script conversion failed: "+convErr.Error())
		} else {
			text = converted
		}
	}
	s.debug(protocol.SeverityPerf, fmt.Sprintf("[Perf] TOTAL TIME: %dms", time.Since(totalStart).Milliseconds()))
	if text == "" {
		return s.noSpeech()
	}
	s.debug(protocol.SeverityInfo, "Result: "+text)

	if s.deps.Clipboard != nil {
		method, copyErr := s.deps.Clipboard.Copy(ctx, text)
		switch {
		case copyErr != nil:
			s.debug(protocol.SeverityError, "All clipboard methods failed: "+copyErr.Error())
		case method == clipboard.MethodFallback:
			s.debug(protocol.SeveritySuccess, "Copied using fallback command")
		case method == clipboard.MethodNative:
			s.debug(protocol.SeveritySuccess, "Copied using native clipboard")
		}
	}
	return protocol.SessionResult{Text: text, Status: protocol.ResultDelivered}
}

func (s *Service) noSpeech() protocol.SessionResult {
	s.debug(protocol.SeverityInfo, "No speech detected.")
	return protocol.SessionResult{Status: protocol.ResultNoSpeech, StatusText: noSpeechText}
}

func (s *Service) failed(err error) protocol.SessionResult {
	s.debug(protocol.SeverityError, "Error: "+err.Error())
	return protocol.SessionResult{Status: protocol.ResultError, StatusText: "Error: " + err.Error()}
}

func (s *Service) stage(ctx context.Context, name string, started time.Time, line string) {
	if s.stages != nil {
		s.stages.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(attribute.String("stage", name)))
	}
	s.debug(protocol.SeverityPerf, line)
}

// ModelInfo describes the resident model.
func (s *Service) ModelInfo() protocol.ModelInfo {
	if s.deps.Models == nil {
		return protocol.ModelInfo{}
	}
	info, ok := s.deps.Models.Info()
	if !ok {
		return protocol.ModelInfo{}
	}
	return protocol.ModelInfo{Loaded: true, Model: info.Model, Device: info.Device, DType: info.DType}
}

// Prewarm loads the model named in settings in the background.
func (s *Service) Prewarm(settings protocol.Settings) {
	if s.deps.Models == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.deps.Models.GetOrLoad(s.ctx, settings.Model); err != nil {
			s.debug(protocol.SeverityError, "Prewarm failed: "+err.Error())
		}
	}()
}

func (s *Service) playSound(t protocol.SoundType) {
	if s.deps.Sounds != nil {
		s.deps.Sounds.Play(t)
	}
}

func (s *Service) publishProgress(p inference.Progress) {
	switch p.Stage {
	case protocol.StageStarted:
		s.debug(protocol.SeverityInfo, "Download started: "+inference.ModelName(p.File))
	case protocol.StageFinished:
		s.debug(protocol.SeveritySuccess, "Download finished: "+inference.ModelName(p.File))
	}
	s.notifier.Notify(s.ctx, protocol.TargetUI, protocol.LoadProgress{
		File:     p.File,
		Progress: p.Progress,
		Stage:    p.Stage,
	})
}

func (s *Service) publishModelInfo(info inference.ModelInfo) {
	s.debug(protocol.SeveritySuccess, fmt.Sprintf("Model loaded on %s (%s)!", info.Device, info.DType))
	s.notifier.Notify(s.ctx, protocol.TargetUI, protocol.ModelInfoUpdate{
		Model:  info.Model,
		Device: info.Device,
		DType:  info.DType,
	})
}

// debug logs a pipeline line locally and forwards it to the controller's
// debug log without waiting.
func (s *Service) debug(sev protocol.Severity, message string) {
	level := slog.LevelDebug
	switch sev {
	case protocol.SeverityWarn:
		level = slog.LevelWarn
	case protocol.SeverityError:
		level = slog.LevelError
	}
	s.log.Log(s.ctx, level, message)
	s.notifier.Notify(s.ctx, protocol.TargetController, protocol.LogDebug{Entry: protocol.LogEntry{
		Message:  message,
		Severity: sev,
		Color:    sev.Color(),
		Time:     time.Now().UTC(),
	}})
}

func (s *Service) runHeartbeat() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	s.heartbeat()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

func (s *Service) heartbeat() {
	s.notifier.Notify(s.ctx, protocol.TargetController, protocol.Heartbeat{
		NodeID:    s.opts.NodeID,
		Timestamp: time.Now().UTC(),
	})
}

func seconds(n int) float64 {
	return float64(n) / audio.TargetSampleRate
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
