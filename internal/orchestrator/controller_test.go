package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type fakeHost struct {
	mu         sync.Mutex
	alive      bool
	acquireErr error
	refs       int
}

func (h *fakeHost) Acquire(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.acquireErr != nil {
		return h.acquireErr
	}
	h.alive = true
	h.refs++
	return nil
}

func (h *fakeHost) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
}

func (h *fakeHost) Alive(context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHost) Close() error { return nil }

func (h *fakeHost) setAlive(v bool) {
	h.mu.Lock()
	h.alive = v
	h.mu.Unlock()
}

func (h *fakeHost) refCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// fakeSession stands in for the session context on the transport.
type fakeSession struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	kinds    []protocol.Kind
	sounds   []protocol.SoundType
}

func (f *fakeSession) handle(_ context.Context, msg protocol.Message) (protocol.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, msg.Kind())
	switch m := msg.(type) {
	case protocol.StartRecording:
		return nil, f.startErr
	case protocol.StopRecording:
		return nil, f.stopErr
	case protocol.PlaySound:
		f.sounds = append(f.sounds, m.Sound)
	}
	return nil, nil
}

func (f *fakeSession) soundList() []protocol.SoundType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.SoundType(nil), f.sounds...)
}

type fakeDesktop struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeDesktop) Notify(_ context.Context, title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	return nil
}

type fixture struct {
	t        *testing.T
	lb       *transport.Loopback
	ctrl     *Controller
	host     *fakeHost
	session  *fakeSession
	desktop  *fakeDesktop
	store    *store.Store
	settings *store.SettingsRepository
	states   *store.StateRepository
	ui       chan protocol.Message
}

func newFixture(t *testing.T, sounds bool) *fixture {
	t.Helper()
	log := discardLogger()
	st, err := store.Open(context.Background(), config.StoreConfig{RetentionMode: store.RetentionEphemeral}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	f := &fixture{
		t:       t,
		lb:      transport.NewLoopback(context.Background(), log),
		host:    &fakeHost{},
		session: &fakeSession{},
		desktop: &fakeDesktop{},
		store:   st,
		settings: store.NewSettingsRepository(st, protocol.Settings{
			Model: "onnx-community/whisper-base", Language: "en", EnableSounds: sounds,
		}),
		states: store.NewStateRepository(st),
		ui:     make(chan protocol.Message, 512),
	}
	if _, err := f.lb.HandleAll(protocol.TargetSession, f.session.handle); err != nil {
		t.Fatalf("subscribe session: %v", err)
	}
	if _, err := f.lb.HandleAll(protocol.TargetUI, func(_ context.Context, msg protocol.Message) (protocol.Message, error) {
		select {
		case f.ui <- msg:
		default:
		}
		return nil, nil
	}); err != nil {
		t.Fatalf("subscribe ui: %v", err)
	}
	f.ctrl = NewController(Dependencies{
		Transport: f.lb,
		Host:      f.host,
		States:    f.states,
		Settings:  f.settings,
		Desktop:   f.desktop,
	}, Options{HistorySize: 5}, log)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start controller: %v", err)
	}
	t.Cleanup(func() {
		f.ctrl.Close()
		f.lb.Close()
	})
	return f
}

func (f *fixture) persisted() protocol.RecordingState {
	f.t.Helper()
	s, err := f.states.LoadState(context.Background())
	if err != nil {
		f.t.Fatalf("load state: %v", err)
	}
	return s
}

func (f *fixture) waitUI(kind protocol.Kind) protocol.Message {
	f.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.ui:
			if msg.Kind() == kind {
				return msg
			}
		case <-deadline:
			f.t.Fatalf("no %s broadcast", kind)
			return nil
		}
	}
}

func TestStartStopResultCycle(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	if err := f.ctrl.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if st := f.ctrl.State(); !st.IsRecording || st.IsProcessing {
		t.Fatalf("expected recording, got %+v", st)
	}
	if p := f.persisted(); !p.IsRecording {
		t.Fatalf("expected persisted recording flag, got %+v", p)
	}
	if f.host.refCount() != 1 {
		t.Fatalf("expected host acquired once")
	}

	if err := f.ctrl.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := f.ctrl.State(); st.IsRecording || !st.IsProcessing {
		t.Fatalf("expected processing, got %+v", st)
	}

	f.ctrl.HandleResult(ctx, protocol.SessionResult{SessionID: "s1", Text: "hello world", Status: protocol.ResultDelivered})
	if !f.ctrl.State().Idle() {
		t.Fatalf("expected idle after result")
	}
	if f.host.refCount() != 0 {
		t.Fatalf("expected host released after result, refs=%d", f.host.refCount())
	}
	res := f.waitUI(protocol.KindTranscriptionResult).(protocol.TranscriptionResult)
	if res.Text != "hello world" || len(res.History) != 1 || res.History[0] != "hello world" {
		t.Fatalf("unexpected broadcast %+v", res)
	}
	f.desktop.mu.Lock()
	titles := append([]string(nil), f.desktop.titles...)
	f.desktop.mu.Unlock()
	if len(titles) != 1 || titles[0] != "Transcription Complete" {
		t.Fatalf("unexpected notifications %v", titles)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.session.soundList()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sounds := f.session.soundList()
	want := []protocol.SoundType{protocol.SoundStart, protocol.SoundStop, protocol.SoundCopy}
	if fmt.Sprint(sounds) != fmt.Sprint(want) {
		t.Fatalf("expected sounds %v, got %v", want, sounds)
	}
}

func TestSoundsDisabled(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if err := f.ctrl.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ctrl.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s := f.session.soundList(); len(s) != 0 {
		t.Fatalf("expected no sounds, got %v", s)
	}
}

func TestBusyRejection(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if err := f.ctrl.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ctrl.StartRecording(ctx); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}
	if err := f.ctrl.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.ctrl.StartRecording(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := f.ctrl.Toggle(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected toggle to report busy, got %v", err)
	}
	if st := f.ctrl.State(); !st.IsProcessing {
		t.Fatalf("busy rejection must not change state, got %+v", st)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sounds := f.session.soundList()
		if len(sounds) > 0 && sounds[len(sounds)-1] == protocol.SoundError {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected error sound, got %v", f.session.soundList())
}

func TestStopWhenIdleFails(t *testing.T) {
	f := newFixture(t, true)
	if err := f.ctrl.StopRecording(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	f := newFixture(t, true)
	f.session.startErr = errors.New("microphone permission denied")
	err := f.ctrl.StartRecording(context.Background())
	if err == nil {
		t.Fatalf("expected start failure")
	}
	if !f.ctrl.State().Idle() || f.persisted().IsRecording {
		t.Fatalf("expected idle after failed start")
	}
	if f.host.refCount() != 0 {
		t.Fatalf("expected host released after failed start")
	}
}

func TestAcquireFailureRollsBack(t *testing.T) {
	f := newFixture(t, true)
	f.host.acquireErr = errors.New("cannot spawn")
	if err := f.ctrl.StartRecording(context.Background()); err == nil {
		t.Fatalf("expected start failure")
	}
	if !f.ctrl.State().Idle() {
		t.Fatalf("expected idle")
	}
}

func TestStopFailureClearsProcessing(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if err := f.ctrl.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.session.mu.Lock()
	f.session.stopErr = errors.New("no active session")
	f.session.mu.Unlock()
	if err := f.ctrl.StopRecording(ctx); err == nil {
		t.Fatalf("expected stop failure")
	}
	if !f.ctrl.State().Idle() || f.persisted().IsProcessing {
		t.Fatalf("expected processing cleared after failed stop")
	}
}

func TestErrorResultReturnsToIdle(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if err := f.ctrl.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ctrl.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	f.ctrl.HandleResult(ctx, protocol.SessionResult{Status: protocol.ResultError, StatusText: "Error: load model: weights missing"})
	if !f.ctrl.State().Idle() {
		t.Fatalf("expected idle after error result")
	}
	if h := f.ctrl.UIState().History; len(h) != 0 {
		t.Fatalf("error result must not enter history, got %v", h)
	}
	res := f.waitUI(protocol.KindTranscriptionResult).(protocol.TranscriptionResult)
	if res.Status != protocol.ResultError || res.StatusText == "" {
		t.Fatalf("unexpected broadcast %+v", res)
	}
	if err := f.ctrl.StartRecording(ctx); err != nil {
		t.Fatalf("expected a new session to start after error, got %v", err)
	}
}

func TestHistoryKeepsMostRecent(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if err := f.ctrl.Toggle(ctx); err != nil {
			t.Fatalf("toggle start %d: %v", i, err)
		}
		if err := f.ctrl.Toggle(ctx); err != nil {
			t.Fatalf("toggle stop %d: %v", i, err)
		}
		f.ctrl.HandleResult(ctx, protocol.SessionResult{Text: fmt.Sprintf("t%d", i), Status: protocol.ResultDelivered})
	}
	got := f.ctrl.UIState().History
	want := []string{"t7", "t6", "t5", "t4", "t3"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDebugLogBoundAndReset(t *testing.T) {
	f := newFixture(t, false)
	for i := 0; i < 150; i++ {
		f.ctrl.AppendLog(protocol.LogEntry{Message: fmt.Sprintf("line %d", i), Severity: protocol.SeverityInfo})
	}
	logs := f.ctrl.UIState().Logs
	if len(logs) != 100 {
		t.Fatalf("expected 100 entries, got %d", len(logs))
	}
	if logs[0].Message != "line 50" || logs[99].Message != "line 149" {
		t.Fatalf("expected oldest entries dropped, got %q..%q", logs[0].Message, logs[99].Message)
	}
	if logs[0].Color == "" || logs[0].Time.IsZero() {
		t.Fatalf("expected color and timestamp filled in")
	}
	if err := f.ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n := len(f.ctrl.UIState().Logs); n != 0 {
		t.Fatalf("expected debug log reset on start, got %d", n)
	}
}

func TestLogDebugMessagesAreCollected(t *testing.T) {
	f := newFixture(t, false)
	f.lb.Publish(context.Background(), protocol.TargetController, protocol.LogDebug{Entry: protocol.LogEntry{Message: "from session", Severity: protocol.SeverityPerf}})
	deadline := time.Now().Add(2 * time.Second)
	for len(f.ctrl.UIState().Logs) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	logs := f.ctrl.UIState().Logs
	if len(logs) != 1 || logs[0].Message != "from session" {
		t.Fatalf("unexpected logs %+v", logs)
	}
}

func TestStatusSelfHeals(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if err := f.ctrl.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ctrl.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := f.ctrl.Status(ctx); !st.IsProcessing {
		t.Fatalf("expected processing while session alive")
	}
	f.host.setAlive(false)
	if st := f.ctrl.Status(ctx); st.IsProcessing || st.IsRecording {
		t.Fatalf("expected healed status, got %+v", st)
	}
	if p := f.persisted(); p.IsProcessing {
		t.Fatalf("expected healed state persisted")
	}
}

func TestStartResetsStalePersistedState(t *testing.T) {
	log := discardLogger()
	st, err := store.Open(context.Background(), config.StoreConfig{RetentionMode: store.RetentionEphemeral}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	states := store.NewStateRepository(st)
	if err := states.SaveState(context.Background(), protocol.RecordingState{IsRecording: true}); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	lb := transport.NewLoopback(context.Background(), log)
	defer lb.Close()
	ctrl := NewController(Dependencies{
		Transport: lb,
		Host:      &fakeHost{},
		States:    states,
		Settings:  store.NewSettingsRepository(st, protocol.Settings{Model: "m", Language: "en"}),
	}, Options{}, log)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ctrl.Close()
	if !ctrl.State().Idle() {
		t.Fatalf("expected stale state reset, got %+v", ctrl.State())
	}
}

func TestControllerOverTransport(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := transport.RequestAck(ctx, f.lb, protocol.TargetController, protocol.ToggleRecording{}); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	reply, err := f.lb.Request(ctx, protocol.TargetController, protocol.GetStatus{})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st := reply.(protocol.Status); !st.IsRecording {
		t.Fatalf("expected recording status, got %+v", st)
	}
	if err := transport.RequestAck(ctx, f.lb, protocol.TargetController, protocol.StartRecording{}); err == nil {
		t.Fatalf("expected second start to be rejected")
	}

	updated := protocol.Settings{Model: "onnx-community/whisper-small", Language: "zh-tw", EnableSounds: true}
	if err := transport.RequestAck(ctx, f.lb, protocol.TargetController, protocol.UpdateSettings{Settings: updated}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	reply, err = f.lb.Request(ctx, protocol.TargetController, protocol.GetSettings{})
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if got := reply.(protocol.SettingsSnapshot).Settings; got != updated {
		t.Fatalf("expected %+v, got %+v", updated, got)
	}
}

func TestRandomCommandSequencesKeepInvariant(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	for step := 0; step < 300; step++ {
		f.session.mu.Lock()
		f.session.startErr = nil
		f.session.stopErr = nil
		if rng.Intn(5) == 0 {
			f.session.startErr = errors.New("device busy")
		}
		if rng.Intn(5) == 0 {
			f.session.stopErr = errors.New("no active session")
		}
		f.session.mu.Unlock()
		f.host.setAlive(rng.Intn(4) != 0)

		switch rng.Intn(5) {
		case 0:
			_ = f.ctrl.StartRecording(ctx)
		case 1:
			_ = f.ctrl.StopRecording(ctx)
		case 2:
			_ = f.ctrl.Toggle(ctx)
		case 3:
			f.ctrl.HandleResult(ctx, protocol.SessionResult{Status: protocol.ResultNoSpeech, StatusText: "No speech detected"})
		case 4:
			f.ctrl.Status(ctx)
		}
		st := f.ctrl.State()
		if st.IsRecording && st.IsProcessing {
			t.Fatalf("step %d: invariant violated %+v", step, st)
		}
		p := f.persisted()
		if p.IsRecording != st.IsRecording || p.IsProcessing != st.IsProcessing {
			t.Fatalf("step %d: persisted %+v differs from %+v", step, p, st)
		}
	}
}

func TestStaleResultIsDropped(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	if err := f.ctrl.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.ctrl.HandleResult(ctx, protocol.SessionResult{SessionID: "old", Text: "late text", Status: protocol.ResultDelivered})

	if st := f.ctrl.State(); !st.IsRecording || st.IsProcessing {
		t.Fatalf("stale result changed state: %+v", st)
	}
	if f.host.refCount() != 1 {
		t.Fatalf("stale result released the host, refs=%d", f.host.refCount())
	}
	if h := f.ctrl.UIState().History; len(h) != 0 {
		t.Fatalf("stale result entered history: %v", h)
	}
	f.desktop.mu.Lock()
	notified := len(f.desktop.titles)
	f.desktop.mu.Unlock()
	if notified != 0 {
		t.Fatalf("stale result raised a notification")
	}
}

func TestSessionTimelineOverTransport(t *testing.T) {
	log := discardLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := store.Open(ctx, config.StoreConfig{Path: filepath.Join(t.TempDir(), "scribe.db"), RetentionMode: store.RetentionSession}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	lb := transport.NewLoopback(context.Background(), log)
	defer lb.Close()
	session := &fakeSession{}
	if _, err := lb.HandleAll(protocol.TargetSession, session.handle); err != nil {
		t.Fatalf("subscribe session: %v", err)
	}
	ctrl := NewController(Dependencies{
		Transport: lb,
		Host:      &fakeHost{},
		States:    store.NewStateRepository(st),
		Settings:  store.NewSettingsRepository(st, protocol.Settings{Model: "onnx-community/whisper-base", Language: "en"}),
		Timeline:  st,
	}, Options{}, log)
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("start controller: %v", err)
	}
	defer ctrl.Close()

	if err := ctrl.StartRecording(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ctrl.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ctrl.HandleResult(ctx, protocol.SessionResult{SessionID: "s-42", Text: "hello", Status: protocol.ResultDelivered})

	reply, err := lb.Request(ctx, protocol.TargetController, protocol.GetSessions{Limit: 5})
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	list := reply.(protocol.SessionList)
	if len(list.Sessions) != 1 {
		t.Fatalf("expected one session, got %+v", list.Sessions)
	}
	got := list.Sessions[0]
	if got.SessionID != "s-42" || got.Model != "onnx-community/whisper-base" || got.Status != string(protocol.ResultDelivered) || got.FinishedAt.IsZero() {
		t.Fatalf("unexpected session record %+v", got)
	}

	reply, err = lb.Request(ctx, protocol.TargetController, protocol.GetSessionEvents{SessionID: "s-42"})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	events := reply.(protocol.SessionEvents)
	if len(events.Events) != 1 || events.Events[0].Type != string(protocol.KindSessionResult) || !strings.Contains(events.Events[0].Payload, "hello") {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestSessionsWithoutTimelineAreEmpty(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	reply, err := f.lb.Request(ctx, protocol.TargetController, protocol.GetSessions{})
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	if list := reply.(protocol.SessionList); len(list.Sessions) != 0 {
		t.Fatalf("expected no sessions, got %+v", list.Sessions)
	}
	if _, err := f.lb.Request(ctx, protocol.TargetController, protocol.GetSessionEvents{}); err == nil {
		t.Fatalf("expected missing session id to be rejected")
	}
}
