package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StateRepository persists the orchestration flags.
type StateRepository interface {
	LoadState(ctx context.Context) (protocol.RecordingState, error)
	SaveState(ctx context.Context, state protocol.RecordingState) error
}

// SettingsRepository persists transcription settings.
type SettingsRepository interface {
	LoadSettings(ctx context.Context) (protocol.Settings, error)
	SaveSettings(ctx context.Context, settings protocol.Settings) error
}

// Timeline records finished sessions and reads them back.
type Timeline interface {
	AppendSession(ctx context.Context, sess store.Session) error
	FinishSession(ctx context.Context, sessionID, status string) error
	AppendEvent(ctx context.Context, evt store.Event) error
	RecentSessions(ctx context.Context, limit int) ([]store.Session, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]store.Event, error)
}

// DesktopNotifier shows user-facing notifications.
type DesktopNotifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Indicator mirrors the recording flag, like a toolbar badge.
type Indicator interface {
	SetRecording(recording bool)
}

// Dependencies are the collaborators of a Controller. Timeline, Desktop and
// Indicator are optional.
type Dependencies struct {
	Transport transport.Transport
	Host      session.Host
	States    StateRepository
	Settings  SettingsRepository
	Timeline  Timeline
	Desktop   DesktopNotifier
	Indicator Indicator
}

type Options struct {
	HistorySize  int
	DebugLogSize int
}

// Controller serializes every session-affecting command behind one mutex
// and keeps the persisted state in step with the in-memory copy.
type Controller struct {
	deps     Dependencies
	notifier *transport.Notifier
	log      *slog.Logger

	history *History
	logs    *DebugLog

	mu       sync.Mutex
	state    State
	acquired bool
	settings protocol.Settings

	subs        []transport.Subscription
	transitions metric.Int64Counter
}

func NewController(deps Dependencies, opts Options, log *slog.Logger) *Controller {
	c := &Controller{
		deps:     deps,
		notifier: transport.NewNotifier(deps.Transport, log),
		log:      log.With(slog.String("component", "orchestrator")),
		history:  NewHistory(opts.HistorySize),
		logs:     NewDebugLog(opts.DebugLogSize),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-scribe/orchestrator").Int64Counter(
		"scribe.orchestrator.transitions",
		metric.WithDescription("Orchestration state transitions by command and outcome"),
	)
	if err != nil {
		c.log.Warn("failed to initialize transition counter", slogError(err))
	}
	c.transitions = counter
	return c
}

// Start restores persisted state and subscribes to controller messages. A
// persisted session that has no live context is reset to idle.
func (c *Controller) Start(ctx context.Context) error {
	persisted, err := c.deps.States.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	c.mu.Lock()
	c.state = stateFrom(persisted)
	if !c.state.Idle() && !c.deps.Host.Alive(ctx) {
		c.log.Info("resetting stale session state", slog.Bool("recording", c.state.IsRecording), slog.Bool("processing", c.state.IsProcessing))
		c.apply(ctx, State{})
	}
	c.mu.Unlock()

	sub, err := c.deps.Transport.HandleAll(protocol.TargetController, c.handle)
	if err != nil {
		return fmt.Errorf("subscribe controller messages: %w", err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

func (c *Controller) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
}

func (c *Controller) handle(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	switch m := msg.(type) {
	case protocol.StartRecording:
		return nil, c.StartRecording(ctx)
	case protocol.StopRecording:
		return nil, c.StopRecording(ctx)
	case protocol.ToggleRecording:
		return nil, c.Toggle(ctx)
	case protocol.SessionResult:
		c.HandleResult(ctx, m)
		return nil, nil
	case protocol.GetStatus:
		return c.Status(ctx), nil
	case protocol.GetUIState:
		return c.UIState(), nil
	case protocol.LogDebug:
		c.AppendLog(m.Entry)
		return nil, nil
	case protocol.GetSettings:
		settings, err := c.deps.Settings.LoadSettings(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.SettingsSnapshot{Settings: settings}, nil
	case protocol.UpdateSettings:
		return nil, c.UpdateSettings(ctx, m.Settings)
	case protocol.PlaySoundGlobal:
		c.PlaySound(ctx, m.Sound)
		return nil, nil
	case protocol.PrewarmModel:
		return nil, c.Prewarm(ctx)
	case protocol.GetSessions:
		return c.Sessions(ctx, m.Limit)
	case protocol.GetSessionEvents:
		return c.SessionEvents(ctx, m.SessionID, m.Limit)
	case protocol.Heartbeat:
		return nil, nil
	default:
		return nil, fmt.Errorf("controller does not handle %s", msg.Kind())
	}
}

// StartRecording moves idle to recording, provisions the session context
// and forwards the start command. Any failure rolls back to idle.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := c.state.Start()
	if err != nil {
		c.count(ctx, "start", err)
		return err
	}
	settings, err := c.deps.Settings.LoadSettings(ctx)
	if err != nil {
		c.count(ctx, "start", err)
		return fmt.Errorf("load settings: %w", err)
	}
	c.settings = settings
	c.logs.Reset()
	c.apply(ctx, next)

	if err := c.deps.Host.Acquire(ctx); err != nil {
		return c.rollbackStart(ctx, err)
	}
	c.acquired = true
	c.log.Info("starting recording", slog.String("model", settings.Model), slog.String("language", settings.Language))
	c.sound(ctx, protocol.SoundStart)

	if err := transport.RequestAck(ctx, c.deps.Transport, protocol.TargetSession, protocol.StartRecording{Settings: settings}); err != nil {
		return c.rollbackStart(ctx, err)
	}
	c.count(ctx, "start", nil)
	return nil
}

func (c *Controller) rollbackStart(ctx context.Context, cause error) error {
	c.log.Warn("start recording failed", slogError(cause))
	c.releaseHost()
	c.apply(ctx, State{})
	c.count(ctx, "start", cause)
	return fmt.Errorf("start recording: %w", cause)
}

// StopRecording moves recording to processing and forwards the stop
// command. A failed stop clears processing and surfaces the error.
func (c *Controller) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := c.state.Stop()
	if err != nil {
		c.count(ctx, "stop", err)
		return err
	}
	c.apply(ctx, next)
	c.sound(ctx, protocol.SoundStop)

	if err := transport.RequestAck(ctx, c.deps.Transport, protocol.TargetSession, protocol.StopRecording{}); err != nil {
		c.log.Warn("stop recording failed", slogError(err))
		c.releaseHost()
		c.apply(ctx, c.state.Finish())
		c.count(ctx, "stop", err)
		return fmt.Errorf("stop recording: %w", err)
	}
	c.count(ctx, "stop", nil)
	return nil
}

// Toggle starts when idle, stops when recording and refuses with an error
// tone while a transcription is processing.
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	switch {
	case st.IsProcessing:
		c.sound(ctx, protocol.SoundError)
		c.count(ctx, "toggle", ErrBusy)
		return ErrBusy
	case st.IsRecording:
		return c.StopRecording(ctx)
	default:
		return c.StartRecording(ctx)
	}
}

// HandleResult finishes processing and relays the outcome to observers. A
// result that arrives while nothing is processing belongs to a session that
// was already reset and is dropped.
func (c *Controller) HandleResult(ctx context.Context, result protocol.SessionResult) {
	c.mu.Lock()
	if !c.state.IsProcessing {
		recording := c.state.IsRecording
		c.mu.Unlock()
		c.log.Warn("dropping stale session result",
			slog.String("session_id", result.SessionID),
			slog.String("status", string(result.Status)),
			slog.Bool("recording", recording))
		return
	}
	c.apply(ctx, c.state.Finish())
	c.history.Add(result.Text)
	history := c.history.Snapshot()
	settings := c.settings
	c.releaseHost()
	c.mu.Unlock()

	c.log.Info("session result", slog.String("session_id", result.SessionID), slog.String("status", string(result.Status)))
	if result.Text != "" {
		c.desktop(ctx, "Transcription Complete", result.Text)
		c.sound(ctx, protocol.SoundCopy)
	} else {
		status := result.StatusText
		if status == "" {
			status = "Finished with no text."
		}
		c.desktop(ctx, "Transcription", status)
	}
	c.recordTimeline(ctx, settings, result)

	c.notifier.Notify(ctx, protocol.TargetUI, protocol.TranscriptionResult{
		Text:       result.Text,
		Status:     result.Status,
		StatusText: result.StatusText,
		History:    history,
	})
}

// Status returns the current flags, first clearing a processing flag that
// no live session context can ever finish.
func (c *Controller) Status(ctx context.Context) protocol.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsProcessing {
		if healed := c.state.Heal(c.deps.Host.Alive(ctx)); healed != c.state {
			c.log.Warn("session context gone while processing, resetting")
			c.releaseHost()
			c.apply(ctx, healed)
		}
	}
	return protocol.Status{IsRecording: c.state.IsRecording, IsProcessing: c.state.IsProcessing}
}

// State returns the in-memory flags without healing.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) UIState() protocol.UIState {
	return protocol.UIState{History: c.history.Snapshot(), Logs: c.logs.Snapshot()}
}

// AppendLog stores a debug line forwarded by the session context.
func (c *Controller) AppendLog(e protocol.LogEntry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.Color == "" {
		e.Color = e.Severity.Color()
	}
	c.logs.Append(e)
}

// UpdateSettings persists new settings and prewarms a changed model when a
// session context is already running.
func (c *Controller) UpdateSettings(ctx context.Context, settings protocol.Settings) error {
	previous, err := c.deps.Settings.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if err := c.deps.Settings.SaveSettings(ctx, settings); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	c.log.Info("settings updated", slog.String("model", settings.Model), slog.String("language", settings.Language), slog.Bool("enable_sounds", settings.EnableSounds))
	if settings.Model != previous.Model && c.deps.Host.Alive(ctx) {
		c.notifier.Notify(ctx, protocol.TargetSession, protocol.PrewarmModel{Settings: settings})
	}
	return nil
}

// Prewarm provisions the session context and loads the configured model.
func (c *Controller) Prewarm(ctx context.Context) error {
	settings, err := c.deps.Settings.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if err := c.deps.Host.Acquire(ctx); err != nil {
		return err
	}
	defer c.deps.Host.Release()
	return transport.RequestAck(ctx, c.deps.Transport, protocol.TargetSession, protocol.PrewarmModel{Settings: settings})
}

// PlaySound plays t in the session context when sounds are enabled.
func (c *Controller) PlaySound(ctx context.Context, t protocol.SoundType) {
	if !c.deps.Host.Alive(ctx) {
		if err := c.deps.Host.Acquire(ctx); err != nil {
			c.log.Debug("no session context for sound", slogError(err))
			return
		}
		c.deps.Host.Release()
	}
	c.sound(ctx, t)
}

// apply sets, persists and broadcasts a new state. Callers hold c.mu.
func (c *Controller) apply(ctx context.Context, next State) {
	c.state = next
	if err := c.deps.States.SaveState(ctx, next.Message()); err != nil {
		c.log.Warn("failed to persist state", slogError(err))
	}
	if c.deps.Indicator != nil {
		c.deps.Indicator.SetRecording(next.IsRecording)
	}
	c.notifier.Notify(ctx, protocol.TargetUI, next.Message())
}

func (c *Controller) releaseHost() {
	if c.acquired {
		c.deps.Host.Release()
		c.acquired = false
	}
}

// sound forwards a tone to the session context unless sounds are disabled
// in the persisted settings.
func (c *Controller) sound(ctx context.Context, t protocol.SoundType) {
	settings, err := c.deps.Settings.LoadSettings(ctx)
	if err != nil {
		c.log.Warn("load settings for sound", slogError(err))
		return
	}
	if !settings.EnableSounds {
		return
	}
	c.notifier.Notify(ctx, protocol.TargetSession, protocol.PlaySound{Sound: t})
}

func (c *Controller) desktop(ctx context.Context, title, message string) {
	if c.deps.Desktop == nil {
		return
	}
	if err := c.deps.Desktop.Notify(ctx, title, message); err != nil {
		c.log.Debug("notification failed", slogError(err))
	}
}

func (c *Controller) recordTimeline(ctx context.Context, settings protocol.Settings, result protocol.SessionResult) {
	if c.deps.Timeline == nil || result.SessionID == "" {
		return
	}
	sess := store.Session{ID: result.SessionID, Model: settings.Model, Language: settings.Language, Status: string(result.Status)}
	payload, err := json.Marshal(result)
	err = errors.Join(err,
		c.deps.Timeline.AppendSession(ctx, sess),
		c.deps.Timeline.FinishSession(ctx, result.SessionID, string(result.Status)),
	)
	if payload != nil {
		err = errors.Join(err, c.deps.Timeline.AppendEvent(ctx, store.Event{SessionID: result.SessionID, Type: string(result.Kind()), Payload: payload}))
	}
	if err != nil {
		c.log.Warn("failed to record session timeline", slogError(err))
	}
}

// Sessions lists recent finished sessions, newest first. Without a timeline
// the list is empty.
func (c *Controller) Sessions(ctx context.Context, limit int) (protocol.SessionList, error) {
	out := protocol.SessionList{Sessions: []protocol.SessionRecord{}}
	if c.deps.Timeline == nil {
		return out, nil
	}
	sessions, err := c.deps.Timeline.RecentSessions(ctx, limit)
	if err != nil {
		return out, fmt.Errorf("list sessions: %w", err)
	}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, protocol.SessionRecord{
			SessionID:  sess.ID,
			Model:      sess.Model,
			Language:   sess.Language,
			Status:     sess.Status,
			CreatedAt:  sess.CreatedAt,
			FinishedAt: sess.FinishedAt,
		})
	}
	return out, nil
}

// SessionEvents returns the timeline events recorded for one session.
func (c *Controller) SessionEvents(ctx context.Context, sessionID string, limit int) (protocol.SessionEvents, error) {
	out := protocol.SessionEvents{SessionID: sessionID, Events: []protocol.TimelineEvent{}}
	if c.deps.Timeline == nil {
		return out, nil
	}
	events, err := c.deps.Timeline.ListSessionEvents(ctx, sessionID, limit)
	if err != nil {
		return out, fmt.Errorf("list session events: %w", err)
	}
	for _, e := range events {
		out.Events = append(out.Events, protocol.TimelineEvent{Type: e.Type, Payload: string(e.Payload), CreatedAt: e.CreatedAt})
	}
	return out, nil
}

func (c *Controller) count(ctx context.Context, command string, err error) {
	if c.transitions == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, ErrBusy):
		outcome = "busy"
	case errors.Is(err, ErrAlreadyRecording), errors.Is(err, ErrNotRecording):
		outcome = "rejected"
	case err != nil:
		outcome = "error"
	}
	c.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome),
	))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
