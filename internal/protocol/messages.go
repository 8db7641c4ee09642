package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Message is implemented by every payload type in the protocol.
type Message interface {
	Kind() Kind
	Validate() error
}

// Settings carries the transcription settings of one session.
type Settings struct {
	Model        string `json:"model"`
	Language     string `json:"language"`
	EnableSounds bool   `json:"enable_sounds"`
}

func (s Settings) Validate() error {
	if s.Model == "" {
		return errors.New("settings.model must not be empty")
	}
	if s.Language == "" {
		return errors.New("settings.language must not be empty")
	}
	return nil
}

// ResultStatus discriminates the terminal outcome of a session.
type ResultStatus string

const (
	ResultDelivered ResultStatus = "delivered"
	ResultNoSpeech  ResultStatus = "no_speech"
	ResultError     ResultStatus = "error"
)

func (s ResultStatus) valid() bool {
	switch s {
	case ResultDelivered, ResultNoSpeech, ResultError:
		return true
	}
	return false
}

// LoadStage is the phase reported by a model load progress event.
type LoadStage string

const (
	StageStarted  LoadStage = "started"
	StageProgress LoadStage = "progress"
	StageFinished LoadStage = "finished"
)

// SoundType selects a feedback tone pattern.
type SoundType string

const (
	SoundStart SoundType = "start"
	SoundStop  SoundType = "stop"
	SoundCopy  SoundType = "copy"
	SoundError SoundType = "error"
)

func (s SoundType) Validate() error {
	switch s {
	case SoundStart, SoundStop, SoundCopy, SoundError:
		return nil
	}
	return fmt.Errorf("unknown sound type %q", s)
}

// Severity classifies a debug log entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarn    Severity = "warn"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
	SeverityPerf    Severity = "perf"
)

var severityColors = map[Severity]string{
	SeverityInfo:    "#d4d4d4",
	SeverityWarn:    "#ffcc00",
	SeverityError:   "#f44747",
	SeveritySuccess: "#4ec9b0",
	SeverityPerf:    "#d19a66",
}

// Color returns the display color used for the severity.
func (s Severity) Color() string {
	if c, ok := severityColors[s]; ok {
		return c
	}
	return severityColors[SeverityInfo]
}

// LogEntry is one line of the debug log shown to observers.
type LogEntry struct {
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	Color    string    `json:"color"`
	Time     time.Time `json:"time"`
}

// StartRecording carries the settings the session context records with. A
// zero Settings, as sent by observers, means the controller's persisted ones.
type StartRecording struct {
	Settings Settings `json:"settings"`
}

func (StartRecording) Kind() Kind         { return KindStartRecording }
func (m StartRecording) Validate() error { return optionalSettings(m.Settings) }

type StopRecording struct{}

func (StopRecording) Kind() Kind      { return KindStopRecording }
func (StopRecording) Validate() error { return nil }

type ToggleRecording struct{}

func (ToggleRecording) Kind() Kind      { return KindToggleRecording }
func (ToggleRecording) Validate() error { return nil }

// SessionResult is the terminal report of a session context.
type SessionResult struct {
	SessionID  string       `json:"session_id,omitempty"`
	Text       string       `json:"text"`
	Status     ResultStatus `json:"status"`
	StatusText string       `json:"status_text,omitempty"`
}

func (SessionResult) Kind() Kind { return KindSessionResult }

func (m SessionResult) SessionKey() string { return m.SessionID }

func (m SessionResult) Validate() error {
	if !m.Status.valid() {
		return fmt.Errorf("unknown result status %q", m.Status)
	}
	if m.Status != ResultDelivered && m.Text != "" {
		return fmt.Errorf("result status %s must not carry text", m.Status)
	}
	return nil
}

// RecordingState is broadcast on every orchestration transition.
type RecordingState struct {
	IsRecording  bool `json:"is_recording"`
	IsProcessing bool `json:"is_processing"`
}

func (RecordingState) Kind() Kind { return KindRecordingState }

func (m RecordingState) Validate() error {
	if m.IsRecording && m.IsProcessing {
		return errors.New("recording and processing are mutually exclusive")
	}
	return nil
}

type AudioVolume struct {
	Level int `json:"level"`
}

func (AudioVolume) Kind() Kind { return KindAudioVolume }

func (m AudioVolume) Validate() error {
	if m.Level < 0 || m.Level > 100 {
		return fmt.Errorf("volume level %d out of range 0-100", m.Level)
	}
	return nil
}

type LoadProgress struct {
	Model    string    `json:"model"`
	File     string    `json:"file"`
	Progress float64   `json:"progress"`
	Stage    LoadStage `json:"stage"`
}

func (LoadProgress) Kind() Kind { return KindLoadProgress }

func (m LoadProgress) Validate() error {
	switch m.Stage {
	case StageStarted, StageProgress, StageFinished:
	default:
		return fmt.Errorf("unknown load stage %q", m.Stage)
	}
	if m.Progress < 0 || m.Progress > 1 {
		return fmt.Errorf("load progress %f out of range 0-1", m.Progress)
	}
	return nil
}

type ModelInfoUpdate struct {
	Model  string `json:"model"`
	Device string `json:"device"`
	DType  string `json:"dtype"`
}

func (ModelInfoUpdate) Kind() Kind { return KindModelInfoUpdate }

func (m ModelInfoUpdate) Validate() error {
	if m.Model == "" {
		return errors.New("model info update without model")
	}
	return nil
}

// TranscriptionResult is relayed by the controller to observers.
type TranscriptionResult struct {
	Text       string       `json:"text"`
	Status     ResultStatus `json:"status"`
	StatusText string       `json:"status_text,omitempty"`
	History    []string     `json:"history"`
}

func (TranscriptionResult) Kind() Kind { return KindTranscriptionResult }

func (m TranscriptionResult) Validate() error {
	if !m.Status.valid() {
		return fmt.Errorf("unknown result status %q", m.Status)
	}
	return nil
}

type GetStatus struct{}

func (GetStatus) Kind() Kind      { return KindGetStatus }
func (GetStatus) Validate() error { return nil }

type GetUIState struct{}

func (GetUIState) Kind() Kind      { return KindGetUIState }
func (GetUIState) Validate() error { return nil }

type GetModelInfo struct{}

func (GetModelInfo) Kind() Kind      { return KindGetModelInfo }
func (GetModelInfo) Validate() error { return nil }

// PlaySound asks the session context to play a tone.
type PlaySound struct {
	Sound SoundType `json:"sound"`
}

func (PlaySound) Kind() Kind         { return KindPlaySound }
func (m PlaySound) Validate() error { return m.Sound.Validate() }

// PlaySoundGlobal asks the controller to play a tone if sounds are enabled.
type PlaySoundGlobal struct {
	Sound SoundType `json:"sound"`
}

func (PlaySoundGlobal) Kind() Kind         { return KindPlaySoundGlobal }
func (m PlaySoundGlobal) Validate() error { return m.Sound.Validate() }

type LogDebug struct {
	Entry LogEntry `json:"entry"`
}

func (LogDebug) Kind() Kind { return KindLogDebug }

func (m LogDebug) Validate() error {
	if m.Entry.Message == "" {
		return errors.New("log entry without message")
	}
	return nil
}

// PrewarmModel loads a model ahead of the next session.
type PrewarmModel struct {
	Settings Settings `json:"settings"`
}

func (PrewarmModel) Kind() Kind         { return KindPrewarmModel }
func (m PrewarmModel) Validate() error { return optionalSettings(m.Settings) }

func optionalSettings(s Settings) error {
	if s == (Settings{}) {
		return nil
	}
	return s.Validate()
}

type GetSettings struct{}

func (GetSettings) Kind() Kind      { return KindGetSettings }
func (GetSettings) Validate() error { return nil }

// UpdateSettings replaces the persisted settings.
type UpdateSettings struct {
	Settings Settings `json:"settings"`
}

func (UpdateSettings) Kind() Kind         { return KindUpdateSettings }
func (m UpdateSettings) Validate() error { return m.Settings.Validate() }

type Ping struct{}

func (Ping) Kind() Kind      { return KindPing }
func (Ping) Validate() error { return nil }

type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (Heartbeat) Kind() Kind { return KindHeartbeat }

func (m Heartbeat) Validate() error {
	if m.NodeID == "" {
		return errors.New("heartbeat without node id")
	}
	return nil
}

// Ack is the generic success/failure reply.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (Ack) Kind() Kind      { return KindAck }
func (Ack) Validate() error { return nil }

// Err converts a negative acknowledgement into an error.
func (a Ack) Err() error {
	if a.Success {
		return nil
	}
	if a.Error == "" {
		return errors.New("request rejected")
	}
	return errors.New(a.Error)
}

type Status struct {
	IsRecording  bool `json:"is_recording"`
	IsProcessing bool `json:"is_processing"`
}

func (Status) Kind() Kind      { return KindStatus }
func (Status) Validate() error { return nil }

type UIState struct {
	History []string   `json:"history"`
	Logs    []LogEntry `json:"logs"`
}

func (UIState) Kind() Kind      { return KindUIState }
func (UIState) Validate() error { return nil }

// ModelInfo describes the resident model; Loaded is false when none is.
type ModelInfo struct {
	Loaded bool   `json:"loaded"`
	Model  string `json:"model,omitempty"`
	Device string `json:"device,omitempty"`
	DType  string `json:"dtype,omitempty"`
}

func (ModelInfo) Kind() Kind      { return KindModelInfo }
func (ModelInfo) Validate() error { return nil }

type SettingsSnapshot struct {
	Settings Settings `json:"settings"`
}

func (SettingsSnapshot) Kind() Kind         { return KindSettings }
func (m SettingsSnapshot) Validate() error { return m.Settings.Validate() }

// GetSessions asks the controller for the most recent session timeline rows.
type GetSessions struct {
	Limit int `json:"limit,omitempty"`
}

func (GetSessions) Kind() Kind { return KindGetSessions }

func (m GetSessions) Validate() error {
	if m.Limit < 0 {
		return fmt.Errorf("negative session limit %d", m.Limit)
	}
	return nil
}

type GetSessionEvents struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
}

func (GetSessionEvents) Kind() Kind { return KindGetSessionEvents }

func (m GetSessionEvents) SessionKey() string { return m.SessionID }

func (m GetSessionEvents) Validate() error {
	if m.SessionID == "" {
		return errors.New("session events request without session id")
	}
	if m.Limit < 0 {
		return fmt.Errorf("negative event limit %d", m.Limit)
	}
	return nil
}

// SessionRecord is one finished session in the timeline.
type SessionRecord struct {
	SessionID  string    `json:"session_id"`
	Model      string    `json:"model"`
	Language   string    `json:"language"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

type SessionList struct {
	Sessions []SessionRecord `json:"sessions"`
}

func (SessionList) Kind() Kind      { return KindSessions }
func (SessionList) Validate() error { return nil }

type TimelineEvent struct {
	Type      string    `json:"type"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionEvents struct {
	SessionID string          `json:"session_id"`
	Events    []TimelineEvent `json:"events"`
}

func (SessionEvents) Kind() Kind      { return KindEvents }
func (SessionEvents) Validate() error { return nil }

func (m SessionEvents) SessionKey() string { return m.SessionID }
