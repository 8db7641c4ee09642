package protocol

import (
	"encoding/json"
	"strings"
)

// Kind identifies a message variant on the bus.
type Kind string

const (
	KindStartRecording      Kind = "START_RECORDING"
	KindStopRecording       Kind = "STOP_RECORDING"
	KindToggleRecording     Kind = "TOGGLE_RECORDING"
	KindSessionResult       Kind = "OFFSCREEN_TRANSCRIPTION_RESULT"
	KindRecordingState      Kind = "RECORDING_STATE_UPDATED"
	KindAudioVolume         Kind = "AUDIO_VOLUME"
	KindLoadProgress        Kind = "LOAD_PROGRESS"
	KindModelInfoUpdate     Kind = "UPDATE_MODEL_INFO"
	KindTranscriptionResult Kind = "TRANSCRIPTION_RESULT"
	KindGetStatus           Kind = "GET_STATUS"
	KindGetUIState          Kind = "GET_UI_STATE"
	KindGetModelInfo        Kind = "GET_MODEL_INFO"
	KindPlaySound           Kind = "PLAY_SOUND"
	KindPlaySoundGlobal     Kind = "PLAY_SOUND_GLOBAL"
	KindLogDebug            Kind = "LOG_DEBUG"
	KindPrewarmModel        Kind = "PREWARM_MODEL"
	KindGetSettings         Kind = "GET_SETTINGS"
	KindUpdateSettings      Kind = "UPDATE_SETTINGS"
	KindPing                Kind = "PING"
	KindHeartbeat           Kind = "SESSION_HEARTBEAT"
	KindGetSessions         Kind = "GET_SESSIONS"
	KindGetSessionEvents    Kind = "GET_SESSION_EVENTS"

	// Replies.
	KindAck       Kind = "ACK"
	KindStatus    Kind = "STATUS"
	KindUIState   Kind = "UI_STATE"
	KindModelInfo Kind = "MODEL_INFO"
	KindSettings  Kind = "SETTINGS"
	KindSessions  Kind = "SESSIONS"
	KindEvents    Kind = "SESSION_EVENTS"
)

// Target names the execution context a message is addressed to.
type Target string

const (
	TargetController Target = "controller"
	TargetSession    Target = "session"
	TargetUI         Target = "ui"
)

// SubjectPrefix is prepended to every bus subject.
const SubjectPrefix = "scribe"

// Subject returns the bus subject carrying kind for target.
func Subject(target Target, kind Kind) string {
	return SubjectPrefix + "." + string(target) + "." + strings.ToLower(string(kind))
}

// WildcardSubject matches every kind addressed to target.
func WildcardSubject(target Target) string {
	return SubjectPrefix + "." + string(target) + ".*"
}

var decoders = map[Kind]func(json.RawMessage) (Message, error){
	KindStartRecording:      decodeAs[StartRecording],
	KindStopRecording:       decodeAs[StopRecording],
	KindToggleRecording:     decodeAs[ToggleRecording],
	KindSessionResult:       decodeAs[SessionResult],
	KindRecordingState:      decodeAs[RecordingState],
	KindAudioVolume:         decodeAs[AudioVolume],
	KindLoadProgress:        decodeAs[LoadProgress],
	KindModelInfoUpdate:     decodeAs[ModelInfoUpdate],
	KindTranscriptionResult: decodeAs[TranscriptionResult],
	KindGetStatus:           decodeAs[GetStatus],
	KindGetUIState:          decodeAs[GetUIState],
	KindGetModelInfo:        decodeAs[GetModelInfo],
	KindPlaySound:           decodeAs[PlaySound],
	KindPlaySoundGlobal:     decodeAs[PlaySoundGlobal],
	KindLogDebug:            decodeAs[LogDebug],
	KindPrewarmModel:        decodeAs[PrewarmModel],
	KindGetSettings:         decodeAs[GetSettings],
	KindUpdateSettings:      decodeAs[UpdateSettings],
	KindPing:                decodeAs[Ping],
	KindHeartbeat:           decodeAs[Heartbeat],
	KindGetSessions:         decodeAs[GetSessions],
	KindGetSessionEvents:    decodeAs[GetSessionEvents],
	KindAck:                 decodeAs[Ack],
	KindStatus:              decodeAs[Status],
	KindUIState:             decodeAs[UIState],
	KindModelInfo:           decodeAs[ModelInfo],
	KindSettings:            decodeAs[SettingsSnapshot],
	KindSessions:            decodeAs[SessionList],
	KindEvents:              decodeAs[SessionEvents],
}

// Known reports whether kind belongs to the protocol.
func Known(kind Kind) bool {
	_, ok := decoders[kind]
	return ok
}

func decodeAs[T Message](raw json.RawMessage) (Message, error) {
	var m T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	return m, nil
}
