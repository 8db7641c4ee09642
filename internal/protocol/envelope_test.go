package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeStartRecording(t *testing.T) {
	data, err := Encode(StartRecording{Settings: Settings{Model: "whisper-base", Language: "en", EnableSounds: true}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	start, ok := msg.(StartRecording)
	if !ok {
		t.Fatalf("expected StartRecording, got %T", msg)
	}
	if start.Settings.Model != "whisper-base" || !start.Settings.EnableSounds {
		t.Fatalf("unexpected settings %+v", start.Settings)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"SELF_DESTRUCT","payload":{}}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestDecodeValidatesPayload(t *testing.T) {
	cases := map[string]string{
		"volume":   `{"kind":"AUDIO_VOLUME","payload":{"level":140}}`,
		"stage":    `{"kind":"LOAD_PROGRESS","payload":{"file":"a.bin","progress":0.5,"stage":"halfway"}}`,
		"sound":    `{"kind":"PLAY_SOUND","payload":{"sound":"fanfare"}}`,
		"state":    `{"kind":"RECORDING_STATE_UPDATED","payload":{"is_recording":true,"is_processing":true}}`,
		"status":   `{"kind":"OFFSCREEN_TRANSCRIPTION_RESULT","payload":{"text":"","status":"maybe"}}`,
		"settings": `{"kind":"START_RECORDING","payload":{"settings":{"language":"en"}}}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestEncodeRejectsInvalidMessage(t *testing.T) {
	if _, err := Encode(AudioVolume{Level: -1}); err == nil {
		t.Fatal("expected error for negative volume")
	}
}

func TestEmptyPayloadDecodes(t *testing.T) {
	msg, err := Decode([]byte(`{"kind":"STOP_RECORDING"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind() != KindStopRecording {
		t.Fatalf("unexpected kind %s", msg.Kind())
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(TargetSession, KindStartRecording); got != "scribe.session.start_recording" {
		t.Fatalf("unexpected subject %s", got)
	}
	if got := WildcardSubject(TargetUI); got != "scribe.ui.*" {
		t.Fatalf("unexpected wildcard %s", got)
	}
}

func TestAckErr(t *testing.T) {
	if err := (Ack{Success: true}).Err(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if err := (Ack{Error: "no active session"}).Err(); err == nil || err.Error() != "no active session" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestStartRecordingSettingsOptional(t *testing.T) {
	if err := (StartRecording{}).Validate(); err != nil {
		t.Fatalf("zero settings should be accepted: %v", err)
	}
	if err := (StartRecording{Settings: Settings{Language: "en"}}).Validate(); err == nil {
		t.Fatalf("expected partial settings to be rejected")
	}
	if _, err := Encode(PrewarmModel{}); err != nil {
		t.Fatalf("encode prewarm without settings: %v", err)
	}
}

func TestEnvelopeCarriesSessionID(t *testing.T) {
	data, err := Encode(SessionResult{SessionID: "s-7", Text: "hi", Status: ResultDelivered})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.SessionID != "s-7" || env.Kind != KindSessionResult || env.SentAt.IsZero() {
		t.Fatalf("unexpected envelope %+v", env)
	}

	data, err = Encode(StopRecording{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(data), "session_id") {
		t.Fatalf("unscoped message must omit session_id: %s", data)
	}
}
