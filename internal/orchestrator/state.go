// Package orchestrator is the always-resident controller that serializes
// start/stop commands, owns the recording/processing flags and relays
// session results to observers.
package orchestrator

import (
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

var (
	// ErrBusy is returned when a start is requested while a transcription is running.
	ErrBusy = errors.New("system busy")
	// ErrAlreadyRecording is returned when a start is requested while recording.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned when a stop is requested while not recording.
	ErrNotRecording = errors.New("not recording")
)

// State holds the orchestration flags. IsRecording and IsProcessing are
// never both true; every method returns a state that keeps this invariant.
type State struct {
	IsRecording  bool
	IsProcessing bool
}

func (s State) Idle() bool { return !s.IsRecording && !s.IsProcessing }

// Start moves idle to recording.
func (s State) Start() (State, error) {
	switch {
	case s.IsProcessing:
		return s, ErrBusy
	case s.IsRecording:
		return s, ErrAlreadyRecording
	}
	return State{IsRecording: true}, nil
}

// Stop moves recording to processing.
func (s State) Stop() (State, error) {
	if !s.IsRecording {
		return s, ErrNotRecording
	}
	return State{IsProcessing: true}, nil
}

// Finish clears processing once a result has arrived.
func (s State) Finish() State {
	return State{IsRecording: s.IsRecording}
}

// Heal clears processing when no session context is alive to finish it.
func (s State) Heal(sessionAlive bool) State {
	if s.IsProcessing && !sessionAlive {
		return State{}
	}
	return s
}

func (s State) Message() protocol.RecordingState {
	return protocol.RecordingState{IsRecording: s.IsRecording, IsProcessing: s.IsProcessing}
}

func stateFrom(m protocol.RecordingState) State {
	if m.IsRecording && m.IsProcessing {
		return State{IsProcessing: true}
	}
	return State{IsRecording: m.IsRecording, IsProcessing: m.IsProcessing}
}
