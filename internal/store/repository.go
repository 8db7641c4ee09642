package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

const (
	KeyModel        = "model"
	KeyLanguage     = "language"
	KeyEnableSounds = "enable_sounds"
	KeyIsRecording  = "is_recording"
	KeyIsProcessing = "is_processing"
)

// SettingsRepository reads and writes transcription settings, falling back
// to defaults for keys that were never written.
type SettingsRepository struct {
	store    *Store
	defaults protocol.Settings
}

func NewSettingsRepository(s *Store, defaults protocol.Settings) *SettingsRepository {
	return &SettingsRepository{store: s, defaults: defaults}
}

func (r *SettingsRepository) LoadSettings(ctx context.Context) (protocol.Settings, error) {
	out := r.defaults
	if v, ok, err := r.store.Get(ctx, KeyModel); err != nil {
		return out, err
	} else if ok {
		out.Model = v
	}
	if v, ok, err := r.store.Get(ctx, KeyLanguage); err != nil {
		return out, err
	} else if ok {
		out.Language = v
	}
	sounds, err := readBool(ctx, r.store, KeyEnableSounds, r.defaults.EnableSounds)
	if err != nil {
		return out, err
	}
	out.EnableSounds = sounds
	return out, nil
}

func (r *SettingsRepository) SaveSettings(ctx context.Context, settings protocol.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return r.store.SetMany(ctx, map[string]string{
		KeyModel:        settings.Model,
		KeyLanguage:     settings.Language,
		KeyEnableSounds: strconv.FormatBool(settings.EnableSounds),
	})
}

// StateRepository persists the recording/processing flags.
type StateRepository struct {
	store *Store
}

func NewStateRepository(s *Store) *StateRepository {
	return &StateRepository{store: s}
}

func (r *StateRepository) LoadState(ctx context.Context) (protocol.RecordingState, error) {
	recording, err := readBool(ctx, r.store, KeyIsRecording, false)
	if err != nil {
		return protocol.RecordingState{}, err
	}
	processing, err := readBool(ctx, r.store, KeyIsProcessing, false)
	if err != nil {
		return protocol.RecordingState{}, err
	}
	return protocol.RecordingState{IsRecording: recording, IsProcessing: processing}, nil
}

func (r *StateRepository) SaveState(ctx context.Context, state protocol.RecordingState) error {
	return r.store.SetMany(ctx, map[string]string{
		KeyIsRecording:  strconv.FormatBool(state.IsRecording),
		KeyIsProcessing: strconv.FormatBool(state.IsProcessing),
	})
}

func readBool(ctx context.Context, s *Store, key string, fallback bool) (bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return fallback, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}
