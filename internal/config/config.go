package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Roles a daemon process can take.
const (
	RoleAll        = "all"
	RoleController = "controller"
	RoleSession    = "session"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	Role         string             `yaml:"role"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Transport    TransportConfig    `yaml:"transport"`
	Node         NodeConfig         `yaml:"node"`
	Store        StoreConfig        `yaml:"store"`
	Defaults     SettingsConfig     `yaml:"defaults"`
	Audio        AudioConfig        `yaml:"audio"`
	VAD          VADConfig          `yaml:"vad"`
	Inference    InferenceConfig    `yaml:"inference"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Clipboard    ClipboardConfig    `yaml:"clipboard"`
	Notify       NotifyConfig       `yaml:"notify"`
	Sound        SoundConfig        `yaml:"sound"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type TransportConfig struct {
	Mode             string `yaml:"mode"` // nats, loopback
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SettingsConfig seeds the persisted transcription settings on first start.
type SettingsConfig struct {
	Model        string `yaml:"model"`
	Language     string `yaml:"language"`
	EnableSounds bool   `yaml:"enable_sounds"`
}

type AudioConfig struct {
	Backend         string `yaml:"backend"` // portaudio, none
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
	TempDir         string `yaml:"temp_dir"`
	LevelIntervalMS int    `yaml:"level_interval_ms"`
}

type VADConfig struct {
	Threshold float64 `yaml:"threshold"`
	WindowMS  int     `yaml:"window_ms"`
	PaddingMS int     `yaml:"padding_ms"`
}

type InferenceConfig struct {
	Backend  string `yaml:"backend"` // mock, exec, whisper
	Command  string `yaml:"command"`
	ModelDir string `yaml:"model_dir"`
	Threads  int    `yaml:"threads"`
}

type OrchestratorConfig struct {
	HistorySize           int `yaml:"history_size"`
	DebugLogSize          int `yaml:"debug_log_size"`
	NotificationTimeoutMS int `yaml:"notification_timeout_ms"`
}

type ClipboardConfig struct {
	Enabled         bool   `yaml:"enabled"`
	FallbackCommand string `yaml:"fallback_command"`
}

type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	IconPath string `yaml:"icon_path"`
}

type SoundConfig struct {
	Backend    string `yaml:"backend"` // portaudio, none
	SampleRate int    `yaml:"sample_rate"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		Role:        RoleAll,
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogMaxSizeMB:  20,
			LogMaxBackups: 3,
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4223,
			Servers:        []string{"nats://127.0.0.1:4223"},
			ConnectTimeout: 2000,
		},
		Transport: TransportConfig{
			Mode:             "nats",
			RequestTimeoutMS: 5000,
		},
		Node: NodeConfig{
			ID:                "scribe-session-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Store: StoreConfig{
			Path:          "./data/scribe.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Defaults: SettingsConfig{
			Model:        "onnx-community/whisper-large-v3-turbo",
			Language:     "en",
			EnableSounds: true,
		},
		Audio: AudioConfig{
			Backend:         "portaudio",
			SampleRate:      16000,
			Channels:        1,
			FramesPerBuffer: 800,
			LevelIntervalMS: 50,
		},
		VAD: VADConfig{
			Threshold: 0.01,
			WindowMS:  100,
			PaddingMS: 400,
		},
		Inference: InferenceConfig{
			Backend:  "mock",
			ModelDir: "./models",
			Threads:  4,
		},
		Orchestrator: OrchestratorConfig{
			HistorySize:           5,
			DebugLogSize:          100,
			NotificationTimeoutMS: 5000,
		},
		Clipboard: ClipboardConfig{
			Enabled:         true,
			FallbackCommand: "xclip -selection clipboard",
		},
		Notify: NotifyConfig{
			Enabled: true,
		},
		Sound: SoundConfig{
			Backend:    "portaudio",
			SampleRate: 44100,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.Role, "SCRIBE_ROLE")
	overrideBool(&cfg.HTTP.Enabled, "SCRIBE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "SCRIBE_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "SCRIBE_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Transport.Mode, "SCRIBE_TRANSPORT_MODE")
	overrideInt(&cfg.Transport.RequestTimeoutMS, "SCRIBE_TRANSPORT_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "SCRIBE_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "SCRIBE_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "SCRIBE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "SCRIBE_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "SCRIBE_STORE_VACUUM_ON_START")
	overrideString(&cfg.Defaults.Model, "SCRIBE_DEFAULT_MODEL")
	overrideString(&cfg.Defaults.Language, "SCRIBE_DEFAULT_LANGUAGE")
	overrideBool(&cfg.Defaults.EnableSounds, "SCRIBE_DEFAULT_ENABLE_SOUNDS")
	overrideString(&cfg.Audio.Backend, "SCRIBE_AUDIO_BACKEND")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "SCRIBE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FramesPerBuffer, "SCRIBE_AUDIO_FRAMES_PER_BUFFER")
	overrideString(&cfg.Audio.TempDir, "SCRIBE_AUDIO_TEMP_DIR")
	overrideInt(&cfg.Audio.LevelIntervalMS, "SCRIBE_AUDIO_LEVEL_INTERVAL_MS")
	overrideFloat(&cfg.VAD.Threshold, "SCRIBE_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.WindowMS, "SCRIBE_VAD_WINDOW_MS")
	overrideInt(&cfg.VAD.PaddingMS, "SCRIBE_VAD_PADDING_MS")
	overrideString(&cfg.Inference.Backend, "SCRIBE_INFERENCE_BACKEND")
	overrideString(&cfg.Inference.Command, "SCRIBE_INFERENCE_COMMAND")
	overrideString(&cfg.Inference.ModelDir, "SCRIBE_INFERENCE_MODEL_DIR")
	overrideInt(&cfg.Inference.Threads, "SCRIBE_INFERENCE_THREADS")
	overrideInt(&cfg.Orchestrator.HistorySize, "SCRIBE_ORCHESTRATOR_HISTORY_SIZE")
	overrideInt(&cfg.Orchestrator.DebugLogSize, "SCRIBE_ORCHESTRATOR_DEBUG_LOG_SIZE")
	overrideInt(&cfg.Orchestrator.NotificationTimeoutMS, "SCRIBE_ORCHESTRATOR_NOTIFICATION_TIMEOUT_MS")
	overrideBool(&cfg.Clipboard.Enabled, "SCRIBE_CLIPBOARD_ENABLED")
	overrideString(&cfg.Clipboard.FallbackCommand, "SCRIBE_CLIPBOARD_FALLBACK_COMMAND")
	overrideBool(&cfg.Notify.Enabled, "SCRIBE_NOTIFY_ENABLED")
	overrideString(&cfg.Notify.IconPath, "SCRIBE_NOTIFY_ICON_PATH")
	overrideString(&cfg.Sound.Backend, "SCRIBE_SOUND_BACKEND")
	overrideInt(&cfg.Sound.SampleRate, "SCRIBE_SOUND_SAMPLE_RATE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	switch cfg.Role {
	case RoleAll, RoleController, RoleSession:
	default:
		return errors.New("role must be one of all|controller|session")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Transport.Mode {
	case "nats":
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	case "loopback":
		if cfg.Role != RoleAll {
			return errors.New("transport.mode=loopback requires role=all")
		}
	default:
		return errors.New("transport.mode must be one of nats|loopback")
	}
	if cfg.Transport.RequestTimeoutMS <= 0 {
		return errors.New("transport.request_timeout_ms must be positive")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Role != RoleSession {
		switch cfg.Store.RetentionMode {
		case "ephemeral", "session", "persistent":
		default:
			return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.Store.RetentionMode != "ephemeral" && cfg.Store.Path == "" {
			return errors.New("store.path must not be empty")
		}
		if cfg.Store.RetentionDays < 0 {
			return errors.New("store.retention_days must be >= 0")
		}
		if cfg.Defaults.Model == "" || cfg.Defaults.Language == "" {
			return errors.New("defaults.model and defaults.language must not be empty")
		}
		if cfg.Orchestrator.HistorySize <= 0 {
			return errors.New("orchestrator.history_size must be >= 1")
		}
		if cfg.Orchestrator.DebugLogSize <= 0 {
			return errors.New("orchestrator.debug_log_size must be >= 1")
		}
	}
	if cfg.Role != RoleController {
		switch cfg.Audio.Backend {
		case "portaudio", "none":
		default:
			return errors.New("audio.backend must be one of portaudio|none")
		}
		if cfg.Audio.SampleRate <= 0 {
			return errors.New("audio.sample_rate must be positive")
		}
		if cfg.Audio.Channels <= 0 {
			return errors.New("audio.channels must be positive")
		}
		if cfg.Audio.LevelIntervalMS <= 0 {
			return errors.New("audio.level_interval_ms must be positive")
		}
		if cfg.VAD.Threshold <= 0 {
			return errors.New("vad.threshold must be positive")
		}
		if cfg.VAD.WindowMS <= 0 || cfg.VAD.PaddingMS < 0 {
			return errors.New("vad.window_ms must be positive and vad.padding_ms >= 0")
		}
		switch cfg.Inference.Backend {
		case "mock", "whisper":
		case "exec":
			if cfg.Inference.Command == "" {
				return errors.New("inference.command must be set when backend=exec")
			}
		default:
			return errors.New("inference.backend must be one of mock|exec|whisper")
		}
		switch cfg.Sound.Backend {
		case "portaudio", "none":
		default:
			return errors.New("sound.backend must be one of portaudio|none")
		}
		if cfg.Sound.SampleRate <= 0 {
			return errors.New("sound.sample_rate must be positive")
		}
	}
	return nil
}
