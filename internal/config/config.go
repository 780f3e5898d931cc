package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Session     SessionConfig     `yaml:"session"`
	Capture     CaptureConfig     `yaml:"capture"`
	STT         STTConfig         `yaml:"stt"`
	Translation TranslationConfig `yaml:"translation"`
	TTS         TTSConfig         `yaml:"tts"`
	Playback    PlaybackConfig    `yaml:"playback"`
	Router      RouterConfig      `yaml:"router"`
	Display     DisplayConfig     `yaml:"display"`
	Google      GoogleConfig      `yaml:"google"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SessionConfig holds the conversation defaults shared by every stage.
type SessionConfig struct {
	InputLanguage   string   `yaml:"input_language"`
	OutputLanguage  string   `yaml:"output_language"`
	Languages       []string `yaml:"languages"`
	SilenceTimeout  int      `yaml:"silence_timeout_ms"`
	ShutdownGraceMS int      `yaml:"shutdown_grace_ms"`
}

type CaptureConfig struct {
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	BlockSize       int     `yaml:"block_size"`
	LowLatency      bool    `yaml:"low_latency"`
	VolumeThreshold float64 `yaml:"volume_threshold"`
	PollIntervalMS  int     `yaml:"poll_interval_ms"`
	ReopenDelayMS   int     `yaml:"reopen_delay_ms"`
	QueueCapacity   int     `yaml:"queue_capacity"`
}

type STTConfig struct {
	Mode             string  `yaml:"mode"` // mock, exec, google, deepgram
	Command          string  `yaml:"command"`
	ModelPath        string  `yaml:"model_path"`
	Model            string  `yaml:"model"`
	APIKey           string  `yaml:"api_key"`
	Endpoint         string  `yaml:"endpoint"`
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
	Punctuate        bool    `yaml:"punctuate"`
	InterimResults   bool    `yaml:"interim_results"`
	PullTimeoutMS    int     `yaml:"pull_timeout_ms"`
	RetryInitialMS   int     `yaml:"retry_initial_ms"`
	RetryMaxMS       int     `yaml:"retry_max_ms"`
	RetryMultiplier  float64 `yaml:"retry_multiplier"`
	RetryJitter      float64 `yaml:"retry_jitter"`
	RetryMaxAttempts int     `yaml:"retry_max_attempts"`
}

type TranslationConfig struct {
	Mode      string `yaml:"mode"` // mock, google, openai, ollama, exec
	Endpoint  string `yaml:"endpoint"`
	Command   string `yaml:"command"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	CacheSize int    `yaml:"cache_size"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode        string `yaml:"mode"` // mock, google, exec
	Command     string `yaml:"command"`
	VoiceGender string `yaml:"voice_gender"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	TimeoutMS   int    `yaml:"timeout_ms"`
}

type PlaybackConfig struct {
	Mode       string `yaml:"mode"` // speaker, discard
	SampleRate int    `yaml:"sample_rate"`
	BufferMS   int    `yaml:"buffer_ms"`
}

type RouterConfig struct {
	QueueCapacity        int  `yaml:"queue_capacity"`
	PullTimeoutMS        int  `yaml:"pull_timeout_ms"`
	DisplayAfterPlayback bool `yaml:"display_after_playback"`
}

type DisplayConfig struct {
	Log        bool   `yaml:"log"`
	Terminal   bool   `yaml:"terminal"` // aligned lines on stderr
	BusSubject string `yaml:"bus_subject"`
}

type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	ProjectID       string `yaml:"project_id"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-interpreter",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/interpreter-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Session: SessionConfig{
			InputLanguage:   "en-US",
			OutputLanguage:  "fr-FR",
			Languages:       []string{"en-US", "fr-FR", "de-DE", "es-ES", "it-IT"},
			SilenceTimeout:  17000,
			ShutdownGraceMS: 10000,
		},
		Capture: CaptureConfig{
			SampleRate:      16000,
			Channels:        1,
			BlockSize:       1024,
			LowLatency:      true,
			VolumeThreshold: 0.005,
			PollIntervalMS:  100,
			ReopenDelayMS:   500,
			QueueCapacity:   512,
		},
		STT: STTConfig{
			Mode:             "mock",
			Model:            "nova-3",
			SampleRate:       16000,
			Channels:         1,
			Punctuate:        true,
			InterimResults:   true,
			PullTimeoutMS:    5000,
			RetryInitialMS:   1000,
			RetryMaxMS:       30000,
			RetryMultiplier:  2,
			RetryJitter:      0.2,
			RetryMaxAttempts: 0,
		},
		Translation: TranslationConfig{
			Mode:      "mock",
			CacheSize: 256,
			TimeoutMS: 15000,
		},
		TTS: TTSConfig{
			Mode:        "mock",
			VoiceGender: "neutral",
			SampleRate:  16000,
			Channels:    1,
			TimeoutMS:   30000,
		},
		Playback: PlaybackConfig{
			Mode:       "speaker",
			SampleRate: 16000,
			BufferMS:   100,
		},
		Router: RouterConfig{
			QueueCapacity:        64,
			PullTimeoutMS:        5000,
			DisplayAfterPlayback: false,
		},
		Display: DisplayConfig{
			Log:        true,
			BusSubject: "interp.transcript",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Session.InputLanguage, "LOQA_SESSION_INPUT_LANGUAGE")
	overrideString(&cfg.Session.OutputLanguage, "LOQA_SESSION_OUTPUT_LANGUAGE")
	overrideStringSlice(&cfg.Session.Languages, "LOQA_SESSION_LANGUAGES")
	overrideInt(&cfg.Session.SilenceTimeout, "LOQA_SESSION_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Session.ShutdownGraceMS, "LOQA_SESSION_SHUTDOWN_GRACE_MS")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.BlockSize, "LOQA_CAPTURE_BLOCK_SIZE")
	overrideBool(&cfg.Capture.LowLatency, "LOQA_CAPTURE_LOW_LATENCY")
	overrideFloat(&cfg.Capture.VolumeThreshold, "LOQA_CAPTURE_VOLUME_THRESHOLD")
	overrideInt(&cfg.Capture.PollIntervalMS, "LOQA_CAPTURE_POLL_INTERVAL_MS")
	overrideInt(&cfg.Capture.ReopenDelayMS, "LOQA_CAPTURE_REOPEN_DELAY_MS")
	overrideInt(&cfg.Capture.QueueCapacity, "LOQA_CAPTURE_QUEUE_CAPACITY")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideBool(&cfg.STT.Punctuate, "LOQA_STT_PUNCTUATE")
	overrideBool(&cfg.STT.InterimResults, "LOQA_STT_INTERIM_RESULTS")
	overrideInt(&cfg.STT.PullTimeoutMS, "LOQA_STT_PULL_TIMEOUT_MS")
	overrideInt(&cfg.STT.RetryInitialMS, "LOQA_STT_RETRY_INITIAL_MS")
	overrideInt(&cfg.STT.RetryMaxMS, "LOQA_STT_RETRY_MAX_MS")
	overrideFloat(&cfg.STT.RetryMultiplier, "LOQA_STT_RETRY_MULTIPLIER")
	overrideFloat(&cfg.STT.RetryJitter, "LOQA_STT_RETRY_JITTER")
	overrideInt(&cfg.STT.RetryMaxAttempts, "LOQA_STT_RETRY_MAX_ATTEMPTS")
	overrideString(&cfg.Translation.Mode, "LOQA_TRANSLATION_MODE")
	overrideString(&cfg.Translation.Endpoint, "LOQA_TRANSLATION_ENDPOINT")
	overrideString(&cfg.Translation.Command, "LOQA_TRANSLATION_COMMAND")
	overrideString(&cfg.Translation.Model, "LOQA_TRANSLATION_MODEL")
	overrideString(&cfg.Translation.APIKey, "LOQA_TRANSLATION_API_KEY")
	overrideInt(&cfg.Translation.CacheSize, "LOQA_TRANSLATION_CACHE_SIZE")
	overrideInt(&cfg.Translation.TimeoutMS, "LOQA_TRANSLATION_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.VoiceGender, "LOQA_TTS_VOICE_GENDER")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideString(&cfg.Playback.Mode, "LOQA_PLAYBACK_MODE")
	overrideInt(&cfg.Playback.SampleRate, "LOQA_PLAYBACK_SAMPLE_RATE")
	overrideInt(&cfg.Playback.BufferMS, "LOQA_PLAYBACK_BUFFER_MS")
	overrideInt(&cfg.Router.QueueCapacity, "LOQA_ROUTER_QUEUE_CAPACITY")
	overrideInt(&cfg.Router.PullTimeoutMS, "LOQA_ROUTER_PULL_TIMEOUT_MS")
	overrideBool(&cfg.Router.DisplayAfterPlayback, "LOQA_ROUTER_DISPLAY_AFTER_PLAYBACK")
	overrideBool(&cfg.Display.Log, "LOQA_DISPLAY_LOG")
	overrideBool(&cfg.Display.Terminal, "LOQA_DISPLAY_TERMINAL")
	overrideString(&cfg.Display.BusSubject, "LOQA_DISPLAY_BUS_SUBJECT")
	overrideString(&cfg.Google.CredentialsFile, "LOQA_GOOGLE_CREDENTIALS_FILE")
	overrideString(&cfg.Google.ProjectID, "LOQA_GOOGLE_PROJECT_ID")
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if err := validateSession(cfg.Session); err != nil {
		return err
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.BlockSize <= 0 {
		return errors.New("capture.block_size must be positive")
	}
	if cfg.Capture.VolumeThreshold < 0 || cfg.Capture.VolumeThreshold >= 1 {
		return errors.New("capture.volume_threshold must be within [0,1)")
	}
	if cfg.Capture.PollIntervalMS <= 0 {
		return errors.New("capture.poll_interval_ms must be positive")
	}
	if cfg.Capture.ReopenDelayMS < 0 {
		return errors.New("capture.reopen_delay_ms must be >= 0")
	}
	if cfg.Capture.QueueCapacity <= 0 {
		return errors.New("capture.queue_capacity must be positive")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "google", "deepgram":
	default:
		return errors.New("stt.mode must be one of mock|exec|google|deepgram")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "deepgram" && cfg.STT.APIKey == "" {
		return errors.New("stt.api_key must be set when mode=deepgram")
	}
	if cfg.STT.PullTimeoutMS <= 0 {
		return errors.New("stt.pull_timeout_ms must be positive")
	}
	if cfg.STT.RetryInitialMS <= 0 {
		return errors.New("stt.retry_initial_ms must be positive")
	}
	if cfg.STT.RetryMaxMS < cfg.STT.RetryInitialMS {
		return errors.New("stt.retry_max_ms must be >= stt.retry_initial_ms")
	}
	if cfg.STT.RetryJitter < 0 || cfg.STT.RetryJitter > 1 {
		return errors.New("stt.retry_jitter must be within [0,1]")
	}
	if cfg.STT.RetryMaxAttempts < 0 {
		return errors.New("stt.retry_max_attempts must be >= 0")
	}
	switch cfg.Translation.Mode {
	case "mock", "google", "openai", "ollama", "exec":
	default:
		return errors.New("translation.mode must be one of mock|google|openai|ollama|exec")
	}
	if cfg.Translation.Mode == "openai" && cfg.Translation.APIKey == "" {
		return errors.New("translation.api_key must be set when mode=openai")
	}
	if cfg.Translation.Mode == "exec" && cfg.Translation.Command == "" {
		return errors.New("translation.command must be set when mode=exec")
	}
	if cfg.Translation.CacheSize < 0 {
		return errors.New("translation.cache_size must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "google", "exec":
	default:
		return errors.New("tts.mode must be one of mock|google|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	switch strings.ToLower(cfg.TTS.VoiceGender) {
	case "neutral", "male", "female":
	default:
		return errors.New("tts.voice_gender must be one of neutral|male|female")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	switch cfg.Playback.Mode {
	case "speaker", "discard":
	default:
		return errors.New("playback.mode must be one of speaker|discard")
	}
	if cfg.Playback.SampleRate <= 0 {
		return errors.New("playback.sample_rate must be positive")
	}
	if cfg.Router.QueueCapacity <= 0 {
		return errors.New("router.queue_capacity must be positive")
	}
	if cfg.Router.PullTimeoutMS <= 0 {
		return errors.New("router.pull_timeout_ms must be positive")
	}
	return nil
}

func validateSession(cfg SessionConfig) error {
	if cfg.InputLanguage == "" || cfg.OutputLanguage == "" {
		return errors.New("session.input_language and session.output_language must not be empty")
	}
	if cfg.InputLanguage == cfg.OutputLanguage {
		return errors.New("session.input_language and session.output_language must differ")
	}
	if len(cfg.Languages) > 0 {
		if !contains(cfg.Languages, cfg.InputLanguage) {
			return fmt.Errorf("session.input_language %q is not listed in session.languages", cfg.InputLanguage)
		}
		if !contains(cfg.Languages, cfg.OutputLanguage) {
			return fmt.Errorf("session.output_language %q is not listed in session.languages", cfg.OutputLanguage)
		}
	}
	if cfg.SilenceTimeout <= 0 {
		return errors.New("session.silence_timeout_ms must be positive")
	}
	if cfg.ShutdownGraceMS < 0 {
		return errors.New("session.shutdown_grace_ms must be >= 0")
	}
	return nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
