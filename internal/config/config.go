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
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // json, console
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	MetricsPath  string `yaml:"metrics_path"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Router      RouterConfig     `yaml:"router"`
	Gateway     GatewayConfig    `yaml:"gateway"`
}

type BusConfig struct {
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

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
	QueueCapacity   int    `yaml:"queue_capacity"`
}

type LLMConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Mode             string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint         string  `yaml:"endpoint"`
	Command          string  `yaml:"command"`
	APIKey           string  `yaml:"api_key"`
	Model            string  `yaml:"model"`
	SystemPrompt     string  `yaml:"system_prompt"`
	Greeting         string  `yaml:"greeting"`
	MaxHistory       int     `yaml:"max_history"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
	QueueCapacity    int     `yaml:"queue_capacity"`
	QueueOverflow    string  `yaml:"queue_overflow"`
}

type TTSConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Mode             string `yaml:"mode"` // mock, exec, http, websocket
	Command          string `yaml:"command"`
	Endpoint         string `yaml:"endpoint"`
	APIKey           string `yaml:"api_key"`
	Voice            string `yaml:"voice"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	BytesPerSample   int    `yaml:"bytes_per_sample"`
	ChunkDurationMS  int    `yaml:"chunk_duration_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	QueueCapacity    int    `yaml:"queue_capacity"`
	QueueOverflow    string `yaml:"queue_overflow"`
}

type RouterConfig struct {
	Enabled          bool `yaml:"enabled"`
	InterruptOnFinal bool `yaml:"interrupt_on_final"`
	Captions         bool `yaml:"captions"`
}

type GatewayConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Path           string   `yaml:"path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-stream",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
			QueueCapacity:   256,
		},
		LLM: LLMConfig{
			Enabled:          false,
			Mode:             "mock",
			Endpoint:         "http://localhost:11434",
			Model:            "llama3.2:latest",
			SystemPrompt:     "You are a helpful voice assistant. Keep answers short.",
			MaxHistory:       10,
			MaxTokens:        256,
			Temperature:      0.7,
			RequestTimeoutMS: 60000,
			QueueOverflow:    "drop_oldest",
		},
		TTS: TTSConfig{
			Enabled:          false,
			Mode:             "mock",
			SampleRate:       22050,
			Channels:         1,
			BytesPerSample:   2,
			ChunkDurationMS:  400,
			RequestTimeoutMS: 30000,
			QueueOverflow:    "drop_oldest",
		},
		Router: RouterConfig{
			Enabled:          true,
			InterruptOnFinal: true,
			Captions:         true,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Path:    "/ws",
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
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.MetricsPath, "LOQA_TELEMETRY_METRICS_PATH")
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
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "LOQA_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.QueueCapacity, "LOQA_STT_QUEUE_CAPACITY")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.SystemPrompt, "LOQA_LLM_SYSTEM_PROMPT")
	overrideString(&cfg.LLM.Greeting, "LOQA_LLM_GREETING")
	overrideInt(&cfg.LLM.MaxHistory, "LOQA_LLM_MAX_HISTORY")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.RequestTimeoutMS, "LOQA_LLM_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.LLM.QueueCapacity, "LOQA_LLM_QUEUE_CAPACITY")
	overrideString(&cfg.LLM.QueueOverflow, "LOQA_LLM_QUEUE_OVERFLOW")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.BytesPerSample, "LOQA_TTS_BYTES_PER_SAMPLE")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "LOQA_TTS_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.TTS.QueueCapacity, "LOQA_TTS_QUEUE_CAPACITY")
	overrideString(&cfg.TTS.QueueOverflow, "LOQA_TTS_QUEUE_OVERFLOW")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
	overrideBool(&cfg.Router.InterruptOnFinal, "LOQA_ROUTER_INTERRUPT_ON_FINAL")
	overrideBool(&cfg.Router.Captions, "LOQA_ROUTER_CAPTIONS")
	overrideBool(&cfg.Gateway.Enabled, "LOQA_GATEWAY_ENABLED")
	overrideString(&cfg.Gateway.Path, "LOQA_GATEWAY_PATH")
	overrideStringSlice(&cfg.Gateway.AllowedOrigins, "LOQA_GATEWAY_ALLOWED_ORIGINS")
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "", "json", "console":
	default:
		return errors.New("telemetry.log_format must be one of json|console")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		return errors.New("telemetry.metrics_path must start with /")
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.QueueCapacity < 0 {
			return errors.New("stt.queue_capacity must be >= 0")
		}
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "openai", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|openai|exec")
		}
		if (cfg.LLM.Mode == "ollama" || cfg.LLM.Mode == "openai") && cfg.LLM.Endpoint == "" {
			return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
		if cfg.LLM.MaxHistory < 0 {
			return errors.New("llm.max_history must be >= 0")
		}
		if err := validateQueue("llm", cfg.LLM.QueueCapacity, cfg.LLM.QueueOverflow); err != nil {
			return err
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec", "http", "websocket":
		default:
			return errors.New("tts.mode must be one of mock|exec|http|websocket")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.Mode == "http" || cfg.TTS.Mode == "websocket" {
			if cfg.TTS.Endpoint == "" {
				return fmt.Errorf("tts.endpoint must be set when mode=%s", cfg.TTS.Mode)
			}
			if cfg.TTS.APIKey == "" {
				return fmt.Errorf("tts.api_key must be set when mode=%s", cfg.TTS.Mode)
			}
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.BytesPerSample <= 0 {
			return errors.New("tts.bytes_per_sample must be positive")
		}
		if err := validateQueue("tts", cfg.TTS.QueueCapacity, cfg.TTS.QueueOverflow); err != nil {
			return err
		}
	}
	if cfg.Gateway.Enabled && !strings.HasPrefix(cfg.Gateway.Path, "/") {
		return errors.New("gateway.path must start with /")
	}
	return nil
}

func validateQueue(section string, capacity int, overflow string) error {
	if capacity < 0 {
		return fmt.Errorf("%s.queue_capacity must be >= 0", section)
	}
	switch overflow {
	case "", "drop_oldest", "reject_new":
	default:
		return fmt.Errorf("%s.queue_overflow must be one of drop_oldest|reject_new", section)
	}
	return nil
}
