// Package config loads scribe's settings from a YAML file, a .env file and
// SCRIBE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"scribe/pcm"
)

type STTConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	Provider string `yaml:"provider"`
	Format   string `yaml:"format"`
	// Timeouts in milliseconds.
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`
	WriteTimeoutMS   int `yaml:"write_timeout_ms"`
	FinalTimeoutMS   int `yaml:"final_timeout_ms"`
}

type AudioConfig struct {
	Device     string  `yaml:"device"`
	DeviceRate int     `yaml:"device_rate"`
	SampleRate int     `yaml:"sample_rate"`
	ChunkSize  int     `yaml:"chunk_size"`
	QueueDepth int     `yaml:"queue_depth"`
	Gain       float64 `yaml:"gain"`
}

type KafkaConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	Principal string   `yaml:"principal"`
}

type Config struct {
	STT         STTConfig   `yaml:"stt"`
	Audio       AudioConfig `yaml:"audio"`
	Kafka       KafkaConfig `yaml:"kafka"`
	MetricsAddr string      `yaml:"metrics_addr"`
	Hotkey      string      `yaml:"hotkey"`
	LogPath     string      `yaml:"log_path"`
}

func Default() Config {
	return Config{
		STT: STTConfig{
			URL:              "ws://127.0.0.1:8765/stream",
			Provider:         "default",
			Format:           pcm.Encoding,
			ConnectTimeoutMS: 10000,
			WriteTimeoutMS:   5000,
			FinalTimeoutMS:   15000,
		},
		Audio: AudioConfig{
			SampleRate: pcm.DefaultTargetRate,
			ChunkSize:  pcm.DefaultChunkSize,
			QueueDepth: 64,
			Gain:       1,
		},
		Kafka: KafkaConfig{
			Topic: "scribe.transcripts",
		},
		Hotkey: "ctrl+shift+space",
	}
}

// Load reads path (if non-empty), then .env from the working directory,
// then the environment. A missing .env is not an error; a missing config
// file is.
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

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.STT.URL, "SCRIBE_STT_URL")
	overrideString(&cfg.STT.Token, "SCRIBE_STT_TOKEN")
	overrideString(&cfg.STT.Provider, "SCRIBE_STT_PROVIDER")
	overrideString(&cfg.STT.Format, "SCRIBE_STT_FORMAT")
	overrideInt(&cfg.STT.ConnectTimeoutMS, "SCRIBE_STT_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.STT.WriteTimeoutMS, "SCRIBE_STT_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.STT.FinalTimeoutMS, "SCRIBE_STT_FINAL_TIMEOUT_MS")
	overrideString(&cfg.Audio.Device, "SCRIBE_DEVICE")
	overrideInt(&cfg.Audio.DeviceRate, "SCRIBE_DEVICE_RATE")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_SAMPLE_RATE")
	overrideInt(&cfg.Audio.ChunkSize, "SCRIBE_CHUNK_SIZE")
	overrideInt(&cfg.Audio.QueueDepth, "SCRIBE_QUEUE_DEPTH")
	overrideFloat(&cfg.Audio.Gain, "SCRIBE_GAIN")
	overrideBool(&cfg.Kafka.Enabled, "SCRIBE_KAFKA_ENABLED")
	overrideStringSlice(&cfg.Kafka.Brokers, "SCRIBE_KAFKA_BROKERS")
	overrideString(&cfg.Kafka.Topic, "SCRIBE_KAFKA_TOPIC")
	overrideString(&cfg.Kafka.Principal, "SCRIBE_KAFKA_PRINCIPAL")
	overrideString(&cfg.MetricsAddr, "SCRIBE_METRICS_ADDR")
	overrideString(&cfg.Hotkey, "SCRIBE_HOTKEY")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var out []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			*target = out
		}
	}
}

func (c Config) Validate() error {
	if c.STT.URL == "" {
		return errors.New("stt.url must not be empty")
	}
	if !strings.HasPrefix(c.STT.URL, "ws://") && !strings.HasPrefix(c.STT.URL, "wss://") {
		return fmt.Errorf("stt.url must be a ws:// or wss:// url, got %q", c.STT.URL)
	}
	if c.STT.Format == "" {
		return errors.New("stt.format must not be empty")
	}
	if c.STT.ConnectTimeoutMS <= 0 {
		return errors.New("stt.connect_timeout_ms must be positive")
	}
	if c.STT.WriteTimeoutMS <= 0 {
		return errors.New("stt.write_timeout_ms must be positive")
	}
	if c.STT.FinalTimeoutMS < 0 {
		return errors.New("stt.final_timeout_ms must be >= 0")
	}
	if c.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if c.Audio.DeviceRate < 0 {
		return errors.New("audio.device_rate must be >= 0")
	}
	if c.Audio.ChunkSize <= 0 {
		return errors.New("audio.chunk_size must be positive")
	}
	if c.Audio.QueueDepth <= 0 {
		return errors.New("audio.queue_depth must be positive")
	}
	if c.Audio.Gain <= 0 {
		return errors.New("audio.gain must be positive")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers must not be empty when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka.topic must not be empty when kafka is enabled")
		}
	}
	return nil
}

func (c STTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c STTConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

func (c STTConfig) FinalTimeout() time.Duration {
	return time.Duration(c.FinalTimeoutMS) * time.Millisecond
}

// Header carries the bearer token, if any, for the websocket handshake.
func (c STTConfig) Header() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}
