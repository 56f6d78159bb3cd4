package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// chdir moves into a fresh directory so a developer's .env does not leak in.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdir(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.ChunkSize != 2048 {
		t.Errorf("audio defaults %+v", cfg.Audio)
	}
	if cfg.STT.Format != "pcm16" {
		t.Errorf("format %q", cfg.STT.Format)
	}
	if cfg.STT.ConnectTimeout() != 10*time.Second {
		t.Errorf("connect timeout %v", cfg.STT.ConnectTimeout())
	}
}

func TestLoadFile(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "scribe.yaml")
	data := `
stt:
  url: wss://stt.example.com/v1/stream
  provider: deepgram
audio:
  sample_rate: 8000
  chunk_size: 1024
kafka:
  enabled: true
  brokers: [k1:9092]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.URL != "wss://stt.example.com/v1/stream" || cfg.STT.Provider != "deepgram" {
		t.Errorf("stt %+v", cfg.STT)
	}
	if cfg.Audio.SampleRate != 8000 || cfg.Audio.ChunkSize != 1024 {
		t.Errorf("audio %+v", cfg.Audio)
	}
	// Untouched keys keep their defaults.
	if cfg.Audio.QueueDepth != 64 || cfg.Kafka.Topic != "scribe.transcripts" {
		t.Errorf("defaults lost: %+v %+v", cfg.Audio, cfg.Kafka)
	}
}

func TestLoadMissingFile(t *testing.T) {
	chdir(t)
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	chdir(t)
	t.Setenv("SCRIBE_STT_URL", "ws://localhost:9000/ws")
	t.Setenv("SCRIBE_SAMPLE_RATE", "24000")
	t.Setenv("SCRIBE_GAIN", "1.5")
	t.Setenv("SCRIBE_KAFKA_ENABLED", "true")
	t.Setenv("SCRIBE_KAFKA_BROKERS", "one:9092, two:9092,")
	t.Setenv("SCRIBE_CHUNK_SIZE", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.URL != "ws://localhost:9000/ws" {
		t.Errorf("url %q", cfg.STT.URL)
	}
	if cfg.Audio.SampleRate != 24000 || cfg.Audio.Gain != 1.5 {
		t.Errorf("audio %+v", cfg.Audio)
	}
	if cfg.Audio.ChunkSize != 2048 {
		t.Errorf("bad int override applied: %d", cfg.Audio.ChunkSize)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "two:9092" {
		t.Errorf("kafka %+v", cfg.Kafka)
	}
}

func TestDotEnv(t *testing.T) {
	dir := chdir(t)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SCRIBE_STT_PROVIDER=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// godotenv never overwrites a variable that is already set, so start
	// from unset; t.Setenv restores the original afterwards.
	t.Setenv("SCRIBE_STT_PROVIDER", "")
	os.Unsetenv("SCRIBE_STT_PROVIDER")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.Provider != "from-dotenv" {
		t.Errorf("provider %q", cfg.STT.Provider)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty url", func(c *Config) { c.STT.URL = "" }},
		{"http url", func(c *Config) { c.STT.URL = "http://x" }},
		{"zero rate", func(c *Config) { c.Audio.SampleRate = 0 }},
		{"zero chunk", func(c *Config) { c.Audio.ChunkSize = 0 }},
		{"negative final timeout", func(c *Config) { c.STT.FinalTimeoutMS = -1 }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }},
		{"zero gain", func(c *Config) { c.Audio.Gain = 0 }},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
