// Package config loads the agent's configuration from a YAML file with an
// environment-variable overlay. Unknown YAML keys are rejected so typos fail
// loudly at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full agent configuration.
type Config struct {
	Server     Server     `yaml:"server"`
	Log        Log        `yaml:"log"`
	Deepgram   Deepgram   `yaml:"deepgram"`
	ElevenLabs ElevenLabs `yaml:"elevenlabs"`
	OpenAI     OpenAI     `yaml:"openai"`
	Twilio     Twilio     `yaml:"twilio"`
	Postgres   Postgres   `yaml:"postgres"`
	Phonebook  Phonebook  `yaml:"phonebook"`
}

type Server struct {
	// Port the HTTP server listens on.
	Port int `yaml:"port"`

	// StreamURL is the public wss:// address of the media-stream endpoint,
	// handed to the carrier in TwiML documents.
	StreamURL string `yaml:"stream_url"`
}

type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

type Deepgram struct {
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`

	// MaxConnections caps concurrent transcription sockets.
	MaxConnections int `yaml:"max_connections"`
}

type ElevenLabs struct {
	APIKey          string `yaml:"api_key"`
	VoiceID         string `yaml:"voice_id"`
	FallbackVoiceID string `yaml:"fallback_voice_id"`
	ModelID         string `yaml:"model_id"`

	// Language is the reply language target, e.g. "en" or "hi".
	Language string `yaml:"language"`
}

type OpenAI struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type Twilio struct {
	AccountSID string `yaml:"account_sid"`
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	AppSID     string `yaml:"app_sid"`
	FromNumber string `yaml:"from_number"`
}

type Postgres struct {
	// DSN is the connection string; empty disables the Postgres audit store.
	DSN string `yaml:"dsn"`
}

type Phonebook struct {
	Path string `yaml:"path"`
}

// Default returns a config with sane development defaults.
func Default() Config {
	return Config{
		Server: Server{Port: 8080},
		Log:    Log{Level: "info", Format: "text"},
		Deepgram: Deepgram{
			Model:          "nova-2",
			Language:       "en",
			MaxConnections: 2,
		},
		ElevenLabs: ElevenLabs{
			ModelID:  "eleven_turbo_v2_5",
			Language: "en",
		},
		OpenAI:    OpenAI{Model: "gpt-4o-mini"},
		Phonebook: Phonebook{Path: "phonebook.yaml"},
	}
}

// Load reads the YAML file at path (optional; empty path skips the file),
// applies the environment overlay, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables over the file values. Environment
// wins.
func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	setStr(&c.Server.StreamURL, "OUTBOUND_WS_URL")

	setStr(&c.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	setStr(&c.ElevenLabs.APIKey, "ELEVENLABS_API_KEY")
	setStr(&c.ElevenLabs.VoiceID, "ELEVENLABS_VOICE_ID")
	setStr(&c.ElevenLabs.Language, "TTS_LANGUAGE")
	setStr(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setStr(&c.OpenAI.Model, "OPENAI_MODEL")

	setStr(&c.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setStr(&c.Twilio.APIKey, "TWILIO_API_KEY")
	setStr(&c.Twilio.APISecret, "TWILIO_API_SECRET")
	setStr(&c.Twilio.AppSID, "TWILIO_APP_SID")
	setStr(&c.Twilio.FromNumber, "TWILIO_FROM_NUMBER")

	setStr(&c.Postgres.DSN, "POSTGRES_DSN")
	setStr(&c.Phonebook.Path, "PHONEBOOK_PATH")
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q unknown", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q unknown", c.Log.Format))
	}

	if c.Deepgram.APIKey == "" {
		errs = append(errs, errors.New("deepgram.api_key missing"))
	}
	if c.Deepgram.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("deepgram.max_connections %d must be positive", c.Deepgram.MaxConnections))
	}
	if c.ElevenLabs.APIKey == "" {
		errs = append(errs, errors.New("elevenlabs.api_key missing"))
	}
	if c.ElevenLabs.VoiceID == "" {
		errs = append(errs, errors.New("elevenlabs.voice_id missing"))
	}
	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key missing"))
	}

	return errors.Join(errs...)
}
