package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
server:
  port: 9090
  stream_url: wss://agent.example.com/media-stream
deepgram:
  api_key: dg-key
elevenlabs:
  api_key: el-key
  voice_id: voice-1
openai:
  api_key: oa-key
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Server.Port)
	}
	// Defaults survive when the file omits them.
	if cfg.Deepgram.Model != "nova-2" {
		t.Fatalf("deepgram model = %q, want default nova-2", cfg.Deepgram.Model)
	}
	if cfg.Deepgram.MaxConnections != 2 {
		t.Fatalf("max connections = %d, want default 2", cfg.Deepgram.MaxConnections)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+"\nbogus_section:\n  x: 1\n"))
	if err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestEnvOverlayWins(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "env-dg")
	t.Setenv("PORT", "7070")
	t.Setenv("TTS_LANGUAGE", "hi")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Deepgram.APIKey != "env-dg" {
		t.Fatalf("deepgram key = %q, want env value", cfg.Deepgram.APIKey)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("port = %d, want env value 7070", cfg.Server.Port)
	}
	if cfg.ElevenLabs.Language != "hi" {
		t.Fatalf("tts language = %q, want hi", cfg.ElevenLabs.Language)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = -1
	cfg.Log.Level = "chatty"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	msg := err.Error()
	for _, want := range []string{
		"server.port",
		"log.level",
		"deepgram.api_key",
		"elevenlabs.api_key",
		"elevenlabs.voice_id",
		"openai.api_key",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestLoadWithoutFileUsesEnvOnly(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "dg")
	t.Setenv("ELEVENLABS_API_KEY", "el")
	t.Setenv("ELEVENLABS_VOICE_ID", "v1")
	t.Setenv("OPENAI_API_KEY", "oa")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d, want default 8080", cfg.Server.Port)
	}
}
