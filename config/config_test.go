package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port=%q, want 8080", cfg.Port)
	}
	if got, want := len(cfg.AllowedOrigins), 2; got != want {
		t.Fatalf("len(AllowedOrigins)=%d, want %d", got, want)
	}
	if cfg.Game.TickInterval != 33*time.Millisecond {
		t.Fatalf("TickInterval=%s, want 33ms", cfg.Game.TickInterval)
	}
	if cfg.Signaling.NegotiationTimeout != 30*time.Second {
		t.Fatalf("NegotiationTimeout=%s, want 30s", cfg.Signaling.NegotiationTimeout)
	}
	if cfg.RedisAddr() != "localhost:6379" {
		t.Fatalf("RedisAddr=%q", cfg.RedisAddr())
	}

	servers := cfg.ICEServers()
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("ICEServers=%+v, want default STUN only", servers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , https://b.example,")
	t.Setenv("TICK_INTERVAL", "50ms")
	t.Setenv("MESSAGE_CODEC", "msgpack")
	t.Setenv("TURN_URLS", "turn:turn.example:3478")
	t.Setenv("TURN_USERNAME", "u")
	t.Setenv("TURN_CREDENTIAL", "p")
	t.Setenv("SIGNAL_SERVER_URL", "ws://localhost:8080/")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9999" {
		t.Fatalf("Port=%q, want 9999", cfg.Port)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://a.example|https://b.example" {
		t.Fatalf("AllowedOrigins=%q", cfg.AllowedOrigins)
	}
	if cfg.Game.TickInterval != 50*time.Millisecond {
		t.Fatalf("TickInterval=%s", cfg.Game.TickInterval)
	}
	if cfg.Game.Codec != "msgpack" {
		t.Fatalf("Codec=%q", cfg.Game.Codec)
	}
	if cfg.Signaling.ServerURL != "ws://localhost:8080" {
		t.Fatalf("ServerURL=%q", cfg.Signaling.ServerURL)
	}

	servers := cfg.ICEServers()
	if len(servers) != 2 {
		t.Fatalf("len(ICEServers)=%d, want 2", len(servers))
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Fatalf("TURN server=%+v", servers[1])
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomlink.yaml")
	if err := os.WriteFile(path, []byte("port: \"7000\"\nnegotiation_timeout: 10s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "7001")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "7001" {
		t.Fatalf("Port=%q, want env to win over file", cfg.Port)
	}
	if cfg.Signaling.NegotiationTimeout != 10*time.Second {
		t.Fatalf("NegotiationTimeout=%s, want 10s from file", cfg.Signaling.NegotiationTimeout)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad codec", map[string]string{"MESSAGE_CODEC": "xml"}, "MESSAGE_CODEC"},
		{"zero tick", map[string]string{"TICK_INTERVAL": "0s"}, "TICK_INTERVAL"},
		{"turn without user", map[string]string{"TURN_URLS": "turn:x"}, "TURN_USERNAME"},
		{"default secret in production", map[string]string{"ENVIRONMENT": "production"}, "JWT_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil {
				t.Fatalf("Load succeeded, want error mentioning %s", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want mention of %s", err, tt.want)
			}
		})
	}
}
