package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	keys := []string{
		"APP_PORT", "DATABASE_DSN", "JWT_SECRET", "APP_ENV",
		"HEARTBEAT_TIMEOUT_SECONDS", "TYPING_TIMEOUT_SECONDS",
		"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Env != "dev" {
		t.Errorf("Env = %q, want dev", cfg.Env)
	}
	if cfg.HeartbeatTimeoutSeconds != 60 {
		t.Errorf("HeartbeatTimeoutSeconds = %d, want 60", cfg.HeartbeatTimeoutSeconds)
	}
	if cfg.TypingTimeoutSeconds != 10 {
		t.Errorf("TypingTimeoutSeconds = %d, want 10", cfg.TypingTimeoutSeconds)
	}
	if cfg.SMTPPort != 587 {
		t.Errorf("SMTPPort = %d, want 587", cfg.SMTPPort)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("HEARTBEAT_TIMEOUT_SECONDS", "30")
	t.Setenv("TYPING_TIMEOUT_SECONDS", "5")
	t.Setenv("SMTP_HOST", "smtp.example.com")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.Env != "prod" {
		t.Errorf("Env = %q, want prod", cfg.Env)
	}
	if cfg.HeartbeatTimeoutSeconds != 30 {
		t.Errorf("HeartbeatTimeoutSeconds = %d, want 30", cfg.HeartbeatTimeoutSeconds)
	}
	if cfg.TypingTimeoutSeconds != 5 {
		t.Errorf("TypingTimeoutSeconds = %d, want 5", cfg.TypingTimeoutSeconds)
	}
	if cfg.SMTPHost != "smtp.example.com" {
		t.Errorf("SMTPHost = %q, want smtp.example.com", cfg.SMTPHost)
	}
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("HEARTBEAT_TIMEOUT_SECONDS", "not-a-number")
	t.Setenv("TYPING_TIMEOUT_SECONDS", "-3")

	cfg := Load()

	if cfg.HeartbeatTimeoutSeconds != 60 {
		t.Errorf("HeartbeatTimeoutSeconds = %d, want default 60", cfg.HeartbeatTimeoutSeconds)
	}
	if cfg.TypingTimeoutSeconds != 10 {
		t.Errorf("TypingTimeoutSeconds = %d, want default 10", cfg.TypingTimeoutSeconds)
	}
}
