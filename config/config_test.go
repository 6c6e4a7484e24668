package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, _, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Port)
	}
	if cfg.TierLimits.Free != 10 || cfg.TierLimits.Pro != 100 || cfg.TierLimits.Enterprise != 1000 {
		t.Fatalf("tier limits = %+v", cfg.TierLimits)
	}
	if cfg.MessageBufferBytes != 10<<20 {
		t.Fatalf("messageBufferBytes = %d, want 10MiB", cfg.MessageBufferBytes)
	}
	if cfg.BufferTTL() != 5*time.Minute || cfg.IdleTimeout() != 5*time.Minute {
		t.Fatalf("ttl = %s idle = %s, want 5m each", cfg.BufferTTL(), cfg.IdleTimeout())
	}
	if cfg.Webhook.MaxAttempts != 5 || cfg.Webhook.JitterPct != 0.2 {
		t.Fatalf("webhook defaults = %+v", cfg.Webhook)
	}
	if cfg.CircuitBreaker.MinSamples != 10 || cfg.CircuitBreaker.ErrorRatePct != 50 {
		t.Fatalf("circuit defaults = %+v", cfg.CircuitBreaker)
	}
	if cfg.TLS.Enabled() {
		t.Fatalf("tls should be disabled by default")
	}
}

func TestLoadReadsConfigFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	data := []byte("port: 9999\ntierLimits:\n  free: 2\nwebhook:\n  maxAttempts: 7\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("config_file", path, "")

	cfg, v, err := Load(flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v == nil {
		t.Fatalf("expected a viper handle for live reload")
	}
	if cfg.Port != 9999 {
		t.Fatalf("port = %d, want 9999 from file", cfg.Port)
	}
	if cfg.TierLimits.Free != 2 {
		t.Fatalf("free tier = %d, want 2 from file", cfg.TierLimits.Free)
	}
	if cfg.TierLimits.Pro != 100 {
		t.Fatalf("pro tier = %d, want default 100 to survive partial override", cfg.TierLimits.Pro)
	}
	if cfg.Webhook.MaxAttempts != 7 {
		t.Fatalf("maxAttempts = %d, want 7 from file", cfg.Webhook.MaxAttempts)
	}
}

func TestLoadRejectsMissingConfigFile(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("config_file", "/nonexistent/relay.yaml", "")

	if _, _, err := Load(flags); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}
