package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("output: plain\nretries: 1\nchain:\n  id: 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("WEB3CHAT_OUTPUT", "json")
	t.Setenv("WEB3CHAT_CHAIN_ID", "137")
	flags := GlobalFlags{ConfigPath: configPath, Plain: true, Retries: 5}
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Retries != 5 {
		t.Fatalf("expected retries from flags, got %d", settings.Retries)
	}
	if settings.ChainID != 137 {
		t.Fatalf("expected env chain id to beat file, got %d", settings.ChainID)
	}
}

func TestLoadMutuallyExclusiveOutputFlags(t *testing.T) {
	_, err := Load(GlobalFlags{JSON: true, Plain: true, Retries: -1})
	if err == nil {
		t.Fatal("expected error with --json and --plain")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	settings, err := Load(GlobalFlags{Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.QueueExpiry != 30*time.Second {
		t.Fatalf("expected 30s queue expiry, got %s", settings.QueueExpiry)
	}
	if settings.CompletionTimeout != 30*time.Second {
		t.Fatalf("expected 30s completion timeout, got %s", settings.CompletionTimeout)
	}
	if settings.ChainBackend != "simulated" {
		t.Fatalf("expected simulated chain backend, got %s", settings.ChainBackend)
	}
	if settings.Temperature != 0.7 || settings.TopP != 0.9 || settings.MaxTokens != 2000 {
		t.Fatalf("unexpected completion defaults: %+v", settings)
	}
}

func TestLoadProviderKeyFromNamedEnv(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	body := "providers:\n  detect: sensay\n  sensay:\n    api_key_env: MY_SENSAY_SECRET\n    replica_id: r-1\nqueue:\n  expiry: 5s\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MY_SENSAY_SECRET", "s3cret")
	settings, err := Load(GlobalFlags{ConfigPath: configPath, Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.Sensay.APIKey != "s3cret" || settings.Sensay.ReplicaID != "r-1" {
		t.Fatalf("unexpected sensay settings: %+v", settings.Sensay)
	}
	if settings.DetectProvider != "sensay" {
		t.Fatalf("unexpected detect provider: %s", settings.DetectProvider)
	}
	if settings.QueueExpiry != 5*time.Second {
		t.Fatalf("expected queue expiry from file, got %s", settings.QueueExpiry)
	}
}

func TestLoadRejectsUnknownChainBackend(t *testing.T) {
	if _, err := Load(GlobalFlags{ChainBackend: "solana", Retries: -1}); err == nil {
		t.Fatal("expected error for unsupported chain backend")
	}
}
