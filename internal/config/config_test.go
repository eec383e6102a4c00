package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "port: 1080\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HandshakeBufferCap != defaultHandshakeBufferCap {
		t.Errorf("HandshakeBufferCap = %d, want %d", cfg.HandshakeBufferCap, defaultHandshakeBufferCap)
	}
	if cfg.LogLevel != defaultLogLevel || cfg.LogFormat != defaultLogFormat {
		t.Errorf("LogLevel/LogFormat = %s/%s, want defaults", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	path := writeConfig(t, "port: 0\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, "port: 1080\nlog_level: verbose\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
