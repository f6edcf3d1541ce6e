package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseByteSize_K8sAndCommonUnits(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"1Ki", 1024},
		{"1KiB", 1024},
		{"2Mi", 2 * 1024 * 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"3Gi", 3 * 1024 * 1024 * 1024},
		{"10KB", 10 * 1000},
		{"10MB", 10 * 1000 * 1000},
		{"2GB", 2 * 1000 * 1000 * 1000},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	if _, err := ParseByteSize("bad"); err == nil {
		t.Fatalf("expected error for invalid unit")
	}
}

func TestLoad_WithEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	t.Setenv("KLING_KEY", "secret123")

	yaml := `
server:
  address: ":0"
  publicUrl: "https://clips.example.com/"
  readTimeout: 1s
  maxBodySize: 1Mi
  storageDir: "` + escapeBackslashes(dir) + `"
  apiKey: "key123"
  adminSecret: "admin"

provider:
  primary: "kling"
  fallbacks: ["mock"]
  quotaCooldown: 2m
  kling:
    apiKey: "${KLING_KEY}"

actors:
  anna: "https://img.example.com/anna.png"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}

	if cfg.Server.Addr != ":0" {
		t.Fatalf("address = %q", cfg.Server.Addr)
	}
	if cfg.Server.PublicURL != "https://clips.example.com" {
		t.Fatalf("publicUrl not trimmed: %q", cfg.Server.PublicURL)
	}
	if uint64(cfg.Server.MaxBodySize) != 1024*1024 {
		t.Fatalf("maxBodySize not parsed: %d", cfg.Server.MaxBodySize)
	}
	if cfg.Provider.Kling.APIKey != "secret123" {
		t.Fatalf("env expansion for kling key failed")
	}
	if cfg.Provider.QuotaCooldown != 2*time.Minute {
		t.Fatalf("quotaCooldown = %v", cfg.Provider.QuotaCooldown)
	}
	if cfg.Database.Driver != "sqlite" || !strings.HasSuffix(cfg.Database.Path, "clipforge.db") {
		t.Fatalf("database defaults mismatch: %+v", cfg.Database)
	}
	if cfg.Storage.PublicBaseURL != "https://clips.example.com/assets" {
		t.Fatalf("storage public url = %q", cfg.Storage.PublicBaseURL)
	}
	if cfg.Recovery.StaleAfter != 30*time.Minute {
		t.Fatalf("staleAfter default = %v", cfg.Recovery.StaleAfter)
	}
	if cfg.Stream.Interval != 3*time.Second || cfg.Stream.MaxTicks != 100 || cfg.Stream.MaxDuration != 5*time.Minute {
		t.Fatalf("stream defaults mismatch: %+v", cfg.Stream)
	}
	if cfg.Server.WriteTimeout <= cfg.Stream.MaxDuration {
		t.Fatalf("write timeout %v must outlive streams", cfg.Server.WriteTimeout)
	}
	if cfg.Actors["anna"] == "" {
		t.Fatalf("actors not parsed")
	}
}

func TestParse_Validation(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": "database:\n  driver: postgres\n",
		"unknown provider":     "provider:\n  primary: sora\n",
		"kling without key":    "provider:\n  primary: kling\n",
		"unknown llm":          "llm:\n  provider: other\n",
		"bad log format":       "server:\n  logFormat: xml\n",
	}
	for name, doc := range cases {
		doc = "server:\n  storageDir: \"" + escapeBackslashes(t.TempDir()) + "\"\n" + strings.TrimPrefix(doc, "server:\n")
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func escapeBackslashes(p string) string {
	return strings.ReplaceAll(p, `\`, `\\`)
}
