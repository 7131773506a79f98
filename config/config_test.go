package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	mcp "github.com/Marways7/AiliaoX-sub000"
	"github.com/Marways7/AiliaoX-sub000/config"
)

const sampleConfig = `
default_server: db
retry:
  max_retries: 5
  retry_delay: 2s
  backoff_multiplier: 1.5
servers:
  db:
    command: /usr/local/bin/db-server
    args: ["--readonly"]
    env:
      DB_PATH: /var/lib/db
    cwd: /tmp
    timeout: 45s
    allowed_tools: ["db_*"]
  files:
    command: /usr/local/bin/file-server
`

func TestParse(t *testing.T) {
	cfg, err := config.Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.DefaultServer() != "db" {
		t.Errorf("expected default server db, got %s", cfg.DefaultServer())
	}

	server, err := cfg.Server("db")
	if err != nil {
		t.Fatalf("Server(db): %v", err)
	}
	if server.Command != "/usr/local/bin/db-server" {
		t.Errorf("unexpected command %s", server.Command)
	}
	if len(server.Args) != 1 || server.Args[0] != "--readonly" {
		t.Errorf("unexpected args %v", server.Args)
	}
	if server.Env["DB_PATH"] != "/var/lib/db" {
		t.Errorf("unexpected env %v", server.Env)
	}
	if server.Timeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %s", server.Timeout)
	}
	if len(server.AllowedTools) != 1 || server.AllowedTools[0] != "db_*" {
		t.Errorf("unexpected allowed tools %v", server.AllowedTools)
	}

	retry := cfg.RetryPolicy()
	if retry.MaxRetries != 5 {
		t.Errorf("expected max retries 5, got %d", retry.MaxRetries)
	}
	if retry.RetryDelay != 2*time.Second {
		t.Errorf("expected retry delay 2s, got %s", retry.RetryDelay)
	}
	if retry.BackoffMultiplier != 1.5 {
		t.Errorf("expected backoff multiplier 1.5, got %f", retry.BackoffMultiplier)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte("servers:\n  only:\n    command: /bin/server\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// A single configured server is the implied default.
	if cfg.DefaultServer() != "only" {
		t.Errorf("expected implied default only, got %q", cfg.DefaultServer())
	}

	retry := cfg.RetryPolicy()
	if retry.MaxRetries != 3 || retry.RetryDelay != time.Second || retry.BackoffMultiplier != 2.0 {
		t.Errorf("expected default retry policy, got %+v", retry)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "no servers",
			input: "retry:\n  max_retries: 3\n",
		},
		{
			name:  "missing command",
			input: "servers:\n  db:\n    args: [\"--readonly\"]\n",
		},
		{
			name:  "unknown default",
			input: "default_server: ghost\nservers:\n  db:\n    command: /bin/db\n",
		},
		{
			name:  "negative timeout",
			input: "servers:\n  db:\n    command: /bin/db\n    timeout: -5s\n",
		},
		{
			name:  "bad allowed tools pattern",
			input: "servers:\n  db:\n    command: /bin/db\n    allowed_tools: [\"[\"]\n",
		},
		{
			name:  "not yaml",
			input: "{{{",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := config.Parse([]byte(tt.input)); err == nil {
				t.Error("expected a parse or validation error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.Server("files"); err != nil {
		t.Errorf("Server(files): %v", err)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestServerNotFound(t *testing.T) {
	cfg, err := config.Parse([]byte("servers:\n  db:\n    command: /bin/db\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	_, err = cfg.Server("ghost")
	if !errors.Is(err, mcp.ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MCPCLI_DEFAULT_SERVER", "files")
	t.Setenv("MCPCLI_RETRY_MAX", "7")
	t.Setenv("MCPCLI_RETRY_DELAY", "500ms")

	cfg, err := config.Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.DefaultServer() != "files" {
		t.Errorf("expected env override of default server, got %s", cfg.DefaultServer())
	}
	retry := cfg.RetryPolicy()
	if retry.MaxRetries != 7 {
		t.Errorf("expected max retries 7, got %d", retry.MaxRetries)
	}
	if retry.RetryDelay != 500*time.Millisecond {
		t.Errorf("expected retry delay 500ms, got %s", retry.RetryDelay)
	}
}
