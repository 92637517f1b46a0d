package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	v := viper.New()
	if err := Init(v, ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	v.Set("credential", "opaque")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.APIBase != def.APIBase || cfg.Request.Timeout != def.Request.Timeout || cfg.Sync.FailurePolicy != PolicyResync {
		t.Fatalf("unexpected config %#v", cfg)
	}
	if cfg.Stream.PingInterval != 30*time.Second {
		t.Fatalf("unexpected ping interval %v", cfg.Stream.PingInterval)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("TASKCOLLABO_API_BASE", "https://board.example.com/")
	t.Setenv("TASKCOLLABO_BOARD_ID", "7")
	t.Setenv("TASKCOLLABO_CREDENTIAL", "Bearer abc")
	t.Setenv("TASKCOLLABO_REQUEST_RETRIES", "5")
	t.Setenv("TASKCOLLABO_STREAM_RECONNECT_MAX", "1m")
	t.Setenv("TASKCOLLABO_SYNC_FAILURE_POLICY", "keep")

	v := viper.New()
	if err := Init(v, ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBase != "https://board.example.com" {
		t.Fatalf("trailing slash should be trimmed: %q", cfg.APIBase)
	}
	if cfg.BoardID != "7" || cfg.Request.Retries != 5 || cfg.Stream.ReconnectMax != time.Minute {
		t.Fatalf("env overrides not applied: %#v", cfg)
	}
	if cfg.Sync.FailurePolicy != PolicyKeep {
		t.Fatalf("unexpected policy %s", cfg.Sync.FailurePolicy)
	}
	if cfg.CredentialValue().Token() != "abc" {
		t.Fatalf("bearer prefix should be stripped")
	}
	if err := cfg.RequireBoard(); err != nil {
		t.Fatalf("require board: %v", err)
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "board.yaml")
	content := "api_base: http://127.0.0.1:9000\ncredential: tok\nlog:\n  level: debug\n  format: json\nmirror:\n  redis_url: redis://localhost:6379/0\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	v := viper.New()
	if err := Init(v, path); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBase != "http://127.0.0.1:9000" || cfg.Log.Level != "debug" || cfg.Mirror.RedisURL == "" {
		t.Fatalf("file values not applied: %#v", cfg)
	}
	logger := cfg.NewLogger()
	if logger.GetLevel() != log.DebugLevel {
		t.Fatalf("unexpected level %v", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*log.JSONFormatter); !ok {
		t.Fatalf("expected json formatter")
	}
}

func TestExplicitMissingConfigFileFails(t *testing.T) {
	v := viper.New()
	if err := Init(v, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.APIBase = "ftp://x"
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"
	cfg.Request.Timeout = 0
	cfg.Sync.FailurePolicy = "rollback"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"api_base", "credential", "log.level", "log.format", "request.timeout", "sync.failure_policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestRequireBoard(t *testing.T) {
	if err := Default().RequireBoard(); err == nil {
		t.Fatalf("expected missing board error")
	}
}

func TestConfigDirHonoursXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := ConfigDir(); got != filepath.Join("/tmp/xdg", "task-collabo") {
		t.Fatalf("unexpected dir %s", got)
	}
}
