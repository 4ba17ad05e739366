package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentplane/control/internal/config"
)

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTPLANE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Driver != "static" {
		t.Fatalf("expected default driver=static, got %q", cfg.Driver)
	}
	if cfg.WorkerPort != "8080" {
		t.Fatalf("expected default worker_port=8080, got %q", cfg.WorkerPort)
	}
	if cfg.BindAddr != "0.0.0.0:8080" {
		t.Fatalf("expected default bind_addr=0.0.0.0:8080, got %q", cfg.BindAddr)
	}
	if cfg.WorkspaceStorage != "ephemeral" {
		t.Fatalf("expected default workspace_storage=ephemeral, got %q", cfg.WorkspaceStorage)
	}
}

func TestLoad_YAMLOverlay(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("driver: local\nworker_image: agentplane/worker:v2\n"), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
	t.Setenv("AGENTPLANE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Driver != "local" {
		t.Fatalf("expected driver=local from yaml, got %q", cfg.Driver)
	}
	if cfg.WorkerImage != "agentplane/worker:v2" {
		t.Fatalf("expected worker_image from yaml, got %q", cfg.WorkerImage)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("driver: local\n"), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
	t.Setenv("AGENTPLANE_HOME", home)
	t.Setenv("DRIVER", "orchestrated")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Driver != "orchestrated" {
		t.Fatalf("expected env override driver=orchestrated, got %q", cfg.Driver)
	}
}

func TestLoad_WorkerEnvPropagation(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTPLANE_HOME", home)
	t.Setenv("AGENTPLANE_WORKER_ENV_ANTHROPIC_API_KEY", "sk-test-123")
	t.Setenv("AGENTPLANE_WORKER_ENV_MODEL", "claude-x")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerEnv["ANTHROPIC_API_KEY"] != "sk-test-123" {
		t.Fatalf("expected worker env ANTHROPIC_API_KEY propagated, got %q", cfg.WorkerEnv["ANTHROPIC_API_KEY"])
	}
	if cfg.WorkerEnv["MODEL"] != "claude-x" {
		t.Fatalf("expected worker env MODEL propagated, got %q", cfg.WorkerEnv["MODEL"])
	}
}

func TestLoad_AllowOriginsCSV(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTPLANE_HOME", home)
	t.Setenv("ALLOW_ORIGINS", "https://a.example, https://b.example ,https://c.example")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := []string{"https://a.example", "https://b.example", "https://c.example"}
	if len(cfg.AllowOrigins) != len(want) {
		t.Fatalf("expected %d origins, got %v", len(want), cfg.AllowOrigins)
	}
	for i, o := range want {
		if cfg.AllowOrigins[i] != o {
			t.Fatalf("origin[%d] = %q, want %q", i, cfg.AllowOrigins[i], o)
		}
	}
}

func TestLoad_OtelEnabledBooleanForms(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{"0", false},
		{"", false},
	}
	for _, tc := range cases {
		home := t.TempDir()
		t.Setenv("AGENTPLANE_HOME", home)
		if tc.value == "" {
			os.Unsetenv("OTEL_ENABLED")
		} else {
			t.Setenv("OTEL_ENABLED", tc.value)
		}
		cfg, err := config.Load()
		if err != nil {
			t.Fatalf("load config: %v", err)
		}
		if cfg.OtelEnabled != tc.want {
			t.Fatalf("OTEL_ENABLED=%q: got %v, want %v", tc.value, cfg.OtelEnabled, tc.want)
		}
	}
}

func TestHomeDir_DefaultsUnderUserHome(t *testing.T) {
	os.Unsetenv("AGENTPLANE_HOME")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no user home dir available in this environment")
	}
	want := filepath.Join(home, ".agentplane")
	if got := config.HomeDir(); got != want {
		t.Fatalf("HomeDir() = %q, want %q", got, want)
	}
}

func TestHomeDir_EnvOverride(t *testing.T) {
	custom := filepath.Join(t.TempDir(), "custom-home")
	t.Setenv("AGENTPLANE_HOME", custom)
	if got := config.HomeDir(); got != custom {
		t.Fatalf("HomeDir() = %q, want %q", got, custom)
	}
}
