package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("PANELSYNC_TEST_VALUE", "  set ")
	if got := envOrDefault("PANELSYNC_TEST_VALUE", "fallback"); got != "set" {
		t.Fatalf("expected set, got %q", got)
	}
	t.Setenv("PANELSYNC_TEST_VALUE", "")
	if got := envOrDefault("PANELSYNC_TEST_VALUE", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

func TestRunSyncLoopStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var cycles atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		runSyncLoop(ctx, 5*time.Millisecond, 0.2, func(context.Context) {
			if cycles.Add(1) == 3 {
				cancel()
			}
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sync loop did not stop")
	}
	if cycles.Load() < 3 {
		t.Fatalf("expected at least 3 cycles, got %d", cycles.Load())
	}
}

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "panelsync.toml")
	content := `
[local]
dsn = "file://` + filepath.Join(dir, "local") + `"

[telemetry]
log = false

[logging]
level = "error"
` + extra
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestHydrateOpenCommand(t *testing.T) {
	path := writeConfig(t, `
[backing]
primary_dsn = "memory://"
`)
	out, err := runCLI(t, "--config", path, "hydrate", "--open", "n1")
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if !strings.Contains(out, `"noteId": "n1"`) || !strings.Contains(out, `"source": "backing"`) {
		t.Fatalf("unexpected hydrate output: %s", out)
	}
}

func TestHydrateRequiresNotes(t *testing.T) {
	path := writeConfig(t, "")
	if _, err := runCLI(t, "--config", path, "hydrate"); err == nil {
		t.Fatalf("expected an error without note ids")
	}
}

func TestStatusAndFlushCommands(t *testing.T) {
	path := writeConfig(t, `
[backing]
primary_dsn = "memory://"
`)
	out, err := runCLI(t, "--config", path, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"online": true`) {
		t.Fatalf("expected online status, got %s", out)
	}

	out, err = runCLI(t, "--config", path, "flush")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !strings.Contains(out, `"applied": 0`) {
		t.Fatalf("unexpected flush output: %s", out)
	}
}

func TestReplicateCommand(t *testing.T) {
	path := writeConfig(t, `
[backing]
primary_dsn = "memory://primary"
`)
	if _, err := runCLI(t, "--config", path, "replicate"); err == nil || !strings.Contains(err.Error(), "no secondary") {
		t.Fatalf("expected missing secondary error, got %v", err)
	}

	path = writeConfig(t, `
[backing]
primary_dsn = "memory://primary"
secondary_dsn = "memory://secondary"
replication_log_dsn = "memory://"
`)
	out, err := runCLI(t, "--config", path, "replicate")
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if !strings.Contains(out, `"replayed": 0`) || !strings.Contains(out, `"degraded": false`) {
		t.Fatalf("unexpected replicate output: %s", out)
	}
}

func TestConfigCommandAppliesEnv(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv("PANELSYNC_ADDR", "127.0.0.1:9100")
	out, err := runCLI(t, "--config", path, "config")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if !strings.Contains(out, "127.0.0.1:9100") {
		t.Fatalf("expected env override in output, got %s", out)
	}
}

func TestServeOnce(t *testing.T) {
	path := writeConfig(t, `
[backing]
primary_dsn = "memory://"

[sync]
notes = ["n1"]
`)
	if _, err := runCLI(t, "--config", path, "serve", "--once"); err != nil {
		t.Fatalf("serve --once: %v", err)
	}
}
