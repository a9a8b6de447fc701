package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iamthamanic/multiagentultra/internal/config"
	"github.com/iamthamanic/multiagentultra/internal/logging"
	"github.com/iamthamanic/multiagentultra/internal/metrics"
	"github.com/iamthamanic/multiagentultra/internal/version"
)

const sampleCrew = `id: 1
project_id: 7
name: Research
agents:
  - id: 10
    name: Ada
    role: Researcher
    goal: Find facts
    tools: [search]
`

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(stdout, "multiagent "+version.Version) {
		t.Fatalf("unexpected output %q", stdout)
	}

	stdout, _, err = executeCLI(t, "version", "--json")
	if err != nil {
		t.Fatalf("version --json: %v", err)
	}
	var info version.Info
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("decode version json: %v", err)
	}
	if info.Version != version.Version {
		t.Fatalf("unexpected version %q", info.Version)
	}
}

func TestCatalogValidateCommand(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(sampleCrew), 0o600); err != nil {
		t.Fatalf("write crew: %v", err)
	}

	stdout, _, err := executeCLI(t, "catalog", "validate", dir)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(stdout, `crew 1 "Research": project 7, 1 agents, active`) {
		t.Fatalf("unexpected output %q", stdout)
	}
	if !strings.Contains(stdout, "1 crews valid") {
		t.Fatalf("missing summary in %q", stdout)
	}
}

func TestCatalogValidateRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: 1\nproject_id: 7\nname: Research\ncolour: blue\n"), 0o600); err != nil {
		t.Fatalf("write crew: %v", err)
	}
	if _, _, err := executeCLI(t, "catalog", "validate", dir); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, _, err := executeCLI(t, "catalog", "validate", filepath.Join(dir, "absent")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, _, err := executeCLI(t, "serve", "--max-active-crews", "0"); err == nil {
		t.Fatalf("expected config validation error")
	}
}

func TestRunServerServesAndShutsDown(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(sampleCrew), 0o600); err != nil {
		t.Fatalf("write crew: %v", err)
	}
	cfg := config.Default()
	cfg.CatalogDir = dir
	cfg.DemoStepDelay = 0

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(100), logging.LevelInfo, &bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runServer(ctx, context.Background(), cfg, listener, logger, &metrics.Registry{})
	}()

	base := "http://" + listener.Addr().String()
	resp := waitForHTTP(t, base+"/api/crews/1/status")
	var status struct {
		Name      string `json:"name"`
		IsRunning bool   `json:"is_running"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	_ = resp.Body.Close()
	if status.Name != "Research" || status.IsRunning {
		t.Fatalf("unexpected crew status %+v", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServer: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func waitForHTTP(t *testing.T, url string) *http.Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil && resp.StatusCode == http.StatusOK {
			return resp
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if time.Now().After(deadline) {
			t.Fatalf("server not ready: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
