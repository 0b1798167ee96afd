package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/promptlab/promptlab/internal/config"
	"github.com/promptlab/promptlab/internal/langfuse"
)

func TestRunDoctorPassesWithValidAuthConfig(t *testing.T) {
	t.Parallel()

	configPath := writeDoctorTestConfig(t, doctorTestConfigOptions{
		authEnabled: true,
		includeKey:  true,
	})

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runDoctor([]string{"--config", configPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runDoctor() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	body := stdout.String()
	if !strings.Contains(body, "Promptlab Doctor") {
		t.Fatalf("stdout=%q, want doctor header", body)
	}
	if !strings.Contains(body, "Overall status") || !strings.Contains(body, "PASS") {
		t.Fatalf("stdout=%q, want overall PASS status", body)
	}
	if !strings.Contains(body, "[PASS] storage") || !strings.Contains(body, "[PASS] auth_posture") {
		t.Fatalf("stdout=%q, want storage/auth pass checks", body)
	}
	if !strings.Contains(body, "[SKIP] langfuse") || !strings.Contains(body, "[SKIP] playground") {
		t.Fatalf("stdout=%q, want disabled integrations skipped", body)
	}
	if !strings.Contains(body, "api keys: 1 across 1 users") {
		t.Fatalf("stdout=%q, want key summary", body)
	}
}

func TestRunDoctorWarnsWhenAuthDisabled(t *testing.T) {
	t.Parallel()

	configPath := writeDoctorTestConfig(t, doctorTestConfigOptions{})

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runDoctor([]string{"--config", configPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runDoctor() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	body := stdout.String()
	if !strings.Contains(body, "Overall status") || !strings.Contains(body, "WARN") {
		t.Fatalf("stdout=%q, want overall WARN status", body)
	}
	if !strings.Contains(body, "[WARN] auth_posture") {
		t.Fatalf("stdout=%q, want auth warning", body)
	}
	if !strings.Contains(body, "auth.enabled=false") {
		t.Fatalf("stdout=%q, want disabled auth detail", body)
	}
}

func TestRunDoctorFailsOnInvalidConfig(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "promptlab.yaml")
	if err := os.WriteFile(configPath, []byte("auth:\n  enabled: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runDoctor([]string{"--config", configPath, "--format", "json"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("runDoctor() code=%d, want 1", code)
	}

	var payload doctorDocument
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		t.Fatalf("decode doctor json: %v\nbody=%s", err, stdout.String())
	}
	if payload.OverallStatus != doctorStatusFail {
		t.Fatalf("overall_status=%q, want fail", payload.OverallStatus)
	}
	if payload.Checks[0].Name != "config" || payload.Checks[0].Summary != "config is invalid" {
		t.Fatalf("first check=%+v, want config validation failure", payload.Checks[0])
	}
	for _, check := range payload.Checks[1:] {
		if check.Status != doctorStatusSkip {
			t.Fatalf("check %s status=%q, want skip after config failure", check.Name, check.Status)
		}
	}
}

func TestRunDoctorJSONOutput(t *testing.T) {
	t.Parallel()

	configPath := writeDoctorTestConfig(t, doctorTestConfigOptions{
		authEnabled: true,
		includeKey:  true,
	})

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runDoctor([]string{"--config", configPath, "--format", "json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runDoctor() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}

	var payload doctorDocument
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		t.Fatalf("decode doctor json: %v\nbody=%s", err, stdout.String())
	}
	if payload.OverallStatus != doctorStatusPass {
		t.Fatalf("overall_status=%q, want %q", payload.OverallStatus, doctorStatusPass)
	}
	if len(payload.Checks) != 5 {
		t.Fatalf("check_count=%d, want 5", len(payload.Checks))
	}
	got := map[string]doctorCheck{}
	for _, check := range payload.Checks {
		got[check.Name] = check
	}
	if got["config"].Status != doctorStatusPass || got["storage"].Status != doctorStatusPass || got["auth_posture"].Status != doctorStatusPass {
		t.Fatalf("checks=%+v, want config/storage/auth pass", got)
	}
	storageDetails := strings.Join(got["storage"].Details, "\n")
	if !strings.Contains(storageDetails, "schema migrations:") || !strings.Contains(storageDetails, "applied") {
		t.Fatalf("storage details=%q, want migration summary", storageDetails)
	}
}

func TestRunDoctorChecksLangfuseHealth(t *testing.T) {
	t.Parallel()

	langfuseServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/public/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","version":"3.12.0"}`))
	}))
	defer langfuseServer.Close()

	configPath := writeDoctorTestConfig(t, doctorTestConfigOptions{
		authEnabled:  true,
		includeKey:   true,
		langfuseHost: langfuseServer.URL,
	})

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runDoctor([]string{"--config", configPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runDoctor() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	body := stdout.String()
	if !strings.Contains(body, "[PASS] langfuse: langfuse is reachable") {
		t.Fatalf("stdout=%q, want langfuse pass", body)
	}
	if !strings.Contains(body, "version: 3.12.0") {
		t.Fatalf("stdout=%q, want langfuse version detail", body)
	}
}

func TestRunDoctorWarnsWhenLangfuseUnreachable(t *testing.T) {
	original := langfuseHealthChecker
	t.Cleanup(func() {
		langfuseHealthChecker = original
	})
	langfuseHealthChecker = func(context.Context, config.LangfuseConfig) (*langfuse.HealthStatus, error) {
		return nil, errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
	}

	configPath := writeDoctorTestConfig(t, doctorTestConfigOptions{
		authEnabled:  true,
		includeKey:   true,
		langfuseHost: "https://langfuse.invalid",
	})

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runDoctor([]string{"--config", configPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runDoctor() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	body := stdout.String()
	if !strings.Contains(body, "[WARN] langfuse") {
		t.Fatalf("stdout=%q, want langfuse warning", body)
	}
	if !strings.Contains(body, "error class: connection") {
		t.Fatalf("stdout=%q, want connection error class", body)
	}
}

func TestRunDoctorWarnsWhenPlaygroundModelHasNoPricing(t *testing.T) {
	t.Parallel()

	check := runDoctorPlaygroundCheck(config.PlaygroundConfig{
		Enabled:      true,
		BaseURL:      "https://api.openai.com/v1",
		DefaultModel: "gpt-4o-mini",
	})
	if check.Status != doctorStatusWarn {
		t.Fatalf("status=%q, want warn without pricing", check.Status)
	}

	check = runDoctorPlaygroundCheck(config.PlaygroundConfig{
		Enabled:      true,
		BaseURL:      "https://api.openai.com/v1",
		DefaultModel: "gpt-4o-mini",
		Pricing: map[string]config.PriceConfig{
			"gpt-4o-mini": {InputPer1K: 0.15, OutputPer1K: 0.6},
		},
	})
	if check.Status != doctorStatusPass {
		t.Fatalf("status=%q, want pass with pricing", check.Status)
	}
}

func TestDoctorOverallStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		statuses []string
		want     string
	}{
		{statuses: []string{doctorStatusPass, doctorStatusSkip}, want: doctorStatusPass},
		{statuses: []string{doctorStatusPass, doctorStatusWarn}, want: doctorStatusWarn},
		{statuses: []string{doctorStatusWarn, doctorStatusFail, doctorStatusPass}, want: doctorStatusFail},
	}
	for _, tt := range tests {
		checks := make([]doctorCheck, 0, len(tt.statuses))
		for _, status := range tt.statuses {
			checks = append(checks, doctorCheck{Status: status})
		}
		if got := doctorOverallStatus(checks); got != tt.want {
			t.Fatalf("doctorOverallStatus(%v)=%q, want %q", tt.statuses, got, tt.want)
		}
	}
}

func TestRunDoctorRejectsInvalidFormat(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runDoctor([]string{"--format", "yaml"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("runDoctor() code=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "expected text or json") {
		t.Fatalf("stderr=%q, want invalid format message", stderr.String())
	}
}

func TestRunDoctorRejectsPositionalArguments(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runDoctor([]string{"extra"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("runDoctor() code=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "does not accept positional arguments") {
		t.Fatalf("stderr=%q, want positional argument message", stderr.String())
	}
}

type doctorTestConfigOptions struct {
	authEnabled  bool
	includeKey   bool
	langfuseHost string
}

func writeDoctorTestConfig(t *testing.T, options doctorTestConfigOptions) string {
	t.Helper()

	dir := t.TempDir()
	var body strings.Builder
	fmt.Fprintf(&body, "server:\n  host: 127.0.0.1\n  port: 8080\n")
	fmt.Fprintf(&body, "storage:\n  driver: sqlite\n  path: %q\n", filepath.Join(dir, "promptlab.db"))
	fmt.Fprintf(&body, "auth:\n  enabled: %t\n", options.authEnabled)
	if options.includeKey {
		body.WriteString("  keys:\n    - id: alice-key\n      token: alice-token\n      user_id: alice\n      role: member\n")
	}
	if options.langfuseHost != "" {
		fmt.Fprintf(&body, "langfuse:\n  enabled: true\n  host: %q\n  public_key: pk-lf-test\n  secret_key: sk-lf-test\n", options.langfuseHost)
	}

	configPath := filepath.Join(dir, "promptlab.yaml")
	if err := os.WriteFile(configPath, []byte(body.String()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}
