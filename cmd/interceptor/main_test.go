package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// binary holds the path to the compiled interceptor binary used by every test.
var binary string

func TestMain(m *testing.M) {
	tmp, err := os.MkdirTemp("", "interceptor-test-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmp)

	binary = filepath.Join(tmp, "interceptor")
	build := exec.Command("go", "build", "-o", binary, ".")
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to build binary: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// testConfig writes a config YAML pointing DBPath at a fresh sqlite file
// under dir, and returns its path.
func testConfig(t *testing.T, dir string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "interceptor.yaml")
	dbPath := filepath.Join(dir, "interceptor.db")
	contents := fmt.Sprintf("db_path: %q\nport: 18080\n", dbPath)
	if err := os.WriteFile(cfgPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return cfgPath
}

func run(t *testing.T, cfgPath string, stdin string, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()
	full := append([]string{"--config", cfgPath}, args...)
	cmd := exec.Command(binary, full...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		t.Fatalf("running binary: %v", err)
	}
	return outBuf.String(), errBuf.String(), code
}

func TestStatsCommand_EmptyStore(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	stdout, stderr, code := run(t, cfg, "", "stats")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "Total Interactions: 0") {
		t.Errorf("expected zero interactions reported, got %q", stdout)
	}
}

func TestSaveAndExportCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	interactionJSON := `{"Provider":"openai","Method":"POST","Path":"/v1/chat/completions"}`
	stdout, stderr, code := run(t, cfg, interactionJSON, "save")
	if code != 0 {
		t.Fatalf("save failed: exit %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "Saved interaction") {
		t.Errorf("expected save confirmation, got %q", stdout)
	}

	stdout, stderr, code = run(t, cfg, "", "export", "--format", "jsonl")
	if code != 0 {
		t.Fatalf("export failed: exit %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, `"Provider":"openai"`) {
		t.Errorf("expected exported interaction in jsonl output, got %q", stdout)
	}
}

func TestSessionsCommand_EmptyStore(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	stdout, stderr, code := run(t, cfg, "", "sessions")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d, stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "SESSION") {
		t.Errorf("expected header row, got %q", stdout)
	}
}

func TestReplayCommand_UnknownInteraction(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	_, _, code := run(t, cfg, "", "replay", "does-not-exist")
	if code != 1 {
		t.Errorf("expected exit 1 for runtime error on unknown interaction, got %d", code)
	}
}

func TestExportCommand_UnknownFormat(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	_, _, code := run(t, cfg, "", "export", "--format", "xml")
	if code != 2 {
		t.Errorf("expected exit 2 for usage error on unknown format, got %d", code)
	}
}
