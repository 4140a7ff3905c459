package hfc

import (
	"encoding/base64"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestCompileIsDeterministic(t *testing.T) {
	t.Parallel()

	first, err := Compile(sampleContract())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	second, err := Compile(sampleContract())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical scripts")
	}
	if !strings.HasPrefix(first, "#!/bin/bash\n") {
		t.Fatalf("expected shebang, got %q", first[:20])
	}
	if !strings.HasSuffix(first, "exit 0\n") {
		t.Fatalf("expected script to end with exit 0")
	}

	last := -1
	for _, marker := range []string{"set -euo pipefail", "export CONTRACT_ID='c-123'", "# GATES", "# BOM", "# OPERATIONS", "# COMPLETION"} {
		idx := strings.Index(first, marker)
		if idx < 0 {
			t.Fatalf("missing section %q", marker)
		}
		if idx < last {
			t.Fatalf("section %q out of order", marker)
		}
		last = idx
	}
}

func TestCompileOrdersOperations(t *testing.T) {
	t.Parallel()

	c := sampleContract()
	c.Operations = []Operation{
		{ID: "third", Order: 3, Type: OperationShell, Command: "true"},
		{ID: "first", Order: 1, Type: OperationShell, Command: "true"},
		{ID: "second-a", Order: 2, Type: OperationShell, Command: "true"},
		{ID: "second-b", Order: 2, Type: OperationShell, Command: "true"},
	}
	script, err := Compile(c)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	order := []string{"# [OP:1] first", "# [OP:2] second-a", "# [OP:2] second-b", "# [OP:3] third"}
	last := -1
	for _, marker := range order {
		idx := strings.Index(script, marker)
		if idx <= last {
			t.Fatalf("expected %q after previous operation", marker)
		}
		last = idx
	}
	if c.Operations[0].ID != "third" {
		t.Fatalf("compile must not reorder the caller's slice")
	}
}

func TestCompileNeverEmitsRawContent(t *testing.T) {
	t.Parallel()

	c := sampleContract()
	c.Operations[0].Description = "Reload $(rm -rf /) now"
	script, err := Compile(c)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if strings.Contains(script, "<h1>it's live</h1>") {
		t.Fatalf("file content leaked into shell text")
	}
	encoded := base64.StdEncoding.EncodeToString([]byte("<h1>it's live</h1>\n"))
	if !strings.Contains(script, encoded) {
		t.Fatalf("expected base64 payload in script")
	}
	if !strings.Contains(script, `'Starting: Reload $(rm -rf /) now'`) {
		t.Fatalf("expected description to be single-quoted")
	}
}

func TestCompileRendersRetryAndTimeout(t *testing.T) {
	t.Parallel()

	c := sampleContract()
	c.Operations = []Operation{{ID: "fetch", Order: 1, Type: OperationCurl, Command: "curl -fsS 'http://x'", Retries: 3, Timeout: 30}}
	script, err := Compile(c)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for _, want := range []string{
		"MAX_RETRIES=3",
		"sleep 5",
		`timeout 30 bash -c 'curl -fsS '\''http://x'\'''`,
		"'Operation failed after retries'",
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("expected script to contain %q", want)
		}
	}
}

func TestCompileRejectsInvalidContract(t *testing.T) {
	t.Parallel()

	c := sampleContract()
	c.Operations[0].RequiresGate = "has-tmp"
	if _, err := Compile(c); !errors.Is(err, ErrInvalidContract) {
		t.Fatalf("expected requires_gate on an abort gate to be rejected, got %v", err)
	}

	c = sampleContract()
	c.Operations[1].ID = "reload"
	if _, err := Compile(c); !errors.Is(err, ErrInvalidContract) {
		t.Fatalf("expected duplicate ids to be rejected, got %v", err)
	}
}

func TestExecutedRetryExhaustionFails(t *testing.T) {
	dir := t.TempDir()
	c := sampleContract()
	c.Gates = nil
	c.Bom = nil
	c.Operations = []Operation{{ID: "flaky", Order: 1, Type: OperationShell, Command: "echo attempt >> count; false", Retries: 2, RetryDelay: 1}}
	script, err := Compile(c)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	code, out := runScript(t, dir, script)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d\n%s", code, out)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "count"))
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if attempts := strings.Count(string(raw), "attempt"); attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if !strings.Contains(out, "Retry 1/2 in 1s...") || !strings.Contains(out, "[ERROR] [flaky] Operation failed after retries") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestExecutedIgnoreErrorsContinues(t *testing.T) {
	dir := t.TempDir()
	c := sampleContract()
	c.Gates = nil
	c.Bom = nil
	c.Operations = []Operation{
		{ID: "broken", Order: 1, Type: OperationShell, Command: "false", IgnoreErrors: true},
		{ID: "after", Order: 2, Type: OperationShell, Command: "touch after"},
	}
	script, err := Compile(c)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	code, out := runScript(t, dir, script)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d\n%s", code, out)
	}
	if !strings.Contains(out, "[WARN] [broken] Command failed but ignoring") {
		t.Fatalf("expected ignore warning:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "after")); err != nil {
		t.Fatalf("expected later operation to run: %v", err)
	}
	logData, err := os.ReadFile(filepath.Join(dir, "logs", "c-123.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(logData), "[INFO] [COMPLETE]") {
		t.Fatalf("expected completion in log file:\n%s", logData)
	}
}

func TestExecutedAbortGateStopsBeforeBom(t *testing.T) {
	_, netstatErr := exec.LookPath("netstat")
	_, ssErr := exec.LookPath("ss")
	if netstatErr != nil && ssErr != nil {
		t.Skip("neither netstat nor ss available")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := strings.TrimPrefix(ln.Addr().String(), "127.0.0.1:")

	dir := t.TempDir()
	c := sampleContract()
	c.Gates = []Gate{{ID: "port", Operator: OperatorPortFree, Target: port, OnFailure: OnFailureAbort, ErrorMessage: "port busy"}}
	c.Bom = []BomItem{{ID: "site", Kind: BomKindDirectory, Path: filepath.Join(dir, "site"), Mode: "0755"}}
	c.Operations = []Operation{{ID: "mark", Order: 1, Type: OperationShell, Command: "touch ran"}}
	script, err := Compile(c)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	code, out := runScript(t, dir, script)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d\n%s", code, out)
	}
	if !strings.Contains(out, "[ERROR] [GATE_FAILED] port busy") {
		t.Fatalf("expected gate failure:\n%s", out)
	}
	for _, name := range []string{"site", "ran"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be absent, got %v", name, err)
		}
	}
}

func TestExecutedSkipGateGuardsOperation(t *testing.T) {
	dir := t.TempDir()
	c := sampleContract()
	c.Gates = []Gate{{ID: "has-marker", Operator: OperatorExists, Target: filepath.Join(dir, "missing"), OnFailure: OnFailureSkip}}
	c.Bom = nil
	c.Operations = []Operation{
		{ID: "guarded", Order: 1, Type: OperationShell, Command: "touch guarded", RequiresGate: "has-marker"},
		{ID: "free", Order: 2, Type: OperationShell, Command: "touch free"},
	}
	script, err := Compile(c)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	code, out := runScript(t, dir, script)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d\n%s", code, out)
	}
	if !strings.Contains(out, "[WARN] [guarded] Skipped due to gate has-marker") {
		t.Fatalf("expected skip warning:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "guarded")); !os.IsNotExist(err) {
		t.Fatalf("guarded operation should not run")
	}
	if _, err := os.Stat(filepath.Join(dir, "free")); err != nil {
		t.Fatalf("unguarded operation should run: %v", err)
	}
}

func TestExecutedBomAndOperationEnvironment(t *testing.T) {
	dir := t.TempDir()
	content := "it's $HOME and `whoami`\nline two\n"
	c := sampleContract()
	c.Gates = nil
	c.Bom = []BomItem{
		{ID: "dir-work", Path: filepath.Join(dir, "work"), Mode: "0700", Description: "work directory"},
		{ID: "secret", Path: filepath.Join(dir, "etc", "app.conf"), Content: content, Mode: "0600", CreateParents: true},
	}
	c.Operations = []Operation{{
		ID: "env", Order: 1, Type: OperationShell,
		Workdir: filepath.Join(dir, "work"),
		Env:     map[string]string{"GREETING": "hello 'world'"},
		Command: `printf '%s' "$GREETING" > out.txt`,
	}}
	script, err := Compile(c)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	code, out := runScript(t, dir, script)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d\n%s", code, out)
	}
	written, err := os.ReadFile(filepath.Join(dir, "etc", "app.conf"))
	if err != nil {
		t.Fatalf("read deployed file: %v", err)
	}
	if string(written) != content {
		t.Fatalf("expected content %q, got %q", content, written)
	}
	info, err := os.Stat(filepath.Join(dir, "etc", "app.conf"))
	if err != nil {
		t.Fatalf("stat deployed file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
	greeting, err := os.ReadFile(filepath.Join(dir, "work", "out.txt"))
	if err != nil {
		t.Fatalf("read operation output: %v", err)
	}
	if string(greeting) != "hello 'world'" {
		t.Fatalf("unexpected env value %q", greeting)
	}
}
