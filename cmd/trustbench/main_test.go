package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/mining-wb/MM-TrustBench/internal/audit"
	"github.com/mining-wb/MM-TrustBench/internal/config"
	"github.com/mining-wb/MM-TrustBench/internal/logging"
	"github.com/mining-wb/MM-TrustBench/internal/model"
	"github.com/mining-wb/MM-TrustBench/internal/runner"
)

const replyYes = "Evidence: a dog on the grass.\nSelf-check: clear.\nAnswer: yes"

func quietLogger(t *testing.T) {
	t.Helper()
	original := newLogger
	newLogger = func(bool) (*zap.Logger, error) { return zap.NewNop(), nil }
	t.Cleanup(func() { newLogger = original })
}

// captureLogger routes command logs into the returned buffer.
func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := newLogger
	newLogger = func(verbose bool) (*zap.Logger, error) { return logging.NewWriter(&buf, verbose), nil }
	t.Cleanup(func() { newLogger = original })
	return &buf
}

// fakeModel serves chat completions with a fixed reply and counts calls.
func fakeModel(t *testing.T, reply string) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		raw, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	}))
	t.Cleanup(srv.Close)
	t.Setenv(model.EnvAPIKey, "sk-test")
	t.Setenv(model.EnvAPIURL, srv.URL+"/v1")
	t.Setenv(model.EnvModelName, "test-model")
	return &calls
}

type workspace struct {
	dir     string
	input   string
	images  string
	ledger  string
	options *globalOptions
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()
	ws := workspace{
		dir:     dir,
		input:   filepath.Join(dir, "mini_pope.jsonl"),
		images:  filepath.Join(dir, "images"),
		ledger:  filepath.Join(dir, "out", "prediction_results.jsonl"),
		options: &globalOptions{configPath: filepath.Join(dir, "absent.yaml")},
	}
	if err := os.MkdirAll(ws.images, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"COCO_1.jpg", "COCO_2.jpg"} {
		if err := os.WriteFile(filepath.Join(ws.images, name), []byte("jpeg-"+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	rows := strings.Join([]string{
		`{"question_id":1,"image":"COCO_1.jpg","text":"Is there a dog in the image?","label":"yes"}`,
		`{"question_id":2,"image":"COCO_2.jpg","text":"Is there a cat in the image?","label":"no"}`,
		`{"question_id":3,"image":"COCO_404.jpg","text":"Is there a car in the image?","label":"no"}`,
		`{not json`,
	}, "\n") + "\n"
	if err := os.WriteFile(ws.input, []byte(rows), 0o644); err != nil {
		t.Fatal(err)
	}
	return ws
}

func (ws workspace) run(t *testing.T, extra ...string) (runner.Summary, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRunCommand(ws.options)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{
		"--input", ws.input,
		"--image-dir", ws.images,
		"--ledger", ws.ledger,
	}, extra...))
	err := cmd.Execute()
	var s runner.Summary
	if out.Len() > 0 {
		if jerr := json.Unmarshal(out.Bytes(), &s); jerr != nil {
			t.Fatalf("decode summary %q: %v", out.String(), jerr)
		}
	}
	return s, err
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n
}

// --- Root Command ---

func TestNewRootCommand_SubcommandRegistration(t *testing.T) {
	root := newRootCommand()
	want := map[string]bool{"init": false, "run": false, "ask": false, "prompt": false, "audit": false, "serve": false}
	for _, c := range root.Commands() {
		want[c.Name()] = true
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand: %s", name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil || root.PersistentFlags().Lookup("verbose") == nil {
		t.Error("missing persistent flags")
	}
}

func TestCliErrorUnwraps(t *testing.T) {
	err := cliError{code: exitConfig, err: model.ErrMissingAPIKey}
	if !errors.Is(err, model.ErrMissingAPIKey) {
		t.Fatal("cliError should unwrap")
	}
	if err.Error() != model.ErrMissingAPIKey.Error() {
		t.Fatalf("Error() = %q", err.Error())
	}
}

// --- Prompt Command ---

func TestPromptCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newPromptCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--question", "Is there a dog in the image?"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{"Is there a dog in the image?", "Evidence:", "Self-check:", "Answer:"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestPromptCommand_MissingQuestion(t *testing.T) {
	cmd := newPromptCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--question is required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- Run Command ---

func TestRunCommand_MissingAPIKeyIsFatal(t *testing.T) {
	quietLogger(t)
	t.Setenv(model.EnvAPIKey, "")
	ws := newWorkspace(t)

	_, err := ws.run(t)
	var ce cliError
	if !errors.As(err, &ce) {
		t.Fatalf("expected cliError, got %T: %v", err, err)
	}
	if ce.code != exitConfig || !errors.Is(err, model.ErrMissingAPIKey) {
		t.Fatalf("got code %d err %v", ce.code, err)
	}
	if _, err := os.Stat(ws.ledger); !os.IsNotExist(err) {
		t.Errorf("ledger should not exist before credentials are checked: %v", err)
	}
}

func TestRunCommand_InvalidWorkers(t *testing.T) {
	quietLogger(t)
	fakeModel(t, replyYes)
	ws := newWorkspace(t)

	_, err := ws.run(t, "--workers", "0")
	var ce cliError
	if !errors.As(err, &ce) || ce.code != exitConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRunCommand_MissingDataset(t *testing.T) {
	quietLogger(t)
	fakeModel(t, replyYes)
	ws := newWorkspace(t)
	ws.input = filepath.Join(ws.dir, "nope.jsonl")

	if _, err := ws.run(t); err == nil || !strings.Contains(err.Error(), "open dataset") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunCommand_ResumesAndAudits(t *testing.T) {
	logs := captureLogger(t)
	calls := fakeModel(t, replyYes)
	ws := newWorkspace(t)
	metricsPath := filepath.Join(ws.dir, "run.prom")

	first, err := ws.run(t, "--workers", "2", "--run-id", "run-1", "--metrics-out", metricsPath)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.RunID != "run-1" || first.Total != 3 || first.Processed != 2 || first.Missing != 1 || first.Answers.Yes != 2 {
		t.Fatalf("first summary = %+v", first)
	}
	if first.InvalidRows != 1 {
		t.Errorf("invalid rows = %d, want 1", first.InvalidRows)
	}
	if out := logs.String(); !strings.Contains(out, `"msg":"skipped dataset row","line":4`) || !strings.Contains(out, `"msg":"run started"`) {
		t.Errorf("run logs:\n%s", out)
	}
	if calls.Load() != 2 {
		t.Fatalf("model calls = %d, want 2", calls.Load())
	}
	if n := countLines(t, ws.ledger); n != 2 {
		t.Fatalf("ledger lines = %d, want 2", n)
	}
	prom, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(prom), `trustbench_runner_items_total{outcome="processed"} 2`) {
		t.Errorf("metrics file:\n%s", prom)
	}

	second, err := ws.run(t)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Processed != 0 || second.AlreadyDone != 2 || second.Missing != 1 {
		t.Fatalf("second summary = %+v", second)
	}
	if calls.Load() != 2 {
		t.Fatalf("second run called the model: %d", calls.Load())
	}
	if n := countLines(t, ws.ledger); n != 2 {
		t.Fatalf("ledger lines after rerun = %d, want 2", n)
	}

	reportPath := filepath.Join(ws.dir, "audit.json")
	detailsPath := filepath.Join(ws.dir, "analysis.jsonl")
	var out bytes.Buffer
	cmd := newAuditCommand(ws.options)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--ledger", ws.ledger, "--out", reportPath, "--details", detailsPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("audit: %v", err)
	}
	raw, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatal(err)
	}
	var r audit.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		t.Fatal(err)
	}
	if !r.Passed || r.Entries != 2 || r.Tally.FalsePositives != 1 || r.Tally.Correct != 1 {
		t.Fatalf("audit report = %+v", r)
	}
	if len(r.RunIDs) != 1 || r.RunIDs[0] != "run-1" {
		t.Errorf("run ids = %v", r.RunIDs)
	}
	if countLines(t, detailsPath) != 2 {
		t.Error("expected two detail rows")
	}
	if !strings.Contains(out.String(), reportPath) {
		t.Errorf("audit output = %q", out.String())
	}
}

// --- Ask Command ---

func TestAskCommand(t *testing.T) {
	quietLogger(t)
	calls := fakeModel(t, replyYes)
	img := filepath.Join(t.TempDir(), "a.png")
	if err := os.WriteFile(img, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := newAskCommand(&globalOptions{configPath: filepath.Join(t.TempDir(), "absent.yaml")})
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--image", img, "--question", "Is there a dog?"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["final_answer"] != "yes" || got["evidence"] != "a dog on the grass." || got["model_answer"] != replyYes {
		t.Errorf("verdict = %v", got)
	}
	if calls.Load() != 1 {
		t.Errorf("model calls = %d", calls.Load())
	}
}

func TestAskCommand_MissingFlags(t *testing.T) {
	cmd := newAskCommand(&globalOptions{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--question", "q"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--image and --question are required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- Audit Command ---

func TestAuditCommand_ViolationsExitCode(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.jsonl")
	row := `{"question_id":1,"image":"a.jpg","question":"q","label":"no","model_answer":"Evidence: x.\nSelf-check: Unsupported.\nAnswer: yes","final_answer":"yes","evidence":"x.","self_check":"Unsupported."}`
	if err := os.WriteFile(ledgerPath, []byte(row+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	outPath := filepath.Join(dir, "audit.md")

	cmd := newAuditCommand(&globalOptions{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--ledger", ledgerPath, "--format", "md", "--out", outPath})
	err := cmd.Execute()
	var ce cliError
	if !errors.As(err, &ce) || ce.code != exitAuditFailed {
		t.Fatalf("expected audit failure code %d, got %v", exitAuditFailed, err)
	}
	md, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(md), "Status: **FAIL**") || !strings.Contains(string(md), "verdict") {
		t.Errorf("report:\n%s", md)
	}
}

func TestAuditCommand_UnsupportedFormat(t *testing.T) {
	ledgerPath := filepath.Join(t.TempDir(), "ledger.jsonl")
	if err := os.WriteFile(ledgerPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := newAuditCommand(&globalOptions{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--ledger", ledgerPath, "--format", "xml"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "unsupported format xml") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuditCommand_MissingLedger(t *testing.T) {
	cmd := newAuditCommand(&globalOptions{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--ledger", filepath.Join(t.TempDir(), "none.jsonl")})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing ledger")
	}
}

// --- Init Command ---

func TestInitCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	opts := &globalOptions{configPath: config.DefaultPath}

	cmd := newInitCommand(opts)
	cmd.SetOut(io.Discard)
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{filepath.Dir(cfg.Dataset.Input), cfg.Dataset.ImageDir, filepath.Dir(cfg.Ledger.Path)} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("directory %s not created: %v", dir, err)
		}
	}

	// A second init keeps the user's edits.
	cfg.Runner.Workers = 3
	if err := config.Write(config.DefaultPath, cfg); err != nil {
		t.Fatal(err)
	}
	cmd = newInitCommand(opts)
	cmd.SetOut(io.Discard)
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	again, err := config.Load(config.DefaultPath)
	if err != nil {
		t.Fatal(err)
	}
	if again.Runner.Workers != 3 {
		t.Errorf("init overwrote config: workers = %d", again.Runner.Workers)
	}
}

func TestInitCommand_InvalidExistingConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := os.WriteFile(config.DefaultPath, []byte("runner:\n  workers: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := newInitCommand(&globalOptions{configPath: config.DefaultPath})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	var ce cliError
	if !errors.As(err, &ce) || ce.code != exitConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

// --- Serve Command ---

func TestServeCommand_MissingAPIKeyIsFatal(t *testing.T) {
	quietLogger(t)
	t.Setenv(model.EnvAPIKey, "")
	cmd := newServeCommand(&globalOptions{configPath: filepath.Join(t.TempDir(), "absent.yaml")})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--addr", "127.0.0.1:0", "--no-db"})
	err := cmd.Execute()
	var ce cliError
	if !errors.As(err, &ce) || ce.code != exitConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestServeCommand_TLSFlagsMustPair(t *testing.T) {
	quietLogger(t)
	fakeModel(t, replyYes)
	cmd := newServeCommand(&globalOptions{configPath: filepath.Join(t.TempDir(), "absent.yaml")})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--tls-cert", "cert.pem", "--no-db"})
	err := cmd.Execute()
	var ce cliError
	if !errors.As(err, &ce) || ce.code != exitConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}
