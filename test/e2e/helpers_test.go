//go:build e2e

package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mining-wb/MM-TrustBench/internal/dataset"
	"github.com/mining-wb/MM-TrustBench/internal/model"
	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("cannot resolve test file path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

func fixturePath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(repoRoot(t), "test", "e2e", "testdata", name)
}

// loadFixture reads the dataset fixture and writes a stand-in file for
// every image it names into a fresh image directory.
func loadFixture(t *testing.T) ([]types.QuestionItem, string) {
	t.Helper()
	loaded, err := dataset.Load(fixturePath(t, "mini_pope.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Skipped) != 0 {
		t.Fatalf("fixture rows skipped: %+v", loaded.Skipped)
	}
	imageDir := t.TempDir()
	for _, it := range loaded.Items {
		path := filepath.Join(imageDir, it.Image)
		if err := os.WriteFile(path, []byte("jpeg:"+it.Image), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return loaded.Items, imageDir
}

// scriptedModel answers like a vision model would: yes for dogs and
// people, no for cats, and an unsupported self-check for anything blurry.
type scriptedModel struct {
	URL   string
	calls atomic.Int32
	// onCall runs before each reply with the 1-based call number.
	onCall func(n int32)
}

func newScriptedModel(t *testing.T) *scriptedModel {
	t.Helper()
	m := &scriptedModel{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := m.calls.Add(1)
		if m.onCall != nil {
			m.onCall(n)
		}
		raw, _ := io.ReadAll(r.Body)
		body := string(raw)
		var reply string
		switch {
		case strings.Contains(body, "a blurry kite"):
			reply = "Evidence: a smudge that might be a kite.\nSelf-check: Unsupported, the region is too blurry.\nAnswer: yes"
		case strings.Contains(body, "a cat in"):
			reply = "Evidence: no animal with cat features is visible.\nSelf-check: clear.\nAnswer: no"
		default:
			reply = "Evidence: the subject is clearly visible.\nSelf-check: clear.\nAnswer: yes"
		}
		out, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-e2e",
			"object":  "chat.completion",
			"created": 1,
			"model":   "e2e-model",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
	}))
	t.Cleanup(srv.Close)
	m.URL = srv.URL + "/v1"
	return m
}

func (m *scriptedModel) client(t *testing.T) *model.Client {
	t.Helper()
	c, err := model.NewClient(model.Config{
		APIKey:  "sk-e2e",
		APIURL:  m.URL,
		Model:   "e2e-model",
		Timeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
