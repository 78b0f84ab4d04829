package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/mailroom/internal/llm"
	"github.com/nugget/mailroom/internal/prompts"
	"github.com/nugget/mailroom/internal/reconcile"
)

const acmeBusiness = `name: Acme Pools
industry_types: [pools_spas]
department_scope: [sales]
team:
  - name: Dana
    email: dana@acme.example
    roles: [sales_manager]
`

// writeConfig lays out a data dir with one business and returns the
// config path. extra is appended to the YAML verbatim.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	bizDir := filepath.Join(dir, "businesses")
	if err := os.MkdirAll(bizDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bizDir, "acme.yaml"), []byte(acmeBusiness), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := fmt.Sprintf("data_dir: %s\nbusinesses_dir: %s\nretry:\n  max_retries: 1\n  initial_delay_ms: 1\n%s",
		filepath.Join(dir, "data"), bizDir, extra)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	t.Parallel()
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, err := runCmd(t, args...)
		if err != nil {
			t.Fatalf("run(%v) = %v", args, err)
		}
		if !strings.Contains(out, "Usage: mailroom") || !strings.Contains(out, "reconcile <business> <provider>") {
			t.Errorf("run(%v) usage = %q", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"frobnicate"}, "unknown command: frobnicate"},
		{[]string{"--bogus"}, "unknown flag: --bogus"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"compile"}, "usage: mailroom compile"},
		{[]string{"reconcile", "acme"}, "usage: mailroom reconcile"},
		{[]string{"classify", "acme"}, "usage: mailroom classify"},
		{[]string{"-config", "/nonexistent/config.yaml", "compile", "acme"}, "config file not found"},
	}
	for _, tt := range tests {
		_, err := runCmd(t, tt.args...)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_Version(t *testing.T) {
	t.Parallel()

	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("text version = %q", out)
	}

	out, err = runCmd(t, "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("json version: %v (%s)", err, out)
	}
	if info["version"] == "" {
		t.Errorf("version info = %v", info)
	}
}

func TestRun_Compile(t *testing.T) {
	t.Parallel()
	cfgPath := writeConfig(t, "")

	out, err := runCmd(t, "-config", cfgPath, "-o", "json", "compile", "acme")
	if err != nil {
		t.Fatal(err)
	}
	var a prompts.Artifact
	if err := json.Unmarshal([]byte(out), &a); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if a.BusinessID != "acme" || !a.Allows("SALES") || a.Allows("BANKING") {
		t.Errorf("artifact = %+v", a)
	}

	text, err := runCmd(t, "-config", cfgPath, "compile", "acme")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(text) != strings.TrimSpace(a.Text) {
		t.Error("text output differs from artifact text")
	}

	if _, err := runCmd(t, "-config", cfgPath, "compile", "nobody"); err == nil {
		t.Error("compile of unknown business succeeded")
	}
}

// fakeGmail serves the two label endpoints the reconciler uses.
type fakeGmail struct {
	mu     sync.Mutex
	labels map[string]string // name -> id
}

func (g *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer cfg-token" {
		http.Error(w, `{"error":{"message":"unauthorized"}}`, http.StatusUnauthorized)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		type label struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Type string `json:"type"`
		}
		resp := struct {
			Labels []label `json:"labels"`
		}{Labels: []label{{ID: "INBOX", Name: "INBOX", Type: "system"}}}
		for name, id := range g.labels {
			resp.Labels = append(resp.Labels, label{ID: id, Name: name, Type: "user"})
		}
		json.NewEncoder(w).Encode(resp)
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		id := fmt.Sprintf("Label_%d", len(g.labels)+1)
		g.labels[req.Name] = id
		json.NewEncoder(w).Encode(map[string]string{"id": id, "name": req.Name})
	}
}

func TestRun_Reconcile(t *testing.T) {
	t.Parallel()
	gmail := &fakeGmail{labels: make(map[string]string)}
	srv := httptest.NewServer(gmail)
	defer srv.Close()

	cfgPath := writeConfig(t, fmt.Sprintf("gmail:\n  base_url: %s\n  token: cfg-token\n", srv.URL))

	out, err := runCmd(t, "-config", cfgPath, "-o", "json", "reconcile", "acme", "gmail")
	if err != nil {
		t.Fatal(err)
	}
	var first reconcile.Result
	if err := json.Unmarshal([]byte(out), &first); err != nil {
		t.Fatalf("decode result: %v (%s)", err, out)
	}
	if len(first.Required) == 0 || len(first.Created) != len(first.Required) {
		t.Errorf("first run: required %d, created %d", len(first.Required), len(first.Created))
	}

	out, err = runCmd(t, "-config", cfgPath, "reconcile", "acme", "gmail")
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("%d required, 0 created, %d matched", len(first.Required), len(first.Required))
	if !strings.Contains(out, want) {
		t.Errorf("second run = %q, want %q", out, want)
	}

	if _, err := runCmd(t, "-config", cfgPath, "reconcile", "acme", "outlook"); err == nil {
		t.Error("outlook without a token succeeded")
	}
	if _, err := runCmd(t, "-config", cfgPath, "reconcile", "acme", "exchange"); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestRun_Classify(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply := `{"primary_category":"BANKING","secondary_category":null,"confidence":0.8,"ai_can_reply":true,"summary":"statement","reasoning":"bank"}`
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "llama3.1",
			"message": map[string]string{"role": "assistant", "content": reply},
			"done":    true,
		})
	}))
	defer srv.Close()

	cfgPath := writeConfig(t, fmt.Sprintf("ollama:\n  url: %s\n", srv.URL))
	eml := filepath.Join(t.TempDir(), "msg.eml")
	raw := "From: bank@example.com\r\nTo: dana@acme.example\r\nSubject: Statement\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nYour statement is ready.\r\n"
	if err := os.WriteFile(eml, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "-config", cfgPath, "-o", "json", "classify", "acme", eml)
	if err != nil {
		t.Fatal(err)
	}
	var c llm.Classification
	if err := json.Unmarshal([]byte(out), &c); err != nil {
		t.Fatalf("decode classification: %v (%s)", err, out)
	}
	if c.PrimaryCategory != "OUT_OF_SCOPE" || !c.Overridden || c.AICanReply {
		t.Errorf("classification = %+v", c)
	}
}

func TestOpenDB_ConcurrentWriters(t *testing.T) {
	t.Parallel()
	cfg, _, err := loadConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	db, err := openDB(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var mode string
	var timeout int
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil || mode != "wal" {
		t.Errorf("journal_mode = %q, %v; want wal", mode, err)
	}
	if err := db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil || timeout != 5000 {
		t.Errorf("busy_timeout = %d, %v; want 5000", timeout, err)
	}

	if _, err := db.Exec(`CREATE TABLE counters (id INTEGER PRIMARY KEY, n INTEGER NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO counters (id, n) VALUES (1, 0)`); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := db.Begin()
			if err != nil {
				errs <- err
				return
			}
			defer tx.Rollback()
			var n int
			if err := tx.QueryRow(`SELECT n FROM counters WHERE id = 1`).Scan(&n); err != nil {
				errs <- err
				return
			}
			if _, err := tx.Exec(`UPDATE counters SET n = ? WHERE id = 1`, n+1); err != nil {
				errs <- err
				return
			}
			errs <- tx.Commit()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent writer: %v", err)
		}
	}

	var n int
	if err := db.QueryRow(`SELECT n FROM counters WHERE id = 1`).Scan(&n); err != nil || n != writers {
		t.Errorf("counter = %d, %v; want %d", n, err, writers)
	}
}

func TestNewCompleter_RequiresModel(t *testing.T) {
	t.Parallel()
	cfg, _, err := loadConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := newCompleter(cfg, nil); err == nil {
		t.Error("newCompleter with no backend succeeded")
	}

	cfg.Anthropic.APIKey = "sk-test"
	_, model, err := newCompleter(cfg, nil)
	if err != nil || model != cfg.Anthropic.Model {
		t.Errorf("newCompleter = %q, %v", model, err)
	}
}
