package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/mailroom/internal/backoff"
	"github.com/nugget/mailroom/internal/business"
	"github.com/nugget/mailroom/internal/connwatch"
	"github.com/nugget/mailroom/internal/correction"
	"github.com/nugget/mailroom/internal/events"
	"github.com/nugget/mailroom/internal/learning"
	"github.com/nugget/mailroom/internal/llm"
	"github.com/nugget/mailroom/internal/mailbox"
	"github.com/nugget/mailroom/internal/prompts"
	"github.com/nugget/mailroom/internal/reconcile"
	"github.com/nugget/mailroom/internal/usage"
	"github.com/nugget/mailroom/internal/voice"
)

const acmeDoc = `name: Acme Pools
industry_types: [pools_spas]
department_scope: [sales]
team:
  - name: Dana
    email: dana@acme.example
    roles: [sales_manager]
`

// labelBox is an in-memory flat-label mailbox.
type labelBox struct {
	mu      sync.Mutex
	labels  map[string]string // id -> path
	broken  map[string]bool
	creates int
}

func newLabelBox() *labelBox {
	return &labelBox{labels: make(map[string]string), broken: make(map[string]bool)}
}

func (b *labelBox) Provider() mailbox.Provider { return mailbox.ProviderGmail }

func (b *labelBox) ListFolders(ctx context.Context) (*mailbox.Tree, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var entries []mailbox.FlatFolder
	for id, path := range b.labels {
		entries = append(entries, mailbox.FlatFolder{ID: id, Name: path})
	}
	return mailbox.NewFlatTree(entries, "/"), nil
}

func (b *labelBox) CreateFolder(ctx context.Context, path, parentID string) (mailbox.Folder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken[path] {
		return mailbox.Folder{}, &mailbox.ProviderError{Provider: mailbox.ProviderGmail, Op: "create", Path: path, StatusCode: 400, Err: fmt.Errorf("invalid name")}
	}
	b.creates++
	id := fmt.Sprintf("Label_%d", b.creates)
	b.labels[id] = path
	return mailbox.Folder{ID: id, Path: path}, nil
}

// cannedCompleter answers every completion with reply.
type cannedCompleter struct {
	reply string

	mu         sync.Mutex
	lastSystem string
}

func (c *cannedCompleter) system() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSystem
}

func (c *cannedCompleter) Complete(ctx context.Context, model, system, user string) (*llm.Completion, error) {
	c.mu.Lock()
	c.lastSystem = system
	c.mu.Unlock()
	return &llm.Completion{Text: c.reply, InputTokens: 1500, OutputTokens: 60}, nil
}

type testEnv struct {
	srv       *httptest.Server
	bus       *events.Bus
	busCh     <-chan events.Event
	box       *labelBox
	model     *cannedCompleter

	mu        sync.Mutex
	lastToken string
}

func (e *testEnv) token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastToken
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "acme.yaml"), []byte(acmeDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("department_scope: [marketing]\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ledger, err := reconcile.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	store, err := learning.NewStore(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	usageStore, err := usage.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	refiner := learning.NewRefiner(store, learning.RefinerConfig{Threshold: 2}, logger)
	pipeline := learning.NewPipeline(correction.NewAnalyzer(correction.Thresholds{}), store, refiner, logger)

	env := &testEnv{
		bus:   events.New(),
		box:   newLabelBox(),
		model: &cannedCompleter{reply: `{"primary_category":"SALES","secondary_category":null,"confidence":0.9,"ai_can_reply":true}`},
	}
	env.busCh = env.bus.Subscribe(32)

	s := NewServer("", 0, Deps{
		Resolver:   business.NewResolver(business.NewFileSource(dir), logger),
		Reconciler: reconcile.New(ledger, logger),
		Store:      store,
		Pipeline:   pipeline,
		Bus:        env.bus,
		Classifier: llm.NewClassifier(env.model, "test-model", backoff.Config{}, logger),
		Usage:      usageStore,
		Mailboxes: func(p mailbox.Provider, token string) (mailbox.Client, error) {
			if p != mailbox.ProviderGmail {
				return nil, fmt.Errorf("%s is not configured", p)
			}
			env.mu.Lock()
			env.lastToken = token
			env.mu.Unlock()
			return env.box, nil
		},
		Compile: prompts.CompileOptions{},
	}, logger)

	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func (e *testEnv) nextEvent(t *testing.T, kind string) events.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-e.busCh:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event published", kind)
			return events.Event{}
		}
	}
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "healthy") {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/v1/version", "")
	var info map[string]string
	if err := json.Unmarshal(body, &info); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("version = %d %s", resp.StatusCode, body)
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("version info = %v", info)
	}
}

func TestHealth_Degraded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services := connwatch.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	services.Watch(ctx, connwatch.Config{
		Name:    "ollama",
		Probe:   func(context.Context) error { return fmt.Errorf("connection refused") },
		Startup: backoff.Config{InitialDelay: time.Hour, MaxRetries: 0},
	})
	deadline := time.Now().Add(time.Second)
	for services.Status()["ollama"].LastCheck.IsZero() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	s := NewServer("", 0, Deps{Services: services}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var got HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if rec.Code != http.StatusOK || got.Status != "degraded" {
		t.Errorf("health = %d %+v", rec.Code, got)
	}
	if s := got.Services["ollama"]; s.Ready || s.LastError != "connection refused" {
		t.Errorf("ollama status = %+v", s)
	}
}

func TestCompilePrompt(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/businesses/acme/prompt", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var artifact prompts.Artifact
	if err := json.Unmarshal(body, &artifact); err != nil {
		t.Fatal(err)
	}
	if artifact.BusinessID != "acme" || artifact.Version == "" || artifact.Text == "" {
		t.Errorf("artifact = %+v", artifact)
	}
	if artifact.HubMode() || !artifact.Allows("SALES") || artifact.Allows("BANKING") {
		t.Errorf("scope = %v allowed = %v", artifact.DepartmentScope, artifact.AllowedCategories)
	}

	ev := env.nextEvent(t, events.KindPromptCompiled)
	if ev.BusinessID != "acme" || !ev.Retain {
		t.Errorf("event = %+v", ev)
	}
}

func TestCompilePrompt_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		path     string
		wantCode int
		wantType string
	}{
		{"/v1/businesses/nobody/prompt", http.StatusNotFound, "not_found"},
		{"/v1/businesses/broken/prompt", http.StatusUnprocessableEntity, "configuration_error"},
		{"/v1/businesses/-dash/prompt", http.StatusBadRequest, "invalid_request_error"},
	}
	for _, tt := range tests {
		resp, body := env.do(t, http.MethodPost, tt.path, "")
		if resp.StatusCode != tt.wantCode {
			t.Errorf("%s: status = %d, want %d", tt.path, resp.StatusCode, tt.wantCode)
			continue
		}
		var eb errorBody
		if err := json.Unmarshal(body, &eb); err != nil {
			t.Fatalf("%s: %v", tt.path, err)
		}
		if eb.Error.Type != tt.wantType || eb.Error.Code != tt.wantCode {
			t.Errorf("%s: error = %+v", tt.path, eb.Error)
		}
	}
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/v1/businesses/acme/reconcile", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing provider: status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/v1/businesses/acme/reconcile?provider=outlook", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unconfigured provider: status = %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/v1/businesses/acme/reconcile?provider=gmail", "",
		"Authorization", "Bearer ya29.token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if got := env.token(); got != "ya29.token" {
		t.Errorf("token passed to provider = %q", got)
	}
	var first reconcile.Result
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatal(err)
	}
	if len(first.Required) == 0 || len(first.Created) != len(first.Required) {
		t.Errorf("first run created %d of %d", len(first.Created), len(first.Required))
	}
	if ev := env.nextEvent(t, events.KindReconciled); !ev.Retain {
		t.Error("reconciliation result should be retained")
	}

	_, body = env.do(t, http.MethodPost, "/v1/businesses/acme/reconcile?provider=gmail", "")
	var second reconcile.Result
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatal(err)
	}
	if len(second.Created) != 0 || len(second.Matched) != len(second.Required) {
		t.Errorf("second run created %d matched %d of %d", len(second.Created), len(second.Matched), len(second.Required))
	}
}

func TestReconcile_PartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.box.broken["SALES"] = true

	resp, body := env.do(t, http.MethodPost, "/v1/businesses/acme/reconcile?provider=gmail", "")
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", resp.StatusCode)
	}
	var res reconcile.Result
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) == 0 || res.Errors[0].Path != "SALES" {
		t.Errorf("errors = %+v", res.Errors)
	}
}

func TestSendEvents_RefineAndProfile(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/v1/businesses/acme/voice-profile", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("profile before learning: status = %d", resp.StatusCode)
	}

	event := `{"message_id": "m%d", "ai_draft": "Hello, we are very sorry for the delay with your order.", "final_text": "Hi, your order ships Tuesday."}`
	for i := 1; i <= 2; i++ {
		resp, body := env.do(t, http.MethodPost, "/v1/businesses/acme/send-events", fmt.Sprintf(event, i))
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("event %d: status = %d: %s", i, resp.StatusCode, body)
		}
		var out learning.Outcome
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatal(err)
		}
		if out.Record == nil {
			t.Fatalf("event %d recorded no correction: %s", i, body)
		}
		if i == 2 && (out.Refined == nil || out.Refined.IterationCount != 1) {
			t.Errorf("second event should refine: %+v", out.Refined)
		}
	}
	env.nextEvent(t, events.KindCorrectionRecorded)

	resp, _ = env.do(t, http.MethodPost, "/v1/businesses/acme/send-events", `{"ai_draft": "Thanks!"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("zero-edit event: status = %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/v1/businesses/acme/voice-profile", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile: status = %d: %s", resp.StatusCode, body)
	}
	var vp VoiceProfileResponse
	if err := json.Unmarshal(body, &vp); err != nil {
		t.Fatal(err)
	}
	if vp.Profile.SampleCount != 2 || vp.PendingCorrections != 0 || vp.ZeroEdits != 1 {
		t.Errorf("profile = samples %d pending %d zero-edits %d", vp.Profile.SampleCount, vp.PendingCorrections, vp.ZeroEdits)
	}
}

func TestSendEvents_BadBody(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/v1/businesses/acme/send-events", `{"ai_draft": `)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBaselineAndErase(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/v1/businesses/acme/voice-profile/baseline", `{"samples": ["", "  "]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty samples: status = %d", resp.StatusCode)
	}

	samples := `{"samples": ["Hi Sam,\n\nThanks for reaching out! We can be there Friday.\n\nCheers,\nDana", "Hello,\n\nYour filter is in stock.\n\nBest regards,\nDana"]}`
	resp, body := env.do(t, http.MethodPost, "/v1/businesses/acme/voice-profile/baseline", samples)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("baseline: status = %d: %s", resp.StatusCode, body)
	}
	var p voice.Profile
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatal(err)
	}
	if p.BusinessID != "acme" || p.Baseline == nil || p.Baseline.Samples != 2 || p.Confidence <= 0 {
		t.Errorf("profile = %+v", p)
	}
	env.nextEvent(t, events.KindProfileRefined)

	resp, _ = env.do(t, http.MethodGet, "/v1/businesses/acme/voice-profile", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("profile after baseline: status = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodDelete, "/v1/businesses/acme/learning-data", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("erase: status = %d", resp.StatusCode)
	}
	env.nextEvent(t, events.KindDataErased)

	resp, _ = env.do(t, http.MethodGet, "/v1/businesses/acme/voice-profile", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("profile after erase: status = %d", resp.StatusCode)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"Bearer  spaced ", "spaced"},
		{"Basic dXNlcg==", ""},
		{"", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(r); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestClassifyAndUsage(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/businesses/acme/classify",
		`{"from":"pat@example.com","to":["dana@acme.example"],"subject":"Quote for a new spa","body":"How much for an install?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("classify = %d %s", resp.StatusCode, body)
	}
	var cls llm.Classification
	if err := json.Unmarshal(body, &cls); err != nil {
		t.Fatal(err)
	}
	if cls.PrimaryCategory != "SALES" || cls.Usage == nil || cls.Usage.Model != "test-model" {
		t.Errorf("classification = %+v", cls)
	}
	if !strings.Contains(env.model.system(), "SALES") {
		t.Error("compiled prompt was not sent as the system message")
	}

	raw := "From: pat@example.com\r\nSubject: Pool quote\r\nContent-Type: text/plain\r\n\r\nPrice please.\r\n"
	rawBody, _ := json.Marshal(ClassifyRequest{Raw: raw})
	if resp, body := env.do(t, http.MethodPost, "/v1/businesses/acme/classify", string(rawBody)); resp.StatusCode != http.StatusOK {
		t.Fatalf("raw classify = %d %s", resp.StatusCode, body)
	}

	if resp, _ := env.do(t, http.MethodPost, "/v1/businesses/acme/classify", `{"from":"x@example.com"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty email = %d, want 400", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/v1/businesses/nobody/classify", `{"subject":"hi"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown business = %d, want 404", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/v1/businesses/acme/usage", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage = %d %s", resp.StatusCode, body)
	}
	var u UsageResponse
	if err := json.Unmarshal(body, &u); err != nil {
		t.Fatal(err)
	}
	if u.Total.TotalRecords != 2 || u.Total.TotalInputTokens != 3000 || u.ByCategory["SALES"].TotalRecords != 2 {
		t.Errorf("usage = %+v / %+v", u.Total, u.ByCategory)
	}

	if resp, _ := env.do(t, http.MethodGet, "/v1/businesses/acme/usage?since=yesterday", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since = %d, want 400", resp.StatusCode)
	}

	if resp, _ := env.do(t, http.MethodDelete, "/v1/businesses/acme/learning-data", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("erase = %d", resp.StatusCode)
	}
	_, body = env.do(t, http.MethodGet, "/v1/businesses/acme/usage", "")
	u = UsageResponse{}
	json.Unmarshal(body, &u)
	if u.Total == nil || u.Total.TotalRecords != 0 {
		t.Errorf("usage after erase = %+v", u.Total)
	}
}

func TestClassify_NoModel(t *testing.T) {
	s := NewServer("", 0, Deps{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/businesses/acme/classify", strings.NewReader(`{"subject":"hi"}`))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("classify without model = %d, want 503", rec.Code)
	}
}
