package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/perceptlab/imagetrial/internal/config"
)

func routerFixture(t *testing.T) *http.ServeMux {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "plain")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, n := range []string{"case_01.png", "case_02.png"} {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("png"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	exp := &config.Experiment{
		BatchID:               "b1",
		DefaultPerItemSeconds: 60,
		AllowResume:           true,
		Subsets: map[string]config.Subset{
			"all": {Name: "All Cases"},
		},
		Modes: map[string]config.Mode{
			"plain": {Name: "Unassisted", ImageDir: "plain"},
		},
		Groups: map[string]config.Group{
			"g1": {Name: "Control", Stages: []config.Stage{
				{SubsetID: "all", ModeID: "plain", Label: "baseline"},
			}},
		},
	}
	store := NewMemoryStore()
	rt := NewRouter(RouterOptions{
		Store:        store,
		Config:       exp,
		ImageRoot:    root,
		IPHashSecret: "test-secret",
		Logger:       zerolog.Nop(),
	})
	mux := http.NewServeMux()
	rt.Register(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSessionFlow(t *testing.T) {
	mux := routerFixture(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/session/start", map[string]any{
		"participant_id": "p1",
		"group_id":       "g1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	var started struct {
		SessionID string `json:"session_id"`
		Resumed   bool   `json:"resumed"`
		Items     []struct {
			ImageID    string `json:"image_id"`
			OrderIndex int    `json:"order_index"`
		} `json:"items"`
		Stages []struct {
			TotalItems int `json:"total_items"`
		} `json:"stages"`
	}
	decodeBody(t, rec, &started)
	if started.SessionID == "" || len(started.Items) != 2 || started.Resumed {
		t.Fatalf("unexpected start response: %+v", started)
	}
	if started.Stages[0].TotalItems != 2 {
		t.Fatalf("total_items = %d, want 2", started.Stages[0].TotalItems)
	}

	// finishing with no answers is rejected with the outstanding count
	rec = doJSON(t, mux, http.MethodPost, "/api/session/finish", map[string]any{
		"session_id": started.SessionID,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("finish status = %d, want 409", rec.Code)
	}
	var conflict struct {
		Remaining int `json:"remaining"`
	}
	decodeBody(t, rec, &conflict)
	if conflict.Remaining != 2 {
		t.Fatalf("remaining = %d, want 2", conflict.Remaining)
	}

	for _, it := range started.Items {
		rec = doJSON(t, mux, http.MethodPost, "/api/record", map[string]any{
			"session_id": started.SessionID,
			"image_id":   it.ImageID,
			"answer":     "yes",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("record status = %d: %s", rec.Code, rec.Body.String())
		}
	}

	totalMS := int64(120_000)
	rec = doJSON(t, mux, http.MethodPost, "/api/session/finish", map[string]any{
		"session_id":       started.SessionID,
		"total_elapsed_ms": totalMS,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("finish status = %d: %s", rec.Code, rec.Body.String())
	}
	var finished struct {
		AlreadyCompleted bool `json:"already_completed"`
	}
	decodeBody(t, rec, &finished)
	if finished.AlreadyCompleted {
		t.Fatalf("first finish reported already_completed")
	}

	// repeat finish is idempotent
	rec = doJSON(t, mux, http.MethodPost, "/api/session/finish", map[string]any{
		"session_id": started.SessionID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat finish status = %d", rec.Code)
	}
	decodeBody(t, rec, &finished)
	if !finished.AlreadyCompleted {
		t.Fatalf("repeat finish not reported as already_completed")
	}
}

func TestSessionResume(t *testing.T) {
	mux := routerFixture(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/session/start", map[string]any{
		"participant_id": "p1",
		"group_id":       "g1",
	})
	var first struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, rec, &first)

	rec = doJSON(t, mux, http.MethodPost, "/api/session/start", map[string]any{
		"participant_id": "p1",
		"group_id":       "g1",
	})
	var second struct {
		SessionID string `json:"session_id"`
		Resumed   bool   `json:"resumed"`
	}
	decodeBody(t, rec, &second)
	if !second.Resumed || second.SessionID != first.SessionID {
		t.Fatalf("second start did not resume: %+v", second)
	}
}

func TestRecordErrors(t *testing.T) {
	mux := routerFixture(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/record", map[string]any{
		"session_id": "nope",
		"image_id":   "case_01",
		"answer":     "yes",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", rec.Code)
	}

	start := doJSON(t, mux, http.MethodPost, "/api/session/start", map[string]any{
		"participant_id": "p1",
		"group_id":       "g1",
	})
	var started struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, start, &started)

	rec = doJSON(t, mux, http.MethodPost, "/api/record", map[string]any{
		"session_id": started.SessionID,
		"image_id":   "not_in_session",
		"answer":     "yes",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("foreign image status = %d, want 400", rec.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &body)
	if body.Error != "invalid_item" {
		t.Fatalf("error = %q, want invalid_item", body.Error)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/record", map[string]any{
		"session_id": started.SessionID,
		"image_id":   "case_01",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing answer status = %d, want 400", rec.Code)
	}
}

func TestStartUnknownGroup(t *testing.T) {
	mux := routerFixture(t)
	rec := doJSON(t, mux, http.MethodPost, "/api/session/start", map[string]any{
		"participant_id": "p1",
		"group_id":       "missing",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func intPtr(v int) *int { return &v }

func TestStartResolvesPerItemLimits(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "plain")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "case_01.png"), []byte("png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	exp := &config.Experiment{
		BatchID:               "b1",
		DefaultPerItemSeconds: 60,
		Subsets: map[string]config.Subset{
			"all": {Name: "All Cases"},
		},
		Modes: map[string]config.Mode{
			"plain": {Name: "Unassisted", ImageDir: "plain", PerItemSeconds: intPtr(45)},
		},
		Groups: map[string]config.Group{
			"strict": {Name: "Strict", PerItemSeconds: intPtr(20), HardTimeout: true, Stages: []config.Stage{
				{SubsetID: "all", ModeID: "plain"},
			}},
			"lax": {Name: "Lax", SoftTimeout: true, Stages: []config.Stage{
				{SubsetID: "all", ModeID: "plain"},
			}},
		},
	}
	rt := NewRouter(RouterOptions{
		Store:        NewMemoryStore(),
		Config:       exp,
		ImageRoot:    root,
		IPHashSecret: "test-secret",
		Logger:       zerolog.Nop(),
	})
	mux := http.NewServeMux()
	rt.Register(mux)

	var started struct {
		HardTimeout bool `json:"hard_timeout"`
		SoftTimeout bool `json:"soft_timeout"`
		Stages      []struct {
			PerItemSeconds int `json:"per_item_seconds"`
		} `json:"stages"`
	}

	// group override wins over the mode's limit
	rec := doJSON(t, mux, http.MethodPost, "/api/session/start", map[string]any{
		"participant_id": "p1",
		"group_id":       "strict",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &started)
	if started.Stages[0].PerItemSeconds != 20 {
		t.Fatalf("per_item_seconds = %d, want 20", started.Stages[0].PerItemSeconds)
	}
	if !started.HardTimeout || started.SoftTimeout {
		t.Fatalf("timeout flags = (%v,%v), want (true,false)", started.HardTimeout, started.SoftTimeout)
	}

	// without a group override the mode's limit applies
	rec = doJSON(t, mux, http.MethodPost, "/api/session/start", map[string]any{
		"participant_id": "p2",
		"group_id":       "lax",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &started)
	if started.Stages[0].PerItemSeconds != 45 {
		t.Fatalf("per_item_seconds = %d, want 45", started.Stages[0].PerItemSeconds)
	}
	if started.HardTimeout || !started.SoftTimeout {
		t.Fatalf("timeout flags = (%v,%v), want (false,true)", started.HardTimeout, started.SoftTimeout)
	}
}

func TestExportCSV(t *testing.T) {
	mux := routerFixture(t)

	start := doJSON(t, mux, http.MethodPost, "/api/session/start", map[string]any{
		"participant_id": "p1",
		"group_id":       "g1",
	})
	var started struct {
		SessionID string `json:"session_id"`
		Items     []struct {
			ImageID string `json:"image_id"`
		} `json:"items"`
	}
	decodeBody(t, start, &started)
	doJSON(t, mux, http.MethodPost, "/api/record", map[string]any{
		"session_id": started.SessionID,
		"image_id":   started.Items[0].ImageID,
		"answer":     "yes",
	})

	rec := doJSON(t, mux, http.MethodGet, "/api/export/csv?group_id=g1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d csv lines, want header plus one row", len(lines))
	}
	if !strings.HasPrefix(lines[0], "session_id,participant_id") {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], started.Items[0].ImageID) {
		t.Fatalf("row missing image id: %s", lines[1])
	}

	// filter that matches nothing still returns just a header
	rec = doJSON(t, mux, http.MethodGet, "/api/export/csv?group_id=other", nil)
	lines = strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d csv lines, want header only", len(lines))
	}
}

func TestImageHandler(t *testing.T) {
	mux := routerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/images/plain/case_01.png", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("image status = %d", rec.Code)
	}
	if rec.Body.String() != "png" {
		t.Fatalf("unexpected image body %q", rec.Body.String())
	}

	for _, path := range []string{
		"/images/plain/missing.png",
		"/images/unknownmode/case_01.png",
	} {
		req = httptest.NewRequest(http.MethodGet, path, nil)
		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestConfigEndpoint(t *testing.T) {
	mux := routerFixture(t)

	rec := doJSON(t, mux, http.MethodGet, "/api/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("config status = %d", rec.Code)
	}
	var cfg struct {
		BatchID string `json:"batch_id"`
		Groups  []struct {
			GroupID string `json:"group_id"`
		} `json:"groups"`
		Modes []struct {
			ModeID string            `json:"mode_id"`
			Images []json.RawMessage `json:"images"`
		} `json:"modes"`
	}
	decodeBody(t, rec, &cfg)
	if cfg.BatchID != "b1" || len(cfg.Groups) != 1 || len(cfg.Modes) != 1 {
		t.Fatalf("unexpected config payload: %+v", cfg)
	}
	if len(cfg.Modes[0].Images) != 2 {
		t.Fatalf("got %d images, want 2", len(cfg.Modes[0].Images))
	}
}
