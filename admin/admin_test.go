package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/interceptor-proxy/interceptor/model"
	"github.com/interceptor-proxy/interceptor/store"
)

type fakeStore struct {
	interactions []model.Interaction
	sessions     []model.SessionSummary
	stats        store.Stats
	deletedAll   bool
	deletedID    string
}

func (f *fakeStore) ListInteractions(ctx context.Context, filter store.ListInteractionsFilter) ([]model.Interaction, error) {
	var out []model.Interaction
	for _, in := range f.interactions {
		if filter.SessionID != "" && (in.SessionID == nil || *in.SessionID != filter.SessionID) {
			continue
		}
		if filter.Provider != "" && in.Provider != filter.Provider {
			continue
		}
		if filter.Model != "" && in.Model != filter.Model {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

func (f *fakeStore) GetInteraction(ctx context.Context, id string) (model.Interaction, error) {
	for _, in := range f.interactions {
		if in.ID == id {
			return in, nil
		}
	}
	return model.Interaction{}, store.ErrNotFound
}

func (f *fakeStore) DeleteInteraction(ctx context.Context, id string) error {
	for _, in := range f.interactions {
		if in.ID == id {
			f.deletedID = id
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) ListSessions(ctx context.Context) ([]model.SessionSummary, error) {
	return f.sessions, nil
}

func (f *fakeStore) GetStats(ctx context.Context) (store.Stats, error) {
	return f.stats, nil
}

func (f *fakeStore) DeleteAll(ctx context.Context) error {
	f.deletedAll = true
	return nil
}

func newTestMux(f *fakeStore) *http.ServeMux {
	mux := http.NewServeMux()
	New(f).Mount(mux)
	return mux
}

func TestHandleHealth(t *testing.T) {
	mux := newTestMux(&fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/_interceptor/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body)
	}
}

func TestHandleStats(t *testing.T) {
	f := &fakeStore{stats: store.Stats{
		TotalInteractions: 5,
		ByProvider:        map[string]int{"openai": 3, "anthropic": 2},
	}}
	mux := newTestMux(f)
	req := httptest.NewRequest(http.MethodGet, "/_interceptor/stats", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got store.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.TotalInteractions != 5 {
		t.Errorf("expected 5 total interactions, got %d", got.TotalInteractions)
	}
}

func TestHandleSessions(t *testing.T) {
	f := &fakeStore{sessions: []model.SessionSummary{
		{SessionID: "agent-a", Count: 2, Models: []string{"gpt-4o"}, FirstSeen: time.Now(), LastSeen: time.Now()},
	}}
	mux := newTestMux(f)
	req := httptest.NewRequest(http.MethodGet, "/_interceptor/sessions", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var got []model.SessionSummary
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "agent-a" {
		t.Errorf("expected one session agent-a, got %+v", got)
	}
}

func TestHandleInteractions_ListWithFilter(t *testing.T) {
	sid := "agent-a"
	other := "agent-b"
	f := &fakeStore{interactions: []model.Interaction{
		{ID: "1", SessionID: &sid, Provider: model.ProviderOpenAI},
		{ID: "2", SessionID: &other, Provider: model.ProviderAnthropic},
	}}
	mux := newTestMux(f)
	req := httptest.NewRequest(http.MethodGet, "/_interceptor/interactions?session_id=agent-a", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var got []model.Interaction
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Errorf("expected only interaction 1, got %+v", got)
	}
}

func TestHandleInteractions_ListWithModelFilter(t *testing.T) {
	f := &fakeStore{interactions: []model.Interaction{
		{ID: "1", Provider: model.ProviderOpenAI, Model: "gpt-4o"},
		{ID: "2", Provider: model.ProviderOpenAI, Model: "gpt-3.5-turbo"},
	}}
	mux := newTestMux(f)
	req := httptest.NewRequest(http.MethodGet, "/_interceptor/interactions?model=gpt-4o", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var got []model.Interaction
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Errorf("expected only interaction 1, got %+v", got)
	}
}

func TestHandleInteractions_DeleteAll(t *testing.T) {
	f := &fakeStore{}
	mux := newTestMux(f)
	req := httptest.NewRequest(http.MethodDelete, "/_interceptor/interactions", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if !f.deletedAll {
		t.Error("expected DeleteAll to be called")
	}
}

func TestHandleInteractionByID_Get(t *testing.T) {
	f := &fakeStore{interactions: []model.Interaction{{ID: "abc123", Provider: model.ProviderOllama}}}
	mux := newTestMux(f)
	req := httptest.NewRequest(http.MethodGet, "/_interceptor/interactions/abc123", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got model.Interaction
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.ID != "abc123" {
		t.Errorf("expected id abc123, got %s", got.ID)
	}
}

func TestHandleInteractionByID_NotFound(t *testing.T) {
	f := &fakeStore{}
	mux := newTestMux(f)
	req := httptest.NewRequest(http.MethodGet, "/_interceptor/interactions/missing", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleInteractionByID_Delete(t *testing.T) {
	f := &fakeStore{interactions: []model.Interaction{{ID: "abc123"}}}
	mux := newTestMux(f)
	req := httptest.NewRequest(http.MethodDelete, "/_interceptor/interactions/abc123", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if f.deletedID != "abc123" {
		t.Errorf("expected delete called with abc123, got %q", f.deletedID)
	}
}
