package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/interceptor-proxy/interceptor/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleInteraction(id string) model.Interaction {
	return model.Interaction{
		ID:              id,
		StartedAt:       time.Now(),
		Provider:        model.ProviderOpenAI,
		Method:          "POST",
		Path:            "/v1/chat/completions",
		ClientAddr:      "127.0.0.1:1234",
		RequestHeaders:  map[string]string{"content-type": "application/json"},
		Model:           "gpt-4o",
		Messages:        []model.Message{{Role: "user", Content: "hi"}},
		StreamRequested: true,
	}
}

func TestInsertAndGetInteraction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := sampleInteraction("int-1")
	if err := s.InsertInteraction(ctx, in); err != nil {
		t.Fatalf("InsertInteraction: %v", err)
	}

	got, err := s.GetInteraction(ctx, "int-1")
	if err != nil {
		t.Fatalf("GetInteraction: %v", err)
	}
	if got.Model != "gpt-4o" || got.Provider != model.ProviderOpenAI {
		t.Errorf("unexpected round trip: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
		t.Errorf("expected messages round trip, got %+v", got.Messages)
	}
}

func TestGetInteraction_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetInteraction(context.Background(), "missing")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFinalizeInteraction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := sampleInteraction("int-2")
	if err := s.InsertInteraction(ctx, in); err != nil {
		t.Fatalf("InsertInteraction: %v", err)
	}

	in.CompletedAt = time.Now()
	in.StatusCode = 200
	in.ReconstructedText = "hello there"
	in.TotalTokens = 10
	cost := 0.002
	in.CostEstimate = &cost

	if err := s.FinalizeInteraction(ctx, in); err != nil {
		t.Fatalf("FinalizeInteraction: %v", err)
	}

	got, err := s.GetInteraction(ctx, "int-2")
	if err != nil {
		t.Fatalf("GetInteraction: %v", err)
	}
	if got.ReconstructedText != "hello there" || got.StatusCode != 200 {
		t.Errorf("expected finalize fields persisted, got %+v", got)
	}
	if got.CostEstimate == nil || *got.CostEstimate != 0.002 {
		t.Errorf("expected cost estimate persisted, got %v", got.CostEstimate)
	}
}

func TestAppendChunkAndListChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := sampleInteraction("int-3")
	if err := s.InsertInteraction(ctx, in); err != nil {
		t.Fatalf("InsertInteraction: %v", err)
	}

	for i := 0; i < 3; i++ {
		c := model.StreamChunk{
			ID:            "chunk-" + string(rune('0'+i)),
			InteractionID: "int-3",
			Seq:           i,
			ReceivedAt:    time.Now(),
			Raw:           []byte("data"),
			EventType:     "chunk",
		}
		if err := s.AppendChunk(ctx, c); err != nil {
			t.Fatalf("AppendChunk %d: %v", i, err)
		}
	}

	chunks, err := s.ListChunks(ctx, "int-3")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Seq != i {
			t.Errorf("expected chunks in seq order, got %+v", chunks)
		}
	}
}

func TestListInteractions_FilterBySessionAndProvider(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := "sess-a"
	a := sampleInteraction("int-a")
	a.SessionID = &sess
	b := sampleInteraction("int-b")
	b.Provider = model.ProviderAnthropic
	b.Model = "claude-3-5-sonnet-20241022"

	for _, in := range []model.Interaction{a, b} {
		if err := s.InsertInteraction(ctx, in); err != nil {
			t.Fatalf("InsertInteraction: %v", err)
		}
	}

	bySession, err := s.ListInteractions(ctx, ListInteractionsFilter{SessionID: sess})
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(bySession) != 1 || bySession[0].ID != "int-a" {
		t.Errorf("expected only int-a for session filter, got %+v", bySession)
	}

	byProvider, err := s.ListInteractions(ctx, ListInteractionsFilter{Provider: model.ProviderAnthropic})
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(byProvider) != 1 || byProvider[0].ID != "int-b" {
		t.Errorf("expected only int-b for provider filter, got %+v", byProvider)
	}

	byModel, err := s.ListInteractions(ctx, ListInteractionsFilter{Model: b.Model})
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(byModel) != 1 || byModel[0].ID != "int-b" {
		t.Errorf("expected only int-b for model filter, got %+v", byModel)
	}
}

func TestListSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := "sess-b"
	a := sampleInteraction("int-x")
	a.SessionID = &sess
	b := sampleInteraction("int-y")
	b.SessionID = &sess
	b.Model = "gpt-4o-mini"

	for _, in := range []model.Interaction{a, b} {
		if err := s.InsertInteraction(ctx, in); err != nil {
			t.Fatalf("InsertInteraction: %v", err)
		}
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].Count != 2 {
		t.Errorf("expected count 2, got %d", sessions[0].Count)
	}
	if len(sessions[0].Models) != 2 {
		t.Errorf("expected 2 distinct models, got %v", sessions[0].Models)
	}
}

func TestDeleteInteraction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := sampleInteraction("int-del")
	if err := s.InsertInteraction(ctx, in); err != nil {
		t.Fatalf("InsertInteraction: %v", err)
	}
	if err := s.DeleteInteraction(ctx, "int-del"); err != nil {
		t.Fatalf("DeleteInteraction: %v", err)
	}
	if _, err := s.GetInteraction(ctx, "int-del"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"int-1", "int-2"} {
		if err := s.InsertInteraction(ctx, sampleInteraction(id)); err != nil {
			t.Fatalf("InsertInteraction: %v", err)
		}
	}
	if err := s.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}

	got, err := s.ListInteractions(ctx, ListInteractionsFilter{})
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no interactions after DeleteAll, got %d", len(got))
	}
}

func TestGetStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := sampleInteraction("int-stats")
	if err := s.InsertInteraction(ctx, in); err != nil {
		t.Fatalf("InsertInteraction: %v", err)
	}
	in.PromptTokens = 5
	in.CompletionTokens = 7
	cost := 0.01
	in.CostEstimate = &cost
	if err := s.FinalizeInteraction(ctx, in); err != nil {
		t.Fatalf("FinalizeInteraction: %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalInteractions != 1 {
		t.Errorf("expected 1 interaction, got %d", stats.TotalInteractions)
	}
	if stats.ByProvider["openai"] != 1 {
		t.Errorf("expected openai count 1, got %+v", stats.ByProvider)
	}
	if stats.TotalPromptTokens != 5 || stats.TotalCompletionTokens != 7 {
		t.Errorf("expected token totals, got %+v", stats)
	}
}
