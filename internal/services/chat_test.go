package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BerylCAtieno/upload-insights-api/internal/analyzer"
	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
)

type fakeAnswerer struct {
	answer string
	err    error
	calls  int
}

func (f *fakeAnswerer) Answer(ctx context.Context, query string) (string, error) {
	f.calls++
	return f.answer, f.err
}

func (e *env) chat(a analyzer.Answerer) ChatService {
	return NewChatService(e.ledger, e.cache, e.snap, a, time.Hour, utils.Discard())
}

func ask(t *testing.T, svc ChatService, q string) *models.ChatResponse {
	t.Helper()
	resp, err := svc.Ask(context.Background(), q)
	if err != nil {
		t.Fatalf("Ask(%q): %v", q, err)
	}
	return resp
}

func TestChatEmptyQueryPrompts(t *testing.T) {
	e := newEnv(t)
	resp := ask(t, e.chat(nil), "   ")
	if resp.Source != SourcePrompt || resp.Answer != promptAnswer {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestChatDescribesRecords(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	id, err := e.ledger.Create(ctx, &models.UploadRecord{Filename: "sales.csv", Kind: models.KindTabular})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ledger.Complete(ctx, id, models.StatusSuccess, models.Stats{"total_quantity": 15}); err != nil {
		t.Fatal(err)
	}
	e.mr.Set("upload_result:7", `{"prediction":"defect","confidence":0.8}`)

	svc := e.chat(nil)
	tests := []struct {
		query string
		want  string
	}{
		{"what happened to upload #7?", `Upload #7 result: {"prediction":"defect"`},
		{"show record 1", `Upload #1 (sales.csv) is SUCCESS: {"total_quantity":15}`},
		{"Record #99", "Upload #99 was not found."},
	}
	for _, tt := range tests {
		resp := ask(t, svc, tt.query)
		if resp.Source != SourceRecord || !strings.HasPrefix(resp.Answer, tt.want) {
			t.Errorf("Ask(%q) = %+v, want prefix %q", tt.query, resp, tt.want)
		}
	}
}

func TestChatAnswersFromLatestStatistics(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if err := e.snap.SaveLatest(ctx, models.Stats{"total_revenue": 40.5, "num_invoices": 2}); err != nil {
		t.Fatal(err)
	}

	llm := &fakeAnswerer{answer: "unused"}
	resp := ask(t, e.chat(llm), "What is the TOTAL_REVENUE right now?")
	if resp.Source != SourceStatistics || resp.Answer != "total_revenue is currently 40.5." {
		t.Fatalf("unexpected response %+v", resp)
	}
	if llm.calls != 0 {
		t.Fatal("statistics answers must not call the LLM")
	}
}

func TestChatMemoizesLLMAnswers(t *testing.T) {
	e := newEnv(t)
	llm := &fakeAnswerer{answer: "Upload a CSV to get statistics."}
	svc := e.chat(llm)

	first := ask(t, svc, "How do I use this?")
	second := ask(t, svc, "  how do i use this?")
	if first.Source != SourceLLM || second.Answer != first.Answer {
		t.Fatalf("unexpected responses %+v %+v", first, second)
	}
	if llm.calls != 1 {
		t.Fatalf("LLM called %d times, want 1", llm.calls)
	}
}

func TestChatFallsBackWhenLLMUnavailable(t *testing.T) {
	tests := []struct {
		name     string
		answerer analyzer.Answerer
	}{
		{"no answerer", nil},
		{"answerer error", &fakeAnswerer{err: errors.New("timeout")}},
		{"not configured", analyzer.NewOpenRouterAnalyzer("", "m", utils.Discard())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			resp := ask(t, e.chat(tt.answerer), "tell me a joke")
			if resp.Source != SourceFallback || resp.Answer != fallbackAnswer {
				t.Fatalf("unexpected response %+v", resp)
			}
			if len(e.mr.Keys()) != 0 {
				t.Fatalf("fallback answers must not be cached, keys=%v", e.mr.Keys())
			}
		})
	}
}
