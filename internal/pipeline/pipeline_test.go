package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mcpconceal/internal/detector"
	"mcpconceal/internal/faker"
	"mcpconceal/internal/llmdetector"
	"mcpconceal/internal/metrics"
	"mcpconceal/internal/promptloader"
	"mcpconceal/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.InMemoryPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPatternDetector(t *testing.T) *detector.PatternDetector {
	t.Helper()
	d, err := detector.New(detector.DefaultPatterns(), 0.8)
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	return d
}

func newTestFaker() *faker.Faker {
	seed := uint64(7)
	return faker.New(faker.Config{Locale: "en_US", Seed: &seed})
}

func newTestPromptLoader(t *testing.T) *promptloader.PromptLoader {
	t.Helper()
	dir := t.TempDir()
	l, err := promptloader.New(dir, nil)
	if err != nil {
		t.Fatalf("new prompt loader: %v", err)
	}
	return l
}

func TestProcess_DetectionDisabledReturnsUnchanged(t *testing.T) {
	p := New(Config{
		Store:            newTestStore(t),
		PatternDetector:  newPatternDetector(t),
		Faker:            newTestFaker(),
		PromptLoader:     newTestPromptLoader(t),
		DetectionEnabled: false,
		Mode:             ModeRegex,
	})
	text := "contact john@example.com"
	got, err := p.Process(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != text {
		t.Errorf("expected unchanged text, got %q", got)
	}
}

func TestProcess_RegexModeRewritesEmail(t *testing.T) {
	p := New(Config{
		Store:            newTestStore(t),
		PatternDetector:  newPatternDetector(t),
		Faker:            newTestFaker(),
		PromptLoader:     newTestPromptLoader(t),
		DetectionEnabled: true,
		Mode:             ModeRegex,
	})
	text := "mail me at john@example.com"
	got, err := p.Process(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == text {
		t.Error("expected text to be rewritten")
	}
}

func TestProcess_NoEntitiesReturnsByteIdenticalString(t *testing.T) {
	p := New(Config{
		Store:            newTestStore(t),
		PatternDetector:  newPatternDetector(t),
		Faker:            newTestFaker(),
		PromptLoader:     newTestPromptLoader(t),
		DetectionEnabled: true,
		Mode:             ModeRegex,
	})
	text := "nothing sensitive here"
	got, err := p.Process(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != text {
		t.Errorf("expected unchanged text, got %q", got)
	}
}

func TestProcess_MappingStableAcrossCalls(t *testing.T) {
	s := newTestStore(t)
	p := New(Config{
		Store:            s,
		PatternDetector:  newPatternDetector(t),
		Faker:            newTestFaker(),
		PromptLoader:     newTestPromptLoader(t),
		DetectionEnabled: true,
		Mode:             ModeRegex,
	})
	text := "ping john@example.com please"
	first, err := p.Process(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Process(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("expected stable substitution across calls, got %q then %q", first, second)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalMappings != 1 {
		t.Errorf("expected exactly one persisted mapping, got %d", stats.TotalMappings)
	}
}

func TestProcess_LLMUnavailableFallsBackToRegexOnlyOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "refused", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	llm := llmdetector.New(llmdetector.Config{Endpoint: srv.URL, Enabled: true, Timeout: time.Second})

	regexOnly := New(Config{
		Store:            newTestStore(t),
		PatternDetector:  newPatternDetector(t),
		Faker:            newTestFaker(),
		PromptLoader:     newTestPromptLoader(t),
		DetectionEnabled: true,
		Mode:             ModeRegex,
	})
	withLLM := New(Config{
		Store:            newTestStore(t),
		PatternDetector:  newPatternDetector(t),
		LLMDetector:      llm,
		Faker:            newTestFaker(),
		PromptLoader:     newTestPromptLoader(t),
		DetectionEnabled: true,
		Mode:             ModeRegexLLM,
	})

	text := "mail me at john@example.com"
	regexOut, err := regexOnly.Process(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	llmOut, err := withLLM.Process(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	if regexOut != llmOut {
		t.Errorf("expected llm-unavailable output to match regex-only output: %q vs %q", llmOut, regexOut)
	}
}

func TestProcess_LLMCacheHitAvoidsSecondHTTPCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.WriteHeader(http.StatusOK)
		case "/api/generate":
			calls++
			resp := map[string]any{
				"response": `{"entities": [{"type": "phone", "value": "555-123-4567", "start": 11, "end": 23}]}`,
			}
			_ = json.NewEncoder(w).Encode(resp)
		}
	}))
	defer srv.Close()

	llm := llmdetector.New(llmdetector.Config{Endpoint: srv.URL, Model: "llama3", Enabled: true, Timeout: time.Second})
	p := New(Config{
		Store:            newTestStore(t),
		PatternDetector:  newPatternDetector(t),
		LLMDetector:      llm,
		Faker:            newTestFaker(),
		PromptLoader:     newTestPromptLoader(t),
		DetectionEnabled: true,
		Mode:             ModeLLM,
	})

	text := "call me at 555-123-4567"
	if _, err := p.Process(context.Background(), text); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Process(context.Background(), text); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one generate call due to caching, got %d", calls)
	}
}

func TestWalkJSON_RewritesNestedContentLeaf(t *testing.T) {
	p := New(Config{
		Store:            newTestStore(t),
		PatternDetector:  newPatternDetector(t),
		Faker:            newTestFaker(),
		PromptLoader:     newTestPromptLoader(t),
		DetectionEnabled: true,
		Mode:             ModeRegex,
	})
	var value any
	raw := `{"result":{"content":[{"type":"text","text":"Call Sarah at 555-123-4567"}]}}`
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		t.Fatal(err)
	}
	out, changed, err := p.WalkJSON(context.Background(), value)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected a leaf to change")
	}
	obj := out.(map[string]any)
	result := obj["result"].(map[string]any)
	content := result["content"].([]any)
	item := content[0].(map[string]any)
	if item["text"] == "Call Sarah at 555-123-4567" {
		t.Error("expected phone number to be rewritten")
	}
}

func TestWalkJSON_ShortStringsUntouched(t *testing.T) {
	p := New(Config{
		Store:            newTestStore(t),
		PatternDetector:  newPatternDetector(t),
		Faker:            newTestFaker(),
		PromptLoader:     newTestPromptLoader(t),
		DetectionEnabled: true,
		Mode:             ModeRegex,
	})
	var value any
	if err := json.Unmarshal([]byte(`{"a":"hi","b":42,"c":null,"d":true}`), &value); err != nil {
		t.Fatal(err)
	}
	out, changed, err := p.WalkJSON(context.Background(), value)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("expected no changes for short/non-string leaves")
	}
	obj := out.(map[string]any)
	if obj["a"] != "hi" {
		t.Errorf("expected short string untouched, got %v", obj["a"])
	}
}

func TestProcess_RecordsPatternHitMetric(t *testing.T) {
	m := metrics.New()
	p := New(Config{
		Store:            newTestStore(t),
		PatternDetector:  newPatternDetector(t),
		Faker:            newTestFaker(),
		PromptLoader:     newTestPromptLoader(t),
		Metrics:          m,
		DetectionEnabled: true,
		Mode:             ModeRegex,
	})
	if _, err := p.Process(context.Background(), "mail me at john@example.com"); err != nil {
		t.Fatal(err)
	}

	snap := m.Snapshot()
	if snap.Detection.PatternHitsByType["email"] != 1 {
		t.Errorf("expected one email pattern hit, got %d", snap.Detection.PatternHitsByType["email"])
	}
	if snap.Latency.LineMs.Count != 1 {
		t.Errorf("expected one recorded line latency sample, got %d", snap.Latency.LineMs.Count)
	}
	if snap.Mapping.Puts != 1 {
		t.Errorf("expected one mapping put, got %d", snap.Mapping.Puts)
	}
}

func TestCombine_LLMWinsOnCollision(t *testing.T) {
	regexEntities := []detector.DetectedEntity{{EntityType: "email", Start: 0, End: 10, Confidence: 0.7, OriginalValue: "regex-val"}}
	llmEntities := []detector.DetectedEntity{{EntityType: "email", Start: 0, End: 10, Confidence: 0.95, OriginalValue: "llm-val"}}
	out := combine(regexEntities, llmEntities)
	if len(out) != 1 {
		t.Fatalf("expected exactly one deduped entity, got %d", len(out))
	}
	if out[0].OriginalValue != "llm-val" {
		t.Errorf("expected LLM entity to win collision, got %+v", out[0])
	}
}
