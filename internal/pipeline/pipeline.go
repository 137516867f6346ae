// Package pipeline orchestrates PII detection, mapping lookup, and
// substitution for a single piece of text, and the recursive JSON traversal
// that applies that orchestration to an entire decoded message.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mcpconceal/internal/detector"
	"mcpconceal/internal/faker"
	"mcpconceal/internal/llmdetector"
	"mcpconceal/internal/logger"
	"mcpconceal/internal/metrics"
	"mcpconceal/internal/promptloader"
	"mcpconceal/internal/store"
)

// Mode selects which detector(s) feed the pipeline.
type Mode string

const (
	ModeRegex    Mode = "regex"
	ModeLLM      Mode = "llm"
	ModeRegexLLM Mode = "regex_llm"
)

// Pipeline is the detect -> combine -> lookup-or-generate -> rewrite
// orchestrator for one worker. It is not safe for concurrent use by
// multiple goroutines; each duplex-proxy worker owns its own instance.
type Pipeline struct {
	store            *store.Store
	patternDetector  *detector.PatternDetector
	llmDetector      *llmdetector.Detector
	faker            *faker.Faker
	promptLoader     *promptloader.PromptLoader
	log              *logger.Logger
	metrics          *metrics.Metrics

	detectionEnabled bool
	mode             Mode
	promptTemplate   *string
}

// Config carries everything Process needs beyond the text and mode.
type Config struct {
	Store            *store.Store
	PatternDetector  *detector.PatternDetector
	LLMDetector      *llmdetector.Detector
	Faker            *faker.Faker
	PromptLoader     *promptloader.PromptLoader
	Log              *logger.Logger
	Metrics          *metrics.Metrics
	DetectionEnabled bool
	Mode             Mode
	PromptTemplate   *string
}

// New builds a Pipeline from its component dependencies. Metrics is
// optional; a nil value disables counter/latency recording.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		store:            cfg.Store,
		patternDetector:  cfg.PatternDetector,
		llmDetector:      cfg.LLMDetector,
		faker:            cfg.Faker,
		promptLoader:     cfg.PromptLoader,
		log:              cfg.Log,
		metrics:          cfg.Metrics,
		detectionEnabled: cfg.DetectionEnabled,
		mode:             cfg.Mode,
		promptTemplate:   cfg.PromptTemplate,
	}
}

// Process runs the full detect/combine/materialize/rewrite sequence over
// one string and returns the rewritten text. When detection is globally
// disabled, it returns text unchanged without consulting either detector.
func (p *Pipeline) Process(ctx context.Context, text string) (string, error) {
	if !p.detectionEnabled {
		return text, nil
	}

	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordLineLatency(time.Since(start))
		}
	}()

	var entities []detector.DetectedEntity
	switch p.mode {
	case ModeRegex:
		entities = p.recordPatternHits(p.patternDetector.DetectInText(text))
	case ModeLLM:
		entities = p.llmCachedEntities(ctx, text)
	default: // ModeRegexLLM
		entities = combine(p.recordPatternHits(p.patternDetector.DetectInText(text)), p.llmCachedEntities(ctx, text))
	}

	if len(entities) == 0 {
		return text, nil
	}

	replacements := p.materialize(entities)
	if len(replacements) == 0 {
		return text, nil
	}
	return detector.ReplaceEntities(text, replacements), nil
}

// recordPatternHits tallies one pattern-detector hit per entity type and
// returns entities unchanged, so it can be inlined at each call site.
func (p *Pipeline) recordPatternHits(entities []detector.DetectedEntity) []detector.DetectedEntity {
	if p.metrics != nil {
		for _, e := range entities {
			p.metrics.RecordPatternHit(e.EntityType)
		}
	}
	return entities
}

// llmCachedEntities resolves entities for text via the LLM cache, falling
// back to a live extraction call on a cache miss. On a miss, any failure
// (health check, extraction error, disabled detector) yields an empty list
// rather than propagating — the LLM detector is always fail-open.
func (p *Pipeline) llmCachedEntities(ctx context.Context, text string) []detector.DetectedEntity {
	if p.llmDetector == nil {
		return nil
	}

	model := p.llmDetector.Model()
	if cached, ok := p.store.GetLLMCache(text, model); ok {
		if p.metrics != nil {
			p.metrics.LLMCacheHits.Add(1)
		}
		return cached
	}
	if p.metrics != nil {
		p.metrics.LLMCacheMisses.Add(1)
	}

	if !p.llmDetector.HealthCheck(ctx) {
		return nil
	}

	template := p.promptLoader.LoadPrompt(p.promptTemplate)

	llmStart := time.Now()
	entities, err := p.llmDetector.ExtractEntities(ctx, template, text)
	if p.metrics != nil {
		p.metrics.RecordLLMLatency(time.Since(llmStart))
		p.metrics.LLMCallsTotal.Add(1)
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.LLMCallsFailed.Add(1)
		}
		if p.log != nil {
			p.log.Warnf("llm_detect", "extraction failed, continuing without LLM entities: %v", err)
		}
		return nil
	}

	if p.metrics != nil {
		for _, e := range entities {
			p.metrics.RecordLLMEntityHit(e.EntityType)
		}
	}

	if err := p.store.PutLLMCache(text, entities, model, time.Now()); err != nil && p.log != nil {
		p.log.Warnf("llm_cache", "failed to persist cache entry: %v", err)
	}
	return entities
}

// combine deduplicates regex and LLM entities by (entityType, start, end);
// LLM entries are inserted last and overwrite regex entries on collision.
func combine(regexEntities, llmEntities []detector.DetectedEntity) []detector.DetectedEntity {
	type key struct {
		entityType string
		start, end int
	}
	byKey := make(map[key]detector.DetectedEntity, len(regexEntities)+len(llmEntities))
	for _, e := range regexEntities {
		byKey[key{e.EntityType, e.Start, e.End}] = e
	}
	for _, e := range llmEntities {
		byKey[key{e.EntityType, e.Start, e.End}] = e
	}

	out := make([]detector.DetectedEntity, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	return out
}

// materialize resolves a fake value for each entity, consulting the store
// first and persisting freshly-generated fakes via PutMapping.
func (p *Pipeline) materialize(entities []detector.DetectedEntity) map[string]string {
	replacements := make(map[string]string, len(entities))
	for _, e := range entities {
		if _, already := replacements[e.OriginalValue]; already {
			continue
		}

		if p.metrics != nil {
			p.metrics.MappingGets.Add(1)
		}
		if fake, ok := p.store.GetMapping(e.EntityType, e.OriginalValue); ok {
			replacements[e.OriginalValue] = fake
			continue
		}

		anon := p.faker.AnonymizeEntity(e)
		if err := p.store.PutMapping(e.EntityType, e.OriginalValue, anon.FakeValue, anon.MappingID, time.Now()); err != nil && p.log != nil {
			p.log.Warnf("mapping_put", "failed to persist mapping: %v", err)
		} else if p.metrics != nil {
			p.metrics.MappingPuts.Add(1)
		}
		replacements[e.OriginalValue] = anon.FakeValue
	}
	return replacements
}

// WalkJSON recursively rewrites every string leaf of value whose trimmed
// length exceeds 3 via Process, and reports whether any leaf changed.
// Arrays and objects are traversed; numbers/booleans/null pass through
// untouched.
func (p *Pipeline) WalkJSON(ctx context.Context, value any) (any, bool, error) {
	switch v := value.(type) {
	case map[string]any:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			rewritten, childChanged, err := p.WalkJSON(ctx, child)
			if err != nil {
				return nil, false, err
			}
			out[k] = rewritten
			changed = changed || childChanged
		}
		return out, changed, nil

	case []any:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			rewritten, childChanged, err := p.WalkJSON(ctx, child)
			if err != nil {
				return nil, false, err
			}
			out[i] = rewritten
			changed = changed || childChanged
		}
		return out, changed, nil

	case string:
		if len(strings.TrimSpace(v)) <= 3 {
			return v, false, nil
		}
		rewritten, err := p.Process(ctx, v)
		if err != nil {
			return nil, false, fmt.Errorf("process string leaf: %w", err)
		}
		return rewritten, rewritten != v, nil

	default:
		return v, false, nil
	}
}
