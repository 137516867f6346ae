package metrics

import (
	"testing"
	"time"
)

func TestNew_StartTimeSet(t *testing.T) {
	before := time.Now()
	m := New()
	after := time.Now()

	if m.startTime.Before(before) || m.startTime.After(after) {
		t.Errorf("startTime %v not in expected range [%v, %v]", m.startTime, before, after)
	}
}

func TestZeroValue_SnapshotSafe(t *testing.T) {
	var m Metrics
	s := m.Snapshot()
	if s.Lines.Total != 0 {
		t.Errorf("expected 0 total lines, got %d", s.Lines.Total)
	}
}

func TestLineCounters(t *testing.T) {
	m := New()
	m.LinesTotal.Add(10)
	m.LinesRewritten.Add(4)
	m.LinesControlPassthrough.Add(3)
	m.LinesParseFailed.Add(1)

	s := m.Snapshot()
	if s.Lines.Total != 10 {
		t.Errorf("Total: got %d, want 10", s.Lines.Total)
	}
	if s.Lines.Rewritten != 4 {
		t.Errorf("Rewritten: got %d, want 4", s.Lines.Rewritten)
	}
	if s.Lines.ControlPassthrough != 3 {
		t.Errorf("ControlPassthrough: got %d, want 3", s.Lines.ControlPassthrough)
	}
	if s.Lines.ParseFailed != 1 {
		t.Errorf("ParseFailed: got %d, want 1", s.Lines.ParseFailed)
	}
}

func TestLLMCallCounters(t *testing.T) {
	m := New()
	m.LLMCallsTotal.Add(8)
	m.LLMCallsFailed.Add(2)
	m.LLMCacheHits.Add(5)
	m.LLMCacheMisses.Add(3)

	s := m.Snapshot()
	if s.Detection.LLMCallsTotal != 8 {
		t.Errorf("LLMCallsTotal: got %d, want 8", s.Detection.LLMCallsTotal)
	}
	if s.Detection.LLMCallsFailed != 2 {
		t.Errorf("LLMCallsFailed: got %d, want 2", s.Detection.LLMCallsFailed)
	}
	if s.Detection.LLMCacheHits != 5 {
		t.Errorf("LLMCacheHits: got %d, want 5", s.Detection.LLMCacheHits)
	}
	if s.Detection.LLMCacheMisses != 3 {
		t.Errorf("LLMCacheMisses: got %d, want 3", s.Detection.LLMCacheMisses)
	}
}

func TestMappingCounters(t *testing.T) {
	m := New()
	m.MappingPuts.Add(6)
	m.MappingGets.Add(20)

	s := m.Snapshot()
	if s.Mapping.Puts != 6 {
		t.Errorf("Puts: got %d, want 6", s.Mapping.Puts)
	}
	if s.Mapping.Gets != 20 {
		t.Errorf("Gets: got %d, want 20", s.Mapping.Gets)
	}
}

func TestRecordPatternHit_CountsByType(t *testing.T) {
	m := New()
	m.RecordPatternHit("email")
	m.RecordPatternHit("email")
	m.RecordPatternHit("phone")

	s := m.Snapshot()
	if s.Detection.PatternHitsByType["email"] != 2 {
		t.Errorf("email hits: got %d, want 2", s.Detection.PatternHitsByType["email"])
	}
	if s.Detection.PatternHitsByType["phone"] != 1 {
		t.Errorf("phone hits: got %d, want 1", s.Detection.PatternHitsByType["phone"])
	}
	if _, present := s.Detection.PatternHitsByType["ssn"]; present {
		t.Error("ssn should be absent from snapshot when count is 0")
	}
}

func TestRecordLLMEntityHit_CountsByType(t *testing.T) {
	m := New()
	m.RecordLLMEntityHit("creditCard")
	m.RecordLLMEntityHit("creditCard")
	m.RecordLLMEntityHit("ipAddress")

	s := m.Snapshot()
	if s.Detection.LLMHitsByType["creditCard"] != 2 {
		t.Errorf("creditCard hits: got %d, want 2", s.Detection.LLMHitsByType["creditCard"])
	}
	if s.Detection.LLMHitsByType["ipAddress"] != 1 {
		t.Errorf("ipAddress hits: got %d, want 1", s.Detection.LLMHitsByType["ipAddress"])
	}
}

func TestSnapshot_ByTypeMapsEmptyWhenAllZero(t *testing.T) {
	m := New()
	s := m.Snapshot()
	if len(s.Detection.PatternHitsByType) != 0 {
		t.Errorf("PatternHitsByType should be empty map when all zero, got %v", s.Detection.PatternHitsByType)
	}
	if len(s.Detection.LLMHitsByType) != 0 {
		t.Errorf("LLMHitsByType should be empty map when all zero, got %v", s.Detection.LLMHitsByType)
	}
}

func TestRecordLineLatency_SingleSample(t *testing.T) {
	m := New()
	m.RecordLineLatency(100 * time.Millisecond)

	s := m.Snapshot()
	if s.Latency.LineMs.Count != 1 {
		t.Errorf("Count: got %d, want 1", s.Latency.LineMs.Count)
	}
	if s.Latency.LineMs.MinMs < 90 || s.Latency.LineMs.MinMs > 110 {
		t.Errorf("MinMs: got %f, want ~100", s.Latency.LineMs.MinMs)
	}
}

func TestRecordLLMLatency_MinMaxMean(t *testing.T) {
	m := New()
	m.RecordLLMLatency(50 * time.Millisecond)
	m.RecordLLMLatency(150 * time.Millisecond)
	m.RecordLLMLatency(100 * time.Millisecond)

	s := m.Snapshot()
	ls := s.Latency.LLMMs
	if ls.Count != 3 {
		t.Errorf("Count: got %d, want 3", ls.Count)
	}
	if ls.MinMs > 60 {
		t.Errorf("MinMs too high: %f", ls.MinMs)
	}
	if ls.MaxMs < 140 {
		t.Errorf("MaxMs too low: %f", ls.MaxMs)
	}
	if ls.MeanMs < 90 || ls.MeanMs > 110 {
		t.Errorf("MeanMs: got %f, want ~100", ls.MeanMs)
	}
}

func TestSnapshotLatency_EmptyIsZeroValue(t *testing.T) {
	m := New()
	s := m.Snapshot()
	if s.Latency.LineMs.Count != 0 {
		t.Errorf("empty line latency count should be 0")
	}
	if s.Latency.LLMMs.Count != 0 {
		t.Errorf("empty llm latency count should be 0")
	}
}

func TestSnapshot_UptimePositive(t *testing.T) {
	m := New()
	time.Sleep(5 * time.Millisecond)
	s := m.Snapshot()
	if s.UptimeSecs <= 0 {
		t.Errorf("UptimeSecs should be positive, got %f", s.UptimeSecs)
	}
}

func TestRound2(t *testing.T) {
	cases := []struct {
		input float64
		want  float64
	}{
		{1.236, 1.24},
		{1.234, 1.23},
		{100.0, 100.0},
		{0.0, 0.0},
	}
	for _, c := range cases {
		got := round2(c.input)
		if got != c.want {
			t.Errorf("round2(%f) = %f, want %f", c.input, got, c.want)
		}
	}
}

func TestLatencyStats_Record(t *testing.T) {
	var s latencyStats
	s.record(10)
	s.record(20)
	s.record(15)

	snap := s.snapshot()
	if snap.Count != 3 {
		t.Errorf("Count: got %d, want 3", snap.Count)
	}
	if snap.MinMs != 10 {
		t.Errorf("MinMs: got %f, want 10", snap.MinMs)
	}
	if snap.MaxMs != 20 {
		t.Errorf("MaxMs: got %f, want 20", snap.MaxMs)
	}
	if snap.MeanMs != 15 {
		t.Errorf("MeanMs: got %f, want 15", snap.MeanMs)
	}
}

func TestLatencyStats_Empty(t *testing.T) {
	var s latencyStats
	snap := s.snapshot()
	if snap.Count != 0 || snap.MinMs != 0 || snap.MaxMs != 0 || snap.MeanMs != 0 {
		t.Errorf("empty stats snapshot should be zero, got %+v", snap)
	}
}
