package conviction

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/RhizApp/rhizproto/pkg/common"
)

var now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func att(id string, attester string, typ common.AttestationType, confidence int, age time.Duration) common.AttestationRecord {
	return common.AttestationRecord{
		AID:        id,
		TargetRID:  "at://did:plc:alice/net.rhiz.relationship/abc123",
		Attester:   attester,
		Type:       typ,
		Confidence: confidence,
		CreatedAt:  now.Add(-age),
	}
}

func fixedReputation(reps map[string]int) ReputationFn {
	return func(did string) int {
		if rep, ok := reps[did]; ok {
			return rep
		}
		return 50
	}
}

func TestRecompute_ZeroState(t *testing.T) {
	e := New(DefaultSaturation)
	score := e.Recompute("at://x", nil, nil, now)
	if score.Score != 0 {
		t.Fatalf("expected score 0 with no attestations, got %d", score.Score)
	}
	if score.Trend != common.TrendStable {
		t.Fatalf("expected stable trend, got %s", score.Trend)
	}
	if score.AttestationCount != 0 {
		t.Fatalf("expected zero count, got %d", score.AttestationCount)
	}
}

func TestRecompute_WorkedExample(t *testing.T) {
	// One verify from a reputation-70 attester, confidence 90, age 0:
	// 1.0 * (0.5 + 1.5*0.7) * 1.0 * 0.9 = 1.395
	// score = 100 * 1.395 / (1.395 + 0.8) = 63.55 -> 64
	e := New(DefaultSaturation)
	atts := []common.AttestationRecord{
		att("a1", "did:plc:carol", common.AttestVerify, 90, 0),
	}
	reps := fixedReputation(map[string]int{"did:plc:carol": 70})

	score := e.Recompute("at://x", atts, reps, now)
	if score.Score != 64 {
		t.Fatalf("expected score 64, got %d", score.Score)
	}
	if score.AttestationCount != 1 || score.VerifyCount != 1 {
		t.Fatalf("unexpected counts: %+v", score)
	}
	if score.Trend != common.TrendStable {
		t.Fatalf("expected stable trend with no older window, got %s", score.Trend)
	}
	if score.TopAttesterReputation != 70 {
		t.Fatalf("expected top attester reputation 70, got %d", score.TopAttesterReputation)
	}
}

func TestRecompute_OrderIndependent(t *testing.T) {
	e := New(DefaultSaturation)
	atts := []common.AttestationRecord{
		att("a1", "did:plc:carol", common.AttestVerify, 90, 0),
		att("a2", "did:plc:dave", common.AttestStrengthen, 70, 40*24*time.Hour),
		att("a3", "did:plc:erin", common.AttestDispute, 60, 10*24*time.Hour),
		att("a4", "did:plc:frank", common.AttestWeaken, 80, 200*24*time.Hour),
		att("a5", "did:plc:grace", common.AttestVerify, 50, 365*24*time.Hour),
	}
	reps := fixedReputation(map[string]int{
		"did:plc:carol": 70, "did:plc:dave": 30, "did:plc:erin": 90,
		"did:plc:frank": 10, "did:plc:grace": 100,
	})

	want := e.Recompute("at://x", atts, reps, now)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := make([]common.AttestationRecord, len(atts))
		copy(shuffled, atts)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got := e.Recompute("at://x", shuffled, reps, now)
		if got.Score != want.Score || got.Trend != want.Trend {
			t.Fatalf("recompute not order-independent: want %+v, got %+v", want, got)
		}
	}
}

func TestRecompute_MonotonicSaturation(t *testing.T) {
	e := New(DefaultSaturation)
	reps := fixedReputation(nil)

	atts := []common.AttestationRecord{
		att("a1", "did:plc:carol", common.AttestVerify, 90, 0),
		att("a2", "did:plc:dave", common.AttestVerify, 60, 5*24*time.Hour),
	}
	base := e.Recompute("at://x", atts, reps, now).Score

	// Adding a verify with confidence > 0 never decreases the score.
	withVerify := append(append([]common.AttestationRecord{}, atts...),
		att("a3", "did:plc:erin", common.AttestVerify, 10, 0))
	if got := e.Recompute("at://x", withVerify, reps, now).Score; got < base {
		t.Fatalf("verify decreased score: %d -> %d", base, got)
	}

	// Adding a dispute never increases it.
	withDispute := append(append([]common.AttestationRecord{}, atts...),
		att("a4", "did:plc:frank", common.AttestDispute, 100, 0))
	if got := e.Recompute("at://x", withDispute, reps, now).Score; got > base {
		t.Fatalf("dispute increased score: %d -> %d", base, got)
	}
}

func TestRecompute_DisputesNeverInvert(t *testing.T) {
	e := New(DefaultSaturation)
	atts := []common.AttestationRecord{
		att("a1", "did:plc:frank", common.AttestDispute, 100, 0),
		att("a2", "did:plc:erin", common.AttestDispute, 100, 0),
	}
	score := e.Recompute("at://x", atts, fixedReputation(nil), now)
	if score.Score != 0 {
		t.Fatalf("expected disputes to floor at 0, got %d", score.Score)
	}
	if score.DisputeCount != 2 {
		t.Fatalf("expected 2 disputes counted, got %d", score.DisputeCount)
	}
}

func TestRecompute_TemporalDecay(t *testing.T) {
	e := New(DefaultSaturation)
	reps := fixedReputation(nil)
	atts := []common.AttestationRecord{
		att("a1", "did:plc:carol", common.AttestVerify, 90, 0),
		att("a2", "did:plc:dave", common.AttestStrengthen, 80, 20*24*time.Hour),
	}

	current := e.Recompute("at://x", atts, reps, now).Score
	later := e.Recompute("at://x", atts, reps, now.Add(360*24*time.Hour)).Score

	if later >= current {
		t.Fatalf("expected decay: score at +360d (%d) should be below current (%d)", later, current)
	}
	if later < 0 {
		t.Fatalf("decay must converge toward 0, not below: got %d", later)
	}
}

func TestRecompute_Trend(t *testing.T) {
	e := New(DefaultSaturation)
	reps := fixedReputation(nil)

	// Old verify plus a fresh verify: the full set scores above the
	// older-than-30d restriction, so the trend is increasing.
	increasing := []common.AttestationRecord{
		att("a1", "did:plc:carol", common.AttestVerify, 80, 90*24*time.Hour),
		att("a2", "did:plc:dave", common.AttestVerify, 80, 24*time.Hour),
	}
	if got := e.Recompute("at://x", increasing, reps, now).Trend; got != common.TrendIncreasing {
		t.Fatalf("expected increasing trend, got %s", got)
	}

	// A fresh dispute against an old verify pulls the score down.
	decreasing := []common.AttestationRecord{
		att("a1", "did:plc:carol", common.AttestVerify, 80, 90*24*time.Hour),
		att("a2", "did:plc:frank", common.AttestDispute, 100, 24*time.Hour),
	}
	if got := e.Recompute("at://x", decreasing, reps, now).Trend; got != common.TrendDecreasing {
		t.Fatalf("expected decreasing trend, got %s", got)
	}

	// Only recent attestations: no older window, stable by convention.
	fresh := []common.AttestationRecord{
		att("a1", "did:plc:carol", common.AttestVerify, 80, 24*time.Hour),
	}
	if got := e.Recompute("at://x", fresh, reps, now).Trend; got != common.TrendStable {
		t.Fatalf("expected stable trend, got %s", got)
	}
}

func TestScheduler_CoalescesBursts(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	started := make(chan struct{})
	release := make(chan struct{})

	s := NewScheduler(func(ctx context.Context, target string) error {
		mu.Lock()
		runs++
		first := runs == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		return nil
	})

	ctx := context.Background()
	s.Trigger(ctx, "at://x")
	<-started

	// Burst while the first recompute is in flight: all collapse into one
	// pending rerun.
	for i := 0; i < 25; i++ {
		s.Trigger(ctx, "at://x")
	}
	close(release)
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if runs != 2 {
		t.Fatalf("expected burst to coalesce into 2 runs, got %d", runs)
	}
}

func TestScheduler_IndependentTargets(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	s := NewScheduler(func(ctx context.Context, target string) error {
		mu.Lock()
		seen[target]++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	s.Trigger(ctx, "at://x")
	s.Trigger(ctx, "at://y")
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seen["at://x"] != 1 || seen["at://y"] != 1 {
		t.Fatalf("expected one run per target, got %v", seen)
	}
}
