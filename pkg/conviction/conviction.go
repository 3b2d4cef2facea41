package conviction

import (
	"math"
	"time"

	"github.com/RhizApp/rhizproto/pkg/common"
)

// Base weights by attestation type. Disputes are weighted above verifies so
// that a credible dispute can pull a well-attested relationship down.
const (
	weightVerify     = 1.0
	weightStrengthen = 0.5
	weightWeaken     = -0.5
	weightDispute    = -1.5

	// Reputation multiplier bounds: even a zero-reputation attester keeps
	// half weight, a perfect-reputation attester counts double.
	minReputationMultiplier = 0.5
	maxReputationMultiplier = 2.0

	// Attestations lose half their weight every six months.
	decayHalfLifeDays = 180.0

	// DefaultSaturation is the saturating-map constant kappa. Tunable.
	DefaultSaturation = 0.8

	trendWindow  = 30 * 24 * time.Hour
	trendEpsilon = 0.5
)

// ReputationFn supplies the attester's externally computed reputation
// (0-100). Unknown attesters should return a neutral 50.
type ReputationFn func(did string) int

// Engine computes conviction scores. The zero value is not usable; call New.
type Engine struct {
	kappa float64
}

// New creates an Engine with the given saturation constant. kappa <= 0 falls
// back to DefaultSaturation.
func New(kappa float64) *Engine {
	if kappa <= 0 {
		kappa = DefaultSaturation
	}
	return &Engine{kappa: kappa}
}

// Recompute derives the conviction score for one target from its full
// attestation set at time now. It is a pure aggregate over the set: the same
// attestations yield the same score no matter their arrival order, so
// incremental triggers only decide when to recompute, never how.
func (e *Engine) Recompute(targetRID string, attestations []common.AttestationRecord, reputation ReputationFn, now time.Time) common.ConvictionScore {
	score := common.ConvictionScore{
		TargetRID:   targetRID,
		Trend:       common.TrendStable,
		LastUpdated: now,
	}
	if len(attestations) == 0 {
		return score
	}

	raw := 0.0
	olderRaw := 0.0
	hasOlder := false
	cutoff := now.Add(-trendWindow)

	for _, att := range attestations {
		rep := 50
		if reputation != nil {
			rep = clamp(reputation(att.Attester), 0, 100)
		}
		if rep > score.TopAttesterReputation {
			score.TopAttesterReputation = rep
		}

		w := contribution(att, rep, now)
		raw += w

		switch att.Type {
		case common.AttestVerify:
			score.VerifyCount++
		case common.AttestDispute:
			score.DisputeCount++
		case common.AttestStrengthen:
			score.StrengthenCount++
		case common.AttestWeaken:
			score.WeakenCount++
		}
		score.AttestationCount++

		if att.CreatedAt.Before(cutoff) {
			olderRaw += w
			hasOlder = true
		}
	}

	current := e.saturate(raw)
	score.Score = clamp(int(math.Round(current)), 0, 100)

	// Trend compares the full set against the set restricted to attestations
	// older than the window. No older window means stable by convention.
	if hasOlder {
		older := e.saturate(olderRaw)
		switch {
		case current > older+trendEpsilon:
			score.Trend = common.TrendIncreasing
		case current < older-trendEpsilon:
			score.Trend = common.TrendDecreasing
		}
	}

	return score
}

// contribution is the signed weight of one attestation:
// type weight x reputation multiplier x temporal decay x confidence.
func contribution(att common.AttestationRecord, reputation int, now time.Time) float64 {
	var base float64
	switch att.Type {
	case common.AttestVerify:
		base = weightVerify
	case common.AttestStrengthen:
		base = weightStrengthen
	case common.AttestWeaken:
		base = weightWeaken
	case common.AttestDispute:
		base = weightDispute
	default:
		return 0
	}

	repMultiplier := minReputationMultiplier +
		(maxReputationMultiplier-minReputationMultiplier)*(float64(reputation)/100.0)

	ageDays := now.Sub(att.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	decay := math.Pow(0.5, ageDays/decayHalfLifeDays)

	confidence := float64(clamp(att.Confidence, 0, 100)) / 100.0

	return base * repMultiplier * decay * confidence
}

// saturate maps an unbounded non-negative raw sum onto [0,100). Disputes can
// suppress the raw sum but never invert the score below zero.
func (e *Engine) saturate(raw float64) float64 {
	if raw < 0 {
		raw = 0
	}
	if raw == 0 {
		return 0
	}
	return 100 * raw / (raw + e.kappa)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
