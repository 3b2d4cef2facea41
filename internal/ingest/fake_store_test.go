package ingest

import (
	"context"
	"sync"
	"time"

	pgdb "github.com/RhizApp/rhizproto/pkg/db/pgx"

	"github.com/jackc/pgx/v5"
)

// fakeStore is an in-memory Store for pipeline and ingestor tests.
type fakeStore struct {
	mu            sync.Mutex
	entities      map[string]pgdb.Entity
	relationships map[string]pgdb.Relationship
	attestations  map[string]pgdb.Attestation
	scores        map[string]pgdb.ConvictionScore
	cursors       map[string]int64
	deadLetters   []pgdb.InsertDeadLetterParams
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities:      make(map[string]pgdb.Entity),
		relationships: make(map[string]pgdb.Relationship),
		attestations:  make(map[string]pgdb.Attestation),
		scores:        make(map[string]pgdb.ConvictionScore),
		cursors:       make(map[string]int64),
	}
}

func (s *fakeStore) EnsureEntity(_ context.Context, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[did]; !ok {
		s.entities[did] = pgdb.Entity{Did: did, Type: "person", Reputation: 50, Active: true}
	}
	return nil
}

func (s *fakeStore) UpsertEntity(_ context.Context, arg pgdb.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[arg.Did] = arg
	return nil
}

func (s *fakeStore) DeactivateEntity(_ context.Context, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entities[did]
	e.Did = did
	e.Active = false
	s.entities[did] = e
	return nil
}

func (s *fakeStore) GetRelationship(_ context.Context, rid string) (pgdb.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relationships[rid]
	if !ok {
		return pgdb.Relationship{}, pgx.ErrNoRows
	}
	return r, nil
}

func (s *fakeStore) UpsertRelationship(_ context.Context, arg pgdb.UpsertRelationshipParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.relationships[arg.Rid]; ok {
		if arg.Seq < prev.Seq || (arg.Seq == prev.Seq && arg.Cid <= prev.Cid) {
			return 0, nil
		}
	}
	s.relationships[arg.Rid] = pgdb.Relationship{
		Rid: arg.Rid, Cid: arg.Cid,
		ParticipantA: arg.ParticipantA, ParticipantB: arg.ParticipantB,
		Type: arg.Type, Strength: arg.Strength, Context: arg.Context,
		SignatureCount: arg.SignatureCount, FullySigned: arg.FullySigned,
		Visibility: arg.Visibility, Seq: arg.Seq,
		CreatedAt: arg.CreatedAt, LastInteraction: arg.LastInteraction,
	}
	return 1, nil
}

func (s *fakeStore) DeleteRelationship(_ context.Context, rid string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.relationships[rid]; !ok {
		return 0, nil
	}
	delete(s.relationships, rid)
	return 1, nil
}

func (s *fakeStore) UpsertAttestation(_ context.Context, arg pgdb.UpsertAttestationParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attestations[arg.Aid]; ok {
		return 0, nil
	}
	s.attestations[arg.Aid] = pgdb.Attestation{
		Aid: arg.Aid, Cid: arg.Cid, TargetRid: arg.TargetRid,
		Attester: arg.Attester, Type: arg.Type, Confidence: arg.Confidence,
		Evidence: arg.Evidence, SuggestedStrength: arg.SuggestedStrength,
		CreatedAt: arg.CreatedAt, IndexedAt: time.Now(),
	}
	return 1, nil
}

func (s *fakeStore) DeleteAttestation(_ context.Context, aid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attestations[aid]
	if !ok {
		return "", pgx.ErrNoRows
	}
	delete(s.attestations, aid)
	return a.TargetRid, nil
}

func (s *fakeStore) ListAttestationsByTarget(_ context.Context, targetRid string) ([]pgdb.Attestation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pgdb.Attestation
	for _, a := range s.attestations {
		if a.TargetRid == targetRid {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) GetReputations(_ context.Context, dids []string) ([]pgdb.ReputationRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pgdb.ReputationRow
	for _, did := range dids {
		if e, ok := s.entities[did]; ok {
			out = append(out, pgdb.ReputationRow{Did: did, Reputation: e.Reputation})
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertConvictionScore(_ context.Context, arg pgdb.UpsertConvictionScoreParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[arg.TargetRid] = pgdb.ConvictionScore{
		TargetRid: arg.TargetRid, Score: arg.Score,
		AttestationCount: arg.AttestationCount, VerifyCount: arg.VerifyCount,
		DisputeCount: arg.DisputeCount, StrengthenCount: arg.StrengthenCount,
		WeakenCount: arg.WeakenCount, Trend: arg.Trend,
		TopAttesterReputation: arg.TopAttesterReputation,
		LastUpdated:           arg.LastUpdated,
	}
	return nil
}

func (s *fakeStore) DeleteConvictionScore(_ context.Context, targetRid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scores, targetRid)
	return nil
}

func (s *fakeStore) ListStaleConvictionTargets(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newest := make(map[string]time.Time)
	for _, a := range s.attestations {
		if a.IndexedAt.After(newest[a.TargetRid]) {
			newest[a.TargetRid] = a.IndexedAt
		}
	}
	var out []string
	for rid, indexed := range newest {
		sc, ok := s.scores[rid]
		if !ok || indexed.After(sc.LastUpdated) {
			out = append(out, rid)
		}
	}
	for rid := range s.scores {
		if _, ok := newest[rid]; !ok {
			out = append(out, rid)
		}
	}
	return out, nil
}

func (s *fakeStore) GetCursor(_ context.Context, source string) (pgdb.IngestCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.cursors[source]
	if !ok {
		return pgdb.IngestCursor{}, pgx.ErrNoRows
	}
	return pgdb.IngestCursor{Source: source, Seq: seq}, nil
}

func (s *fakeStore) CommitCursor(_ context.Context, source string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursors[source] {
		s.cursors[source] = seq
	}
	return nil
}

func (s *fakeStore) ResetCursor(_ context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, source)
	return nil
}

func (s *fakeStore) InsertDeadLetter(_ context.Context, arg pgdb.InsertDeadLetterParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, arg)
	return int64(len(s.deadLetters)), nil
}

func (s *fakeStore) LoadGraph(_ context.Context) ([]pgdb.LoadGraphRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pgdb.LoadGraphRow
	for _, r := range s.relationships {
		row := pgdb.LoadGraphRow{Relationship: r}
		if sc, ok := s.scores[r.Rid]; ok {
			row.Conviction = sc.Score
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *fakeStore) score(rid string) (pgdb.ConvictionScore, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scores[rid]
	return sc, ok
}
