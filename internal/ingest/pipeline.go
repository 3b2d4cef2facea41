package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pgdb "github.com/RhizApp/rhizproto/pkg/db/pgx"

	"github.com/RhizApp/rhizproto/pkg/common"
	"github.com/RhizApp/rhizproto/pkg/conviction"
	"github.com/RhizApp/rhizproto/pkg/graphstore"
	"github.com/RhizApp/rhizproto/pkg/logger"
	"github.com/RhizApp/rhizproto/pkg/signature"

	"github.com/jackc/pgx/v5"
)

const defaultReputation = 50

// Store is the slice of the query layer the pipeline needs. *pgdb.Queries
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	EnsureEntity(ctx context.Context, did string) error
	UpsertEntity(ctx context.Context, arg pgdb.Entity) error
	DeactivateEntity(ctx context.Context, did string) error
	GetRelationship(ctx context.Context, rid string) (pgdb.Relationship, error)
	UpsertRelationship(ctx context.Context, arg pgdb.UpsertRelationshipParams) (int64, error)
	DeleteRelationship(ctx context.Context, rid string) (int64, error)
	UpsertAttestation(ctx context.Context, arg pgdb.UpsertAttestationParams) (int64, error)
	DeleteAttestation(ctx context.Context, aid string) (string, error)
	ListAttestationsByTarget(ctx context.Context, targetRid string) ([]pgdb.Attestation, error)
	GetReputations(ctx context.Context, dids []string) ([]pgdb.ReputationRow, error)
	UpsertConvictionScore(ctx context.Context, arg pgdb.UpsertConvictionScoreParams) error
	DeleteConvictionScore(ctx context.Context, targetRid string) error
	ListStaleConvictionTargets(ctx context.Context) ([]string, error)
	GetCursor(ctx context.Context, source string) (pgdb.IngestCursor, error)
	CommitCursor(ctx context.Context, source string, seq int64) error
	ResetCursor(ctx context.Context, source string) error
	InsertDeadLetter(ctx context.Context, arg pgdb.InsertDeadLetterParams) (int64, error)
	LoadGraph(ctx context.Context) ([]pgdb.LoadGraphRow, error)
}

// Pipeline applies one event op end to end: verify, persist, index, and
// schedule the conviction recompute it implies.
type Pipeline struct {
	store    Store
	graph    *graphstore.Index
	verifier *signature.Verifier
	engine   *conviction.Engine
	sched    *conviction.Scheduler
	now      func() time.Time
}

func NewPipeline(store Store, graph *graphstore.Index, verifier *signature.Verifier, engine *conviction.Engine) *Pipeline {
	p := &Pipeline{
		store:    store,
		graph:    graph,
		verifier: verifier,
		engine:   engine,
		now:      time.Now,
	}
	p.sched = conviction.NewScheduler(p.recompute)
	return p
}

// WaitRecomputes drains in-flight conviction recomputes. Called on
// shutdown and by tests.
func (p *Pipeline) WaitRecomputes() {
	p.sched.Wait()
}

func (p *Pipeline) Handle(ctx context.Context, op common.Operation) error {
	switch op.Collection {
	case common.CollectionRelationship:
		return p.handleRelationship(ctx, op)
	case common.CollectionAttestation:
		return p.handleAttestation(ctx, op)
	case common.CollectionProfile:
		return p.handleProfile(ctx, op)
	}
	return fmt.Errorf("%w: unknown collection %q", common.ErrMalformedRecord, op.Collection)
}

func (p *Pipeline) handleRelationship(ctx context.Context, op common.Operation) error {
	if op.Action == common.ActionDelete {
		if _, err := p.store.DeleteRelationship(ctx, op.RID); err != nil {
			return err
		}
		if err := p.store.DeleteConvictionScore(ctx, op.RID); err != nil {
			return err
		}
		p.graph.RemoveEdge(op.RID)
		return nil
	}

	var rec common.RelationshipRecord
	if err := json.Unmarshal(op.Record, &rec); err != nil {
		return fmt.Errorf("%w: relationship %s: %v", common.ErrMalformedRecord, op.RID, err)
	}
	if err := validateRelationship(rec); err != nil {
		return err
	}

	res, err := p.verifier.VerifyRelationship(ctx, rec)
	if err != nil {
		return err
	}

	a, b := rec.Participants[0], rec.Participants[1]
	if a > b {
		a, b = b, a
	}
	for _, did := range []string{a, b} {
		if err := p.store.EnsureEntity(ctx, did); err != nil {
			return err
		}
	}

	written, err := p.store.UpsertRelationship(ctx, pgdb.UpsertRelationshipParams{
		Rid:             rec.RID,
		Cid:             rec.CID,
		ParticipantA:    a,
		ParticipantB:    b,
		Type:            string(rec.Type),
		Strength:        int32(rec.Strength),
		Context:         rec.Context,
		SignatureCount:  int32(len(res.SignedBy)),
		FullySigned:     res.FullySigned,
		Visibility:      rec.Privacy.Visibility,
		Seq:             op.Seq,
		CreatedAt:       rec.CreatedAt,
		LastInteraction: rec.Temporal.LastInteraction,
	})
	if err != nil {
		return err
	}
	if written == 0 {
		// Stale replay, already superseded in the durable index.
		return nil
	}

	p.graph.UpsertEdge(graphstore.Edge{
		RID:             rec.RID,
		CID:             rec.CID,
		A:               a,
		B:               b,
		Type:            rec.Type,
		Strength:        rec.Strength,
		SignatureCount:  len(res.SignedBy),
		Seq:             op.Seq,
		CreatedAt:       rec.CreatedAt,
		LastInteraction: rec.Temporal.LastInteraction,
	})
	return nil
}

func (p *Pipeline) handleAttestation(ctx context.Context, op common.Operation) error {
	if op.Action == common.ActionDelete {
		target, err := p.store.DeleteAttestation(ctx, op.RID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		p.sched.Trigger(ctx, target)
		return nil
	}

	var rec common.AttestationRecord
	if err := json.Unmarshal(op.Record, &rec); err != nil {
		return fmt.Errorf("%w: attestation %s: %v", common.ErrMalformedRecord, op.RID, err)
	}
	if err := validateAttestation(rec); err != nil {
		return err
	}

	if err := p.verifier.VerifyAttestation(ctx, rec); err != nil {
		return err
	}

	// The target must already be indexed. A miss is usually an ordering
	// race with the relationship op, so the caller's retry loop gets a
	// chance to resolve it.
	if _, err := p.store.GetRelationship(ctx, rec.TargetRID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: attestation target %s", common.ErrRecordNotFound, rec.TargetRID)
		}
		return err
	}

	if err := p.store.EnsureEntity(ctx, rec.Attester); err != nil {
		return err
	}

	var suggested *int32
	if rec.SuggestedStrength != nil {
		v := int32(*rec.SuggestedStrength)
		suggested = &v
	}
	written, err := p.store.UpsertAttestation(ctx, pgdb.UpsertAttestationParams{
		Aid:               rec.AID,
		Cid:               rec.CID,
		TargetRid:         rec.TargetRID,
		Attester:          rec.Attester,
		Type:              string(rec.Type),
		Confidence:        int32(rec.Confidence),
		Evidence:          rec.Evidence,
		SuggestedStrength: suggested,
		CreatedAt:         rec.CreatedAt,
	})
	if err != nil {
		return err
	}
	if written == 0 {
		return nil
	}

	p.sched.Trigger(ctx, rec.TargetRID)
	return nil
}

func (p *Pipeline) handleProfile(ctx context.Context, op common.Operation) error {
	if op.Action == common.ActionDelete {
		return p.store.DeactivateEntity(ctx, op.RID)
	}

	var rec common.Entity
	if err := json.Unmarshal(op.Record, &rec); err != nil {
		return fmt.Errorf("%w: profile %s: %v", common.ErrMalformedRecord, op.RID, err)
	}
	if rec.DID == "" {
		return fmt.Errorf("%w: profile with empty did", common.ErrMalformedRecord)
	}
	if rec.Reputation < 0 || rec.Reputation > 100 {
		return fmt.Errorf("%w: profile %s: reputation %d out of range", common.ErrMalformedRecord, rec.DID, rec.Reputation)
	}

	return p.store.UpsertEntity(ctx, pgdb.Entity{
		Did:        rec.DID,
		Name:       rec.Name,
		Type:       rec.Type,
		Bio:        rec.Bio,
		Reputation: int32(rec.Reputation),
		Active:     rec.Active,
		UpdatedAt:  p.now(),
	})
}

// LoadIndex rebuilds the in-memory graph from the durable index in one
// atomic swap. Called at startup and when a stale cursor forces a resync.
func (p *Pipeline) LoadIndex(ctx context.Context) error {
	return LoadGraphIndex(ctx, p.store, p.graph)
}

// LoadGraphIndex replaces the in-memory index with the relationship set
// currently persisted in Postgres, conviction scores included.
func LoadGraphIndex(ctx context.Context, store Store, graph *graphstore.Index) error {
	rows, err := store.LoadGraph(ctx)
	if err != nil {
		return err
	}
	edges := make([]graphstore.Edge, 0, len(rows))
	for _, r := range rows {
		edges = append(edges, graphstore.Edge{
			RID:             r.Rid,
			CID:             r.Cid,
			A:               r.ParticipantA,
			B:               r.ParticipantB,
			Type:            common.RelationshipType(r.Type),
			Strength:        int(r.Strength),
			Conviction:      int(r.Conviction),
			SignatureCount:  int(r.SignatureCount),
			Seq:             r.Seq,
			CreatedAt:       r.CreatedAt,
			LastInteraction: r.LastInteraction,
		})
	}
	graph.Replace(edges)
	logger.Info("[Ingest] Graph index loaded", "edges", len(edges))
	return nil
}

// ReconcileConvictions recomputes every target whose cached score lags its
// attestation set. Recomputes run asynchronously after the op that caused
// them, so a crash or shutdown can persist an attestation without its
// score; this runs at startup to pick those up.
func (p *Pipeline) ReconcileConvictions(ctx context.Context) error {
	targets, err := p.store.ListStaleConvictionTargets(ctx)
	if err != nil {
		return err
	}
	for _, rid := range targets {
		if err := p.recompute(ctx, rid); err != nil {
			return fmt.Errorf("reconcile %s: %w", rid, err)
		}
	}
	if len(targets) > 0 {
		logger.Info("[Ingest] Reconciled conviction scores", "targets", len(targets))
	}
	return nil
}

// recompute rebuilds the conviction score for one relationship from its
// full attestation set, persists it, and pushes it into the graph index.
func (p *Pipeline) recompute(ctx context.Context, targetRID string) error {
	rows, err := p.store.ListAttestationsByTarget(ctx, targetRID)
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		// The last attestation was retracted. A target with no indexed
		// attestations has no score, so the cached row goes away rather
		// than lingering as a zero.
		if err := p.store.DeleteConvictionScore(ctx, targetRID); err != nil {
			return err
		}
		p.graph.SetConviction(targetRID, 0)
		logger.Debug("[Ingest] Conviction score retired", "target", targetRID)
		return nil
	}

	atts := make([]common.AttestationRecord, 0, len(rows))
	attesters := make([]string, 0, len(rows))
	for _, r := range rows {
		atts = append(atts, common.AttestationRecord{
			AID:        r.Aid,
			CID:        r.Cid,
			TargetRID:  r.TargetRid,
			Attester:   r.Attester,
			Type:       common.AttestationType(r.Type),
			Confidence: int(r.Confidence),
			Evidence:   r.Evidence,
			CreatedAt:  r.CreatedAt,
		})
		attesters = append(attesters, r.Attester)
	}

	reps := make(map[string]int, len(attesters))
	if len(attesters) > 0 {
		repRows, err := p.store.GetReputations(ctx, attesters)
		if err != nil {
			return err
		}
		for _, r := range repRows {
			reps[r.Did] = int(r.Reputation)
		}
	}
	repOf := func(did string) int {
		if rep, ok := reps[did]; ok {
			return rep
		}
		return defaultReputation
	}

	score := p.engine.Recompute(targetRID, atts, repOf, p.now())

	if err := p.store.UpsertConvictionScore(ctx, pgdb.UpsertConvictionScoreParams{
		TargetRid:             score.TargetRID,
		Score:                 int32(score.Score),
		AttestationCount:      int32(score.AttestationCount),
		VerifyCount:           int32(score.VerifyCount),
		DisputeCount:          int32(score.DisputeCount),
		StrengthenCount:       int32(score.StrengthenCount),
		WeakenCount:           int32(score.WeakenCount),
		Trend:                 string(score.Trend),
		TopAttesterReputation: int32(score.TopAttesterReputation),
		LastUpdated:           score.LastUpdated,
	}); err != nil {
		return err
	}

	p.graph.SetConviction(targetRID, score.Score)
	logger.Debug("[Ingest] Conviction recomputed", "target", targetRID, "score", score.Score, "trend", score.Trend)
	return nil
}

func validateRelationship(rec common.RelationshipRecord) error {
	switch {
	case rec.RID == "" || rec.CID == "":
		return fmt.Errorf("%w: relationship missing rid or cid", common.ErrMalformedRecord)
	case rec.Participants[0] == "" || rec.Participants[1] == "":
		return fmt.Errorf("%w: relationship %s: missing participant", common.ErrMalformedRecord, rec.RID)
	case rec.Participants[0] == rec.Participants[1]:
		return fmt.Errorf("%w: relationship %s: self-relationship", common.ErrMalformedRecord, rec.RID)
	case !common.ValidRelationshipType(rec.Type):
		return fmt.Errorf("%w: relationship %s: unknown type %q", common.ErrMalformedRecord, rec.RID, rec.Type)
	case rec.Strength < 0 || rec.Strength > 100:
		return fmt.Errorf("%w: relationship %s: strength %d out of range", common.ErrMalformedRecord, rec.RID, rec.Strength)
	case len(rec.Signatures) == 0:
		return fmt.Errorf("%w: relationship %s: unsigned", common.ErrMalformedRecord, rec.RID)
	}
	return nil
}

func validateAttestation(rec common.AttestationRecord) error {
	switch {
	case rec.AID == "" || rec.CID == "":
		return fmt.Errorf("%w: attestation missing aid or cid", common.ErrMalformedRecord)
	case rec.TargetRID == "":
		return fmt.Errorf("%w: attestation %s: missing target", common.ErrMalformedRecord, rec.AID)
	case rec.Attester == "":
		return fmt.Errorf("%w: attestation %s: missing attester", common.ErrMalformedRecord, rec.AID)
	case !common.ValidAttestationType(rec.Type):
		return fmt.Errorf("%w: attestation %s: unknown type %q", common.ErrMalformedRecord, rec.AID, rec.Type)
	case rec.Confidence < 0 || rec.Confidence > 100:
		return fmt.Errorf("%w: attestation %s: confidence %d out of range", common.ErrMalformedRecord, rec.AID, rec.Confidence)
	}
	return nil
}
