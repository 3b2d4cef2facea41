// Package graphstore holds the in-memory trust graph. Writers mutate the
// index under a lock; readers work against immutable generation-counted
// snapshots, so pathfinding never observes a half-applied mutation.
package graphstore

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RhizApp/rhizproto/pkg/common"
)

// Edge is one relationship projected into the graph. A and B are the
// participant DIDs in lexicographic order.
type Edge struct {
	RID             string
	CID             string
	A               string
	B               string
	Type            common.RelationshipType
	Strength        int
	Conviction      int
	SignatureCount  int
	Seq             int64
	CreatedAt       time.Time
	LastInteraction time.Time
}

// Other returns the participant opposite to did, or "" if did is not on
// this edge.
func (e Edge) Other(did string) string {
	switch did {
	case e.A:
		return e.B
	case e.B:
		return e.A
	}
	return ""
}

// EffectiveWeight combines declared strength with community conviction.
// An unattested edge keeps half of its declared strength.
func (e Edge) EffectiveWeight() float64 {
	return float64(e.Strength) / 100.0 * (0.5 + 0.5*float64(e.Conviction)/100.0)
}

// NeighborFilter narrows a neighborhood query.
type NeighborFilter struct {
	Types       []common.RelationshipType
	MinStrength int
}

func (f NeighborFilter) match(e Edge) bool {
	if e.Strength < f.MinStrength {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}

// Snapshot is an immutable view of the graph. All maps and slices are
// owned by the snapshot and must not be mutated.
type Snapshot struct {
	generation uint64
	adj        map[string][]Edge
	byRID      map[string]Edge
}

// Generation is a monotonic counter bumped on every mutation. Consumers
// use it to tell whether the graph changed between two reads.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Edge looks up a relationship by RID.
func (s *Snapshot) Edge(rid string) (Edge, bool) {
	e, ok := s.byRID[rid]
	return e, ok
}

// EdgeCount returns the number of relationships in the snapshot.
func (s *Snapshot) EdgeCount() int {
	return len(s.byRID)
}

// EntityCount returns the number of DIDs with at least one edge.
func (s *Snapshot) EntityCount() int {
	return len(s.adj)
}

// Neighbors returns the edges incident to did that pass the filter,
// ordered by strength descending, then by RID for determinism.
func (s *Snapshot) Neighbors(did string, filter NeighborFilter) []Edge {
	edges := s.adj[did]
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].RID < out[j].RID
	})
	return out
}

// edgesOf returns the raw adjacency slice for did. Callers must not
// mutate the result.
func (s *Snapshot) edgesOf(did string) []Edge {
	return s.adj[did]
}

// Index is the mutable owner of the graph. All mutations go through its
// lock and publish a fresh snapshot.
type Index struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

func NewIndex() *Index {
	idx := &Index{}
	idx.snap.Store(&Snapshot{
		adj:   make(map[string][]Edge),
		byRID: make(map[string]Edge),
	})
	return idx
}

// Snapshot returns the current immutable view. Safe to call from any
// goroutine without coordination.
func (idx *Index) Snapshot() *Snapshot {
	return idx.snap.Load()
}

// UpsertEdge inserts or replaces the edge for e.RID. Replays of the same
// (RID, CID) are no-ops. When two versions of the same RID race, the one
// with the higher sequence number wins; on equal sequence the
// lexicographically greater CID wins, so replicas converge regardless of
// delivery order. Reports whether the index changed.
func (idx *Index) UpsertEdge(e Edge) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	if prev, ok := cur.byRID[e.RID]; ok {
		if prev.CID == e.CID && prev.Seq == e.Seq {
			// Replay. Conviction updates arrive through SetConviction,
			// so an identical record has nothing to apply.
			return false
		}
		if e.Seq < prev.Seq || (e.Seq == prev.Seq && e.CID <= prev.CID) {
			return false
		}
		// The new version supersedes a live edge. Conviction carries
		// over until the next recompute.
		if e.Conviction == 0 {
			e.Conviction = prev.Conviction
		}
	}

	next := cur.clone()
	next.removeRID(e.RID)
	next.byRID[e.RID] = e
	next.adj[e.A] = append(next.adj[e.A], e)
	next.adj[e.B] = append(next.adj[e.B], e)
	idx.publish(next)
	return true
}

// SetConviction updates the conviction score on a live edge. Missing
// RIDs are ignored; the recompute that produced the score may have raced
// a delete.
func (idx *Index) SetConviction(rid string, conviction int) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	e, ok := cur.byRID[rid]
	if !ok || e.Conviction == conviction {
		return false
	}
	e.Conviction = conviction

	next := cur.clone()
	next.removeRID(rid)
	next.byRID[rid] = e
	next.adj[e.A] = append(next.adj[e.A], e)
	next.adj[e.B] = append(next.adj[e.B], e)
	idx.publish(next)
	return true
}

// RemoveEdge deletes the relationship for rid. Reports whether an edge
// was removed.
func (idx *Index) RemoveEdge(rid string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	if _, ok := cur.byRID[rid]; !ok {
		return false
	}

	next := cur.clone()
	next.removeRID(rid)
	idx.publish(next)
	return true
}

// Replace swaps the whole graph in one publish. Used for the initial
// load and for full rebuilds after a stale cursor.
func (idx *Index) Replace(edges []Edge) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	next := &Snapshot{
		adj:   make(map[string][]Edge, len(edges)),
		byRID: make(map[string]Edge, len(edges)),
	}
	for _, e := range edges {
		if prev, ok := next.byRID[e.RID]; ok {
			if e.Seq < prev.Seq || (e.Seq == prev.Seq && e.CID <= prev.CID) {
				continue
			}
			next.removeRID(e.RID)
		}
		next.byRID[e.RID] = e
		next.adj[e.A] = append(next.adj[e.A], e)
		next.adj[e.B] = append(next.adj[e.B], e)
	}
	idx.publish(next)
}

func (idx *Index) publish(next *Snapshot) {
	next.generation = idx.snap.Load().generation + 1
	idx.snap.Store(next)
}

// clone copies the snapshot maps. Adjacency slices are shared with the
// parent until the caller rewrites the entries it touches, so mutations
// must always go through removeRID before re-appending.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		adj:   make(map[string][]Edge, len(s.adj)),
		byRID: make(map[string]Edge, len(s.byRID)),
	}
	for did, edges := range s.adj {
		next.adj[did] = edges
	}
	for rid, e := range s.byRID {
		next.byRID[rid] = e
	}
	return next
}

// removeRID drops the edge for rid from byRID and both adjacency lists,
// copying the touched lists so the parent snapshot stays intact.
func (s *Snapshot) removeRID(rid string) {
	e, ok := s.byRID[rid]
	if !ok {
		return
	}
	delete(s.byRID, rid)
	for _, did := range []string{e.A, e.B} {
		old := s.adj[did]
		trimmed := make([]Edge, 0, len(old))
		for _, oe := range old {
			if oe.RID != rid {
				trimmed = append(trimmed, oe)
			}
		}
		if len(trimmed) == 0 {
			delete(s.adj, did)
		} else {
			s.adj[did] = trimmed
		}
	}
}
