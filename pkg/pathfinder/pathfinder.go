// Package pathfinder answers bounded strongest-path queries over a graph
// snapshot. Path weight is the product of per-hop effective weights, so
// trust attenuates multiplicatively with distance. The search never
// mutates the snapshot and is safe to run in parallel across queries.
package pathfinder

import (
	"container/heap"
	"context"

	"github.com/RhizApp/rhizproto/pkg/common"
	"github.com/RhizApp/rhizproto/pkg/graphstore"
)

const (
	// HopLimit is the hard ceiling on path length. Requests asking for
	// more are clamped, not rejected.
	HopLimit = 10

	DefaultMaxHops  = 6
	DefaultMaxPaths = 3
	MaxPathsLimit   = 10
)

// Options constrain one path query.
type Options struct {
	// MaxHops bounds path length. Zero means DefaultMaxHops; values above
	// HopLimit are clamped.
	MaxHops int
	// MaxPaths is how many ranked paths to return. Zero means
	// DefaultMaxPaths; values above MaxPathsLimit are clamped.
	MaxPaths int
	// MinStrength prunes edges below this declared strength before the
	// search starts.
	MinStrength int
	// Types restricts traversal to these relationship types. Empty means
	// all types.
	Types []common.RelationshipType
	// Exclude removes these DIDs from the search graph entirely.
	Exclude []string
}

func (o Options) normalize() Options {
	if o.MaxHops <= 0 {
		o.MaxHops = DefaultMaxHops
	}
	if o.MaxHops > HopLimit {
		o.MaxHops = HopLimit
	}
	if o.MaxPaths <= 0 {
		o.MaxPaths = DefaultMaxPaths
	}
	if o.MaxPaths > MaxPathsLimit {
		o.MaxPaths = MaxPathsLimit
	}
	return o
}

// FindPaths returns up to opts.MaxPaths simple paths from one DID to
// another, strongest first. No reachable path is an empty result, not an
// error. Cancellation is checked between node expansions; on ctx error
// the paths found so far are returned alongside the error.
func FindPaths(ctx context.Context, snap *graphstore.Snapshot, from, to string, opts Options) ([]common.GraphPath, error) {
	opts = opts.normalize()
	if from == to {
		return nil, nil
	}

	excluded := make(map[string]bool, len(opts.Exclude))
	for _, did := range opts.Exclude {
		excluded[did] = true
	}
	if excluded[from] || excluded[to] {
		return nil, nil
	}
	filter := graphstore.NeighborFilter{Types: opts.Types, MinStrength: opts.MinStrength}

	s := &search{
		snap:     snap,
		to:       to,
		filter:   filter,
		excluded: excluded,
		maxHops:  opts.MaxHops,
	}

	// Yen's algorithm, with "shortest" read as "strongest". Each accepted
	// path seeds spur searches that ban the edges of earlier results.
	best, err := s.strongestPath(ctx, from, nil, nil)
	if err != nil || best == nil {
		return nil, err
	}

	accepted := []*candidate{best}
	var pool []*candidate

	for len(accepted) < opts.MaxPaths {
		prev := accepted[len(accepted)-1]
		for spur := 0; spur < len(prev.edges); spur++ {
			if err := ctx.Err(); err != nil {
				return toResults(accepted, from, to), err
			}

			spurNode := prev.nodes[spur]
			rootEdges := prev.edges[:spur]

			// Ban the next edge of every accepted path sharing this root,
			// so the spur search cannot rediscover a known result.
			bannedEdges := make(map[string]bool)
			for _, p := range accepted {
				if len(p.edges) > spur && sameRoot(p.edges, rootEdges) {
					bannedEdges[p.edges[spur].RID] = true
				}
			}
			// Root nodes other than the spur node must not reappear.
			bannedNodes := make(map[string]bool)
			node := from
			for _, e := range rootEdges {
				bannedNodes[node] = true
				node = e.Other(node)
			}

			spurPath, err := s.strongestPathFrom(ctx, spurNode, rootEdges, bannedEdges, bannedNodes)
			if err != nil {
				return toResults(accepted, from, to), err
			}
			if spurPath == nil {
				continue
			}
			total := append(append([]graphstore.Edge{}, rootEdges...), spurPath.edges...)
			cand := newCandidate(from, total)
			if !containsCandidate(pool, cand) && !containsCandidate(accepted, cand) {
				pool = append(pool, cand)
			}
		}

		if len(pool) == 0 {
			break
		}
		next := popStrongest(&pool)
		accepted = append(accepted, next)
	}

	return toResults(accepted, from, to), nil
}

type search struct {
	snap     *graphstore.Snapshot
	to       string
	filter   graphstore.NeighborFilter
	excluded map[string]bool
	maxHops  int
}

// candidate is a complete path plus its precomputed ranking keys.
type candidate struct {
	edges  []graphstore.Edge
	weight float64
	nodes  []string // from, intermediates, to
}

func newCandidate(from string, edges []graphstore.Edge) *candidate {
	c := &candidate{edges: edges, weight: 1.0}
	node := from
	c.nodes = append(c.nodes, node)
	for _, e := range edges {
		c.weight *= e.EffectiveWeight()
		node = e.Other(node)
		c.nodes = append(c.nodes, node)
	}
	return c
}

// stronger orders candidates: total weight desc, fewer hops, then
// lexicographic node sequence. The last key makes results deterministic
// when distinct paths tie exactly.
func (c *candidate) stronger(other *candidate) bool {
	if c.weight != other.weight {
		return c.weight > other.weight
	}
	if len(c.edges) != len(other.edges) {
		return len(c.edges) < len(other.edges)
	}
	for i := range c.nodes {
		if i >= len(other.nodes) {
			break
		}
		if c.nodes[i] != other.nodes[i] {
			return c.nodes[i] < other.nodes[i]
		}
	}
	return false
}

func (c *candidate) sameAs(other *candidate) bool {
	if len(c.edges) != len(other.edges) {
		return false
	}
	for i := range c.edges {
		if c.edges[i].RID != other.edges[i].RID {
			return false
		}
	}
	return true
}

// strongestPath finds the single strongest simple path from start to
// s.to, honoring the ban sets. Returns nil when no path exists within
// the hop budget.
func (s *search) strongestPath(ctx context.Context, start string, bannedEdges, bannedNodes map[string]bool) (*candidate, error) {
	frontier := &pathHeap{}
	heap.Init(frontier)
	heap.Push(frontier, newCandidate(start, nil))

	// A (node, hops) state never improves once popped: weights are in
	// [0, 1], so extending a path can only weaken it.
	type state struct {
		node string
		hops int
	}
	settled := make(map[state]bool)

	for frontier.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cur := heap.Pop(frontier).(*candidate)
		node := cur.nodes[len(cur.nodes)-1]
		if node == s.to {
			return cur, nil
		}
		if len(cur.edges) == s.maxHops {
			continue
		}
		key := state{node, len(cur.edges)}
		if settled[key] {
			continue
		}
		settled[key] = true

		for _, e := range s.snap.Neighbors(node, s.filter) {
			if bannedEdges[e.RID] {
				continue
			}
			next := e.Other(node)
			if next == "" || s.excluded[next] || bannedNodes[next] {
				continue
			}
			if cur.visited(next) {
				continue
			}
			ext := append(append([]graphstore.Edge{}, cur.edges...), e)
			heap.Push(frontier, extend(cur, ext, next, e))
		}
	}
	return nil, nil
}

// strongestPathFrom runs a spur search and trims the root prefix back
// off, returning only the spur segment.
func (s *search) strongestPathFrom(ctx context.Context, spurNode string, rootEdges []graphstore.Edge, bannedEdges, bannedNodes map[string]bool) (*candidate, error) {
	hopsLeft := s.maxHops - len(rootEdges)
	if hopsLeft <= 0 {
		return nil, nil
	}
	sub := &search{
		snap:     s.snap,
		to:       s.to,
		filter:   s.filter,
		excluded: s.excluded,
		maxHops:  hopsLeft,
	}
	return sub.strongestPath(ctx, spurNode, bannedEdges, bannedNodes)
}

func (c *candidate) visited(did string) bool {
	for _, n := range c.nodes {
		if n == did {
			return true
		}
	}
	return false
}

func extend(parent *candidate, edges []graphstore.Edge, next string, last graphstore.Edge) *candidate {
	nodes := append(append([]string{}, parent.nodes...), next)
	return &candidate{
		edges:  edges,
		weight: parent.weight * last.EffectiveWeight(),
		nodes:  nodes,
	}
}

func sameRoot(edges, root []graphstore.Edge) bool {
	for i := range root {
		if edges[i].RID != root[i].RID {
			return false
		}
	}
	return true
}

func containsCandidate(set []*candidate, c *candidate) bool {
	for _, p := range set {
		if p.sameAs(c) {
			return true
		}
	}
	return false
}

func popStrongest(pool *[]*candidate) *candidate {
	best := 0
	for i := 1; i < len(*pool); i++ {
		if (*pool)[i].stronger((*pool)[best]) {
			best = i
		}
	}
	c := (*pool)[best]
	*pool = append((*pool)[:best], (*pool)[best+1:]...)
	return c
}

func toResults(accepted []*candidate, from, to string) []common.GraphPath {
	out := make([]common.GraphPath, 0, len(accepted))
	for _, c := range accepted {
		path := common.GraphPath{
			From:          from,
			To:            to,
			TotalStrength: c.weight,
			Distance:      len(c.edges),
		}
		node := from
		for _, e := range c.edges {
			next := e.Other(node)
			path.Hops = append(path.Hops, common.PathHop{
				From:     node,
				To:       next,
				EdgeID:   e.RID,
				Strength: e.Strength,
			})
			node = next
		}
		out = append(out, path)
	}
	return out
}

// pathHeap orders the frontier strongest-first using the same comparison
// as final ranking, so tie-breaking is deterministic end to end.
type pathHeap []*candidate

func (h pathHeap) Len() int           { return len(h) }
func (h pathHeap) Less(i, j int) bool { return h[i].stronger(h[j]) }
func (h pathHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pathHeap) Push(x any)        { *h = append(*h, x.(*candidate)) }
func (h *pathHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
