package domain

import "sort"

// WebOfTrust is an immutable point-in-time view of the trust graph. Values
// handed out by a Graph are never mutated afterwards; callers that want to
// change one must Clone it first.
type WebOfTrust struct {
	Nodes map[ProfileID]GraphNode `json:"nodes"`
	Edges []GraphEdge             `json:"edges"`
}

// NewWebOfTrust creates an empty snapshot
func NewWebOfTrust() *WebOfTrust {
	return &WebOfTrust{
		Nodes: make(map[ProfileID]GraphNode),
		Edges: make([]GraphEdge, 0),
	}
}

// Clone returns a deep copy of the snapshot
func (w *WebOfTrust) Clone() *WebOfTrust {
	if w == nil {
		return NewWebOfTrust()
	}
	out := &WebOfTrust{
		Nodes: make(map[ProfileID]GraphNode, len(w.Nodes)),
		Edges: make([]GraphEdge, len(w.Edges)),
	}
	for id, node := range w.Nodes {
		out.Nodes[id] = node
	}
	copy(out.Edges, w.Edges)
	return out
}

// TrustedProfiles returns the profiles of every node scoring at least
// minScore. Order is unspecified.
func (w *WebOfTrust) TrustedProfiles(minScore int) []Profile {
	profiles := make([]Profile, 0)
	for _, node := range w.Nodes {
		if node.TrustScore >= minScore {
			profiles = append(profiles, node.Profile)
		}
	}
	return profiles
}

// Edge returns the edge source->target if present
func (w *WebOfTrust) Edge(source, target ProfileID) (GraphEdge, bool) {
	for _, e := range w.Edges {
		if e.Source == source && e.Target == target {
			return e, true
		}
	}
	return GraphEdge{}, false
}

// SortedNodes returns nodes ordered by descending score, then id
func (w *WebOfTrust) SortedNodes() []GraphNode {
	nodes := make([]GraphNode, 0, len(w.Nodes))
	for _, node := range w.Nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].TrustScore != nodes[j].TrustScore {
			return nodes[i].TrustScore > nodes[j].TrustScore
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}

// View derives the display graph: nodes below minScore are dropped, edges are
// kept only between visible nodes, and when highlight is set only the edges
// touching it remain and the nodes they connect are flagged Highlighted.
func (w *WebOfTrust) View(minScore int, highlight ProfileID) *WebOfTrust {
	view := NewWebOfTrust()
	for id, node := range w.Nodes {
		if node.TrustScore >= minScore {
			node.Highlighted = false
			view.Nodes[id] = node
		}
	}

	for _, e := range w.Edges {
		_, srcOK := view.Nodes[e.Source]
		_, tgtOK := view.Nodes[e.Target]
		if srcOK && tgtOK {
			view.Edges = append(view.Edges, e)
		}
	}

	if highlight == "" {
		return view
	}

	connected := map[ProfileID]bool{highlight: true}
	edges := make([]GraphEdge, 0)
	for _, e := range view.Edges {
		if e.Touches(highlight) {
			edges = append(edges, e)
			connected[e.Source] = true
			connected[e.Target] = true
		}
	}
	view.Edges = edges
	for id, node := range view.Nodes {
		if connected[id] {
			node.Highlighted = true
			view.Nodes[id] = node
		}
	}
	return view
}

// Graph is the live, mutable trust graph. It is not safe for concurrent use;
// a single owner mutates it and shares Snapshot results.
type Graph struct {
	nodes map[ProfileID]*GraphNode
	edges []GraphEdge
	index map[edgeKey]int
	seeds []ProfileID
}

// NewGraph creates a graph containing only the given seed identities
func NewGraph(seeds []ProfileID) *Graph {
	g := &Graph{
		nodes: make(map[ProfileID]*GraphNode),
		edges: make([]GraphEdge, 0),
		index: make(map[edgeKey]int),
	}
	for _, id := range seeds {
		g.AddSeed(id)
	}
	return g
}

// AddSeed inserts id as a seed node. Existing nodes are promoted to seeds.
func (g *Graph) AddSeed(id ProfileID) {
	if node, ok := g.nodes[id]; ok {
		if !node.IsSeed {
			node.IsSeed = true
			node.TrustScore = SeedTrustScore
			g.seeds = append(g.seeds, id)
		}
		return
	}
	node := NewSeedNode(id)
	g.nodes[id] = &node
	g.seeds = append(g.seeds, id)
}

// Seeds returns the seed identities in insertion order
func (g *Graph) Seeds() []ProfileID {
	return append([]ProfileID(nil), g.seeds...)
}

// IsSeed reports whether id is a seed identity
func (g *Graph) IsSeed(id ProfileID) bool {
	node, ok := g.nodes[id]
	return ok && node.IsSeed
}

// HasNode reports whether id has a node
func (g *Graph) HasNode(id ProfileID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Node returns a copy of the node for id
func (g *Graph) Node(id ProfileID) (GraphNode, bool) {
	node, ok := g.nodes[id]
	if !ok {
		return GraphNode{}, false
	}
	return *node, true
}

// NodeCount returns the number of nodes
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// EnsureNode inserts a placeholder node with the given score when id is
// unknown. It reports whether a node was created.
func (g *Graph) EnsureNode(id ProfileID, score int) bool {
	if _, ok := g.nodes[id]; ok {
		return false
	}
	node := NewPlaceholderNode(id, score)
	g.nodes[id] = &node
	return true
}

// SetProfile stores p on its node when the node exists and p is not older
// than the stored profile. It reports whether the profile was applied.
func (g *Graph) SetProfile(p Profile) bool {
	node, ok := g.nodes[p.ID]
	if !ok || !p.Supersedes(node.Profile) {
		return false
	}
	node.Profile = p
	return true
}

// HasEdge reports whether the edge source->target exists
func (g *Graph) HasEdge(source, target ProfileID) bool {
	_, ok := g.index[edgeKey{source: source, target: target}]
	return ok
}

// EdgeKind returns the kind of edge source->target
func (g *Graph) EdgeKind(source, target ProfileID) (EdgeKind, bool) {
	i, ok := g.index[edgeKey{source: source, target: target}]
	if !ok {
		return "", false
	}
	return g.edges[i].Kind, true
}

// AddFollow appends a follows edge source->target. Both endpoints must
// already be nodes and self-follows are ignored. It reports whether a new edge
// was added. A new edge from a seed rescores its target.
func (g *Graph) AddFollow(source, target ProfileID) bool {
	if source == target || !g.HasNode(source) || !g.HasNode(target) {
		return false
	}
	if g.HasEdge(source, target) {
		return false
	}

	e := GraphEdge{Source: source, Target: target, Kind: EdgeKindFollows}
	g.index[e.key()] = len(g.edges)
	g.edges = append(g.edges, e)

	if g.IsSeed(source) {
		g.rescore(target)
	}
	return true
}

// MarkMutual upgrades source->target and target->source to mutual when both
// exist. Calling it again is a no-op. It reports whether both edges are
// mutual afterwards.
func (g *Graph) MarkMutual(source, target ProfileID) bool {
	fwd, okFwd := g.index[edgeKey{source: source, target: target}]
	rev, okRev := g.index[edgeKey{source: target, target: source}]
	if !okFwd || !okRev {
		return false
	}
	g.edges[fwd].Kind = EdgeKindMutual
	g.edges[rev].Kind = EdgeKindMutual
	return true
}

// RecomputeScores recalculates the score of every non-seed node from the
// current edge set. Seed scores are left untouched.
func (g *Graph) RecomputeScores() {
	for id, node := range g.nodes {
		if node.IsSeed {
			continue
		}
		node.TrustScore = ScoreForSeedFollowers(g.seedFollowers(id))
	}
}

func (g *Graph) rescore(id ProfileID) {
	node, ok := g.nodes[id]
	if !ok || node.IsSeed {
		return
	}
	node.TrustScore = ScoreForSeedFollowers(g.seedFollowers(id))
}

// seedFollowers counts the seed nodes with a follow edge into id
func (g *Graph) seedFollowers(id ProfileID) int {
	n := 0
	for _, seed := range g.seeds {
		if i, ok := g.index[edgeKey{source: seed, target: id}]; ok && g.edges[i].IsFollow() {
			n++
		}
	}
	return n
}

// Snapshot returns a deep copy of the graph as an immutable WebOfTrust
func (g *Graph) Snapshot() *WebOfTrust {
	w := &WebOfTrust{
		Nodes: make(map[ProfileID]GraphNode, len(g.nodes)),
		Edges: make([]GraphEdge, len(g.edges)),
	}
	for id, node := range g.nodes {
		w.Nodes[id] = *node
	}
	copy(w.Edges, g.edges)
	return w
}
