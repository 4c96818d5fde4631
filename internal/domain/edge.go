package domain

// EdgeKind is the relationship carried by a directed edge
type EdgeKind string

const (
	EdgeKindFollows EdgeKind = "follows"
	EdgeKindMutual  EdgeKind = "mutual"
)

// GraphEdge is a directed follow relation. At most one edge exists per
// ordered (Source, Target) pair.
type GraphEdge struct {
	Source ProfileID `json:"source"`
	Target ProfileID `json:"target"`
	Kind   EdgeKind  `json:"kind"`
}

// edgeKey identifies an edge by its ordered endpoints
type edgeKey struct {
	source, target ProfileID
}

func (e GraphEdge) key() edgeKey {
	return edgeKey{source: e.Source, target: e.Target}
}

// Touches reports whether id is either endpoint of the edge
func (e GraphEdge) Touches(id ProfileID) bool {
	return e.Source == id || e.Target == id
}

// IsFollow reports whether the edge expresses that Source follows Target.
// Both kinds do; mutual adds that the reverse also holds.
func (e GraphEdge) IsFollow() bool {
	return e.Kind == EdgeKindFollows || e.Kind == EdgeKindMutual
}
