package domain

// Trust scoring constants
const (
	MaxTrustScore     = 100
	SeedTrustScore    = MaxTrustScore
	PerSeedTrustScore = 25
)

// GraphNode is one identity in the web of trust
type GraphNode struct {
	ID          ProfileID `json:"id"`
	Profile     Profile   `json:"profile"`
	TrustScore  int       `json:"trust_score"`
	IsSeed      bool      `json:"is_seed"`
	Highlighted bool      `json:"highlighted,omitempty"`
}

// NewSeedNode creates a full-trust seed node with an empty profile
func NewSeedNode(id ProfileID) GraphNode {
	return GraphNode{
		ID:         id,
		Profile:    NewPlaceholderProfile(id),
		TrustScore: SeedTrustScore,
		IsSeed:     true,
	}
}

// NewPlaceholderNode creates a non-seed node for an identity seen only by id
func NewPlaceholderNode(id ProfileID, score int) GraphNode {
	return GraphNode{
		ID:         id,
		Profile:    NewPlaceholderProfile(id),
		TrustScore: clampScore(score),
	}
}

// ScoreForSeedFollowers returns the trust score of a non-seed identity
// followed by n seeds
func ScoreForSeedFollowers(n int) int {
	return clampScore(n * PerSeedTrustScore)
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxTrustScore {
		return MaxTrustScore
	}
	return score
}
