package wot

// Phase is a step of the discovery state machine. Phases run strictly in
// declaration order.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseSeed           Phase = "seed"
	PhaseSeedProfiles   Phase = "seed-profiles"
	PhaseFollows        Phase = "follows"
	PhaseFollowProfiles Phase = "follow-profiles"
	PhaseMutuals        Phase = "mutuals"
	PhaseScoring        Phase = "scoring"
	PhaseReady          Phase = "ready"
)

// Phases lists every phase in order
var Phases = []Phase{
	PhaseIdle,
	PhaseSeed,
	PhaseSeedProfiles,
	PhaseFollows,
	PhaseFollowProfiles,
	PhaseMutuals,
	PhaseScoring,
	PhaseReady,
}

func phaseNames() []string {
	names := make([]string, len(Phases))
	for i, p := range Phases {
		names[i] = string(p)
	}
	return names
}

// Progress is reported after every phase transition and graph publish
type Progress struct {
	Phase   Phase `json:"phase"`
	Nodes   int   `json:"nodes"`
	Edges   int   `json:"edges"`
	Loading bool  `json:"loading"`
}
