package codec

import (
	"fmt"
	"io"

	"communityhub/internal/domain"

	"gopkg.in/yaml.v3"
)

// YAMLCodec handles YAML snapshot import/export. Nodes are written as a list
// sorted by trust score so exports read top-down.
type YAMLCodec struct{}

// NewYAMLCodec creates a new YAML codec
func NewYAMLCodec() *YAMLCodec {
	return &YAMLCodec{}
}

// Format returns the codec format identifier
func (c *YAMLCodec) Format() string {
	return "yaml"
}

type yamlSnapshot struct {
	Nodes []yamlNode `yaml:"nodes"`
	Edges []yamlEdge `yaml:"edges"`
}

type yamlNode struct {
	ID         string       `yaml:"id"`
	TrustScore int          `yaml:"trust_score"`
	IsSeed     bool         `yaml:"is_seed,omitempty"`
	Profile    *yamlProfile `yaml:"profile,omitempty"`
}

type yamlProfile struct {
	Name      string `yaml:"name,omitempty"`
	Picture   string `yaml:"picture,omitempty"`
	About     string `yaml:"about,omitempty"`
	NIP05     string `yaml:"nip05,omitempty"`
	UpdatedAt int64  `yaml:"updated_at,omitempty"`
}

type yamlEdge struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Kind   string `yaml:"kind"`
}

// Parse imports a snapshot from YAML
func (c *YAMLCodec) Parse(r io.Reader) (*domain.WebOfTrust, error) {
	var ys yamlSnapshot
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&ys); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	snapshot := domain.NewWebOfTrust()
	for _, yn := range ys.Nodes {
		node := domain.GraphNode{
			ID:         yn.ID,
			Profile:    domain.NewPlaceholderProfile(yn.ID),
			TrustScore: yn.TrustScore,
			IsSeed:     yn.IsSeed,
		}
		if yn.Profile != nil {
			node.Profile = domain.Profile{
				ID:        yn.ID,
				Name:      yn.Profile.Name,
				Picture:   yn.Profile.Picture,
				About:     yn.Profile.About,
				NIP05:     yn.Profile.NIP05,
				UpdatedAt: yn.Profile.UpdatedAt,
			}
		}
		snapshot.Nodes[node.ID] = node
	}

	for _, ye := range ys.Edges {
		snapshot.Edges = append(snapshot.Edges, domain.GraphEdge{
			Source: ye.Source,
			Target: ye.Target,
			Kind:   domain.EdgeKind(ye.Kind),
		})
	}

	return snapshot, nil
}

// Export writes a snapshot as YAML
func (c *YAMLCodec) Export(snapshot *domain.WebOfTrust, w io.Writer) error {
	ys := yamlSnapshot{
		Nodes: make([]yamlNode, 0, len(snapshot.Nodes)),
		Edges: make([]yamlEdge, 0, len(snapshot.Edges)),
	}

	for _, node := range snapshot.SortedNodes() {
		yn := yamlNode{
			ID:         node.ID,
			TrustScore: node.TrustScore,
			IsSeed:     node.IsSeed,
		}
		if !node.Profile.IsPlaceholder() {
			yn.Profile = &yamlProfile{
				Name:      node.Profile.Name,
				Picture:   node.Profile.Picture,
				About:     node.Profile.About,
				NIP05:     node.Profile.NIP05,
				UpdatedAt: node.Profile.UpdatedAt,
			}
		}
		ys.Nodes = append(ys.Nodes, yn)
	}

	for _, edge := range snapshot.Edges {
		ys.Edges = append(ys.Edges, yamlEdge{
			Source: edge.Source,
			Target: edge.Target,
			Kind:   string(edge.Kind),
		})
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer encoder.Close()

	if err := encoder.Encode(&ys); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}

	return nil
}
