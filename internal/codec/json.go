package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"communityhub/internal/domain"
)

// JSONCodec handles JSON snapshot import/export. The layout matches the
// graph-snapshot cache namespace: nodes keyed by identity, edges as an array.
type JSONCodec struct{}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Format returns the codec format identifier
func (c *JSONCodec) Format() string {
	return "json"
}

// Parse imports a snapshot from JSON
func (c *JSONCodec) Parse(r io.Reader) (*domain.WebOfTrust, error) {
	snapshot := domain.NewWebOfTrust()
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if snapshot.Nodes == nil {
		snapshot.Nodes = make(map[domain.ProfileID]domain.GraphNode)
	}
	if snapshot.Edges == nil {
		snapshot.Edges = make([]domain.GraphEdge, 0)
	}
	return snapshot, nil
}

// Export writes a snapshot as indented JSON
func (c *JSONCodec) Export(snapshot *domain.WebOfTrust, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(snapshot); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}
