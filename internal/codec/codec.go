// Package codec converts between wire payloads and domain types. It holds the
// parsing boundary for relay events and the snapshot import/export formats.
package codec

import (
	"io"

	"communityhub/internal/domain"
)

// Importer reads a graph snapshot in some format
type Importer interface {
	Parse(r io.Reader) (*domain.WebOfTrust, error)
	Format() string
}

// Exporter writes a graph snapshot in some format
type Exporter interface {
	Export(snapshot *domain.WebOfTrust, w io.Writer) error
	Format() string
}

// Codec both imports and exports
type Codec interface {
	Importer
	Exporter
}

// ForFormat returns the codec registered for format
func ForFormat(format string) (Codec, bool) {
	switch format {
	case "json":
		return NewJSONCodec(), true
	case "yaml", "yml":
		return NewYAMLCodec(), true
	}
	return nil, false
}
