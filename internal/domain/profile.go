package domain

// ProfileID is an opaque, globally unique identity key (a hex public key on
// the wire). Nothing beyond equality is assumed.
type ProfileID = string

// Profile holds published metadata for an identity
type Profile struct {
	ID      ProfileID `json:"id"`
	Name    string    `json:"name,omitempty"`
	Picture string    `json:"picture,omitempty"`
	About   string    `json:"about,omitempty"`
	NIP05   string    `json:"nip05,omitempty"` // verified handle

	// UpdatedAt is the creation time (unix seconds) of the event that
	// produced this profile. Zero for placeholders.
	UpdatedAt int64 `json:"updated_at,omitempty"`
}

// NewPlaceholderProfile returns an empty profile for an identity seen only by id
func NewPlaceholderProfile(id ProfileID) Profile {
	return Profile{ID: id}
}

// IsPlaceholder reports whether no metadata has been observed for the profile
func (p Profile) IsPlaceholder() bool {
	return p.UpdatedAt == 0 && p.Name == "" && p.Picture == "" && p.About == "" && p.NIP05 == ""
}

// Supersedes reports whether p should replace existing. Metadata is ordered by
// event timestamp; equal timestamps fall back to arrival order.
func (p Profile) Supersedes(existing Profile) bool {
	return p.UpdatedAt >= existing.UpdatedAt
}

// DisplayName returns the best human label for the profile
func (p Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	if len(p.ID) > 8 {
		return p.ID[:8]
	}
	return p.ID
}
