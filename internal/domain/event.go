package domain

// Event kinds consumed by the hub
const (
	KindProfileMetadata = 0
	KindTextNote        = 1
	KindFollowList      = 3
)

// TagKeyPubkey is the tag key that references another identity
const TagKeyPubkey = "p"

// RawEvent is an event as delivered by the transport. Signatures are assumed
// verified upstream.
type RawEvent struct {
	ID        string     `json:"id"`
	Author    ProfileID  `json:"pubkey"`
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
}

// TagValues returns the first value of every tag with the given key
func (e RawEvent) TagValues(key string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == key {
			values = append(values, tag[1])
		}
	}
	return values
}

// Filter selects events from the transport
type Filter struct {
	Kinds   []int               `json:"kinds,omitempty"`
	Authors []ProfileID         `json:"authors,omitempty"`
	Tags    map[string][]string `json:"tags,omitempty"` // tag letter -> accepted values
	Limit   int                 `json:"limit,omitempty"`
}

// WithAuthors returns a copy of f restricted to authors
func (f Filter) WithAuthors(authors []ProfileID) Filter {
	out := f
	out.Authors = append([]ProfileID(nil), authors...)
	return out
}

// Parsed is the result of parsing a RawEvent at the transport edge. It is one
// of ProfileUpdate, FollowList, ContentPost or Unparseable.
type Parsed interface {
	EventID() string
	parsed()
}

// ProfileUpdate carries new profile metadata for Profile.ID
type ProfileUpdate struct {
	ID      string
	Profile Profile
}

// FollowList carries the identities Author follows
type FollowList struct {
	ID        string
	Author    ProfileID
	Follows   []ProfileID
	CreatedAt int64
}

// ContentPost carries a text note
type ContentPost struct {
	Note Note
}

// Unparseable is a payload that could not be interpreted. It is always dropped.
type Unparseable struct {
	ID     string
	Kind   int
	Reason string
}

func (p ProfileUpdate) EventID() string { return p.ID }
func (f FollowList) EventID() string    { return f.ID }
func (c ContentPost) EventID() string   { return c.Note.ID }
func (u Unparseable) EventID() string   { return u.ID }

func (ProfileUpdate) parsed() {}
func (FollowList) parsed()    {}
func (ContentPost) parsed()   {}
func (Unparseable) parsed()   {}
