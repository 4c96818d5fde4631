package domain

import (
	"regexp"
	"strings"
)

// Note is a content post. Notes are immutable once cached.
type Note struct {
	ID        string     `json:"id"`
	AuthorID  ProfileID  `json:"pubkey"`
	Body      string     `json:"content"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
}

// ImageNote is the image view of a note that carries a media URL
type ImageNote struct {
	ID       string    `json:"id"`
	ImageURL string    `json:"image_url"`
	AuthorID ProfileID `json:"pubkey"`
}

// TagKeyHashtag is the tag key used for topic hashtags
const TagKeyHashtag = "t"

var imageURLPattern = regexp.MustCompile(`(?i)https?://[^\s"'<>]+?\.(?:png|jpe?g|gif|webp)\b`)

// FirstImageURL returns the first image URL in the note body, if any
func (n Note) FirstImageURL() (string, bool) {
	url := imageURLPattern.FindString(n.Body)
	return url, url != ""
}

// HasTag reports whether the note carries tag key=value. Values compare
// case-insensitively.
func (n Note) HasTag(key, value string) bool {
	for _, tag := range n.Tags {
		if len(tag) >= 2 && tag[0] == key && strings.EqualFold(tag[1], value) {
			return true
		}
	}
	return false
}

// HasHashtag reports whether the note is tagged with the given topic
func (n Note) HasHashtag(hashtag string) bool {
	return n.HasTag(TagKeyHashtag, hashtag)
}

// ImageNote builds the image view of the note for url
func (n Note) ImageNote(url string) ImageNote {
	return ImageNote{ID: n.ID, ImageURL: url, AuthorID: n.AuthorID}
}
