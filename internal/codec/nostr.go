package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"communityhub/internal/domain"

	"github.com/tidwall/gjson"
)

// ParseEvent turns a transport event into one of the known payload variants.
// It never fails: anything it cannot interpret comes back as Unparseable.
func ParseEvent(ev domain.RawEvent) domain.Parsed {
	if ev.ID == "" || ev.Author == "" {
		return domain.Unparseable{ID: ev.ID, Kind: ev.Kind, Reason: "missing id or author"}
	}

	switch ev.Kind {
	case domain.KindProfileMetadata:
		return parseProfile(ev)
	case domain.KindFollowList:
		return parseFollowList(ev)
	case domain.KindTextNote:
		return domain.ContentPost{Note: domain.Note{
			ID:        ev.ID,
			AuthorID:  ev.Author,
			Body:      ev.Content,
			CreatedAt: ev.CreatedAt,
			Tags:      ev.Tags,
		}}
	}
	return domain.Unparseable{ID: ev.ID, Kind: ev.Kind, Reason: fmt.Sprintf("unsupported kind %d", ev.Kind)}
}

func parseProfile(ev domain.RawEvent) domain.Parsed {
	if !gjson.Valid(ev.Content) {
		return domain.Unparseable{ID: ev.ID, Kind: ev.Kind, Reason: "profile content is not valid JSON"}
	}
	if !gjson.Parse(ev.Content).IsObject() {
		return domain.Unparseable{ID: ev.ID, Kind: ev.Kind, Reason: "profile content is not an object"}
	}

	fields := gjson.GetMany(ev.Content, "name", "picture", "about", "nip05")
	return domain.ProfileUpdate{
		ID: ev.ID,
		Profile: domain.Profile{
			ID:        ev.Author,
			Name:      stringField(fields[0]),
			Picture:   stringField(fields[1]),
			About:     stringField(fields[2]),
			NIP05:     stringField(fields[3]),
			UpdatedAt: ev.CreatedAt,
		},
	}
}

// stringField ignores non-string values instead of coercing them
func stringField(r gjson.Result) string {
	if r.Type != gjson.String {
		return ""
	}
	return r.Str
}

func parseFollowList(ev domain.RawEvent) domain.Parsed {
	seen := make(map[domain.ProfileID]bool)
	follows := make([]domain.ProfileID, 0)
	for _, target := range ev.TagValues(domain.TagKeyPubkey) {
		if target == "" || target == ev.Author || seen[target] {
			continue
		}
		seen[target] = true
		follows = append(follows, target)
	}
	return domain.FollowList{
		ID:        ev.ID,
		Author:    ev.Author,
		Follows:   follows,
		CreatedAt: ev.CreatedAt,
	}
}

// Relay wire protocol

// Message types exchanged with a relay
const (
	MessageEvent  = "EVENT"
	MessageEOSE   = "EOSE"
	MessageClosed = "CLOSED"
	MessageNotice = "NOTICE"
	MessageOK     = "OK"
	MessageReq    = "REQ"
	MessageClose  = "CLOSE"
)

// ErrMalformedMessage is returned for relay frames that are not a JSON array
// with a known label
var ErrMalformedMessage = errors.New("malformed relay message")

// RelayMessage is a decoded relay-to-client frame
type RelayMessage struct {
	Type           string
	SubscriptionID string
	Event          domain.RawEvent
	Message        string
}

// EncodeFilter renders f in relay filter form, with tag filters as "#<letter>"
func EncodeFilter(f domain.Filter) map[string]any {
	out := make(map[string]any)
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	for letter, values := range f.Tags {
		if len(values) > 0 {
			out["#"+letter] = values
		}
	}
	if f.Limit > 0 {
		out["limit"] = f.Limit
	}
	return out
}

// EncodeReq builds a REQ frame for subID
func EncodeReq(subID string, f domain.Filter) ([]byte, error) {
	data, err := json.Marshal([]any{MessageReq, subID, EncodeFilter(f)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode REQ: %w", err)
	}
	return data, nil
}

// EncodeClose builds a CLOSE frame for subID
func EncodeClose(subID string) ([]byte, error) {
	data, err := json.Marshal([]any{MessageClose, subID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode CLOSE: %w", err)
	}
	return data, nil
}

// DecodeRelayMessage parses a relay frame
func DecodeRelayMessage(data []byte) (RelayMessage, error) {
	if !gjson.ValidBytes(data) {
		return RelayMessage{}, ErrMalformedMessage
	}
	frame := gjson.ParseBytes(data)
	if !frame.IsArray() {
		return RelayMessage{}, ErrMalformedMessage
	}
	parts := frame.Array()
	if len(parts) < 2 || parts[0].Type != gjson.String {
		return RelayMessage{}, ErrMalformedMessage
	}

	msg := RelayMessage{Type: parts[0].Str}
	switch msg.Type {
	case MessageEvent:
		if len(parts) < 3 || !parts[2].IsObject() {
			return RelayMessage{}, fmt.Errorf("%w: EVENT without event object", ErrMalformedMessage)
		}
		msg.SubscriptionID = parts[1].String()
		if err := json.Unmarshal([]byte(parts[2].Raw), &msg.Event); err != nil {
			return RelayMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	case MessageEOSE:
		msg.SubscriptionID = parts[1].String()
	case MessageClosed, MessageOK:
		msg.SubscriptionID = parts[1].String()
		if len(parts) > 2 {
			msg.Message = parts[len(parts)-1].String()
		}
	case MessageNotice:
		msg.Message = parts[1].String()
	default:
		return RelayMessage{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	return msg, nil
}
