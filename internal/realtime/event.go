// Package realtime consumes server-initiated post events and folds them into
// the feed caches. Events reach the router through an in-process bus, fed by
// either a websocket listener or a polling fallback.
package realtime

import (
	"encoding/json"
	"fmt"

	"blockverse/internal/actor"
	"blockverse/internal/models"
)

// Event types delivered by the push channel.
const (
	TypeNewPost     = "new_post"
	TypePostUpdated = "post_updated"
)

// Event is the envelope of one push message.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePost builds the push message announcing p.
func EncodePost(eventType string, p models.Post) ([]byte, error) {
	data, err := json.Marshal(actor.ToWire(p))
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: eventType, Data: data})
}

// DecodePost parses a push message carrying a post, deriving the like flag
// for viewer me.
func DecodePost(raw []byte, me models.Principal) (string, models.Post, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return "", models.Post{}, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case TypeNewPost, TypePostUpdated:
	default:
		return ev.Type, models.Post{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	var w actor.WirePost
	if err := json.Unmarshal(ev.Data, &w); err != nil {
		return ev.Type, models.Post{}, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	if w.ID == "" {
		return ev.Type, models.Post{}, fmt.Errorf("%s payload has no id", ev.Type)
	}
	return ev.Type, w.Post(me), nil
}
