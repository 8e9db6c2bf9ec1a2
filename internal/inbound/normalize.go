// Package inbound turns provider-shaped webhook bodies into a fixed-shape event.
package inbound

import (
	"errors"
	"strconv"
	"strings"
)

type Type string

const (
	TypeText     Type = "text"
	TypeImage    Type = "image"
	TypeAudio    Type = "audio"
	TypeLocation Type = "location"
)

var ErrNoInstance = errors.New("instance id not found in payload")

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Event is the canonical inbound message. Location is set only when both coordinates parse.
type Event struct {
	InstanceID string    `json:"instance_id"`
	MessageID  string    `json:"message_id,omitempty"`
	Type       Type      `json:"type"`
	From       *string   `json:"from,omitempty"`
	To         *string   `json:"to,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Text       string    `json:"text,omitempty"`
	MediaURL   string    `json:"media_url,omitempty"`
	Location   *Location `json:"location,omitempty"`
}

// extractor tries one payload path for a logical field.
type extractor func(map[string]any) (any, bool)

func path(keys ...string) extractor {
	return func(m map[string]any) (any, bool) {
		var cur any = m
		for _, k := range keys {
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = obj[k]
			if !ok || cur == nil {
				return nil, false
			}
		}
		return cur, true
	}
}

// present yields value when the payload carries an object at keys.
func present(value string, keys ...string) extractor {
	p := path(keys...)
	return func(m map[string]any) (any, bool) {
		v, ok := p(m)
		if !ok {
			return nil, false
		}
		if _, isObj := v.(map[string]any); !isObj {
			return nil, false
		}
		return value, true
	}
}

var (
	instanceFields = []extractor{
		path("instanceId"),
		path("instance_id"),
		path("data", "instanceId"),
		path("instance", "id"),
		path("instance"),
	}
	messageIDFields = []extractor{
		path("messageId"),
		path("message_id"),
		path("data", "key", "id"),
		path("message", "id"),
		path("id"),
	}
	typeFields = []extractor{
		path("messageType"),
		path("data", "messageType"),
		path("message", "type"),
		path("type"),
		present("location", "location"),
		present("location", "data", "message", "locationMessage"),
		present("image", "image"),
		present("image", "data", "message", "imageMessage"),
		present("audio", "audio"),
		present("audio", "data", "message", "audioMessage"),
	}
	fromFields = []extractor{
		path("phone"),
		path("from"),
		path("sender"),
		path("data", "key", "remoteJid"),
		path("participantPhone"),
	}
	toFields = []extractor{
		path("connectedPhone"),
		path("to"),
		path("recipient"),
		path("data", "owner"),
	}
	senderNameFields = []extractor{
		path("senderName"),
		path("sender_name"),
		path("pushName"),
		path("data", "pushName"),
		path("chatName"),
	}
	textFields = []extractor{
		path("text", "message"),
		path("text"),
		path("body"),
		path("data", "message", "conversation"),
		path("data", "message", "extendedTextMessage", "text"),
		path("image", "caption"),
		path("data", "message", "imageMessage", "caption"),
	}
	mediaFields = []extractor{
		path("image", "imageUrl"),
		path("audio", "audioUrl"),
		path("mediaUrl"),
		path("media_url"),
		path("data", "message", "imageMessage", "url"),
		path("data", "message", "audioMessage", "url"),
	}
	latFields = []extractor{
		path("location", "latitude"),
		path("location", "lat"),
		path("data", "message", "locationMessage", "degreesLatitude"),
		path("latitude"),
	}
	lngFields = []extractor{
		path("location", "longitude"),
		path("location", "lng"),
		path("data", "message", "locationMessage", "degreesLongitude"),
		path("longitude"),
	}
)

// Normalize extracts the canonical event from an arbitrary provider payload.
// Only a missing instance id is an error; per-type requirements are the router's concern.
func Normalize(payload map[string]any) (Event, error) {
	ev := Event{
		InstanceID: InstanceID(payload),
		MessageID:  CorrelationID(payload),
		Type:       classify(payload),
		From:       NormalizePhone(pickString(payload, fromFields)),
		To:         NormalizePhone(pickString(payload, toFields)),
		SenderName: pickString(payload, senderNameFields),
		Text:       pickString(payload, textFields),
		MediaURL:   pickString(payload, mediaFields),
	}
	if lat, ok := pickFloat(payload, latFields); ok {
		if lng, ok := pickFloat(payload, lngFields); ok {
			ev.Location = &Location{Lat: lat, Lng: lng}
		}
	}
	if ev.InstanceID == "" {
		return ev, ErrNoInstance
	}
	return ev, nil
}

// InstanceID returns the channel instance identifier or "".
func InstanceID(payload map[string]any) string {
	return pickString(payload, instanceFields)
}

// CorrelationID returns the provider message id or "".
func CorrelationID(payload map[string]any) string {
	return pickString(payload, messageIDFields)
}

// ClassifyType maps a provider type label onto the canonical type, defaulting to text.
func ClassifyType(label string) Type {
	if t, ok := matchType(label); ok {
		return t
	}
	return TypeText
}

func matchType(label string) (Type, bool) {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "image"), strings.Contains(l, "photo"):
		return TypeImage, true
	case strings.Contains(l, "audio"), strings.Contains(l, "ptt"):
		return TypeAudio, true
	case strings.Contains(l, "location"):
		return TypeLocation, true
	case strings.Contains(l, "text"), strings.Contains(l, "conversation"), strings.Contains(l, "chat"):
		return TypeText, true
	}
	return "", false
}

// classify walks typeFields and takes the first value that names a known type.
// Provider envelope labels such as ReceivedCallback do not match and fall through.
func classify(payload map[string]any) Type {
	for _, ex := range typeFields {
		v, ok := ex(payload)
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if t, ok := matchType(s); ok {
			return t
		}
	}
	return TypeText
}

func pickString(payload map[string]any, fields []extractor) string {
	for _, ex := range fields {
		v, ok := ex(payload)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return ""
}

func pickFloat(payload map[string]any, fields []extractor) (float64, bool) {
	for _, ex := range fields {
		v, ok := ex(payload)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case float64:
			return val, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
