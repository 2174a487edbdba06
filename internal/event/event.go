// Package event normalizes inbound chat frames into one tagged form.
package event

import (
	"strings"
	"time"
	"unicode"

	"github.com/tidwall/gjson"
)

// Kind tags an Event.
type Kind int

const (
	KindUnknown Kind = iota
	KindNewMessage
	KindMessageEdited
	KindMessageDeleted
	KindTyping
)

func (k Kind) String() string {
	switch k {
	case KindNewMessage:
		return "NewMessage"
	case KindMessageEdited:
		return "MessageEdited"
	case KindMessageDeleted:
		return "MessageDeleted"
	case KindTyping:
		return "Typing"
	default:
		return "Unknown"
	}
}

// Event is a classified chat frame. Which fields are set depends on Kind.
type Event struct {
	Kind           Kind
	ConversationID string
	MessageID      string
	SenderID       string
	Content        string
	MessageType    string
	CreatedAt      time.Time
	IsTyping       bool
	Username       string
}

// kindByTag maps normalized eventType values (upper case, letters and digits
// only) to kinds.
var kindByTag = map[string]Kind{
	"NEWMESSAGE":     KindNewMessage,
	"MESSAGECREATED": KindNewMessage,
	"MESSAGE":        KindNewMessage,
	"MESSAGEEDITED":  KindMessageEdited,
	"MESSAGEUPDATED": KindMessageEdited,
	"MESSAGEDELETED": KindMessageDeleted,
	"TYPING":         KindTyping,
}

// Classify parses a frame body. ok is false for anything that is not a JSON
// object with a conversationId and a recognized shape; such frames are meant
// to be dropped.
//
// Frames without an eventType but with messageId and content are the legacy
// form of a new message and are reported as KindNewMessage.
func Classify(body []byte) (Event, bool) {
	if !gjson.ValidBytes(body) {
		return Event{}, false
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Event{}, false
	}

	ev := Event{
		ConversationID: ID(root.Get("conversationId")),
		MessageID:      ID(root.Get("messageId")),
		SenderID:       ID(root.Get("senderId")),
		Content:        root.Get("content").String(),
		MessageType:    root.Get("type").String(),
		Username:       root.Get("username").String(),
		IsTyping:       root.Get("isTyping").Bool(),
		CreatedAt:      Time(root.Get("createdAt")),
	}
	if ev.ConversationID == "" {
		return Event{}, false
	}

	tag := root.Get("eventType")
	if tag.Exists() && tag.String() != "" {
		kind, known := kindByTag[normalizeTag(tag.String())]
		if !known {
			return Event{}, false
		}
		ev.Kind = kind
	} else {
		if ev.MessageID == "" || !root.Get("content").Exists() {
			return Event{}, false
		}
		ev.Kind = KindNewMessage
	}

	switch ev.Kind {
	case KindNewMessage, KindMessageEdited, KindMessageDeleted:
		if ev.MessageID == "" {
			return Event{}, false
		}
	case KindTyping:
		if ev.Username == "" {
			return Event{}, false
		}
	}
	return ev, true
}

func normalizeTag(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// ID renders ids that may arrive as JSON numbers or strings.
func ID(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return r.Raw
	default:
		return ""
	}
}

// Time accepts RFC 3339 strings or epoch milliseconds.
func Time(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC()
	case gjson.String:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
			if t, err := time.Parse(layout, r.Str); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}
