package triage

import (
	"strings"
	"unicode"
)

// DefaultShortcuts maps normalized filler phrases to canned replies.
var DefaultShortcuts = map[string]string{
	"hello":               "Hello! How can I help you today?",
	"hello there":         "Hello! How can I help you today?",
	"hi":                  "Hi there! What can I assist you with?",
	"hi there":            "Hi there! What can I assist you with?",
	"hey":                 "Hey! How can I help?",
	"thanks":              "You're welcome! Let me know if you need anything else.",
	"thanks a lot":        "You're welcome! Let me know if you need anything else.",
	"thank you":           "You're welcome! Is there anything else I can help with?",
	"thank you very much": "You're welcome! Is there anything else I can help with?",
	"bye":                 "Goodbye! Have a great day.",
	"goodbye":             "Goodbye! Have a great day.",
	"ok":                  "Great. Do you have any other questions?",
	"okay":                "Great. Do you have any other questions?",
}

// ShortcutClassifier answers conversational filler without touching any
// external service. Only whole-message matches against a closed phrase table
// count, so real questions that merely contain "hi" or "ok" fall through.
type ShortcutClassifier struct {
	replies map[string]string
}

// NewShortcutClassifier builds a classifier over phrases. A nil map selects
// DefaultShortcuts. Keys are normalized the same way as incoming text.
func NewShortcutClassifier(phrases map[string]string) *ShortcutClassifier {
	if phrases == nil {
		phrases = DefaultShortcuts
	}
	replies := make(map[string]string, len(phrases))
	for k, v := range phrases {
		if n := normalizeShortcut(k); n != "" {
			replies[n] = v
		}
	}
	return &ShortcutClassifier{replies: replies}
}

// Match returns the canned reply for text, if any.
func (c *ShortcutClassifier) Match(text string) (string, bool) {
	reply, ok := c.replies[normalizeShortcut(text)]
	return reply, ok
}

// normalizeShortcut lowercases, drops surrounding punctuation/emoji noise and
// collapses inner whitespace. Inner punctuation is kept so "ok, but why" stays
// distinct from "ok".
func normalizeShortcut(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
	})
	return strings.Join(strings.Fields(s), " ")
}
