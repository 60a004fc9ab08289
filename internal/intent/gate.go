// Package intent classifies citizen messages that ask to report a problem.
package intent

import (
	"strings"
)

// ticketPhrases are Croatian phrasings of "I want to report a problem/fault",
// with and without diacritics.
var ticketPhrases = []string{
	"želim prijaviti",
	"zelim prijaviti",
	"htio bih prijaviti",
	"htjela bih prijaviti",
	"htio bi prijaviti",
	"htjela bi prijaviti",
	"želio bih prijaviti",
	"zelio bih prijaviti",
	"željela bih prijaviti",
	"zeljela bih prijaviti",
	"prijaviti problem",
	"prijaviti kvar",
	"prijaviti štetu",
	"prijaviti stetu",
	"prijava problema",
	"prijava kvara",
	"prijavljujem kvar",
	"prijavljujem problem",
	"podnijeti prijavu",
	"otvoriti prijavu",
}

// Gate is a deterministic substring classifier for support-ticket intent.
type Gate struct {
	phrases []string
}

// NewGate returns a gate over the built-in phrases plus any extras.
func NewGate(extra ...string) *Gate {
	phrases := append([]string(nil), ticketPhrases...)
	for _, p := range extra {
		if p = normalize(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Gate{phrases: phrases}
}

// Match reports whether the message expresses ticket intent and which phrase
// triggered it.
func (g *Gate) Match(message string) (bool, string) {
	text := normalize(message)
	if text == "" {
		return false, ""
	}
	for _, p := range g.phrases {
		if strings.Contains(text, p) {
			return true, p
		}
	}
	return false, ""
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
