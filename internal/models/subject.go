package models

import (
	"regexp"
	"strings"
)

// NoSubject is stored when the provider delivers a message without one.
const NoSubject = "(no subject)"

var replyPrefixPattern = regexp.MustCompile(`(?i)^(re|fw|fwd)\s*:\s*`)

// NormalizeSubject strips reply and forward prefixes so every member of a
// conversation maps to the same display subject. "Re: Re: FW: Order" and
// "Order" normalize identically.
func NormalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	for {
		stripped := replyPrefixPattern.ReplaceAllString(subject, "")
		if stripped == subject {
			break
		}
		subject = strings.TrimSpace(stripped)
	}
	if subject == "" {
		return NoSubject
	}
	return subject
}
