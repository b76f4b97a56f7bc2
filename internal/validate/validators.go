package validate

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/SirClappington/enq/internal/channel"
	"github.com/SirClappington/enq/internal/domain"
)

const (
	Length    = "length"
	Parseable = "parseable"
	Profanity = "profanity"
)

// Func reports whether a job is INVALID for the channel.
type Func func(ch *channel.Channel, job *domain.Job) bool

// DefaultBlocklist is used when no blocklist is configured.
var DefaultBlocklist = []string{"fuck", "shit", "cunt", "bitch", "asshole"}

// LengthCheck rejects empty bodies and bodies longer than the channel maximum.
// Length is counted in characters, not bytes.
func LengthCheck(ch *channel.Channel, job *domain.Job) bool {
	n := utf8.RuneCountInString(job.Body)
	return n == 0 || n > ch.MaxLength
}

// ParseableCheck rejects any non-space character outside the allow-list.
func ParseableCheck(_ *channel.Channel, job *domain.Job) bool {
	for _, c := range job.Body {
		if unicode.IsSpace(c) {
			continue
		}
		if !allowed(c) {
			return true
		}
	}
	return false
}

func allowed(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c >= '!' && c <= '+':
		return true
	case c >= ',' && c <= '/':
		return true
	case c == ':', c == '?', c == '@', c == '^':
		return true
	}
	return false
}

// ProfanityCheck builds a content filter over the given terms.
func ProfanityCheck(terms []string) Func {
	list := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = squash(t); t != "" {
			list = append(list, t)
		}
	}
	return func(_ *channel.Channel, job *domain.Job) bool {
		body := squash(job.Body)
		for _, t := range list {
			if strings.Contains(body, t) {
				return true
			}
		}
		return false
	}
}

func squash(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}
