package session

import (
	"strings"
	"unicode"
)

// minFragment is the shortest channel-name fragment that may identify a user.
const minFragment = 3

// MatchChannelName reports whether a session channel name such as
// "ticket-johnny-0042" refers to username. The channel name is split on
// non-alphanumerics; fragments that are purely numeric, shorter than three
// characters or listed in ignore are dropped. A remaining fragment matches
// when it contains the normalized username or is contained in it.
func MatchChannelName(channelName, username string, ignore []string) bool {
	user := normalize(username)
	if len(user) < minFragment {
		return false
	}
	for _, frag := range Fragments(channelName, ignore) {
		if strings.Contains(frag, user) || strings.Contains(user, frag) {
			return true
		}
	}
	return false
}

// Fragments returns the candidate username fragments of a channel name.
func Fragments(channelName string, ignore []string) []string {
	skip := make(map[string]bool, len(ignore))
	for _, w := range ignore {
		skip[normalize(w)] = true
	}
	parts := strings.FieldsFunc(strings.ToLower(channelName), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, p := range parts {
		if len(p) < minFragment || skip[p] || isDigits(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
