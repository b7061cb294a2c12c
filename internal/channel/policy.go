// Package channel decides what the bot may do in a given channel.
package channel

import (
	"strings"

	"github.com/susu3304/wagerbot/internal/transport"
)

type Kind string

const (
	Public   Kind = "PUBLIC"
	Session  Kind = "SESSION"
	Direct   Kind = "DIRECT"
	Excluded Kind = "EXCLUDED"
	Unknown  Kind = "UNKNOWN"
)

// Class is the classification of one channel. Offer matching and value
// transfers are never allowed in the same channel.
type Class struct {
	Kind               Kind
	AllowOfferMatch    bool
	AllowValueTransfer bool
}

type Policy struct {
	SessionPatterns  []string
	ExcludedPatterns []string
	Monitored        map[string]bool
	Blocklisted      map[string]bool
}

func NewPolicy(sessionPatterns, excludedPatterns, monitored, blocklisted []string) *Policy {
	return &Policy{
		SessionPatterns:  lower(sessionPatterns),
		ExcludedPatterns: lower(excludedPatterns),
		Monitored:        set(monitored),
		Blocklisted:      set(blocklisted),
	}
}

func (p *Policy) Classify(ch transport.Channel) Class {
	name := strings.ToLower(ch.Name)
	switch {
	case ch.Direct:
		return Class{Kind: Direct}
	case p.Blocklisted[ch.ID] || containsAny(name, p.ExcludedPatterns):
		return Class{Kind: Excluded}
	case containsAny(name, p.SessionPatterns):
		return Class{Kind: Session, AllowValueTransfer: true}
	case len(p.Monitored) == 0 || p.Monitored[ch.ID]:
		return Class{Kind: Public, AllowOfferMatch: true}
	default:
		return Class{Kind: Unknown}
	}
}

// LooksLikeSession reports whether name matches a session pattern.
func (p *Policy) LooksLikeSession(name string) bool {
	return containsAny(strings.ToLower(name), p.SessionPatterns)
}

func containsAny(name string, patterns []string) bool {
	if name == "" {
		return false
	}
	for _, pat := range patterns {
		if pat != "" && strings.Contains(name, pat) {
			return true
		}
	}
	return false
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func set(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			m[id] = true
		}
	}
	return m
}
