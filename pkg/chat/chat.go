// Package chat answers chat messages with canned replies chosen by substring
// rules. It never consults a trained model.
package chat

import (
	"fmt"
	"strings"
)

// DefaultFallback is the reply when no rule matches.
const DefaultFallback = "Fallback Error"

// Rule maps a lower-case substring to a reply.
type Rule struct {
	Match string `json:"match" mapstructure:"match"`
	Reply string `json:"reply" mapstructure:"reply"`
}

// DefaultRules returns the stock greeting rules, in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{Match: "hello", Reply: "Hi there! How can I help you today?"},
		{Match: "how are you", Reply: "I'm just a bot, but I'm doing great! Thanks for asking."},
		{Match: "will we win sih", Reply: "If your frontend team works harder and learns more than css, Sure you can make it!!! 💪"},
	}
}

// Responder picks the reply of the first matching rule.
type Responder struct {
	rules    []Rule
	fallback string
}

// NewResponder creates a responder. Matches are lower-cased; a rule with an
// empty match is rejected.
func NewResponder(rules []Rule, fallback string) (*Responder, error) {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(r.Match) == "" {
			return nil, fmt.Errorf("chat rule %d has an empty match", i)
		}
		out[i] = Rule{Match: strings.ToLower(r.Match), Reply: r.Reply}
	}
	if fallback == "" {
		fallback = DefaultFallback
	}
	return &Responder{rules: out, fallback: fallback}, nil
}

// NewDefaultResponder returns a responder with DefaultRules.
func NewDefaultResponder() *Responder {
	r, _ := NewResponder(DefaultRules(), DefaultFallback)
	return r
}

// Reply answers message.
func (r *Responder) Reply(message string) string {
	msg := strings.ToLower(message)
	for _, rule := range r.rules {
		if strings.Contains(msg, rule.Match) {
			return rule.Reply
		}
	}
	return r.fallback
}

// Rules returns a copy of the configured rules.
func (r *Responder) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}
