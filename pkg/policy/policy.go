package policy

import (
	"strings"
)

// Intent identifies what an inbound message is asking for.
type Intent string

const (
	// IntentNone means no keyword set matched the message.
	IntentNone Intent = ""
	// IntentExtend pushes the scheduled shutdown out by the configured extension.
	IntentExtend Intent = "extend"
	// IntentPowerOff shuts the fleet down.
	IntentPowerOff Intent = "power-off"
	// IntentPowerOn wakes the fleet.
	IntentPowerOn Intent = "power-on"
)

// Rule holds the keyword set, allow-list, and weekly quota for one intent.
type Rule struct {
	Intent      Intent
	Keywords    []string
	Senders     []string
	WeeklyQuota int
}

// Classifier resolves inbound messages to intents and checks sender authorization.
// Matching is case-insensitive substring; authorization is exact set membership.
type Classifier struct {
	rules   []Rule
	senders map[Intent]map[string]struct{}
}

// NewClassifier creates a classifier over the three intent rules.
// Rules are evaluated in fixed priority order: extend, power-off, power-on.
// Shutdown-related intents outrank wake so a message naming both keywords
// never wakes a host that is about to go down.
func NewClassifier(extend, powerOff, powerOn Rule) *Classifier {
	extend.Intent = IntentExtend
	powerOff.Intent = IntentPowerOff
	powerOn.Intent = IntentPowerOn

	c := &Classifier{
		rules:   []Rule{extend, powerOff, powerOn},
		senders: make(map[Intent]map[string]struct{}),
	}
	for _, rule := range c.rules {
		set := make(map[string]struct{}, len(rule.Senders))
		for _, sender := range rule.Senders {
			sender = strings.TrimSpace(sender)
			if sender == "" {
				continue
			}
			set[sender] = struct{}{}
		}
		c.senders[rule.Intent] = set
	}
	return c
}

// Classify returns the first intent whose keyword set matches the subject or
// body, or IntentNone when nothing matches. Empty keywords never match.
func (c *Classifier) Classify(subject, body string) Intent {
	subject = strings.ToLower(subject)
	body = strings.ToLower(body)

	for _, rule := range c.rules {
		for _, keyword := range rule.Keywords {
			keyword = strings.ToLower(strings.TrimSpace(keyword))
			if keyword == "" {
				continue
			}
			if strings.Contains(subject, keyword) || strings.Contains(body, keyword) {
				return rule.Intent
			}
		}
	}
	return IntentNone
}

// Authorize reports whether the sender is in the allow-list for the intent.
func (c *Classifier) Authorize(intent Intent, sender string) bool {
	set, ok := c.senders[intent]
	if !ok {
		return false
	}
	_, ok = set[sender]
	return ok
}

// WeeklyQuota returns the configured weekly quota for the intent.
func (c *Classifier) WeeklyQuota(intent Intent) int {
	for _, rule := range c.rules {
		if rule.Intent == intent {
			return rule.WeeklyQuota
		}
	}
	return 0
}

// QuotaApplies reports whether the intent is subject to the weekly quota.
// Power-off is never rate-limited: shutting hosts down costs nothing.
func QuotaApplies(intent Intent) bool {
	return intent == IntentPowerOn || intent == IntentExtend
}

// WeeklyGrants builds the per-principal quota map for the credit ledger.
// A principal listed under several quota-carrying intents gets the largest
// of their quotas, since the ledger keeps a single counter per principal.
func (c *Classifier) WeeklyGrants() map[string]int {
	grants := make(map[string]int)
	for _, rule := range c.rules {
		if !QuotaApplies(rule.Intent) {
			continue
		}
		for sender := range c.senders[rule.Intent] {
			if rule.WeeklyQuota > grants[sender] {
				grants[sender] = rule.WeeklyQuota
			}
		}
	}
	return grants
}
