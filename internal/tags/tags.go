// Package tags derives descriptive labels from server query results.
//
// Rules are plain predicates registered explicitly at construction time.
// Evaluation is a pure function of the query result: the same result always
// yields the same tag set.
package tags

import (
	"sort"
	"strings"

	"github.com/woozymasta/watchtower/internal/game"
)

// Rule names a single predicate over a query result. When Match reports
// true the rule's name is included in the tag set.
type Rule struct {
	Match func(q *game.Result) bool
	Name  string
}

// Tagger evaluates a fixed set of rules against query results.
type Tagger struct {
	rules []Rule
}

// New builds a Tagger from an enumerated list of rules.
func New(rules []Rule) *Tagger {
	return &Tagger{rules: rules}
}

// Default returns a Tagger with the built-in rule set.
func Default() *Tagger {
	return New([]Rule{
		{Name: "full", Match: func(q *game.Result) bool {
			return q.Info.MaxPlayers > 0 && q.Info.Players >= q.Info.MaxPlayers
		}},
		{Name: "empty", Match: func(q *game.Result) bool {
			return q.Info.Players == 0
		}},
		{Name: "bots", Match: func(q *game.Result) bool {
			return q.Info.Bots > 0
		}},
		{Name: "password", Match: func(q *game.Result) bool {
			return q.Rules["sv_password"] == "1"
		}},
		{Name: "alltalk", Match: func(q *game.Result) bool {
			return q.Rules["sv_alltalk"] == "1"
		}},
		{Name: "cheats", Match: func(q *game.Result) bool {
			return q.Rules["sv_cheats"] == "1"
		}},
		{Name: "respawn-times", Match: func(q *game.Result) bool {
			return hasKeyword(q.Info.Keywords, "respawntimes")
		}},
		{Name: "no-crits", Match: func(q *game.Result) bool {
			return hasKeyword(q.Info.Keywords, "nocrits")
		}},
	})
}

// Evaluate returns the sorted set of tags matching the query result.
func (t *Tagger) Evaluate(q *game.Result) []string {
	set := make(map[string]struct{})
	for _, rule := range t.rules {
		if rule.Match(q) {
			set[rule.Name] = struct{}{}
		}
	}

	tags := make([]string, 0, len(set))
	for name := range set {
		tags = append(tags, name)
	}
	sort.Strings(tags)

	return tags
}

// hasKeyword reports whether the comma separated keyword list of an info
// response contains the given keyword.
func hasKeyword(keywords, want string) bool {
	for _, kw := range strings.Split(keywords, ",") {
		if strings.TrimSpace(kw) == want {
			return true
		}
	}

	return false
}
