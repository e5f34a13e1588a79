// Package subscription decides which sessions receive which business
// objects. A session carries a receive mode and an ordered list of rules;
// the last rule matching an object decides, and an object no rule matches
// is delivered.
package subscription

import (
	"fmt"
	"strings"

	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/types"
)

// Kind selects the metadata a rule looks at
type Kind int

const (
	// KindType matches the content type
	KindType Kind = iota
	// KindNature matches any of the natures
	KindNature
	// KindEvent matches the event name
	KindEvent
)

// String returns the textual prefix of the kind
func (k Kind) String() string {
	switch k {
	case KindNature:
		return "#"
	case KindEvent:
		return "@"
	default:
		return ""
	}
}

const (
	negationPrefix = "!"
	wildcardSuffix = "*"
)

// Rule is one filter expression
type Rule struct {
	Negated  bool
	Kind     Kind
	Pattern  string
	Wildcard bool
}

// ParseRule parses the textual form of a rule: an optional "!", an
// optional kind prefix ("#" nature, "@" event, none for content type),
// then the pattern. A trailing "*" makes the pattern a prefix.
func ParseRule(s string) (Rule, error) {
	var r Rule
	text := strings.TrimSpace(s)
	if strings.HasPrefix(text, negationPrefix) {
		r.Negated = true
		text = text[len(negationPrefix):]
	}
	switch {
	case strings.HasPrefix(text, "#"):
		r.Kind = KindNature
		text = text[1:]
	case strings.HasPrefix(text, "@"):
		r.Kind = KindEvent
		text = text[1:]
	}
	if text == "" {
		return Rule{}, types.NewError(types.ErrCodeApplication,
			fmt.Sprintf("invalid subscription rule %q: missing pattern", s))
	}
	if strings.HasSuffix(text, wildcardSuffix) {
		r.Wildcard = true
		text = strings.TrimSuffix(text, wildcardSuffix)
	}
	r.Pattern = text
	return r, nil
}

// MustParseRule is ParseRule for literals known to be valid
func MustParseRule(s string) Rule {
	r, err := ParseRule(s)
	if err != nil {
		panic(err)
	}
	return r
}

// String returns the textual form accepted by ParseRule
func (r Rule) String() string {
	var sb strings.Builder
	if r.Negated {
		sb.WriteString(negationPrefix)
	}
	sb.WriteString(r.Kind.String())
	sb.WriteString(r.Pattern)
	if r.Wildcard {
		sb.WriteString(wildcardSuffix)
	}
	return sb.String()
}

// matchesAll reports whether the rule is the bare "*", which also matches
// objects without a content type.
func (r Rule) matchesAll() bool {
	return r.Kind == KindType && r.Wildcard && r.Pattern == ""
}

// Matches reports whether obj is selected by the rule, ignoring negation
func (r Rule) Matches(obj *bo.BusinessObject) bool {
	if r.matchesAll() {
		return true
	}
	switch r.Kind {
	case KindNature:
		for _, n := range obj.Natures() {
			if r.matchValue(n) {
				return true
			}
		}
		return false
	case KindEvent:
		if !obj.IsEvent() {
			return false
		}
		return r.matchValue(obj.Event())
	default:
		if !obj.HasContent() {
			return false
		}
		return r.matchValue(obj.Type())
	}
}

func (r Rule) matchValue(v string) bool {
	if r.Wildcard {
		return strings.HasPrefix(v, r.Pattern)
	}
	return v == r.Pattern
}

// List is an ordered rule list
type List []Rule

// All is the list accepting everything
var All = List{MustParseRule(wildcardSuffix)}

// Parse parses rules in order
func Parse(rules []string) (List, error) {
	out := make(List, 0, len(rules))
	for _, s := range rules {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Strings returns the textual form of every rule
func (l List) Strings() []string {
	out := make([]string, len(l))
	for i, r := range l {
		out[i] = r.String()
	}
	return out
}

// Match scans every rule. Each matching rule sets the decision to its
// polarity, so the last match wins. With no match the object passes.
func (l List) Match(obj *bo.BusinessObject) bool {
	decision := true
	for _, r := range l {
		if r.Matches(obj) {
			decision = !r.Negated
		}
	}
	return decision
}
