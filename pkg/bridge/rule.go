package bridge

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

type RetainPolicy string

const (
	// RetainPreserve copies the retain flag of the source message
	RetainPreserve RetainPolicy = "preserve"
	// RetainDrop always clears the retain flag on the target side
	RetainDrop RetainPolicy = "drop"
)

// Rule maps a topic pattern on one side of the bridge onto the other side.
// Patterns use the MQTT wildcards + and #; + captures are substituted into
// the target pattern in order
type Rule struct {
	Direction Direction
	Local     string
	Remote    string
	QoS       byte
	Retain    RetainPolicy
}

// source/target of a rule as seen from the local broker
func (r Rule) Source() string {
	if r.Direction == DirectionOut {
		return r.Local
	}
	return r.Remote
}

func (r Rule) Target() string {
	if r.Direction == DirectionOut {
		return r.Remote
	}
	return r.Local
}

func (r Rule) validate() error {
	for _, pattern := range []string{r.Local, r.Remote} {
		if pattern == "" {
			return errors.New("bridge rule with empty topic pattern")
		}
		segments := strings.Split(pattern, "/")
		for i, segment := range segments {
			if segment == "#" && i != len(segments)-1 {
				return errors.Errorf("invalid pattern %q: # is only allowed as the final segment", pattern)
			}
			if strings.ContainsAny(segment, "+#") && len(segment) > 1 {
				return errors.Errorf("invalid pattern %q: wildcards must occupy a whole segment", pattern)
			}
		}
	}
	if r.Direction != DirectionOut && r.Direction != DirectionIn {
		return errors.Errorf("invalid bridge rule direction %q", r.Direction)
	}
	if countWildcards(r.Source()) != countWildcards(r.Target()) {
		return errors.Errorf("pattern pair %q -> %q: wildcard counts do not match", r.Source(), r.Target())
	}
	return nil
}

func countWildcards(pattern string) int {
	n := 0
	for _, segment := range strings.Split(pattern, "/") {
		if segment == "+" || segment == "#" {
			n++
		}
	}
	return n
}

// MatchTopic matches a concrete topic against a pattern, returning the +
// captures and the # remainder
func MatchTopic(pattern string, topic string) (captures []string, rest string, ok bool) {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range patternParts {
		switch part {
		case "#":
			if i > len(topicParts) {
				return nil, "", false
			}
			rest = strings.Join(topicParts[i:], "/")
			return captures, rest, true
		case "+":
			if i >= len(topicParts) {
				return nil, "", false
			}
			captures = append(captures, topicParts[i])
		default:
			if i >= len(topicParts) || topicParts[i] != part {
				return nil, "", false
			}
		}
	}
	if len(topicParts) != len(patternParts) {
		return nil, "", false
	}
	return captures, "", true
}

// RewriteTopic substitutes captures into the target pattern
func RewriteTopic(target string, captures []string, rest string) string {
	parts := strings.Split(target, "/")
	out := make([]string, 0, len(parts))
	next := 0
	for _, part := range parts {
		switch part {
		case "+":
			if next < len(captures) {
				out = append(out, captures[next])
				next++
			} else {
				out = append(out, part)
			}
		case "#":
			if rest != "" {
				out = append(out, rest)
			}
		default:
			out = append(out, part)
		}
	}
	return strings.Join(out, "/")
}

// RuleSet is the validated mapping table of one cloud bridge
type RuleSet struct {
	Cloud string
	Rules []Rule
}

// NewRuleSet validates the rules. Misconfigured mappings refuse to start
func NewRuleSet(cloud string, rules []Rule) (*RuleSet, error) {
	seen := make(map[string]struct{})
	for _, rule := range rules {
		if err := rule.validate(); err != nil {
			return nil, errors.Wrapf(err, "invalid %s bridge configuration", cloud)
		}
		key := string(rule.Direction) + ":" + rule.Source()
		if _, dup := seen[key]; dup {
			return nil, errors.Errorf("invalid %s bridge configuration: duplicate %s pattern %q", cloud, rule.Direction, rule.Source())
		}
		seen[key] = struct{}{}
	}
	return &RuleSet{Cloud: cloud, Rules: rules}, nil
}

// Match finds the first rule in the given direction matching the topic and
// returns the rewritten target topic
func (rs *RuleSet) Match(direction Direction, topic string) (string, *Rule, bool) {
	for i := range rs.Rules {
		rule := &rs.Rules[i]
		if rule.Direction != direction {
			continue
		}
		if captures, rest, ok := MatchTopic(rule.Source(), topic); ok {
			return RewriteTopic(rule.Target(), captures, rest), rule, true
		}
	}
	return "", nil, false
}

// TestTopic reports how a concrete topic would be bridged. Wildcards are
// rejected, the query must name a single topic
func (rs *RuleSet) TestTopic(direction Direction, topic string) (string, error) {
	if strings.ContainsAny(topic, "+#") {
		return "", fmt.Errorf("Wildcard characters are not supported in bridge topic queries: %s", topic)
	}
	target, _, ok := rs.Match(direction, topic)
	if !ok {
		return "", fmt.Errorf("topic %s does not match any %s bridge rule for %s", topic, direction, rs.Cloud)
	}
	return target, nil
}

// Patterns returns the source patterns of one direction, e.g. to build the
// subscription list
func (rs *RuleSet) Patterns(direction Direction) map[string]byte {
	out := make(map[string]byte)
	for _, rule := range rs.Rules {
		if rule.Direction == direction {
			out[rule.Source()] = rule.QoS
		}
	}
	return out
}

// DefaultCumulocityRules is the standard mapping table of the Cumulocity
// bridge for the given local topic prefix (normally "c8y")
func DefaultCumulocityRules(prefix string) []Rule {
	out := func(local, remote string) Rule {
		return Rule{Direction: DirectionOut, Local: prefix + "/" + local, Remote: remote, QoS: 1, Retain: RetainPreserve}
	}
	in := func(remote, local string) Rule {
		return Rule{Direction: DirectionIn, Local: prefix + "/" + local, Remote: remote, QoS: 1, Retain: RetainPreserve}
	}
	return []Rule{
		out("s/us", "s/us"),
		out("s/us/+", "s/us/+"),
		out("s/uc/+", "s/uc/+"),
		out("t/us", "t/us"),
		out("q/us", "q/us"),
		out("c/us", "c/us"),
		out("measurement/measurements/create", "measurement/measurements/create"),
		out("event/events/create", "event/events/create"),
		out("alarm/alarms/create", "alarm/alarms/create"),
		out("inventory/managedObjects/update/+", "inventory/managedObjects/update/+"),
		in("s/ds", "s/ds"),
		in("s/dat", "s/dat"),
		in("s/ds/+", "s/ds/+"),
		in("s/oc/#", "s/oc/#"),
		in("s/e", "s/e"),
	}
}
