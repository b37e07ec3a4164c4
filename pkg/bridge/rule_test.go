package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newC8yRules(t *testing.T) *RuleSet {
	t.Helper()
	rules, err := NewRuleSet("c8y", DefaultCumulocityRules("c8y"))
	require.NoError(t, err)
	return rules
}

func TestMatchTopic(t *testing.T) {
	captures, rest, ok := MatchTopic("c8y/s/uc/+", "c8y/s/uc/template1")
	require.True(t, ok)
	assert.Equal(t, []string{"template1"}, captures)
	assert.Empty(t, rest)

	_, rest, ok = MatchTopic("s/oc/#", "s/oc/template/sub")
	require.True(t, ok)
	assert.Equal(t, "template/sub", rest)

	_, _, ok = MatchTopic("c8y/s/us", "c8y/s/us/extra")
	assert.False(t, ok)

	_, _, ok = MatchTopic("c8y/s/uc/+", "c8y/s/us")
	assert.False(t, ok)
}

func TestRewriteTopic(t *testing.T) {
	assert.Equal(t, "s/uc/template1", RewriteTopic("s/uc/+", []string{"template1"}, ""))
	assert.Equal(t, "c8y/s/oc/template/sub", RewriteTopic("c8y/s/oc/#", nil, "template/sub"))
}

func TestRuleSetMatch(t *testing.T) {
	rules := newC8yRules(t)

	target, rule, ok := rules.Match(DirectionOut, "c8y/s/us")
	require.True(t, ok)
	assert.Equal(t, "s/us", target)
	assert.Equal(t, DirectionOut, rule.Direction)

	target, _, ok = rules.Match(DirectionOut, "c8y/measurement/measurements/create")
	require.True(t, ok)
	assert.Equal(t, "measurement/measurements/create", target)

	target, _, ok = rules.Match(DirectionIn, "s/ds")
	require.True(t, ok)
	assert.Equal(t, "c8y/s/ds", target)

	target, _, ok = rules.Match(DirectionIn, "s/oc/template/x")
	require.True(t, ok)
	assert.Equal(t, "c8y/s/oc/template/x", target)

	_, _, ok = rules.Match(DirectionOut, "te/device/main///m/env")
	assert.False(t, ok)
}

func TestTestTopicRejectsWildcards(t *testing.T) {
	rules := newC8yRules(t)

	_, err := rules.TestTopic(DirectionOut, "c8y/s/us/#")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Wildcard characters")

	_, err = rules.TestTopic(DirectionOut, "c8y/s/uc/+")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Wildcard characters")

	target, err := rules.TestTopic(DirectionOut, "c8y/s/uc/template1")
	require.NoError(t, err)
	assert.Equal(t, "s/uc/template1", target)

	_, err = rules.TestTopic(DirectionOut, "unmapped/topic")
	assert.Error(t, err)
}

func TestRuleSetValidation(t *testing.T) {
	_, err := NewRuleSet("c8y", []Rule{
		{Direction: DirectionOut, Local: "c8y/#/x", Remote: "x/#", QoS: 1},
	})
	assert.Error(t, err)

	_, err = NewRuleSet("c8y", []Rule{
		{Direction: DirectionOut, Local: "", Remote: "x", QoS: 1},
	})
	assert.Error(t, err)

	_, err = NewRuleSet("c8y", []Rule{
		{Direction: "sideways", Local: "a", Remote: "b", QoS: 1},
	})
	assert.Error(t, err)

	_, err = NewRuleSet("c8y", []Rule{
		{Direction: DirectionOut, Local: "c8y/s/us", Remote: "s/us", QoS: 1},
		{Direction: DirectionOut, Local: "c8y/s/us", Remote: "other", QoS: 1},
	})
	assert.Error(t, err)

	_, err = NewRuleSet("c8y", []Rule{
		{Direction: DirectionOut, Local: "c8y/s/uc/+", Remote: "s/uc", QoS: 1},
	})
	assert.Error(t, err, "wildcard counts must match")
}

func TestExternalConfigRender(t *testing.T) {
	rules := newC8yRules(t)
	config := &ExternalConfig{
		Cloud:      "c8y",
		RemoteHost: "example.cumulocity.com",
		RemotePort: 8883,
		ClientID:   "tedge001",
		CertFile:   "/etc/tedge/device-certs/tedge-certificate.pem",
		KeyFile:    "/etc/tedge/device-certs/tedge-private-key.pem",
		CADir:      "/etc/ssl/certs",
	}
	rendered := config.Render(rules)
	assert.Contains(t, rendered, "connection edge_to_c8y")
	assert.Contains(t, rendered, "address example.cumulocity.com:8883")
	assert.Contains(t, rendered, "topic s/us out 1 c8y/ \n")
	assert.Contains(t, rendered, "topic s/ds in 1 c8y/ \n")
	assert.Contains(t, rendered, "cleansession false")
}
