package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRuleJSON() []byte {
	return []byte(`{
		"name": "profit-take-btc",
		"enabled": true,
		"trigger": {"type": "interval", "every": "10m"},
		"conditions": [
			{"type": "priceChangePct", "symbol": "BTC", "windowMins": 60, "gt": 0.05},
			{"type": "indicator", "name": "rsi", "symbol": "BTC", "params": {"length": 14}, "gt": 70},
			{"type": "aboveBaseline", "symbol": "BTC", "minPct": 0.1},
			{"type": "custom", "expr": "balance.USDC > 100"}
		],
		"actions": [{"type": "exit", "symbol": "BTC", "allocationPct": 0.5}],
		"risk": {"maxPositionPct": 0.25, "cooldownSecs": 3600, "guardrails": ["baselineProtection", "positionSizing"]}
	}`)
}

func TestParseRule_Valid(t *testing.T) {
	rule, err := ParseRule(validRuleJSON())
	require.NoError(t, err)

	assert.Equal(t, "profit-take-btc", rule.Name)
	assert.True(t, rule.Enabled)
	assert.Equal(t, TriggerInterval, rule.Trigger.Type)
	assert.Equal(t, 10*time.Minute, time.Duration(rule.Trigger.Every))
	assert.Len(t, rule.Conditions, 4)
	assert.Len(t, rule.Actions, 1)
	assert.True(t, rule.Risk.HasGuardrail(GuardBaselineProtection))
}

func TestParseRule_RoundTrip(t *testing.T) {
	rule, err := ParseRule(validRuleJSON())
	require.NoError(t, err)

	data, err := rule.Serialize()
	require.NoError(t, err)

	again, err := ParseRule(data)
	require.NoError(t, err)
	assert.Equal(t, rule, again)
}

func TestParseRule_EventTrigger(t *testing.T) {
	rule, err := ParseRule([]byte(`{
		"name": "deposit-alert",
		"enabled": true,
		"trigger": {"type": "event", "on": "deposit"},
		"conditions": [],
		"actions": [{"type": "alertOnly", "message": "deposit received"}],
		"risk": {}
	}`))
	require.NoError(t, err)
	assert.Equal(t, TriggerEvent, rule.Trigger.Type)
}

func TestParseRule_Rejections(t *testing.T) {
	cases := map[string]string{
		"missing name":       `{"enabled":true,"trigger":{"type":"interval","every":"10m"},"actions":[{"type":"alertOnly","message":"x"}],"risk":{}}`,
		"bad trigger":        `{"name":"x","trigger":{"type":"cron","every":"10m"},"actions":[{"type":"alertOnly","message":"x"}],"risk":{}}`,
		"bad event":          `{"name":"x","trigger":{"type":"event","on":"lunar_eclipse"},"actions":[{"type":"alertOnly","message":"x"}],"risk":{}}`,
		"no actions":         `{"name":"x","trigger":{"type":"interval","every":"10m"},"actions":[],"risk":{}}`,
		"bad indicator":      `{"name":"x","trigger":{"type":"interval","every":"10m"},"conditions":[{"type":"indicator","name":"vwap","symbol":"BTC","gt":1}],"actions":[{"type":"alertOnly","message":"x"}],"risk":{}}`,
		"no bounds":          `{"name":"x","trigger":{"type":"interval","every":"10m"},"conditions":[{"type":"balance","symbol":"BTC"}],"actions":[{"type":"alertOnly","message":"x"}],"risk":{}}`,
		"bad allocation":     `{"name":"x","trigger":{"type":"interval","every":"10m"},"actions":[{"type":"exit","symbol":"BTC","allocationPct":1.5}],"risk":{}}`,
		"bad guardrail":      `{"name":"x","trigger":{"type":"interval","every":"10m"},"actions":[{"type":"alertOnly","message":"x"}],"risk":{"guardrails":["timeTravel"]}}`,
		"bad custom expr":    `{"name":"x","trigger":{"type":"interval","every":"10m"},"conditions":[{"type":"custom","expr":"1 +"}],"actions":[{"type":"alertOnly","message":"x"}],"risk":{}}`,
		"unknown field":      `{"name":"x","bogus":1,"trigger":{"type":"interval","every":"10m"},"actions":[{"type":"alertOnly","message":"x"}],"risk":{}}`,
		"overweight targets": `{"name":"x","trigger":{"type":"interval","every":"10m"},"actions":[{"type":"rebalance","targetWeights":{"BTC":0.8,"ETH":0.5}}],"risk":{}}`,
	}

	for name, src := range cases {
		_, err := ParseRule([]byte(src))
		assert.Error(t, err, "case %s should be rejected", name)
		if err != nil {
			var pe *ParseError
			assert.ErrorAs(t, err, &pe, "case %s should yield a structured parse error", name)
		}
	}
}

func TestDuration_AcceptsSeconds(t *testing.T) {
	rule, err := ParseRule([]byte(`{
		"name": "x",
		"enabled": true,
		"trigger": {"type": "interval", "every": 600},
		"conditions": [],
		"actions": [{"type": "alertOnly", "message": "x"}],
		"risk": {}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, time.Duration(rule.Trigger.Every))
}
