package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/mulewatch/internal/features"
)

const hourMs = int64(time.Hour / time.Millisecond)

func feat(in, out, senders, receivers int, firstIn, lastOut int64) features.AccountFeatures {
	return features.AccountFeatures{
		AccountID:       "ACC",
		InDegree:        in,
		OutDegree:       out,
		UniqueSenders:   senders,
		UniqueReceivers: receivers,
		FirstInbound:    firstIn,
		LastOutbound:    lastOut,
		InboundVolume:   decimal.Zero,
		OutboundVolume:  decimal.Zero,
	}
}

func TestFanInRule(t *testing.T) {
	r := &FanInRule{MinSenders: 3, MinOutbound: 1, Weight: 40}

	if _, ok := r.Evaluate(feat(4, 0, 4, 0, 0, 0)); ok {
		t.Error("fan-in without outbound should not trigger")
	}
	if _, ok := r.Evaluate(feat(5, 1, 2, 1, 0, 0)); ok {
		t.Error("two distinct senders should not trigger")
	}
	c, ok := r.Evaluate(feat(3, 1, 3, 1, 0, 0))
	if !ok {
		t.Fatal("three distinct senders plus outbound should trigger")
	}
	if c.Score != 40 {
		t.Errorf("expected 40, got %d", c.Score)
	}
}

func TestVelocityRule(t *testing.T) {
	r := &VelocityRule{MaxElapsed: 2 * time.Hour, Weight: 30}

	if _, ok := r.Evaluate(feat(1, 0, 1, 0, 0, 0)); ok {
		t.Error("no outbound means no velocity signal")
	}
	if _, ok := r.Evaluate(feat(1, 1, 1, 1, 0, 2*hourMs)); ok {
		t.Error("exactly at the limit should not trigger")
	}
	c, ok := r.Evaluate(feat(1, 1, 1, 1, 0, hourMs/2))
	if !ok {
		t.Fatal("30 minutes should trigger")
	}
	if !strings.Contains(c.Reason, "2 hours") {
		t.Errorf("unexpected reason %q", c.Reason)
	}
	// Zero elapsed time is a (very fast) velocity, not an absent one.
	if _, ok := r.Evaluate(feat(1, 1, 1, 1, 5, 5)); !ok {
		t.Error("zero velocity should trigger")
	}
}

func TestHubRule(t *testing.T) {
	r := &HubRule{MinDegree: 5, Weight: 20}
	if _, ok := r.Evaluate(feat(5, 6, 1, 1, 0, 0)); ok {
		t.Error("in-degree must strictly exceed the minimum")
	}
	if _, ok := r.Evaluate(feat(6, 6, 1, 1, 0, 0)); !ok {
		t.Error("6/6 should trigger")
	}
}

func TestPassThroughRule(t *testing.T) {
	r := &PassThroughRule{MinRatio: decimal.RequireFromString("0.9"), Weight: 15}
	f := feat(1, 1, 1, 1, 0, 0)
	f.InboundVolume = decimal.NewFromInt(1000)
	f.OutboundVolume = decimal.NewFromInt(950)

	c, ok := r.Evaluate(f)
	if !ok {
		t.Fatal("95% forwarded should trigger")
	}
	if !strings.Contains(c.Reason, "95%") {
		t.Errorf("unexpected reason %q", c.Reason)
	}

	f.OutboundVolume = decimal.NewFromInt(500)
	if _, ok := r.Evaluate(f); ok {
		t.Error("50% forwarded should not trigger")
	}
}

func TestRuleEngine_SumsAndLastReasonWins(t *testing.T) {
	e := NewRuleEngine(DefaultRules()...)

	// Fan-in (40) + velocity (30), hub silent.
	a := e.Evaluate(feat(4, 1, 4, 1, 0, hourMs/2))
	if a.Score != 70 {
		t.Fatalf("expected 70, got %d", a.Score)
	}
	if !strings.HasPrefix(a.Reason, "High Velocity") {
		t.Errorf("last triggered rule should provide the reason, got %q", a.Reason)
	}
	if len(a.Triggered) != 2 || a.Triggered[0] != "fan_in" || a.Triggered[1] != "velocity" {
		t.Errorf("unexpected triggered list %v", a.Triggered)
	}
}

func TestRuleEngine_HighestReasonPolicy(t *testing.T) {
	e := NewRuleEngine(DefaultRules()...).WithReasonPolicy(ReasonHighestScore)

	a := e.Evaluate(feat(4, 1, 4, 1, 0, hourMs/2))
	if !strings.HasPrefix(a.Reason, "High Fan-in") {
		t.Errorf("highest contribution should provide the reason, got %q", a.Reason)
	}
}

func TestRuleEngine_NothingTriggered(t *testing.T) {
	a := NewRuleEngine(DefaultRules()...).Evaluate(feat(1, 0, 1, 0, 0, 0))
	if a.Score != 0 || a.Reason != NormalReason || len(a.Triggered) != 0 {
		t.Errorf("unexpected assessment %+v", a)
	}
}

func TestRuleEngine_CustomRule(t *testing.T) {
	always := RuleFunc{RuleName: "always", Fn: func(features.AccountFeatures) (Contribution, bool) {
		return Contribution{Score: 7, Reason: "always"}, true
	}}
	e := NewRuleEngine(append(DefaultRules(), always)...)

	a := e.Evaluate(feat(0, 0, 0, 0, 0, 0))
	if a.Score != 7 || a.Reason != "always" {
		t.Errorf("unexpected assessment %+v", a)
	}
	if got := e.Rules(); got[len(got)-1] != "always" {
		t.Errorf("custom rule should run last, got %v", got)
	}
}

func TestRuleEngine_NegativeContributionPanics(t *testing.T) {
	bad := RuleFunc{RuleName: "bad", Fn: func(features.AccountFeatures) (Contribution, bool) {
		return Contribution{Score: -1}, true
	}}
	defer func() {
		if recover() == nil {
			t.Error("expected panic on negative contribution")
		}
	}()
	NewRuleEngine(bad).Evaluate(feat(0, 0, 0, 0, 0, 0))
}

func TestRuleParams_ZeroWeightDisablesRule(t *testing.T) {
	p := DefaultRuleParams()
	p.HubWeight = 0
	names := NewRuleEngine(p.Rules()...).Rules()
	if len(names) != 2 || names[0] != "fan_in" || names[1] != "velocity" {
		t.Errorf("unexpected rules %v", names)
	}
}

func TestParseReasonPolicy(t *testing.T) {
	for in, want := range map[string]ReasonPolicy{"": ReasonLastTriggered, "last": ReasonLastTriggered, "highest": ReasonHighestScore} {
		got, err := ParseReasonPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseReasonPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseReasonPolicy("loudest"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
