package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/mulewatch/internal/features"
)

// NormalReason is reported when no rule triggers.
const NormalReason = "Normal Activity"

// Contribution is what a triggered rule adds to an account's assessment.
type Contribution struct {
	Score  int
	Reason string
}

// Rule is one independent scoring heuristic. Evaluate must be a pure
// function of its input; it returns false when the rule does not trigger.
type Rule interface {
	Name() string
	Evaluate(f features.AccountFeatures) (Contribution, bool)
}

// RuleFunc adapts a plain function into a Rule.
type RuleFunc struct {
	RuleName string
	Fn       func(f features.AccountFeatures) (Contribution, bool)
}

func (r RuleFunc) Name() string { return r.RuleName }

func (r RuleFunc) Evaluate(f features.AccountFeatures) (Contribution, bool) { return r.Fn(f) }

// ReasonPolicy picks the reason reported when several rules trigger.
type ReasonPolicy string

const (
	// ReasonLastTriggered reports the reason of the last triggered rule in
	// list order.
	ReasonLastTriggered ReasonPolicy = "last"
	// ReasonHighestScore reports the reason of the highest-contributing
	// rule; ties go to the earlier rule.
	ReasonHighestScore ReasonPolicy = "highest"
)

// ParseReasonPolicy parses "last" or "highest".
func ParseReasonPolicy(s string) (ReasonPolicy, error) {
	switch ReasonPolicy(s) {
	case ReasonLastTriggered, ReasonHighestScore:
		return ReasonPolicy(s), nil
	case "":
		return ReasonLastTriggered, nil
	}
	return "", fmt.Errorf("risk: unknown reason policy %q", s)
}

// Assessment is the folded result of running every rule.
type Assessment struct {
	Score     int
	Reason    string
	Triggered []string
}

// RuleEngine runs an ordered rule list and sums the contributions.
type RuleEngine struct {
	rules  []Rule
	policy ReasonPolicy
}

// NewRuleEngine creates an engine over rules, in order, using the
// last-triggered reason policy.
func NewRuleEngine(rules ...Rule) *RuleEngine {
	return &RuleEngine{rules: rules, policy: ReasonLastTriggered}
}

// WithReasonPolicy overrides how the reported reason is chosen.
func (e *RuleEngine) WithReasonPolicy(p ReasonPolicy) *RuleEngine {
	e.policy = p
	return e
}

// Rules returns the rule names in evaluation order.
func (e *RuleEngine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Evaluate folds every rule over f.
func (e *RuleEngine) Evaluate(f features.AccountFeatures) Assessment {
	a := Assessment{Reason: NormalReason}
	best := -1
	for _, rule := range e.rules {
		c, ok := rule.Evaluate(f)
		if !ok {
			continue
		}
		if c.Score < 0 {
			panic(fmt.Sprintf("risk: rule %s contributed negative score %d", rule.Name(), c.Score))
		}
		a.Score += c.Score
		a.Triggered = append(a.Triggered, rule.Name())
		switch e.policy {
		case ReasonHighestScore:
			if c.Score > best {
				best = c.Score
				a.Reason = c.Reason
			}
		default:
			a.Reason = c.Reason
		}
	}
	return a
}

// ---------------------------------------------------------------------------
// FanInRule: many distinct sources followed by outbound movement
// ---------------------------------------------------------------------------

type FanInRule struct {
	MinSenders  int
	MinOutbound int
	Weight      int
}

func (r *FanInRule) Name() string { return "fan_in" }

func (r *FanInRule) Evaluate(f features.AccountFeatures) (Contribution, bool) {
	if f.UniqueSenders < r.MinSenders || f.OutDegree < r.MinOutbound {
		return Contribution{}, false
	}
	return Contribution{
		Score:  r.Weight,
		Reason: "High Fan-in: Receiving from multiple sources",
	}, true
}

// ---------------------------------------------------------------------------
// VelocityRule: funds leave shortly after they arrive
// ---------------------------------------------------------------------------

type VelocityRule struct {
	MaxElapsed time.Duration
	Weight     int
}

func (r *VelocityRule) Name() string { return "velocity" }

func (r *VelocityRule) Evaluate(f features.AccountFeatures) (Contribution, bool) {
	hours, ok := f.VelocityHours()
	if !ok || hours >= r.MaxElapsed.Hours() {
		return Contribution{}, false
	}
	return Contribution{
		Score:  r.Weight,
		Reason: fmt.Sprintf("High Velocity: Funds moved within %s", formatHours(r.MaxElapsed)),
	}, true
}

func formatHours(d time.Duration) string {
	h := d.Hours()
	if h == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%g hours", h)
}

// ---------------------------------------------------------------------------
// HubRule: symmetric high connectivity
// ---------------------------------------------------------------------------

type HubRule struct {
	MinDegree int
	Weight    int
}

func (r *HubRule) Name() string { return "hub" }

func (r *HubRule) Evaluate(f features.AccountFeatures) (Contribution, bool) {
	if f.InDegree <= r.MinDegree || f.OutDegree <= r.MinDegree {
		return Contribution{}, false
	}
	return Contribution{
		Score:  r.Weight,
		Reason: "Hub Behavior: High central connectivity",
	}, true
}

// ---------------------------------------------------------------------------
// PassThroughRule: most of what comes in goes straight back out
// ---------------------------------------------------------------------------

type PassThroughRule struct {
	MinRatio decimal.Decimal
	Weight   int
}

func (r *PassThroughRule) Name() string { return "pass_through" }

func (r *PassThroughRule) Evaluate(f features.AccountFeatures) (Contribution, bool) {
	if !f.InboundVolume.IsPositive() || !f.OutboundVolume.IsPositive() {
		return Contribution{}, false
	}
	if f.OutboundVolume.LessThan(f.InboundVolume.Mul(r.MinRatio)) {
		return Contribution{}, false
	}
	return Contribution{
		Score: r.Weight,
		Reason: fmt.Sprintf("Pass-through: %s%% of inbound volume forwarded",
			f.OutboundVolume.Div(f.InboundVolume).Mul(decimal.NewFromInt(100)).StringFixed(0)),
	}, true
}

// ---------------------------------------------------------------------------
// Policy
// ---------------------------------------------------------------------------

// RuleParams are the tunable parameters of the built-in rules. A zero
// weight leaves the rule out of the chain.
type RuleParams struct {
	FanInMinSenders   int
	FanInMinOutbound  int
	FanInWeight       int
	VelocityMaxHours  float64
	VelocityWeight    int
	HubMinDegree      int
	HubWeight         int
	PassThroughRatio  decimal.Decimal
	PassThroughWeight int
}

// DefaultRuleParams returns the baseline policy.
func DefaultRuleParams() RuleParams {
	return RuleParams{
		FanInMinSenders:  3,
		FanInMinOutbound: 1,
		FanInWeight:      40,
		VelocityMaxHours: 2,
		VelocityWeight:   30,
		HubMinDegree:     5,
		HubWeight:        20,
		PassThroughRatio: decimal.NewFromFloat(0.9),
	}
}

// Rules builds the ordered built-in rule chain: fan-in, velocity, hub,
// pass-through.
func (p RuleParams) Rules() []Rule {
	var rules []Rule
	if p.FanInWeight > 0 {
		rules = append(rules, &FanInRule{MinSenders: p.FanInMinSenders, MinOutbound: p.FanInMinOutbound, Weight: p.FanInWeight})
	}
	if p.VelocityWeight > 0 {
		rules = append(rules, &VelocityRule{
			MaxElapsed: time.Duration(p.VelocityMaxHours * float64(time.Hour)),
			Weight:     p.VelocityWeight,
		})
	}
	if p.HubWeight > 0 {
		rules = append(rules, &HubRule{MinDegree: p.HubMinDegree, Weight: p.HubWeight})
	}
	if p.PassThroughWeight > 0 {
		rules = append(rules, &PassThroughRule{MinRatio: p.PassThroughRatio, Weight: p.PassThroughWeight})
	}
	return rules
}

// DefaultRules returns the baseline rule chain.
func DefaultRules() []Rule {
	return DefaultRuleParams().Rules()
}
