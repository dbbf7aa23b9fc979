package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cognicore/aeroute/pkg/aeroute/rules"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
)

// FactPrefix prefixes weather constraint keys in the fact lookup.
const FactPrefix = "weather_"

// Constraint is the fact-like view of a weather constraint.
type Constraint struct {
	Min  float64
	Max  float64
	Unit string
}

type ruleSet struct {
	ordered []store.RuleRecord
	byID    map[int64]store.RuleRecord
}

// KnowledgeBase holds the loaded rules and weather constraints. Loads swap
// the whole snapshot, so readers never see a partially loaded set.
type KnowledgeBase struct {
	store  store.Store
	logger *zap.Logger

	rules atomic.Pointer[ruleSet]
	facts atomic.Pointer[map[string]Constraint]
}

// New creates an empty knowledge base backed by st.
func New(st store.Store, logger *zap.Logger) *KnowledgeBase {
	if logger == nil {
		logger = zap.NewNop()
	}
	kb := &KnowledgeBase{store: st, logger: logger}
	kb.rules.Store(&ruleSet{byID: map[int64]store.RuleRecord{}})
	empty := map[string]Constraint{}
	kb.facts.Store(&empty)
	return kb
}

// LoadRules replaces the rule snapshot with the active rules in priority
// order. On failure the previous snapshot is kept.
func (kb *KnowledgeBase) LoadRules(ctx context.Context) error {
	records, err := kb.store.ListActiveRules(ctx)
	if err != nil {
		kb.logger.Error("loading rules failed, keeping previous set", zap.Error(err))
		return fmt.Errorf("load rules: %w", err)
	}

	rs := &ruleSet{
		ordered: records,
		byID:    make(map[int64]store.RuleRecord, len(records)),
	}
	for _, r := range records {
		rs.byID[r.ID] = r
	}
	kb.rules.Store(rs)
	kb.logger.Info("rules loaded", zap.Int("count", len(records)))
	return nil
}

// LoadWeatherConstraints replaces the constraint snapshot. On failure the
// previous snapshot is kept.
func (kb *KnowledgeBase) LoadWeatherConstraints(ctx context.Context) error {
	records, err := kb.store.ListWeatherConstraints(ctx)
	if err != nil {
		kb.logger.Error("loading weather constraints failed, keeping previous set", zap.Error(err))
		return fmt.Errorf("load weather constraints: %w", err)
	}

	facts := make(map[string]Constraint, len(records))
	for _, c := range records {
		facts[FactPrefix+c.ConditionType] = Constraint{Min: c.Min, Max: c.Max, Unit: c.Unit}
	}
	kb.facts.Store(&facts)
	kb.logger.Info("weather constraints loaded", zap.Int("count", len(records)))
	return nil
}

// Rules returns the loaded rules in evaluation order.
func (kb *KnowledgeBase) Rules() []store.RuleRecord {
	rs := kb.rules.Load()
	out := make([]store.RuleRecord, len(rs.ordered))
	copy(out, rs.ordered)
	return out
}

// RulesByType returns the loaded rules with the given type, in evaluation order.
func (kb *KnowledgeBase) RulesByType(ruleType string) []store.RuleRecord {
	var out []store.RuleRecord
	for _, r := range kb.rules.Load().ordered {
		if r.Type == ruleType {
			out = append(out, r)
		}
	}
	return out
}

// Rule looks up a loaded rule by id.
func (kb *KnowledgeBase) Rule(id int64) (store.RuleRecord, bool) {
	r, ok := kb.rules.Load().byID[id]
	return r, ok
}

// WeatherConstraint returns the constraint for a condition type such as WIND_SPEED.
func (kb *KnowledgeBase) WeatherConstraint(conditionType string) (Constraint, bool) {
	c, ok := (*kb.facts.Load())[FactPrefix+conditionType]
	return c, ok
}

// Facts returns a copy of the constraint lookup keyed by "weather_"+type.
func (kb *KnowledgeBase) Facts() map[string]Constraint {
	src := *kb.facts.Load()
	out := make(map[string]Constraint, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// EvaluateCondition evaluates cond against facts. Missing or non-numeric
// facts fail their comparison; route profiles and unknown shapes are false.
func (kb *KnowledgeBase) EvaluateCondition(cond rules.Condition, facts map[string]any) bool {
	return Evaluate(cond, facts)
}

// Evaluate is EvaluateCondition without a knowledge base.
func Evaluate(cond rules.Condition, facts map[string]any) bool {
	switch c := cond.(type) {
	case rules.Numeric:
		v, ok := Number(facts[c.Variable])
		if !ok {
			return false
		}
		return rules.Compare(c.Operator, v, c.Value)

	case rules.Composite:
		// every child is evaluated
		results := make([]bool, len(c.Conditions))
		for i, child := range c.Conditions {
			results[i] = Evaluate(child, facts)
		}
		if c.Operator == rules.And {
			for _, r := range results {
				if !r {
					return false
				}
			}
			return true
		}
		// any other operator reduces as OR
		for _, r := range results {
			if r {
				return true
			}
		}
		return false

	case rules.RouteProfile:
		// Learned route profiles carry priority only; they never fire.
		return false

	default:
		return false
	}
}

// Number converts a fact value to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
