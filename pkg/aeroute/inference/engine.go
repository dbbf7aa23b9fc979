package inference

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/cognicore/aeroute/pkg/aeroute/internalerr"
	"github.com/cognicore/aeroute/pkg/aeroute/knowledge"
	"github.com/cognicore/aeroute/pkg/aeroute/metrics"
	"github.com/cognicore/aeroute/pkg/aeroute/rules"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
)

// Options configures an Engine.
type Options struct {
	// MaxPasses bounds forward chaining. Zero means no bound; a positive
	// value counts every rule scan, including the one that confirms the
	// fixpoint.
	MaxPasses int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Engine runs forward chaining over the knowledge base rules and A*
// searches over the route graph.
type Engine struct {
	kb      *knowledge.KnowledgeBase
	store   store.Store
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Explanation pairs a fired rule with the facts it changed. Retracted facts
// are recorded as nil.
type Explanation struct {
	RuleID   int64
	RuleType string
	Priority int
	Facts    map[string]any
}

// Result is the outcome of one forward-chaining run.
type Result struct {
	Conclusions  map[string]any
	Explanations []Explanation
	Passes       int
}

// New creates an engine over kb and st.
func New(kb *knowledge.KnowledgeBase, st store.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		kb:      kb,
		store:   st,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Initialize loads rules and weather constraints into the knowledge base.
// Both loads are attempted; failures are logged and joined.
func (e *Engine) Initialize(ctx context.Context) error {
	var errs []error
	if err := e.kb.LoadRules(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.kb.LoadWeatherConstraints(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("inference engine initialized with stale knowledge", zap.Error(err))
		return err
	}
	return nil
}

// ForwardChain seeds a fresh working memory with initial and fires rules
// in priority order until a full pass changes nothing.
func (e *Engine) ForwardChain(ctx context.Context, initial map[string]any) (Result, error) {
	wm := make(map[string]any, len(initial))
	for k, v := range initial {
		wm[k] = v
	}
	var explanations []Explanation

	ruleset := e.kb.Rules()
	passes := 0
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		passes++

		changed := false
		for _, r := range ruleset {
			delta := e.EvaluateRule(r, wm)
			if len(delta) == 0 {
				continue
			}
			changed = true
			explanations = append(explanations, Explanation{
				RuleID:   r.ID,
				RuleType: r.Type,
				Priority: r.Priority,
				Facts:    delta,
			})
		}

		if !changed {
			break
		}
		if e.opts.MaxPasses > 0 && passes >= e.opts.MaxPasses {
			e.logger.Warn("forward chaining did not converge",
				zap.Int("passes", passes),
				zap.Int("rules", len(ruleset)))
			return Result{Conclusions: wm, Explanations: explanations, Passes: passes},
				fmt.Errorf("forward chain after %d passes: %w", passes, internalerr.ErrNonConvergent)
		}
	}

	e.metrics.ObserveChainPasses(passes)
	e.logger.Debug("forward chaining reached fixpoint",
		zap.Int("passes", passes),
		zap.Int("fired", len(explanations)))
	return Result{Conclusions: wm, Explanations: explanations, Passes: passes}, nil
}

// EvaluateRule fires r against wm when its condition holds and returns the
// facts that actually changed. A nil result means wm is untouched.
func (e *Engine) EvaluateRule(r store.RuleRecord, wm map[string]any) map[string]any {
	if !e.kb.EvaluateCondition(r.Condition, wm) {
		return nil
	}
	return apply(r.Action, wm)
}

func apply(action rules.Action, wm map[string]any) map[string]any {
	delta := make(map[string]any)

	switch a := action.(type) {
	case rules.Assert:
		for _, f := range a.Facts {
			if cur, ok := wm[f.Name]; ok && reflect.DeepEqual(cur, f.Value) {
				continue
			}
			wm[f.Name] = f.Value
			delta[f.Name] = f.Value
		}

	case rules.Modify:
		for _, m := range a.Modifications {
			cur, ok := wm[m.Name]
			if !ok {
				continue
			}
			var next float64
			if m.Operation == "" {
				next = m.Value
			} else {
				n, isNum := knowledge.Number(cur)
				if !isNum {
					continue
				}
				if next, ok = m.Apply(n); !ok {
					continue
				}
			}
			if reflect.DeepEqual(cur, next) {
				continue
			}
			wm[m.Name] = next
			delta[m.Name] = next
		}

	case rules.Retract:
		for _, name := range a.Facts {
			if _, ok := wm[name]; !ok {
				continue
			}
			delete(wm, name)
			delta[name] = nil
		}
	}

	if len(delta) == 0 {
		return nil
	}
	return delta
}
