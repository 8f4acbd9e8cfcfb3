// Package scheduler implements the run-node state machine, routing
// evaluator, upstream context assembler, fan-out/join subsystem and the
// single-step scheduler loop that ties them together.
package scheduler

import (
	"fmt"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/smilemakc/alphred/internal/domain"
)

// GuardEvaluator evaluates a domain.GuardExpression against a decision
// context map. Leaf Condition comparisons are plain Go (so the exact
// coercion rules in the data model hold precisely); Group combinators are
// compiled once per (logic, arity) shape with expr-lang and cached, since
// the same small set of shapes recurs on every advance across every run.
type GuardEvaluator struct {
	programs *xsync.MapOf[string, *vm.Program]
}

func NewGuardEvaluator() *GuardEvaluator {
	return &GuardEvaluator{programs: xsync.NewMapOf[string, *vm.Program]()}
}

// Evaluate returns whether g matches env. A nil guard always matches (it
// represents an auto edge and should not normally reach here).
func (ge *GuardEvaluator) Evaluate(g *domain.GuardExpression, env map[string]any) (bool, error) {
	if g == nil {
		return true, nil
	}
	return ge.eval(*g, env)
}

func (ge *GuardEvaluator) eval(g domain.GuardExpression, env map[string]any) (bool, error) {
	switch g.Kind {
	case domain.GuardKindCondition:
		return evaluateCondition(g.Condition, env)
	case domain.GuardKindGroup:
		children := make([]bool, len(g.Group.Conditions))
		for i, child := range g.Group.Conditions {
			result, err := ge.eval(child, env)
			if err != nil {
				return false, err
			}
			children[i] = result
		}
		return ge.combine(g.Group.Logic, children)
	default:
		return false, domain.InvalidGuardExpression(fmt.Sprintf("unknown guard kind %q", g.Kind), nil)
	}
}

func (ge *GuardEvaluator) combine(logic domain.GuardLogic, children []bool) (bool, error) {
	cacheKey := fmt.Sprintf("%s:%d", logic, len(children))
	program, ok := ge.programs.Load(cacheKey)
	if !ok {
		op := "&&"
		if logic == domain.LogicOr {
			op = "||"
		}
		src := "b0"
		for i := 1; i < len(children); i++ {
			src += fmt.Sprintf(" %s b%d", op, i)
		}
		env := make(map[string]any, len(children))
		for i := range children {
			env[fmt.Sprintf("b%d", i)] = false
		}
		compiled, err := expr.Compile(src, expr.Env(env), expr.AsBool())
		if err != nil {
			return false, domain.InvalidGuardExpression("failed to compile guard group", err)
		}
		program, _ = ge.programs.LoadOrStore(cacheKey, compiled)
	}
	runEnv := make(map[string]any, len(children))
	for i, v := range children {
		runEnv[fmt.Sprintf("b%d", i)] = v
	}
	result, err := expr.Run(program, runEnv)
	if err != nil {
		return false, domain.InvalidGuardExpression("failed to evaluate guard group", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, domain.InvalidGuardExpression(fmt.Sprintf("guard group did not evaluate to bool, got %T", result), nil)
	}
	return b, nil
}

// evaluateCondition implements the exact coercion rules from the data
// model: a missing field is false; strings compare lexicographically;
// numbers compare numerically; booleans compare by equality; cross-type
// comparisons are false. Numeric-looking strings are NOT coerced to
// numbers — see the design note on cross-type guard comparisons.
func evaluateCondition(c *domain.Condition, env map[string]any) (bool, error) {
	actual, present := env[c.Field]
	if !present {
		return false, nil
	}
	switch want := c.Value.(type) {
	case string:
		got, ok := actual.(string)
		if !ok {
			return false, nil
		}
		return compareOrdered(got, want, c.Operator)
	case bool:
		got, ok := actual.(bool)
		if !ok {
			return false, nil
		}
		if c.Operator != domain.OpEqual && c.Operator != domain.OpNotEqual {
			return false, domain.InvalidGuardExpression(fmt.Sprintf("operator %q not valid for boolean field %q", c.Operator, c.Field), nil)
		}
		eq := got == want
		if c.Operator == domain.OpNotEqual {
			return !eq, nil
		}
		return eq, nil
	case float64, int, int64:
		gotNum, ok := asFloat64(actual)
		if !ok {
			return false, nil
		}
		wantNum, _ := asFloat64(want)
		return compareOrdered(gotNum, wantNum, c.Operator)
	default:
		return false, domain.InvalidGuardExpression(fmt.Sprintf("unsupported guard value type %T for field %q", want, c.Field), nil)
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func compareOrdered[T string | float64](got, want T, op domain.ConditionOperator) (bool, error) {
	switch op {
	case domain.OpEqual:
		return got == want, nil
	case domain.OpNotEqual:
		return got != want, nil
	case domain.OpLessThan:
		return got < want, nil
	case domain.OpLessEqual:
		return got <= want, nil
	case domain.OpGreaterThan:
		return got > want, nil
	case domain.OpGreaterEqual:
		return got >= want, nil
	default:
		return false, domain.InvalidGuardExpression(fmt.Sprintf("unknown operator %q", op), nil)
	}
}

// DecisionContext synthesizes the guard-evaluation environment from a
// run-node's latest non-noise artifact: condition fields look up by name
// into the artifact's metadata, falling back to a "decision" field
// synthesized from content for simple string templates.
func DecisionContext(artifact domain.PhaseArtifact) map[string]any {
	env := make(map[string]any, len(artifact.Metadata)+1)
	for k, v := range artifact.Metadata {
		env[k] = v
	}
	if _, ok := env["decision"]; !ok {
		if decision, ok := simpleDecision(artifact.Content); ok {
			env["decision"] = decision
		}
	}
	return env
}

// simpleDecision extracts a bare token content value ("approved", "42",
// "true"/"false") as a typed fallback "decision" field for artifacts whose
// metadata does not already carry structured fields.
func simpleDecision(content string) (any, bool) {
	if content == "" {
		return nil, false
	}
	if b, err := strconv.ParseBool(content); err == nil {
		return b, true
	}
	if f, err := strconv.ParseFloat(content, 64); err == nil {
		return f, true
	}
	return content, true
}
