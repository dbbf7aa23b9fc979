// Package rules defines the condition and action trees carried by knowledge
// base rules, and their tagged JSON encoding.
//
// Both trees are closed sum types: Condition is one of Numeric, Composite,
// RouteProfile or UnknownCondition; Action is one of Assert, Modify, Retract
// or UnknownAction. Consumers switch over the concrete types.
package rules

// Comparison operators for Numeric conditions.
const (
	OpGT = ">"
	OpLT = "<"
	OpGE = ">="
	OpLE = "<="
	OpEQ = "=="
)

// Logical operators for Composite conditions.
const (
	And = "AND"
	Or  = "OR"
)

// Arithmetic operations for Modify actions. An empty or unrecognized
// operation replaces the current value.
const (
	OpAdd      = "ADD"
	OpSubtract = "SUBTRACT"
	OpMultiply = "MULTIPLY"
	OpDivide   = "DIVIDE"
)

// Condition is a node of a rule's condition tree.
type Condition interface {
	condition()
}

// Numeric compares a working-memory fact against a literal threshold.
type Numeric struct {
	Variable string
	Operator string
	Value    float64
}

// Composite reduces its children with AND or OR.
type Composite struct {
	Operator   string
	Conditions []Condition
}

// RouteProfile describes routes whose distance falls inside a band. It is
// the shape synthesized by the learning loop; Weather records the risk
// severities observed when the rule was learned. It is stored and ranked
// but never matches during evaluation.
type RouteProfile struct {
	DistanceMin float64
	DistanceMax float64
	Weather     []WeatherSeverity
}

// WeatherSeverity is one observed risk of a learned route profile.
type WeatherSeverity struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
}

// UnknownCondition preserves a condition shape this package does not
// recognize. It never matches.
type UnknownCondition struct {
	Raw []byte
}

func (Numeric) condition()          {}
func (Composite) condition()        {}
func (RouteProfile) condition()     {}
func (UnknownCondition) condition() {}

// Action is the effect of a fired rule on working memory.
type Action interface {
	action()
}

// Fact is a named value asserted into working memory.
type Fact struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Assert inserts or overwrites facts.
type Assert struct {
	Facts []Fact
}

// Modification rewrites an existing numeric fact.
type Modification struct {
	Name      string  `json:"name"`
	Operation string  `json:"operation,omitempty"`
	Value     float64 `json:"value"`
}

// Modify applies modifications to facts already present.
type Modify struct {
	Modifications []Modification
}

// Retract removes facts by name.
type Retract struct {
	Facts []string
}

// UnknownAction preserves an action shape this package does not recognize.
// Executing it changes nothing.
type UnknownAction struct {
	Raw []byte
}

func (Assert) action()        {}
func (Modify) action()        {}
func (Retract) action()       {}
func (UnknownAction) action() {}

// Compare applies a comparison operator. Unknown operators are false.
func Compare(op string, left, right float64) bool {
	switch op {
	case OpGT:
		return left > right
	case OpLT:
		return left < right
	case OpGE:
		return left >= right
	case OpLE:
		return left <= right
	case OpEQ:
		return left == right
	default:
		return false
	}
}

// Apply computes the modified value. ok is false for a division by zero,
// in which case the fact must be left untouched.
func (m Modification) Apply(current float64) (value float64, ok bool) {
	switch m.Operation {
	case OpAdd:
		return current + m.Value, true
	case OpSubtract:
		return current - m.Value, true
	case OpMultiply:
		return current * m.Value, true
	case OpDivide:
		if m.Value == 0 {
			return current, false
		}
		return current / m.Value, true
	default:
		return m.Value, true
	}
}
