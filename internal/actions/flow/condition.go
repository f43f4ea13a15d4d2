package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/pkg/action"
	"github.com/goatkit/macrohost/pkg/plugin"
)

// ConditionType selects the left-hand value of a condition.
type ConditionType int

const (
	EventPayload ConditionType = iota
	EventType
	EventSource
	Variable
	Constant
)

var conditionTypeNames = map[string]ConditionType{
	"event":        EventPayload,
	"eventpayload": EventPayload,
	"payload":      EventPayload,
	"type":         EventType,
	"eventtype":    EventType,
	"source":       EventSource,
	"eventsource":  EventSource,
	"variable":     Variable,
	"var":          Variable,
	"constant":     Constant,
	"const":        Constant,
}

// ParseConditionType maps a name or alias to a ConditionType. Unknown names
// select EventPayload.
func ParseConditionType(s string) ConditionType {
	if t, ok := conditionTypeNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t
	}
	return EventPayload
}

func (t ConditionType) String() string {
	switch t {
	case EventType:
		return "EventType"
	case EventSource:
		return "EventSource"
	case Variable:
		return "Variable"
	case Constant:
		return "Constant"
	default:
		return "EventPayload"
	}
}

// Comparison is the operator applied between the left-hand value and the
// reference.
type Comparison int

const (
	Equal Comparison = iota
	NotEqual
	Contains
	StartsWith
	EndsWith
	GreaterThan
	LessThan
	GreaterOrEqual
	LessOrEqual
)

var comparisonNames = map[string]Comparison{
	"==":             Equal,
	"equals":         Equal,
	"equal":          Equal,
	"eq":             Equal,
	"!=":             NotEqual,
	"notequal":       NotEqual,
	"ne":             NotEqual,
	"contains":       Contains,
	"has":            Contains,
	"startswith":     StartsWith,
	"starts":         StartsWith,
	"endswith":       EndsWith,
	"ends":           EndsWith,
	">":              GreaterThan,
	"greaterthan":    GreaterThan,
	"gt":             GreaterThan,
	"<":              LessThan,
	"lessthan":       LessThan,
	"lt":             LessThan,
	">=":             GreaterOrEqual,
	"greaterorequal": GreaterOrEqual,
	"ge":             GreaterOrEqual,
	"<=":             LessOrEqual,
	"lessorequal":    LessOrEqual,
	"le":             LessOrEqual,
}

// ParseComparison maps an operator or alias to a Comparison. Unknown names
// select Equal.
func ParseComparison(s string) Comparison {
	if c, ok := comparisonNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return c
	}
	return Equal
}

func (c Comparison) String() string {
	return [...]string{"==", "!=", "contains", "startswith", "endswith", ">", "<", ">=", "<="}[c]
}

// Apply compares lhs with rhs. Ordering operators compare numerically when
// both sides parse as float64 and lexicographically otherwise.
func (c Comparison) Apply(lhs, rhs string) bool {
	switch c {
	case Equal:
		return lhs == rhs
	case NotEqual:
		return lhs != rhs
	case Contains:
		return strings.Contains(lhs, rhs)
	case StartsWith:
		return strings.HasPrefix(lhs, rhs)
	case EndsWith:
		return strings.HasSuffix(lhs, rhs)
	}

	cmp := strings.Compare(lhs, rhs)
	l, lerr := strconv.ParseFloat(lhs, 64)
	r, rerr := strconv.ParseFloat(rhs, 64)
	if lerr == nil && rerr == nil {
		switch {
		case l < r:
			cmp = -1
		case l > r:
			cmp = 1
		default:
			cmp = 0
		}
	}
	switch c {
	case GreaterThan:
		return cmp > 0
	case LessThan:
		return cmp < 0
	case GreaterOrEqual:
		return cmp >= 0
	default:
		return cmp <= 0
	}
}

// Condition is the positional condition shared by Conditional and While
// Loop: type, [value,] comparison, reference.
type Condition struct {
	Type       ConditionType
	Value      string
	Comparison Comparison
	Reference  string
}

// ParseCondition reads a condition from the first three or four args. Four
// or more args mean a value is present. It returns the number of args used.
func ParseCondition(args []string) (Condition, int, error) {
	if len(args) < 3 {
		return Condition{}, 0, apierrors.New(apierrors.CodeInvalidConfiguration, "flow.ParseCondition",
			"need at least 3 arguments: type, comparison, reference")
	}
	c := Condition{Type: ParseConditionType(args[0])}
	if len(args) > 3 {
		c.Value, c.Comparison, c.Reference = args[1], ParseComparison(args[2]), args[3]
		return c, 4, nil
	}
	c.Comparison, c.Reference = ParseComparison(args[1]), args[2]
	return c, 3, nil
}

// Validate rejects an empty reference.
func (c Condition) Validate() error {
	if c.Reference == "" {
		return apierrors.New(apierrors.CodeInvalidConfiguration, "flow.Condition", "reference value cannot be empty")
	}
	return nil
}

// Left returns the left-hand value for event. Variables are read from the
// scope carried by ctx; a missing variable reads as "".
func (c Condition) Left(ctx context.Context, event plugin.Event) string {
	switch c.Type {
	case EventType:
		return event.Type.String()
	case EventSource:
		return event.Source
	case Variable:
		v, ok := action.ScopeFrom(ctx).Variable(c.Value)
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	case Constant:
		return c.Value
	default:
		if event.Payload.Kind == plugin.PayloadCustom {
			return CustomPayloadText
		}
		return event.Payload.String()
	}
}

// CustomPayloadText is what a custom payload compares as.
const CustomPayloadText = "[Custom Data]"

// Eval evaluates the condition. Event types compare by their lowercase
// name, so "KeyPress" and "keypress" are the same reference.
func (c Condition) Eval(ctx context.Context, event plugin.Event) bool {
	ref := c.Reference
	if c.Type == EventType {
		ref = strings.ToLower(ref)
	}
	return c.Comparison.Apply(c.Left(ctx, event), ref)
}

func (c Condition) String() string {
	if c.Value != "" {
		return fmt.Sprintf("%s(%s) %s %q", c.Type, c.Value, c.Comparison, c.Reference)
	}
	return fmt.Sprintf("%s %s %q", c.Type, c.Comparison, c.Reference)
}
