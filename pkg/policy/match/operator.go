package match

import (
	"sort"
	"strconv"
	"strings"

	"github.com/polisai/polis-governance/pkg/policy"
)

// Operator tests a request value against a configured operand.
type Operator func(value, operand string) bool

var operators = map[string]Operator{
	"exact":    func(v, o string) bool { return v == o },
	"prefix":   func(v, o string) bool { return o != "" && strings.HasPrefix(v, o) },
	"suffix":   func(v, o string) bool { return o != "" && strings.HasSuffix(v, o) },
	"contains": func(v, o string) bool { return o != "" && strings.Contains(v, o) },
	"compare":  compare,
}

// OperatorNames lists the supported operators.
func OperatorNames() []string {
	names := make([]string, 0, len(operators))
	for name := range operators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// compare evaluates numeric operands such as ">10", "<=1000" or "!=3".
func compare(value, operand string) bool {
	operand = strings.TrimSpace(operand)
	var op string
	for _, candidate := range []string{">=", "<=", "!=", ">", "<", "="} {
		if strings.HasPrefix(operand, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return false
	}
	want, err := strconv.ParseFloat(strings.TrimSpace(operand[len(op):]), 64)
	if err != nil {
		return false
	}
	got, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return false
	}
	switch op {
	case ">=":
		return got >= want
	case "<=":
		return got <= want
	case "!=":
		return got != want
	case ">":
		return got > want
	case "<":
		return got < want
	default:
		return got == want
	}
}

// operatorMatch requires every operator in raw to accept value. An empty
// operator set or an unknown operator never matches.
func operatorMatch(value string, raw policy.RawOperator) (bool, string) {
	if len(raw) == 0 {
		return false, ""
	}
	for name, operand := range raw {
		op, ok := operators[name]
		if !ok {
			return false, name
		}
		if !op(value, operand) {
			return false, ""
		}
	}
	return true, ""
}
