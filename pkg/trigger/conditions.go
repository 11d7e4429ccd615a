package trigger

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/dukex/approvals/pkg/models"
)

// CurrencyField is the snapshot field compared against a threshold's currency.
const CurrencyField = "currency"

// EvaluateThreshold compares snapshot[field] numerically. A condition that names a
// currency only holds when the snapshot carries the same currency. A field or
// threshold value that is not a number never matches, whatever the operator.
func EvaluateThreshold(condition models.ThresholdCondition, snapshot map[string]any) bool {
	if condition.Currency != "" {
		currency, ok := Lookup(snapshot, CurrencyField)
		if !ok {
			return false
		}

		name, ok := currency.(string)
		if !ok || !strings.EqualFold(name, condition.Currency) {
			return false
		}
	}

	actual, ok := Lookup(snapshot, condition.Field)
	if !ok {
		return false
	}

	a, okA := toFloat(actual)
	b, okB := toFloat(condition.Value)

	if !okA || !okB {
		return false
	}

	return compareNumbers(condition.Operator, a, b)
}

// EvaluateFields reports whether every condition holds (logical AND). An empty list holds.
func EvaluateFields(conditions []models.FieldCondition, snapshot map[string]any) bool {
	for _, condition := range conditions {
		if !EvaluateField(condition, snapshot) {
			return false
		}
	}

	return true
}

// EvaluateField evaluates one field condition. A missing field never matches.
func EvaluateField(condition models.FieldCondition, snapshot map[string]any) bool {
	actual, ok := Lookup(snapshot, condition.Field)
	if !ok {
		return false
	}

	return compare(condition.Operator, actual, condition.Value)
}

// Lookup resolves a dotted path such as "supplier.country" inside nested maps.
func Lookup(snapshot map[string]any, path string) (any, bool) {
	if value, ok := snapshot[path]; ok {
		return value, true
	}

	current := any(snapshot)

	for _, key := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = object[key]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func compare(operator models.Operator, actual, expected any) bool {
	switch operator {
	case models.OperatorGreaterThan, models.OperatorGreaterThanEqual,
		models.OperatorLessThan, models.OperatorLessThanEqual:
		a, okA := toFloat(actual)
		b, okB := toFloat(expected)

		return okA && okB && compareNumbers(operator, a, b)
	case models.OperatorEqual:
		return equal(actual, expected)
	case models.OperatorNotEqual:
		return !equal(actual, expected)
	case models.OperatorContains:
		return contains(actual, expected)
	case models.OperatorNotContains:
		return !contains(actual, expected)
	case models.OperatorIn:
		return contains(expected, actual)
	default:
		return false
	}
}

func compareNumbers(operator models.Operator, a, b float64) bool {
	switch operator {
	case models.OperatorGreaterThan:
		return a > b
	case models.OperatorGreaterThanEqual:
		return a >= b
	case models.OperatorLessThan:
		return a < b
	case models.OperatorLessThanEqual:
		return a <= b
	case models.OperatorEqual:
		return a == b
	case models.OperatorNotEqual:
		return a != b
	default:
		return false
	}
}

func equal(actual, expected any) bool {
	a, okA := toFloat(actual)
	b, okB := toFloat(expected)

	if okA && okB {
		return a == b
	}

	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

// contains reports substring containment for strings and membership for arrays.
func contains(container, element any) bool {
	if text, ok := container.(string); ok {
		needle, ok := element.(string)

		return ok && strings.Contains(text, needle)
	}

	value := reflect.ValueOf(container)
	if value.Kind() != reflect.Slice && value.Kind() != reflect.Array {
		return false
	}

	for i := range value.Len() {
		if equal(value.Index(i).Interface(), element) {
			return true
		}
	}

	return false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)

		return f, err == nil
	default:
		return 0, false
	}
}
