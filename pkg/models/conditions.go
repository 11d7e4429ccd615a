package models

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Operator is a comparison used by trigger and step conditions.
type Operator string

const (
	OperatorGreaterThan      Operator = "gt"
	OperatorGreaterThanEqual Operator = "gte"
	OperatorLessThan         Operator = "lt"
	OperatorLessThanEqual    Operator = "lte"
	OperatorEqual            Operator = "eq"
	OperatorNotEqual         Operator = "ne"
	OperatorContains         Operator = "contains"
	OperatorNotContains      Operator = "not_contains"
	OperatorIn               Operator = "in"
)

var comparisonOperators = []Operator{
	OperatorGreaterThan,
	OperatorGreaterThanEqual,
	OperatorLessThan,
	OperatorLessThanEqual,
	OperatorEqual,
	OperatorNotEqual,
}

var fieldOperators = append(append([]Operator{}, comparisonOperators...),
	OperatorContains,
	OperatorNotContains,
	OperatorIn,
)

func operatorIn(op Operator, allowed []Operator) bool {
	for _, candidate := range allowed {
		if op == candidate {
			return true
		}
	}

	return false
}

func operatorList(ops []Operator) string {
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = string(op)
	}

	return strings.Join(names, ", ")
}

// ThresholdCondition compares a numeric snapshot field against Value.
// When Currency is set the snapshot's currency must match; amounts are never converted.
type ThresholdCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
	Currency string   `json:"currency,omitempty"`
}

func (c ThresholdCondition) Validate(field string) []FieldError {
	var errs []FieldError

	if c.Field == "" {
		errs = append(errs, FieldError{Field: field + ".field", Message: "field is required"})
	}

	if !operatorIn(c.Operator, comparisonOperators) {
		errs = append(errs, FieldError{
			Field:   field + ".operator",
			Message: fmt.Sprintf("unsupported operator %q, allowed: %s", c.Operator, operatorList(comparisonOperators)),
		})
	}

	return errs
}

// FieldCondition is one conjunct of a field predicate.
type FieldCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

func (c FieldCondition) Validate(field string) []FieldError {
	var errs []FieldError

	if c.Field == "" {
		errs = append(errs, FieldError{Field: field + ".field", Message: "field is required"})
	}

	if !operatorIn(c.Operator, fieldOperators) {
		errs = append(errs, FieldError{
			Field:   field + ".operator",
			Message: fmt.Sprintf("unsupported operator %q, allowed: %s", c.Operator, operatorList(fieldOperators)),
		})
	}

	if c.Operator == OperatorIn {
		if _, ok := c.Value.([]any); !ok {
			errs = append(errs, FieldError{Field: field + ".value", Message: "operator in requires an array value"})
		}
	}

	return errs
}

// ScheduleCondition is opaque to matching; an external scheduler fires
// scheduled triggers at the times it describes.
type ScheduleCondition struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

func (c ScheduleCondition) Validate(field string) []FieldError {
	if c.Cron == "" {
		return []FieldError{{Field: field + ".cron", Message: "cron expression is required"}}
	}

	if _, err := cron.ParseStandard(c.Cron); err != nil {
		return []FieldError{{Field: field + ".cron", Message: fmt.Sprintf("invalid cron expression: %v", err)}}
	}

	return nil
}

// CustomRule is dispatched by an external collaborator and opaque here.
type CustomRule struct {
	Name       string         `json:"name"`
	Expression string         `json:"expression,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

func (c CustomRule) Validate(field string) []FieldError {
	if c.Name == "" {
		return []FieldError{{Field: field + ".name", Message: "custom rule name is required"}}
	}

	return nil
}

// TriggerConditions is the closed set of condition kinds a template may carry.
type TriggerConditions struct {
	Threshold       *ThresholdCondition `json:"threshold,omitempty"`
	FieldConditions []FieldCondition    `json:"fieldConditions,omitempty"`
	Schedule        *ScheduleCondition  `json:"schedule,omitempty"`
	CustomRule      *CustomRule         `json:"customRule,omitempty"`
}

// IsZero reports whether no condition is set.
func (c TriggerConditions) IsZero() bool {
	return c.Threshold == nil && len(c.FieldConditions) == 0 && c.Schedule == nil && c.CustomRule == nil
}

func (c TriggerConditions) Validate(field string) []FieldError {
	var errs []FieldError

	if c.Threshold != nil {
		errs = append(errs, c.Threshold.Validate(field+".threshold")...)
	}

	for i, condition := range c.FieldConditions {
		errs = append(errs, condition.Validate(fmt.Sprintf("%s.fieldConditions[%d]", field, i))...)
	}

	if c.Schedule != nil {
		errs = append(errs, c.Schedule.Validate(field+".schedule")...)
	}

	if c.CustomRule != nil {
		errs = append(errs, c.CustomRule.Validate(field+".customRule")...)
	}

	return errs
}
