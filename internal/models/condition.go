package models

import (
	"encoding/json"
	"fmt"
)

// Condition is one of the three explanation styles shown to a participant.
// The set is closed; unknown values are rejected when decoding.
type Condition string

const (
	// ConditionFeatureFocused explains the recommendation through product features (code A).
	ConditionFeatureFocused Condition = "featureFocused"
	// ConditionProfileBased explains it through recipient profile statistics (code B).
	ConditionProfileBased Condition = "profileBased"
	// ConditionContextBased explains it through the gift-giving context (code C).
	ConditionContextBased Condition = "contextBased"
)

// Conditions lists every Condition in canonical A, B, C order.
var Conditions = [3]Condition{ConditionFeatureFocused, ConditionProfileBased, ConditionContextBased}

// IsValid reports whether c is one of the three conditions.
func (c Condition) IsValid() bool {
	switch c {
	case ConditionFeatureFocused, ConditionProfileBased, ConditionContextBased:
		return true
	default:
		return false
	}
}

// Code returns the single-letter code used to build order types.
func (c Condition) Code() byte {
	switch c {
	case ConditionFeatureFocused:
		return 'A'
	case ConditionProfileBased:
		return 'B'
	case ConditionContextBased:
		return 'C'
	default:
		return '?'
	}
}

// Label returns the participant-facing display label.
func (c Condition) Label() string {
	switch c {
	case ConditionFeatureFocused:
		return "Feature-focused"
	case ConditionProfileBased:
		return "Profile-based"
	case ConditionContextBased:
		return "Context-based"
	default:
		return "Unknown"
	}
}

// ParseCondition converts a wire value into a Condition.
func ParseCondition(s string) (Condition, error) {
	c := Condition(s)
	if !c.IsValid() {
		return "", invalid("condition", "unknown condition %q", s)
	}
	return c, nil
}

// UnmarshalJSON rejects any non-empty value outside the closed set. An empty
// string decodes to the zero Condition so optional fields can be omitted.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("condition must be a string: %w", err)
	}
	if s == "" {
		*c = ""
		return nil
	}
	parsed, err := ParseCondition(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// OrderType is the three-letter code of a condition permutation, e.g. "BCA".
type OrderType string

const (
	OrderABC OrderType = "ABC"
	OrderACB OrderType = "ACB"
	OrderBAC OrderType = "BAC"
	OrderBCA OrderType = "BCA"
	OrderCAB OrderType = "CAB"
	OrderCBA OrderType = "CBA"
)

// OrderTypes lists the six order types in table order.
var OrderTypes = [6]OrderType{OrderABC, OrderACB, OrderBAC, OrderBCA, OrderCAB, OrderCBA}

// IsValid reports whether o is one of the six permutations.
func (o OrderType) IsValid() bool {
	for _, known := range OrderTypes {
		if o == known {
			return true
		}
	}
	return false
}

// OrderAssignment is the counterbalanced condition order chosen for one experiment.
// It is created once at experiment start and never changes afterwards.
type OrderAssignment struct {
	Sequence  [3]Condition `json:"sequence"`
	OrderType OrderType    `json:"orderType"`
}

// Validate checks that the sequence is a permutation of the conditions and that
// the order type matches it.
func (o OrderAssignment) Validate() error {
	var seen [3]bool
	code := make([]byte, 0, 3)
	for _, c := range o.Sequence {
		if !c.IsValid() {
			return fmt.Errorf("order sequence contains invalid condition %q", c)
		}
		idx := int(c.Code() - 'A')
		if seen[idx] {
			return fmt.Errorf("order sequence repeats condition %q", c)
		}
		seen[idx] = true
		code = append(code, c.Code())
	}
	if OrderType(code) != o.OrderType {
		return fmt.Errorf("order type %q does not match sequence %s", o.OrderType, string(code))
	}
	return nil
}

// ConditionAt returns the condition at a 1-based sequence position.
func (o OrderAssignment) ConditionAt(position int) (Condition, bool) {
	if position < 1 || position > len(o.Sequence) {
		return "", false
	}
	return o.Sequence[position-1], true
}
