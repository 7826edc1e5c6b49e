package models

import "encoding/json"

// Operator is a comparison operator usable in a leaf condition.
type Operator string

const (
	OpGreaterThan      Operator = ">"
	OpLessThan         Operator = "<"
	OpGreaterThanEqual Operator = ">="
	OpLessThanEqual    Operator = "<="
	OpEqual            Operator = "=="
	OpNotEqual         Operator = "!="
	OpContains         Operator = "contains"
	OpNotContains      Operator = "not_contains"
	OpIn               Operator = "in"
	OpNotIn            Operator = "not_in"
	OpIsNull           Operator = "is_null"
	OpIsNotNull        Operator = "is_not_null"
)

// Condition is a routing expression tree. A leaf uses Field/Operator/Value,
// a combinator uses All (AND) or Any (OR).
type Condition struct {
	Field    string       `json:"field,omitempty"`
	Operator Operator     `json:"operator,omitempty"`
	Value    any          `json:"value,omitempty"`
	All      []*Condition `json:"all,omitempty"`
	Any      []*Condition `json:"any,omitempty"`
}

// MarshalJSON keeps an empty all or any in the output. An empty any never
// holds, so dropping it would turn the edge unconditional once stored.
func (c Condition) MarshalJSON() ([]byte, error) {
	type plain Condition

	out := struct {
		plain
		All *[]*Condition `json:"all,omitempty"`
		Any *[]*Condition `json:"any,omitempty"`
	}{plain: plain(c)}

	if c.All != nil {
		out.All = &c.All
	}

	if c.Any != nil {
		out.Any = &c.Any
	}

	return json.Marshal(out)
}

// IsEmpty reports whether the condition carries no test at all.
func (c *Condition) IsEmpty() bool {
	return c == nil || (c.Field == "" && c.Operator == "" && c.All == nil && c.Any == nil)
}

// Clone returns a deep copy of the condition tree.
func (c *Condition) Clone() *Condition {
	if c == nil {
		return nil
	}

	clone := &Condition{
		Field:    c.Field,
		Operator: c.Operator,
		Value:    deepCopy(c.Value),
	}

	if c.All != nil {
		clone.All = make([]*Condition, len(c.All))
		for i, child := range c.All {
			clone.All[i] = child.Clone()
		}
	}

	if c.Any != nil {
		clone.Any = make([]*Condition, len(c.Any))
		for i, child := range c.Any {
			clone.Any[i] = child.Clone()
		}
	}

	return clone
}

// ParseCondition decodes a condition stored as free-form node config.
func ParseCondition(raw any) (*Condition, error) {
	if raw == nil {
		return nil, nil
	}

	if cond, ok := raw.(*Condition); ok {
		return cond, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	var cond Condition
	if err := json.Unmarshal(data, &cond); err != nil {
		return nil, err
	}

	return &cond, nil
}
