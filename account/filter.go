package account

import (
	"encoding/json"
	"reflect"
)

// Op is a filter comparison.
type Op int

const (
	OpEq Op = iota
	OpNe
)

// Condition compares one document field against a value.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Filter is a conjunction of conditions applied to a stored account
// document. The zero Filter matches everything.
type Filter []Condition

// Eq matches documents whose field equals value. A missing field only
// equals nil.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

// Ne matches documents whose field is missing or differs from value.
func Ne(field string, value any) Condition {
	return Condition{Field: field, Op: OpNe, Value: value}
}

// Match reports whether doc satisfies every condition.
func (f Filter) Match(doc map[string]any) bool {
	for _, c := range f {
		if !c.match(doc) {
			return false
		}
	}
	return true
}

// References reports whether any condition compares field.
func (f Filter) References(field string) bool {
	for _, c := range f {
		if c.Field == field {
			return true
		}
	}
	return false
}

// MatchAccount reports whether the stored document form of a satisfies
// every condition.
func (f Filter) MatchAccount(a *Account) bool {
	if len(f) == 0 {
		return true
	}
	doc, ok := normalize(a.flatten(true)).(map[string]any)
	if !ok {
		return false
	}
	return f.Match(doc)
}

func (c Condition) match(doc map[string]any) bool {
	got, ok := doc[c.Field]
	equal := ok && reflect.DeepEqual(got, normalize(c.Value))
	if !ok && c.Value == nil {
		equal = true
	}
	if c.Op == OpNe {
		return !equal
	}
	return equal
}

// normalize maps a Go value onto the shape encoding/json produces when
// decoding into any, so int 1 compares equal to a stored float64 1.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
