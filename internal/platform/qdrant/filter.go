package qdrant

// Filter is an ordered list of payload predicates. The same filter object is
// applied verbatim to both legs of a fused search, which is what preserves
// filter semantics across RRF.
type Filter struct {
	conditions []condition
}

type conditionKind int

const (
	condMatch conditionKind = iota
	condMatchAny
	condRange
	condNot
)

type condition struct {
	kind  conditionKind
	key   string
	value any
	anyOf []any
	gte   *int64
	lte   *int64
}

func NewFilter() *Filter {
	return &Filter{}
}

// Eq adds an equality predicate.
func (f *Filter) Eq(key string, value any) *Filter {
	f.conditions = append(f.conditions, condition{kind: condMatch, key: key, value: value})
	return f
}

// In adds a set-membership predicate.
func (f *Filter) In(key string, values []any) *Filter {
	f.conditions = append(f.conditions, condition{kind: condMatchAny, key: key, anyOf: values})
	return f
}

// InInt64 is In for integer sets (person ids, timestamps).
func (f *Filter) InInt64(key string, values []int64) *Filter {
	anyOf := make([]any, 0, len(values))
	for _, v := range values {
		anyOf = append(anyOf, v)
	}
	return f.In(key, anyOf)
}

// Range adds an inclusive numeric range predicate; nil bounds are open.
func (f *Filter) Range(key string, gte *int64, lte *int64) *Filter {
	f.conditions = append(f.conditions, condition{kind: condRange, key: key, gte: gte, lte: lte})
	return f
}

// Not adds a negated equality predicate.
func (f *Filter) Not(key string, value any) *Filter {
	f.conditions = append(f.conditions, condition{kind: condNot, key: key, value: value})
	return f
}

// Intersect returns a filter satisfied only when both inputs are. Either side
// may be nil.
func Intersect(a *Filter, b *Filter) *Filter {
	if a == nil || len(a.conditions) == 0 {
		return b
	}
	if b == nil || len(b.conditions) == 0 {
		return a
	}
	out := &Filter{conditions: make([]condition, 0, len(a.conditions)+len(b.conditions))}
	out.conditions = append(out.conditions, a.conditions...)
	out.conditions = append(out.conditions, b.conditions...)
	return out
}

// IsEmpty reports whether the filter constrains anything.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.conditions) == 0
}

// asMap renders the filter in Qdrant's must/must_not shape, preserving the
// order predicates were added in.
func (f *Filter) asMap() map[string]any {
	if f.IsEmpty() {
		return nil
	}
	var must []any
	var mustNot []any
	for _, c := range f.conditions {
		switch c.kind {
		case condMatch:
			must = append(must, map[string]any{
				"key":   c.key,
				"match": map[string]any{"value": c.value},
			})
		case condMatchAny:
			must = append(must, map[string]any{
				"key":   c.key,
				"match": map[string]any{"any": c.anyOf},
			})
		case condRange:
			rng := map[string]any{}
			if c.gte != nil {
				rng["gte"] = *c.gte
			}
			if c.lte != nil {
				rng["lte"] = *c.lte
			}
			must = append(must, map[string]any{
				"key":   c.key,
				"range": rng,
			})
		case condNot:
			mustNot = append(mustNot, map[string]any{
				"key":   c.key,
				"match": map[string]any{"value": c.value},
			})
		}
	}
	out := map[string]any{}
	if len(must) > 0 {
		out["must"] = must
	}
	if len(mustNot) > 0 {
		out["must_not"] = mustNot
	}
	return out
}
