package qdrant

import (
	"encoding/json"
	"testing"
)

func TestFilterRendersPredicatesInOrder(t *testing.T) {
	gte := int64(1700000000)
	f := NewFilter().
		Eq(FieldSource, "whatsapp").
		InInt64(FieldPersonIDs, []int64{1, 2}).
		Range(FieldTimestamp, &gte, nil).
		Not(FieldContentType, "image")

	raw, err := json.Marshal(f.asMap())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded struct {
		Must []map[string]any `json:"must"`
		Not  []map[string]any `json:"must_not"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Must) != 3 {
		t.Fatalf("must length: want=3 got=%d", len(decoded.Must))
	}
	if decoded.Must[0]["key"] != FieldSource {
		t.Fatalf("predicate order lost: first=%v", decoded.Must[0]["key"])
	}
	if decoded.Must[1]["key"] != FieldPersonIDs {
		t.Fatalf("predicate order lost: second=%v", decoded.Must[1]["key"])
	}
	if decoded.Must[2]["key"] != FieldTimestamp {
		t.Fatalf("predicate order lost: third=%v", decoded.Must[2]["key"])
	}
	if len(decoded.Not) != 1 || decoded.Not[0]["key"] != FieldContentType {
		t.Fatalf("must_not: got=%v", decoded.Not)
	}
}

func TestIntersectKeepsBothSides(t *testing.T) {
	a := NewFilter().Eq(FieldSource, "gmail")
	b := NewFilter().Eq(FieldChatName, "work")

	merged := Intersect(a, b)
	if len(merged.conditions) != 2 {
		t.Fatalf("conditions: want=2 got=%d", len(merged.conditions))
	}

	if got := Intersect(nil, b); got != b {
		t.Fatalf("nil left side should return right side")
	}
	if got := Intersect(a, nil); got != a {
		t.Fatalf("nil right side should return left side")
	}
}

func TestEmptyFilterRendersNil(t *testing.T) {
	if m := NewFilter().asMap(); m != nil {
		t.Fatalf("empty filter: want=nil got=%v", m)
	}
	var f *Filter
	if m := f.asMap(); m != nil {
		t.Fatalf("nil filter: want=nil got=%v", m)
	}
}
