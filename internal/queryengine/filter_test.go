package queryengine

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestMatchLiteralEquality(t *testing.T) {
	doc := bson.D{{Key: "name", Value: "widget"}, {Key: "qty", Value: int32(5)}}
	if !CompileFilter(bson.D{{Key: "name", Value: "widget"}}).Match(doc) {
		t.Fatalf("expected literal equality match")
	}
	if CompileFilter(bson.D{{Key: "name", Value: "gadget"}}).Match(doc) {
		t.Fatalf("expected literal equality mismatch to fail")
	}
}

func TestMatchComparisonOperators(t *testing.T) {
	doc := bson.D{{Key: "qty", Value: int32(5)}}
	cases := []struct {
		filter bson.D
		want   bool
	}{
		{bson.D{{Key: "qty", Value: bson.D{{Key: "$gt", Value: int32(3)}}}}, true},
		{bson.D{{Key: "qty", Value: bson.D{{Key: "$gt", Value: int32(5)}}}}, false},
		{bson.D{{Key: "qty", Value: bson.D{{Key: "$gte", Value: int32(5)}}}}, true},
		{bson.D{{Key: "qty", Value: bson.D{{Key: "$lt", Value: int32(10)}}}}, true},
		{bson.D{{Key: "qty", Value: bson.D{{Key: "$ne", Value: int32(5)}}}}, false},
	}
	for _, c := range cases {
		got := CompileFilter(c.filter).Match(doc)
		if got != c.want {
			t.Errorf("filter %+v = %v, want %v", c.filter, got, c.want)
		}
	}
}

func TestMatchAndOrNor(t *testing.T) {
	doc := bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(2)}}

	and := bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "a", Value: int32(1)}},
		bson.D{{Key: "b", Value: int32(2)}},
	}}}
	if !CompileFilter(and).Match(doc) {
		t.Fatalf("expected $and to match")
	}

	or := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "a", Value: int32(99)}},
		bson.D{{Key: "b", Value: int32(2)}},
	}}}
	if !CompileFilter(or).Match(doc) {
		t.Fatalf("expected $or to match via second clause")
	}

	nor := bson.D{{Key: "$nor", Value: bson.A{
		bson.D{{Key: "a", Value: int32(99)}},
	}}}
	if !CompileFilter(nor).Match(doc) {
		t.Fatalf("expected $nor to match when no clause matches")
	}
}

func TestMatchExistsAndIn(t *testing.T) {
	doc := bson.D{{Key: "tags", Value: bson.A{"a", "b", "c"}}}
	if !CompileFilter(bson.D{{Key: "tags", Value: bson.D{{Key: "$exists", Value: true}}}}).Match(doc) {
		t.Fatalf("expected $exists true to match present field")
	}
	if !CompileFilter(bson.D{{Key: "missing", Value: bson.D{{Key: "$exists", Value: false}}}}).Match(doc) {
		t.Fatalf("expected $exists false to match absent field")
	}
	if CompileFilter(bson.D{{Key: "other", Value: bson.D{{Key: "$in", Value: bson.A{1, 2, 3}}}}}).Match(doc) {
		t.Fatalf("expected $in against an absent field to not match")
	}
}

func TestMatchElemMatchAndSizeAndAll(t *testing.T) {
	doc := bson.D{{Key: "items", Value: bson.A{
		bson.D{{Key: "sku", Value: "a"}, {Key: "qty", Value: int32(1)}},
		bson.D{{Key: "sku", Value: "b"}, {Key: "qty", Value: int32(9)}},
	}}}
	elem := bson.D{{Key: "items", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
		{Key: "qty", Value: bson.D{{Key: "$gt", Value: int32(5)}}},
	}}}}}
	if !CompileFilter(elem).Match(doc) {
		t.Fatalf("expected $elemMatch to find qty > 5")
	}

	size := bson.D{{Key: "items", Value: bson.D{{Key: "$size", Value: int32(2)}}}}
	if !CompileFilter(size).Match(doc) {
		t.Fatalf("expected $size 2 to match")
	}

	tags := bson.D{{Key: "tags", Value: bson.A{"x", "y"}}}
	all := bson.D{{Key: "tags", Value: bson.D{{Key: "$all", Value: bson.A{"x", "y"}}}}}
	if !CompileFilter(all).Match(tags) {
		t.Fatalf("expected $all to match when every element present")
	}
}

func TestMatchModOperator(t *testing.T) {
	doc := bson.D{{Key: "n", Value: int32(10)}}
	mod := bson.D{{Key: "n", Value: bson.D{{Key: "$mod", Value: bson.A{int32(3), int32(1)}}}}}
	if !CompileFilter(mod).Match(doc) {
		t.Fatalf("expected 10 mod 3 == 1 to match")
	}
}

func TestMatchTypeOperator(t *testing.T) {
	doc := bson.D{{Key: "s", Value: "hello"}, {Key: "n", Value: int32(1)}}
	if !CompileFilter(bson.D{{Key: "s", Value: bson.D{{Key: "$type", Value: "string"}}}}).Match(doc) {
		t.Fatalf("expected $type string to match")
	}
	if CompileFilter(bson.D{{Key: "n", Value: bson.D{{Key: "$type", Value: "string"}}}}).Match(doc) {
		t.Fatalf("expected $type string to reject an int field")
	}
}
