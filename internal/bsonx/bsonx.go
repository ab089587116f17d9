// Package bsonx provides semantic comparison and dotted-path access over
// go.mongodb.org/mongo-driver/bson values, following MongoDB's canonical
// type ordering. Kept distinct from keystring.Compare (byte comparison)
// so the two are never cross-applied.
package bsonx

import (
	"math"
	"math/big"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TypeRank orders BSON types per MongoDB's canonical comparison order.
func TypeRank(v interface{}) int {
	switch v.(type) {
	case primitive.MinKey:
		return 0
	case nil, primitive.Null:
		return 1
	case int32, int64, int, float64, primitive.Decimal128:
		return 2
	case string:
		return 3
	case bson.D, bson.M, map[string]interface{}:
		return 4
	case bson.A, []interface{}:
		return 5
	case primitive.Binary:
		return 6
	case primitive.ObjectID:
		return 7
	case bool:
		return 8
	case primitive.DateTime:
		return 9
	case primitive.Timestamp:
		return 10
	case primitive.Regex:
		return 11
	case primitive.MaxKey:
		return 12
	default:
		return 1
	}
}

func isNumeric(v interface{}) bool {
	switch v.(type) {
	case int32, int64, int, float64, primitive.Decimal128:
		return true
	}
	return false
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	case primitive.Decimal128:
		bi, _, err := n.BigInt()
		if err != nil || bi == nil {
			return 0
		}
		f, _ := new(big.Float).SetInt(bi).Float64()
		return f
	}
	return 0
}

// compareNumbers compares two numeric values. Integral pairs compare as
// int64 so values beyond 2^53 keep their full precision; a double on
// either side is compared against the long without truncating the long.
func compareNumbers(a, b interface{}) int {
	ai, aInt := asInt64(a)
	bi, bInt := asInt64(b)
	switch {
	case aInt && bInt:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	case aInt:
		return compareLongDouble(ai, asFloat(b))
	case bInt:
		return -compareLongDouble(bi, asFloat(a))
	default:
		fa, fb := asFloat(a), asFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
}

// compareLongDouble orders an int64 against a float64 exactly. The double
// is split into integral part and fraction rather than converting the
// long to float64, which would collapse values beyond 2^53.
func compareLongDouble(l int64, d float64) int {
	if math.IsNaN(d) {
		// MongoDB orders NaN below every number
		return 1
	}
	if d >= 9223372036854775808.0 {
		return -1
	}
	if d < -9223372036854775808.0 {
		return 1
	}
	// in range, so truncation is exact; any double with |d| >= 2^53 is
	// already integral
	di := int64(d)
	switch {
	case l < di:
		return -1
	case l > di:
		return 1
	}
	frac := d - float64(di)
	switch {
	case frac > 0:
		return -1
	case frac < 0:
		return 1
	default:
		return 0
	}
}

// Compare implements canonical BSON ordering: compare(a,b) -> {-1,0,1}.
func Compare(a, b interface{}) int {
	if isNumeric(a) && isNumeric(b) {
		return compareNumbers(a, b)
	}
	ra, rb := TypeRank(a), TypeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case string:
		bv := b.(string)
		return strings.Compare(av, bv)
	case bool:
		bv := b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case primitive.ObjectID:
		bv := b.(primitive.ObjectID)
		switch {
		case av.Hex() < bv.Hex():
			return -1
		case av.Hex() > bv.Hex():
			return 1
		default:
			return 0
		}
	case primitive.DateTime:
		bv := b.(primitive.DateTime)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case bson.A:
		return compareArrays(toSlice(av), toSlice(b))
	case []interface{}:
		return compareArrays(av, toSlice(b))
	case bson.D:
		return compareDocs(av, toD(b))
	case bson.M:
		return compareDocs(toD(av), toD(b))
	case nil, primitive.Null, primitive.MinKey, primitive.MaxKey:
		return 0
	default:
		return 0
	}
}

func toSlice(v interface{}) []interface{} {
	switch a := v.(type) {
	case bson.A:
		return []interface{}(a)
	case []interface{}:
		return a
	}
	return nil
}

func toD(v interface{}) bson.D {
	switch d := v.(type) {
	case bson.D:
		return d
	case bson.M:
		raw, _ := bson.Marshal(d)
		var out bson.D
		_ = bson.Unmarshal(raw, &out)
		return out
	}
	return nil
}

func compareArrays(a, b []interface{}) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func compareDocs(a, b bson.D) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(a[i].Key, b[i].Key); c != 0 {
			return c
		}
		if c := Compare(a[i].Value, b[i].Value); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// SortStable sorts docs by the given Mongo sort spec (field -> 1/-1),
// missing values ordered before present ones.
func SortStable(docs []bson.D, spec bson.D) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range spec {
			dir, _ := toInt(s.Value)
			vi, oki := DottedGet(docs[i], s.Key)
			vj, okj := DottedGet(docs[j], s.Key)
			switch {
			case !oki && !okj:
				continue
			case !oki:
				return dir >= 0
			case !okj:
				return dir < 0
			}
			c := Compare(vi, vj)
			if c == 0 {
				continue
			}
			if dir < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 1, false
}

// DottedGet resolves a dotted field path (e.g. "a.b.c") against a document,
// descending into nested documents and, for numeric path segments, arrays.
func DottedGet(doc bson.D, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, part := range parts {
		switch v := cur.(type) {
		case bson.D:
			found := false
			for _, e := range v {
				if e.Key == part {
					cur = e.Value
					found = true
					break
				}
			}
			if !found {
				return nil, false
			}
		case bson.M:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = val
		case bson.A:
			idx, ok := parseIndex(part)
			if !ok || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func parseIndex(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// DottedSet sets a dotted field path in place, creating intermediate
// documents as needed.
func DottedSet(doc *bson.D, path string, value interface{}) {
	parts := strings.Split(path, ".")
	setRecursive(doc, parts, value)
}

func setRecursive(doc *bson.D, parts []string, value interface{}) {
	key := parts[0]
	for i, e := range *doc {
		if e.Key == key {
			if len(parts) == 1 {
				(*doc)[i].Value = value
				return
			}
			if sub, ok := e.Value.(bson.D); ok {
				setRecursive(&sub, parts[1:], value)
				(*doc)[i].Value = sub
				return
			}
			sub := bson.D{}
			setRecursive(&sub, parts[1:], value)
			(*doc)[i].Value = sub
			return
		}
	}
	if len(parts) == 1 {
		*doc = append(*doc, bson.E{Key: key, Value: value})
		return
	}
	sub := bson.D{}
	setRecursive(&sub, parts[1:], value)
	*doc = append(*doc, bson.E{Key: key, Value: sub})
}

// DottedUnset removes a dotted field path in place.
func DottedUnset(doc *bson.D, path string) {
	parts := strings.Split(path, ".")
	unsetRecursive(doc, parts)
}

func unsetRecursive(doc *bson.D, parts []string) {
	key := parts[0]
	for i, e := range *doc {
		if e.Key != key {
			continue
		}
		if len(parts) == 1 {
			*doc = append((*doc)[:i], (*doc)[i+1:]...)
			return
		}
		if sub, ok := e.Value.(bson.D); ok {
			unsetRecursive(&sub, parts[1:])
			(*doc)[i].Value = sub
		}
		return
	}
}
