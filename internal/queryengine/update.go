package queryengine

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/arlobennett/monolite/internal/bsonx"
	"github.com/arlobennett/monolite/internal/monoerr"
)

// ApplyUpdate applies a Mongo update document to doc, returning the new
// document. A document with no operator keys replaces doc wholesale,
// keeping the existing _id. doc is not mutated in place.
func ApplyUpdate(doc bson.D, update bson.D) (bson.D, error) {
	if isReplacementDoc(update) {
		out := cloneDoc(update)
		if _, has := bsonx.DottedGet(out, "_id"); !has {
			if id, ok := bsonx.DottedGet(doc, "_id"); ok {
				out = append(bson.D{{Key: "_id", Value: id}}, out...)
			}
		}
		return out, nil
	}
	out := cloneDoc(doc)
	for _, e := range update {
		switch e.Key {
		case "$set":
			applyEach(&out, e.Value, func(field string, v interface{}) error {
				bsonx.DottedSet(&out, field, v)
				return nil
			})
		case "$setOnInsert":
			// handled by the caller before ApplyUpdate is invoked for inserts;
			// a no-op here since it only applies at insert time.
		case "$unset":
			applyEach(&out, e.Value, func(field string, v interface{}) error {
				bsonx.DottedUnset(&out, field)
				return nil
			})
		case "$inc":
			if err := applyEachErr(&out, e.Value, func(field string, v interface{}) error {
				return applyArith(&out, field, v, func(a, b float64) float64 { return a + b })
			}); err != nil {
				return nil, err
			}
		case "$mul":
			if err := applyEachErr(&out, e.Value, func(field string, v interface{}) error {
				return applyArith(&out, field, v, func(a, b float64) float64 { return a * b })
			}); err != nil {
				return nil, err
			}
		case "$min":
			applyEach(&out, e.Value, func(field string, v interface{}) error {
				cur, present := bsonx.DottedGet(out, field)
				if !present || bsonx.Compare(v, cur) < 0 {
					bsonx.DottedSet(&out, field, v)
				}
				return nil
			})
		case "$max":
			applyEach(&out, e.Value, func(field string, v interface{}) error {
				cur, present := bsonx.DottedGet(out, field)
				if !present || bsonx.Compare(v, cur) > 0 {
					bsonx.DottedSet(&out, field, v)
				}
				return nil
			})
		case "$rename":
			applyEach(&out, e.Value, func(field string, v interface{}) error {
				newName, _ := v.(string)
				if val, present := bsonx.DottedGet(out, field); present {
					bsonx.DottedUnset(&out, field)
					bsonx.DottedSet(&out, newName, val)
				}
				return nil
			})
		case "$currentDate":
			applyEach(&out, e.Value, func(field string, v interface{}) error {
				now := primitive.NewDateTimeFromTime(currentTime())
				if spec, ok := v.(bson.D); ok {
					for _, s := range spec {
						if s.Key == "$type" && s.Value == "timestamp" {
							bsonx.DottedSet(&out, field, primitive.Timestamp{T: uint32(now / 1000)})
							return nil
						}
					}
				}
				bsonx.DottedSet(&out, field, now)
				return nil
			})
		case "$push":
			if err := applyEachErr(&out, e.Value, func(field string, v interface{}) error {
				return applyPush(&out, field, v)
			}); err != nil {
				return nil, err
			}
		case "$pop":
			applyEach(&out, e.Value, func(field string, v interface{}) error {
				applyPop(&out, field, v)
				return nil
			})
		case "$pull":
			applyEach(&out, e.Value, func(field string, v interface{}) error {
				applyPull(&out, field, v)
				return nil
			})
		case "$pullAll":
			applyEach(&out, e.Value, func(field string, v interface{}) error {
				applyPullAll(&out, field, v)
				return nil
			})
		case "$addToSet":
			if err := applyEachErr(&out, e.Value, func(field string, v interface{}) error {
				return applyAddToSet(&out, field, v)
			}); err != nil {
				return nil, err
			}
		default:
			return nil, monoerr.Newf(monoerr.BadValue, "unknown update operator %s", e.Key)
		}
	}
	return out, nil
}

// currentTime is a seam so $currentDate stays deterministic in tests that
// supply their own clock; the server wires it to time.Now.
var currentTime = time.Now

// isReplacementDoc reports whether update carries no operator keys at all,
// meaning it replaces the matched document instead of mutating fields.
func isReplacementDoc(update bson.D) bool {
	for _, e := range update {
		if strings.HasPrefix(e.Key, "$") {
			return false
		}
	}
	return true
}

// ApplyUpsert builds the document an upsert inserts: the filter's equality
// fields with the update applied, honoring $setOnInsert (which only takes
// effect on this insert path).
func ApplyUpsert(base bson.D, update bson.D) (bson.D, error) {
	if isReplacementDoc(update) {
		return ApplyUpdate(base, update)
	}
	out, err := ApplyUpdate(base, update)
	if err != nil {
		return nil, err
	}
	for _, e := range update {
		if e.Key != "$setOnInsert" {
			continue
		}
		applyEach(&out, e.Value, func(field string, v interface{}) error {
			bsonx.DottedSet(&out, field, v)
			return nil
		})
	}
	return out, nil
}

func cloneDoc(doc bson.D) bson.D {
	raw, _ := bson.Marshal(doc)
	var out bson.D
	_ = bson.Unmarshal(raw, &out)
	return out
}

func applyEach(doc *bson.D, spec interface{}, fn func(field string, v interface{}) error) {
	d, ok := spec.(bson.D)
	if !ok {
		return
	}
	for _, e := range d {
		_ = fn(e.Key, e.Value)
	}
}

func applyEachErr(doc *bson.D, spec interface{}, fn func(field string, v interface{}) error) error {
	d, ok := spec.(bson.D)
	if !ok {
		return nil
	}
	for _, e := range d {
		if err := fn(e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func applyArith(doc *bson.D, field string, operand interface{}, fn func(a, b float64) float64) error {
	opF, ok := numericFloat(operand)
	if !ok {
		return monoerr.Newf(monoerr.BadValue, "cannot apply arithmetic to non-numeric operand on field %s", field)
	}
	cur, present := bsonx.DottedGet(*doc, field)
	if !present {
		bsonx.DottedSet(doc, field, coerceNumeric(fn(0, opF), operand, nil))
		return nil
	}
	curF, ok := numericFloat(cur)
	if !ok {
		return monoerr.Newf(monoerr.BadValue, "cannot apply arithmetic to non-numeric field %s", field)
	}
	bsonx.DottedSet(doc, field, coerceNumeric(fn(curF, opF), operand, cur))
	return nil
}

func numericFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// coerceNumeric preserves numeric type fidelity: int32+int32 stays int32
// unless it overflows, float64 poisons the result to float64.
func coerceNumeric(result float64, operand, existing interface{}) interface{} {
	_, operandFloat := operand.(float64)
	_, existingFloat := existing.(float64)
	if operandFloat || existingFloat {
		return result
	}
	_, operandInt64 := operand.(int64)
	_, existingInt64 := existing.(int64)
	if result > 2147483647 || result < -2147483648 || operandInt64 || existingInt64 {
		return int64(result)
	}
	return int32(result)
}

func applyPush(doc *bson.D, field string, operand interface{}) error {
	cur, present := bsonx.DottedGet(*doc, field)
	var arr bson.A
	if present {
		existing, ok := toArrayGeneric(cur)
		if !ok {
			return monoerr.Newf(monoerr.BadValue, "cannot apply $push to non-array field %s", field)
		}
		arr = existing
	}
	if spec, ok := operand.(bson.D); ok && hasEachOperator(spec) {
		var each bson.A
		for _, e := range spec {
			if e.Key == "$each" {
				each, _ = toArrayGeneric(e.Value)
			}
		}
		arr = append(arr, each...)
		for _, e := range spec {
			switch e.Key {
			case "$sort":
				docs := toDocs(arr)
				if sortSpec, ok := e.Value.(bson.D); ok {
					bsonx.SortStable(docs, sortSpec)
				}
				arr = fromDocs(docs)
			case "$slice":
				n, _ := toInt(e.Value)
				arr = sliceArray(arr, n)
			}
		}
	} else {
		arr = append(arr, operand)
	}
	bsonx.DottedSet(doc, field, arr)
	return nil
}

func hasEachOperator(d bson.D) bool {
	for _, e := range d {
		if e.Key == "$each" {
			return true
		}
	}
	return false
}

// sliceArray keeps the first n elements for non-negative n, the last |n|
// otherwise, matching $slice.
func sliceArray(arr bson.A, n int) bson.A {
	if n >= 0 {
		if n > len(arr) {
			n = len(arr)
		}
		return arr[:n]
	}
	n = -n
	if n > len(arr) {
		n = len(arr)
	}
	return arr[len(arr)-n:]
}

func toDocs(arr bson.A) []bson.D {
	out := make([]bson.D, 0, len(arr))
	for _, item := range arr {
		if d, ok := item.(bson.D); ok {
			out = append(out, d)
		}
	}
	return out
}

func fromDocs(docs []bson.D) bson.A {
	out := make(bson.A, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return out
}

func applyPop(doc *bson.D, field string, operand interface{}) {
	cur, present := bsonx.DottedGet(*doc, field)
	if !present {
		return
	}
	arr, ok := toArrayGeneric(cur)
	if !ok || len(arr) == 0 {
		return
	}
	n, _ := toInt(operand)
	if n < 0 {
		arr = arr[1:]
	} else {
		arr = arr[:len(arr)-1]
	}
	bsonx.DottedSet(doc, field, arr)
}

// applyPull treats a document operand as a sub-filter matched against each
// array element, per real-world MongoDB semantics rather than a literal
// equality test.
func applyPull(doc *bson.D, field string, operand interface{}) {
	cur, present := bsonx.DottedGet(*doc, field)
	if !present {
		return
	}
	arr, ok := toArrayGeneric(cur)
	if !ok {
		return
	}
	sub, isFilterDoc := operand.(bson.D)
	out := make(bson.A, 0, len(arr))
	for _, item := range arr {
		var matches bool
		if isFilterDoc && !isLiteralDoc(sub) {
			if d, ok := item.(bson.D); ok {
				matches = matchDoc(d, sub)
			}
		} else {
			matches = bsonx.Compare(item, operand) == 0
		}
		if !matches {
			out = append(out, item)
		}
	}
	bsonx.DottedSet(doc, field, out)
}

func applyPullAll(doc *bson.D, field string, operand interface{}) {
	cur, present := bsonx.DottedGet(*doc, field)
	if !present {
		return
	}
	arr, ok := toArrayGeneric(cur)
	if !ok {
		return
	}
	remove, _ := toArrayGeneric(operand)
	out := make(bson.A, 0, len(arr))
	for _, item := range arr {
		keep := true
		for _, r := range remove {
			if bsonx.Compare(item, r) == 0 {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, item)
		}
	}
	bsonx.DottedSet(doc, field, out)
}

func applyAddToSet(doc *bson.D, field string, operand interface{}) error {
	cur, present := bsonx.DottedGet(*doc, field)
	var arr bson.A
	if present {
		existing, ok := toArrayGeneric(cur)
		if !ok {
			return monoerr.Newf(monoerr.BadValue, "cannot apply $addToSet to non-array field %s", field)
		}
		arr = existing
	}
	var toAdd bson.A
	if spec, ok := operand.(bson.D); ok && hasEachOperator(spec) {
		for _, e := range spec {
			if e.Key == "$each" {
				toAdd, _ = toArrayGeneric(e.Value)
			}
		}
	} else {
		toAdd = bson.A{operand}
	}
	for _, cand := range toAdd {
		found := false
		for _, have := range arr {
			if bsonx.Compare(have, cand) == 0 {
				found = true
				break
			}
		}
		if !found {
			arr = append(arr, cand)
		}
	}
	bsonx.DottedSet(doc, field, arr)
	return nil
}

func toInt(v interface{}) (int, bool) {
	n, ok := toInt64(v)
	return int(n), ok
}

func toArrayGeneric(v interface{}) (bson.A, bool) {
	switch a := v.(type) {
	case bson.A:
		return a, true
	case []interface{}:
		return bson.A(a), true
	default:
		return nil, false
	}
}
