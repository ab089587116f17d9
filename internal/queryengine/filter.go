// Package queryengine implements the filter matcher, update operators,
// projection, and the aggregation pipeline stages, following MongoDB's
// operator semantics.
package queryengine

import (
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/arlobennett/monolite/internal/bsonx"
)

// Matcher evaluates a compiled filter against documents.
type Matcher struct {
	filter bson.D
}

func CompileFilter(filter bson.D) *Matcher { return &Matcher{filter: filter} }

func (m *Matcher) Match(doc bson.D) bool {
	return matchDoc(doc, m.filter)
}

// EqualityFields returns the filter's literal top-level equality pairs,
// skipping logical operators and operator expressions. Upserts seed the
// inserted document from these before applying the update.
func (m *Matcher) EqualityFields() bson.D {
	out := bson.D{}
	for _, e := range m.filter {
		if strings.HasPrefix(e.Key, "$") {
			continue
		}
		if d, ok := e.Value.(bson.D); ok && !isLiteralDoc(d) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func matchDoc(doc bson.D, filter bson.D) bool {
	for _, e := range filter {
		switch e.Key {
		case "$and":
			for _, sub := range asDocSlice(e.Value) {
				if !matchDoc(doc, sub) {
					return false
				}
			}
		case "$or":
			subs := asDocSlice(e.Value)
			if len(subs) == 0 {
				continue
			}
			ok := false
			for _, sub := range subs {
				if matchDoc(doc, sub) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		case "$nor":
			for _, sub := range asDocSlice(e.Value) {
				if matchDoc(doc, sub) {
					return false
				}
			}
		case "$not":
			if sub, ok := e.Value.(bson.D); ok && matchDoc(doc, sub) {
				return false
			}
		default:
			val, present := bsonx.DottedGet(doc, e.Key)
			if !matchField(val, present, e.Value) {
				return false
			}
		}
	}
	return true
}

func asDocSlice(v interface{}) []bson.D {
	var out []bson.D
	switch arr := v.(type) {
	case bson.A:
		for _, item := range arr {
			if d, ok := item.(bson.D); ok {
				out = append(out, d)
			}
		}
	case []interface{}:
		for _, item := range arr {
			if d, ok := item.(bson.D); ok {
				out = append(out, d)
			}
		}
	}
	return out
}

// matchField applies the operator document (or literal equality) for one
// field against the document's resolved value.
func matchField(val interface{}, present bool, spec interface{}) bool {
	opDoc, isOpDoc := spec.(bson.D)
	if !isOpDoc || isLiteralDoc(opDoc) {
		if !present {
			return spec == nil
		}
		return bsonx.Compare(val, spec) == 0
	}
	for _, op := range opDoc {
		if !applyOperator(val, present, op.Key, op.Value) {
			return false
		}
	}
	return true
}

// isLiteralDoc reports whether a document operand should be treated as a
// literal equality target rather than an operator expression, i.e. none of
// its keys start with '$'.
func isLiteralDoc(d bson.D) bool {
	for _, e := range d {
		if strings.HasPrefix(e.Key, "$") {
			return false
		}
	}
	return true
}

func applyOperator(val interface{}, present bool, op string, operand interface{}) bool {
	switch op {
	case "$eq":
		return present && bsonx.Compare(val, operand) == 0
	case "$ne":
		return !present || bsonx.Compare(val, operand) != 0
	case "$gt":
		return present && bsonx.Compare(val, operand) > 0
	case "$gte":
		return present && bsonx.Compare(val, operand) >= 0
	case "$lt":
		return present && bsonx.Compare(val, operand) < 0
	case "$lte":
		return present && bsonx.Compare(val, operand) <= 0
	case "$in":
		for _, item := range toArray(operand) {
			if present && bsonx.Compare(val, item) == 0 {
				return true
			}
		}
		return false
	case "$nin":
		for _, item := range toArray(operand) {
			if present && bsonx.Compare(val, item) == 0 {
				return false
			}
		}
		return true
	case "$exists":
		want, _ := operand.(bool)
		return present == want
	case "$type":
		return matchType(val, present, operand)
	case "$regex":
		return present && matchRegex(val, operand)
	case "$size":
		arr := toArray(val)
		n, ok := toInt64(operand)
		return present && ok && int64(len(arr)) == n
	case "$all":
		if !present {
			return false
		}
		arr := toArray(val)
		for _, want := range toArray(operand) {
			found := false
			for _, have := range arr {
				if bsonx.Compare(have, want) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case "$elemMatch":
		if !present {
			return false
		}
		sub, ok := operand.(bson.D)
		if !ok {
			return false
		}
		for _, item := range toArray(val) {
			if d, ok := item.(bson.D); ok && matchDoc(d, sub) {
				return true
			}
		}
		return false
	case "$mod":
		mod := toArray(operand)
		if len(mod) != 2 || !present {
			return false
		}
		divisor, _ := toInt64(mod[0])
		remainder, _ := toInt64(mod[1])
		n, ok := toInt64(val)
		return ok && divisor != 0 && n%divisor == remainder
	default:
		return false
	}
}

func toArray(v interface{}) []interface{} {
	switch a := v.(type) {
	case bson.A:
		return []interface{}(a)
	case []interface{}:
		return a
	default:
		return nil
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

var typeNames = map[string]int32{
	"double": 1, "string": 2, "object": 3, "array": 4, "binData": 5,
	"undefined": 6, "objectId": 7, "bool": 8, "date": 9, "null": 10,
	"regex": 11, "int": 16, "timestamp": 17, "long": 18, "decimal": 19,
	"minKey": -1, "maxKey": 127,
}

func matchType(val interface{}, present bool, spec interface{}) bool {
	if !present {
		return false
	}
	code := bsonTypeCode(val)
	switch s := spec.(type) {
	case string:
		want, ok := typeNames[s]
		return ok && want == code
	case int32:
		return s == code
	case int64:
		return int32(s) == code
	case int:
		return int32(s) == code
	}
	return false
}

func bsonTypeCode(v interface{}) int32 {
	switch v.(type) {
	case float64:
		return 1
	case string:
		return 2
	case bson.D, bson.M:
		return 3
	case bson.A, []interface{}:
		return 4
	case primitive.Binary:
		return 5
	case primitive.ObjectID:
		return 7
	case bool:
		return 8
	case primitive.DateTime:
		return 9
	case nil, primitive.Null:
		return 10
	case primitive.Regex:
		return 11
	case int32:
		return 16
	case primitive.Timestamp:
		return 17
	case int64:
		return 18
	case primitive.Decimal128:
		return 19
	case primitive.MinKey:
		return -1
	case primitive.MaxKey:
		return 127
	default:
		return 0
	}
}

func matchRegex(val interface{}, spec interface{}) bool {
	s, ok := val.(string)
	if !ok {
		return false
	}
	var pattern, opts string
	switch r := spec.(type) {
	case primitive.Regex:
		pattern, opts = r.Pattern, r.Options
	case string:
		pattern = r
	default:
		return false
	}
	goPattern := pattern
	if strings.Contains(opts, "i") {
		goPattern = "(?i)" + goPattern
	}
	re, err := regexp.Compile(goPattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
