package queryengine

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/bsonx"
)

// ApplyProjection applies an include- or exclude-mode projection. The
// mode is decided by the first non-_id field; _id exclusion composes with
// either mode regardless of ordering.
func ApplyProjection(doc bson.D, projection bson.D) bson.D {
	if len(projection) == 0 {
		return doc
	}

	includeMode := false
	modeSet := false
	excludeID := false
	fields := make([]string, 0, len(projection))
	for _, e := range projection {
		want := truthy(e.Value)
		if e.Key == "_id" {
			if !want {
				excludeID = true
			}
			continue
		}
		if !modeSet {
			includeMode = want
			modeSet = true
		}
		fields = append(fields, e.Key)
	}

	if !includeMode {
		out := cloneDoc(doc)
		for _, f := range fields {
			bsonx.DottedUnset(&out, f)
		}
		if excludeID {
			bsonx.DottedUnset(&out, "_id")
		}
		return out
	}

	out := bson.D{}
	if !excludeID {
		if id, ok := bsonx.DottedGet(doc, "_id"); ok {
			out = append(out, bson.E{Key: "_id", Value: id})
		}
	}
	for _, f := range fields {
		if v, ok := bsonx.DottedGet(doc, f); ok {
			bsonx.DottedSet(&out, f, v)
		}
	}
	return out
}

func truthy(v interface{}) bool {
	switch n := v.(type) {
	case bool:
		return n
	case int32:
		return n != 0
	case int64:
		return n != 0
	case int:
		return n != 0
	case float64:
		return n != 0
	}
	return true
}
