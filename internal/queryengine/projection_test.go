package queryengine

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/bsonx"
)

func TestApplyProjectionInclude(t *testing.T) {
	doc := bson.D{{Key: "_id", Value: 1}, {Key: "name", Value: "a"}, {Key: "qty", Value: int32(5)}}
	out := ApplyProjection(doc, bson.D{{Key: "name", Value: 1}})
	if len(out) != 2 {
		t.Fatalf("expected _id + name, got %+v", out)
	}
	if v, ok := bsonx.DottedGet(out, "qty"); ok {
		t.Fatalf("qty should be excluded, got %v", v)
	}
}

func TestApplyProjectionIncludeExcludingID(t *testing.T) {
	doc := bson.D{{Key: "_id", Value: 1}, {Key: "name", Value: "a"}}
	out := ApplyProjection(doc, bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 0}})
	if _, ok := bsonx.DottedGet(out, "_id"); ok {
		t.Fatalf("expected _id excluded")
	}
	if v, ok := bsonx.DottedGet(out, "name"); !ok || v != "a" {
		t.Fatalf("name = %v, %v", v, ok)
	}
}

func TestApplyProjectionExclude(t *testing.T) {
	doc := bson.D{{Key: "_id", Value: 1}, {Key: "name", Value: "a"}, {Key: "secret", Value: "x"}}
	out := ApplyProjection(doc, bson.D{{Key: "secret", Value: 0}})
	if _, ok := bsonx.DottedGet(out, "secret"); ok {
		t.Fatalf("expected secret excluded")
	}
	if v, ok := bsonx.DottedGet(out, "name"); !ok || v != "a" {
		t.Fatalf("name should survive exclusion, got %v, %v", v, ok)
	}
}

func TestApplyProjectionEmptyReturnsWholeDoc(t *testing.T) {
	doc := bson.D{{Key: "a", Value: 1}}
	out := ApplyProjection(doc, nil)
	if len(out) != len(doc) {
		t.Fatalf("expected empty projection to pass the document through unchanged")
	}
}
