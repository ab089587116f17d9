package queryengine

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/arlobennett/monolite/internal/bsonx"
	"github.com/arlobennett/monolite/internal/monoerr"
)

// RunPipeline executes a minimal aggregation pipeline over docs: $match,
// $sort, $skip, $limit, $project, and $group with the $sum/$count/$avg/
// $min/$max/$push/$addToSet accumulators. The engine always scans (no
// planner), so every stage here is a plain in-memory transform.
func RunPipeline(docs []bson.D, pipeline []bson.D) ([]bson.D, error) {
	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, monoerr.New(monoerr.BadValue, "pipeline stage must have exactly one operator")
		}
		op := stage[0]
		switch op.Key {
		case "$match":
			filter, _ := op.Value.(bson.D)
			matcher := CompileFilter(filter)
			out := make([]bson.D, 0, len(docs))
			for _, d := range docs {
				if matcher.Match(d) {
					out = append(out, d)
				}
			}
			docs = out
		case "$sort":
			spec, _ := op.Value.(bson.D)
			bsonx.SortStable(docs, spec)
		case "$skip":
			n, _ := toInt(op.Value)
			if n > len(docs) {
				n = len(docs)
			}
			docs = docs[n:]
		case "$limit":
			n, _ := toInt(op.Value)
			if n < len(docs) {
				docs = docs[:n]
			}
		case "$project":
			spec, _ := op.Value.(bson.D)
			out := make([]bson.D, len(docs))
			for i, d := range docs {
				out[i] = ApplyProjection(d, spec)
			}
			docs = out
		case "$group":
			spec, _ := op.Value.(bson.D)
			grouped, err := runGroup(docs, spec)
			if err != nil {
				return nil, err
			}
			docs = grouped
		default:
			return nil, monoerr.Newf(monoerr.BadValue, "unsupported pipeline stage %s", op.Key)
		}
	}
	return docs, nil
}

type groupBucket struct {
	key  interface{}
	docs []bson.D
}

func runGroup(docs []bson.D, spec bson.D) ([]bson.D, error) {
	var idExpr interface{}
	accumulators := bson.D{}
	for _, e := range spec {
		if e.Key == "_id" {
			idExpr = e.Value
			continue
		}
		accumulators = append(accumulators, e)
	}

	order := []interface{}{}
	buckets := map[string]*groupBucket{}
	for _, d := range docs {
		key := evalExpr(idExpr, d)
		raw, _ := bson.Marshal(bson.D{{Key: "k", Value: key}})
		k := string(raw)
		b, ok := buckets[k]
		if !ok {
			b = &groupBucket{key: key}
			buckets[k] = b
			order = append(order, k)
		}
		b.docs = append(b.docs, d)
	}

	out := make([]bson.D, 0, len(order))
	for _, k := range order {
		b := buckets[k.(string)]
		result := bson.D{{Key: "_id", Value: b.key}}
		for _, acc := range accumulators {
			val, err := evalAccumulator(acc.Value, b.docs)
			if err != nil {
				return nil, err
			}
			result = append(result, bson.E{Key: acc.Key, Value: val})
		}
		out = append(out, result)
	}
	return out, nil
}

// evalExpr evaluates a trivial aggregation expression: a literal, a
// "$field" reference, or a document whose single key names a supported
// operator used as an accumulator input (handled by evalAccumulator).
func evalExpr(expr interface{}, doc bson.D) interface{} {
	switch e := expr.(type) {
	case string:
		if len(e) > 0 && e[0] == '$' {
			v, _ := bsonx.DottedGet(doc, e[1:])
			return v
		}
		return e
	default:
		return expr
	}
}

func evalAccumulator(spec interface{}, docs []bson.D) (interface{}, error) {
	d, ok := spec.(bson.D)
	if !ok || len(d) != 1 {
		return nil, monoerr.New(monoerr.BadValue, "group accumulator must be a single-key document")
	}
	op, arg := d[0].Key, d[0].Value
	switch op {
	case "$sum":
		var total float64
		allInt := true
		for _, doc := range docs {
			v := evalExpr(arg, doc)
			f, isNum := numericFloat(v)
			if !isNum {
				continue
			}
			if _, isFloat := v.(float64); isFloat {
				allInt = false
			}
			total += f
		}
		if allInt {
			return int64(total), nil
		}
		return total, nil
	case "$count":
		return int64(len(docs)), nil
	case "$avg":
		var total float64
		var count int
		for _, doc := range docs {
			v := evalExpr(arg, doc)
			if f, ok2 := numericFloat(v); ok2 {
				total += f
				count++
			}
		}
		if count == 0 {
			return nil, nil
		}
		return total / float64(count), nil
	case "$min":
		var best interface{}
		for _, doc := range docs {
			v := evalExpr(arg, doc)
			if best == nil || bsonx.Compare(v, best) < 0 {
				best = v
			}
		}
		return best, nil
	case "$max":
		var best interface{}
		for _, doc := range docs {
			v := evalExpr(arg, doc)
			if best == nil || bsonx.Compare(v, best) > 0 {
				best = v
			}
		}
		return best, nil
	case "$push":
		out := bson.A{}
		for _, doc := range docs {
			out = append(out, evalExpr(arg, doc))
		}
		return out, nil
	case "$addToSet":
		out := bson.A{}
		for _, doc := range docs {
			v := evalExpr(arg, doc)
			found := false
			for _, have := range out {
				if bsonx.Compare(have, v) == 0 {
					found = true
					break
				}
			}
			if !found {
				out = append(out, v)
			}
		}
		return out, nil
	case "$first":
		if len(docs) == 0 {
			return nil, nil
		}
		return evalExpr(arg, docs[0]), nil
	case "$last":
		if len(docs) == 0 {
			return nil, nil
		}
		return evalExpr(arg, docs[len(docs)-1]), nil
	default:
		return nil, monoerr.Newf(monoerr.BadValue, "unsupported accumulator %s", op)
	}
}
