// Package keystring implements a byte-comparable key encoding for BSON
// values: one type-tag byte, a type-specific payload, and (at the field
// level) a 0x04 terminator, with per-field descending direction applied as
// a bitwise complement of the whole segment. Lexicographic order over the
// encoded bytes matches MongoDB's canonical value ordering.
package keystring

import (
	"encoding/binary"
	"math"
	"math/big"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Type tags, ordered to match MongoDB's canonical BSON type ordering.
// BigInts (int64 magnitudes beyond 2^53) band around the Number tag by
// sign: a single above-Number tag could not order huge negatives below
// small Numbers.
const (
	TagMinKey    byte = 0x00
	TagNull      byte = 0x05
	TagBigIntNeg byte = 0x0F
	TagNumber    byte = 0x10
	TagBigInt    byte = 0x11
	TagString    byte = 0x14
	TagObject    byte = 0x18
	TagArray     byte = 0x1C
	TagBinData   byte = 0x20
	TagObjectID  byte = 0x24
	TagBool      byte = 0x28
	TagDate      byte = 0x2C
	TagTimestamp byte = 0x30
	TagRegex     byte = 0x34
	TagMaxKey    byte = 0xFF
)

const FieldTerminator byte = 0x04

const twoPow53 = 1 << 53

// Encode renders a single BSON value (as decoded by the bson package) into
// its byte-comparable KeyString body, NOT including the field terminator.
func Encode(v interface{}) []byte {
	switch val := v.(type) {
	case nil:
		return []byte{TagNull}
	case primitive.Null:
		return []byte{TagNull}
	case primitive.MinKey:
		return []byte{TagMinKey}
	case primitive.MaxKey:
		return []byte{TagMaxKey}
	case bool:
		if val {
			return []byte{TagBool, 0x02}
		}
		return []byte{TagBool, 0x01}
	case int32:
		return encodeNumber(float64(val))
	case int64:
		return encodeInt64(val)
	case int:
		return encodeInt64(int64(val))
	case float64:
		return encodeNumber(val)
	case primitive.Decimal128:
		// route through float64 best-effort; full decimal ordering is out of
		// scope for the byte-comparable encoder.
		f, _ := decimal128ToFloat(val)
		return encodeNumber(f)
	case string:
		return encodeString(val)
	case primitive.ObjectID:
		buf := make([]byte, 13)
		buf[0] = TagObjectID
		copy(buf[1:], val[:])
		return buf
	case primitive.DateTime:
		return encodeDate(int64(val))
	case primitive.Timestamp:
		buf := make([]byte, 9)
		buf[0] = TagTimestamp
		binary.BigEndian.PutUint32(buf[1:5], val.T)
		binary.BigEndian.PutUint32(buf[5:9], val.I)
		return buf
	case primitive.Regex:
		body := []byte{TagRegex}
		body = append(body, encodeStringBody(val.Pattern)...)
		body = append(body, encodeStringBody(val.Options)...)
		return body
	case primitive.Binary:
		body := []byte{TagBinData, val.Subtype}
		body = append(body, val.Data...)
		return body
	case bson.A:
		out := []byte{TagArray}
		for _, item := range val {
			out = append(out, Encode(item)...)
			out = append(out, FieldTerminator)
		}
		return out
	case []interface{}:
		out := []byte{TagArray}
		for _, item := range val {
			out = append(out, Encode(item)...)
			out = append(out, FieldTerminator)
		}
		return out
	case bson.D:
		out := []byte{TagObject}
		for _, e := range val {
			out = append(out, encodeStringBody(e.Key)...)
			out = append(out, Encode(e.Value)...)
			out = append(out, FieldTerminator)
		}
		return out
	case bson.M:
		out := []byte{TagObject}
		d, _ := bson.Marshal(val)
		var ordered bson.D
		_ = bson.Unmarshal(d, &ordered)
		for _, e := range ordered {
			out = append(out, encodeStringBody(e.Key)...)
			out = append(out, Encode(e.Value)...)
			out = append(out, FieldTerminator)
		}
		return out
	default:
		return []byte{TagNull}
	}
}

func decimal128ToFloat(d primitive.Decimal128) (float64, error) {
	bi, _, err := d.BigInt()
	if err != nil || bi == nil {
		return 0, err
	}
	v, _ := new(big.Float).SetInt(bi).Float64()
	return v, nil
}

// encodeNumber applies the IEEE-754 bit transform: sign bit flipped for
// non-negative values, all bits flipped for negative, so lexicographic
// byte order equals numeric order. Integers and doubles share this one
// transform, which is what keeps them mutually ordered.
func encodeNumber(f float64) []byte {
	bits := math.Float64bits(f)
	if f >= 0 {
		bits |= 1 << 63
	} else {
		bits = ^bits
	}
	buf := make([]byte, 9)
	buf[0] = TagNumber
	binary.BigEndian.PutUint64(buf[1:], bits)
	return buf
}

// encodeInt64 routes magnitudes within 2^53 through the shared Number
// transform (exactly representable as float64); anything larger goes to
// BigInt, where a float64 round-trip would lose precision.
func encodeInt64(i int64) []byte {
	if i > twoPow53 || i < -twoPow53 {
		return encodeBigInt(i)
	}
	return encodeNumber(float64(i))
}

func encodeBigInt(i int64) []byte {
	u := uint64(i) + (1 << 63)
	buf := make([]byte, 9)
	if i < 0 {
		buf[0] = TagBigIntNeg
	} else {
		buf[0] = TagBigInt
	}
	binary.BigEndian.PutUint64(buf[1:], u)
	return buf
}

func encodeDate(ms int64) []byte {
	u := uint64(ms) + (1 << 63)
	buf := make([]byte, 9)
	buf[0] = TagDate
	binary.BigEndian.PutUint64(buf[1:], u)
	return buf
}

// encodeString produces the tagged string encoding: tag byte + body.
func encodeString(s string) []byte {
	return append([]byte{TagString}, encodeStringBody(s)...)
}

// encodeStringBody escapes 0x00 as `00 FF` and 0xFF as `FF 00`, terminated
// by `00 00`, so embedded NULs cannot terminate early and 0xFF bytes
// cannot compare past a shorter string's terminator.
func encodeStringBody(s string) []byte {
	out := make([]byte, 0, len(s)+2)
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch b {
		case 0x00:
			out = append(out, 0x00, 0xFF)
		case 0xFF:
			out = append(out, 0xFF, 0x00)
		default:
			out = append(out, b)
		}
	}
	out = append(out, 0x00, 0x00)
	return out
}

// EncodeField encodes one (value, direction) pair into a terminated,
// direction-adjusted segment suitable for concatenation into a composite
// index key.
func EncodeField(v interface{}, descending bool) []byte {
	seg := append(Encode(v), FieldTerminator)
	if descending {
		complement(seg)
	}
	return seg
}

func complement(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

// Compare performs a byte-comparable comparison, i.e. bytes.Compare.
// Exposed so callers never need to reach for bytes.Compare directly and
// accidentally cross-apply it with bsonx.Compare's semantic comparison.
func Compare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
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
