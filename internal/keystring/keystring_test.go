package keystring

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestNumberOrderingMatchesNumericOrder(t *testing.T) {
	values := []interface{}{
		int64(-1) << 60,
		int64(-1)<<53 - 7,
		int32(-5),
		int32(0),
		int64(3),
		3.5,
		int64(100),
		int64(1) << 53,
		int64(1)<<53 + 1,
		int64(1) << 60,
	}
	var keys [][]byte
	for _, v := range values {
		keys = append(keys, Encode(v))
	}
	for i := 1; i < len(keys); i++ {
		if Compare(keys[i-1], keys[i]) >= 0 {
			t.Fatalf("encoding not increasing between %v and %v", values[i-1], values[i])
		}
	}
}

func TestFractionalAndIntegerNumbersShareOneOrder(t *testing.T) {
	half := Encode(0.5)
	three := Encode(int64(3))
	if Compare(half, three) >= 0 {
		t.Fatalf("expected 0.5 < 3 in encoded form")
	}
	negHalf := Encode(-0.5)
	negThree := Encode(int32(-3))
	if Compare(negThree, negHalf) >= 0 {
		t.Fatalf("expected -3 < -0.5 in encoded form")
	}
}

func TestLargeInt64RoutesToBigInt(t *testing.T) {
	big := Encode(int64(1) << 60)
	if big[0] != TagBigInt {
		t.Fatalf("tag = %#x, want TagBigInt for int64 > 2^53", big[0])
	}
	neg := Encode(int64(-1) << 60)
	if neg[0] != TagBigIntNeg {
		t.Fatalf("tag = %#x, want TagBigIntNeg for int64 < -2^53", neg[0])
	}
	small := Encode(int64(1) << 50)
	if small[0] != TagNumber {
		t.Fatalf("tag = %#x, want TagNumber for |int64| <= 2^53", small[0])
	}
	a := Encode(int64(1)<<60 + 1)
	b := Encode(int64(1)<<60 + 2)
	if Compare(a, b) >= 0 {
		t.Fatalf("expected BigInt ordering to distinguish adjacent values beyond 2^53")
	}
	na := Encode(int64(-1)<<60 - 2)
	nb := Encode(int64(-1)<<60 - 1)
	if Compare(na, nb) >= 0 {
		t.Fatalf("expected negative BigInt ordering to distinguish adjacent values beyond -2^53")
	}
}

func TestNegativeBigIntSortsBelowEveryNumber(t *testing.T) {
	huge := Encode(int64(-1) << 60)
	small := Encode(int32(-5))
	if Compare(huge, small) >= 0 {
		t.Fatalf("expected -(1<<60) < -5 in encoded form")
	}
	if Compare(Encode(primitive.Null{}), huge) >= 0 {
		t.Fatalf("expected null < negative BigInt")
	}
	pos := Encode(int64(1) << 60)
	if Compare(Encode(int64(1)<<53), pos) >= 0 {
		t.Fatalf("expected 2^53 < 2^60 across the Number/BigInt boundary")
	}
}

func TestStringOrderingIsLexicographic(t *testing.T) {
	a, b := Encode("apple"), Encode("banana")
	if Compare(a, b) >= 0 {
		t.Fatalf("expected apple < banana in encoded form")
	}
}

func TestTypeOrderingNullBeforeNumberBeforeString(t *testing.T) {
	n := Encode(nil)
	num := Encode(int32(1))
	s := Encode("x")
	if Compare(n, num) >= 0 {
		t.Fatalf("expected null < number")
	}
	if Compare(num, s) >= 0 {
		t.Fatalf("expected number < string")
	}
}

func TestBoolOrderingFalseBeforeTrue(t *testing.T) {
	f, tr := Encode(false), Encode(true)
	if Compare(f, tr) >= 0 {
		t.Fatalf("expected false < true")
	}
}

func TestMinKeyMaxKeyBoundEverything(t *testing.T) {
	min := Encode(primitive.MinKey{})
	max := Encode(primitive.MaxKey{})
	mid := Encode(int32(42))
	if Compare(min, mid) >= 0 {
		t.Fatalf("expected MinKey < value")
	}
	if Compare(mid, max) >= 0 {
		t.Fatalf("expected value < MaxKey")
	}
}

func TestEncodeFieldDescendingReversesOrder(t *testing.T) {
	a := EncodeField(int32(1), false)
	b := EncodeField(int32(2), false)
	if Compare(a, b) >= 0 {
		t.Fatalf("ascending encoding should keep 1 < 2")
	}
	da := EncodeField(int32(1), true)
	db := EncodeField(int32(2), true)
	if Compare(da, db) <= 0 {
		t.Fatalf("descending encoding should reverse order: 1's key should be > 2's key")
	}
}

func TestStringBodyEscapesNulAndFF(t *testing.T) {
	withNul := encodeStringBody("a\x00b")
	withFF := encodeStringBody("a\xffb")
	if len(withNul) < len("a\x00b")+2 {
		t.Fatalf("expected nul byte to be escaped and lengthen payload")
	}
	if len(withFF) < len("a\xffb")+2 {
		t.Fatalf("expected 0xFF byte to be escaped and lengthen payload")
	}
}

func TestObjectIDOrderingMatchesByteOrder(t *testing.T) {
	low := primitive.ObjectID{0x00, 0x00, 0x00, 0x01}
	high := primitive.ObjectID{0x00, 0x00, 0x00, 0x02}
	if Compare(Encode(low), Encode(high)) >= 0 {
		t.Fatalf("expected lower ObjectID to encode smaller")
	}
}
