package checker

import (
	"bytes"
	"cmp"
	"math"
	"math/big"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// CompareKeys implements the server's canonical cross-type BSON ordering
// over two raw values. Values of different canonical type classes order
// by class; values within a class order by that class's own rules, so
// e.g. an int32, an int64, and a double all compare numerically against
// each other.
//
// This is a total order: malformed or exotic values fall back to a
// bytewise comparison of their raw representations rather than failing.
func CompareKeys(a, b bson.RawValue) int {
	if c := cmp.Compare(canonicalTypeRank(a.Type), canonicalTypeRank(b.Type)); c != 0 {
		return c
	}

	switch a.Type {
	case bsontype.MinKey, bsontype.MaxKey, bsontype.Null, bsontype.Undefined:
		// Singletons within their class.
		return 0
	case bsontype.Double, bsontype.Int32, bsontype.Int64, bsontype.Decimal128:
		return compareNumbers(a, b)
	case bsontype.String, bsontype.Symbol:
		return strings.Compare(a.StringValue(), b.StringValue())
	case bsontype.EmbeddedDocument:
		return compareRawDocuments(a.Document(), b.Document())
	case bsontype.Array:
		return compareRawArrays(a.Array(), b.Array())
	case bsontype.Binary:
		return compareBinaries(a, b)
	case bsontype.ObjectID:
		aOID, bOID := a.ObjectID(), b.ObjectID()
		return bytes.Compare(aOID[:], bOID[:])
	case bsontype.Boolean:
		return compareBools(a.Boolean(), b.Boolean())
	case bsontype.DateTime:
		return cmp.Compare(a.DateTime(), b.DateTime())
	case bsontype.Timestamp:
		aT, aI := a.Timestamp()
		bT, bI := b.Timestamp()
		if c := cmp.Compare(aT, bT); c != 0 {
			return c
		}
		return cmp.Compare(aI, bI)
	case bsontype.Regex:
		aP, aO := a.Regex()
		bP, bO := b.Regex()
		if c := strings.Compare(aP, bP); c != 0 {
			return c
		}
		return strings.Compare(aO, bO)
	}

	// DBPointer, JavaScript, CodeWithScope, or something newer than we
	// know about. Bytewise keeps the order total.
	return bytes.Compare(a.Value, b.Value)
}

// canonicalTypeRank mirrors the server's canonicalizeBSONType().
func canonicalTypeRank(t bsontype.Type) int {
	switch t {
	case bsontype.MinKey:
		return -1
	case bsontype.Undefined:
		return 0
	case bsontype.Null:
		return 5
	case bsontype.Double, bsontype.Int32, bsontype.Int64, bsontype.Decimal128:
		return 10
	case bsontype.String, bsontype.Symbol:
		return 15
	case bsontype.EmbeddedDocument:
		return 20
	case bsontype.Array:
		return 25
	case bsontype.Binary:
		return 30
	case bsontype.ObjectID:
		return 35
	case bsontype.Boolean:
		return 40
	case bsontype.DateTime:
		return 45
	case bsontype.Timestamp:
		return 47
	case bsontype.Regex:
		return 50
	case bsontype.DBPointer:
		return 55
	case bsontype.JavaScript:
		return 60
	case bsontype.CodeWithScope:
		return 65
	case bsontype.MaxKey:
		return 127
	}

	return 0
}

// compareNumbers compares any two numeric BSON values by value. All
// comparisons go through big.Float so that cross-width comparisons
// (e.g. int64 vs. decimal128) lose no precision. NaN sorts below every
// other number and equal to itself, matching the server.
func compareNumbers(a, b bson.RawValue) int {
	aF, aNaN := numericValue(a)
	bF, bNaN := numericValue(b)

	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	}

	return aF.Cmp(bF)
}

func numericValue(rv bson.RawValue) (*big.Float, bool) {
	switch rv.Type {
	case bsontype.Int32:
		return new(big.Float).SetInt64(int64(rv.Int32())), false
	case bsontype.Int64:
		// NB: a fresh big.Float widens its precision as needed, so
		// int64 values a double can't represent stay exact.
		return new(big.Float).SetInt64(rv.Int64()), false
	case bsontype.Double:
		f := rv.Double()
		if math.IsNaN(f) {
			return nil, true
		}
		if math.IsInf(f, 1) {
			return new(big.Float).SetInf(false), false
		}
		if math.IsInf(f, -1) {
			return new(big.Float).SetInf(true), false
		}
		return new(big.Float).SetFloat64(f), false
	case bsontype.Decimal128:
		str := rv.Decimal128().String()
		switch str {
		case "NaN", "-NaN":
			return nil, true
		case "Infinity":
			return new(big.Float).SetInf(false), false
		case "-Infinity":
			return new(big.Float).SetInf(true), false
		}

		f, _, err := big.ParseFloat(str, 10, 256, big.ToNearestEven)
		if err != nil {
			return nil, true
		}
		return f, false
	}

	return nil, true
}

// compareRawDocuments walks two documents element by element the way the
// server does: canonical type of the values first, then field name, then
// value. A document that is a strict prefix of the other sorts first.
func compareRawDocuments(a, b bson.Raw) int {
	aEls, aErr := a.Elements()
	bEls, bErr := b.Elements()
	if aErr != nil || bErr != nil {
		return bytes.Compare(a, b)
	}

	for i := 0; ; i++ {
		aDone, bDone := i >= len(aEls), i >= len(bEls)
		switch {
		case aDone && bDone:
			return 0
		case aDone:
			return -1
		case bDone:
			return 1
		}

		aVal, bVal := aEls[i].Value(), bEls[i].Value()

		if c := cmp.Compare(canonicalTypeRank(aVal.Type), canonicalTypeRank(bVal.Type)); c != 0 {
			return c
		}
		if c := strings.Compare(aEls[i].Key(), bEls[i].Key()); c != 0 {
			return c
		}
		if c := CompareKeys(aVal, bVal); c != 0 {
			return c
		}
	}
}

// compareRawArrays is like compareRawDocuments but ignores the index
// keys, since those are positional artifacts.
func compareRawArrays(a, b bson.Raw) int {
	aEls, aErr := a.Values()
	bEls, bErr := b.Values()
	if aErr != nil || bErr != nil {
		return bytes.Compare(a, b)
	}

	for i := 0; ; i++ {
		aDone, bDone := i >= len(aEls), i >= len(bEls)
		switch {
		case aDone && bDone:
			return 0
		case aDone:
			return -1
		case bDone:
			return 1
		}

		if c := cmp.Compare(canonicalTypeRank(aEls[i].Type), canonicalTypeRank(bEls[i].Type)); c != 0 {
			return c
		}
		if c := CompareKeys(aEls[i], bEls[i]); c != 0 {
			return c
		}
	}
}

// The server orders binary values by length, then subtype, then bytes.
func compareBinaries(a, b bson.RawValue) int {
	aSub, aData := a.Binary()
	bSub, bData := b.Binary()

	if c := cmp.Compare(len(aData), len(bData)); c != 0 {
		return c
	}
	if c := cmp.Compare(aSub, bSub); c != 0 {
		return c
	}
	return bytes.Compare(aData, bData)
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	}
	return -1
}
