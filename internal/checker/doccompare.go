package checker

import (
	"bytes"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// DocsEqual reports whether two documents are byte-for-byte identical.
// Replica set members replicate the exact document bytes, so field
// order is significant here, unlike in user-level equality.
func DocsEqual(a, b bson.Raw) bool {
	return bytes.Equal(a, b)
}

// FieldMismatches names the top-level fields on which two documents
// disagree, for report rendering. Fields present on only one side are
// listed with a side marker.
func FieldMismatches(primaryDoc, secondaryDoc bson.Raw) ([]string, error) {
	primaryEls, err := primaryDoc.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse primary document")
	}

	secondaryEls, err := secondaryDoc.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse secondary document")
	}

	secondaryVals := make(map[string]bson.RawValue, len(secondaryEls))
	for _, el := range secondaryEls {
		secondaryVals[el.Key()] = el.Value()
	}

	var mismatches []string

	seen := make(map[string]struct{}, len(primaryEls))
	for _, el := range primaryEls {
		key := el.Key()
		seen[key] = struct{}{}

		secondaryVal, exists := secondaryVals[key]
		if !exists {
			mismatches = append(mismatches, key+" (primary only)")
			continue
		}

		if !el.Value().Equal(secondaryVal) {
			mismatches = append(mismatches, key)
		}
	}

	for _, el := range secondaryEls {
		if _, exists := seen[el.Key()]; !exists {
			mismatches = append(mismatches, el.Key()+" (secondary only)")
		}
	}

	return mismatches, nil
}
