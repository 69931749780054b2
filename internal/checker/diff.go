package checker

import (
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/exp/slices"
)

// KeyOfFunc extracts the ordering key from a document.
type KeyOfFunc func(doc bson.Raw) bson.RawValue

// KeyCompareFunc is a total order over ordering keys.
type KeyCompareFunc func(a, b bson.RawValue) int

// DocEqualsFunc decides whole-document equality.
type DocEqualsFunc func(a, b bson.Raw) bool

// DocPair is one same-key, different-content mismatch.
type DocPair struct {
	Primary   bson.Raw
	Secondary bson.Raw
}

// DocumentDiff is the reconciliation of one collection between the
// primary and one secondary.
type DocumentDiff struct {
	Namespace string

	// Same key on both sides, different content.
	ContentMismatches []DocPair

	// Present only on the secondary.
	MissingOnPrimary []bson.Raw

	// Present only on the primary.
	MissingOnSecondary []bson.Raw
}

// IsEmpty reports whether the diff found no disagreement at all.
func (d DocumentDiff) IsEmpty() bool {
	return len(d.ContentMismatches) == 0 &&
		len(d.MissingOnPrimary) == 0 &&
		len(d.MissingOnSecondary) == 0
}

// DocCount returns the total number of differing documents the diff
// describes. Each content mismatch counts once.
func (d DocumentDiff) DocCount() int {
	return len(d.ContentMismatches) +
		len(d.MissingOnPrimary) +
		len(d.MissingOnSecondary)
}

// Diff computes the symmetric difference, plus all same-key content
// mismatches, between two document sequences in one linear pass.
//
// Both inputs MUST already be sorted ascending by keyOf under
// keyCompare; the walk runs from the largest key downward, one cursor
// per side. Whenever the sides' current keys disagree, the side with
// the larger key holds a document the other side has not got (the
// other side's descending cursor would already have passed it), so
// that document is recorded as missing and only that cursor advances.
//
// Cost is O(len(primaryDocs)+len(secondaryDocs)) comparisons and no
// memory beyond the inputs and the result.
func Diff(
	primaryDocs, secondaryDocs []bson.Raw,
	keyOf KeyOfFunc,
	keyCompare KeyCompareFunc,
	docEquals DocEqualsFunc,
) DocumentDiff {
	var diff DocumentDiff

	pCur := len(primaryDocs) - 1
	sCur := len(secondaryDocs) - 1

	for pCur >= 0 || sCur >= 0 {
		switch {
		case pCur < 0:
			// Primary is exhausted; everything left on the secondary
			// has no primary counterpart.
			diff.MissingOnPrimary = append(diff.MissingOnPrimary, secondaryDocs[sCur])
			sCur--
		case sCur < 0:
			diff.MissingOnSecondary = append(diff.MissingOnSecondary, primaryDocs[pCur])
			pCur--
		case docEquals(primaryDocs[pCur], secondaryDocs[sCur]):
			pCur--
			sCur--
		default:
			keyOrder := keyCompare(keyOf(primaryDocs[pCur]), keyOf(secondaryDocs[sCur]))

			switch {
			case keyOrder == 0:
				// Same identity, different content.
				diff.ContentMismatches = append(diff.ContentMismatches, DocPair{
					Primary:   primaryDocs[pCur],
					Secondary: secondaryDocs[sCur],
				})
				pCur--
				sCur--
			case keyOrder < 0:
				diff.MissingOnPrimary = append(diff.MissingOnPrimary, secondaryDocs[sCur])
				sCur--
			default:
				diff.MissingOnSecondary = append(diff.MissingOnSecondary, primaryDocs[pCur])
				pCur--
			}
		}
	}

	// The walk emits by descending key; reports read better ascending.
	slices.Reverse(diff.ContentMismatches)
	slices.Reverse(diff.MissingOnPrimary)
	slices.Reverse(diff.MissingOnSecondary)

	return diff
}

// KeyOfField returns a KeyOfFunc that reads the named top-level field.
// A document without the field yields a zero RawValue, which CompareKeys
// ranks with undefined, near the bottom of the order.
func KeyOfField(fieldName string) KeyOfFunc {
	return func(doc bson.Raw) bson.RawValue {
		val, err := doc.LookupErr(fieldName)
		if err != nil {
			return bson.RawValue{}
		}

		return val
	}
}
