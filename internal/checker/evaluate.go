package checker

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// evaluateDatabase compares one database between the primary and one
// secondary, given both nodes' hash reports. cappedCollections names
// this database's unordered-truncation collections; those are excluded
// from strict hash comparison because their tails truncate
// independently per node.
//
// dumpLatch is request-scoped: the first inconsistency of the whole
// run triggers a one-time oplog dump from the primary and the affected
// secondary.
func (c *Checker) evaluateDatabase(
	ctx context.Context,
	primary, secondary *Node,
	primaryReport, secondaryReport DatabaseHashReport,
	cappedCollections mapset.Set[string],
	dumpLatch *oplogDumpLatch,
) (DatabaseResult, error) {
	dbName := primaryReport.Database

	result := DatabaseResult{
		Database:  dbName,
		Primary:   primary.Host,
		Secondary: secondary.Host,
		Status:    DatabaseConsistent,
	}

	primaryNames := mapset.NewSetFromMapKeys(primaryReport.Collections)
	secondaryNames := mapset.NewSetFromMapKeys(secondaryReport.Collections)

	if symDiff := primaryNames.SymmetricDifference(secondaryNames); !symDiff.IsEmpty() {
		result.Status = DatabaseCollectionSetMismatch

		// Every differing name gets a deep diff against whichever side
		// has it; the absent side contributes an empty sequence, so all
		// of the collection's documents show up as missing there.
		for _, collName := range sortedSetMembers(symDiff) {
			onPrimary := primaryNames.Contains(collName)
			if onPrimary {
				result.PrimaryOnlyCollections = append(result.PrimaryOnlyCollections, collName)
			} else {
				result.SecondaryOnlyCollections = append(result.SecondaryOnlyCollections, collName)
			}

			diff, err := c.deepDiff(ctx, primary, secondary, dbName, collName, onPrimary, !onPrimary)
			if err != nil {
				return DatabaseResult{}, err
			}

			result.Diffs = append(result.Diffs, diff)
		}

		if err := dumpLatch.noteInconsistency(ctx, c, primary, secondary); err != nil {
			return DatabaseResult{}, err
		}

		return result, nil
	}

	for _, collName := range sortedSetMembers(primaryNames) {
		if cappedCollections.Contains(collName) {
			// Unordered truncation: never a failure by itself.
			c.logger.Debug().
				Str("namespace", dbName+"."+collName).
				Msg("Skipping hash comparison of capped collection.")
			continue
		}

		primaryHash := primaryReport.Collections[collName]
		secondaryHash := secondaryReport.Collections[collName]
		if primaryHash == secondaryHash {
			continue
		}

		result.Status = DatabaseHashMismatch
		result.HashMismatches = append(result.HashMismatches, HashMismatch{
			Namespace:     dbName + "." + collName,
			PrimaryHash:   primaryHash,
			SecondaryHash: secondaryHash,
		})

		diff, err := c.deepDiff(ctx, primary, secondary, dbName, collName, true, true)
		if err != nil {
			return DatabaseResult{}, err
		}

		result.Diffs = append(result.Diffs, diff)
	}

	// Aggregate cross-check: only meaningful when every individual
	// hash matched and no capped collection clouds the aggregate. A
	// mismatch here despite matching details is still an inconsistency;
	// we report whichever check fails rather than trusting one over
	// the other.
	if result.Status == DatabaseConsistent && cappedCollections.IsEmpty() {
		primaryAgg, primaryHasAgg := primaryReport.Aggregate.Get()
		secondaryAgg, secondaryHasAgg := secondaryReport.Aggregate.Get()

		if primaryHasAgg && secondaryHasAgg && primaryAgg != secondaryAgg {
			result.Status = DatabaseHashMismatch
			result.HashMismatches = append(result.HashMismatches, HashMismatch{
				Namespace:     dbName + " " + aggregateHashLabel,
				PrimaryHash:   primaryAgg,
				SecondaryHash: secondaryAgg,
			})
		}
	}

	if result.Status != DatabaseConsistent {
		if err := dumpLatch.noteInconsistency(ctx, c, primary, secondary); err != nil {
			return DatabaseResult{}, err
		}
	}

	return result, nil
}

// deepDiff materializes both sides' documents in key order and runs the
// streaming diff. Sides marked absent contribute an empty sequence
// without a scan. The two scans are read-only and run in parallel; the
// freeze keeps the underlying data immobile.
func (c *Checker) deepDiff(
	ctx context.Context,
	primary, secondary *Node,
	dbName, collName string,
	onPrimary, onSecondary bool,
) (DocumentDiff, error) {
	namespace := dbName + "." + collName

	var primaryDocs, secondaryDocs []bson.Raw

	eg, egCtx := errgroup.WithContext(ctx)

	if onPrimary {
		eg.Go(func() error {
			var err error
			primaryDocs, err = primary.conn.ScanSorted(egCtx, dbName, collName, c.keyField)

			return errors.Wrapf(
				err,
				"failed to read %#q's documents from primary %#q",
				namespace,
				primary.Host,
			)
		})
	}

	if onSecondary {
		eg.Go(func() error {
			var err error
			secondaryDocs, err = secondary.conn.ScanSorted(egCtx, dbName, collName, c.keyField)

			return errors.Wrapf(
				err,
				"failed to read %#q's documents from secondary %#q",
				namespace,
				secondary.Host,
			)
		})
	}

	if err := eg.Wait(); err != nil {
		return DocumentDiff{}, err
	}

	c.logger.Debug().
		Str("namespace", namespace).
		Int("primaryDocs", len(primaryDocs)).
		Int("secondaryDocs", len(secondaryDocs)).
		Msg("Deep-diffing collection.")

	diff := Diff(
		primaryDocs,
		secondaryDocs,
		KeyOfField(c.keyField),
		CompareKeys,
		DocsEqual,
	)
	diff.Namespace = namespace

	return diff, nil
}

func sortedSetMembers(set mapset.Set[string]) []string {
	members := set.ToSlice()
	slices.Sort(members)

	return members
}
