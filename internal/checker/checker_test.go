package checker

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/10gen/replset-consistency/mslices"
)

// numbersColl builds a healthy three-document collection.
func numbersColl(hash string) *fakeColl {
	return &fakeColl{
		hash: hash,
		docs: mslices.Of(
			docWithKey(1, bson.E{Key: "n", Value: "one"}),
			docWithKey(2, bson.E{Key: "n", Value: "two"}),
			docWithKey(3, bson.E{Key: "n", Value: "three"}),
		),
	}
}

func consistentDBs() map[string]*fakeDB {
	return map[string]*fakeDB{
		"db1": {
			aggregate: "agg-1",
			colls: map[string]*fakeColl{
				"numbers": numbersColl("hash-1"),
			},
		},
	}
}

func buildCluster(t *testing.T, primaryDBs, secondaryDBs map[string]*fakeDB) ([]*Node, *fakeConn, *fakeConn) {
	t.Helper()

	primaryNode, primaryConn := newFakeNode("primary:27017", true, primaryDBs)
	secondaryNode, secondaryConn := newFakeNode("secondary:27018", false, secondaryDBs)

	return mslices.Of(primaryNode, secondaryNode), primaryConn, secondaryConn
}

func TestCheckConsistentCluster(t *testing.T) {
	ctx := context.Background()

	nodes, primaryConn, secondaryConn := buildCluster(t, consistentDBs(), consistentDBs())

	report, err := NewChecker(testLogger()).CheckConsistency(ctx, nodes, nil)
	require.NoError(t, err)

	assert.True(t, report.Consistent())
	require.Len(t, report.Databases, 1)
	assert.Equal(t, DatabaseConsistent, report.Databases[0].Status)

	// Matching hashes must prove consistency without any deep diff.
	assert.Zero(t, primaryConn.scanRequests, "fast path must not scan the primary")
	assert.Zero(t, secondaryConn.scanRequests, "fast path must not scan the secondary")
	assert.Zero(t, primaryConn.oplogReads, "no inconsistency, no oplog dump")

	// The freeze must be gone.
	assert.False(t, primaryConn.frozen)
}

func TestCheckBlacklist(t *testing.T) {
	ctx := context.Background()

	primaryDBs := consistentDBs()
	primaryDBs["scratch"] = &fakeDB{
		aggregate: "only-on-primary",
		colls:     map[string]*fakeColl{"junk": {hash: "junk-hash"}},
	}

	nodes, _, _ := buildCluster(t, primaryDBs, consistentDBs())

	report, err := NewChecker(testLogger()).CheckConsistency(ctx, nodes, mslices.Of("scratch"))
	require.NoError(t, err)

	assert.True(t, report.Consistent(), "blacklisted databases must not be compared")

	// Node-private databases are always excluded.
	assert.Subset(t, report.Blacklist, mslices.Of("local", "admin", "config", "scratch"))
	for _, db := range report.Databases {
		assert.NotContains(t, report.Blacklist, db.Database)
	}
}

func TestCheckHashMismatchTriggersDeepDiff(t *testing.T) {
	ctx := context.Background()

	secondaryDBs := consistentDBs()
	secondaryDBs["db1"].colls["numbers"] = &fakeColl{
		hash: "hash-DIFFERENT",
		docs: mslices.Of(
			docWithKey(1, bson.E{Key: "n", Value: "one"}),
			docWithKey(3, bson.E{Key: "n", Value: "three?"}),
			docWithKey(4, bson.E{Key: "n", Value: "four"}),
		),
	}
	secondaryDBs["db1"].aggregate = "agg-DIFFERENT"

	nodes, primaryConn, secondaryConn := buildCluster(t, consistentDBs(), secondaryDBs)

	report, err := NewChecker(testLogger()).CheckConsistency(ctx, nodes, nil)
	require.NoError(t, err)

	assert.False(t, report.Consistent())
	require.Len(t, report.Databases, 1)

	result := report.Databases[0]
	assert.Equal(t, DatabaseHashMismatch, result.Status)
	require.Len(t, result.HashMismatches, 1)
	assert.Equal(t, "db1.numbers", result.HashMismatches[0].Namespace)
	assert.Equal(t, "hash-1", result.HashMismatches[0].PrimaryHash)
	assert.Equal(t, "hash-DIFFERENT", result.HashMismatches[0].SecondaryHash)

	require.Len(t, result.Diffs, 1)
	diff := result.Diffs[0]
	assert.Equal(t, "db1.numbers", diff.Namespace)
	assert.Equal(t, mslices.Of(docWithKey(2, bson.E{Key: "n", Value: "two"})), diff.MissingOnSecondary)
	assert.Equal(t, mslices.Of(docWithKey(4, bson.E{Key: "n", Value: "four"})), diff.MissingOnPrimary)
	require.Len(t, diff.ContentMismatches, 1)
	assert.Equal(t, docWithKey(3, bson.E{Key: "n", Value: "three"}), diff.ContentMismatches[0].Primary)
	assert.Equal(t, docWithKey(3, bson.E{Key: "n", Value: "three?"}), diff.ContentMismatches[0].Secondary)

	assert.Equal(t, 1, primaryConn.scanRequests)
	assert.Equal(t, 1, secondaryConn.scanRequests)

	// The first inconsistency dumps both sides' oplogs, once.
	assert.Equal(t, 1, primaryConn.oplogReads)
	assert.Equal(t, 1, secondaryConn.oplogReads)

	assert.False(t, primaryConn.frozen)
}

func TestCheckCollectionSetMismatch(t *testing.T) {
	ctx := context.Background()

	secondaryOnly := &fakeColl{
		hash: "stray-hash",
		docs: mslices.Of(docWithKey(10), docWithKey(11)),
	}

	secondaryDBs := consistentDBs()
	secondaryDBs["db1"].colls["stray"] = secondaryOnly

	nodes, primaryConn, _ := buildCluster(t, consistentDBs(), secondaryDBs)

	report, err := NewChecker(testLogger()).CheckConsistency(ctx, nodes, nil)
	require.NoError(t, err)

	assert.False(t, report.Consistent())
	require.Len(t, report.Databases, 1)

	result := report.Databases[0]
	assert.Equal(t, DatabaseCollectionSetMismatch, result.Status)
	assert.Empty(t, result.PrimaryOnlyCollections)
	assert.Equal(t, mslices.Of("stray"), result.SecondaryOnlyCollections)

	// The absent side is "entirely missing": every document of the
	// stray collection is missing on the primary.
	require.Len(t, result.Diffs, 1)
	assert.Equal(t, "db1.stray", result.Diffs[0].Namespace)
	assert.Equal(t, secondaryOnly.docs, result.Diffs[0].MissingOnPrimary)
	assert.Empty(t, result.Diffs[0].MissingOnSecondary)
	assert.Empty(t, result.Diffs[0].ContentMismatches)

	// No scan of the side that lacks the collection.
	assert.Zero(t, primaryConn.scanRequests)
}

func TestCheckCappedCollectionsSkipped(t *testing.T) {
	ctx := context.Background()

	primaryDBs := consistentDBs()
	primaryDBs["db1"].colls["events"] = &fakeColl{hash: "capped-A", capped: true}
	primaryDBs["db1"].aggregate = "agg-with-capped-A"

	secondaryDBs := consistentDBs()
	secondaryDBs["db1"].colls["events"] = &fakeColl{hash: "capped-B", capped: true}
	secondaryDBs["db1"].aggregate = "agg-with-capped-B"

	nodes, primaryConn, _ := buildCluster(t, primaryDBs, secondaryDBs)

	report, err := NewChecker(testLogger()).CheckConsistency(ctx, nodes, nil)
	require.NoError(t, err)

	// Capped collections truncate independently per node; differing
	// hashes there (and hence differing aggregates) are not failures.
	assert.True(t, report.Consistent())
	assert.Zero(t, primaryConn.scanRequests)
}

func TestCheckAggregateHashCrossCheck(t *testing.T) {
	ctx := context.Background()

	secondaryDBs := consistentDBs()
	secondaryDBs["db1"].aggregate = "agg-DIFFERENT"

	nodes, primaryConn, secondaryConn := buildCluster(t, consistentDBs(), secondaryDBs)

	report, err := NewChecker(testLogger()).CheckConsistency(ctx, nodes, nil)
	require.NoError(t, err)

	assert.False(t, report.Consistent(),
		"aggregate mismatch despite matching details is still an inconsistency")

	result := report.Databases[0]
	assert.Equal(t, DatabaseHashMismatch, result.Status)
	require.Len(t, result.HashMismatches, 1)
	assert.Equal(t, "db1 "+aggregateHashLabel, result.HashMismatches[0].Namespace)

	assert.Zero(t, primaryConn.scanRequests)
	assert.Equal(t, 1, primaryConn.oplogReads)
	assert.Equal(t, 1, secondaryConn.oplogReads)
}

func TestCheckFreezeAcquisitionFailure(t *testing.T) {
	ctx := context.Background()

	nodes, primaryConn, secondaryConn := buildCluster(t, consistentDBs(), consistentDBs())
	primaryConn.freezeErr = errors.New("injected fsync failure")

	report, err := NewChecker(testLogger()).CheckConsistency(ctx, nodes, nil)

	require.ErrorContains(t, err, "injected fsync failure")
	assert.Nil(t, report)

	// The check must not touch data before the freeze is held.
	assert.Zero(t, primaryConn.hashRequests)
	assert.Zero(t, secondaryConn.hashRequests)
}

func TestCheckReleaseFailureSurfaces(t *testing.T) {
	ctx := context.Background()

	nodes, primaryConn, _ := buildCluster(t, consistentDBs(), consistentDBs())
	primaryConn.unfreezeErr = errors.New("injected fsyncUnlock failure")

	report, err := NewChecker(testLogger()).CheckConsistency(ctx, nodes, nil)

	// Comparison succeeded, but the cluster may be left unwritable;
	// that is itself fatal, and there is no report.
	require.ErrorContains(t, err, "injected fsyncUnlock failure")
	assert.Nil(t, report)
}

func TestCheckReleaseFailureDoesNotMaskOriginalError(t *testing.T) {
	ctx := context.Background()

	nodes, primaryConn, _ := buildCluster(t, consistentDBs(), consistentDBs())
	primaryConn.hashErr = errors.New("injected dbHash failure")
	primaryConn.unfreezeErr = errors.New("injected fsyncUnlock failure")

	report, err := NewChecker(testLogger()).CheckConsistency(ctx, nodes, nil)

	require.ErrorContains(t, err, "injected dbHash failure",
		"the original error takes priority")
	assert.NotContains(t, err.Error(), "fsyncUnlock",
		"the release failure must not replace the original error")
	assert.Nil(t, report)
}

func TestCheckOplogDumpHappensOnce(t *testing.T) {
	ctx := context.Background()

	// Two inconsistent databases; the dump must still fire only once.
	primaryDBs := map[string]*fakeDB{
		"db1": {colls: map[string]*fakeColl{"a": {hash: "x1"}}},
		"db2": {colls: map[string]*fakeColl{"b": {hash: "y1"}}},
	}
	secondaryDBs := map[string]*fakeDB{
		"db1": {colls: map[string]*fakeColl{"a": {hash: "x2"}}},
		"db2": {colls: map[string]*fakeColl{"b": {hash: "y2"}}},
	}

	nodes, primaryConn, secondaryConn := buildCluster(t, primaryDBs, secondaryDBs)

	report, err := NewChecker(testLogger()).CheckConsistency(ctx, nodes, nil)
	require.NoError(t, err)

	assert.False(t, report.Consistent())
	assert.Len(t, report.Databases, 2)

	assert.Equal(t, 1, primaryConn.oplogReads)
	assert.Equal(t, 1, secondaryConn.oplogReads)
}

func TestCheckMultipleSecondaries(t *testing.T) {
	ctx := context.Background()

	primaryNode, _ := newFakeNode("primary:27017", true, consistentDBs())
	goodNode, _ := newFakeNode("secondary1:27018", false, consistentDBs())

	laggingDBs := consistentDBs()
	laggingDBs["db1"].colls["numbers"].hash = "stale-hash"
	laggingDBs["db1"].aggregate = "stale-agg"
	badNode, _ := newFakeNode("secondary2:27019", false, laggingDBs)

	report, err := NewChecker(testLogger()).CheckConsistency(
		ctx,
		mslices.Of(primaryNode, goodNode, badNode),
		nil,
	)
	require.NoError(t, err)

	assert.False(t, report.Consistent())
	require.Len(t, report.Databases, 2, "one result per database per secondary")

	verdicts := map[string]DatabaseStatus{}
	for _, db := range report.Databases {
		verdicts[db.Secondary] = db.Status
	}

	assert.Equal(t, DatabaseConsistent, verdicts["secondary1:27018"])
	assert.Equal(t, DatabaseHashMismatch, verdicts["secondary2:27019"])
}

func TestCheckRejectsBadTopology(t *testing.T) {
	ctx := context.Background()

	primaryA, primaryAConn := newFakeNode("a:27017", true, consistentDBs())
	primaryB, _ := newFakeNode("b:27017", true, consistentDBs())
	secondary, _ := newFakeNode("c:27017", false, consistentDBs())

	c := NewChecker(testLogger())

	_, err := c.CheckConsistency(ctx, mslices.Of(primaryA, primaryB), nil)
	assert.ErrorContains(t, err, "primary")

	_, err = c.CheckConsistency(ctx, mslices.Of(secondary), nil)
	assert.ErrorContains(t, err, "no primary")

	_, err = c.CheckConsistency(ctx, mslices.Of(primaryA), nil)
	assert.ErrorContains(t, err, "no secondaries")

	// None of the rejected runs may have frozen anything.
	assert.False(t, primaryAConn.frozen)
}
