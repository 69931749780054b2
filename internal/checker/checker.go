// Package checker verifies that every member of a replica set holds
// identical data after a quiesced point, and pinpoints exactly which
// records differ when one does not.
//
// The protocol: freeze writes on the primary, gather per-database
// content hashes from every member, compare them (cheap fast path),
// deep-diff only the collections whose hashes disagree, and release
// the freeze unconditionally.
package checker

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	"github.com/10gen/replset-consistency/internal/logger"
)

const (
	// The replica set's document identity key; every replicated
	// collection has it.
	defaultKeyField = "_id"

	// How many oplog entries to dump on the first inconsistency.
	defaultOplogDumpLimit = 100
)

// Node-private databases whose contents legitimately differ between
// members. `local` holds the oplog and other non-replicated state;
// `admin` and `config` carry per-node bookkeeping the server never
// hash-compares.
var defaultBlacklist = []string{"local", "admin", "config"}

// Checker runs consistency checks. It holds no per-run state; a single
// Checker may run any number of sequential checks.
type Checker struct {
	logger         *logger.Logger
	keyField       string
	oplogDumpLimit int64
}

// Option adjusts a Checker.
type Option func(*Checker)

// WithOplogDumpLimit overrides how many oplog entries the diagnostic
// dump reads per node.
func WithOplogDumpLimit(limit int64) Option {
	return func(c *Checker) {
		c.oplogDumpLimit = limit
	}
}

// NewChecker returns a Checker that logs through lgr.
func NewChecker(lgr *logger.Logger, opts ...Option) *Checker {
	c := &Checker{
		logger:         lgr,
		keyField:       defaultKeyField,
		oplogDumpLimit: defaultOplogDumpLimit,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CheckConsistency is the single outward entry point. It freezes
// writes on the primary, proves or disproves that every secondary
// matches the primary, and returns the full report.
//
// An inconsistent cluster is NOT an error: the report carries the
// verdict. A returned error means the checker itself could not
// complete (a node failed, or the freeze could not be taken or
// released), and in that case there is no report, partial or
// otherwise. The freeze is released on every exit path; a
// release failure only surfaces as the error when no earlier error is
// already propagating.
func (c *Checker) CheckConsistency(
	ctx context.Context,
	nodes []*Node,
	extraBlacklist []string,
) (report *ConsistencyReport, err error) {
	runID := uuid.New()

	primary, secondaries, err := splitNodes(nodes)
	if err != nil {
		return nil, errors.Wrap(err, "refusing to check an unusable topology")
	}

	blacklist := mapset.NewSet(defaultBlacklist...)
	blacklist.Append(extraBlacklist...)

	c.logger.Info().
		Str("runID", runID.String()).
		Str("primary", primary.Host).
		Int("secondaries", len(secondaries)).
		Msg("Starting consistency check.")

	handle, err := c.freezeWrites(ctx, primary)
	if err != nil {
		return nil, err
	}

	defer func() {
		err = handle.releaseOrKeepError(ctx, err)
		if err != nil {
			report = nil
		}
	}()

	dbNames, err := c.listTargetDatabases(ctx, primary, blacklist)
	if err != nil {
		return nil, err
	}

	hashesByHost, err := c.collectHashes(ctx, nodes, dbNames)
	if err != nil {
		return nil, err
	}

	report = &ConsistencyReport{
		RunID:     runID,
		Blacklist: sortedSetMembers(blacklist),
	}

	dumpLatch := &oplogDumpLatch{}

	for _, dbName := range dbNames {
		cappedCollections, err := listCappedCollections(ctx, primary, dbName)
		if err != nil {
			return nil, err
		}

		for _, secondary := range secondaries {
			result, err := c.evaluateDatabase(
				ctx,
				primary,
				secondary,
				hashesByHost[primary.Host][dbName],
				hashesByHost[secondary.Host][dbName],
				cappedCollections,
				dumpLatch,
			)
			if err != nil {
				return nil, err
			}

			report.Databases = append(report.Databases, result)
		}
	}

	c.logger.Info().
		Str("runID", runID.String()).
		Bool("consistent", report.Consistent()).
		Int("databases", len(dbNames)).
		Msg("Consistency check finished.")

	return report, nil
}

// listTargetDatabases enumerates the databases to compare: the set the
// primary knows of, minus the blacklist. A database the primary lacks
// entirely is invisible to the check; one the secondary lacks hashes to
// an empty collection map there and so fails as a collection-set
// mismatch.
func (c *Checker) listTargetDatabases(
	ctx context.Context,
	primary *Node,
	blacklist mapset.Set[string],
) ([]string, error) {
	allNames, err := primary.conn.ListDatabaseNames(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list databases on %#q", primary.Host)
	}

	names := lo.Filter(allNames, func(name string, _ int) bool {
		return !blacklist.Contains(name)
	})
	slices.Sort(names)

	c.logger.Debug().
		Strs("databases", names).
		Msg("Databases to compare.")

	return names, nil
}

// listCappedCollections returns the names of dbName's capped
// collections per the primary. One read per database; the freeze
// guarantees the answer cannot change mid-run.
func listCappedCollections(
	ctx context.Context,
	primary *Node,
	dbName string,
) (mapset.Set[string], error) {
	descriptors, err := primary.conn.ListCollections(ctx, dbName)
	if err != nil {
		return nil, errors.Wrapf(
			err,
			"failed to list %#q's collections on %#q",
			dbName,
			primary.Host,
		)
	}

	capped := mapset.NewSet[string]()
	for _, descriptor := range descriptors {
		if descriptor.Capped {
			capped.Add(descriptor.Name)
		}
	}

	return capped, nil
}
