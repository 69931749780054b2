package checker

import (
	"context"

	"github.com/pkg/errors"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/10gen/replset-consistency/mbson"
)

// DatabaseHashReport is one node's content-hash snapshot of one
// database, as returned by the server's dbHash command. Its collection
// map is the node's authoritative collection membership for the report:
// membership and hashes come from the same server response, so they
// cannot race against each other.
type DatabaseHashReport struct {
	Database string

	// Collection name → content hash.
	Collections map[string]string

	// Hash over the whole database. Absent on servers too old to
	// report one.
	Aggregate mo.Option[string]
}

// nodeHashes maps database name → that database's hash report for one
// node.
type nodeHashes map[string]DatabaseHashReport

// collectHashes requests a DatabaseHashReport from every node for every
// named database. The per-node requests run in parallel: under the
// write freeze the data is immobile, so ordering between nodes carries
// no correctness weight.
//
// Any single failure is fatal for the whole run. An unreachable node
// cannot be proven consistent, and there is no partial-success mode.
func (c *Checker) collectHashes(
	ctx context.Context,
	nodes []*Node,
	dbNames []string,
) (map[string]nodeHashes, error) {
	hashesByHost := make(map[string]nodeHashes, len(nodes))
	for _, node := range nodes {
		hashesByHost[node.Host] = make(nodeHashes, len(dbNames))
	}

	eg, egCtx := errgroup.WithContext(ctx)

	for _, node := range nodes {
		eg.Go(func() error {
			for _, dbName := range dbNames {
				report, err := requestHash(egCtx, node, dbName)
				if err != nil {
					return err
				}

				// Each goroutine writes only its own node's map.
				hashesByHost[node.Host][dbName] = report
			}

			c.logger.Debug().
				Str("node", node.Host).
				Int("databases", len(dbNames)).
				Msg("Collected database hashes.")

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, errors.Wrap(err, "failed to collect database hashes")
	}

	return hashesByHost, nil
}

// requestHash runs dbHash on one node and parses the reply.
func requestHash(ctx context.Context, node *Node, dbName string) (DatabaseHashReport, error) {
	resp, err := node.conn.RunCommand(ctx, dbName, bson.D{{Key: "dbHash", Value: 1}})
	if err != nil {
		return DatabaseHashReport{}, errors.Wrapf(
			err,
			"failed to hash database %#q on %#q",
			dbName,
			node.Host,
		)
	}

	return parseHashReport(resp, dbName, node.Host)
}

func parseHashReport(resp bson.Raw, dbName, host string) (DatabaseHashReport, error) {
	collections := map[string]string{}
	found, err := mbson.RawLookup(resp, &collections, "collections")
	if err != nil {
		return DatabaseHashReport{}, errors.Wrapf(
			err,
			"malformed dbHash reply for %#q from %#q",
			dbName,
			host,
		)
	}
	if !found {
		return DatabaseHashReport{}, errors.Errorf(
			"dbHash reply for %#q from %#q lacks a collections map",
			dbName,
			host,
		)
	}

	report := DatabaseHashReport{
		Database:    dbName,
		Collections: collections,
	}

	var aggregate string
	found, err = mbson.RawLookup(resp, &aggregate, "md5")
	if err != nil {
		return DatabaseHashReport{}, errors.Wrapf(
			err,
			"malformed dbHash reply for %#q from %#q: bad aggregate hash",
			dbName,
			host,
		)
	}
	if found {
		report.Aggregate = mo.Some(aggregate)
	}

	return report, nil
}
