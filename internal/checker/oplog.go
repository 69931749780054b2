package checker

import (
	"context"

	"github.com/pkg/errors"
)

// oplogDumpLatch bounds diagnostic output: however many mismatches a
// run finds, only the first one dumps oplog history. The latch is
// request-scoped state, created per check run and passed down the
// report-generation path.
type oplogDumpLatch struct {
	fired bool
}

// noteInconsistency dumps the primary's and the affected secondary's
// recent oplog entries the first time it is called in a run.
func (latch *oplogDumpLatch) noteInconsistency(
	ctx context.Context,
	c *Checker,
	primary, secondary *Node,
) error {
	if latch.fired {
		return nil
	}
	latch.fired = true

	for _, node := range []*Node{primary, secondary} {
		if err := c.dumpRecentOplog(ctx, node); err != nil {
			return err
		}
	}

	return nil
}

// dumpRecentOplog logs a node's most recent change-history entries,
// most recent first, to aid debugging of whatever diverged.
func (c *Checker) dumpRecentOplog(ctx context.Context, node *Node) error {
	entries, err := node.conn.RecentOplogEntries(ctx, c.oplogDumpLimit)
	if err != nil {
		return errors.Wrapf(err, "failed to read recent oplog entries from %#q", node.Host)
	}

	c.logger.Info().
		Str("node", node.Host).
		Str("role", string(node.Role)).
		Int("entries", len(entries)).
		Msg("Dumping recent oplog entries around first inconsistency.")

	for i, entry := range entries {
		c.logger.Info().
			Str("node", node.Host).
			Int("index", i).
			Str("entry", mustExtJSON(entry)).
			Msg("Oplog entry.")
	}

	return nil
}
