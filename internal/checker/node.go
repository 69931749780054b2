package checker

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/10gen/replset-consistency/mbson"
)

// NodeRole tags a cluster member as the write-accepting primary or a
// replicating secondary. Only the primary may be frozen; only the
// primary's database list drives the check.
type NodeRole string

const (
	RolePrimary   NodeRole = "primary"
	RoleSecondary NodeRole = "secondary"
)

// Node is one addressable replica set member. The checker only borrows
// it for the duration of a single run; it owns no process lifecycle.
type Node struct {
	Host string
	Role NodeRole
	conn Conn
}

// NewNode wraps a connection with the member's detected role.
func NewNode(ctx context.Context, host string, conn Conn) (*Node, error) {
	role, err := detectRole(ctx, conn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to determine role of %#q", host)
	}

	return &Node{
		Host: host,
		Role: role,
		conn: conn,
	}, nil
}

// IsPrimary reports whether the node was the primary at connect time.
func (n *Node) IsPrimary() bool {
	return n.Role == RolePrimary
}

// Close tears down the node's connection, if it owns one.
func (n *Node) Close(ctx context.Context) error {
	if dc, ok := n.conn.(*DriverConn); ok {
		return dc.Disconnect(ctx)
	}

	return nil
}

// Conn is the transport this subsystem needs from one cluster member.
// The production implementation wraps a mongo-driver client; tests
// substitute an in-memory cluster.
type Conn interface {
	// RunCommand runs a database command and returns the raw reply.
	RunCommand(ctx context.Context, dbName string, cmd bson.D) (bson.Raw, error)

	// ListDatabaseNames enumerates the databases the node knows of.
	ListDatabaseNames(ctx context.Context) ([]string, error)

	// ListCollections describes the collections of one database.
	ListCollections(ctx context.Context, dbName string) ([]CollectionDescriptor, error)

	// ScanSorted returns every document of the collection, ascending
	// by keyField under the server's canonical ordering.
	ScanSorted(ctx context.Context, dbName, collName, keyField string) ([]bson.Raw, error)

	// RecentOplogEntries returns up to limit change-history entries,
	// most recent first.
	RecentOplogEntries(ctx context.Context, limit int64) ([]bson.Raw, error)
}

// CollectionDescriptor identifies one collection and whether it is
// capped. Capped collections truncate their oldest entries per node,
// so their hashes are never compared strictly.
type CollectionDescriptor struct {
	Name   string
	Capped bool
}

// detectRole asks the server who it is. Modern servers answer `hello`;
// we fall back to the legacy `isMaster` for anything too old.
func detectRole(ctx context.Context, conn Conn) (NodeRole, error) {
	for _, cmdName := range []string{"hello", "isMaster"} {
		resp, err := conn.RunCommand(ctx, "admin", bson.D{{Key: cmdName, Value: 1}})
		if err != nil {
			continue
		}

		return parseRole(resp, cmdName)
	}

	return "", errors.Errorf("node answered neither %#q nor %#q", "hello", "isMaster")
}

func parseRole(resp bson.Raw, cmdName string) (NodeRole, error) {
	primaryField := "isWritablePrimary"
	if cmdName == "isMaster" {
		primaryField = "ismaster"
	}

	var isPrimary bool
	if _, err := mbson.RawLookup(resp, &isPrimary, primaryField); err != nil {
		return "", errors.Wrapf(err, "failed to parse %#q reply", cmdName)
	}

	if isPrimary {
		return RolePrimary, nil
	}

	var isSecondary bool
	if _, err := mbson.RawLookup(resp, &isSecondary, "secondary"); err != nil {
		return "", errors.Wrapf(err, "failed to parse %#q reply", cmdName)
	}

	if isSecondary {
		return RoleSecondary, nil
	}

	return "", errors.Errorf("node is neither primary nor secondary (%s)", resp)
}

// splitNodes validates the run's topology: exactly one primary and at
// least one secondary. Anything else means the caller handed us a
// cluster we cannot compare safely.
func splitNodes(nodes []*Node) (*Node, []*Node, error) {
	var primary *Node
	var secondaries []*Node

	for _, node := range nodes {
		if node.IsPrimary() {
			if primary != nil {
				return nil, nil, errors.Errorf(
					"both %#q and %#q claim to be primary",
					primary.Host,
					node.Host,
				)
			}
			primary = node
		} else {
			secondaries = append(secondaries, node)
		}
	}

	if primary == nil {
		return nil, nil, errors.New("no primary among the given nodes")
	}
	if len(secondaries) == 0 {
		return nil, nil, errors.New("no secondaries to compare against")
	}

	return primary, secondaries, nil
}
