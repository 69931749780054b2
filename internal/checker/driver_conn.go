package checker

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/10gen/replset-consistency/mbson"
)

const oplogNamespaceDB = "local"
const oplogNamespaceColl = "oplog.rs"

// DriverConn implements Conn atop a mongo-driver client connected
// directly to one member (i.e. a direct connection, not a replica set
// URI, so that secondaries answer reads themselves).
type DriverConn struct {
	client *mongo.Client
}

// Connect dials one cluster member and returns its Node.
func Connect(ctx context.Context, uri string) (*Node, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetDirect(true).
		SetReadPreference(readpref.PrimaryPreferred())

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %#q", uri)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrapf(err, "failed to reach %#q", uri)
	}

	return NewNode(ctx, uri, &DriverConn{client: client})
}

// Disconnect releases the underlying client.
func (dc *DriverConn) Disconnect(ctx context.Context) error {
	return dc.client.Disconnect(ctx)
}

func (dc *DriverConn) RunCommand(ctx context.Context, dbName string, cmd bson.D) (bson.Raw, error) {
	resp, err := dc.client.Database(dbName).RunCommand(ctx, cmd).Raw()

	return resp, errors.Wrapf(err, "failed to run %#q against database %#q", cmd[0].Key, dbName)
}

func (dc *DriverConn) ListDatabaseNames(ctx context.Context) ([]string, error) {
	names, err := dc.client.ListDatabaseNames(ctx, bson.D{})

	return names, errors.Wrap(err, "failed to list databases")
}

func (dc *DriverConn) ListCollections(ctx context.Context, dbName string) ([]CollectionDescriptor, error) {
	specs, err := dc.client.Database(dbName).ListCollectionSpecifications(ctx, bson.D{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list collections of %#q", dbName)
	}

	descriptors := make([]CollectionDescriptor, 0, len(specs))
	for _, spec := range specs {
		var capped bool
		if spec.Options != nil {
			if _, err := mbson.RawLookup(spec.Options, &capped, "capped"); err != nil {
				return nil, errors.Wrapf(err, "failed to parse options of %s.%s", dbName, spec.Name)
			}
		}

		descriptors = append(descriptors, CollectionDescriptor{
			Name:   spec.Name,
			Capped: capped,
		})
	}

	return descriptors, nil
}

func (dc *DriverConn) ScanSorted(ctx context.Context, dbName, collName, keyField string) ([]bson.Raw, error) {
	cursor, err := dc.client.Database(dbName).Collection(collName).Find(
		ctx,
		bson.D{},
		options.Find().SetSort(bson.D{{Key: keyField, Value: 1}}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sorted scan of %s.%s", dbName, collName)
	}

	var docs []bson.Raw
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrapf(err, "failed to read sorted scan of %s.%s", dbName, collName)
	}

	return docs, nil
}

func (dc *DriverConn) RecentOplogEntries(ctx context.Context, limit int64) ([]bson.Raw, error) {
	cursor, err := dc.client.Database(oplogNamespaceDB).Collection(oplogNamespaceColl).Find(
		ctx,
		bson.D{},
		options.Find().
			SetSort(bson.D{{Key: "$natural", Value: -1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open oplog cursor")
	}

	var entries []bson.Raw
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, errors.Wrap(err, "failed to read oplog entries")
	}

	return entries, nil
}
