package checker

import (
	"context"
	"io"
	"sort"

	clone "github.com/huandu/go-clone/generic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/10gen/replset-consistency/internal/logger"
)

// The fakes below stand in for a replica set so that unit tests can
// exercise the whole check protocol without a mongod.

type fakeColl struct {
	hash   string
	capped bool

	// Ascending by _id, as a real sorted scan would return them.
	docs []bson.Raw
}

type fakeDB struct {
	// "" means the node reports no aggregate hash (old server).
	aggregate string

	colls map[string]*fakeColl
}

type fakeConn struct {
	host    string
	primary bool
	dbs     map[string]*fakeDB
	oplog   []bson.Raw

	freezeErr   error
	unfreezeErr error
	hashErr     error

	frozen       bool
	hashRequests int
	scanRequests int
	oplogReads   int
}

func (fc *fakeConn) RunCommand(_ context.Context, dbName string, cmd bson.D) (bson.Raw, error) {
	switch cmd[0].Key {
	case "hello", "isMaster":
		return mustRawDoc(bson.D{
			{Key: "isWritablePrimary", Value: fc.primary},
			{Key: "ismaster", Value: fc.primary},
			{Key: "secondary", Value: !fc.primary},
			{Key: "ok", Value: 1},
		}), nil

	case "fsync":
		if fc.freezeErr != nil {
			return nil, fc.freezeErr
		}
		fc.frozen = true
		return mustRawDoc(bson.D{{Key: "ok", Value: 1}}), nil

	case "fsyncUnlock":
		if fc.unfreezeErr != nil {
			return nil, fc.unfreezeErr
		}
		fc.frozen = false
		return mustRawDoc(bson.D{{Key: "ok", Value: 1}}), nil

	case "dbHash":
		if fc.hashErr != nil {
			return nil, fc.hashErr
		}
		fc.hashRequests++
		return fc.dbHashReply(dbName), nil
	}

	return nil, errors.Errorf("fake node %#q got unexpected command %#q", fc.host, cmd[0].Key)
}

// dbHashReply mimics the server: a database the node lacks hashes to an
// empty collections map.
func (fc *fakeConn) dbHashReply(dbName string) bson.Raw {
	collsDoc := bson.D{}
	aggregate := ""

	if db, exists := fc.dbs[dbName]; exists {
		aggregate = db.aggregate

		names := make([]string, 0, len(db.colls))
		for name := range db.colls {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			collsDoc = append(collsDoc, bson.E{Key: name, Value: db.colls[name].hash})
		}
	}

	reply := bson.D{{Key: "collections", Value: collsDoc}}
	if aggregate != "" {
		reply = append(reply, bson.E{Key: "md5", Value: aggregate})
	}
	reply = append(reply, bson.E{Key: "ok", Value: 1})

	return mustRawDoc(reply)
}

func (fc *fakeConn) ListDatabaseNames(_ context.Context) ([]string, error) {
	names := []string{"local", "admin", "config"}
	for name := range fc.dbs {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (fc *fakeConn) ListCollections(_ context.Context, dbName string) ([]CollectionDescriptor, error) {
	db, exists := fc.dbs[dbName]
	if !exists {
		return nil, nil
	}

	var descriptors []CollectionDescriptor
	for name, coll := range db.colls {
		descriptors = append(descriptors, CollectionDescriptor{
			Name:   name,
			Capped: coll.capped,
		})
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})

	return descriptors, nil
}

func (fc *fakeConn) ScanSorted(_ context.Context, dbName, collName, _ string) ([]bson.Raw, error) {
	fc.scanRequests++

	db, exists := fc.dbs[dbName]
	if !exists {
		return nil, nil
	}
	coll, exists := db.colls[collName]
	if !exists {
		return nil, nil
	}

	// Detached copies, as a real cursor would hand out.
	return clone.Clone(coll.docs), nil
}

func (fc *fakeConn) RecentOplogEntries(_ context.Context, limit int64) ([]bson.Raw, error) {
	fc.oplogReads++

	entries := fc.oplog
	if int64(len(entries)) > limit {
		entries = entries[:limit]
	}

	return clone.Clone(entries), nil
}

func newFakeNode(host string, primary bool, dbs map[string]*fakeDB) (*Node, *fakeConn) {
	conn := &fakeConn{
		host:    host,
		primary: primary,
		dbs:     dbs,
		oplog: []bson.Raw{
			mustRawDoc(bson.D{{Key: "op", Value: "i"}, {Key: "ns", Value: "db1.numbers"}}),
			mustRawDoc(bson.D{{Key: "op", Value: "u"}, {Key: "ns", Value: "db1.numbers"}}),
		},
	}

	node, err := NewNode(context.Background(), host, conn)
	if err != nil {
		panic(err)
	}

	return node, conn
}

func testLogger() *logger.Logger {
	zl := zerolog.New(io.Discard)

	return logger.NewLogger(&zl, io.Discard)
}

func mustRawDoc(d bson.D) bson.Raw {
	raw, err := bson.Marshal(d)
	if err != nil {
		panic(err)
	}

	return raw
}

func mustRawValue(thing any) bson.RawValue {
	t, val, err := bson.MarshalValue(thing)
	if err != nil {
		panic(err)
	}

	return bson.RawValue{Type: t, Value: val}
}
