package unit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/reloquent/tableshift/internal/catalog"
	"github.com/reloquent/tableshift/internal/fault"
	"github.com/reloquent/tableshift/internal/slots"
)

// MongoLoader inserts unloaded CSV rows into MongoDB, one collection per
// table. The header line names the document fields. The client is shared by
// all slots; the driver pools connections itself.
type MongoLoader struct {
	client    *mongo.Client
	database  string
	batchSize int
}

// NewMongoLoader connects to the target and verifies it answers.
func NewMongoLoader(ctx context.Context, connectionString, database string, batchSize int) (*MongoLoader, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &MongoLoader{client: client, database: database, batchSize: batchSize}, nil
}

// Close disconnects the client.
func (m *MongoLoader) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Collection is the collection a table is loaded into.
func Collection(it catalog.WorkItem) string {
	return it.Owner() + "_" + it.Name()
}

func (m *MongoLoader) classify(slot slots.ConnectionSlot, it catalog.WorkItem, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return &fault.ConnectivityError{Slot: slot.Descriptor(), Err: err}
	}
	return classify(slot, it, err)
}

// RowCount implements Loader.
func (m *MongoLoader) RowCount(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem) (uint64, error) {
	n, err := m.client.Database(m.database).Collection(Collection(it)).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, m.classify(slot, it, fmt.Errorf("counting %s: %w", it.Key, err))
	}
	return uint64(n), nil
}

// Load implements Loader. A partial collection from an earlier attempt is
// emptied before the reload.
func (m *MongoLoader) Load(ctx context.Context, slot slots.ConnectionSlot, it catalog.WorkItem, dir string, alreadyProcessed bool) (Result, error) {
	coll := m.client.Database(m.database).Collection(Collection(it))

	if alreadyProcessed {
		done, n, err := alreadyLoaded(ctx, m, slot, it)
		if err != nil {
			return Result{}, err
		}
		if done {
			return Result{Rows: n, Skipped: true}, nil
		}
		if _, err := coll.DeleteMany(ctx, bson.D{}); err != nil {
			return Result{}, m.classify(slot, it, fmt.Errorf("clearing %s: %w", it.Key, err))
		}
	}

	files, err := DataFiles(dir)
	if err != nil {
		return Result{}, classify(slot, it, err)
	}
	if len(files) == 0 {
		return Result{}, classify(slot, it, fmt.Errorf("no data files for %s in %s", it.Key, dir))
	}

	var rows uint64
	for _, path := range files {
		n, err := m.insertFile(ctx, coll, path)
		rows += n
		if err != nil {
			return Result{}, m.classify(slot, it, fmt.Errorf("loading %s: %w", it.Key, err))
		}
	}
	return Result{Rows: rows}, nil
}

func (m *MongoLoader) insertFile(ctx context.Context, coll *mongo.Collection, path string) (uint64, error) {
	r, closeFn, err := openData(path)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading header of %s: %w", path, err)
	}
	cr.FieldsPerRecord = len(header)

	var rows uint64
	docs := make([]bson.D, 0, m.batchSize)
	flush := func() error {
		if len(docs) == 0 {
			return nil
		}
		res, err := coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
		if res != nil {
			rows += uint64(len(res.InsertedIDs))
		}
		docs = docs[:0]
		return err
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("reading %s: %w", path, err)
		}
		doc := make(bson.D, 0, len(header))
		for i, field := range header {
			doc = append(doc, bson.E{Key: field, Value: rec[i]})
		}
		docs = append(docs, doc)
		if len(docs) == m.batchSize {
			if err := flush(); err != nil {
				return rows, err
			}
		}
	}
	return rows, flush()
}
