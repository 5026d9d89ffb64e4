package vector

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/hubenschmidt/go-ragstream/core"
)

// EmbeddingPath is the document field holding the vector.
const EmbeddingPath = "embedding"

type mongoRecord struct {
	ID         string         `bson:"_id"`
	DocumentID string         `bson:"document_id"`
	Seq        int            `bson:"seq"`
	Text       string         `bson:"text"`
	Embedding  []float64      `bson:"embedding"`
	Metadata   map[string]any `bson:"metadata,omitempty"`
}

type mongoHit struct {
	ID       string         `bson:"_id"`
	Text     string         `bson:"text"`
	Metadata map[string]any `bson:"metadata"`
	Score    float64        `bson:"score"`
}

// MongoGateway runs Atlas $vectorSearch against one database.
type MongoGateway struct {
	client *mongo.Client
	db     *mongo.Database
	index  string
}

func NewMongoGateway(ctx context.Context, uri, database, index string) (*MongoGateway, error) {
	if database == "" {
		return nil, fmt.Errorf("%w: mongo database name is required", core.ErrInvalidConfig)
	}
	if index == "" {
		index = "vector_index"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, core.Wrap(core.ErrServiceUnavailable, "mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, core.Wrap(core.ErrServiceUnavailable, "mongo ping: %w", err)
	}

	return &MongoGateway{
		client: client,
		db:     client.Database(database),
		index:  index,
	}, nil
}

func (g *MongoGateway) ReplaceAll(ctx context.Context, collection string, chunks []core.Chunk) error {
	if _, err := checkEmbeddings(chunks); err != nil {
		return err
	}

	coll := g.db.Collection(collection)
	if _, err := coll.DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("clear collection: %w", err)
	}
	if len(chunks) == 0 {
		// DeleteMany never creates a collection; an empty index still must.
		return g.ensureCollection(ctx, collection)
	}

	docs := make([]any, len(chunks))
	for i, c := range chunks {
		docs[i] = mongoRecord{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			Seq:        i,
			Text:       c.Text,
			Embedding:  c.Embedding,
			Metadata:   c.Metadata,
		}
	}

	// The collection is already empty here; a failure leaves it that way.
	if _, err := coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	return nil
}

func (g *MongoGateway) Query(ctx context.Context, collection string, vec []float64, k, candidates int) ([]core.SearchResult, error) {
	if err := checkQuery(k, vec); err != nil {
		return nil, err
	}
	empty, err := g.checkCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if empty {
		return []core.SearchResult{}, nil
	}

	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: bson.M{
			"index":         g.index,
			"path":          EmbeddingPath,
			"queryVector":   vec,
			"numCandidates": poolSize(k, candidates),
			"limit":         k,
		}}},
		{{Key: "$project", Value: bson.M{
			"_id":      1,
			"text":     1,
			"metadata": 1,
			"score":    bson.M{"$meta": "vectorSearchScore"},
		}}},
	}

	cur, err := g.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	var hits []mongoHit
	if err := cur.All(ctx, &hits); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}

	results := make([]core.SearchResult, len(hits))
	for i, h := range hits {
		results[i] = core.SearchResult{ID: h.ID, Text: h.Text, Score: h.Score, Metadata: h.Metadata}
	}
	return results, nil
}

func (g *MongoGateway) exists(ctx context.Context, collection string) (bool, error) {
	names, err := g.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: collection}})
	if err != nil {
		return false, fmt.Errorf("list collections: %w", err)
	}
	return len(names) > 0, nil
}

func (g *MongoGateway) ensureCollection(ctx context.Context, collection string) error {
	ok, err := g.exists(ctx, collection)
	if err != nil || ok {
		return err
	}
	if err := g.db.CreateCollection(ctx, collection); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// checkCollection reports whether the collection is empty. Each lookup only
// runs when the previous one leaves the answer open.
func (g *MongoGateway) checkCollection(ctx context.Context, collection string) (bool, error) {
	exists, err := g.exists(ctx, collection)
	if err != nil {
		return false, err
	}

	var docs int64
	if exists {
		if docs, err = g.db.Collection(collection).CountDocuments(ctx, bson.D{}); err != nil {
			return false, fmt.Errorf("count: %w", err)
		}
	}

	indexed := false
	if exists && docs > 0 {
		if indexed, err = g.hasSearchIndex(ctx, collection); err != nil {
			return false, err
		}
	}
	return collectionStatus(collection, g.index, exists, docs, indexed)
}

func (g *MongoGateway) hasSearchIndex(ctx context.Context, collection string) (bool, error) {
	cur, err := g.db.Collection(collection).SearchIndexes().List(ctx, options.SearchIndexes().SetName(g.index))
	if err != nil {
		return false, fmt.Errorf("list search indexes: %w", err)
	}
	defer cur.Close(ctx)

	if cur.Next(ctx) {
		return true, nil
	}
	if err := cur.Err(); err != nil {
		return false, fmt.Errorf("list search indexes: %w", err)
	}
	return false, nil
}

// collectionStatus decides how a query treats a collection. A missing
// collection fails, an empty one yields no results, and a populated one
// needs its search index (Atlas returns no rows without it).
func collectionStatus(collection, index string, exists bool, docs int64, indexed bool) (empty bool, err error) {
	switch {
	case !exists:
		return false, fmt.Errorf("%w: %s", core.ErrCollectionNotFound, collection)
	case docs == 0:
		return true, nil
	case !indexed:
		return false, fmt.Errorf("%w: search index %s missing on %s", core.ErrCollectionNotFound, index, collection)
	}
	return false, nil
}

func (g *MongoGateway) Count(ctx context.Context, collection string) (int, error) {
	n, err := g.db.Collection(collection).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return int(n), nil
}

func (g *MongoGateway) Close() error {
	return g.client.Disconnect(context.Background())
}
