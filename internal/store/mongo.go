package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"guata-knowledge-pipeline/internal/ai"
	"guata-knowledge-pipeline/models"
)

// candidateLimit caps how many chunks a similarity search scans per
// tenant. Cosine is computed in-process, so the candidate set must
// stay bounded.
const candidateLimit = 2000

// MongoStore persists documents, chunks and runs in MongoDB.
// Collections: documents, document_chunks, ingestion_runs.
type MongoStore struct {
	db  *mongo.Database
	dim int
}

func NewMongoStore(db *mongo.Database, dim int) *MongoStore {
	return &MongoStore{db: db, dim: dim}
}

func (s *MongoStore) documents() *mongo.Collection {
	return s.db.Collection("documents")
}

func (s *MongoStore) chunks() *mongo.Collection {
	return s.db.Collection("document_chunks")
}

func (s *MongoStore) runs() *mongo.Collection {
	return s.db.Collection("ingestion_runs")
}

func (s *MongoStore) UpsertDocument(ctx context.Context, doc models.Document) (string, error) {
	filter := bson.M{"tenant": doc.Tenant, "url": doc.URL}
	update := bson.M{"$set": bson.M{
		"tenant":          doc.Tenant,
		"url":             doc.URL,
		"title":           doc.Title,
		"content_hash":    doc.ContentHash,
		"chunk_count":     doc.ChunkCount,
		"trust_tier":      doc.Tier,
		"last_fetched_at": doc.FetchedAt,
	}}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.Before).
		SetProjection(bson.M{"content_hash": 1})

	var previous struct {
		ContentHash string `bson:"content_hash"`
	}
	err := s.documents().FindOneAndUpdate(ctx, filter, update, opts).Decode(&previous)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// First time this URL was seen
			return "", nil
		}
		return "", fmt.Errorf("upserting document %s: %w", doc.URL, err)
	}
	return previous.ContentHash, nil
}

func (s *MongoStore) UpsertChunks(ctx context.Context, chunks []models.ChunkRecord) (UpsertCounts, error) {
	if len(chunks) == 0 {
		return UpsertCounts{}, nil
	}

	// Validate the whole batch before writing anything
	for _, c := range chunks {
		if len(c.Vector) != s.dim {
			return UpsertCounts{}, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, s.dim, len(c.Vector))
		}
	}

	batch := make([]mongo.WriteModel, 0, len(chunks))
	for _, c := range chunks {
		batch = append(batch, mongo.NewUpdateOneModel().
			SetFilter(bson.M{
				"tenant":       c.Tenant,
				"content_hash": c.ContentHash,
				"chunk_index":  c.ChunkIndex,
			}).
			SetUpdate(bson.M{"$set": c}).
			SetUpsert(true))
	}

	result, err := s.chunks().BulkWrite(ctx, batch, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return UpsertCounts{}, fmt.Errorf("bulk upserting %d chunks: %w", len(chunks), err)
	}

	upserted := int(result.UpsertedCount + result.ModifiedCount)
	return UpsertCounts{
		Upserted:  upserted,
		Unchanged: len(chunks) - upserted,
	}, nil
}

func (s *MongoStore) DeleteChunksByHash(ctx context.Context, tenant, contentHash string, keepIndices ...int) (int64, error) {
	filter := bson.M{
		"tenant":       tenant,
		"content_hash": contentHash,
	}
	if len(keepIndices) > 0 {
		filter["chunk_index"] = bson.M{"$nin": keepIndices}
	}

	result, err := s.chunks().DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks for hash %s: %w", contentHash, err)
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) ChunkCountByHash(ctx context.Context, tenant, contentHash string) (int64, error) {
	return s.chunks().CountDocuments(ctx, bson.M{
		"tenant":       tenant,
		"content_hash": contentHash,
	})
}

func (s *MongoStore) SimilaritySearch(ctx context.Context, tenant string, vector []float32, k int) ([]models.ScoredChunk, error) {
	if len(vector) != s.dim {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, s.dim, len(vector))
	}

	opts := options.Find().SetLimit(candidateLimit)
	cursor, err := s.chunks().Find(ctx, bson.M{
		"tenant": tenant,
		"vector": bson.M{"$ne": nil},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("loading chunk candidates: %w", err)
	}
	defer cursor.Close(ctx)

	var results []models.ScoredChunk
	for cursor.Next(ctx) {
		var c models.ChunkRecord
		if err := cursor.Decode(&c); err != nil {
			return nil, fmt.Errorf("decoding chunk: %w", err)
		}
		results = append(results, models.ScoredChunk{
			Chunk:      c,
			Similarity: ai.CosineSimilarity(vector, c.Vector),
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *MongoStore) NewestDocument(ctx context.Context, tenant string) (time.Time, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "last_fetched_at", Value: -1}}).
		SetProjection(bson.M{"last_fetched_at": 1})

	var doc struct {
		FetchedAt time.Time `bson:"last_fetched_at"`
	}
	err := s.documents().FindOne(ctx, bson.M{"tenant": tenant}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return doc.FetchedAt, nil
}

func (s *MongoStore) DeleteStaleDocuments(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	filter := bson.M{"tenant": tenant, "last_fetched_at": bson.M{"$lt": cutoff}}

	cursor, err := s.documents().Find(ctx, filter, options.Find().SetProjection(bson.M{"content_hash": 1}))
	if err != nil {
		return 0, fmt.Errorf("finding stale documents: %w", err)
	}

	var hashes []string
	for cursor.Next(ctx) {
		var doc struct {
			ContentHash string `bson:"content_hash"`
		}
		if err := cursor.Decode(&doc); err != nil {
			cursor.Close(ctx)
			return 0, err
		}
		hashes = append(hashes, doc.ContentHash)
	}
	cursor.Close(ctx)
	if err := cursor.Err(); err != nil {
		return 0, err
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	if _, err := s.chunks().DeleteMany(ctx, bson.M{
		"tenant":       tenant,
		"content_hash": bson.M{"$in": hashes},
	}); err != nil {
		return 0, fmt.Errorf("deleting stale chunks: %w", err)
	}

	result, err := s.documents().DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("deleting stale documents: %w", err)
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) CreateRun(ctx context.Context, run *models.IngestionRun) error {
	_, err := s.runs().InsertOne(ctx, run)
	if err != nil {
		return fmt.Errorf("creating ingestion run: %w", err)
	}
	return nil
}

func (s *MongoStore) UpdateRun(ctx context.Context, run *models.IngestionRun) error {
	result, err := s.runs().ReplaceOne(ctx, bson.M{"_id": run.ID}, run)
	if err != nil {
		return fmt.Errorf("updating ingestion run %s: %w", run.ID, err)
	}
	if result.MatchedCount == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *MongoStore) GetRun(ctx context.Context, id string) (*models.IngestionRun, error) {
	var run models.IngestionRun
	err := s.runs().FindOne(ctx, bson.M{"_id": id}).Decode(&run)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (s *MongoStore) ActiveRun(ctx context.Context, tenant string) (*models.IngestionRun, error) {
	filter := bson.M{
		"tenant": tenant,
		"status": bson.M{"$in": []string{
			models.RunStatusPending,
			models.RunStatusDiscovering,
			models.RunStatusExtracting,
			models.RunStatusIndexing,
		}},
	}

	var run models.IngestionRun
	err := s.runs().FindOne(ctx, filter).Decode(&run)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}
