package index

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
)

// DefaultCollection is the Qdrant collection for legal document chunks.
const DefaultCollection = "legal_documents_tj"

const upsertBatchSize = 100

// Qdrant implements Index against a Qdrant server over gRPC. Record ids are
// UUIDs (a Qdrant point id must be an unsigned integer or a UUID).
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrant connects to Qdrant, verifies health with retry and ensures the
// collection exists. Fails fast when the server is unreachable so the caller
// can fall back to another backend.
func NewQdrant(host string, port int, collection string, dimension int) (*Qdrant, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	q := &Qdrant{client: client, collection: collection, dimension: dimension}

	ctx := context.Background()
	if err := q.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := q.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func (q *Qdrant) healthCheckWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		result, err := q.client.HealthCheck(ctx)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if result == nil || result.Title == "" {
			return fmt.Errorf("health check returned invalid response")
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// ensureCollection creates the collection and its payload indexes if they do
// not exist yet. Idempotent.
func (q *Qdrant) ensureCollection(ctx context.Context) error {
	collections, err := q.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("listing collections: %w", err)
	}
	for _, name := range collections {
		if name == q.collection {
			return nil
		}
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}

	// Without these indexes category filtering degrades to a full scan.
	keyword := []string{"document_type", "document_title"}
	for _, field := range keyword {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("creating index for field %s: %w", field, err)
		}
	}
	_, err = q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "document_id",
		FieldType:      qdrant.FieldType_FieldTypeInteger.Enum(),
	})
	if err != nil {
		return fmt.Errorf("creating index for field document_id: %w", err)
	}
	return nil
}

// Upsert implements Index. Points are written in batches with exponential
// backoff retry; a repeated id replaces the stored point (Qdrant upsert
// semantics).
func (q *Qdrant) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if len(rec.Vector) != q.dimension {
			return fmt.Errorf("%w: record %s has %d dimensions, expected %d",
				ErrDimensionMismatch, rec.ID, len(rec.Vector), q.dimension)
		}
	}

	for i := 0; i < len(records); i += upsertBatchSize {
		end := min(i+upsertBatchSize, len(records))
		batch := records[i:end]

		points := make([]*qdrant.PointStruct, len(batch))
		for j, rec := range batch {
			points[j] = &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(rec.ID),
				Vectors: qdrant.NewVectors(rec.Vector...),
				Payload: qdrant.NewValueMap(map[string]any{
					"content":        rec.Text,
					"document_id":    rec.Meta.DocumentID,
					"document_title": rec.Meta.DocumentTitle,
					"document_type":  rec.Meta.DocumentType,
					"chunk_index":    rec.Meta.ChunkIndex,
				}),
			}
		}
		if err := q.upsertWithRetry(ctx, points); err != nil {
			return fmt.Errorf("upserting batch %d-%d: %w", i, end, err)
		}
	}
	return nil
}

func (q *Qdrant) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Points:         points,
		})
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// Query implements Index. Qdrant scores cosine queries by similarity
// (higher is closer); results convert to distance so both backends rank the
// same way.
func (q *Qdrant) Query(ctx context.Context, vector []float32, k int, filter *Filter) ([]Result, error) {
	if len(vector) != q.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), q.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	var qf *qdrant.Filter
	if filter != nil && len(filter.DocumentTypes) > 0 {
		qf = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchKeywords("document_type", filter.DocumentTypes...),
			},
		}
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         qf,
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	results := make([]Result, 0, len(points))
	for _, point := range points {
		payload := point.Payload
		results = append(results, Result{
			ID:       point.Id.GetUuid(),
			Text:     payload["content"].GetStringValue(),
			Distance: 1 - float64(point.Score),
			Meta: Metadata{
				DocumentID:    payload["document_id"].GetIntegerValue(),
				DocumentTitle: payload["document_title"].GetStringValue(),
				DocumentType:  payload["document_type"].GetStringValue(),
				ChunkIndex:    int(payload["chunk_index"].GetIntegerValue()),
			},
		})
	}
	return results, nil
}

// Delete implements Index. Deleting unknown ids is a no-op on the server.
func (q *Qdrant) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Persist implements Index. Durability is the server's responsibility, so
// this is a no-op that only verifies the server is still there.
func (q *Qdrant) Persist(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Load implements Index: the collection is always live on the server.
func (q *Qdrant) Load(context.Context) error { return nil }

// Stats implements Index. Distinct documents are counted by scrolling the
// document_id payload field.
func (q *Qdrant) Stats(ctx context.Context) (Stats, error) {
	info, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err != nil {
		return Stats{}, fmt.Errorf("getting collection info: %w", err)
	}

	docs := make(map[int64]struct{})
	var offset *qdrant.PointId
	batch := uint32(256)
	for {
		points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Limit:          qdrant.PtrOf(batch),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayloadInclude("document_id"),
		})
		if err != nil {
			return Stats{}, fmt.Errorf("scrolling collection: %w", err)
		}
		for _, point := range points {
			docs[point.Payload["document_id"].GetIntegerValue()] = struct{}{}
		}
		if uint32(len(points)) < batch {
			break
		}
		offset = points[len(points)-1].Id
	}

	return Stats{
		TotalRecords:   int(info.GetPointsCount()),
		TotalDocuments: len(docs),
		Backend:        "qdrant",
	}, nil
}

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}
