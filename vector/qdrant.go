package vector

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/hubenschmidt/go-ragstream/core"
)

const qdrantUpsertBatch = 256

// QdrantGateway maps each collection onto a Qdrant collection with cosine
// distance. Chunk IDs must be UUIDs.
type QdrantGateway struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
}

func NewQdrantGateway(addr string) (*QdrantGateway, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &QdrantGateway{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

// ReplaceAll creates the collection on first use. With no chunks and no
// existing collection nothing is created.
func (g *QdrantGateway) ReplaceAll(ctx context.Context, collection string, chunks []core.Chunk) error {
	dim, err := checkEmbeddings(chunks)
	if err != nil {
		return err
	}

	exists, err := g.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: collection})
	if err != nil {
		return mapGRPCError(err, collection)
	}

	wait := true
	switch {
	case exists.GetResult().GetExists():
		_, err = g.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: collection,
			Wait:           &wait,
			Points: &pb.PointsSelector{
				PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: &pb.Filter{}},
			},
		})
		if err != nil {
			return fmt.Errorf("clear collection: %w", err)
		}
	case dim > 0:
		_, err = g.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: collection,
			VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(dim), Distance: pb.Distance_Cosine},
			}},
		})
		if err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}

	for start := 0; start < len(chunks); start += qdrantUpsertBatch {
		end := min(start+qdrantUpsertBatch, len(chunks))
		points := make([]*pb.PointStruct, 0, end-start)
		for i, c := range chunks[start:end] {
			points = append(points, toPoint(c, start+i))
		}
		if _, err := g.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: collection,
			Wait:           &wait,
			Points:         points,
		}); err != nil {
			return fmt.Errorf("upsert points: %w", err)
		}
	}
	return nil
}

func toPoint(c core.Chunk, seq int) *pb.PointStruct {
	payload := map[string]*pb.Value{
		"text":        {Kind: &pb.Value_StringValue{StringValue: c.Text}},
		"document_id": {Kind: &pb.Value_StringValue{StringValue: c.DocumentID}},
		"seq":         {Kind: &pb.Value_IntegerValue{IntegerValue: int64(seq)}},
	}
	for k, v := range c.Metadata {
		if _, reserved := payload[k]; !reserved {
			payload[k] = toValue(v)
		}
	}
	return &pb.PointStruct{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: c.ID}},
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: toFloat32(c.Embedding)}}},
		Payload: payload,
	}
}

func toValue(v any) *pb.Value {
	switch x := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: x}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: x}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(x)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: x}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: x}}
	}
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(v)}}
}

func fromValue(v *pb.Value) any {
	switch x := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return x.StringValue
	case *pb.Value_BoolValue:
		return x.BoolValue
	case *pb.Value_IntegerValue:
		return x.IntegerValue
	case *pb.Value_DoubleValue:
		return x.DoubleValue
	}
	return nil
}

func (g *QdrantGateway) Query(ctx context.Context, collection string, vec []float64, k, candidates int) ([]core.SearchResult, error) {
	if err := checkQuery(k, vec); err != nil {
		return nil, err
	}

	ef := uint64(poolSize(k, candidates))
	resp, err := g.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         toFloat32(vec),
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Params:         &pb.SearchParams{HnswEf: &ef},
	})
	if err != nil {
		return nil, mapGRPCError(err, collection)
	}

	results := make([]core.SearchResult, len(resp.GetResult()))
	for i, pt := range resp.GetResult() {
		meta := make(map[string]any)
		text := ""
		for k, v := range pt.GetPayload() {
			if k == "text" {
				text = v.GetStringValue()
				continue
			}
			meta[k] = fromValue(v)
		}
		results[i] = core.SearchResult{
			ID:       pt.GetId().GetUuid(),
			Text:     text,
			Score:    float64(pt.GetScore()),
			Metadata: meta,
		}
	}
	return results, nil
}

func (g *QdrantGateway) Count(ctx context.Context, collection string) (int, error) {
	exact := true
	resp, err := g.points.Count(ctx, &pb.CountPoints{CollectionName: collection, Exact: &exact})
	if err != nil {
		return 0, mapGRPCError(err, collection)
	}
	return int(resp.GetResult().GetCount()), nil
}

func (g *QdrantGateway) Close() error {
	return g.conn.Close()
}

func mapGRPCError(err error, collection string) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %s: %w", core.ErrCollectionNotFound, collection, err)
	case codes.Unavailable:
		return core.Wrap(core.ErrServiceUnavailable, "qdrant: %w", err)
	}
	return fmt.Errorf("qdrant: %w", err)
}
