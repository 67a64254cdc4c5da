package store

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Qdrant stores documents as points in a Qdrant collection over gRPC.
// It serves as the self-hosted alternative to Astra.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dims        int
}

// NewQdrant connects to Qdrant at the given gRPC address.
func NewQdrant(addr, collection string) (*Qdrant, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("store: dial qdrant %s: %w", addr, err)
	}
	return &Qdrant{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewQdrantWithClients wires pre-built gRPC clients; used by tests.
func NewQdrantWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string) *Qdrant {
	return &Qdrant{points: points, collections: collections, collection: collection}
}

// EnsureCollection creates the collection with cosine distance if it does
// not exist yet.
func (q *Qdrant) EnsureCollection(ctx context.Context, dims int) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("store: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			q.dims = dims
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("store: create collection %s: %w", q.collection, err)
	}
	q.dims = dims
	return nil
}

// DeleteCollection drops the collection.
func (q *Qdrant) DeleteCollection(ctx context.Context) error {
	_, err := q.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: q.collection,
	})
	if err != nil {
		return fmt.Errorf("store: delete collection %s: %w", q.collection, err)
	}
	return nil
}

// InsertMany upserts a batch of documents as points, waiting for the write
// to land. Document ids must be UUIDs. Returns the ids in input order.
func (q *Qdrant) InsertMany(ctx context.Context, docs []Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if err := checkDocuments(docs, q.dims); err != nil {
		return nil, fmt.Errorf("store: insert: %w", err)
	}

	points := make([]*pb.PointStruct, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		payload := make(map[string]*pb.Value, len(d.Fields))
		for k, v := range d.Fields {
			payload[k] = toValue(v)
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: d.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: d.Vector},
				},
			},
			Payload: payload,
		}
		ids[i] = d.ID
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return nil, fmt.Errorf("store: upsert %d points: %w", len(docs), err)
	}
	return ids, nil
}

// Search performs k-NN similarity search with payloads enabled.
func (q *Qdrant) Search(ctx context.Context, vector []float32, limit int) ([]Match, error) {
	if err := checkVector(vector, q.dims); err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}

	matches := make([]Match, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		fields := make(map[string]any, len(r.GetPayload()))
		for k, v := range r.GetPayload() {
			fields[k] = fromValue(v)
		}
		matches[i] = Match{
			Document: Document{
				ID:     r.GetId().GetUuid(),
				Fields: fields,
			},
			Score: r.GetScore(),
		}
	}
	return matches, nil
}

// MaxBatch reports no fixed per-call cap.
func (q *Qdrant) MaxBatch() int { return 0 }

// Close closes the underlying gRPC connection, if this store owns one.
func (q *Qdrant) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// toValue converts a document field into a Qdrant payload value. Nested
// maps and slices are converted recursively; anything unrecognised falls
// back to its string form.
func toValue(v any) *pb.Value {
	switch tv := v.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{NullValue: pb.NullValue_NULL_VALUE}}
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(tv)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case []string:
		vals := make([]*pb.Value, len(tv))
		for i, s := range tv {
			vals[i] = toValue(s)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
	case []int:
		vals := make([]*pb.Value, len(tv))
		for i, n := range tv {
			vals[i] = toValue(n)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
	case []any:
		vals := make([]*pb.Value, len(tv))
		for i, item := range tv {
			vals[i] = toValue(item)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
	case map[string]any:
		fields := make(map[string]*pb.Value, len(tv))
		for k, item := range tv {
			fields[k] = toValue(item)
		}
		return &pb.Value{Kind: &pb.Value_StructValue{StructValue: &pb.Struct{Fields: fields}}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

// fromValue converts a Qdrant payload value back into a plain Go value.
func fromValue(v *pb.Value) any {
	switch kind := v.GetKind().(type) {
	case *pb.Value_NullValue:
		return nil
	case *pb.Value_StringValue:
		return kind.StringValue
	case *pb.Value_BoolValue:
		return kind.BoolValue
	case *pb.Value_IntegerValue:
		return kind.IntegerValue
	case *pb.Value_DoubleValue:
		return kind.DoubleValue
	case *pb.Value_ListValue:
		items := make([]any, len(kind.ListValue.GetValues()))
		for i, item := range kind.ListValue.GetValues() {
			items[i] = fromValue(item)
		}
		return items
	case *pb.Value_StructValue:
		fields := make(map[string]any, len(kind.StructValue.GetFields()))
		for k, item := range kind.StructValue.GetFields() {
			fields[k] = fromValue(item)
		}
		return fields
	default:
		return nil
	}
}
