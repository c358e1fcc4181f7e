package repository

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	defaultVectorDimension = 1024
)

// pointNamespace scopes deterministic point IDs so re-ingesting the same
// page chunk overwrites its previous point instead of duplicating it.
var pointNamespace = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

// QdrantConnectionConfig holds configuration for Qdrant connection
type QdrantConnectionConfig struct {
	Host            string
	Port            int
	Collection      string
	APIKey          string // Qdrant Cloud API Key (enables TLS automatically)
	UseTLS          bool   // Explicitly enable TLS without API Key
	VectorDimension int
}

// apiKeyInterceptor creates a unary interceptor that adds API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantRepository handles vector operations with Qdrant
type QdrantRepository struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	collectionName  string
	vectorDimension int
}

// NewQdrantRepository creates a new QdrantRepository
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key)
func NewQdrantRepository(cfg *QdrantConnectionConfig) (*QdrantRepository, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	vectorDimension := cfg.VectorDimension
	if vectorDimension <= 0 {
		vectorDimension = defaultVectorDimension
	}

	// Build gRPC dial options
	var opts []grpc.DialOption

	// TLS is enabled if: APIKey is set OR UseTLS is explicitly true
	useTLS := cfg.UseTLS || cfg.APIKey != ""

	if useTLS {
		// Use TLS with system root certificates (TLS 1.3 minimum for Qdrant Cloud)
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
		creds := credentials.NewTLS(tlsConfig)
		opts = append(opts, grpc.WithTransportCredentials(creds))

		// Add API Key authentication if provided (using unary interceptor)
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		// Local mode: no TLS, no authentication
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantRepository{
		conn:            conn,
		pointsClient:    pb.NewPointsClient(conn),
		collectClient:   pb.NewCollectionsClient(conn),
		collectionName:  cfg.Collection,
		vectorDimension: vectorDimension,
	}, nil
}

// Close closes the gRPC connection
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist
func (r *QdrantRepository) EnsureCollection(ctx context.Context) error {
	// Check if collection exists
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collectionName,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok {
			if size != uint64(r.vectorDimension) {
				return fmt.Errorf("collection %s has vector size %d, expected %d", r.collectionName, size, r.vectorDimension)
			}
		}
		return nil // Collection exists
	}

	// Create collection
	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	if info == nil {
		return 0, false
	}

	config := info.GetConfig()
	if config == nil {
		return 0, false
	}

	params := config.GetParams()
	if params == nil {
		return 0, false
	}

	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}

	if single := vectors.GetParams(); single != nil {
		if size := single.GetSize(); size > 0 {
			return size, true
		}
	}

	if paramsMap := vectors.GetParamsMap(); paramsMap != nil {
		for _, vectorParams := range paramsMap.GetMap() {
			if vectorParams == nil {
				continue
			}
			if size := vectorParams.GetSize(); size > 0 {
				return size, true
			}
		}
	}

	return 0, false
}

// PagePayload represents the payload stored with each page vector
type PagePayload struct {
	UserID      string   `json:"user_id"`
	Title       string   `json:"title"`
	FilterTags  string   `json:"filter_tags"`
	PageNumber  int      `json:"page_number"`
	ChunkNumber int      `json:"chunk_number"`
	AITitle     string   `json:"ai_title"`
	MainTopics  []string `json:"main_topics"`
	TextContent string   `json:"text_content"`
}

// PagePointID derives a deterministic point ID from the natural page key, so
// upserting the same chunk twice lands on the same point.
func PagePointID(userID, title, timestamp string, pageNumber, chunkNumber int) string {
	key := fmt.Sprintf("%s|%s|%s|%d|%d", userID, title, timestamp, pageNumber, chunkNumber)
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

// PagePoint pairs a point ID and vector with its payload for batch upserts.
type PagePoint struct {
	ID      string
	Vector  []float32
	Payload PagePayload
}

// UpsertBatch inserts or updates a batch of page vectors with payloads
func (r *QdrantRepository) UpsertBatch(ctx context.Context, points []PagePoint) error {
	if len(points) == 0 {
		return nil
	}

	pbPoints := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		uid, err := uuid.Parse(p.ID)
		if err != nil {
			return fmt.Errorf("invalid point ID: %w", err)
		}

		pbPoints = append(pbPoints, &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{
					Uuid: uid.String(),
				},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{
						Data: p.Vector,
					},
				},
			},
			Payload: map[string]*pb.Value{
				"user_id":      {Kind: &pb.Value_StringValue{StringValue: p.Payload.UserID}},
				"title":        {Kind: &pb.Value_StringValue{StringValue: p.Payload.Title}},
				"filter_tags":  {Kind: &pb.Value_StringValue{StringValue: p.Payload.FilterTags}},
				"page_number":  {Kind: &pb.Value_IntegerValue{IntegerValue: int64(p.Payload.PageNumber)}},
				"chunk_number": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(p.Payload.ChunkNumber)}},
				"ai_title":     {Kind: &pb.Value_StringValue{StringValue: p.Payload.AITitle}},
				"main_topics":  topicsToValue(p.Payload.MainTopics),
				"text_content": {Kind: &pb.Value_StringValue{StringValue: p.Payload.TextContent}},
			},
		})
	}

	_, err := r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Points:         pbPoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

func topicsToValue(topics []string) *pb.Value {
	values := make([]*pb.Value, len(topics))
	for i, topic := range topics {
		values[i] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: topic}}
	}
	return &pb.Value{
		Kind: &pb.Value_ListValue{
			ListValue: &pb.ListValue{Values: values},
		},
	}
}

// SearchResult represents a search result from Qdrant
type SearchResult struct {
	ID      string
	Score   float32
	Payload *PagePayload
}

// SearchFilters defines optional filters for search
type SearchFilters struct {
	UserID     string
	FilterTags []string
}

// Search performs a vector similarity search
func (r *QdrantRepository) Search(ctx context.Context, vector []float32, topK int, filters *SearchFilters) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: r.collectionName,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	}

	// Apply filters if provided
	if filters != nil {
		req.Filter = buildFilter(filters)
	}

	resp, err := r.pointsClient.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, len(resp.Result))
	for i, scored := range resp.Result {
		results[i] = SearchResult{
			ID:      scored.Id.GetUuid(),
			Score:   scored.Score,
			Payload: parsePayload(scored.Payload),
		}
	}

	return results, nil
}

func buildFilter(filters *SearchFilters) *pb.Filter {
	var conditions []*pb.Condition

	if filters.UserID != "" {
		conditions = append(conditions, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: "user_id",
					Match: &pb.Match{
						MatchValue: &pb.Match_Keyword{Keyword: filters.UserID},
					},
				},
			},
		})
	}

	// Multiple filter tags restrict search to any of the named documents
	if len(filters.FilterTags) > 0 {
		conditions = append(conditions, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: "filter_tags",
					Match: &pb.Match{
						MatchValue: &pb.Match_Keywords{
							Keywords: &pb.RepeatedStrings{Strings: filters.FilterTags},
						},
					},
				},
			},
		})
	}

	if len(conditions) == 0 {
		return nil
	}

	return &pb.Filter{
		Must: conditions,
	}
}

func parsePayload(payload map[string]*pb.Value) *PagePayload {
	if payload == nil {
		return nil
	}

	p := &PagePayload{}
	if v, ok := payload["user_id"]; ok {
		p.UserID = v.GetStringValue()
	}
	if v, ok := payload["title"]; ok {
		p.Title = v.GetStringValue()
	}
	if v, ok := payload["filter_tags"]; ok {
		p.FilterTags = v.GetStringValue()
	}
	if v, ok := payload["page_number"]; ok {
		p.PageNumber = int(v.GetIntegerValue())
	}
	if v, ok := payload["chunk_number"]; ok {
		p.ChunkNumber = int(v.GetIntegerValue())
	}
	if v, ok := payload["ai_title"]; ok {
		p.AITitle = v.GetStringValue()
	}
	if v, ok := payload["main_topics"]; ok {
		if list := v.GetListValue(); list != nil {
			for _, item := range list.Values {
				p.MainTopics = append(p.MainTopics, item.GetStringValue())
			}
		}
	}
	if v, ok := payload["text_content"]; ok {
		p.TextContent = v.GetStringValue()
	}

	return p
}

// DeleteByFilterTag removes all points for a user's document
func (r *QdrantRepository) DeleteByFilterTag(ctx context.Context, userID, filterTag string) error {
	_, err := r.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: buildFilter(&SearchFilters{
					UserID:     userID,
					FilterTags: []string{filterTag},
				}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}

	return nil
}
