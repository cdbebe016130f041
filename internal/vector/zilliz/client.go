package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/retrieval"
	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

const (
	fieldID        = "id"
	fieldUserID    = "user_id"
	fieldOwnerType = "owner_type"
	fieldOwnerID   = "owner_id"
	fieldText      = "text"
	fieldEmbedding = "embedding"

	maxTextLen = 4096
)

var outputFields = []string{fieldOwnerType, fieldOwnerID, fieldText, fieldEmbedding}

// Client is a retrieval.VectorIndex backed by a Zilliz/Milvus collection
// using cosine similarity.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

var _ retrieval.VectorIndex = (*Client)(nil)

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
		zap.Int("dim", vectorDim),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Knowledge, template and resolved ticket embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "160",
				},
			},
			{
				Name:     fieldUserID,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     fieldOwnerType,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "32",
				},
			},
			{
				Name:     fieldOwnerID,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     fieldText,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": strconv.Itoa(maxTextLen),
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(z.vectorDim),
				},
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

// Upsert writes items keyed by owner so re-indexing an owner replaces its vector.
func (z *Client) Upsert(ctx context.Context, items []models.StoredEmbedding) error {
	if len(items) == 0 {
		return nil
	}

	ids := make([]string, len(items))
	users := make([]string, len(items))
	ownerTypes := make([]string, len(items))
	ownerIDs := make([]string, len(items))
	texts := make([]string, len(items))
	vectors := make([][]float32, len(items))

	for i, item := range items {
		if len(item.Vector) != z.vectorDim {
			return fmt.Errorf("%s %s: %w: got %d, collection has %d",
				item.OwnerType, item.OwnerID, retrieval.ErrDimensionMismatch, len(item.Vector), z.vectorDim)
		}
		ids[i] = primaryKey(item.OwnerType, item.OwnerID)
		users[i] = item.UserID
		ownerTypes[i] = string(item.OwnerType)
		ownerIDs[i] = item.OwnerID
		texts[i] = truncateBytes(item.Text, maxTextLen)
		vectors[i] = item.Vector
	}

	_, err := z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnVarChar(fieldUserID, users),
		entity.NewColumnVarChar(fieldOwnerType, ownerTypes),
		entity.NewColumnVarChar(fieldOwnerID, ownerIDs),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, vectors),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert embeddings: %w", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Embeddings upserted into vector DB", zap.Int("count", len(items)))
	return nil
}

// Candidates runs an ANN search restricted to the user and owner types and
// returns the stored vectors so the caller can re-score exactly.
func (z *Client) Candidates(ctx context.Context, userID string, query []float32, limit int, owners ...models.EmbeddingOwner) ([]retrieval.Candidate, error) {
	if len(query) != z.vectorDim {
		return nil, fmt.Errorf("query: %w: got %d, collection has %d", retrieval.ErrDimensionMismatch, len(query), z.vectorDim)
	}
	if limit <= 0 {
		return nil, nil
	}

	sp, err := entity.NewIndexHNSWSearchParam(max(64, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	expr := filterExpr(userID, owners)
	results, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(query)},
		fieldEmbedding,
		entity.COSINE,
		limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	candidates, err := collect(results)
	if err != nil {
		return nil, err
	}

	logger.Debug("Vector search completed",
		zap.Int("limit", limit),
		zap.Int("results", len(candidates)),
		zap.String("filter", expr),
	)
	return candidates, nil
}

func primaryKey(owner models.EmbeddingOwner, ownerID string) string {
	return string(owner) + ":" + ownerID
}

func filterExpr(userID string, owners []models.EmbeddingOwner) string {
	expr := fmt.Sprintf("%s == %s", fieldUserID, strconv.Quote(userID))
	if len(owners) == 0 {
		return expr
	}

	quoted := make([]string, len(owners))
	for i, o := range owners {
		quoted[i] = strconv.Quote(string(o))
	}
	return fmt.Sprintf("%s && %s in [%s]", expr, fieldOwnerType, strings.Join(quoted, ", "))
}

func collect(results []client.SearchResult) ([]retrieval.Candidate, error) {
	var out []retrieval.Candidate
	for _, sr := range results {
		if sr.Err != nil {
			return nil, fmt.Errorf("search result: %w", sr.Err)
		}

		typeCol, ok1 := sr.Fields.GetColumn(fieldOwnerType).(*entity.ColumnVarChar)
		idCol, ok2 := sr.Fields.GetColumn(fieldOwnerID).(*entity.ColumnVarChar)
		textCol, ok3 := sr.Fields.GetColumn(fieldText).(*entity.ColumnVarChar)
		vecCol, ok4 := sr.Fields.GetColumn(fieldEmbedding).(*entity.ColumnFloatVector)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil, fmt.Errorf("search result is missing output fields")
		}

		types, ids, texts, vectors := typeCol.Data(), idCol.Data(), textCol.Data(), vecCol.Data()
		for i := 0; i < sr.ResultCount; i++ {
			out = append(out, retrieval.Candidate{
				OwnerType: models.EmbeddingOwner(types[i]),
				OwnerID:   ids[i],
				Text:      texts[i],
				Vector:    vectors[i],
			})
		}
	}
	return out, nil
}

// truncateBytes keeps s within the VarChar byte limit without splitting a rune.
func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
