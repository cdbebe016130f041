package zilliz

import (
	"context"
	"strings"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/deflection-engine/internal/retrieval"
	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

func TestFilterExpr(t *testing.T) {
	assert.Equal(t, `user_id == "acct-1"`, filterExpr("acct-1", nil))
	assert.Equal(t,
		`user_id == "acct-1" && owner_type in ["knowledge_entry", "template"]`,
		filterExpr("acct-1", []models.EmbeddingOwner{models.OwnerKnowledgeEntry, models.OwnerTemplate}),
	)
	assert.Equal(t, `user_id == "a\"b"`, filterExpr(`a"b`, nil))
}

func TestCollect(t *testing.T) {
	results := []client.SearchResult{{
		ResultCount: 2,
		Scores:      []float32{0.93, 0.81},
		Fields: client.ResultSet{
			entity.NewColumnVarChar(fieldOwnerType, []string{"knowledge_entry", "ticket"}),
			entity.NewColumnVarChar(fieldOwnerID, []string{"kb-1", "t-7"}),
			entity.NewColumnVarChar(fieldText, []string{"Reset password", "Login loop"}),
			entity.NewColumnFloatVector(fieldEmbedding, 2, [][]float32{{1, 0}, {0, 1}}),
		},
	}}

	got, err := collect(results)
	require.NoError(t, err)
	assert.Equal(t, []retrieval.Candidate{
		{OwnerType: models.OwnerKnowledgeEntry, OwnerID: "kb-1", Text: "Reset password", Vector: []float32{1, 0}},
		{OwnerType: models.OwnerTicket, OwnerID: "t-7", Text: "Login loop", Vector: []float32{0, 1}},
	}, got)
}

func TestCollect_MissingFields(t *testing.T) {
	_, err := collect([]client.SearchResult{{ResultCount: 1, Fields: client.ResultSet{}}})
	assert.Error(t, err)
}

func TestDimensionChecks(t *testing.T) {
	z := &Client{collectionName: "kb", vectorDim: 4}

	_, err := z.Candidates(context.Background(), "acct-1", []float32{1, 2}, 5)
	assert.ErrorIs(t, err, retrieval.ErrDimensionMismatch)

	err = z.Upsert(context.Background(), []models.StoredEmbedding{{OwnerType: models.OwnerTemplate, OwnerID: "tpl-1", Vector: []float32{1}}})
	assert.ErrorIs(t, err, retrieval.ErrDimensionMismatch)
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "abc", truncateBytes("abc", 10))

	s := strings.Repeat("é", 3) // 6 bytes
	assert.Equal(t, "éé", truncateBytes(s, 5))
	assert.Equal(t, "abcd", truncateBytes("abcdef", 4))
}
