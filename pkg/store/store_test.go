package store_test

import (
	"context"
	"math"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tidbrag/pkg/store"
)

// fakeEmbedder returns deterministic vectors so the SQL layer can be
// exercised without a model server.
type fakeEmbedder struct {
	dim int
}

func (f fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(i + 1)
		vectors[i] = v
	}
	return vectors, nil
}

func (f fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	v := make([]float32, f.dim)
	v[0] = 0.5
	return v, nil
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      conn,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Discard,
	})
	require.NoError(t, err)

	return gdb, mock
}

func getTestConfig(conn *gorm.DB) store.VectorStoreConfig {
	return store.VectorStoreConfig{
		Conn:      conn,
		TableName: "test_documents",
		VectorDim: 3,
		Embedder:  fakeEmbedder{dim: 3},
	}
}

func newTestStore(t *testing.T) (*store.VectorStore, sqlmock.Sqlmock) {
	t.Helper()

	gdb, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_documents").
		WillReturnResult(sqlmock.NewResult(0, 0))

	vs, err := store.NewWithConfig(context.Background(), getTestConfig(gdb))
	require.NoError(t, err)

	return vs, mock
}

func TestNewRequiresEmbedder(t *testing.T) {
	gdb, _ := newMockDB(t)

	config := getTestConfig(gdb)
	config.Embedder = nil

	_, err := store.NewWithConfig(context.Background(), config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedder")
}

func TestNewRejectsUnknownMetric(t *testing.T) {
	gdb, _ := newMockDB(t)

	config := getTestConfig(gdb)
	config.Distance = "dot"

	_, err := store.NewWithConfig(context.Background(), config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "distance metric")
}

func TestAddTexts(t *testing.T) {
	vs, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO test_documents").
		WithArgs(sqlmock.AnyArg(), "chunk one", "[1,0,0]", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO test_documents").
		WithArgs(sqlmock.AnyArg(), "chunk two", "[2,0,0]", `{"source":"test"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ids, err := vs.AddTexts(context.Background(),
		[]string{"chunk one", "chunk two"},
		[]map[string]interface{}{nil, {"source": "test"}})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddTextsMetadataMismatch(t *testing.T) {
	vs, _ := newTestStore(t)

	_, err := vs.AddTexts(context.Background(),
		[]string{"one", "two"},
		[]map[string]interface{}{{"only": "one"}})
	require.Error(t, err)
}

func TestAddTextsDimensionMismatch(t *testing.T) {
	gdb, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_documents").
		WillReturnResult(sqlmock.NewResult(0, 0))

	config := getTestConfig(gdb)
	config.Embedder = fakeEmbedder{dim: 4}

	vs, err := store.NewWithConfig(context.Background(), config)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err = vs.AddTexts(context.Background(), []string{"chunk"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

// nanEmbedder returns vectors with a non-finite component, which no SQL
// vector literal can carry.
type nanEmbedder struct {
	dim int
}

func (f nanEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(math.NaN())
		vectors[i] = v
	}
	return vectors, nil
}

func (f nanEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	v := make([]float32, f.dim)
	v[0] = float32(math.Inf(1))
	return v, nil
}

func TestAddTextsRejectsNonFiniteEmbedding(t *testing.T) {
	gdb, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_documents").
		WillReturnResult(sqlmock.NewResult(0, 0))

	config := getTestConfig(gdb)
	config.Embedder = nanEmbedder{dim: 3}

	vs, err := store.NewWithConfig(context.Background(), config)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err = vs.AddTexts(context.Background(), []string{"chunk"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode embedding")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSimilaritySearchRejectsNonFiniteEmbedding(t *testing.T) {
	gdb, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_documents").
		WillReturnResult(sqlmock.NewResult(0, 0))

	config := getTestConfig(gdb)
	config.Embedder = nanEmbedder{dim: 3}

	vs, err := store.NewWithConfig(context.Background(), config)
	require.NoError(t, err)

	_, err = vs.SimilaritySearchWithScore(context.Background(), "anything", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode embedding")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSimilaritySearchWithScore(t *testing.T) {
	vs, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"id", "document", "meta", "distance"}).
		AddRow("a1", "hello world", `{"topic":"greeting"}`, 0.12).
		AddRow("b2", "goodbye", nil, 0.48)

	mock.ExpectQuery("SELECT id, document, meta, VEC_COSINE_DISTANCE").
		WithArgs("[0.5,0,0]", 2).
		WillReturnRows(rows)

	docs, err := vs.SimilaritySearchWithScore(context.Background(), "greeting", 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "hello world", docs[0].PageContent)
	assert.InDelta(t, 0.12, docs[0].Score, 1e-6)
	assert.Equal(t, "greeting", docs[0].Metadata["topic"])
	assert.Equal(t, "a1", docs[0].Metadata["id"])

	assert.Equal(t, "goodbye", docs[1].PageContent)
	assert.Equal(t, "b2", docs[1].Metadata["id"])
	assert.Less(t, docs[0].Score, docs[1].Score)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSimilaritySearchMaxDistance(t *testing.T) {
	vs, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"id", "document", "meta", "distance"}).
		AddRow("a1", "near", nil, 0.1).
		AddRow("b2", "far", nil, 0.9)

	mock.ExpectQuery("SELECT id, document, meta, VEC_COSINE_DISTANCE").
		WithArgs("[0.5,0,0]", 2).
		WillReturnRows(rows)

	docs, err := vs.SimilaritySearchWithScore(context.Background(), "anything", 2,
		store.WithMaxDistance(0.5))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "near", docs[0].PageContent)
}

func TestSimilaritySearchL2(t *testing.T) {
	gdb, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_documents").
		WillReturnResult(sqlmock.NewResult(0, 0))

	config := getTestConfig(gdb)
	config.Distance = store.DistanceL2

	vs, err := store.NewWithConfig(context.Background(), config)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, document, meta, VEC_L2_DISTANCE").
		WithArgs("[0.5,0,0]", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "document", "meta", "distance"}).
			AddRow("a1", "hello", nil, 1.5))

	docs, err := vs.SimilaritySearch(context.Background(), "hello", 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.InDelta(t, 1.5, docs[0].Score, 1e-6)
}

func TestNewFromTexts(t *testing.T) {
	gdb, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_documents").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO test_documents").
		WithArgs(sqlmock.AnyArg(), "seed text", "[1,0,0]", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	vs, err := store.NewFromTexts(context.Background(), []string{"seed text"}, nil, getTestConfig(gdb))
	require.NoError(t, err)
	require.NotNil(t, vs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	vs, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM test_documents").
		WithArgs("a1", "b2").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := vs.Delete(context.Background(), []string{"a1", "b2"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteNoIDs(t *testing.T) {
	vs, mock := newTestStore(t)

	err := vs.Delete(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropTable(t *testing.T) {
	vs, mock := newTestStore(t)

	mock.ExpectExec("DROP TABLE IF EXISTS test_documents").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := vs.DropTable(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
