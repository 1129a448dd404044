package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"tidbrag/internal/db"
)

// DistanceMetric selects the SQL distance function used for similarity
// search. TiDB computes the distance server-side.
type DistanceMetric string

const (
	DistanceCosine DistanceMetric = "cosine"
	DistanceL2     DistanceMetric = "l2"
)

func (m DistanceMetric) sqlFunc() (string, error) {
	switch m {
	case DistanceCosine:
		return "VEC_COSINE_DISTANCE", nil
	case DistanceL2:
		return "VEC_L2_DISTANCE", nil
	default:
		return "", fmt.Errorf("unsupported distance metric: %q", m)
	}
}

type VectorStoreConfig struct {
	// Conn is an existing database handle. When nil, ConnString is used to
	// open one and the store owns its lifetime.
	Conn        *gorm.DB
	ConnString  string
	TableName   string
	VectorDim   int
	Distance    DistanceMetric
	BatchSize   int
	SearchLimit int
	// CreateVectorIndex adds a TiFlash-backed ANN index after the table is
	// created. Index creation failures are logged, not fatal, since plain
	// brute-force search still works without it.
	CreateVectorIndex bool
	// EmbedRate caps embedding batches per second. Zero disables the limiter.
	EmbedRate float64
	Embedder  embeddings.Embedder
	Logger    *zap.SugaredLogger
}

// VectorStore stores texts with their embeddings in a TiDB table and serves
// nearest-neighbour queries ordered by a VEC_*_DISTANCE expression.
type VectorStore struct {
	config   VectorStoreConfig
	db       *gorm.DB
	distFunc string
	limiter  *rate.Limiter
	ownsConn bool
	log      *zap.SugaredLogger
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*VectorStore, error) {
	if config.TableName == "" {
		config.TableName = "embedded_documents"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 1536 // Default for OpenAI embeddings
	}
	if config.Distance == "" {
		config.Distance = DistanceCosine
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.SearchLimit == 0 {
		config.SearchLimit = 5
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	if config.Embedder == nil {
		return nil, fmt.Errorf("an embedder is required")
	}

	distFunc, err := config.Distance.sqlFunc()
	if err != nil {
		return nil, err
	}

	conn := config.Conn
	ownsConn := false
	if conn == nil {
		if config.ConnString == "" {
			return nil, fmt.Errorf("either a connection or a connection string is required")
		}
		conn, err = db.Open(ctx, config.ConnString)
		if err != nil {
			return nil, err
		}
		ownsConn = true
	}

	vs := &VectorStore{
		config:   config,
		db:       conn,
		distFunc: distFunc,
		ownsConn: ownsConn,
		log:      config.Logger,
	}
	if config.EmbedRate > 0 {
		vs.limiter = rate.NewLimiter(rate.Limit(config.EmbedRate), 1)
	}

	if err := vs.initialize(ctx); err != nil {
		vs.Close()
		return nil, err
	}

	return vs, nil
}

// NewFromTexts creates the store, embeds the given texts and inserts them in
// one go. metadatas may be nil or must match texts in length.
func NewFromTexts(ctx context.Context, texts []string, metadatas []map[string]interface{}, config VectorStoreConfig) (*VectorStore, error) {
	vs, err := NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if _, err := vs.AddTexts(ctx, texts, metadatas); err != nil {
		vs.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) initialize(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(36) PRIMARY KEY,
			document TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			meta JSON,
			created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
		)`, vs.config.TableName, vs.config.VectorDim)

	if err := vs.db.WithContext(ctx).Exec(createTable).Error; err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	if vs.config.CreateVectorIndex {
		createIndex := fmt.Sprintf(`
			ALTER TABLE %s
			ADD VECTOR INDEX idx_%s_embedding ((%s(embedding)))`,
			vs.config.TableName, vs.config.TableName, vs.distFunc)

		// The index may already exist, or the cluster may have no TiFlash
		// replica. Search falls back to a full scan either way.
		if err := vs.db.WithContext(ctx).Exec(createIndex).Error; err != nil {
			vs.log.Warnw("vector index not created", "table", vs.config.TableName, "error", err)
		}
	}

	return nil
}

// AddTexts embeds texts in batches and inserts them, returning the generated
// row ids. Each batch is a single transaction.
func (vs *VectorStore) AddTexts(ctx context.Context, texts []string, metadatas []map[string]interface{}) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if metadatas != nil && len(metadatas) != len(texts) {
		return nil, fmt.Errorf("got %d metadatas for %d texts", len(metadatas), len(texts))
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (id, document, embedding, meta) VALUES (?, ?, ?, ?)`, vs.config.TableName)

	ids := make([]string, 0, len(texts))
	for start := 0; start < len(texts); start += vs.config.BatchSize {
		end := start + vs.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		if vs.limiter != nil {
			if err := vs.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		vectors, err := vs.config.Embedder.EmbedDocuments(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to create embeddings: %w", err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
		}

		err = vs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for i, text := range batch {
				if err := vs.checkDimension(vectors[i]); err != nil {
					return err
				}

				var meta interface{}
				if metadatas != nil && metadatas[start+i] != nil {
					encoded, err := json.Marshal(metadatas[start+i])
					if err != nil {
						return fmt.Errorf("failed to encode metadata: %w", err)
					}
					meta = string(encoded)
				}

				vector, err := vectorString(vectors[i])
				if err != nil {
					return err
				}

				id := uuid.NewString()
				if err := tx.Exec(stmt, id, text, vector, meta).Error; err != nil {
					return fmt.Errorf("failed to insert document: %w", err)
				}
				ids = append(ids, id)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		vs.log.Debugw("stored batch", "table", vs.config.TableName, "size", len(batch))
	}

	return ids, nil
}

// AddDocuments inserts already-loaded documents, carrying their metadata.
func (vs *VectorStore) AddDocuments(ctx context.Context, docs []schema.Document) ([]string, error) {
	texts := make([]string, len(docs))
	metadatas := make([]map[string]interface{}, len(docs))
	for i, doc := range docs {
		texts[i] = doc.PageContent
		metadatas[i] = doc.Metadata
	}
	return vs.AddTexts(ctx, texts, metadatas)
}

type SearchOption func(*searchOptions)

type searchOptions struct {
	maxDistance float32
	hasMax      bool
}

// WithMaxDistance drops results whose distance exceeds d.
func WithMaxDistance(d float32) SearchOption {
	return func(o *searchOptions) {
		o.maxDistance = d
		o.hasMax = true
	}
}

// SimilaritySearchWithScore returns up to numDocuments nearest matches. The
// Score on each document is the raw distance: smaller means closer.
func (vs *VectorStore) SimilaritySearchWithScore(ctx context.Context, query string, numDocuments int, opts ...SearchOption) ([]schema.Document, error) {
	var options searchOptions
	for _, opt := range opts {
		opt(&options)
	}
	if numDocuments <= 0 {
		numDocuments = vs.config.SearchLimit
	}

	vector, err := vs.config.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if err := vs.checkDimension(vector); err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf(`
		SELECT id, document, meta, %s(embedding, ?) AS distance
		FROM %s
		ORDER BY distance
		LIMIT ?`, vs.distFunc, vs.config.TableName)

	literal, err := vectorString(vector)
	if err != nil {
		return nil, err
	}

	rows, err := vs.db.WithContext(ctx).Raw(stmt, literal, numDocuments).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []schema.Document
	for rows.Next() {
		var (
			id       string
			document string
			meta     sql.NullString
			distance float64
		)
		if err := rows.Scan(&id, &document, &meta, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if options.hasMax && float32(distance) > options.maxDistance {
			continue
		}

		metadata := map[string]interface{}{"id": id}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}

		docs = append(docs, schema.Document{
			PageContent: document,
			Metadata:    metadata,
			Score:       float32(distance),
		})
	}

	return docs, rows.Err()
}

// SimilaritySearch is SimilaritySearchWithScore without options, for callers
// that only need the documents.
func (vs *VectorStore) SimilaritySearch(ctx context.Context, query string, numDocuments int) ([]schema.Document, error) {
	return vs.SimilaritySearchWithScore(ctx, query, numDocuments)
}

// Delete removes rows by id. Missing ids are not an error.
func (vs *VectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id IN ?`, vs.config.TableName)
	if err := vs.db.WithContext(ctx).Exec(stmt, ids).Error; err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// DropTable removes the backing table entirely.
func (vs *VectorStore) DropTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, vs.config.TableName)
	if err := vs.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to drop table: %w", err)
	}
	return nil
}

func (vs *VectorStore) Close() {
	if !vs.ownsConn {
		return
	}
	if sqlDB, err := vs.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (vs *VectorStore) checkDimension(vector []float32) error {
	if len(vector) != vs.config.VectorDim {
		return fmt.Errorf("embedding has dimension %d, table expects %d", len(vector), vs.config.VectorDim)
	}
	return nil
}

// vectorString renders an embedding as the `[x,y,...]` literal TiDB accepts
// for VECTOR columns and distance functions. Non-finite components cannot be
// encoded and are rejected here rather than as a garbled SQL error.
func vectorString(vector []float32) (string, error) {
	encoded, err := json.Marshal(vector)
	if err != nil {
		return "", fmt.Errorf("failed to encode embedding: %w", err)
	}
	return string(encoded), nil
}
