package loader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"
	"gorm.io/gorm"

	"tidbrag/internal/db"
)

type LoaderConfig struct {
	// Conn is an existing database handle. When nil, ConnString is used to
	// open one.
	Conn       *gorm.DB
	ConnString string
	// Query is the SELECT statement producing one document per row.
	Query string
	Args  []interface{}
	// PageContentColumns are joined with newlines, in order, to form each
	// document's content. Empty means every selected column is content.
	PageContentColumns []string
	// MetadataColumns are carried into each document's metadata with their
	// driver-native values.
	MetadataColumns []string
}

// Loader turns the rows of a SQL query into documents.
type Loader struct {
	config   LoaderConfig
	db       *gorm.DB
	ownsConn bool
}

var _ documentloaders.Loader = (*Loader)(nil)

func NewWithConfig(ctx context.Context, config LoaderConfig) (*Loader, error) {
	if config.Query == "" {
		return nil, fmt.Errorf("a query is required")
	}

	conn := config.Conn
	ownsConn := false
	if conn == nil {
		if config.ConnString == "" {
			return nil, fmt.Errorf("either a connection or a connection string is required")
		}
		var err error
		conn, err = db.Open(ctx, config.ConnString)
		if err != nil {
			return nil, err
		}
		ownsConn = true
	}

	return &Loader{config: config, db: conn, ownsConn: ownsConn}, nil
}

// Close releases the connection when the loader opened it itself. A handle
// passed in through Conn stays open.
func (l *Loader) Close() {
	if !l.ownsConn {
		return
	}
	if sqlDB, err := l.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// Load runs the query and maps every row to a document.
func (l *Loader) Load(ctx context.Context) ([]schema.Document, error) {
	rows, err := l.db.WithContext(ctx).Raw(l.config.Query, l.config.Args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	index := make(map[string]int, len(columns))
	for i, name := range columns {
		index[name] = i
	}
	for _, name := range l.config.PageContentColumns {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("content column %q is not in the result set", name)
		}
	}
	for _, name := range l.config.MetadataColumns {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("metadata column %q is not in the result set", name)
		}
	}

	contentColumns := l.config.PageContentColumns
	if len(contentColumns) == 0 {
		contentColumns = columns
	}

	var docs []schema.Document
	for rows.Next() {
		values := make([]interface{}, len(columns))
		for i := range values {
			values[i] = new(interface{})
		}
		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		var content strings.Builder
		for i, name := range contentColumns {
			if i > 0 {
				content.WriteString("\n")
			}
			content.WriteString(stringValue(*values[index[name]].(*interface{})))
		}

		metadata := make(map[string]interface{}, len(l.config.MetadataColumns))
		for _, name := range l.config.MetadataColumns {
			metadata[name] = *values[index[name]].(*interface{})
		}

		docs = append(docs, schema.Document{
			PageContent: content.String(),
			Metadata:    metadata,
		})
	}

	return docs, rows.Err()
}

// LoadAndSplit runs the query and chunks each document with the splitter.
func (l *Loader) LoadAndSplit(ctx context.Context, splitter textsplitter.TextSplitter) ([]schema.Document, error) {
	docs, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	return textsplitter.SplitDocuments(splitter, docs)
}

// stringValue renders a driver value for page content. The MySQL driver
// hands most text back as []byte.
func stringValue(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(value)
	case string:
		return value
	case time.Time:
		return value.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", value)
	}
}
