package history

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tidbrag/internal/db"
	"tidbrag/internal/models"
)

type ChatMessageHistoryConfig struct {
	// Conn is an existing database handle. When nil, ConnString is used to
	// open one.
	Conn       *gorm.DB
	ConnString string
	// SessionID scopes every read and write. Required.
	SessionID string
	TableName string
	Logger    *zap.SugaredLogger
}

// ChatMessageHistory persists an ordered log of conversational turns in a
// TiDB table, keyed by session id.
type ChatMessageHistory struct {
	config   ChatMessageHistoryConfig
	db       *gorm.DB
	ownsConn bool
	log      *zap.SugaredLogger
}

var _ schema.ChatMessageHistory = (*ChatMessageHistory)(nil)

func NewWithConfig(ctx context.Context, config ChatMessageHistoryConfig) (*ChatMessageHistory, error) {
	if config.SessionID == "" {
		return nil, fmt.Errorf("a session id is required")
	}
	if config.TableName == "" {
		config.TableName = "message_store"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
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

	h := &ChatMessageHistory{
		config:   config,
		db:       conn,
		ownsConn: ownsConn,
		log:      config.Logger,
	}

	if err := h.initialize(ctx); err != nil {
		return nil, err
	}

	return h, nil
}

func (h *ChatMessageHistory) initialize(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			role VARCHAR(16) NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			KEY idx_session_id (session_id)
		)`, h.config.TableName)

	if err := h.db.WithContext(ctx).Exec(createTable).Error; err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// AddMessage appends a message to the session's log.
func (h *ChatMessageHistory) AddMessage(ctx context.Context, message llms.ChatMessage) error {
	row := models.ChatMessage{
		SessionID: h.config.SessionID,
		Role:      string(message.GetType()),
		Content:   message.GetContent(),
	}

	if err := h.db.WithContext(ctx).Table(h.config.TableName).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	h.log.Debugw("stored message", "session", h.config.SessionID, "role", row.Role)
	return nil
}

// AddUserMessage appends a human turn.
func (h *ChatMessageHistory) AddUserMessage(ctx context.Context, message string) error {
	return h.AddMessage(ctx, llms.HumanChatMessage{Content: message})
}

// AddAIMessage appends an assistant turn.
func (h *ChatMessageHistory) AddAIMessage(ctx context.Context, message string) error {
	return h.AddMessage(ctx, llms.AIChatMessage{Content: message})
}

// Messages returns the session's turns in insertion order. A session with no
// rows yields an empty slice.
func (h *ChatMessageHistory) Messages(ctx context.Context) ([]llms.ChatMessage, error) {
	var rows []models.ChatMessage
	err := h.db.WithContext(ctx).
		Table(h.config.TableName).
		Where("session_id = ?", h.config.SessionID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	messages := make([]llms.ChatMessage, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, toChatMessage(row))
	}
	return messages, nil
}

// SetMessages replaces the session's log with the given messages.
func (h *ChatMessageHistory) SetMessages(ctx context.Context, messages []llms.ChatMessage) error {
	if err := h.Clear(ctx); err != nil {
		return err
	}
	for _, message := range messages {
		if err := h.AddMessage(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

// Clear deletes the current session's rows only.
func (h *ChatMessageHistory) Clear(ctx context.Context) error {
	err := h.db.WithContext(ctx).
		Table(h.config.TableName).
		Where("session_id = ?", h.config.SessionID).
		Delete(&models.ChatMessage{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Close releases the connection when the history opened it itself. A handle
// passed in through Conn stays open.
func (h *ChatMessageHistory) Close() {
	if !h.ownsConn {
		return
	}
	if sqlDB, err := h.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// toChatMessage maps a stored role back to a typed message. Roles written by
// other clients that we don't recognize come back as generic messages.
func toChatMessage(row models.ChatMessage) llms.ChatMessage {
	switch llms.ChatMessageType(row.Role) {
	case llms.ChatMessageTypeHuman:
		return llms.HumanChatMessage{Content: row.Content}
	case llms.ChatMessageTypeAI:
		return llms.AIChatMessage{Content: row.Content}
	case llms.ChatMessageTypeSystem:
		return llms.SystemChatMessage{Content: row.Content}
	default:
		return llms.GenericChatMessage{Role: row.Role, Content: row.Content}
	}
}
