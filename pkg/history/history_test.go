package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tidbrag/pkg/history"
)

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

func newTestHistory(t *testing.T) (*history.ChatMessageHistory, sqlmock.Sqlmock) {
	t.Helper()

	gdb, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS message_store").
		WillReturnResult(sqlmock.NewResult(0, 0))

	h, err := history.NewWithConfig(context.Background(), history.ChatMessageHistoryConfig{
		Conn:      gdb,
		SessionID: "session-1",
	})
	require.NoError(t, err)

	return h, mock
}

func TestNewRequiresSession(t *testing.T) {
	gdb, _ := newMockDB(t)

	_, err := history.NewWithConfig(context.Background(), history.ChatMessageHistoryConfig{
		Conn: gdb,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session id")
}

func TestAddUserMessage(t *testing.T) {
	h, mock := newTestHistory(t)

	mock.ExpectExec("INSERT INTO `message_store`").
		WithArgs("session-1", "human", "hello there", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := h.AddUserMessage(context.Background(), "hello there")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddAIMessage(t *testing.T) {
	h, mock := newTestHistory(t)

	mock.ExpectExec("INSERT INTO `message_store`").
		WithArgs("session-1", "ai", "hi, how can I help?", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := h.AddAIMessage(context.Background(), "hi, how can I help?")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessagesRoundTrip(t *testing.T) {
	h, mock := newTestHistory(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "session_id", "role", "content", "created_at"}).
		AddRow(1, "session-1", "human", "what is TiDB?", now).
		AddRow(2, "session-1", "ai", "a distributed SQL database", now).
		AddRow(3, "session-1", "system", "be brief", now).
		AddRow(4, "session-1", "tool", "lookup result", now)

	mock.ExpectQuery("SELECT \\* FROM `message_store`").
		WithArgs("session-1").
		WillReturnRows(rows)

	messages, err := h.Messages(context.Background())
	require.NoError(t, err)
	require.Len(t, messages, 4)

	assert.IsType(t, llms.HumanChatMessage{}, messages[0])
	assert.Equal(t, "what is TiDB?", messages[0].GetContent())
	assert.IsType(t, llms.AIChatMessage{}, messages[1])
	assert.IsType(t, llms.SystemChatMessage{}, messages[2])

	// Roles written by other clients come back as generic messages.
	generic, ok := messages[3].(llms.GenericChatMessage)
	require.True(t, ok)
	assert.Equal(t, "tool", generic.Role)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessagesEmptySession(t *testing.T) {
	h, mock := newTestHistory(t)

	mock.ExpectQuery("SELECT \\* FROM `message_store`").
		WithArgs("session-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "role", "content", "created_at"}))

	messages, err := h.Messages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestClear(t *testing.T) {
	h, mock := newTestHistory(t)

	mock.ExpectExec("DELETE FROM `message_store`").
		WithArgs("session-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	err := h.Clear(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseKeepsInjectedConnection(t *testing.T) {
	h, mock := newTestHistory(t)

	// Close only releases connections the history opened itself.
	h.Close()

	mock.ExpectExec("INSERT INTO `message_store`").
		WithArgs("session-1", "human", "still connected", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := h.AddUserMessage(context.Background(), "still connected")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetMessages(t *testing.T) {
	h, mock := newTestHistory(t)

	mock.ExpectExec("DELETE FROM `message_store`").
		WithArgs("session-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO `message_store`").
		WithArgs("session-1", "human", "first", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO `message_store`").
		WithArgs("session-1", "ai", "second", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))

	err := h.SetMessages(context.Background(), []llms.ChatMessage{
		llms.HumanChatMessage{Content: "first"},
		llms.AIChatMessage{Content: "second"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
