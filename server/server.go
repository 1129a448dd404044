package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tidbrag/internal/types"
	"tidbrag/pkg/history"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

type Message struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Session string `json:"session,omitempty"`
}

type Config struct {
	Addr         string
	SearchLimit  int
	Streaming    bool
	HistoryTable string
	DB           *gorm.DB
	Retriever    types.Retriever
	Chat         types.Chatter
	Logger       *zap.SugaredLogger
}

// WSServer serves a chat endpoint where each connection is bound to a
// message-history session. Sessions survive reconnects: pass the same
// session id to resume a conversation.
type WSServer struct {
	config Config
	log    *zap.SugaredLogger
}

func New(config Config) (*WSServer, error) {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.SearchLimit == 0 {
		config.SearchLimit = 5
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}
	if config.DB == nil {
		return nil, fmt.Errorf("a database handle is required")
	}
	if config.Retriever == nil || config.Chat == nil {
		return nil, fmt.Errorf("a retriever and a chat engine are required")
	}

	return &WSServer{config: config, log: config.Logger}, nil
}

// Handler returns the HTTP handler behind Run, with the chat endpoint on /ws
// and a liveness check on /health.
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

func (s *WSServer) Run() error {
	s.log.Infow("starting WebSocket server", "addr", s.config.Addr)
	return http.ListenAndServe(s.config.Addr, s.Handler())
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	session := r.URL.Query().Get("session")
	if session == "" {
		session = uuid.NewString()
	}

	hist, err := history.NewWithConfig(r.Context(), history.ChatMessageHistoryConfig{
		Conn:      s.config.DB,
		SessionID: session,
		TableName: s.config.HistoryTable,
		Logger:    s.log,
	})
	if err != nil {
		s.sendMessage(conn, "error", fmt.Sprintf("Failed to open session: %v", err))
		return
	}

	s.sendMessage(conn, "session", session)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("connection closed", "session", session, "error", err)
			}
			return
		}

		s.handleMessage(conn, hist, msg)
	}
}

func (s *WSServer) handleMessage(conn *websocket.Conn, hist *history.ChatMessageHistory, msg Message) {
	ctx := context.Background()
	query := msg.Content
	if query == "" {
		return
	}

	docs, err := s.config.Retriever.SimilaritySearch(ctx, query, s.config.SearchLimit)
	if err != nil {
		s.sendMessage(conn, "error", fmt.Sprintf("Error querying documents: %v", err))
		return
	}

	if s.config.Streaming {
		_, err := s.config.Chat.ChatStream(ctx, query, docs, hist, func(chunk []byte) {
			s.sendMessage(conn, "stream", string(chunk))
		})
		if err != nil {
			s.sendMessage(conn, "error", fmt.Sprintf("Error: %v", err))
			return
		}
		s.sendMessage(conn, "done", "")
	} else {
		answer, err := s.config.Chat.Chat(ctx, query, docs, hist)
		if err != nil {
			s.sendMessage(conn, "error", fmt.Sprintf("Error: %v", err))
			return
		}
		s.sendMessage(conn, "response", answer)
	}
}

func (s *WSServer) sendMessage(conn *websocket.Conn, msgType string, content string) {
	msg := Message{
		Type:    msgType,
		Content: content,
	}
	if err := conn.WriteJSON(msg); err != nil {
		s.log.Warnw("error sending message", "error", err)
	}
}
