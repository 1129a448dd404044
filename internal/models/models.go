package models

import "time"

// ChatMessage is one persisted conversational turn. Rows are scoped by
// SessionID and read back in insertion order.
type ChatMessage struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"size:64;not null;index"`
	Role      string `gorm:"size:16;not null"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}
