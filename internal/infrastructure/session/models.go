package session

import "time"

// sessionRow is the sessions table. State is the JSON-encoded
// entity.SessionState; token counters are denormalized for listing without
// decoding the state blob.
type sessionRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	State            string `gorm:"type:text;not null"`
	Memory           string `gorm:"type:text"`
	PromptTokens     int64
	CompletionTokens int64
	MessageCount     int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (sessionRow) TableName() string {
	return "sessions"
}

// messageRow is one transcript entry. Seq preserves transcript order;
// ToolCalls is JSON, empty for non-assistant rows.
type messageRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	SessionID  string `gorm:"index;size:64;not null"`
	Seq        int    `gorm:"index;not null"`
	Role       string `gorm:"size:16;not null"`
	Content    string `gorm:"type:text"`
	ToolCalls  string `gorm:"type:text"`
	ToolCallID string `gorm:"size:64"`
	Importance int
	CreatedAt  time.Time
}

func (messageRow) TableName() string {
	return "messages"
}
