package domain

import (
	"context"
	"time"
)

// SessionStore maps (user, bot) to a backend conversation id.
type SessionStore interface {
	GetSession(ctx context.Context, userID, botID string) (*SessionMapping, error)
	SaveSession(ctx context.Context, m SessionMapping) error
}

// FileStore keeps one record per uploaded asset, keyed by origin message id.
type FileStore interface {
	SaveFile(ctx context.Context, rec FileRecord) error
	FindFileByOrigin(ctx context.Context, originMsgID string) (*FileRecord, error)
}

// LastSeenStore tracks the last processed message time per sender.
type LastSeenStore interface {
	TouchLastSeen(ctx context.Context, userID string, ts int64) error
	ListLastSeen(ctx context.Context) ([]LastSeen, error)
}

// TranscriptStore records messages for platforms without native history.
type TranscriptStore interface {
	AppendTranscript(ctx context.Context, userID string, entry HistoryEntry) error
}

type SessionMapping struct {
	UserID         string    `json:"user_id"`
	BotID          string    `json:"bot_id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type FileRecord struct {
	FileID      string    `json:"file_id"`
	Bytes       int64     `json:"bytes"`
	FileName    string    `json:"file_name"`
	FileType    string    `json:"file_type"` // image | file | audio
	MsgContent  string    `json:"msg_content"`
	OriginMsgID string    `json:"origin_msg_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type LastSeen struct {
	UserID          string `json:"user_id"`
	LastMessageTime int64  `json:"last_message_time"` // unix seconds
}

// TakeoverState is the operator-controlled pause list and its control codes.
type TakeoverState interface {
	IsPaused(senderID string) bool
	Pause(roomID string) error
	Resume(roomID string) error
	PauseCode() string
	ResumeCode() string
}
