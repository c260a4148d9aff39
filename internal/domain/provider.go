package domain

import "context"

// ChatStatus is the terminal state of a backend chat.
type ChatStatus string

const (
	ChatCompleted      ChatStatus = "completed"
	ChatFailed         ChatStatus = "failed"
	ChatRequiresAction ChatStatus = "requires_action"
	ChatCanceled       ChatStatus = "canceled"
)

// Backend is the AI backend collaborator. Retries, if any, are the implementation's concern.
type Backend interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
	RunWorkflow(ctx context.Context, req WorkflowRequest) (map[string]any, error)
	UploadFile(ctx context.Context, path string) (*UploadedFile, error)
	Transcribe(ctx context.Context, path string) (string, error)
	Name() string
}

// ChatRequest sends either a batch of items (object_string) or plain text.
type ChatRequest struct {
	BotID          string
	UserID         string
	ConversationID string // empty: the backend creates a conversation
	Items          []ContentItem
	Text           string
}

type ChatResult struct {
	Status         ChatStatus
	ChatID         string
	ConversationID string
	Messages       []ChatMessage
	LastError      *ChatError
}

// Answers returns the content of assistant answer messages, in order.
func (r *ChatResult) Answers() []string {
	var out []string
	for _, m := range r.Messages {
		if m.Role == "assistant" && m.Type == "answer" {
			out = append(out, m.Content)
		}
	}
	return out
}

type ChatMessage struct {
	Role    string `json:"role"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

type ChatError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type WorkflowRequest struct {
	BotID      string
	WorkflowID string
	Parameters map[string]any
}

type UploadedFile struct {
	ID        string `json:"id"`
	Bytes     int64  `json:"bytes"`
	FileName  string `json:"file_name"`
	CreatedAt int64  `json:"created_at"`
}

// FallbackWriter produces the short filler reply from a readable chat log.
type FallbackWriter interface {
	WriteFallback(ctx context.Context, chatLog string) (string, error)
}

// Transcriber converts an audio file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}
