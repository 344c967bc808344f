package harnessports

import (
	"context"
	"time"
)

// Turn represents one side of a conversational exchange.
type Turn struct {
	Role      string    // "user" | "assistant"
	Content   string    // message text
	CreatedAt time.Time // local timestamp
}

// ConversationStore keeps the bounded dialogue window for each conversation key.
type ConversationStore interface {
	SaveTurn(ctx context.Context, conversationID string, turn Turn) error
	LoadContext(ctx context.Context, conversationID string, k int) ([]Turn, error) // last-k turns
}
