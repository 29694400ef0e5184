package storage

import (
	"context"
	"errors"

	"github.com/xaenox/inbox-triage/internal/models"
)

var ErrNotFound = errors.New("storage: not found")

// Storage persists conversations and their messages.
//
// At most one conversation exists per contact phone: Create and Commit
// insert only if no conversation for the phone exists yet and otherwise
// use the stored one. Flags are only ever raised, never cleared.
type Storage interface {
	// FindByContact returns the conversation for phone with its messages
	// in arrival order, or ErrNotFound.
	FindByContact(ctx context.Context, phone string) (*models.Conversation, error)
	Create(ctx context.Context, phone string) (*models.Conversation, error)
	AppendMessage(ctx context.Context, msg models.Message) error
	SaveFlags(ctx context.Context, conversationID string, flags models.Flags) error
	// QueryByFlag lists conversations whose high-priority flag equals
	// highPriority, oldest first, each with its messages.
	QueryByFlag(ctx context.Context, highPriority bool) ([]models.Conversation, error)
	// Commit applies one ingested message as a single atomic unit.
	Commit(ctx context.Context, c Commit) (*CommitResult, error)
	Close() error
}

// Commit describes one ingested message. Conversation supplies the
// identity used if the contact has no conversation yet; Flags are merged
// into whichever conversation ends up owning the message.
type Commit struct {
	Conversation models.Conversation
	Flags        models.Flags
	Message      models.Message
}

type CommitResult struct {
	// Conversation holds the stored identity and flags after the commit.
	// Messages are not loaded.
	Conversation models.Conversation
	Message      models.Message
	// Previous are the flags before this commit.
	Previous models.Flags
}

// Escalated reports whether this commit turned the conversation high priority.
func (r *CommitResult) Escalated() bool {
	return !r.Previous.HighPriority && r.Conversation.IsHighPriority
}
