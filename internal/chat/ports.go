package chat

import (
	"context"
	"iter"

	"github.com/khwebchat/kh-web-chat/internal/models"
)

// Turn is the outbound content of a single user turn: optional text followed by
// zero or more images in selection order. Adapters that speak to a provider
// send a bare string when the turn is text-only and an ordered part list
// otherwise, with the text part first.
type Turn struct {
	Text   string
	Images []models.ImageAttachment
}

// HistoryTurn mirrors one prior log entry into a provider conversation
// context. Only user and ai senders are ever mirrored; user turns carry their
// images, ai turns are text-only.
type HistoryTurn struct {
	Sender models.Sender
	Text   string
	Images []models.ImageAttachment
}

// Conversation is a provider-side conversational context seeded with prior
// turns and a system directive. Stream sends one turn and yields the reply as
// an ordered, finite sequence of text deltas. The sequence is not restartable
// and may fail mid-way; the text visible so far is the concatenation of all
// deltas yielded before the failure.
type Conversation interface {
	Stream(ctx context.Context, turn Turn) iter.Seq2[string, error]
}

// StreamingChatClient opens provider conversation contexts. The directive is a
// short natural-language instruction appended to the provider's system
// instruction, selecting the reply language.
type StreamingChatClient interface {
	NewContext(ctx context.Context, history []HistoryTurn, directive string) (Conversation, error)
}

// Store is the persistence boundary for the session list. Implementations
// treat sessions as opaque records under a well-known location; a load after a
// save must reproduce the same sessions, sorted by last-modified descending.
type Store interface {
	Sessions(ctx context.Context) ([]models.Session, error)
	PutSession(ctx context.Context, sess models.Session) error
	DeleteSession(ctx context.Context, id string) error
}
