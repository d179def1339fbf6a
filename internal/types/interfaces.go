// internal/types/interfaces.go
package types

import "context"

type ThreadStore interface {
	ResolveOrCreate(ctx context.Context, key SessionKey) (*ThreadIndex, error)
	Get(ctx context.Context, id ThreadID) (*ThreadIndex, error)
	List(ctx context.Context) ([]*ThreadIndex, error)
	Update(ctx context.Context, thread *ThreadIndex) error
	Reset(ctx context.Context, key SessionKey) (*ThreadIndex, error)
}

type MessageStore interface {
	Append(ctx context.Context, msg *ChatMessage) error
	Tail(ctx context.Context, threadID ThreadID, limit int) ([]*ChatMessage, error)
	Count(ctx context.Context, threadID ThreadID) (int64, error)
	SetStatus(ctx context.Context, threadID ThreadID, id MessageID, status MessageStatus) error
	TruncateAfter(ctx context.Context, threadID ThreadID, id MessageID) error
}
