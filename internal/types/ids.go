// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionKey string
type ThreadID string
type ResourceID string
type MessageID string

func NewThreadID() ThreadID {
	return ThreadID(uuid.New().String())
}

func NewResourceID() ResourceID {
	return ResourceID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}
