// internal/state/message.go
package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/convaichat/internal/types"
)

// MessageStore is a JSONL-backed chat history store.
// Messages are stored per-thread in threads/<threadID>/messages.jsonl.
type MessageStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ThreadID]*sync.Mutex
}

// NewMessageStore creates a new file-backed MessageStore rooted at the given directory.
func NewMessageStore(root string) *MessageStore {
	return &MessageStore{
		root:  root,
		locks: make(map[types.ThreadID]*sync.Mutex),
	}
}

// getLock returns the per-thread mutex, creating one if it doesn't exist.
func (m *MessageStore) getLock(threadID types.ThreadID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[threadID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[threadID] = lock
	return lock
}

func (m *MessageStore) messagesPath(threadID types.ThreadID) string {
	return filepath.Join(m.root, "threads", string(threadID), "messages.jsonl")
}

// readAll loads every message of a thread. Caller must hold the thread lock.
func (m *MessageStore) readAll(threadID types.ThreadID) ([]*types.ChatMessage, error) {
	f, err := os.Open(m.messagesPath(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	// Lines have no size cap.
	var msgs []*types.ChatMessage
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var msg types.ChatMessage
			if uerr := json.Unmarshal(line, &msg); uerr != nil {
				return nil, fmt.Errorf("unmarshal message: %w", uerr)
			}
			msgs = append(msgs, &msg)
		}
		if err == io.EOF {
			return msgs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read messages file: %w", err)
		}
	}
}

// writeAll replaces the thread's history atomically. Caller must hold the thread lock.
func (m *MessageStore) writeAll(threadID types.ThreadID, msgs []*types.ChatMessage) error {
	path := m.messagesPath(threadID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create thread dir: %w", err)
	}

	var data []byte
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		data = append(data, line...)
		data = append(data, '\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp messages: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp messages: %w", err)
	}
	return nil
}

// Append adds a message to the thread's history.
func (m *MessageStore) Append(_ context.Context, msg *types.ChatMessage) error {
	lock := m.getLock(msg.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	// Ensure the thread directory exists
	dir := filepath.Dir(m.messagesPath(msg.ThreadID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create thread dir: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	f, err := os.OpenFile(m.messagesPath(msg.ThreadID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// Tail returns the last N messages for the given thread.
func (m *MessageStore) Tail(_ context.Context, threadID types.ThreadID, limit int) ([]*types.ChatMessage, error) {
	lock := m.getLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := m.readAll(threadID)
	if err != nil {
		return nil, err
	}

	// Return last N messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Count returns the number of messages for the given thread.
func (m *MessageStore) Count(_ context.Context, threadID types.ThreadID) (int64, error) {
	lock := m.getLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := m.readAll(threadID)
	if err != nil {
		return 0, err
	}
	return int64(len(msgs)), nil
}

// SetStatus changes the status of one message. Unknown ids are ignored.
func (m *MessageStore) SetStatus(_ context.Context, threadID types.ThreadID, id types.MessageID, status types.MessageStatus) error {
	lock := m.getLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := m.readAll(threadID)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.ID == id {
			msg.Status = status
			return m.writeAll(threadID, msgs)
		}
	}
	return nil
}

// TruncateAfter drops every message that follows id. Unknown ids leave the
// history untouched.
func (m *MessageStore) TruncateAfter(_ context.Context, threadID types.ThreadID, id types.MessageID) error {
	lock := m.getLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := m.readAll(threadID)
	if err != nil {
		return err
	}
	for i, msg := range msgs {
		if msg.ID == id {
			if i == len(msgs)-1 {
				return nil
			}
			return m.writeAll(threadID, msgs[:i+1])
		}
	}
	return nil
}
