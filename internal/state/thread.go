// internal/state/thread.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/convaichat/internal/types"
)

const (
	ThreadActive  = "active"
	ThreadCleared = "cleared"
)

// ThreadStore is a JSON-file-backed thread index.
// It stores thread index data in threads/threads.json and creates
// per-thread directories at threads/<threadID>/. Each session key has at
// most one active thread; cleared threads stay in the index.
type ThreadStore struct {
	root string
	mu   sync.RWMutex
}

// NewThreadStore creates a new file-backed ThreadStore rooted at the given directory.
func NewThreadStore(root string) *ThreadStore {
	return &ThreadStore{root: root}
}

func (s *ThreadStore) indexPath() string {
	return filepath.Join(s.root, "threads", "threads.json")
}

func (s *ThreadStore) threadsDir() string {
	return filepath.Join(s.root, "threads")
}

func (s *ThreadStore) threadDir(id types.ThreadID) string {
	return filepath.Join(s.root, "threads", string(id))
}

// loadIndex reads threads.json and returns a map keyed by ThreadID.
func (s *ThreadStore) loadIndex() (map[types.ThreadID]*types.ThreadIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ThreadID]*types.ThreadIndex), nil
		}
		return nil, fmt.Errorf("read thread index: %w", err)
	}

	var threads []*types.ThreadIndex
	if err := json.Unmarshal(data, &threads); err != nil {
		return nil, fmt.Errorf("unmarshal thread index: %w", err)
	}

	index := make(map[types.ThreadID]*types.ThreadIndex, len(threads))
	for _, th := range threads {
		index[th.ThreadID] = th
	}
	return index, nil
}

// saveIndex marshals the index sorted by creation time and writes atomically.
func (s *ThreadStore) saveIndex(index map[types.ThreadID]*types.ThreadIndex) error {
	threads := sortedThreads(index)

	data, err := json.MarshalIndent(threads, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal thread index: %w", err)
	}

	if err := os.MkdirAll(s.threadsDir(), 0o755); err != nil {
		return fmt.Errorf("create threads dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

func sortedThreads(index map[types.ThreadID]*types.ThreadIndex) []*types.ThreadIndex {
	threads := make([]*types.ThreadIndex, 0, len(index))
	for _, th := range index {
		threads = append(threads, th)
	}
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].ThreadID < threads[j].ThreadID
		}
		return threads[i].CreatedAt.Before(threads[j].CreatedAt)
	})
	return threads
}

func activeFor(index map[types.ThreadID]*types.ThreadIndex, key types.SessionKey) *types.ThreadIndex {
	for _, th := range index {
		if th.SessionKey == key && th.Status == ThreadActive {
			return th
		}
	}
	return nil
}

// create adds a fresh active thread for key. Caller must hold the write lock.
func (s *ThreadStore) create(index map[types.ThreadID]*types.ThreadIndex, key types.SessionKey) (*types.ThreadIndex, error) {
	now := time.Now()
	th := &types.ThreadIndex{
		ThreadID:   types.NewThreadID(),
		ResourceID: types.NewResourceID(),
		SessionKey: key,
		Status:     ThreadActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	index[th.ThreadID] = th

	if err := s.saveIndex(index); err != nil {
		return nil, err
	}

	// Create thread directory on demand
	if err := os.MkdirAll(s.threadDir(th.ThreadID), 0o755); err != nil {
		return nil, fmt.Errorf("create thread dir: %w", err)
	}
	return th, nil
}

// ResolveOrCreate returns the active thread for the given key, creating one if needed.
func (s *ThreadStore) ResolveOrCreate(_ context.Context, key types.SessionKey) (*types.ThreadIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	if existing := activeFor(index, key); existing != nil {
		return existing, nil
	}
	return s.create(index, key)
}

// Reset marks the key's active thread as cleared and starts a new one with
// fresh thread and resource ids.
func (s *ThreadStore) Reset(_ context.Context, key types.SessionKey) (*types.ThreadIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	if existing := activeFor(index, key); existing != nil {
		existing.Status = ThreadCleared
		existing.UpdatedAt = time.Now()
	}
	return s.create(index, key)
}

// Get returns the thread with the given ID.
func (s *ThreadStore) Get(_ context.Context, id types.ThreadID) (*types.ThreadIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	th, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("thread not found: %s", id)
	}
	return th, nil
}

// List returns all threads, oldest first.
func (s *ThreadStore) List(_ context.Context) ([]*types.ThreadIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return sortedThreads(index), nil
}

// Update persists changes to the given thread, setting UpdatedAt to now.
func (s *ThreadStore) Update(_ context.Context, thread *types.ThreadIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	if _, ok := index[thread.ThreadID]; !ok {
		return fmt.Errorf("thread not found: %s", thread.ThreadID)
	}

	thread.UpdatedAt = time.Now()
	index[thread.ThreadID] = thread

	return s.saveIndex(index)
}
