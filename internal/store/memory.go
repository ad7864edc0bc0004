package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

// MemoryStore keeps messages in process memory. It backs tests and
// single-node development setups.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[uuid.UUID][]Message
	byID     map[uuid.UUID]Message
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels: make(map[uuid.UUID][]Message),
		byID:     make(map[uuid.UUID]Message),
		now:      time.Now,
	}
}

func (ms *MemoryStore) CreateMessage(_ context.Context, msg NewMessage) (Message, error) {
	msg, err := msg.Validate()
	if err != nil {
		return Message{}, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	record := newRecord(msg, ms.now())
	ms.channels[record.ChannelID] = append(ms.channels[record.ChannelID], record)
	ms.byID[record.ID] = record
	return record, nil
}

func (ms *MemoryStore) ListMessages(_ context.Context, channelID uuid.UUID, limit int, before uuid.UUID) ([]Message, error) {
	limit = ClampLimit(limit)

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	messages := ms.channels[channelID]
	end := len(messages)
	if before != uuid.Nil {
		cursor, ok := ms.byID[before]
		if !ok || cursor.ChannelID != channelID {
			return nil, errors.Annotatef(ErrNotFound, "message %s", before)
		}
		// Messages are appended in creation order, so the cursor index bounds the page.
		for i := range messages {
			if messages[i].ID == before {
				end = i
				break
			}
		}
	}

	result := make([]Message, 0, min(limit, end))
	for i := end - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, messages[i])
	}
	return result, nil
}

func (ms *MemoryStore) Close(context.Context) error {
	return nil
}
