package server

import (
	"sync"

	"github.com/google/uuid"
)

// SubscriptionIndex maps a channel id to the users with at least one live
// session subscribed to it. The per-user granularity means removal needs the
// caller to have checked the user's other sessions first.
type SubscriptionIndex struct {
	mutex    sync.RWMutex
	channels map[uuid.UUID]map[uuid.UUID]struct{}
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		channels: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Subscribe adds the user to the channel's subscriber set and reports
// whether it was newly added.
func (x *SubscriptionIndex) Subscribe(channelID, userID uuid.UUID) bool {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	users, ok := x.channels[channelID]
	if !ok {
		users = make(map[uuid.UUID]struct{})
		x.channels[channelID] = users
	}
	if _, exists := users[userID]; exists {
		return false
	}
	users[userID] = struct{}{}
	return true
}

// UnsubscribeIfNoOtherSession removes the user from the channel unless
// stillSubscribed says another live session of the user holds it. An emptied
// channel entry is deleted. It reports whether the user was removed.
func (x *SubscriptionIndex) UnsubscribeIfNoOtherSession(channelID, userID uuid.UUID, stillSubscribed bool) bool {
	if stillSubscribed {
		return false
	}

	x.mutex.Lock()
	defer x.mutex.Unlock()

	users, ok := x.channels[channelID]
	if !ok {
		return false
	}
	if _, exists := users[userID]; !exists {
		return false
	}

	delete(users, userID)
	if len(users) == 0 {
		delete(x.channels, channelID)
	}
	return true
}

// SubscribersOf returns a snapshot of the channel's subscribed user ids.
func (x *SubscriptionIndex) SubscribersOf(channelID uuid.UUID) []uuid.UUID {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	users := x.channels[channelID]
	if len(users) == 0 {
		return nil
	}

	snapshot := make([]uuid.UUID, 0, len(users))
	for userID := range users {
		snapshot = append(snapshot, userID)
	}
	return snapshot
}

// IsSubscribed reports whether the user is in the channel's subscriber set.
func (x *SubscriptionIndex) IsSubscribed(channelID, userID uuid.UUID) bool {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	_, ok := x.channels[channelID][userID]
	return ok
}

// HasChannel reports whether the channel has an entry at all.
func (x *SubscriptionIndex) HasChannel(channelID uuid.UUID) bool {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	_, ok := x.channels[channelID]
	return ok
}

// ChannelCount returns the number of channels with at least one subscriber.
func (x *SubscriptionIndex) ChannelCount() int {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	return len(x.channels)
}
