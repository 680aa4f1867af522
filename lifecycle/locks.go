package lifecycle

import "sync"

// ChannelLocks serializes ledger work per channel between the event handlers and the
// reconciliation poller.
type ChannelLocks struct {
	mu    sync.Mutex
	locks map[int64]*channelLock
}

type channelLock struct {
	mu   sync.Mutex
	refs int
}

// NewChannelLocks returns an empty lock set.
func NewChannelLocks() *ChannelLocks {
	return &ChannelLocks{locks: make(map[int64]*channelLock)}
}

// Lock blocks until the channel is free and returns its unlock function. Entries are
// dropped once no goroutine holds or waits for them.
func (c *ChannelLocks) Lock(channelID int64) func() {
	c.mu.Lock()
	l, ok := c.locks[channelID]
	if !ok {
		l = &channelLock{}
		c.locks[channelID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, channelID)
		}
		c.mu.Unlock()
	}
}

func (c *ChannelLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
