package vote

import "sync"

// keyLocks serializes changes per (user, topic) and orders their anchoring.
// An entry lives while someone holds or waits for its mutex or has an
// anchoring turn outstanding.
type keyLocks struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
	// tail is closed when the most recently queued anchoring finishes.
	tail chan struct{}
}

// anchorTurn is one place in a key's anchoring queue.
type anchorTurn struct {
	prev <-chan struct{}
	done func()
}

// wait blocks until every earlier anchoring of the key has finished.
func (t anchorTurn) wait() {
	if t.prev != nil {
		<-t.prev
	}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{entries: make(map[string]*keyEntry)}
}

func lockKey(userID, topicID string) string {
	return userID + "\x00" + topicID
}

func (k *keyLocks) acquire(key string) *keyEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *keyLocks) release(key string, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

func (k *keyLocks) lock(userID, topicID string) func() {
	key := lockKey(userID, topicID)
	e := k.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.release(key, e)
	}
}

// queue takes the next anchoring turn for the key. It must be called with
// the key locked so turns follow the order in which changes were applied.
// The turn's done must be called exactly once.
func (k *keyLocks) queue(userID, topicID string) anchorTurn {
	key := lockKey(userID, topicID)
	e := k.acquire(key)
	mine := make(chan struct{})

	k.mu.Lock()
	prev := e.tail
	e.tail = mine
	k.mu.Unlock()

	var once sync.Once
	return anchorTurn{
		prev: prev,
		done: func() {
			once.Do(func() {
				close(mine)
				k.mu.Lock()
				if e.tail == mine {
					e.tail = nil
				}
				k.mu.Unlock()
				k.release(key, e)
			})
		},
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
