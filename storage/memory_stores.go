package storage

import (
	"fmt"
	"io/fs"
	"sync"

	"github.com/maxpert/mqengine/protocol"
)

// MemoryBodyStore implements BodyStore in memory for tests and the memory backend
type MemoryBodyStore struct {
	messages map[string]*protocol.Message
	mutex    sync.RWMutex
}

func NewMemoryBodyStore() *MemoryBodyStore {
	return &MemoryBodyStore{
		messages: make(map[string]*protocol.Message),
	}
}

func (m *MemoryBodyStore) Write(message *protocol.Message) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.messages[message.ID] = copyMessage(message)
	return nil
}

func (m *MemoryBodyStore) Read(id string) (*protocol.Message, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	message, exists := m.messages[id]
	if !exists {
		return nil, fmt.Errorf("message %s: %w", id, fs.ErrNotExist)
	}
	return copyMessage(message), nil
}

func (m *MemoryBodyStore) Remove(id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.messages, id)
	return nil
}

func (m *MemoryBodyStore) Recover(keep func(id string) bool) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	removed := 0
	for id := range m.messages {
		if !keep(id) {
			delete(m.messages, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored bodies.
func (m *MemoryBodyStore) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.messages)
}

// copyMessage avoids sharing the body slice with callers
func copyMessage(message *protocol.Message) *protocol.Message {
	msgCopy := *message
	if message.Body != nil {
		msgCopy.Body = make([]byte, len(message.Body))
		copy(msgCopy.Body, message.Body)
	}
	return &msgCopy
}
