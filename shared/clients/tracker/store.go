package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"moneyflow-events/shared/events"
)

// Keys used in the Store. They match the browser SDK's localStorage keys so a
// shared store can be read by either.
const (
	KeyDeviceID     = "moneyflow_device_id"
	KeyOfflineQueue = "moneyflow_offline_queue"
)

var ErrNotFound = errors.New("tracker: key not found")

// Store is the durable key/value area the tracker keeps its device id and
// offline queue in.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = v
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func loadQueue(ctx context.Context, s Store) ([]events.Event, error) {
	raw, err := s.Get(ctx, KeyOfflineQueue)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var evs []events.Event
	if err := json.Unmarshal(raw, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

func saveQueue(ctx context.Context, s Store, evs []events.Event) error {
	if len(evs) == 0 {
		return s.Delete(ctx, KeyOfflineQueue)
	}
	raw, err := json.Marshal(evs)
	if err != nil {
		return err
	}
	return s.Put(ctx, KeyOfflineQueue, raw)
}
