package infra

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryBeaconStore struct {
	mu      sync.Mutex
	values  map[string]string
	ttls    map[string]time.Duration
	writes  int
	failErr error
}

func newMemoryBeaconStore() *memoryBeaconStore {
	return &memoryBeaconStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryBeaconStore) SetString(_ context.Context, key, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.values[key] = value
	m.ttls[key] = expiration
	m.writes++
	return nil
}

func (m *memoryBeaconStore) GetString(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (m *memoryBeaconStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *memoryBeaconStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func TestHeartbeatRefreshesUntilCancelled(t *testing.T) {
	store := newMemoryBeaconStore()
	hb := NewHeartbeat(store, BuildWorkerBeacon, 5*time.Millisecond, 10*time.Second, NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.writeCount() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop after cancel")
	}

	store.mu.Lock()
	assert.Equal(t, 10*time.Second, store.ttls[BuildWorkerBeacon])
	store.mu.Unlock()

	status, err := ReadBeacon(context.Background(), store, BuildWorkerBeacon)
	require.NoError(t, err)
	assert.False(t, status.Alive, "beacon is cleared on shutdown")
}

func TestReadBeacon(t *testing.T) {
	ctx := context.Background()
	store := newMemoryBeaconStore()

	status, err := ReadBeacon(ctx, store, RuntimeWorkerBeacon)
	require.NoError(t, err)
	assert.False(t, status.Alive)

	hb := NewHeartbeat(store, RuntimeWorkerBeacon, time.Second, 10*time.Second, NewNopLogger())
	require.NoError(t, hb.Beat(ctx))

	status, err = ReadBeacon(ctx, store, RuntimeWorkerBeacon)
	require.NoError(t, err)
	assert.True(t, status.Alive)
	assert.NotEmpty(t, status.LastSeen)
}
