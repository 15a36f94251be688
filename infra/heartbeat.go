package infra

import (
	"context"
	"errors"
	"time"
)

const (
	BuildWorkerBeacon   = "status:worker-build"
	RuntimeWorkerBeacon = "status:worker-runtime"
)

// BeaconStore is the TTL key/value store beacons are written to
type BeaconStore interface {
	SetString(ctx context.Context, key, value string, expiration time.Duration) error
	GetString(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) error
}

// Heartbeat refreshes a worker's beacon key with an expiry. A worker that
// hangs or dies stops refreshing and the key disappears after the TTL.
type Heartbeat struct {
	store    BeaconStore
	key      string
	interval time.Duration
	ttl      time.Duration
	logger   *LoggerClient
}

func NewHeartbeat(store BeaconStore, key string, interval, ttl time.Duration, logger *LoggerClient) *Heartbeat {
	return &Heartbeat{
		store:    store,
		key:      key,
		interval: interval,
		ttl:      ttl,
		logger:   logger,
	}
}

func (h *Heartbeat) Beat(ctx context.Context) error {
	return h.store.SetString(ctx, h.key, time.Now().UTC().Format(time.RFC3339), h.ttl)
}

// Clear removes the beacon so a clean shutdown is reported at once rather
// than after the TTL
func (h *Heartbeat) Clear(ctx context.Context) error {
	return h.store.Delete(ctx, h.key)
}

// Run beats immediately and then every interval until ctx is cancelled, then
// clears the beacon
func (h *Heartbeat) Run(ctx context.Context) {
	if err := h.Beat(ctx); err != nil {
		h.logger.WarningWithContextf(ctx, "[Heartbeat] Failed to refresh %s: %v", h.key, err)
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			if err := h.Clear(clearCtx); err != nil {
				h.logger.WarningWithContextf(clearCtx, "[Heartbeat] Failed to clear %s: %v", h.key, err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
				h.logger.WarningWithContextf(ctx, "[Heartbeat] Failed to refresh %s: %v", h.key, err)
			}
		}
	}
}

type BeaconStatus struct {
	Alive    bool   `json:"alive"`
	LastSeen string `json:"last_seen,omitempty"`
}

// ReadBeacon reports whether the beacon key is still present
func ReadBeacon(ctx context.Context, store BeaconStore, key string) (BeaconStatus, error) {
	val, err := store.GetString(ctx, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return BeaconStatus{Alive: false}, nil
		}
		return BeaconStatus{}, err
	}
	return BeaconStatus{Alive: true, LastSeen: val}, nil
}
