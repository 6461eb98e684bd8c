package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/aquamarinepk/aqm"
	"github.com/dishlens/dishlens/pkg/kv"
	"github.com/google/uuid"
)

const (
	DeviceIDKey = "dishlens_device_id"

	// FallbackDeviceID is sent when no store is available to keep a real id.
	FallbackDeviceID = "device-unavailable"
)

// DeviceIDSource yields the stable per-device identifier sent with every
// table-session call.
type DeviceIDSource interface {
	DeviceID(ctx context.Context) string
}

// FixedDeviceID is a device id that is already known, e.g. from a cookie.
type FixedDeviceID string

func (f FixedDeviceID) DeviceID(context.Context) string {
	if f == "" {
		return FallbackDeviceID
	}
	return string(f)
}

// StoredDeviceID generates a random id once and keeps it in the store.
type StoredDeviceID struct {
	store  kv.Store
	logger aqm.Logger

	mu     sync.Mutex
	cached string
}

func NewStoredDeviceID(store kv.Store, logger aqm.Logger) *StoredDeviceID {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &StoredDeviceID{store: store, logger: logger}
}

func (s *StoredDeviceID) DeviceID(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached
	}
	if s.store == nil {
		return FallbackDeviceID
	}

	raw, err := s.store.Get(ctx, DeviceIDKey)
	if err == nil {
		var id string
		if json.Unmarshal(raw, &id) == nil && id != "" {
			s.cached = id
			return id
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		s.logger.Info("device id storage unavailable", "error", err)
		return FallbackDeviceID
	}

	id := uuid.NewString()
	if err := kv.SetJSON(ctx, s.store, DeviceIDKey, id); err != nil {
		s.logger.Info("cannot persist device id", "error", err)
		return FallbackDeviceID
	}
	s.cached = id
	return id
}
