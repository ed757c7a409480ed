// Package settings caches service-scoped and globally-scoped controller
// configuration loaded from the external datastore, notifying consumers
// when the backing namespace changes.
//
// Grounded in the teacher's single-writer-task concurrency style,
// generalized from connection state to settings state; copy-on-read
// snapshots and commit-under-lock follow spec.md §5's serialization
// rules for settings stores.
package settings

import (
	"context"
	"sync"

	"github.com/brewblox/sparkgw/internal/units"
)

// ServiceSettings is the per-service persisted document (namespace
// "spark-service", id "{service_name}").
type ServiceSettings struct {
	Enabled bool `json:"enabled"`
}

// GlobalUnits is the global temperature-unit preference document
// (namespace "brewblox-global", id "units").
type GlobalUnits struct {
	Temperature string `json:"temperature"` // "degC" or "degF"
}

// GlobalTimeZone is the global time zone document (namespace
// "brewblox-global", id "timeZone").
type GlobalTimeZone struct {
	Name       string `json:"name"`
	PosixValue string `json:"posixValue"`
}

// Document store round-trips the three well-known documents. Concrete
// implementations live in internal/datastore.
type Store interface {
	ReadServiceSettings(ctx context.Context, serviceName string) (ServiceSettings, error)
	WriteServiceSettings(ctx context.Context, serviceName string, s ServiceSettings) error
	ReadGlobalUnits(ctx context.Context) (GlobalUnits, error)
	WriteGlobalUnits(ctx context.Context, u GlobalUnits) error
	ReadGlobalTimeZone(ctx context.Context) (GlobalTimeZone, error)
	WriteGlobalTimeZone(ctx context.Context, tz GlobalTimeZone) error
}

// ChangeNotifier is the core's only contract with the out-of-scope MQTT
// change-notification collaborator (spec.md §1, §6).
type ChangeNotifier interface {
	OnChange(namespace string, handler func(id string, payload []byte))
}

// Settings caches the service and global documents in memory,
// copy-on-read, committing mutations back to the Store under a lock.
type Settings struct {
	mu sync.RWMutex

	store        Store
	serviceName  string
	service      ServiceSettings
	globalUnits  GlobalUnits
	globalTZ     GlobalTimeZone

	onUnitsChange func(units.Preference)
	onTZChange    func(GlobalTimeZone)
}

// New returns a Settings cache bound to the given store and service name.
func New(store Store, serviceName string) *Settings {
	return &Settings{store: store, serviceName: serviceName}
}

// OnUnitsChange registers a callback invoked whenever the global
// temperature-unit preference is refreshed (via Load or a change
// notification).
func (s *Settings) OnUnitsChange(f func(units.Preference)) {
	s.mu.Lock()
	s.onUnitsChange = f
	s.mu.Unlock()
}

// OnTimeZoneChange registers a callback invoked whenever the global time
// zone is refreshed.
func (s *Settings) OnTimeZoneChange(f func(GlobalTimeZone)) {
	s.mu.Lock()
	s.onTZChange = f
	s.mu.Unlock()
}

// Load fetches all three documents from the store and populates the
// cache, invoking change callbacks once with the loaded values.
func (s *Settings) Load(ctx context.Context) error {
	svc, err := s.store.ReadServiceSettings(ctx, s.serviceName)
	if err != nil {
		return err
	}
	gu, err := s.store.ReadGlobalUnits(ctx)
	if err != nil {
		return err
	}
	gtz, err := s.store.ReadGlobalTimeZone(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.service = svc
	s.globalUnits = gu
	s.globalTZ = gtz
	unitsCb := s.onUnitsChange
	tzCb := s.onTZChange
	s.mu.Unlock()

	if unitsCb != nil {
		unitsCb(preferenceOf(gu))
	}
	if tzCb != nil {
		tzCb(gtz)
	}
	return nil
}

func preferenceOf(u GlobalUnits) units.Preference {
	if u.Temperature == "degF" {
		return units.Fahrenheit
	}
	return units.Celsius
}

// Service returns a copy of the cached service settings.
func (s *Settings) Service() ServiceSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.service
}

// GlobalUnitsSnapshot returns a copy of the cached global units document.
func (s *Settings) GlobalUnitsSnapshot() GlobalUnits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalUnits
}

// GlobalTimeZoneSnapshot returns a copy of the cached global time zone.
func (s *Settings) GlobalTimeZoneSnapshot() GlobalTimeZone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalTZ
}

// CommitServiceSettings writes new service settings to the store and
// updates the cache, under a lock spanning the HTTP call (spec.md §5).
func (s *Settings) CommitServiceSettings(ctx context.Context, svc ServiceSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.WriteServiceSettings(ctx, s.serviceName, svc); err != nil {
		return err
	}
	s.service = svc
	return nil
}

// CommitGlobalUnits writes a new global units preference. A no-op write
// (value unchanged) still goes through the store per idempotent-PUT
// semantics, but callers should check GlobalUnitsSnapshot first if they
// want to avoid the round-trip (spec.md §8: "setting to current value
// produces no controller write" governs the synchronizer's push, not
// this cache's own commit path).
func (s *Settings) CommitGlobalUnits(ctx context.Context, u GlobalUnits) error {
	s.mu.Lock()
	if err := s.store.WriteGlobalUnits(ctx, u); err != nil {
		s.mu.Unlock()
		return err
	}
	s.globalUnits = u
	cb := s.onUnitsChange
	s.mu.Unlock()
	if cb != nil {
		cb(preferenceOf(u))
	}
	return nil
}

// CommitGlobalTimeZone writes a new global time zone.
func (s *Settings) CommitGlobalTimeZone(ctx context.Context, tz GlobalTimeZone) error {
	s.mu.Lock()
	if err := s.store.WriteGlobalTimeZone(ctx, tz); err != nil {
		s.mu.Unlock()
		return err
	}
	s.globalTZ = tz
	cb := s.onTZChange
	s.mu.Unlock()
	if cb != nil {
		cb(tz)
	}
	return nil
}

// HandleNotification applies an externally observed change (from a
// ChangeNotifier) to the cache without writing back to the store.
func (s *Settings) HandleNotification(namespace, id string, payload GlobalUnits) {
	if namespace != "brewblox-global" || id != "units" {
		return
	}
	s.mu.Lock()
	s.globalUnits = payload
	cb := s.onUnitsChange
	s.mu.Unlock()
	if cb != nil {
		cb(preferenceOf(payload))
	}
}
