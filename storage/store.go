// Package storage owns every piece of state the SDK keeps across process
// restarts: device identity, the first-install flag, the cached install
// referrer and install data, and the bounded failed-event queue.
package storage

import (
	"strconv"
	"sync"

	"attribution/json"
	"attribution/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Namespace is the default store namespace (file name or bucket).
const Namespace = "tracking_sdk"

// Persisted keys.
const (
	KeyDeviceID        = "device_id"
	KeyFirstInstall    = "first_install"
	KeyInstallData     = "install_data"
	KeyInstallReferrer = "install_referrer"
	KeyFailedEvents    = "failed_events"
)

// MaxFailedEvents bounds the failed-event queue; older entries are evicted first.
const MaxFailedEvents = 100

// Store is the narrow, synchronous interface over a Backend. Reads never
// fail: missing or corrupt values read as their documented default.
type Store struct {
	backend Backend
	log     *zap.Logger

	deviceMu sync.Mutex
	deviceID string

	// queueMu serialises the read-modify-write of the failed-event queue.
	queueMu sync.Mutex
}

func New(backend Backend, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{backend: backend, log: log}
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) getString(key string) (string, bool) {
	v, ok, err := s.backend.Get(key)
	if err != nil {
		s.log.Warn("storage: read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return string(v), ok
}

// DeviceID returns the persisted device identifier, creating and storing a
// random one on first use. If persisting fails the generated id is still
// kept for the rest of the process.
func (s *Store) DeviceID() string {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()

	if s.deviceID != "" {
		return s.deviceID
	}
	if id, ok := s.getString(KeyDeviceID); ok && id != "" {
		s.deviceID = id
		return id
	}

	id := uuid.NewString()
	if err := s.backend.Put(KeyDeviceID, []byte(id)); err != nil {
		s.log.Error("storage: persist device id", zap.Error(err))
	}
	s.deviceID = id
	return id
}

// IsFirstInstall defaults to true when the flag was never written.
func (s *Store) IsFirstInstall() bool {
	v, ok := s.getString(KeyFirstInstall)
	if !ok {
		return true
	}
	first, err := strconv.ParseBool(v)
	if err != nil {
		s.log.Warn("storage: corrupt first_install flag", zap.String("value", v))
		return true
	}
	return first
}

// FirstInstallState reports the flag together with whether it was ever written.
func (s *Store) FirstInstallState() (value, present bool) {
	_, present = s.getString(KeyFirstInstall)
	return s.IsFirstInstall(), present
}

func (s *Store) MarkFirstInstallComplete() error {
	s.log.Debug("storage: first install complete")
	return s.backend.Put(KeyFirstInstall, []byte(strconv.FormatBool(false)))
}

// ResetFirstInstall sets the flag back to true. Debug and test use only.
func (s *Store) ResetFirstInstall() error {
	s.log.Debug("storage: first install reset")
	return s.backend.Put(KeyFirstInstall, []byte(strconv.FormatBool(true)))
}

func (s *Store) StoreInstallData(d models.InstallData) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.backend.Put(KeyInstallData, raw)
}

func (s *Store) InstallData() (models.InstallData, bool) {
	v, ok := s.getString(KeyInstallData)
	if !ok {
		return models.InstallData{}, false
	}
	var d models.InstallData
	if err := json.Unmarshal([]byte(v), &d); err != nil {
		s.log.Warn("storage: corrupt install data", zap.Error(err))
		return models.InstallData{}, false
	}
	return d, true
}

func (s *Store) StoreInstallReferrer(referrer string) error {
	return s.backend.Put(KeyInstallReferrer, []byte(referrer))
}

func (s *Store) InstallReferrer() (string, bool) {
	v, ok := s.getString(KeyInstallReferrer)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// PushFailedEvent appends ev, evicting the oldest entries beyond MaxFailedEvents.
func (s *Store) PushFailedEvent(ev models.Event) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	queue := append(s.failedEvents(), ev)
	if len(queue) > MaxFailedEvents {
		queue = queue[len(queue)-MaxFailedEvents:]
	}
	return s.writeFailedEvents(queue)
}

// FailedEvents lists the queue in insertion order.
func (s *Store) FailedEvents() []models.Event {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.failedEvents()
}

func (s *Store) ClearFailedEvents() error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.backend.Delete(KeyFailedEvents)
}

// DrainFailedEvents removes and returns the whole queue in one step.
func (s *Store) DrainFailedEvents() ([]models.Event, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	queue := s.failedEvents()
	if len(queue) == 0 {
		return nil, nil
	}
	if err := s.backend.Delete(KeyFailedEvents); err != nil {
		return nil, err
	}
	return queue, nil
}

func (s *Store) failedEvents() []models.Event {
	v, ok := s.getString(KeyFailedEvents)
	if !ok {
		return []models.Event{}
	}
	var queue []models.Event
	if err := json.Unmarshal([]byte(v), &queue); err != nil {
		s.log.Warn("storage: corrupt failed event queue", zap.Error(err))
		return []models.Event{}
	}
	return queue
}

func (s *Store) writeFailedEvents(queue []models.Event) error {
	raw, err := json.Marshal(queue)
	if err != nil {
		return err
	}
	return s.backend.Put(KeyFailedEvents, raw)
}
