package stream

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/kartikbazzad/vaultfile/internal/config"
	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/logger"
	"github.com/kartikbazzad/vaultfile/internal/page"
)

// Special streams get deterministic identities so recovery scans can tell
// them apart from user streams.
var specialNamespace = uuid.MustParse("8c3b7f52-5b4e-4f1a-9d37-61a0c52f3e88")

func specialIdentity(index int) uuid.UUID {
	return uuid.NewSHA1(specialNamespace, []byte{byte(index)})
}

func specialMetaKey(index int) string {
	return fmt.Sprintf("stream.special.%d", index)
}

// Manager owns a container's streams: a fixed set of special streams all
// variants carry, and for the dynamic variant an open-ended set of user
// streams tracked by the registry.
type Manager struct {
	store    *page.Store
	cfg      *config.Config
	logger   *logger.Logger
	specials []*Stream
	closed   bool
}

func openManager(path string, secret []byte, specialCount int, cfg *config.Config, log *logger.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if !cfg.Valid() {
		return nil, errors.ErrInvalidFormat
	}

	var store *page.Store
	if _, err := os.Stat(path); os.IsNotExist(err) {
		header := page.NewHeader(cfg.PageSize, 0, 0, 0, uuid.Nil)
		store, err = page.Create(path, secret, header, cfg, log)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		store, err = page.Open(path, secret, cfg, log)
		if err != nil {
			return nil, err
		}
	}

	m := &Manager{store: store, cfg: cfg, logger: log}
	for i := 0; i < specialCount; i++ {
		identity := specialIdentity(i)
		record, ok := store.GetMetadata(specialMetaKey(i))
		if !ok {
			s := New(store, identity)
			if err := store.SetMetadata(specialMetaKey(i), s.Record()); err != nil {
				store.Close()
				return nil, err
			}
			m.specials = append(m.specials, s)
			continue
		}
		s, err := Open(store, identity, record)
		if err != nil {
			store.Close()
			return nil, err
		}
		m.specials = append(m.specials, s)
	}
	return m, nil
}

// Store exposes the underlying page store.
func (m *Manager) Store() *page.Store {
	return m.store
}

// Config returns the configuration the container was opened with.
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// SpecialStream returns one of the reserved streams by index.
func (m *Manager) SpecialStream(index int) (*Stream, error) {
	if m.closed {
		return nil, errors.ErrClosed
	}
	if index < 0 || index >= len(m.specials) {
		return nil, errors.ErrStreamRange
	}
	return m.specials[index], nil
}

// saveSpecials flushes every reserved stream and its descriptor.
func (m *Manager) saveSpecials() error {
	for i, s := range m.specials {
		if err := s.Save(); err != nil {
			return err
		}
		if err := m.store.SetMetadata(specialMetaKey(i), s.Record()); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint flushes stream state and forces the store to apply its log.
func (m *Manager) Checkpoint() error {
	if m.closed {
		return errors.ErrClosed
	}
	if err := m.saveSpecials(); err != nil {
		return err
	}
	return m.store.Checkpoint()
}

// Close flushes everything and closes the container.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	if err := m.saveSpecials(); err != nil {
		return err
	}
	m.closed = true
	return m.store.Close()
}

// SingleStreamManager drives a container holding exactly one data stream.
type SingleStreamManager struct {
	Manager
}

// StreamData is the index of the lone data stream.
const StreamData = 0

func NewSingleStreamManager(path string, secret []byte, cfg *config.Config, log *logger.Logger) (*SingleStreamManager, error) {
	m, err := openManager(path, secret, 1, cfg, log)
	if err != nil {
		return nil, err
	}
	return &SingleStreamManager{Manager: *m}, nil
}

// FixedMultiStreamManager drives a container with a fixed set of streams
// decided at setup.
type FixedMultiStreamManager struct {
	Manager
}

func NewFixedMultiStreamManager(path string, secret []byte, count int, cfg *config.Config, log *logger.Logger) (*FixedMultiStreamManager, error) {
	if count < 1 {
		return nil, errors.ErrStreamRange
	}
	m, err := openManager(path, secret, count, cfg, log)
	if err != nil {
		return nil, err
	}
	return &FixedMultiStreamManager{Manager: *m}, nil
}

// DynamicMultiStreamManager drives a container with an open-ended set of
// user streams. Special stream 0 backs the registry.
type DynamicMultiStreamManager struct {
	Manager
	registry *Registry
	open     map[uuid.UUID]*Stream
}

// registryStream is the reserved index backing the registry. Managers
// layered on top (like the vault filesystem) claim indexes after
// ReservedStreams for their own bookkeeping.
const registryStream = 0

// ReservedStreams is the count of special streams the dynamic manager
// claims for itself.
const ReservedStreams = 1

func NewDynamicMultiStreamManager(path string, secret []byte, cfg *config.Config, log *logger.Logger) (*DynamicMultiStreamManager, error) {
	return newDynamic(path, secret, ReservedStreams, cfg, log)
}

// NewDynamicWithSpecials opens a dynamic manager carrying extra special
// streams beyond the registry's.
func NewDynamicWithSpecials(path string, secret []byte, extra int, cfg *config.Config, log *logger.Logger) (*DynamicMultiStreamManager, error) {
	return newDynamic(path, secret, ReservedStreams+extra, cfg, log)
}

func newDynamic(path string, secret []byte, specials int, cfg *config.Config, log *logger.Logger) (*DynamicMultiStreamManager, error) {
	m, err := openManager(path, secret, specials, cfg, log)
	if err != nil {
		return nil, err
	}
	registry, err := LoadRegistry(m.specials[registryStream], cfg.TreeOrder)
	if err != nil {
		m.store.Close()
		return nil, err
	}
	return &DynamicMultiStreamManager{
		Manager:  *m,
		registry: registry,
		open:     make(map[uuid.UUID]*Stream),
	}, nil
}

// NewStream mints a stream under a fresh identity.
func (m *DynamicMultiStreamManager) NewStream() (*Stream, error) {
	if m.closed {
		return nil, errors.ErrClosed
	}
	s := New(m.store, uuid.New())
	if err := m.registry.Set(s.Identity(), s.Record()); err != nil {
		return nil, err
	}
	m.open[s.Identity()] = s
	return s, nil
}

// OpenStream attaches to a registered stream.
func (m *DynamicMultiStreamManager) OpenStream(identity uuid.UUID) (*Stream, error) {
	if m.closed {
		return nil, errors.ErrClosed
	}
	if s, ok := m.open[identity]; ok {
		return s, nil
	}
	record, err := m.registry.Get(identity)
	if err != nil {
		return nil, err
	}
	s, err := Open(m.store, identity, record)
	if err != nil {
		return nil, err
	}
	m.open[identity] = s
	return s, nil
}

// CloseStream flushes a stream and updates its registry record.
func (m *DynamicMultiStreamManager) CloseStream(s *Stream) error {
	if m.closed {
		return errors.ErrClosed
	}
	if err := s.Save(); err != nil {
		return err
	}
	if err := m.registry.Set(s.Identity(), s.Record()); err != nil {
		return err
	}
	delete(m.open, s.Identity())
	return nil
}

// DelStream unregisters a stream and recycles every block it held.
func (m *DynamicMultiStreamManager) DelStream(identity uuid.UUID) error {
	if m.closed {
		return errors.ErrClosed
	}
	s, err := m.OpenStream(identity)
	if err != nil {
		return err
	}
	if err := s.Reclaim(); err != nil {
		return err
	}
	delete(m.open, identity)
	return m.registry.Remove(identity)
}

// StreamCount returns the number of registered user streams.
func (m *DynamicMultiStreamManager) StreamCount() (int, error) {
	return m.registry.Count()
}

// Registry exposes the identity index, read-mostly.
func (m *DynamicMultiStreamManager) Registry() *Registry {
	return m.registry
}

// RepairRegistry throws the registry away and rebuilds it from the block
// pages themselves.
func (m *DynamicMultiStreamManager) RepairRegistry() (int, error) {
	if m.closed {
		return 0, errors.ErrClosed
	}
	skip := make(map[uuid.UUID]bool, len(m.specials))
	for i := range m.specials {
		skip[specialIdentity(i)] = true
	}
	records, err := ScanStreams(m.store, skip)
	if err != nil {
		return 0, err
	}
	if err := m.registry.replace(records); err != nil {
		return 0, err
	}
	m.logger.Info("registry rebuilt from %d stream(s)", len(records))
	return len(records), nil
}

func (m *DynamicMultiStreamManager) syncRegistry() error {
	for _, s := range m.open {
		if err := s.Save(); err != nil {
			return err
		}
		if err := m.registry.Set(s.Identity(), s.Record()); err != nil {
			return err
		}
	}
	return m.registry.Checkpoint()
}

// Checkpoint persists the registry before the store applies its log.
func (m *DynamicMultiStreamManager) Checkpoint() error {
	if m.closed {
		return errors.ErrClosed
	}
	if err := m.syncRegistry(); err != nil {
		return err
	}
	return m.Manager.Checkpoint()
}

// Close persists the registry and closes the container.
func (m *DynamicMultiStreamManager) Close() error {
	if m.closed {
		return nil
	}
	if err := m.syncRegistry(); err != nil {
		return err
	}
	return m.Manager.Close()
}
