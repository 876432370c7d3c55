package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/maxpert/mqengine/interfaces"
)

// StorageBackend represents the supported storage backends
type StorageBackend string

const (
	BackendMemory StorageBackend = "memory"
	BackendBadger StorageBackend = "badger"
)

const MetadataDir = "metadata"

// Store is the Storage implementation returned by Open
type Store struct {
	backend  StorageBackend
	dataDir  string
	metadata *BadgerMetadataStore
	lock     *DirLock
	logger   *zap.Logger

	mutex  sync.Mutex
	bodies map[string]interfaces.BodyStore
}

// Open creates the storage described by cfg. The badger backend locks cfg.Path for
// the lifetime of the returned Store.
func Open(cfg interfaces.StorageConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	backend := StorageBackend(strings.ToLower(cfg.Backend))
	store := &Store{
		backend: backend,
		dataDir: cfg.Path,
		logger:  logger,
		bodies:  make(map[string]interfaces.BodyStore),
	}

	switch backend {
	case BackendMemory:
		metadata, err := NewBadgerMetadataStore("", false, logger)
		if err != nil {
			return nil, err
		}
		store.metadata = metadata

	case BackendBadger:
		if cfg.Path == "" {
			return nil, fmt.Errorf("storage path required for backend: %s", backend)
		}

		lock, err := LockDir(cfg.Path)
		if err != nil {
			return nil, err
		}

		metadata, err := NewBadgerMetadataStore(filepath.Join(cfg.Path, MetadataDir), cfg.SyncWrites, logger)
		if err != nil {
			lock.Unlock()
			return nil, err
		}
		store.lock = lock
		store.metadata = metadata

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}

	logger.Info("Storage opened",
		zap.String("backend", string(backend)),
		zap.String("path", cfg.Path))

	return store, nil
}

func (s *Store) Metadata() interfaces.MetadataStore {
	return s.metadata
}

func (s *Store) Bodies(vhost string) (interfaces.BodyStore, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if bodies, ok := s.bodies[vhost]; ok {
		return bodies, nil
	}

	var bodies interfaces.BodyStore
	if s.backend == BackendMemory {
		bodies = NewMemoryBodyStore()
	} else {
		fileStore, err := NewFileBodyStore(s.dataDir, vhost, s.logger)
		if err != nil {
			return nil, err
		}
		bodies = fileStore
	}

	s.bodies[vhost] = bodies
	return bodies, nil
}

func (s *Store) Close() error {
	err := s.metadata.Close()
	if unlockErr := s.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}
