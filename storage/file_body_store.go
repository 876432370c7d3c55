package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/maxpert/mqengine/protocol"
)

const (
	MessagesDir       = "messages"
	FileExtension     = ".msg"
	TempFileExtension = ".tmp"
)

// FileBodyStore keeps one CBOR file per persistent message under
// <data>/messages/<escaped vhost>/<id>.msg
type FileBodyStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileBodyStore creates the vhost's message directory if needed.
func NewFileBodyStore(dataDir, vhost string, logger *zap.Logger) (*FileBodyStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Join(dataDir, MessagesDir, url.PathEscape(vhost))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create message directory %s: %w", dir, err)
	}

	return &FileBodyStore{dir: dir, logger: logger}, nil
}

func (s *FileBodyStore) path(id, ext string) string {
	return filepath.Join(s.dir, id+ext)
}

// Write stores the message with write-temp, fsync, rename, fsync-dir so a crash
// never leaves a partial file under the final name.
func (s *FileBodyStore) Write(message *protocol.Message) error {
	data, err := protocol.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.atomicWrite(message.ID, data)
}

func (s *FileBodyStore) atomicWrite(id string, data []byte) error {
	tempPath := s.path(id, TempFileExtension)
	finalPath := s.path(id, FileExtension)

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return syncDir(s.dir)
}

func (s *FileBodyStore) Read(id string) (*protocol.Message, error) {
	data, err := os.ReadFile(s.path(id, FileExtension))
	if err != nil {
		return nil, err
	}

	message := &protocol.Message{}
	if err := protocol.Unmarshal(data, message); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message %s: %w", id, err)
	}
	return message, nil
}

func (s *FileBodyStore) Remove(id string) error {
	err := os.Remove(s.path(id, FileExtension))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileBodyStore) Recover(keep func(id string) bool) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read message directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		switch {
		case strings.HasSuffix(name, TempFileExtension):
		case strings.HasSuffix(name, FileExtension):
			if keep(strings.TrimSuffix(name, FileExtension)) {
				continue
			}
		default:
			continue
		}

		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove %s: %w", name, err)
		}
		s.logger.Debug("Removed orphaned message file", zap.String("file", name))
		removed++
	}

	return removed, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory for sync: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}
