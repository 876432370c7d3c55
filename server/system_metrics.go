package server

import (
	"context"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/maxpert/mqengine/storage"
)

const systemMetricsInterval = 10 * time.Second

// startSystemMetricsCollection samples process and disk metrics until ctx is done
func (s *Server) startSystemMetricsCollection(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	s.collectSystemMetrics()

	for {
		select {
		case <-ticker.C:
			s.collectSystemMetrics()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) collectSystemMetrics() {
	s.MetricsCollector.UpdateServerUptime(time.Since(s.StartTime).Seconds())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s.MetricsCollector.UpdateMemoryMetrics(float64(m.Sys), float64(m.HeapInuse))
	s.MetricsCollector.UpdateGoroutines(float64(runtime.NumGoroutine()))

	s.updateDiskMetrics()
}

// updateDiskMetrics reports free space on the data volume and the bytes used
// by the data directory. The memory backend has no data directory.
func (s *Server) updateDiskMetrics() {
	if s.Config == nil || storage.StorageBackend(strings.ToLower(s.Config.Storage.Backend)) != storage.BackendBadger || s.Config.Storage.Path == "" {
		return
	}
	dataDir := s.Config.Storage.Path

	var stat unix.Statfs_t
	if err := unix.Statfs(dataDir, &stat); err != nil {
		return
	}
	freeBytes := float64(stat.Bavail) * float64(stat.Bsize)

	s.MetricsCollector.UpdateDiskMetrics(freeBytes, float64(dataDirSize(dataDir)))
}

func dataDirSize(dataDir string) int64 {
	var total int64
	filepath.WalkDir(dataDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
