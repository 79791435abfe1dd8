package worker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// EnforceLogRetention deletes the oldest .log files in dir until their total
// size is at or under maxMB megabytes. Other files are left alone. A missing
// directory is not an error.
func EnforceLogRetention(dir string, maxMB int, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read log dir %s: %w", dir, err)
	}

	type logFile struct {
		path    string
		size    int64
		modTime time.Time
	}
	var (
		files []logFile
		total int64
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}

	limit := int64(maxMB) * 1024 * 1024
	if total <= limit {
		return nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files {
		if total <= limit {
			break
		}
		if err := os.Remove(f.path); err != nil {
			logger.Error("remove old log file", "path", f.path, "error", err)
			continue
		}
		total -= f.size
		logger.Info("removed old log file", "path", f.path, "size", f.size)
	}
	return nil
}
