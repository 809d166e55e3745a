package log

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// rotatingFile is an io.Writer over a log file that is renamed aside once it
// grows past maxSize. Handlers derived through WithAttrs/WithGroup share it.
type rotatingFile struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	size       int64
	maxSize    int64 // bytes
	maxAge     int   // days
	maxBackups int
}

func openRotatingFile(cfg *Config) (*rotatingFile, error) {
	dir := filepath.Dir(cfg.FilePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	maxSize := int64(cfg.MaxSizeMB) * 1024 * 1024
	if maxSize < 1024 {
		maxSize = 1024
	}

	rf := &rotatingFile{
		path:       cfg.FilePath,
		maxSize:    maxSize,
		maxAge:     cfg.MaxAgeDays,
		maxBackups: cfg.MaxBackups,
	}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) open() error {
	file, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rf.file = file
	rf.size = info.Size()
	return nil
}

func (rf *rotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.size >= rf.maxSize {
		if err := rf.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// rotate closes the current file and creates a new one.
func (rf *rotatingFile) rotate() error {
	rf.file.Close()

	backup := rf.path + "." + time.Now().Format("2006-01-02T15-04-05.000")
	if err := os.Rename(rf.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	rf.cleanOldBackups()
	return rf.open()
}

// cleanOldBackups removes backup files exceeding maxBackups or older than maxAge.
func (rf *rotatingFile) cleanOldBackups() {
	matches, err := filepath.Glob(rf.path + ".*")
	if err != nil {
		return
	}

	type backup struct {
		path string
		mod  time.Time
	}
	backups := make([]backup, 0, len(matches))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil {
			backups = append(backups, backup{m, info.ModTime()})
		}
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].mod.After(backups[j].mod)
	})

	cutoff := time.Now().AddDate(0, 0, -rf.maxAge)
	for i, b := range backups {
		if i >= rf.maxBackups || b.mod.Before(cutoff) {
			os.Remove(b.path)
		}
	}
}

func (rf *rotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

// FileHandler writes logs to a file with rotation support.
type FileHandler struct {
	slog.Handler
	out *rotatingFile
}

// NewFileHandler creates a file handler with rotation.
func NewFileHandler(cfg *Config, level slog.Level) (*FileHandler, error) {
	out, err := openRotatingFile(cfg)
	if err != nil {
		return nil, err
	}
	return &FileHandler{
		Handler: newFormatHandler(out, cfg.Format, level),
		out:     out,
	}, nil
}

func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &FileHandler{Handler: h.Handler.WithAttrs(attrs), out: h.out}
}

func (h *FileHandler) WithGroup(name string) slog.Handler {
	return &FileHandler{Handler: h.Handler.WithGroup(name), out: h.out}
}

// Close closes the underlying file.
func (h *FileHandler) Close() error {
	return h.out.Close()
}
