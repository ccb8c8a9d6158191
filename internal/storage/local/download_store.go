// Package local stores downloaded bulletins on the local filesystem.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
)

// Defaults for the download layout.
const (
	DefaultSubdir   = "公告"
	DefaultMinBytes = 1024
)

// Config captures the parameters for the download store.
type Config struct {
	// BaseDir is the root under which one directory per security code is created.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// Subdir is appended below each security code directory.
	Subdir string `mapstructure:"subdir" yaml:"subdir"`
	// MinBytes is the smallest file accepted as a real document.
	MinBytes int64 `mapstructure:"min_bytes" yaml:"min_bytes"`
}

// DownloadStore writes each record to <base>/<code>/<subdir>/<date>_<title>.pdf exactly once.
type DownloadStore struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a download store rooted at cfg.BaseDir, creating it when absent.
func New(cfg Config, logger *zap.Logger) (*DownloadStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	if cfg.Subdir == "" {
		cfg.Subdir = DefaultSubdir
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = DefaultMinBytes
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, errors.New("base directory path is not a directory")
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &DownloadStore{cfg: cfg, logger: logger, now: time.Now}, nil
}

// Dir returns the directory documents for code are written to.
func (s *DownloadStore) Dir(code string) string {
	return filepath.Join(s.cfg.BaseDir, code, s.cfg.Subdir)
}

// Path returns the final location of rec for code.
func (s *DownloadStore) Path(code string, rec crawler.Record) string {
	return filepath.Join(s.Dir(code), Filename(rec))
}

// Exists reports whether rec is already on disk.
func (s *DownloadStore) Exists(code string, rec crawler.Record) (string, bool) {
	path := s.Path(code, rec)
	_, err := os.Stat(path)
	return path, err == nil
}

// Save writes data for rec unless it is already present. Writes go through a temporary
// file in the target directory that is hard-linked into place, so a partial document never
// appears under the final name and an existing file is never replaced.
func (s *DownloadStore) Save(_ context.Context, code string, rec crawler.Record, data []byte) crawler.Outcome {
	const op = "save document"
	finish := func(out crawler.Outcome) crawler.Outcome {
		out.FinishedAt = s.now()
		return out
	}

	dir := s.Dir(code)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return finish(crawler.Failed(rec, crawler.NewError(crawler.KindIOFailure, op, err)))
	}
	path := s.Path(code, rec)
	if _, err := os.Stat(path); err == nil {
		s.logger.Info("File already exists, skipping", zap.String("path", path))
		return finish(crawler.Skipped(rec, path))
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return finish(crawler.Failed(rec, crawler.NewError(crawler.KindIOFailure, op, err)))
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("Failed to remove temporary file", zap.String("path", tmpName), zap.Error(rmErr))
		}
	}

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		cleanup()
		return finish(crawler.Failed(rec, crawler.NewError(crawler.KindIOFailure, op, err)))
	}

	info, err := os.Stat(tmpName)
	if err != nil {
		cleanup()
		return finish(crawler.Failed(rec, crawler.NewError(crawler.KindIOFailure, op, err)))
	}
	if info.Size() < s.cfg.MinBytes {
		cleanup()
		s.logger.Warn("Abnormal file size, discarded",
			zap.String("path", path),
			zap.Int64("size_bytes", info.Size()),
		)
		return finish(crawler.Failed(rec, crawler.Errorf(crawler.KindSizeBelowThreshold, op,
			"%d bytes is below the %d byte minimum", info.Size(), s.cfg.MinBytes)))
	}

	// Link fails when path exists, so a concurrent save of the same record never replaces it.
	linkErr := os.Link(tmpName, path)
	cleanup()
	if errors.Is(linkErr, fs.ErrExist) {
		s.logger.Info("File already exists, skipping", zap.String("path", path))
		return finish(crawler.Skipped(rec, path))
	}
	if linkErr != nil {
		return finish(crawler.Failed(rec, crawler.NewError(crawler.KindIOFailure, op, linkErr)))
	}

	sum := sha256.Sum256(data)
	return finish(crawler.Outcome{
		Record:    rec,
		Status:    crawler.StatusSucceeded,
		SizeBytes: info.Size(),
		Path:      path,
		SHA256:    hex.EncodeToString(sum[:]),
	})
}

// Filename derives "<date>_<title>.pdf", dropping every rune that is not a letter, a digit,
// or one of " -_.".
func Filename(rec crawler.Record) string {
	raw := rec.Date + "_" + rec.Title + ".pdf"
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || strings.ContainsRune(" -_.", r) {
			return r
		}
		return -1
	}, raw)
}
