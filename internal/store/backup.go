package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Backup writes a consistent copy of the database to dest. VACUUM INTO is
// safe while WAL writers are active, unlike copying the file.
func (db *DB) Backup(ctx context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return classify(err, "backup database")
	}
	return nil
}

// CleanupBackups removes backup files in dir older than retention and
// returns how many were deleted.
func CleanupBackups(dir string, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	deleted := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), "tablealloc_") || filepath.Ext(file.Name()) != ".db" {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, file.Name())); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// BackupService takes periodic backups and prunes old ones.
type BackupService struct {
	db        *DB
	dir       string
	interval  time.Duration
	retention time.Duration
	logger    zerolog.Logger
}

func NewBackupService(db *DB, dir string, interval, retention time.Duration, logger *zerolog.Logger) *BackupService {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "backup").Logger()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &BackupService{db: db, dir: dir, interval: interval, retention: retention, logger: l}
}

// Start runs until ctx is done. The first backup happens after a short delay.
func (s *BackupService) Start(ctx context.Context) {
	s.logger.Info().Str("dir", s.dir).Dur("interval", s.interval).Msg("backup service started")

	select {
	case <-time.After(time.Minute):
		s.RunOnce(ctx)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce takes one backup and prunes expired ones. Failures are logged.
func (s *BackupService) RunOnce(ctx context.Context) string {
	dest := filepath.Join(s.dir, fmt.Sprintf("tablealloc_%s.db", time.Now().Format("20060102_150405")))

	s.logger.Info().Str("path", dest).Msg("starting database backup")
	if err := s.db.Backup(ctx, dest); err != nil {
		s.logger.Error().Err(err).Msg("backup failed")
		return ""
	}
	s.logger.Info().Msg("backup completed successfully")

	deleted, err := CleanupBackups(s.dir, s.retention)
	if err != nil {
		s.logger.Error().Err(err).Msg("backup cleanup failed")
	} else if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Msg("cleaned up old backups")
	}
	return dest
}
