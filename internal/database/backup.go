package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskmirror/internal/config"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

const snapshotPrefix = "mirror_"

// BackupService periodically snapshots the mirror database. The mirror is
// rebuildable from the CRM, but a snapshot preserves local state a resync
// cannot recover: sync cursors, pending pushes, conflict history and run
// bookkeeping.
type BackupService struct {
	dbPath string
	config config.BackupConfig
	logger *zerolog.Logger
}

func NewBackupService(dbPath string, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	return &BackupService{
		dbPath: dbPath,
		config: cfg,
		logger: logger,
	}
}

func (s *BackupService) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info().Msg("Mirror snapshots disabled")
		return
	}

	interval := 24 * time.Hour
	if s.config.Schedule != "" {
		if d, err := time.ParseDuration(s.config.Schedule); err == nil {
			interval = d
		} else {
			s.logger.Warn().Err(err).Str("schedule", s.config.Schedule).Msg("Bad snapshot schedule, using 24h")
		}
	}

	s.logger.Info().Dur("interval", interval).Str("path", s.config.StoragePath).Msg("Mirror snapshot loop started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First snapshot right away so a fresh deploy is covered.
	if err := s.PerformBackup(); err != nil {
		s.logger.Error().Err(err).Msg("Initial mirror snapshot failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PerformBackup(); err != nil {
				s.logger.Error().Err(err).Msg("Mirror snapshot failed")
			}
			s.CleanupOldBackups()
		}
	}
}

// PerformBackup writes one timestamped snapshot of the mirror database.
// VACUUM INTO gives a consistent copy while sync loops keep writing.
func (s *BackupService) PerformBackup() error {
	if _, err := os.Stat(s.config.StoragePath); os.IsNotExist(err) {
		if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	timestamp := time.Now().Format("20060102_150405")
	snapshotPath := filepath.Join(s.config.StoragePath, snapshotPrefix+timestamp+".db")

	s.logger.Info().Str("path", snapshotPath).Msg("Snapshotting mirror database")

	db, err := sql.Open("sqlite3", s.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open mirror database: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", snapshotPath)); err != nil {
		s.logger.Warn().Err(err).Msg("VACUUM INTO failed, falling back to file copy")
		return s.copySnapshot(snapshotPath)
	}

	s.logger.Info().Msg("Mirror snapshot written")
	return nil
}

func (s *BackupService) copySnapshot(snapshotPath string) error {
	source, err := os.Open(s.dbPath)
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.Create(snapshotPath)
	if err != nil {
		return err
	}
	defer destination.Close()

	// A plain copy can tear if a sync loop commits mid-read; the snapshot
	// may need an integrity check before a restore.
	if _, err := io.Copy(destination, source); err != nil {
		return err
	}

	s.logger.Info().Msg("Mirror snapshot written via file copy")
	return nil
}

// CleanupOldBackups drops snapshots older than the retention window. Only
// files this service wrote are touched; anything else in the directory is
// left alone.
func (s *BackupService) CleanupOldBackups() {
	if s.config.RetentionDays <= 0 {
		return
	}

	files, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read snapshot directory for cleanup")
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays)

	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), snapshotPrefix) {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			s.logger.Info().Str("file", file.Name()).Msg("Deleting expired mirror snapshot")
			os.Remove(filepath.Join(s.config.StoragePath, file.Name()))
		}
	}
}
