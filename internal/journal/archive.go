package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/livepipe/internal/events"
)

const archiveSuffix = ".wal.zst"

// ArchiveCleanupError reports that the archive was written but the source
// journal could not be removed.
type ArchiveCleanupError struct {
	ArchivePath string
	JournalPath string
	CleanupErr  error
}

func (e *ArchiveCleanupError) Error() string {
	return fmt.Sprintf("archive created at %s but failed to remove journal %s: %v",
		e.ArchivePath, e.JournalPath, e.CleanupErr)
}

func (e *ArchiveCleanupError) Unwrap() error {
	return e.CleanupErr
}

// ArchivePath returns the archive location for runID under dir.
func ArchivePath(dir, runID string) string {
	return filepath.Join(dir, runID+archiveSuffix)
}

// archiveFile compresses the journal at path into archiveDir and removes the
// original.
func archiveFile(path, archiveDir, runID string) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer src.Close()

	srcInfo, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}

	archivePath := ArchivePath(archiveDir, runID)
	tmpPath := archivePath + ".tmp"

	dst, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = dst.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}

	if _, err = io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return fmt.Errorf("failed to compress: %w", err)
	}
	if err = enc.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}
	if err = dst.Sync(); err != nil {
		return fmt.Errorf("failed to sync archive: %w", err)
	}
	if err = dst.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err = os.Rename(tmpPath, archivePath); err != nil {
		return fmt.Errorf("failed to rename archive: %w", err)
	}

	if info, statErr := os.Stat(archivePath); statErr == nil {
		ratio := 0.0
		if srcInfo.Size() > 0 {
			ratio = (1.0 - float64(info.Size())/float64(srcInfo.Size())) * 100
		}
		log.Info().
			Str("run_id", runID).
			Int64("original_bytes", srcInfo.Size()).
			Int64("compressed_bytes", info.Size()).
			Float64("compression_ratio_pct", ratio).
			Str("archive_path", archivePath).
			Msg("Journal archived")
	}

	if rmErr := os.Remove(path); rmErr != nil {
		return &ArchiveCleanupError{
			ArchivePath: archivePath,
			JournalPath: path,
			CleanupErr:  rmErr,
		}
	}

	return nil
}

// ReadArchive replays the events in a zstd compressed journal archive.
func ReadArchive(path string) ([]*events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	return decodeStream(dec)
}

// CleanupArchive removes archives older than retentionDays. A non-positive
// retention disables cleanup. It returns the number of files removed.
func CleanupArchive(archiveDir string, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read archive directory: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	var deletedBytes int64

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), archiveSuffix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to get file info, skipping")
			continue
		}

		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(archiveDir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Failed to delete old archive")
			continue
		}

		deleted++
		deletedBytes += info.Size()
	}

	if deleted > 0 {
		log.Info().
			Str("archive_dir", archiveDir).
			Int("deleted_files", deleted).
			Int64("deleted_bytes", deletedBytes).
			Msg("Archive cleanup completed")
	}

	return deleted, nil
}
