// Package catalog persists finished recording metadata in a local sqlite
// database and keeps it consistent with the files on disk.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openloupe/screencapd/lib/logger"
	"github.com/openloupe/screencapd/lib/recording"
)

var ErrNotFound = errors.New("recording not found")

// Record is one catalog row. Missing marks entries whose video file has
// disappeared from disk; the row is kept so the UI can surface the loss
// instead of silently dropping history.
type Record struct {
	ID              string `gorm:"primaryKey"`
	VideoPath       string
	ThumbnailPath   string
	StartedAt       time.Time
	DurationSeconds float64
	Width           int
	Height          int
	FrameCount      int64
	SizeBytes       int64
	Missing         bool
	CreatedAt       time.Time
}

func (Record) TableName() string { return "recordings" }

// Catalog is the sqlite-backed recording index. It implements
// recording.Store for the coordinator's save path.
type Catalog struct {
	db *gorm.DB
}

// Open creates or opens the catalog database at path and migrates the schema.
func Open(path string) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert persists a finished recording.
func (c *Catalog) Insert(ctx context.Context, meta recording.Metadata) error {
	rec := Record{
		ID:              meta.ID,
		VideoPath:       meta.VideoPath,
		ThumbnailPath:   meta.ThumbnailPath,
		StartedAt:       meta.StartedAt,
		DurationSeconds: meta.DurationSeconds,
		Width:           meta.Width,
		Height:          meta.Height,
		FrameCount:      meta.FrameCount,
		SizeBytes:       meta.SizeBytes,
		CreatedAt:       time.Now(),
	}
	if err := c.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to insert recording %s: %w", meta.ID, err)
	}
	return nil
}

// List returns all recordings, newest first.
func (c *Catalog) List(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := c.db.WithContext(ctx).Order("started_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	return records, nil
}

func (c *Catalog) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := c.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load recording %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes the catalog row and the recording's files. A file that is
// already gone does not fail the delete.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	log := logger.FromContext(ctx)

	rec, err := c.Get(ctx, id)
	if err != nil {
		return err
	}

	for _, path := range []string{rec.VideoPath, rec.ThumbnailPath} {
		if path == "" {
			continue
		}
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			log.Warn("failed to remove recording file", "path", path, "err", rerr)
		}
	}

	if err := c.db.WithContext(ctx).Delete(&Record{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete recording %s: %w", id, err)
	}
	return nil
}

// markMissing flips the Missing flag for the record owning path.
func (c *Catalog) markMissing(ctx context.Context, videoPath string, missing bool) error {
	return c.db.WithContext(ctx).
		Model(&Record{}).
		Where("video_path = ?", videoPath).
		Update("missing", missing).Error
}

// Reconcile walks the catalog and flags records whose video file no longer
// exists on disk. Run at startup before the watcher takes over.
func (c *Catalog) Reconcile(ctx context.Context) error {
	log := logger.FromContext(ctx)

	records, err := c.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		_, serr := os.Stat(rec.VideoPath)
		missing := serr != nil
		if missing == rec.Missing {
			continue
		}
		if missing {
			log.Warn("recording file missing from disk", "id", rec.ID, "path", rec.VideoPath)
		}
		if uerr := c.markMissing(ctx, rec.VideoPath, missing); uerr != nil {
			return fmt.Errorf("failed to update missing flag for %s: %w", rec.ID, uerr)
		}
	}
	return nil
}
