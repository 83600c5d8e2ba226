package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/openloupe/screencapd/lib/logger"
)

// Watcher keeps the catalog's Missing flags in sync with the recording
// directory: deleting a video out from under the daemon marks its record
// missing, restoring it clears the flag.
type Watcher struct {
	catalog *Catalog
	dir     string
	fw      *fsnotify.Watcher
}

func NewWatcher(catalog *Catalog, dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create directory watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{catalog: catalog, fw: fw, dir: dir}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	defer w.fw.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("recording directory watch error", "err", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	log := logger.FromContext(ctx)

	if !strings.HasSuffix(event.Name, ".mp4") {
		return
	}
	// session scratch directories use a dotted prefix and hold
	// not-yet-cataloged files
	if strings.HasPrefix(filepath.Base(filepath.Dir(event.Name)), ".") {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		log.Warn("recording file removed from disk", "path", event.Name)
		if err := w.catalog.markMissing(ctx, event.Name, true); err != nil {
			log.Warn("failed to flag recording as missing", "path", event.Name, "err", err)
		}
	case event.Op.Has(fsnotify.Create):
		if err := w.catalog.markMissing(ctx, event.Name, false); err != nil {
			log.Warn("failed to clear missing flag", "path", event.Name, "err", err)
		}
	}
}
