package watch

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"district_ingest/internal/config"
	"district_ingest/internal/ingest"
	"github.com/fsnotify/fsnotify"
)

// Watcher monitors SNAPSHOT_DIR for new JSON export files and imports them.
type Watcher struct {
	cfg      config.Config
	importer *ingest.SnapshotImporter
}

func New(cfg config.Config, importer *ingest.SnapshotImporter) *Watcher {
	return &Watcher{cfg: cfg, importer: importer}
}

func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.EnableWatcher || w.cfg.SnapshotDir == "" {
		log.Println("watcher disabled")
		return nil
	}
	if err := os.MkdirAll(w.cfg.SnapshotDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-watcher.Events:
				if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
					if w.isSnapshot(evt.Name) {
						w.importOne(ctx, evt.Name)
					}
				}
			case err := <-watcher.Errors:
				log.Printf("watcher error: %v", err)
			}
		}
	}()
	return watcher.Add(w.cfg.SnapshotDir)
}

func (w *Watcher) isSnapshot(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".json"
}

func (w *Watcher) importOne(ctx context.Context, path string) {
	res, err := w.importer.ImportFile(ctx, path)
	if err != nil {
		log.Printf("snapshot import failed file=%s err=%v", filepath.Base(path), err)
		return
	}
	log.Printf("snapshot imported file=%s source=%s seen=%d upserted=%d",
		filepath.Base(path), res.Source, res.Seen, res.Upserted)
	if err := os.Rename(path, path+".imported"); err != nil {
		log.Printf("snapshot rename failed file=%s err=%v", filepath.Base(path), err)
	}
}

// ImportExisting imports snapshot files already present in the directory.
func (w *Watcher) ImportExisting(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(w.cfg.SnapshotDir, "*.json"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		w.importOne(ctx, e)
	}
	return nil
}
