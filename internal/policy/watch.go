package policy

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/gerswin/ripor/internal/paths"
)

// Watch hot-applies policy.json edits made by external writers (the CLI
// writes the file before notifying the agent; the watcher covers writers
// that never notify). The watcher observes the data directory because
// atomic renames replace the file inode.
func Watch(ctx context.Context, p *paths.Paths, rt *Runtime) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(p.DataDir); err != nil {
		return err
	}
	slog.Info("policy file watcher started", "dir", p.DataDir)

	policyFile := filepath.Base(p.PolicyFile())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != policyFile {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			st := Load(p)
			rt.Set(st)
			slog.Info("policy reloaded from disk")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy watcher error", "error", err)
		}
	}
}
