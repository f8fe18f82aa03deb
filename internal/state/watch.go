package state

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"tonearm/internal/faults"
	"tonearm/internal/logging"
)

// watchSettle coalesces the event burst of one atomic replace.
const watchSettle = 150 * time.Millisecond

// Changed carries state written to disk by someone other than this store.
type Changed struct {
	Config Config
}

// Watch reports external edits of the state file. The parent directory is
// watched so atomic renames are seen. Content identical to what this store
// last wrote or loaded is not reported, and an unparseable edit is logged and
// skipped. The channel closes when ctx ends.
func (s *Store) Watch(ctx context.Context) (<-chan Changed, error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, faults.Wrap(faults.ErrTransient, "state", "watch", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, faults.Wrap(faults.ErrTransient, "state", "watch", "create watcher", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, faults.Wrap(faults.ErrTransient, "state", "watch", dir, err)
	}

	out := make(chan Changed, 1)
	go s.watchLoop(ctx, watcher, out)
	return out, nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, out chan<- Changed) {
	defer close(out)
	defer watcher.Close()

	target := filepath.Clean(s.path)
	settle := time.NewTimer(watchSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			settle.Reset(watchSettle)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.WarnWithContext(s.logger, "state watcher error", "state_watch_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check inotify limits (fs.inotify.max_user_watches)"),
				logging.String(logging.FieldImpact, "edits from other instances may be missed"),
			)
		case <-settle.C:
			changed, ok := s.readExternal()
			if !ok {
				continue
			}
			select {
			case out <- changed:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Store) readExternal() (Changed, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Changed{}, false
	}
	if s.selfWrite(data) {
		return Changed{}, false
	}
	cfg, err := Decode(data)
	if err != nil {
		logging.WarnWithContext(s.logger, "ignoring unparseable state edit", "state_edit_invalid",
			logging.Error(faults.Wrap(faults.ErrPersistenceCorrupt, "state", "reload", s.path, err)),
			logging.String(logging.FieldErrorHint, "correct the TOML syntax in the state file"),
			logging.String(logging.FieldImpact, "current settings kept"),
		)
		return Changed{}, false
	}
	s.remember(data)
	s.logger.Info("state reloaded from disk",
		logging.String(logging.FieldEventType, "state_reloaded"),
		logging.String("state_path", s.path),
	)
	return Changed{Config: cfg}, true
}
