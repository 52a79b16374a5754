package autoimport

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/radiocosmology/alpenhornd/logging"
	"github.com/radiocosmology/alpenhornd/updateloop"
)

// Watcher drives import from filesystem-change notifications, for
// every node whose io_class is not Polling (those get swept by Poller
// instead, since fsnotify doesn't see events on network-polled mounts
// reliably).
type Watcher struct {
	imp *Importer
	fsw *fsnotify.Watcher

	mu    sync.Mutex
	roots map[string]*updateloop.UpdateableNode // watched directory -> owning node
}

// NewWatcher starts the underlying fsnotify watcher. Call Sync to
// register nodes before Run.
func NewWatcher(imp *Importer) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{imp: imp, fsw: fsw, roots: map[string]*updateloop.UpdateableNode{}}, nil
}

// Sync reconciles the watched node set against nodes, adding newly
// eligible nodes (auto_import set, io_class != Polling) and dropping
// ones no longer present or no longer eligible. Call once per update
// loop tick.
func (w *Watcher) Sync(nodes map[string]*updateloop.UpdateableNode) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wanted := map[string]*updateloop.UpdateableNode{}
	for _, n := range nodes {
		if !eligibleForWatch(n) {
			continue
		}
		wanted[n.Row.Root] = n
	}

	for root := range w.roots {
		if _, ok := wanted[root]; !ok {
			w.unwatch(root)
		}
	}
	for root, n := range wanted {
		if _, ok := w.roots[root]; !ok {
			w.watch(root, n)
		}
	}
}

func eligibleForWatch(n *updateloop.UpdateableNode) bool {
	return n.Row.AutoImport && n.Row.EffectiveIOClass() != "Polling"
}

func (w *Watcher) watch(root string, n *updateloop.UpdateableNode) {
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // keep walking; a single unreadable subtree shouldn't kill the watch
		}
		if info.IsDir() {
			if err := w.fsw.Add(p); err != nil {
				logging.Warningf("autoimport: watch %q failed: %v", p, err)
			}
		}
		return nil
	})
	if err != nil {
		logging.Warningf("autoimport: walking %q for watch setup failed: %v", root, err)
	}
	w.roots[root] = n
}

func (w *Watcher) unwatch(root string) {
	filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() {
			_ = w.fsw.Remove(p)
		}
		return nil
	})
	delete(w.roots, root)
}

// Run drains fsnotify events until ctx is cancelled, importing each
// created or written regular file under a watched root.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return w.fsw.Close()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logging.Errorf("autoimport: watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil || info.IsDir() {
		return
	}

	w.mu.Lock()
	var node *updateloop.UpdateableNode
	var root string
	for r, n := range w.roots {
		if strings.HasPrefix(ev.Name, r+string(filepath.Separator)) {
			node, root = n, r
			break
		}
	}
	w.mu.Unlock()
	if node == nil {
		return
	}

	relpath := strings.TrimPrefix(strings.TrimPrefix(ev.Name, root), string(filepath.Separator))
	if err := w.imp.Import(ctx, node, relpath); err != nil {
		logging.Errorf("autoimport: import of %q on node %q failed: %v", relpath, node.Row.Name, err)
	}
}
