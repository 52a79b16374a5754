package autoimport

import (
	"context"
	"time"

	"github.com/radiocosmology/alpenhornd/logging"
	"github.com/radiocosmology/alpenhornd/updateloop"
)

// Poller periodically walks every io_class=Polling node's full tree,
// since those nodes (network-mounted storage with unreliable or
// absent inotify support) can't be trusted to deliver filesystem
// events to Watcher.
type Poller struct {
	imp      *Importer
	interval time.Duration
}

// NewPoller returns a Poller that sweeps every interval.
func NewPoller(imp *Importer, interval time.Duration) *Poller {
	return &Poller{imp: imp, interval: interval}
}

// Run calls nodes once per interval to get the current live node set
// and walks each eligible one, until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, nodes func() map[string]*updateloop.UpdateableNode) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx, nodes())
		}
	}
}

func (p *Poller) sweep(ctx context.Context, nodes map[string]*updateloop.UpdateableNode) {
	for _, n := range nodes {
		if !n.Row.AutoImport || n.Row.EffectiveIOClass() != "Polling" {
			continue
		}
		err := n.IO.FileWalk(ctx, func(relpath string) error {
			return p.imp.Import(ctx, n, relpath)
		})
		if err != nil {
			logging.Errorf("autoimport: poll of node %q failed: %v", n.Row.Name, err)
		}
	}
}
