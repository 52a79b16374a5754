package group

import (
	"context"
	"sort"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
	"github.com/radiocosmology/alpenhornd/logging"
)

// Transport is the Transport group I/O class: any number of
// storage_type='T' nodes, restricted to locally-sourced pulls, routed
// to the fullest member node that still fits the incoming file.
type Transport struct {
	deps Deps
	all  []archivedb.StorageNode
	live []boundNode
}

// NewTransport returns a Transport group I/O instance.
func NewTransport(deps Deps) *Transport {
	return &Transport{deps: deps}
}

var _ ioclass.GroupIO = (*Transport)(nil)

// SetNodes accepts any set of candidate nodes; storage_type filtering
// happens in BeforeUpdate, once per tick, since avail_gb changes
// between ticks and the filtered set must be freshly bound each time.
func (g *Transport) SetNodes(ctx context.Context, nodes []archivedb.StorageNode) ([]archivedb.StorageNode, error) {
	g.all = nodes
	return nodes, nil
}

// BeforeUpdate discards any member node that isn't storage_type='T'.
// If no transport nodes remain, the update is skipped for this group.
func (g *Transport) BeforeUpdate(ctx context.Context, idle bool) (bool, error) {
	var filtered []archivedb.StorageNode
	for _, n := range g.all {
		if n.StorageType != archivedb.StorageTransport {
			logging.Warningf("group: ignoring non-transport node %q in Transport group", n.Name)
			continue
		}
		filtered = append(filtered, n)
	}
	bound, err := bindNodes(g.deps, filtered)
	if err != nil {
		return false, err
	}
	g.live = bound
	return len(g.live) != 0, nil
}

// Exists checks every live member node for relpath.
func (g *Transport) Exists(ctx context.Context, relpath string) (archivedb.StorageNode, bool, error) {
	for _, n := range g.live {
		ok, err := n.IO.Exists(ctx, relpath)
		if err != nil {
			return archivedb.StorageNode{}, false, err
		}
		if ok {
			return n.Row, true, nil
		}
	}
	return archivedb.StorageNode{}, false, nil
}

// Pull routes req to the fullest member node (by ascending avail_gb)
// that isn't under its min-avail floor and that reports the file
// fits, skipping the request entirely if its source isn't local to
// this daemon's host.
func (g *Transport) Pull(ctx context.Context, req ioclass.PullRequest) error {
	if req.NodeFrom.Host != g.deps.Host {
		logging.Infof("group: skipping pull of %s from node %q: non-local transfer request",
			req.File.RelPath(), req.NodeFrom.Name)
		return nil
	}

	sorted := make([]boundNode, len(g.live))
	copy(sorted, g.live)
	sort.Slice(sorted, func(i, j int) bool {
		return sortKey(sorted[i].Row) < sortKey(sorted[j].Row)
	})

	for _, n := range sorted {
		if n.Row.HasMinAvailFloor() && n.Row.AvailGB < n.Row.MinAvailGB {
			if logging.V(1) {
				logging.Infof("group: ignoring transport node %q: hit min_avail_gb", n.Row.Name)
			}
			continue
		}
		if n.Row.HasMaxTotalCap() && g.deps.Store != nil {
			if over, err := g.deps.Store.OverMax(ctx, n.Row.ID); err == nil && over {
				if logging.V(1) {
					logging.Infof("group: ignoring transport node %q: hit max_total_gb", n.Row.Name)
				}
				continue
			}
		}
		if !n.IO.ReserveBytes(req.File.SizeB, true) {
			if logging.V(1) {
				logging.Infof("group: ignoring transport node %q: not enough space", n.Row.Name)
			}
			continue
		}
		return n.IO.Pull(ctx, req)
	}

	if logging.V(1) {
		logging.Infof("group: unable to find a transport node for %q", req.File.RelPath())
	}
	return nil
}

// PullForce forwards req directly to dest's NodeIO, bypassing
// placement policy, for the resolver's single-target retry path.
func (g *Transport) PullForce(ctx context.Context, dest archivedb.StorageNode, req ioclass.PullRequest) error {
	io, err := g.deps.NodeIO(dest)
	if err != nil {
		return err
	}
	return io.Pull(ctx, req)
}

func (g *Transport) IdleUpdate(ctx context.Context) error { return nil }

func (g *Transport) AfterUpdate(ctx context.Context, updateErr error) error { return nil }

// Idle reports whether every live member node currently has no
// pending work.
func (g *Transport) Idle(ctx context.Context) bool {
	for _, n := range g.live {
		if !g.deps.NodeIdle(n.Row) {
			return false
		}
	}
	return true
}

// sortKey orders nodes by ascending avail_gb, with nodes that have
// never reported a free-space measurement sorted last (stably, by id).
func sortKey(row archivedb.StorageNode) float64 {
	if row.AvailGBLastChecked.IsZero() {
		return float64(row.ID) * 1e9
	}
	return row.AvailGB
}
