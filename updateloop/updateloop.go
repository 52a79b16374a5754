// Package updateloop implements the per-host main loop (spec §4.6,
// §4.7): once per tick, it reconciles the live UpdateableNode/
// UpdateableGroup maps against the database, runs each node's and
// group's update hooks, resolves pending copy requests, and enqueues
// the resulting tasks onto the shared queue for the worker pool to
// drain. Grounded on
// original_source/alpenhorn/update.py's update_loop/UpdateableNode/
// UpdateableGroup.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package updateloop

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
	"github.com/radiocosmology/alpenhornd/ioclass/defaultio"
	"github.com/radiocosmology/alpenhornd/ioclass/group"
	"github.com/radiocosmology/alpenhornd/ioclass/registry"
	"github.com/radiocosmology/alpenhornd/logging"
	"github.com/radiocosmology/alpenhornd/metricsexp"
	"github.com/radiocosmology/alpenhornd/queue"
	"github.com/radiocosmology/alpenhornd/reservation"
	"github.com/radiocosmology/alpenhornd/resolver"
	"github.com/radiocosmology/alpenhornd/updownlock"
)

// NodeIOFactory builds a live NodeIO instance for row.
type NodeIOFactory func(row archivedb.StorageNode) (ioclass.NodeIO, error)

// GroupIOFactory builds a live GroupIO instance for row.
type GroupIOFactory func(row archivedb.StorageGroup) (ioclass.GroupIO, error)

// UpdateableNode binds one active local StorageNode row to its live
// NodeIO instance, rebuilding the instance only when io_class,
// io_config, or the row's primary key changes (spec §4.6).
type UpdateableNode struct {
	Row archivedb.StorageNode
	IO  ioclass.NodeIO
}

func newUpdateableNode(row archivedb.StorageNode, build NodeIOFactory) (*UpdateableNode, error) {
	io, err := build(row)
	if err != nil {
		return nil, err
	}
	return &UpdateableNode{Row: row, IO: io}, nil
}

func (n *UpdateableNode) reinit(row archivedb.StorageNode, build NodeIOFactory) error {
	if row.ID != n.Row.ID || row.IOClass != n.Row.IOClass || !bytes.Equal(row.IOConfig, n.Row.IOConfig) {
		io, err := build(row)
		if err != nil {
			return err
		}
		n.IO = io
	}
	n.Row = row
	return nil
}

// UpdateableGroup binds one active local StorageGroup to its live
// GroupIO instance and the local member node rows set_nodes accepted.
type UpdateableGroup struct {
	Row     archivedb.StorageGroup
	IO      ioclass.GroupIO
	Members []archivedb.StorageNode
}

func newUpdateableGroup(row archivedb.StorageGroup, build GroupIOFactory) (*UpdateableGroup, error) {
	io, err := build(row)
	if err != nil {
		return nil, err
	}
	return &UpdateableGroup{Row: row, IO: io}, nil
}

func (g *UpdateableGroup) reinit(row archivedb.StorageGroup, build GroupIOFactory) error {
	if row.ID != g.Row.ID || row.IOClass != g.Row.IOClass || !bytes.Equal(row.IOConfig, g.Row.IOConfig) {
		io, err := build(row)
		if err != nil {
			return err
		}
		g.IO = io
	}
	g.Row = row
	return nil
}

func (g *UpdateableGroup) memberIDs() []int64 {
	ids := make([]int64, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.ID
	}
	return ids
}

// Deps are the process-wide collaborators the loop and every I/O
// instance it builds share.
type Deps struct {
	Host        string
	Store       archivedb.Store
	Queue       *queue.Queue
	Reservation *reservation.Ledger
	TreeLock    *updownlock.UpDownLock
	PullTimeout func(sizeB int64) time.Duration

	// NodeIOFactory and GroupIOFactory default to ioclass/registry's
	// dispatch but can be overridden (tests inject fakes here).
	NodeIOFactory  NodeIOFactory
	GroupIOFactory GroupIOFactory
}

// Loop is the per-host update loop driver. The zero value is not
// usable; construct with New.
type Loop struct {
	deps Deps

	nodes  map[string]*UpdateableNode  // keyed by node name (the FIFO key)
	groups map[string]*UpdateableGroup // keyed by group name
}

// New returns a Loop ready to Tick, filling in default node/group I/O
// factories from ioclass/registry when the caller didn't override
// them.
func New(deps Deps) *Loop {
	defaultioDeps := defaultio.Deps{
		Queue:       deps.Queue,
		Store:       deps.Store,
		Reservation: deps.Reservation,
		TreeLock:    deps.TreeLock,
		PullTimeout: deps.PullTimeout,
	}
	if deps.NodeIOFactory == nil {
		deps.NodeIOFactory = func(row archivedb.StorageNode) (ioclass.NodeIO, error) {
			return registry.NewNode(row, defaultioDeps)
		}
	}
	if deps.GroupIOFactory == nil {
		deps.GroupIOFactory = func(row archivedb.StorageGroup) (ioclass.GroupIO, error) {
			return registry.NewGroup(row, group.Deps{
				Host:     deps.Host,
				NodeIO:   deps.NodeIOFactory,
				Store:    deps.Store,
				NodeIdle: nodeIdleFn(deps.Queue),
			})
		}
	}
	return &Loop{
		deps:   deps,
		nodes:  map[string]*UpdateableNode{},
		groups: map[string]*UpdateableGroup{},
	}
}

// Nodes returns the loop's current live node set, keyed by node name,
// as of the last Tick. Callers (autoimport, metricsexp) that need to
// mirror the loop's reconciliation without driving it themselves
// should call this after each Tick rather than querying the database
// independently.
func (l *Loop) Nodes() map[string]*UpdateableNode {
	out := make(map[string]*UpdateableNode, len(l.nodes))
	for k, v := range l.nodes {
		out[k] = v
	}
	return out
}

func nodeIdleFn(q *queue.Queue) func(archivedb.StorageNode) bool {
	return func(row archivedb.StorageNode) bool { return q.FifoSize(row.Name) == 0 }
}

// Tick runs one iteration of the update loop (spec §4.7 steps 1–6).
// Sleeping until the next tick is the caller's responsibility (Run).
func (l *Loop) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metricsexp.TickDuration.Observe(time.Since(start).Seconds())
		l.sampleGauges()
	}()

	rows, err := l.deps.Store.ActiveNodesForHost(ctx, l.deps.Host)
	if err != nil {
		return err
	}
	if err := l.reconcileNodes(rows); err != nil {
		return err
	}

	byGroup := map[string][]archivedb.StorageNode{}
	for _, row := range rows {
		byGroup[row.Group] = append(byGroup[row.Group], row)
	}
	if err := l.reconcileGroups(ctx, byGroup); err != nil {
		return err
	}

	idleAtStart := map[string]bool{}
	for name := range l.nodes {
		idleAtStart[name] = l.deps.Queue.FifoSize(name) == 0
	}

	for _, name := range sortedKeys(l.nodes) {
		l.tickNode(ctx, l.nodes[name], idleAtStart[name])
	}

	for _, name := range sortedKeys(l.groups) {
		l.tickGroup(ctx, l.groups[name])
	}

	for _, name := range sortedKeys(l.nodes) {
		n := l.nodes[name]
		if l.deps.Queue.FifoSize(name) == 0 {
			if err := n.IO.IdleUpdate(ctx); err != nil {
				logging.Errorf("updateloop: idle_update failed for node %q: %v", name, err)
			}
		}
		if err := n.IO.AfterUpdate(ctx, nil); err != nil {
			logging.Errorf("updateloop: after_update failed for node %q: %v", name, err)
		}
	}
	for _, name := range sortedKeys(l.groups) {
		g := l.groups[name]
		if err := g.IO.AfterUpdate(ctx, nil); err != nil {
			logging.Errorf("updateloop: after_update failed for group %q: %v", name, err)
		}
	}

	return nil
}

// sampleGauges pushes this tick's queue and reservation state into the
// process's Prometheus gauges. ReservedBytes is reset first so a node
// that has released all its reservations since the last tick doesn't
// leave a stale series behind.
func (l *Loop) sampleGauges() {
	metricsexp.QueueQueued.Set(float64(l.deps.Queue.Qsize()))
	metricsexp.QueueInProgress.Set(float64(l.deps.Queue.InProgressSize()))
	metricsexp.QueueDeferred.Set(float64(l.deps.Queue.DeferredSize()))

	metricsexp.ReservedBytes.Reset()
	if l.deps.Reservation != nil {
		for node, bytes := range l.deps.Reservation.Snapshot() {
			metricsexp.ReservedBytes.WithLabelValues(node).Set(float64(bytes))
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (l *Loop) reconcileNodes(rows []archivedb.StorageNode) error {
	seen := map[string]bool{}
	for _, row := range rows {
		seen[row.Name] = true
		if n, ok := l.nodes[row.Name]; ok {
			if err := n.reinit(row, l.deps.NodeIOFactory); err != nil {
				return err
			}
			continue
		}
		n, err := newUpdateableNode(row, l.deps.NodeIOFactory)
		if err != nil {
			return err
		}
		l.nodes[row.Name] = n
	}
	for name := range l.nodes {
		if !seen[name] {
			delete(l.nodes, name)
		}
	}
	return nil
}

func (l *Loop) reconcileGroups(ctx context.Context, byGroup map[string][]archivedb.StorageNode) error {
	for name := range l.groups {
		if _, ok := byGroup[name]; !ok {
			delete(l.groups, name)
		}
	}
	for name, nodes := range byGroup {
		row, err := l.deps.Store.Group(ctx, name)
		if err != nil {
			return err
		}
		g, ok := l.groups[name]
		if !ok {
			g, err = newUpdateableGroup(*row, l.deps.GroupIOFactory)
			if err != nil {
				return err
			}
			l.groups[name] = g
		} else if err := g.reinit(*row, l.deps.GroupIOFactory); err != nil {
			return err
		}
		accepted, err := g.IO.SetNodes(ctx, nodes)
		if err != nil {
			logging.Errorf("updateloop: set_nodes failed for group %q: %v", name, err)
			delete(l.groups, name)
			continue
		}
		g.Members = accepted
	}
	return nil
}

func (l *Loop) tickNode(ctx context.Context, n *UpdateableNode, idle bool) {
	proceed, err := n.IO.BeforeUpdate(ctx, idle)
	if err != nil {
		logging.Errorf("updateloop: before_update failed for node %q: %v", n.Row.Name, err)
		return
	}
	if !proceed {
		return
	}

	if err := n.IO.UpdateAvailGB(ctx, true); err != nil {
		logging.Errorf("updateloop: update_avail_gb failed for node %q: %v", n.Row.Name, err)
	}

	active, err := n.IO.CheckActive(ctx)
	if err != nil {
		logging.Errorf("updateloop: check_active failed for node %q: %v", n.Row.Name, err)
	} else if active != n.Row.Active {
		if err := l.deps.Store.SetNodeActive(ctx, n.Row.ID, active); err != nil {
			logging.Errorf("updateloop: set_active failed for node %q: %v", n.Row.Name, err)
		} else {
			n.Row.Active = active
		}
	}

	suspects, err := l.deps.Store.SuspectCopies(ctx, n.Row.ID, defaultio.MaxIntegrityChecksPerTick)
	if err != nil {
		logging.Errorf("updateloop: suspect_copies failed for node %q: %v", n.Row.Name, err)
	}
	for _, cf := range suspects {
		if err := n.IO.Check(ctx, cf); err != nil {
			logging.Errorf("updateloop: check failed for node %q file %d: %v", n.Row.Name, cf.FileID, err)
		}
	}

	belowFloor := n.Row.HasMinAvailFloor() && n.Row.AvailGB < n.Row.MinAvailGB && !n.Row.IsArchive()
	candidates, err := l.deps.Store.DeletionCandidates(ctx, n.Row.ID, belowFloor, defaultio.MaxDeletionsPerTick)
	if err != nil {
		logging.Errorf("updateloop: deletion_candidates failed for node %q: %v", n.Row.Name, err)
	} else if len(candidates) > 0 {
		if err := n.IO.Delete(ctx, candidates); err != nil {
			logging.Errorf("updateloop: delete failed for node %q: %v", n.Row.Name, err)
		}
	}
}

func (l *Loop) tickGroup(ctx context.Context, g *UpdateableGroup) {
	groupIdle := g.IO.Idle(ctx)
	proceed, err := g.IO.BeforeUpdate(ctx, groupIdle)
	if err != nil {
		logging.Errorf("updateloop: before_update failed for group %q: %v", g.Row.Name, err)
		return
	}
	if !proceed {
		return
	}

	if err := resolver.Resolve(ctx, l.deps.Store, resolver.NodeIOFor(l.deps.NodeIOFactory), g.Row.ID, g.memberIDs(), g.IO); err != nil {
		logging.Errorf("updateloop: resolve failed for group %q: %v", g.Row.Name, err)
	}

	if g.IO.Idle(ctx) {
		if err := g.IO.IdleUpdate(ctx); err != nil {
			logging.Errorf("updateloop: idle_update failed for group %q: %v", g.Row.Name, err)
		}
	}
}
