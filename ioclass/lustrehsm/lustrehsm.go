// Package lustrehsm implements the LustreHSM node and group I/O
// classes: a StorageNode backed by Lustre's Hierarchical Storage
// Management framework, where files may be "released" to tape and
// need restoring before they can be read. Grounded on
// original_source/alpenhorn/io/lustrehsm.py, composing
// ioclass/lustrequota for quota accounting the way the original
// subclasses LustreQuotaNodeIO.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package lustrehsm

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
	"github.com/radiocosmology/alpenhornd/ioclass/defaultio"
	"github.com/radiocosmology/alpenhornd/ioclass/lustrequota"
	"github.com/radiocosmology/alpenhornd/lfs"
	"github.com/radiocosmology/alpenhornd/logging"
	"github.com/radiocosmology/alpenhornd/metricsexp"
	"github.com/radiocosmology/alpenhornd/querywalker"
	"github.com/radiocosmology/alpenhornd/task"
	"github.com/radiocosmology/alpenhornd/xerrors"
)

// MaxReleaseCandidates bounds how many ready copies release_files
// considers in one tick.
const MaxReleaseCandidates = 10000

// AutoVerifyPollInterval is how long auto-verify waits between polls
// of a restore in progress.
const AutoVerifyPollInterval = 30 * time.Second

const defaultReleaseCheckCount = 100

// Config is the io_config JSON object for a LustreHSM node.
type Config struct {
	QuotaGroup        string   `json:"quota_group"`
	Mountpoint        string   `json:"mountpoint"`
	LFSPath           string   `json:"lfs,omitempty"`
	HeadroomKiB       *float64 `json:"headroom"`
	ReleaseCheckCount int      `json:"release_check_count,omitempty"`
}

// Node is the LustreHSM node I/O instance.
type Node struct {
	quota             *lustrequota.Node
	lfs               *lfs.LFS
	headroomBytes     int64
	releaseCheckCount int

	mu        sync.Mutex
	releaseQW *querywalker.Walker
}

// New parses ioConfig and returns a LustreHSM node I/O instance for
// row. headroom is required; release_check_count defaults to 100.
func New(row archivedb.StorageNode, deps defaultio.Deps, ioConfig []byte) (*Node, error) {
	var cfg Config
	if len(ioConfig) > 0 {
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(ioConfig, &cfg); err != nil {
			return nil, xerrors.Wrap(err, xerrors.ErrConfig, "parsing LustreHSM io_config")
		}
	}
	if cfg.HeadroomKiB == nil {
		return nil, xerrors.Wrap(errMissingHeadroom, xerrors.ErrConfig, "LustreHSM requires io_config key 'headroom'")
	}
	count := cfg.ReleaseCheckCount
	if count == 0 {
		count = defaultReleaseCheckCount
	}
	if count < 1 {
		return nil, xerrors.Wrap(errBadReleaseCount, xerrors.ErrConfig, "LustreHSM release_check_count must be positive")
	}

	quota, err := lustrequota.New(row, deps, ioConfig)
	if err != nil {
		return nil, err
	}

	return &Node{
		quota:             quota,
		lfs:               lfs.New(cfg.LFSPath),
		headroomBytes:     int64(*cfg.HeadroomKiB * 1024),
		releaseCheckCount: count,
	}, nil
}

type configError string

func (e configError) Error() string { return string(e) }

var (
	errMissingHeadroom = configError("missing required field")
	errBadReleaseCount = configError("release_check_count must be positive")
	errNoReadyCopies   = configError("no ready copies on node")
)

var _ ioclass.NodeIO = (*Node)(nil)

func (n *Node) fullPath(relpath string) string {
	return filepath.Join(n.quota.Row().Root, relpath)
}

// CheckActive returns the node's active flag directly: HSM storage
// has no ALPENHORN_NODE sentinel file to check.
func (n *Node) CheckActive(ctx context.Context) (bool, error) {
	return n.quota.Row().Active, nil
}

func (n *Node) BytesAvail(ctx context.Context, fast bool) (int64, bool, error) {
	return n.quota.BytesAvail(ctx, fast)
}

func (n *Node) UpdateAvailGB(ctx context.Context, fast bool) error {
	return n.quota.UpdateAvailGB(ctx, fast)
}

func (n *Node) FileWalk(ctx context.Context, fn func(relpath string) error) error {
	return n.quota.FileWalk(ctx, fn)
}

func (n *Node) Exists(ctx context.Context, relpath string) (bool, error) {
	return n.quota.Exists(ctx, relpath)
}

func (n *Node) Locked(ctx context.Context, relpath string) (bool, error) {
	return n.quota.Locked(ctx, relpath)
}

func (n *Node) MD5(ctx context.Context, relpath string) (string, error) {
	return n.quota.MD5(ctx, relpath)
}

// FileSize always returns the apparent size: the on-disk size of a
// released file is just its stub, not a meaningful measurement.
func (n *Node) FileSize(ctx context.Context, relpath string, actual bool) (int64, error) {
	return n.quota.FileSize(ctx, relpath, false)
}

// ReserveBytes always succeeds: everything fits on HSM-backed tape
// storage.
func (n *Node) ReserveBytes(nBytes int64, checkOnly bool) bool { return true }

// ReleaseBytes does nothing, matching ReserveBytes's no-op accounting.
func (n *Node) ReleaseBytes(nBytes int64) error { return nil }

// Pull enqueues the transfer unconditionally: HSM never rejects a
// pull for space.
func (n *Node) Pull(ctx context.Context, req ioclass.PullRequest) error {
	return n.quota.Base().EnqueuePullTask(ctx, req, req.File.SizeB)
}

func (n *Node) Delete(ctx context.Context, copies []archivedb.CopyAndFile) error {
	return n.quota.Delete(ctx, copies)
}

// ReadyPull readies this node's copy of req's file for a downstream
// pull: a released file must be restored from tape first.
func (n *Node) ReadyPull(ctx context.Context, req ioclass.PullRequest) error {
	ready, err := n.readyPath(ctx, n.fullPath(req.File.RelPath()))
	if err != nil {
		return err
	}
	return n.quota.Deps().Store.SetCopyReady(ctx, req.File.ID, n.quota.Row().ID, ready)
}

// readyPath reports whether fullpath is currently readable, kicking
// off a restore if it's released.
func (n *Node) readyPath(ctx context.Context, fullpath string) (bool, error) {
	state, err := n.lfs.HSMState(ctx, fullpath)
	if err != nil {
		return false, err
	}
	if state == lfs.Released {
		if err := n.lfs.Restore(ctx, fullpath); err != nil {
			return false, err
		}
	}
	return state == lfs.Restored || state == lfs.Unarchived, nil
}

// PullReady reports the copy's cached ready flag, read fresh from the
// store: the caller may only have the file and node identity at hand,
// not a populated copy row.
func (n *Node) PullReady(ctx context.Context, copy archivedb.ArchiveFileCopy) (bool, error) {
	return n.quota.Deps().Store.CopyReady(ctx, copy.FileID, copy.NodeID)
}

// BeforeUpdate clears headroom on the HSM disk when the node is about
// to update.
func (n *Node) BeforeUpdate(ctx context.Context, idle bool) (bool, error) {
	if idle {
		n.releaseFiles(ctx)
	}
	return true, nil
}

func (n *Node) AfterUpdate(ctx context.Context, updateErr error) error {
	return n.quota.Base().AfterUpdate(ctx, updateErr)
}

// Check restores a released copy and defers further checking to the
// next tick; a restored copy is checked the Default way.
func (n *Node) Check(ctx context.Context, copy archivedb.CopyAndFile) error {
	metricsexp.ChecksTotal.WithLabelValues(n.quota.Row().Name).Inc()
	t := task.NewOneShot(n.quota.Deps().Queue, n.quota.Row().Name, false, func(_ *task.Task) error {
		fullpath := n.fullPath(copy.File.RelPath())
		state, err := n.lfs.HSMState(ctx, fullpath)
		if err != nil {
			return err
		}
		if state == lfs.Released {
			return n.lfs.Restore(ctx, fullpath)
		}
		return n.quota.Base().CheckCopy(ctx, copy)
	})
	return t.Enqueue()
}

// AutoVerify re-verifies copy's integrity, restoring it from tape
// first if necessary and releasing it again afterward so routine
// auto-verification doesn't permanently evict cold files from tape.
// It is not part of the NodeIO contract proper: a periodic sampler
// calls it directly on LustreHSM nodes specifically.
func (n *Node) AutoVerify(ctx context.Context, copy archivedb.CopyAndFile) error {
	t := task.NewCooperative(n.quota.Deps().Queue, n.quota.Row().Name, false, &autoVerifyStepper{n: n, copy: copy})
	return t.Enqueue()
}

type autoVerifyStepper struct {
	n         *Node
	copy      archivedb.CopyAndFile
	triggered bool
}

func (s *autoVerifyStepper) Step(ctx context.Context) (time.Duration, bool, error) {
	n := s.n
	fullpath := n.fullPath(s.copy.File.RelPath())

	exists, err := n.Exists(ctx, s.copy.File.RelPath())
	if err != nil {
		return 0, true, err
	}
	if !exists {
		if s.copy.HasFile != archivedb.HasFileNo {
			logging.Warningf("lustrehsm: file copy missing during auto-verify: %s on node %q",
				s.copy.File.RelPath(), n.quota.Row().Name)
			return 0, true, n.quota.Deps().Store.MarkCopyState(ctx, s.copy.FileID, n.quota.Row().ID, archivedb.HasFileNo, false)
		}
		return 0, true, nil
	}

	state, err := n.lfs.HSMState(ctx, fullpath)
	if err != nil {
		return 0, true, err
	}

	if !s.triggered {
		if state != lfs.Released {
			return 0, true, n.quota.Base().CheckCopy(ctx, s.copy)
		}
		if err := n.lfs.Restore(ctx, fullpath); err != nil {
			return 0, true, err
		}
		s.triggered = true
		return AutoVerifyPollInterval, false, nil
	}

	if state == lfs.Released {
		return AutoVerifyPollInterval, false, nil
	}

	if err := n.quota.Base().CheckCopy(ctx, s.copy); err != nil {
		return 0, true, err
	}
	// This step restored the file only for the check: release it again.
	if err := n.lfs.Release(ctx, fullpath); err == nil {
		_ = n.quota.Deps().Store.SetCopyReady(ctx, s.copy.FileID, n.quota.Row().ID, false)
	}
	return 0, true, nil
}

// releaseFiles frees headroom on the HSM disk by releasing the
// oldest ready files until enough space is reclaimed.
func (n *Node) releaseFiles(ctx context.Context) {
	avail, ok, err := n.quota.BytesAvail(ctx, true)
	if err != nil || !ok {
		return
	}
	headroomNeeded := n.headroomBytes - avail
	if headroomNeeded <= 0 {
		return
	}

	t := task.NewOneShot(n.quota.Deps().Queue, n.quota.Row().Name, false, func(_ *task.Task) error {
		return n.runRelease(ctx, headroomNeeded)
	})
	_ = t.Enqueue()
}

func (n *Node) runRelease(ctx context.Context, headroomNeeded int64) error {
	candidates, err := n.quota.Deps().Store.ReleaseCandidates(ctx, n.quota.Row().ID, MaxReleaseCandidates)
	if err != nil {
		return err
	}

	var totalFiles int
	var totalBytes int64
	for _, cf := range candidates {
		fullpath := n.fullPath(cf.File.RelPath())
		state, err := n.lfs.HSMState(ctx, fullpath)
		if err != nil || state == lfs.Unarchived {
			continue // not yet archived to tape: nothing to release
		}
		if err := n.lfs.Release(ctx, fullpath); err != nil {
			logging.Warningf("lustrehsm: releasing %s on node %q: %v", fullpath, n.quota.Row().Name, err)
			continue
		}
		_ = n.quota.Deps().Store.SetCopyReady(ctx, cf.FileID, n.quota.Row().ID, false)
		totalFiles++
		totalBytes += cf.File.SizeB
		if totalBytes >= headroomNeeded {
			break
		}
	}
	logging.Infof("lustrehsm: released %d bytes in %d files on node %q", totalBytes, totalFiles, n.quota.Row().Name)
	return nil
}

// IdleUpdate samples a batch of this node's has_file='Y' copies and
// corrects their ready flag against the file's actual HSM state, since any I/O
// on an HSM file outside alpenhornd (e.g. a user reading it directly)
// silently restores it.
func (n *Node) IdleUpdate(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.releaseQW == nil {
		qw, err := querywalker.New(ctx, n.seedReleaseQW, n.fetchReadyCopies)
		if err != nil {
			return nil // nothing to sample yet; retry next idle tick
		}
		n.releaseQW = qw
	}

	rows, err := n.releaseQW.Get(ctx, n.releaseCheckCount)
	if err != nil {
		if errors.Is(err, querywalker.ErrNoResults) {
			n.releaseQW = nil
			return nil
		}
		return err
	}

	copies := make([]archivedb.CopyAndFile, 0, len(rows))
	for _, row := range rows {
		if cf, ok := row.(*archivedb.CopyAndFile); ok {
			copies = append(copies, *cf)
		}
	}

	t := task.NewOneShot(n.quota.Deps().Queue, n.quota.Row().Name, false, func(_ *task.Task) error {
		return n.runIdleStateCheck(ctx, copies)
	})
	return t.Enqueue()
}

func (n *Node) seedReleaseQW(ctx context.Context) (int64, error) {
	copies, err := n.quota.Deps().Store.ReadyCopiesForNode(ctx, n.quota.Row().ID, 0, 1)
	if err != nil {
		return 0, err
	}
	if len(copies) == 0 {
		return 0, errNoReadyCopies
	}
	return copies[0].ID, nil
}

func (n *Node) fetchReadyCopies(ctx context.Context, minID int64, limit int) ([]querywalker.Row, error) {
	copies, err := n.quota.Deps().Store.ReadyCopiesForNode(ctx, n.quota.Row().ID, minID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]querywalker.Row, len(copies))
	for i := range copies {
		out[i] = &copies[i]
	}
	return out, nil
}

func (n *Node) runIdleStateCheck(ctx context.Context, copies []archivedb.CopyAndFile) error {
	for _, cf := range copies {
		fullpath := n.fullPath(cf.File.RelPath())
		state, err := n.lfs.HSMState(ctx, fullpath)
		if err != nil {
			continue
		}
		switch state {
		case lfs.Missing:
			logging.Warningf("lustrehsm: file copy %s on node %q is missing!", cf.File.RelPath(), n.quota.Row().Name)
			_ = n.quota.Deps().Store.MarkCopyState(ctx, cf.FileID, n.quota.Row().ID, archivedb.HasFileNo, false)
		case lfs.Released:
			if cf.Ready {
				_ = n.quota.Deps().Store.SetCopyReady(ctx, cf.FileID, n.quota.Row().ID, false)
			}
		default: // Restored or Unarchived
			if !cf.Ready {
				_ = n.quota.Deps().Store.SetCopyReady(ctx, cf.FileID, n.quota.Row().ID, true)
			}
		}
	}
	return nil
}
