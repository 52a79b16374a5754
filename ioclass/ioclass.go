// Package ioclass defines the pluggable node and group I/O contracts
// (spec §4.4, §4.5): small closed capability sets dispatched by the
// io_class string on a StorageNode or StorageGroup row. Concrete
// classes live in the defaultio, polling, lustrequota, lustrehsm, and
// group subpackages; this package holds only the contract and the
// shared request/result shapes they operate on.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package ioclass

import (
	"context"

	"github.com/radiocosmology/alpenhornd/archivedb"
)

// PullRequest is everything a node or group pull needs: the file to
// fetch, the source node it is coming from, and the DB identifiers the
// eventual completion/cancellation update needs (spec §4.8).
type PullRequest struct {
	Request  archivedb.ArchiveFileCopyRequest
	File     archivedb.ArchiveFile
	NodeFrom archivedb.StorageNode
}

// NodeIO is the per-node capability set (spec §4.4). Every method
// receives the live StorageNode row it is bound to via the concrete
// type's constructor, not as a parameter, since a live instance is
// reconstructed whenever the row's io_class/io_config/PK changes
// (spec §4.6).
type NodeIO interface {
	// CheckActive reports whether the node's storage is really
	// mounted and reachable.
	CheckActive(ctx context.Context) (bool, error)

	// BytesAvail returns current free bytes on underlying storage, or
	// ok=false if unknown. fast permits skipping expensive queries.
	BytesAvail(ctx context.Context, fast bool) (bytesAvail int64, ok bool, err error)

	// UpdateAvailGB converts BytesAvail to GB (units of 10^9 bytes,
	// not GiB) and persists it with a timestamp.
	UpdateAvailGB(ctx context.Context, fast bool) error

	// FileWalk lazily walks every regular file under root, invoking fn
	// with each file's path relative to root. Used for auto-import.
	FileWalk(ctx context.Context, fn func(relpath string) error) error

	// Exists reports whether relpath exists as a regular file.
	Exists(ctx context.Context, relpath string) (bool, error)

	// Locked reports whether a sibling .{name}.lock file indicates a
	// writer still owns relpath.
	Locked(ctx context.Context, relpath string) (bool, error)

	// MD5 computes the MD5 checksum of relpath.
	MD5(ctx context.Context, relpath string) (string, error)

	// FileSize returns the apparent size (actual=false) or the
	// on-disk size (actual=true, block-count * 512) of relpath.
	FileSize(ctx context.Context, relpath string, actual bool) (int64, error)

	// ReserveBytes attempts to reserve n*factor bytes. When checkOnly
	// is false and the attempt succeeds, the reservation is committed.
	ReserveBytes(n int64, checkOnly bool) bool

	// ReleaseBytes releases a previous reservation of n bytes.
	ReleaseBytes(n int64) error

	// Pull enqueues a task to fetch req's file onto this node, after
	// checking under-min, over-max, and space reservation; if any
	// fail, Pull does nothing and the request remains pending.
	Pull(ctx context.Context, req PullRequest) error

	// Check enqueues a task to re-verify a suspect copy.
	Check(ctx context.Context, copy archivedb.CopyAndFile) error

	// Delete enqueues a single task to delete a batch of copies from
	// this node, each re-checked against the replication invariant.
	Delete(ctx context.Context, copies []archivedb.CopyAndFile) error

	// ReadyPull makes the file named by req locally readable when
	// this node is the source (no-op for Default; HSM restore for
	// Lustre).
	ReadyPull(ctx context.Context, req PullRequest) error

	// PullReady reports whether, as a pull source, this node's copy
	// is currently ready to be read (always true for Default).
	PullReady(ctx context.Context, copy archivedb.ArchiveFileCopy) (bool, error)

	// BeforeUpdate is the update-loop hook run at the top of a tick;
	// false skips this node's update for the tick.
	BeforeUpdate(ctx context.Context, idle bool) (bool, error)

	// IdleUpdate is called once per tick when no work was queued for
	// this node.
	IdleUpdate(ctx context.Context) error

	// AfterUpdate is called once per tick regardless of outcome.
	AfterUpdate(ctx context.Context, updateErr error) error
}

// GroupIO is the per-group capability set (spec §4.5).
type GroupIO interface {
	// SetNodes validates the membership policy against the group's
	// currently active local nodes and returns the accepted subset,
	// or an error if the policy cannot be satisfied.
	SetNodes(ctx context.Context, nodes []archivedb.StorageNode) ([]archivedb.StorageNode, error)

	// Exists returns the member node containing relpath, if any.
	Exists(ctx context.Context, relpath string) (node archivedb.StorageNode, ok bool, err error)

	// Pull chooses a destination node within the group, subject to
	// the group's placement policy, and delegates to its node Pull.
	Pull(ctx context.Context, req PullRequest) error

	// PullForce bypasses the group's node selection policy and always
	// delegates to the given node's Pull (used by the resolver after
	// it has already decided the destination).
	PullForce(ctx context.Context, dest archivedb.StorageNode, req PullRequest) error

	// BeforeUpdate/IdleUpdate/AfterUpdate mirror the node hooks.
	BeforeUpdate(ctx context.Context, idle bool) (bool, error)
	IdleUpdate(ctx context.Context) error
	AfterUpdate(ctx context.Context, updateErr error) error

	// Idle reports whether every member node is idle.
	Idle(ctx context.Context) bool
}
