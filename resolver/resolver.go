// Package resolver implements the copy-request resolver (spec §4.8):
// for a group with active local nodes, it walks the group's pending
// copy requests and, depending on the destination's current state for
// the requested file, completes it, leaves it pending, or advances it
// toward a pull. The resolver never cancels a request. Grounded on
// original_source/alpenhorn/update.py's UpdateableGroup request
// handling.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package resolver

import (
	"context"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
	"github.com/radiocosmology/alpenhornd/logging"
)

// NodeIOFor resolves a StorageNode row to its live NodeIO instance, so
// the resolver can call pull_ready/ready_pull on the source node.
type NodeIOFor func(row archivedb.StorageNode) (ioclass.NodeIO, error)

// Resolve processes every pending (completed=false, cancelled=false)
// request targeting groupID, given the group's current local member
// node IDs and its live GroupIO instance.
func Resolve(ctx context.Context, store archivedb.Store, nodeIO NodeIOFor, groupID int64, memberNodeIDs []int64, groupIO ioclass.GroupIO) error {
	requests, err := store.PendingRequestsForGroup(ctx, groupID)
	if err != nil {
		return err
	}

	for _, req := range requests {
		if err := resolveOne(ctx, store, nodeIO, memberNodeIDs, groupIO, req); err != nil {
			return err
		}
	}
	return nil
}

func resolveOne(ctx context.Context, store archivedb.Store, nodeIO NodeIOFor, memberNodeIDs []int64, groupIO ioclass.GroupIO, req archivedb.RequestAndFile) error {
	// Step 1: a request from an inactive source node stays pending
	// until the source comes back.
	if !req.NodeFrom.Active {
		return nil
	}

	// Step 2: the group's current materialization state for the file
	// decides whether there's anything left to do.
	state, err := store.FilecopyState(ctx, req.FileID, memberNodeIDs)
	if err != nil {
		return err
	}
	switch state {
	case archivedb.HasFileYes:
		return store.CompleteRequestsFor(ctx, req.FileID, req.NodeFromID, req.GroupToID)
	case archivedb.HasFileMaybe:
		// Suspect copy already present; a later check resolves it.
		return nil
	}
	// X or N: proceed to a pull.

	// Step 3: the source must be ready to be read from.
	srcIO, err := nodeIO(req.NodeFrom)
	if err != nil {
		return err
	}
	copy := archivedb.ArchiveFileCopy{FileID: req.FileID, NodeID: req.NodeFromID}
	ready, err := srcIO.PullReady(ctx, copy)
	if err != nil {
		return err
	}
	if !ready {
		pullReq := ioclass.PullRequest{Request: req.ArchiveFileCopyRequest, File: req.File, NodeFrom: req.NodeFrom}
		return srcIO.ReadyPull(ctx, pullReq)
	}

	// Step 4: hand off to the group's placement policy.
	pullReq := ioclass.PullRequest{Request: req.ArchiveFileCopyRequest, File: req.File, NodeFrom: req.NodeFrom}
	if err := groupIO.Pull(ctx, pullReq); err != nil {
		logging.Errorf("resolver: pull of %s into group %d failed: %v", req.File.RelPath(), req.GroupToID, err)
		return err
	}
	return nil
}

// ResolveByExistence implements the "group search" variant (spec
// §4.8): when relpath is believed to already be present somewhere in
// the group but not recorded, it checks groupIO.Exists and, if found,
// marks the destination copy suspect ('M') so a check task verifies
// it, instead of enqueuing a redundant pull.
func ResolveByExistence(ctx context.Context, store archivedb.Store, groupIO ioclass.GroupIO, fileID int64, relpath string) (found bool, err error) {
	node, ok, err := groupIO.Exists(ctx, relpath)
	if err != nil || !ok {
		return false, err
	}
	if err := store.MarkCopyState(ctx, fileID, node.ID, archivedb.HasFileMaybe, false); err != nil {
		return false, err
	}
	return true, nil
}
