// Package group implements the Default, Transport, and LustreHSM
// group I/O classes: the policies that decide which member node
// within a StorageGroup actually receives a pull, and whether a file
// exists anywhere in the group. Grounded on
// original_source/alpenhorn/io/default.py, Transport.py, and
// lustrehsm.py's group classes.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package group

import (
	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
)

// Deps are the process-wide collaborators every group I/O class
// needs: a way to resolve a member StorageNode row to its NodeIO
// instance, and this daemon's own hostname (Transport restricts pulls
// to locally-sourced transfers).
type Deps struct {
	Host   string
	NodeIO func(row archivedb.StorageNode) (ioclass.NodeIO, error)
	Store  archivedb.Store

	// NodeIdle reports whether the given node currently has no queued
	// or in-progress tasks. It is injected rather than read off NodeIO
	// because idleness is a property of the node's FIFO in the shared
	// task queue, not of its I/O class.
	NodeIdle func(row archivedb.StorageNode) bool
}

// boundNode pairs a member StorageNode row with its resolved NodeIO,
// the shape every group class's set_nodes step produces.
type boundNode struct {
	Row archivedb.StorageNode
	IO  ioclass.NodeIO
}

func bindNodes(deps Deps, nodes []archivedb.StorageNode) ([]boundNode, error) {
	bound := make([]boundNode, 0, len(nodes))
	for _, row := range nodes {
		io, err := deps.NodeIO(row)
		if err != nil {
			return nil, err
		}
		bound = append(bound, boundNode{Row: row, IO: io})
	}
	return bound, nil
}
