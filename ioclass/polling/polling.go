// Package polling implements the Polling node I/O class: identical to
// Default in every respect except that its auto-import watcher uses
// periodic polling instead of inotify, which matters for network
// filesystems where inotify events are unreliable (spec §4.4
// "Polling node I/O"). The node I/O surface itself is unchanged, so
// this package only distinguishes itself by io_class name; the
// autoimport package selects the watcher strategy by consulting it.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package polling

import (
	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
	"github.com/radiocosmology/alpenhornd/ioclass/defaultio"
)

// Node is the Polling node I/O instance. It embeds defaultio.Node and
// adds nothing: the distinction is load-bearing only for auto-import,
// which checks EffectiveIOClass() to decide inotify vs. polling.
type Node struct {
	*defaultio.Node
}

// New returns a Polling node I/O instance for row.
func New(row archivedb.StorageNode, deps defaultio.Deps) *Node {
	return &Node{Node: defaultio.New(row, deps)}
}

var _ ioclass.NodeIO = (*Node)(nil)
