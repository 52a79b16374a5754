// Package registry dispatches a StorageNode or StorageGroup row's
// io_class string to the concrete NodeIO/GroupIO constructor, so the
// update loop never imports the individual io-class packages by name.
// Built-ins are registered in this package's init; the extension
// package adds to the same tables at startup (spec §4.6, §6 "named
// I/O class registration").
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package registry

import (
	"fmt"
	"sync"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
	"github.com/radiocosmology/alpenhornd/ioclass/defaultio"
	"github.com/radiocosmology/alpenhornd/ioclass/group"
	"github.com/radiocosmology/alpenhornd/ioclass/lustrehsm"
	"github.com/radiocosmology/alpenhornd/ioclass/lustrequota"
	"github.com/radiocosmology/alpenhornd/ioclass/polling"
)

// NodeCtor builds a NodeIO instance for row given the shared
// defaultio.Deps and the node's raw io_config bytes.
type NodeCtor func(row archivedb.StorageNode, deps defaultio.Deps, ioConfig []byte) (ioclass.NodeIO, error)

// GroupCtor builds a GroupIO instance given the shared group.Deps and
// the group's raw io_config bytes.
type GroupCtor func(deps group.Deps, ioConfig []byte) (ioclass.GroupIO, error)

var (
	mu         sync.RWMutex
	nodeCtors  = map[string]NodeCtor{}
	groupCtors = map[string]GroupCtor{}
)

func init() {
	RegisterNode("Default", func(row archivedb.StorageNode, deps defaultio.Deps, _ []byte) (ioclass.NodeIO, error) {
		return defaultio.New(row, deps), nil
	})
	RegisterNode("Polling", func(row archivedb.StorageNode, deps defaultio.Deps, _ []byte) (ioclass.NodeIO, error) {
		return polling.New(row, deps), nil
	})
	RegisterNode("LustreQuota", func(row archivedb.StorageNode, deps defaultio.Deps, ioConfig []byte) (ioclass.NodeIO, error) {
		return lustrequota.New(row, deps, ioConfig)
	})
	RegisterNode("LustreHSM", func(row archivedb.StorageNode, deps defaultio.Deps, ioConfig []byte) (ioclass.NodeIO, error) {
		return lustrehsm.New(row, deps, ioConfig)
	})

	RegisterGroup("Default", func(deps group.Deps, _ []byte) (ioclass.GroupIO, error) {
		return group.NewDefault(deps), nil
	})
	RegisterGroup("Transport", func(deps group.Deps, _ []byte) (ioclass.GroupIO, error) {
		return group.NewTransport(deps), nil
	})
	RegisterGroup("LustreHSM", func(deps group.Deps, ioConfig []byte) (ioclass.GroupIO, error) {
		return group.NewLustreHSM(deps, ioConfig)
	})
}

// RegisterNode adds or replaces the constructor for the named node
// io_class. Called by built-ins at init and by extensions at startup.
func RegisterNode(name string, ctor NodeCtor) {
	mu.Lock()
	defer mu.Unlock()
	nodeCtors[name] = ctor
}

// RegisterGroup adds or replaces the constructor for the named group
// io_class.
func RegisterGroup(name string, ctor GroupCtor) {
	mu.Lock()
	defer mu.Unlock()
	groupCtors[name] = ctor
}

// NewNode dispatches on row.EffectiveIOClass() to build a NodeIO
// instance, or returns an error if no class is registered under that
// name.
func NewNode(row archivedb.StorageNode, deps defaultio.Deps) (ioclass.NodeIO, error) {
	name := row.EffectiveIOClass()
	mu.RLock()
	ctor, ok := nodeCtors[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown node io_class %q", name)
	}
	return ctor(row, deps, row.IOConfig)
}

// NewGroup dispatches on g.EffectiveIOClass() to build a GroupIO
// instance.
func NewGroup(g archivedb.StorageGroup, deps group.Deps) (ioclass.GroupIO, error) {
	name := g.EffectiveIOClass()
	mu.RLock()
	ctor, ok := groupCtors[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown group io_class %q", name)
	}
	return ctor(deps, g.IOConfig)
}
