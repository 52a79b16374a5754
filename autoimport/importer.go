// Package autoimport drives registration of files discovered on a
// node's storage into the database: a Watcher for nodes whose io_class
// expects filesystem-change events, and a Poller for io_class=Polling
// nodes that can only be swept periodically (spec §6.10). Both reduce
// to the same Importer.Import call, grounded on
// original_source/alpenhorn/auto_import.py's _import_file.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package autoimport

import (
	"context"
	"path"
	"strings"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/extension"
	"github.com/radiocosmology/alpenhornd/logging"
	"github.com/radiocosmology/alpenhornd/updateloop"
)

// Importer registers newly-discovered files for a node into the
// database, skipping files a writer still holds a lock on.
type Importer struct {
	Store      archivedb.Store
	Extensions *extension.Registry
}

// Import considers relpath (relative to node.Row.Root) for import onto
// node. It is a no-op, not an error, when the path is locked or its
// acquisition can't be determined.
func (imp *Importer) Import(ctx context.Context, node *updateloop.UpdateableNode, relpath string) error {
	locked, err := node.IO.Locked(ctx, relpath)
	if err != nil {
		return err
	}
	if locked {
		logging.Infof("autoimport: %s/%s is locked, skipping", node.Row.Name, relpath)
		return nil
	}

	acqName, fileName, ok := imp.splitAcq(relpath)
	if !ok {
		logging.Infof("autoimport: %s/%s has no recognizable acquisition, skipping", node.Row.Name, relpath)
		return nil
	}

	sizeB, err := node.IO.FileSize(ctx, relpath, false)
	if err != nil {
		return err
	}
	md5sum, err := node.IO.MD5(ctx, relpath)
	if err != nil {
		return err
	}

	if _, err := imp.Store.RegisterImport(ctx, node.Row.ID, acqName, fileName, sizeB, md5sum); err != nil {
		return err
	}
	logging.Infof("autoimport: registered %s/%s on node %q", acqName, fileName, node.Row.Name)
	return nil
}

// splitAcq determines the acquisition name and file name a relpath
// belongs to. A loaded extension's import-detect callable gets first
// say; absent one, the first path component is the acquisition name
// (the original's directory-per-acquisition layout).
func (imp *Importer) splitAcq(relpath string) (acqName, fileName string, ok bool) {
	if acq, ok := imp.Extensions.DetectImport(relpath); ok {
		return acq, path.Base(relpath), true
	}
	parts := strings.SplitN(relpath, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
