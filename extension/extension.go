// Package extension implements the pluggable hook points a site
// deployment can add without forking the core: a database driver
// override and one or more import-detection callables, plus the
// ability to register extra node/group io_class constructors with
// ioclass/registry. Grounded on
// original_source/alpenhorn/extensions.py's load_extensions, adapted
// from Python's import-by-name to Go's compile-time package
// registration: an extension package registers itself by name in its
// own init(), and the configured `extensions` list (spec §6) just
// enables names already linked into the binary.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package extension

import (
	"fmt"
	"sync"

	"github.com/radiocosmology/alpenhornd/logging"
)

// ImportDetect is an import-detection callable (spec §6): given a
// file's path relative to a node root, it returns the acquisition name
// the file belongs to, or ok=false if this extension has no opinion.
type ImportDetect func(relpath string) (acqName string, ok bool)

// Extension is the capability set a named extension may provide. Any
// method may be nil/return ok=false if the extension doesn't offer
// that capability; an extension offering nothing useful is a
// configuration warning, not an error (mirrors the original's
// "Ignoring extension ... with no useable functionality").
type Extension interface {
	// DBDriver optionally overrides the sql driver name archivedb
	// uses to open the database connection. At most one loaded
	// extension may provide this.
	DBDriver() (driverName string, ok bool)

	// ImportDetect optionally provides an import-detection callable.
	ImportDetect() (fn ImportDetect, ok bool)

	// RegisterIOClasses is called once, when the extension is loaded,
	// so it can add node/group io_class constructors to
	// ioclass/registry.
	RegisterIOClasses()
}

var (
	mu         sync.Mutex
	registered = map[string]Extension{}
)

// Register makes an Extension available under name for later
// activation via Load. Called from an extension package's init().
func Register(name string, ext Extension) {
	mu.Lock()
	defer mu.Unlock()
	registered[name] = ext
}

// Registry is the process-wide set of extensions activated for this
// run, populated from the configured `extensions` names (spec §6).
type Registry struct {
	loaded   []Extension
	dbDriver string
	detects  []ImportDetect
}

// Load activates each named extension: it must already be registered
// (linked into the binary), and at most one may provide a database
// driver override.
func Load(names []string) (*Registry, error) {
	r := &Registry{}
	for _, name := range names {
		mu.Lock()
		ext, ok := registered[name]
		mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("extension: %q is not registered", name)
		}

		logging.Infof("extension: loading %q", name)
		useful := false

		if driver, ok := ext.DBDriver(); ok {
			useful = true
			if r.dbDriver != "" {
				return nil, fmt.Errorf("extension: more than one database extension configured (have %q, got %q from %q)",
					r.dbDriver, driver, name)
			}
			r.dbDriver = driver
		}
		if fn, ok := ext.ImportDetect(); ok {
			useful = true
			r.detects = append(r.detects, fn)
		}
		ext.RegisterIOClasses()

		if !useful {
			logging.Warningf("extension: %q provides no usable functionality beyond io_class registration", name)
		}
		r.loaded = append(r.loaded, ext)
	}
	return r, nil
}

// DBDriver returns the database driver name requested by a loaded
// extension, if any.
func (r *Registry) DBDriver() (string, bool) {
	if r == nil || r.dbDriver == "" {
		return "", false
	}
	return r.dbDriver, true
}

// DetectImport runs each loaded import-detect callable in
// registration order, returning the first successful match.
func (r *Registry) DetectImport(relpath string) (acqName string, ok bool) {
	if r == nil {
		return "", false
	}
	for _, fn := range r.detects {
		if acqName, ok := fn(relpath); ok {
			return acqName, true
		}
	}
	return "", false
}
