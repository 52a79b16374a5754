package group

import (
	"context"
	"encoding/json"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
	"github.com/radiocosmology/alpenhornd/xerrors"
)

// defaultSmallfileThreshold is the file size, in bytes, at or below
// which a pull is routed to the smallfile node rather than HSM.
const defaultSmallfileThreshold = 1000000000

// LustreHSMConfig is the optional io_config for a LustreHSM group.
type LustreHSMConfig struct {
	Threshold int64 `json:"threshold,omitempty"`
}

// LustreHSM is the LustreHSM group I/O class: exactly one HSM node
// paired with exactly one non-HSM "smallfile" node, routing pulls by
// file size.
type LustreHSM struct {
	deps      Deps
	threshold int64

	hsm       boundNode
	smallfile boundNode
}

// NewLustreHSM returns a LustreHSM group I/O instance, parsing the
// group's optional io_config ("threshold").
func NewLustreHSM(deps Deps, ioConfig []byte) (*LustreHSM, error) {
	cfg := LustreHSMConfig{Threshold: defaultSmallfileThreshold}
	if len(ioConfig) > 0 {
		if err := json.Unmarshal(ioConfig, &cfg); err != nil {
			return nil, xerrors.Wrap(err, xerrors.ErrConfig, "parsing LustreHSM group io_config")
		}
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultSmallfileThreshold
	}
	return &LustreHSM{deps: deps, threshold: cfg.Threshold}, nil
}

var _ ioclass.GroupIO = (*LustreHSM)(nil)

// SetNodes requires exactly two active nodes: one with io_class
// "LustreHSM", the other anything else.
func (g *LustreHSM) SetNodes(ctx context.Context, nodes []archivedb.StorageNode) ([]archivedb.StorageNode, error) {
	if len(nodes) != 2 {
		return nil, xerrors.Wrap(errLustreHSMNodeCount, xerrors.ErrConfig,
			"LustreHSM group requires exactly two active nodes")
	}

	var hsmRow, smallfileRow archivedb.StorageNode
	switch {
	case nodes[0].EffectiveIOClass() == "LustreHSM" && nodes[1].EffectiveIOClass() == "LustreHSM":
		return nil, xerrors.Wrap(errTwoLustreHSMNodes, xerrors.ErrConfig,
			"can't use two LustreHSM nodes in the same group")
	case nodes[0].EffectiveIOClass() == "LustreHSM":
		hsmRow, smallfileRow = nodes[0], nodes[1]
	case nodes[1].EffectiveIOClass() == "LustreHSM":
		hsmRow, smallfileRow = nodes[1], nodes[0]
	default:
		return nil, xerrors.Wrap(errNoLustreHSMNode, xerrors.ErrConfig,
			"no LustreHSM node in group")
	}

	bound, err := bindNodes(g.deps, []archivedb.StorageNode{hsmRow, smallfileRow})
	if err != nil {
		return nil, err
	}
	g.hsm, g.smallfile = bound[0], bound[1]
	return nodes, nil
}

// Exists checks the smallfile node first, then the HSM node, mirroring
// the expectation that most lookups are for small, recently-imported
// files.
func (g *LustreHSM) Exists(ctx context.Context, relpath string) (archivedb.StorageNode, bool, error) {
	ok, err := g.smallfile.IO.Exists(ctx, relpath)
	if err != nil {
		return archivedb.StorageNode{}, false, err
	}
	if ok {
		return g.smallfile.Row, true, nil
	}
	ok, err = g.hsm.IO.Exists(ctx, relpath)
	if err != nil {
		return archivedb.StorageNode{}, false, err
	}
	if ok {
		return g.hsm.Row, true, nil
	}
	return archivedb.StorageNode{}, false, nil
}

// Pull routes req to the smallfile node if the file is at or under
// the threshold, otherwise to the HSM node.
func (g *LustreHSM) Pull(ctx context.Context, req ioclass.PullRequest) error {
	if req.File.SizeB <= g.threshold {
		return g.smallfile.IO.Pull(ctx, req)
	}
	return g.hsm.IO.Pull(ctx, req)
}

// PullForce forwards req directly to dest's NodeIO.
func (g *LustreHSM) PullForce(ctx context.Context, dest archivedb.StorageNode, req ioclass.PullRequest) error {
	io, err := g.deps.NodeIO(dest)
	if err != nil {
		return err
	}
	return io.Pull(ctx, req)
}

func (g *LustreHSM) BeforeUpdate(ctx context.Context, idle bool) (bool, error) { return true, nil }

func (g *LustreHSM) IdleUpdate(ctx context.Context) error { return nil }

func (g *LustreHSM) AfterUpdate(ctx context.Context, updateErr error) error { return nil }

// Idle reports whether both the HSM and smallfile nodes are idle.
func (g *LustreHSM) Idle(ctx context.Context) bool {
	return g.deps.NodeIdle(g.hsm.Row) && g.deps.NodeIdle(g.smallfile.Row)
}

var (
	errLustreHSMNodeCount = configError("wrong number of active nodes")
	errTwoLustreHSMNodes  = configError("two LustreHSM nodes in the same group")
	errNoLustreHSMNode    = configError("no LustreHSM node in group")
)
