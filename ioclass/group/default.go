package group

import (
	"context"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
	"github.com/radiocosmology/alpenhornd/xerrors"
)

// Default is the Default group I/O class: it accepts exactly one
// active member node and forwards every operation to it unconditionally.
type Default struct {
	deps Deps
	node boundNode
}

// NewDefault returns a Default group I/O instance.
func NewDefault(deps Deps) *Default {
	return &Default{deps: deps}
}

var _ ioclass.GroupIO = (*Default)(nil)

// SetNodes accepts exactly one node; any other count is a
// configuration error.
func (g *Default) SetNodes(ctx context.Context, nodes []archivedb.StorageNode) ([]archivedb.StorageNode, error) {
	if len(nodes) != 1 {
		return nil, xerrors.Wrap(errWrongNodeCount, xerrors.ErrConfig, "Default group requires exactly one active node")
	}
	bound, err := bindNodes(g.deps, nodes)
	if err != nil {
		return nil, err
	}
	g.node = bound[0]
	return nodes, nil
}

// Exists reports whether relpath exists on the group's sole node.
func (g *Default) Exists(ctx context.Context, relpath string) (archivedb.StorageNode, bool, error) {
	ok, err := g.node.IO.Exists(ctx, relpath)
	if err != nil || !ok {
		return archivedb.StorageNode{}, false, err
	}
	return g.node.Row, true, nil
}

// Pull forwards req to the group's sole node.
func (g *Default) Pull(ctx context.Context, req ioclass.PullRequest) error {
	return g.node.IO.Pull(ctx, req)
}

// PullForce forwards req to dest directly, bypassing node selection:
// Default has only one node, so dest must be it.
func (g *Default) PullForce(ctx context.Context, dest archivedb.StorageNode, req ioclass.PullRequest) error {
	return g.node.IO.Pull(ctx, req)
}

func (g *Default) BeforeUpdate(ctx context.Context, idle bool) (bool, error) { return true, nil }

func (g *Default) IdleUpdate(ctx context.Context) error { return nil }

func (g *Default) AfterUpdate(ctx context.Context, updateErr error) error { return nil }

// Idle reports whether the sole node currently has no pending work.
func (g *Default) Idle(ctx context.Context) bool {
	return g.deps.NodeIdle(g.node.Row)
}

type configError string

func (e configError) Error() string { return string(e) }

var errWrongNodeCount = configError("wrong number of active nodes")
