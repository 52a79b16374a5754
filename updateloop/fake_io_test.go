package updateloop_test

import (
	"context"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
)

// fakeNodeIO counts hook invocations so tests can assert on the
// update loop's sequencing without touching a real filesystem.
type fakeNodeIO struct {
	row archivedb.StorageNode

	beforeUpdateCalls int
	beforeUpdateIdle  []bool
	proceed           bool
	updateAvailCalls  int
	checkActiveCalls  int
	active            bool
	checked           []int64
	deleted           [][]int64
	idleUpdateCalls   int
	afterUpdateCalls  int
	pullReady         bool
}

var _ ioclass.NodeIO = (*fakeNodeIO)(nil)

func (f *fakeNodeIO) CheckActive(ctx context.Context) (bool, error) {
	f.checkActiveCalls++
	return f.active, nil
}
func (f *fakeNodeIO) BytesAvail(ctx context.Context, fast bool) (int64, bool, error) {
	return 0, false, nil
}
func (f *fakeNodeIO) UpdateAvailGB(ctx context.Context, fast bool) error {
	f.updateAvailCalls++
	return nil
}
func (f *fakeNodeIO) FileWalk(ctx context.Context, fn func(relpath string) error) error {
	return nil
}
func (f *fakeNodeIO) Exists(ctx context.Context, relpath string) (bool, error) { return false, nil }
func (f *fakeNodeIO) Locked(ctx context.Context, relpath string) (bool, error) { return false, nil }
func (f *fakeNodeIO) MD5(ctx context.Context, relpath string) (string, error)  { return "", nil }
func (f *fakeNodeIO) FileSize(ctx context.Context, relpath string, actual bool) (int64, error) {
	return 0, nil
}
func (f *fakeNodeIO) ReserveBytes(n int64, checkOnly bool) bool { return true }
func (f *fakeNodeIO) ReleaseBytes(n int64) error                { return nil }
func (f *fakeNodeIO) Pull(ctx context.Context, req ioclass.PullRequest) error { return nil }
func (f *fakeNodeIO) Check(ctx context.Context, copy archivedb.CopyAndFile) error {
	f.checked = append(f.checked, copy.ID)
	return nil
}
func (f *fakeNodeIO) Delete(ctx context.Context, copies []archivedb.CopyAndFile) error {
	ids := make([]int64, len(copies))
	for i, c := range copies {
		ids[i] = c.ID
	}
	f.deleted = append(f.deleted, ids)
	return nil
}
func (f *fakeNodeIO) ReadyPull(ctx context.Context, req ioclass.PullRequest) error { return nil }
func (f *fakeNodeIO) PullReady(ctx context.Context, copy archivedb.ArchiveFileCopy) (bool, error) {
	return f.pullReady, nil
}
func (f *fakeNodeIO) BeforeUpdate(ctx context.Context, idle bool) (bool, error) {
	f.beforeUpdateCalls++
	f.beforeUpdateIdle = append(f.beforeUpdateIdle, idle)
	return f.proceed, nil
}
func (f *fakeNodeIO) IdleUpdate(ctx context.Context) error {
	f.idleUpdateCalls++
	return nil
}
func (f *fakeNodeIO) AfterUpdate(ctx context.Context, updateErr error) error {
	f.afterUpdateCalls++
	return nil
}

// fakeGroupIO records set_nodes/pull/idle activity.
type fakeGroupIO struct {
	setNodesCalls    int
	lastNodes        []archivedb.StorageNode
	beforeUpdateOK   bool
	idle             bool
	idleUpdateCalls  int
	afterUpdateCalls int
	existsOK         bool
	pulled           []ioclass.PullRequest
}

var _ ioclass.GroupIO = (*fakeGroupIO)(nil)

func (g *fakeGroupIO) SetNodes(ctx context.Context, nodes []archivedb.StorageNode) ([]archivedb.StorageNode, error) {
	g.setNodesCalls++
	g.lastNodes = nodes
	return nodes, nil
}
func (g *fakeGroupIO) Exists(ctx context.Context, relpath string) (archivedb.StorageNode, bool, error) {
	return archivedb.StorageNode{}, g.existsOK, nil
}
func (g *fakeGroupIO) Pull(ctx context.Context, req ioclass.PullRequest) error {
	g.pulled = append(g.pulled, req)
	return nil
}
func (g *fakeGroupIO) PullForce(ctx context.Context, dest archivedb.StorageNode, req ioclass.PullRequest) error {
	return nil
}
func (g *fakeGroupIO) BeforeUpdate(ctx context.Context, idle bool) (bool, error) {
	return g.beforeUpdateOK, nil
}
func (g *fakeGroupIO) IdleUpdate(ctx context.Context) error {
	g.idleUpdateCalls++
	return nil
}
func (g *fakeGroupIO) AfterUpdate(ctx context.Context, updateErr error) error {
	g.afterUpdateCalls++
	return nil
}
func (g *fakeGroupIO) Idle(ctx context.Context) bool { return g.idle }
