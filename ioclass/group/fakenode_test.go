package group_test

import (
	"context"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
)

// fakeNodeIO is a minimal stand-in for a NodeIO implementation, giving
// tests direct control over Exists/ReserveBytes/Pull outcomes without
// touching the filesystem.
type fakeNodeIO struct {
	existsRelpath string
	existsOK      bool
	reserveOK     bool
	pulled        []ioclass.PullRequest
	pullErr       error
}

var _ ioclass.NodeIO = (*fakeNodeIO)(nil)

func (f *fakeNodeIO) CheckActive(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeNodeIO) BytesAvail(ctx context.Context, fast bool) (int64, bool, error) {
	return 0, false, nil
}
func (f *fakeNodeIO) UpdateAvailGB(ctx context.Context, fast bool) error { return nil }
func (f *fakeNodeIO) FileWalk(ctx context.Context, fn func(relpath string) error) error {
	return nil
}
func (f *fakeNodeIO) Exists(ctx context.Context, relpath string) (bool, error) {
	return f.existsOK && relpath == f.existsRelpath, nil
}
func (f *fakeNodeIO) Locked(ctx context.Context, relpath string) (bool, error) { return false, nil }
func (f *fakeNodeIO) MD5(ctx context.Context, relpath string) (string, error) { return "", nil }
func (f *fakeNodeIO) FileSize(ctx context.Context, relpath string, actual bool) (int64, error) {
	return 0, nil
}
func (f *fakeNodeIO) ReserveBytes(n int64, checkOnly bool) bool { return f.reserveOK }
func (f *fakeNodeIO) ReleaseBytes(n int64) error                { return nil }
func (f *fakeNodeIO) Pull(ctx context.Context, req ioclass.PullRequest) error {
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulled = append(f.pulled, req)
	return nil
}
func (f *fakeNodeIO) Check(ctx context.Context, copy archivedb.CopyAndFile) error { return nil }
func (f *fakeNodeIO) Delete(ctx context.Context, copies []archivedb.CopyAndFile) error {
	return nil
}
func (f *fakeNodeIO) ReadyPull(ctx context.Context, req ioclass.PullRequest) error { return nil }
func (f *fakeNodeIO) PullReady(ctx context.Context, copy archivedb.ArchiveFileCopy) (bool, error) {
	return true, nil
}
func (f *fakeNodeIO) BeforeUpdate(ctx context.Context, idle bool) (bool, error) { return true, nil }
func (f *fakeNodeIO) IdleUpdate(ctx context.Context) error                     { return nil }
func (f *fakeNodeIO) AfterUpdate(ctx context.Context, updateErr error) error   { return nil }
