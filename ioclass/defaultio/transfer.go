package defaultio

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/karrick/godirwalk"

	"github.com/radiocosmology/alpenhornd/archivedb"
	"github.com/radiocosmology/alpenhornd/ioclass"
	"github.com/radiocosmology/alpenhornd/logging"
	"github.com/radiocosmology/alpenhornd/xerrors"
)

func fileWalk(root string, fn func(relpath string) error) error {
	return godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if !de.IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, osPathname)
			if err != nil {
				return err
			}
			return fn(rel)
		},
	})
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(h, bufio.NewReader(f), buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func onDiskSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Blocks * 512, nil
	}
	return fi.Size(), nil
}

// runPull fetches req's file from its source node onto this node:
// hard link for same-host transfers, bbcp (falling back to rsync over
// SSH) otherwise, then verifies MD5 and upserts the destination copy
// row (spec §4.4 "Pull task").
func (n *Node) runPull(ctx context.Context, req ioclass.PullRequest) error {
	relpath := req.File.RelPath()
	destPath := n.path(relpath)
	srcPath := filepath.Join(req.NodeFrom.Root, relpath)

	n.Deps.TreeLock.Up.Lock()
	defer n.Deps.TreeLock.Up.Unlock()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return xerrors.Wrap(err, xerrors.ErrDestBlamed, "creating destination directory")
	}

	var transferErr error
	sourceBlamed := true
	if req.NodeFrom.Host == n.Row.Host {
		transferErr = localCopy(srcPath, destPath)
		sourceBlamed = false
	} else {
		transferErr = remoteTransfer(ctx, req.NodeFrom, srcPath, n.Row, destPath, n.Deps.PullTimeout(req.File.SizeB))
	}
	if transferErr != nil {
		if sourceBlamed {
			_ = n.Deps.Store.MarkCopyState(ctx, req.File.ID, req.NodeFrom.ID, archivedb.HasFileMaybe, true)
			return xerrors.Wrap(transferErr, xerrors.ErrSourceBlamed, "transferring "+relpath)
		}
		return xerrors.Wrap(transferErr, xerrors.ErrDestBlamed, "transferring "+relpath)
	}

	sum, err := md5File(destPath)
	if err != nil {
		return xerrors.Wrap(err, xerrors.ErrDestBlamed, "hashing "+relpath)
	}
	if sum != req.File.MD5Sum {
		_ = os.Remove(destPath)
		_ = n.Deps.Store.MarkCopyState(ctx, req.File.ID, req.NodeFrom.ID, archivedb.HasFileMaybe, true)
		return xerrors.Wrap(fmt.Errorf("md5 mismatch: got %s want %s", sum, req.File.MD5Sum), xerrors.ErrSourceBlamed, relpath)
	}

	actualSize, err := onDiskSize(destPath)
	if err != nil {
		return err
	}
	return n.Deps.Store.UpsertCopyAfterPull(ctx, req.File.ID, n.Row.ID, req.NodeFrom.ID, req.Request.GroupToID, actualSize)
}

// localCopy hard-links src to dst (atomic, same filesystem); on a
// cross-device error it falls back to a regular byte copy.
func localCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func isCrossDevice(err error) bool {
	return strings.Contains(err.Error(), "cross-device") || isErrno(err, syscall.EXDEV)
}

func isErrno(err error, errno syscall.Errno) bool {
	for {
		if e, ok := err.(*os.LinkError); ok {
			err = e.Err
			continue
		}
		if e, ok := err.(syscall.Errno); ok {
			return e == errno
		}
		return false
	}
}

var bbcpMD5Line = regexp.MustCompile(`(?i)md5\s*[:=]\s*([0-9a-f]{32})`)

// remoteTransfer fetches src from sourceNode's host onto dst via bbcp
// if available (it reports an MD5 computed in-flight), falling back to
// rsync over SSH otherwise.
func remoteTransfer(ctx context.Context, sourceNode archivedb.StorageNode, src string, destNode archivedb.StorageNode, dst string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	remoteSpec := fmt.Sprintf("%s:%s", sshTarget(sourceNode), src)
	if path, err := exec.LookPath("bbcp"); err == nil {
		cmd := exec.CommandContext(ctx, path, remoteSpec, dst)
		var stderr strings.Builder
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("bbcp: %w: %s", err, stderr.String())
		}
		return nil
	}

	path, err := exec.LookPath("rsync")
	if err != nil {
		return fmt.Errorf("neither bbcp nor rsync is available on PATH")
	}
	args := append(append([]string{}, rsyncOpts...), remoteSpec, dst)
	cmd := exec.CommandContext(ctx, path, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync: %w: %s", err, stderr.String())
	}
	return nil
}

// rsyncOpts mirrors the original's RSYNC_OPTS.
var rsyncOpts = []string{
	"--quiet", "--times", "--protect-args", "--perms",
	"--group", "--owner", "--copy-links", "--sparse",
}

func sshTarget(node archivedb.StorageNode) string {
	if node.Username != "" {
		return node.Username + "@" + node.Address
	}
	return node.Address
}

// runCheck re-verifies a suspect copy: absence sets 'N', a size
// mismatch sets 'X', otherwise an MD5 mismatch sets 'X' and a match
// sets 'Y' with a refreshed size (spec §4.4 "Check task").
func (n *Node) runCheck(ctx context.Context, cf archivedb.CopyAndFile) error {
	relpath := cf.File.RelPath()
	exists, err := n.Exists(ctx, relpath)
	if err != nil {
		return err
	}
	if !exists {
		logging.Errorf("defaultio: %s missing on node %q", relpath, n.Row.Name)
		return n.Deps.Store.MarkCopyState(ctx, cf.FileID, n.Row.ID, archivedb.HasFileNo, true)
	}

	apparent, err := n.FileSize(ctx, relpath, false)
	if err != nil {
		return err
	}
	if apparent != cf.File.SizeB {
		logging.Errorf("defaultio: %s on node %q has wrong size", relpath, n.Row.Name)
		return n.Deps.Store.MarkCopyState(ctx, cf.FileID, n.Row.ID, archivedb.HasFileCorrupt, true)
	}

	sum, err := n.MD5(ctx, relpath)
	if err != nil {
		return err
	}
	if sum != cf.File.MD5Sum {
		logging.Errorf("defaultio: %s on node %q is corrupt", relpath, n.Row.Name)
		return n.Deps.Store.MarkCopyState(ctx, cf.FileID, n.Row.ID, archivedb.HasFileCorrupt, true)
	}

	actual, err := n.FileSize(ctx, relpath, true)
	if err != nil {
		return err
	}
	if err := n.Deps.Store.MarkCopyState(ctx, cf.FileID, n.Row.ID, archivedb.HasFileYes, true); err != nil {
		return err
	}
	return n.Deps.Store.UpdateCopySize(ctx, cf.FileID, n.Row.ID, actual)
}

// runDelete deletes each copy still safe to delete under the
// replication invariant, unlinking the file and pruning now-empty
// parent directories up to (not including) the node root (spec §4.4
// "Delete task").
func (n *Node) runDelete(ctx context.Context, copies []archivedb.CopyAndFile) error {
	var firstErr error
	for _, cf := range copies {
		archiveCopies, _, err := n.Deps.Store.ReplicationCount(ctx, cf.FileID, n.Row.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if archiveCopies < 2 {
			logging.Warningf("defaultio: refusing to delete %s on node %q, replication invariant would be violated",
				cf.File.RelPath(), n.Row.Name)
			continue
		}

		relpath := cf.File.RelPath()
		fullPath := n.path(relpath)

		n.Deps.TreeLock.Down.Lock()
		if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
			n.Deps.TreeLock.Down.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pruneEmptyDirs(filepath.Dir(fullPath), n.Row.Root)
		n.Deps.TreeLock.Down.Unlock()

		if err := n.Deps.Store.DeleteCopy(ctx, cf.FileID, n.Row.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// pruneEmptyDirs removes dir and its empty ancestors, stopping at (and
// never removing) root.
func pruneEmptyDirs(dir, root string) {
	root = filepath.Clean(root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || len(dir) <= len(root) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
