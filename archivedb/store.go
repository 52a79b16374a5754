package archivedb

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" sql.DB driver
	"github.com/pkg/errors"

	"github.com/radiocosmology/alpenhornd/xerrors"
)

// CopyAndFile joins an ArchiveFileCopy row with the ArchiveFile and
// ArchiveAcq it belongs to, the shape the check/delete/pull tasks need
// to build an on-disk path (spec §6 "{root}/{acq.name}/{name}").
type CopyAndFile struct {
	ArchiveFileCopy
	File ArchiveFile
}

// RequestAndFile joins a pending ArchiveFileCopyRequest with its file
// and source node, the shape the resolver (spec §4.8) operates on.
type RequestAndFile struct {
	ArchiveFileCopyRequest
	File     ArchiveFile
	NodeFrom StorageNode
}

// Store is every database operation the core issues. It is the
// boundary the resolver, update loop, and I/O classes use instead of
// talking to *sql.DB directly, so that a fake in-memory Store can back
// unit tests without a live Postgres instance.
type Store interface {
	// ActiveNodesForHost returns active StorageNode rows whose host
	// matches the given hostname (spec §4.7 step 1).
	ActiveNodesForHost(ctx context.Context, host string) ([]StorageNode, error)

	// Group returns the named StorageGroup.
	Group(ctx context.Context, name string) (*StorageGroup, error)

	// UpdateNodeAvailGB persists a fresh free-space measurement
	// (spec §4.4 update_avail_gb).
	UpdateNodeAvailGB(ctx context.Context, nodeID int64, gb float64) error

	// SetNodeActive reconciles the DB's active flag with what
	// check_active() observed (spec §4.7 step 3b).
	SetNodeActive(ctx context.Context, nodeID int64, active bool) error

	// SuspectCopies returns up to limit copies with has_file='M' on
	// the given node, for integrity re-verification (spec §4.7 step 3c).
	SuspectCopies(ctx context.Context, nodeID int64, limit int) ([]CopyAndFile, error)

	// DeletionCandidates returns up to limit copies on the given node
	// that are candidates under spec §3 rule 4 (wants_file='N' always;
	// wants_file='M' only when belowFloor and the node is not archive;
	// the node's archive-ness is resolved by the caller, which passes
	// belowFloor accordingly).
	DeletionCandidates(ctx context.Context, nodeID int64, belowFloor bool, limit int) ([]CopyAndFile, error)

	// ReplicationCount returns how many has_file='Y' copies of fileID
	// exist on other nodes, split by whether those nodes are archive
	// nodes, excluding excludeNodeID (spec §3 rule 2, §8).
	ReplicationCount(ctx context.Context, fileID, excludeNodeID int64) (archiveCopies, otherCopies int, err error)

	// FilecopyState returns the group's effective state for a file:
	// the max, in Y>M>X>N order, of has_file across the group's
	// member nodes (spec §3 rule 3, §4.8 step 2).
	FilecopyState(ctx context.Context, fileID int64, nodeIDs []int64) (HasFileState, error)

	// PendingRequestsForGroup returns non-terminal requests whose
	// group_to is groupID (spec §4.8).
	PendingRequestsForGroup(ctx context.Context, groupID int64) ([]RequestAndFile, error)

	// CompleteRequestsFor marks completed=true on every pending
	// request matching (fileID, nodeFromID, groupToID) in one
	// statement, per spec §3 ("resolving any one resolves them all").
	CompleteRequestsFor(ctx context.Context, fileID, nodeFromID, groupToID int64) error

	// CancelRequestsFor marks cancelled=true (not completed) on every
	// pending request matching the triple, per the resolver's
	// cancellation policy (spec §4.8).
	CancelRequestsFor(ctx context.Context, fileID, nodeFromID, groupToID int64) error

	// UpsertCopyAfterPull atomically (a) upserts the destination copy
	// as has_file='Y', wants_file='Y', ready=true, size_b=actualSizeB,
	// and (b) completes every matching pending request, in one
	// transaction (spec §3, §4.4 Default pull task, §8).
	UpsertCopyAfterPull(ctx context.Context, fileID, destNodeID, nodeFromID, groupToID int64, actualSizeB int64) error

	// MarkCopyState sets has_file and ready on one copy, creating the
	// row if absent.
	MarkCopyState(ctx context.Context, fileID, nodeID int64, state HasFileState, ready bool) error

	// UpdateCopySize updates size_b and last_update on a successful
	// check (spec §4.4 Default check task).
	UpdateCopySize(ctx context.Context, fileID, nodeID int64, actualSizeB int64) error

	// DeleteCopy records, after a copy's file has been unlinked from
	// storage, that the copy is gone: it sets has_file='N',
	// wants_file='N' and size_b=0 in one update. The row itself is
	// kept (spec §4.4 Default delete task).
	DeleteCopy(ctx context.Context, fileID, nodeID int64) error

	// CopyOnAnyMember returns the node ID holding fileID among
	// nodeIDs with has_file='Y', if any (spec §4.5 Default/Group
	// Exists, §4.8 "group search" variant).
	CopyOnAnyMember(ctx context.Context, fileID int64, nodeIDs []int64) (nodeID int64, ok bool, err error)

	// SetCopyReady sets the ready flag alone, independent of has_file,
	// for LustreHSM's release/restore bookkeeping (spec §4.4 LustreHSM
	// "release_files", "idle_update").
	SetCopyReady(ctx context.Context, fileID, nodeID int64, ready bool) error

	// ReadyCopiesForNode returns up to limit has_file='Y' copies on
	// nodeID with id >= minID, ordered by id, matching
	// querywalker.Fetcher's contract, for the HSM idle-update query
	// walker (spec §4.4 LustreHSM "idle_update").
	ReadyCopiesForNode(ctx context.Context, nodeID, minID int64, limit int) ([]CopyAndFile, error)

	// ReleaseCandidates returns up to limit copies on nodeID with
	// has_file='Y' and ready=true, ordered by last_update ascending,
	// for LustreHSM's headroom-clearing release_files (spec §4.4
	// LustreHSM "release_files").
	ReleaseCandidates(ctx context.Context, nodeID int64, limit int) ([]CopyAndFile, error)

	// CopyReady returns the current ready flag for one copy.
	CopyReady(ctx context.Context, fileID, nodeID int64) (bool, error)

	// OverMax reports whether nodeID's current has_file='Y' total,
	// summed in GB, has reached or passed its max_total_gb cap. A node
	// with no cap (max_total_gb nil or <= 0) is never over-max (spec
	// §4.4 "max_total_gb ≤ 0 or null disables the size cap").
	OverMax(ctx context.Context, nodeID int64) (bool, error)

	// RegisterImport records a file discovered by auto-import on
	// nodeID: it creates the acquisition and file rows if they don't
	// already exist, then registers (or re-flags for checking) the
	// copy on nodeID (spec §6.10, grounded on
	// original_source/alpenhorn/auto_import.py's _import_file).
	RegisterImport(ctx context.Context, nodeID int64, acqName, fileName string, sizeB int64, md5sum string) (fileID int64, err error)
}

// pqStore is the Store implementation backed by database/sql +
// lib/pq, with sqlx layered on top for struct scanning (grounded on
// other_examples/das7pad-overleaf-go's database/sql+lib/pq usage,
// the pack's only concrete SQL-store example).
type pqStore struct {
	db *sqlx.DB
}

// Open connects to the Postgres database named by dsn and verifies
// connectivity.
func Open(dsn string) (Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrTransientDB, "connecting to archive database")
	}
	return &pqStore{db: db}, nil
}

func (s *pqStore) ActiveNodesForHost(ctx context.Context, host string) ([]StorageNode, error) {
	var nodes []StorageNode
	err := s.db.SelectContext(ctx, &nodes, `
		SELECT n.id, n.name, g.name AS group_name, n.root, n.host, n.username,
		       n.address, n.io_class, n.io_config, n.active, n.auto_import,
		       n.storage_type, n.max_total_gb, n.min_avail_gb, n.avail_gb,
		       n.avail_gb_last_checked, n.min_delete_age_days
		FROM storage_node n JOIN storage_group g ON g.id = n.group_id
		WHERE n.active AND n.host = $1
		ORDER BY n.name`, host)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return nodes, nil
}

func (s *pqStore) Group(ctx context.Context, name string) (*StorageGroup, error) {
	var g StorageGroup
	err := s.db.GetContext(ctx, &g, `SELECT id, name, io_class, io_config, notes FROM storage_group WHERE name = $1`, name)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return &g, nil
}

func (s *pqStore) UpdateNodeAvailGB(ctx context.Context, nodeID int64, gb float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE storage_node SET avail_gb = $1, avail_gb_last_checked = now() WHERE id = $2`, gb, nodeID)
	return wrapDBErr(err)
}

func (s *pqStore) SetNodeActive(ctx context.Context, nodeID int64, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE storage_node SET active = $1 WHERE id = $2`, active, nodeID)
	return wrapDBErr(err)
}

func (s *pqStore) SuspectCopies(ctx context.Context, nodeID int64, limit int) ([]CopyAndFile, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT c.id, c.file_id, c.node_id, c.has_file, c.wants_file, c.ready, c.size_b, c.last_update,
		       f.id AS "file.id", f.acq_id AS "file.acq_id", a.name AS "file.acq_name",
		       f.name AS "file.name", f.size_b AS "file.size_b", f.md5sum AS "file.md5sum",
		       f.registered AS "file.registered"
		FROM archive_file_copy c
		JOIN archive_file f ON f.id = c.file_id
		JOIN archive_acq a ON a.id = f.acq_id
		WHERE c.node_id = $1 AND c.has_file = 'M'
		ORDER BY c.last_update ASC LIMIT $2`, nodeID, limit)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()
	return scanCopyAndFile(rows)
}

func (s *pqStore) DeletionCandidates(ctx context.Context, nodeID int64, belowFloor bool, limit int) ([]CopyAndFile, error) {
	q := `
		SELECT c.id, c.file_id, c.node_id, c.has_file, c.wants_file, c.ready, c.size_b, c.last_update,
		       f.id AS "file.id", f.acq_id AS "file.acq_id", a.name AS "file.acq_name",
		       f.name AS "file.name", f.size_b AS "file.size_b", f.md5sum AS "file.md5sum",
		       f.registered AS "file.registered"
		FROM archive_file_copy c
		JOIN archive_file f ON f.id = c.file_id
		JOIN archive_acq a ON a.id = f.acq_id
		WHERE c.node_id = $1 AND (c.wants_file = 'N'`
	args := []interface{}{nodeID}
	if belowFloor {
		q += ` OR c.wants_file = 'M'`
	}
	q += `) ORDER BY c.last_update ASC LIMIT $2`
	args = append(args, limit)

	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()
	return scanCopyAndFile(rows)
}

func scanCopyAndFile(rows *sqlx.Rows) ([]CopyAndFile, error) {
	var out []CopyAndFile
	for rows.Next() {
		var cf CopyAndFile
		if err := rows.StructScan(&cf); err != nil {
			return nil, wrapDBErr(err)
		}
		out = append(out, cf)
	}
	return out, wrapDBErr(rows.Err())
}

func (s *pqStore) ReplicationCount(ctx context.Context, fileID, excludeNodeID int64) (archiveCopies, otherCopies int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE n.storage_type = 'A') AS archive_copies,
			count(*) FILTER (WHERE n.storage_type != 'A') AS other_copies
		FROM archive_file_copy c JOIN storage_node n ON n.id = c.node_id
		WHERE c.file_id = $1 AND c.node_id != $2 AND c.has_file = 'Y'`,
		fileID, excludeNodeID).Scan(&archiveCopies, &otherCopies)
	if err != nil {
		return 0, 0, wrapDBErr(err)
	}
	return archiveCopies, otherCopies, nil
}

func (s *pqStore) OverMax(ctx context.Context, nodeID int64) (bool, error) {
	var maxTotalGB *float64
	var totalB int64
	err := s.db.QueryRowContext(ctx, `
		SELECT n.max_total_gb, COALESCE(SUM(c.size_b) FILTER (WHERE c.has_file = 'Y'), 0)
		FROM storage_node n
		LEFT JOIN archive_file_copy c ON c.node_id = n.id
		WHERE n.id = $1
		GROUP BY n.max_total_gb`,
		nodeID).Scan(&maxTotalGB, &totalB)
	if err != nil {
		return false, wrapDBErr(err)
	}
	if maxTotalGB == nil || *maxTotalGB <= 0 {
		return false, nil
	}
	return float64(totalB)/1e9 >= *maxTotalGB, nil
}

func (s *pqStore) FilecopyState(ctx context.Context, fileID int64, nodeIDs []int64) (HasFileState, error) {
	if len(nodeIDs) == 0 {
		return HasFileNo, nil
	}
	var states []HasFileState
	q, args, err := sqlx.In(`SELECT has_file FROM archive_file_copy WHERE file_id = ? AND node_id IN (?)`, fileID, nodeIDs)
	if err != nil {
		return HasFileNo, err
	}
	q = s.db.Rebind(q)
	if err := s.db.SelectContext(ctx, &states, q, args...); err != nil {
		return HasFileNo, wrapDBErr(err)
	}
	best := HasFileNo
	for _, st := range states {
		best = MaxHasFileState(best, st)
	}
	return best, nil
}

func (s *pqStore) PendingRequestsForGroup(ctx context.Context, groupID int64) ([]RequestAndFile, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT r.id, r.file_id, r.node_from_id, r.group_to_id, r.completed, r.cancelled,
		       r.timestamp, r.transfer_started, r.transfer_completed,
		       f.id AS "file.id", f.acq_id AS "file.acq_id", a.name AS "file.acq_name",
		       f.name AS "file.name", f.size_b AS "file.size_b", f.md5sum AS "file.md5sum",
		       f.registered AS "file.registered",
		       n.id AS "nodefrom.id", n.name AS "nodefrom.name", g.name AS "nodefrom.group_name",
		       n.root AS "nodefrom.root", n.host AS "nodefrom.host", n.username AS "nodefrom.username",
		       n.address AS "nodefrom.address", n.io_class AS "nodefrom.io_class",
		       n.io_config AS "nodefrom.io_config", n.active AS "nodefrom.active",
		       n.auto_import AS "nodefrom.auto_import", n.storage_type AS "nodefrom.storage_type",
		       n.max_total_gb AS "nodefrom.max_total_gb", n.min_avail_gb AS "nodefrom.min_avail_gb",
		       n.avail_gb AS "nodefrom.avail_gb", n.avail_gb_last_checked AS "nodefrom.avail_gb_last_checked",
		       n.min_delete_age_days AS "nodefrom.min_delete_age_days"
		FROM archive_file_copy_request r
		JOIN archive_file f ON f.id = r.file_id
		JOIN archive_acq a ON a.id = f.acq_id
		JOIN storage_node n ON n.id = r.node_from_id
		JOIN storage_group g ON g.id = n.group_id
		WHERE r.group_to_id = $1 AND NOT r.completed AND NOT r.cancelled
		ORDER BY r.timestamp ASC`, groupID)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()
	var out []RequestAndFile
	for rows.Next() {
		var rf RequestAndFile
		if err := rows.StructScan(&rf); err != nil {
			return nil, wrapDBErr(err)
		}
		out = append(out, rf)
	}
	return out, wrapDBErr(rows.Err())
}

func (s *pqStore) CompleteRequestsFor(ctx context.Context, fileID, nodeFromID, groupToID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE archive_file_copy_request
		SET completed = true, transfer_completed = now()
		WHERE file_id = $1 AND node_from_id = $2 AND group_to_id = $3 AND NOT completed AND NOT cancelled`,
		fileID, nodeFromID, groupToID)
	return wrapDBErr(err)
}

func (s *pqStore) CancelRequestsFor(ctx context.Context, fileID, nodeFromID, groupToID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE archive_file_copy_request
		SET cancelled = true
		WHERE file_id = $1 AND node_from_id = $2 AND group_to_id = $3 AND NOT completed AND NOT cancelled`,
		fileID, nodeFromID, groupToID)
	return wrapDBErr(err)
}

func (s *pqStore) UpsertCopyAfterPull(ctx context.Context, fileID, destNodeID, nodeFromID, groupToID int64, actualSizeB int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO archive_file_copy (file_id, node_id, has_file, wants_file, ready, size_b, last_update)
			VALUES ($1, $2, 'Y', 'Y', true, $3, now())
			ON CONFLICT (file_id, node_id) DO UPDATE
			SET has_file = 'Y', wants_file = 'Y', ready = true, size_b = $3, last_update = now()`,
			fileID, destNodeID, actualSizeB); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE archive_file_copy_request
			SET completed = true, transfer_completed = now()
			WHERE file_id = $1 AND node_from_id = $2 AND group_to_id = $3 AND NOT completed AND NOT cancelled`,
			fileID, nodeFromID, groupToID)
		return err
	})
}

func (s *pqStore) MarkCopyState(ctx context.Context, fileID, nodeID int64, state HasFileState, ready bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archive_file_copy (file_id, node_id, has_file, wants_file, ready, size_b, last_update)
		VALUES ($1, $2, $3, 'M', $4, 0, now())
		ON CONFLICT (file_id, node_id) DO UPDATE
		SET has_file = $3, ready = $4, last_update = now()`,
		fileID, nodeID, state, ready)
	return wrapDBErr(err)
}

func (s *pqStore) UpdateCopySize(ctx context.Context, fileID, nodeID int64, actualSizeB int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE archive_file_copy SET size_b = $1, last_update = now() WHERE file_id = $2 AND node_id = $3`,
		actualSizeB, fileID, nodeID)
	return wrapDBErr(err)
}

func (s *pqStore) DeleteCopy(ctx context.Context, fileID, nodeID int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE archive_file_copy SET has_file = 'N', wants_file = 'N', size_b = 0, last_update = now()
			WHERE file_id = $1 AND node_id = $2`, fileID, nodeID)
		return err
	})
}

func (s *pqStore) CopyOnAnyMember(ctx context.Context, fileID int64, nodeIDs []int64) (int64, bool, error) {
	if len(nodeIDs) == 0 {
		return 0, false, nil
	}
	q, args, err := sqlx.In(`
		SELECT node_id FROM archive_file_copy WHERE file_id = ? AND node_id IN (?) AND has_file = 'Y' LIMIT 1`,
		fileID, nodeIDs)
	if err != nil {
		return 0, false, err
	}
	q = s.db.Rebind(q)
	var nodeID int64
	err = s.db.GetContext(ctx, &nodeID, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapDBErr(err)
	}
	return nodeID, true, nil
}

func (s *pqStore) SetCopyReady(ctx context.Context, fileID, nodeID int64, ready bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE archive_file_copy SET ready = $1 WHERE file_id = $2 AND node_id = $3`,
		ready, fileID, nodeID)
	return wrapDBErr(err)
}

func (s *pqStore) ReadyCopiesForNode(ctx context.Context, nodeID, minID int64, limit int) ([]CopyAndFile, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT c.id, c.file_id, c.node_id, c.has_file, c.wants_file, c.ready, c.size_b, c.last_update,
		       f.id AS "file.id", f.acq_id AS "file.acq_id", a.name AS "file.acq_name",
		       f.name AS "file.name", f.size_b AS "file.size_b", f.md5sum AS "file.md5sum",
		       f.registered AS "file.registered"
		FROM archive_file_copy c
		JOIN archive_file f ON f.id = c.file_id
		JOIN archive_acq a ON a.id = f.acq_id
		WHERE c.node_id = $1 AND c.has_file = 'Y' AND c.id >= $2
		ORDER BY c.id ASC LIMIT $3`, nodeID, minID, limit)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()
	return scanCopyAndFile(rows)
}

func (s *pqStore) CopyReady(ctx context.Context, fileID, nodeID int64) (bool, error) {
	var ready bool
	err := s.db.GetContext(ctx, &ready, `
		SELECT ready FROM archive_file_copy WHERE file_id = $1 AND node_id = $2`, fileID, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapDBErr(err)
	}
	return ready, nil
}

func (s *pqStore) ReleaseCandidates(ctx context.Context, nodeID int64, limit int) ([]CopyAndFile, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT c.id, c.file_id, c.node_id, c.has_file, c.wants_file, c.ready, c.size_b, c.last_update,
		       f.id AS "file.id", f.acq_id AS "file.acq_id", a.name AS "file.acq_name",
		       f.name AS "file.name", f.size_b AS "file.size_b", f.md5sum AS "file.md5sum",
		       f.registered AS "file.registered"
		FROM archive_file_copy c
		JOIN archive_file f ON f.id = c.file_id
		JOIN archive_acq a ON a.id = f.acq_id
		WHERE c.node_id = $1 AND c.has_file = 'Y' AND c.ready
		ORDER BY c.last_update ASC LIMIT $2`, nodeID, limit)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()
	return scanCopyAndFile(rows)
}

func (s *pqStore) RegisterImport(ctx context.Context, nodeID int64, acqName, fileName string, sizeB int64, md5sum string) (int64, error) {
	var fileID int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var acqID int64
		err := tx.GetContext(ctx, &acqID, `SELECT id FROM archive_acq WHERE name = $1`, acqName)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.GetContext(ctx, &acqID, `
				INSERT INTO archive_acq (name) VALUES ($1) RETURNING id`, acqName)
		}
		if err != nil {
			return err
		}

		err = tx.GetContext(ctx, &fileID, `
			SELECT id FROM archive_file WHERE acq_id = $1 AND name = $2`, acqID, fileName)
		existed := err == nil
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.GetContext(ctx, &fileID, `
				INSERT INTO archive_file (acq_id, name, size_b, md5sum, registered)
				VALUES ($1, $2, $3, $4, now()) RETURNING id`, acqID, fileName, sizeB, md5sum)
			existed = false
		}
		if err != nil {
			return err
		}

		var copyExists bool
		if err := tx.GetContext(ctx, &copyExists, `
			SELECT EXISTS(SELECT 1 FROM archive_file_copy WHERE file_id = $1 AND node_id = $2)`,
			fileID, nodeID); err != nil {
			return err
		}
		if !copyExists {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO archive_file_copy (file_id, node_id, has_file, wants_file, ready, size_b, last_update)
				VALUES ($1, $2, 'Y', 'Y', true, $3, now())`, fileID, nodeID, sizeB)
			return err
		}
		if existed {
			// A copy row was already here; re-flag it suspect so a
			// check task re-verifies instead of trusting the old state.
			_, err = tx.ExecContext(ctx, `
				UPDATE archive_file_copy SET has_file = 'M', last_update = now()
				WHERE file_id = $1 AND node_id = $2`, fileID, nodeID)
		}
		return err
	})
	return fileID, wrapDBErr(err)
}

// Migrator is implemented by Store backends that can apply the
// migration-shaped CREATE TABLE statements in AllSchema directly; only
// pqStore does, for the -migrate CLI flag (spec §8). MemStore needs no
// schema since it never touches SQL.
type Migrator interface {
	Exec(stmt string) error
}

// Exec runs a single schema statement, tolerating "already exists"
// so repeated -migrate runs stay idempotent.
func (s *pqStore) Exec(stmt string) error {
	_, err := s.db.Exec(stmt)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

// withTx runs fn inside a single transaction, per spec §5's "where an
// atomic read-modify-write is required ... use a single DB
// transaction."
func (s *pqStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapDBErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return wrapDBErr(err)
	}
	if err := tx.Commit(); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// wrapDBErr classifies driver-level errors as transient per spec §7
// kind 1; the retry loop lives at call sites (task bodies), not here.
func wrapDBErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return xerrors.Wrap(err, xerrors.ErrTransientDB, "archive database")
}
