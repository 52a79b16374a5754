// Package archivedb is the data-model and storage-access layer: the
// shared relational database is the sole source of truth for what
// files exist, where their copies live, and what transfers/deletions
// are wanted (spec §3). Grounded on the pack's only concrete
// SQL-database example (other_examples/das7pad-overleaf-go project-pq.go,
// database/sql + github.com/lib/pq), with github.com/jmoiron/sqlx layered
// on top for struct scanning on the multi-row queries the resolver and
// update loop issue.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package archivedb

import "time"

// HasFileState is the materialization state of a copy (spec §3).
type HasFileState string

const (
	HasFileYes     HasFileState = "Y" // present
	HasFileMaybe   HasFileState = "M" // suspect, needs re-verification
	HasFileCorrupt HasFileState = "X" // corrupt
	HasFileNo      HasFileState = "N" // absent
)

// rank orders HasFileState Y > M > X > N for FilecopyState (spec §3 rule 3).
var hasFileRank = map[HasFileState]int{
	HasFileYes:     3,
	HasFileMaybe:   2,
	HasFileCorrupt: 1,
	HasFileNo:      0,
}

// Rank returns this state's position in the Y > M > X > N ordering.
func (s HasFileState) Rank() int { return hasFileRank[s] }

// MaxHasFileState returns the greater of two states per the Y > M > X > N
// order, defaulting to HasFileNo for an unrecognized/empty state.
func MaxHasFileState(a, b HasFileState) HasFileState {
	if a == "" {
		a = HasFileNo
	}
	if b == "" {
		b = HasFileNo
	}
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// WantsFileState is the desired state of a copy (spec §3).
type WantsFileState string

const (
	WantsFileYes   WantsFileState = "Y" // keep
	WantsFileMaybe WantsFileState = "M" // delete only under floor pressure
	WantsFileNo    WantsFileState = "N" // delete
)

// StorageType classifies a StorageNode's role in the replication count
// (spec §3 invariant 2, GLOSSARY).
type StorageType string

const (
	StorageArchive   StorageType = "A"
	StorageTransport StorageType = "T"
	StorageField     StorageType = "F"
)

// StorageGroup is a named collection of nodes (spec §3).
type StorageGroup struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	IOClass  string `db:"io_class"` // empty ⇒ "Default"
	IOConfig []byte `db:"io_config"` // opaque JSON object literal
	Notes    string `db:"notes"`
}

// EffectiveIOClass returns IOClass, defaulting to "Default" when unset,
// per spec §3 ("io_class ... null ⇒ Default").
func (g *StorageGroup) EffectiveIOClass() string {
	if g.IOClass == "" {
		return "Default"
	}
	return g.IOClass
}

// StorageNode is a storage location on a specific host (spec §3).
type StorageNode struct {
	ID                int64       `db:"id"`
	Name              string      `db:"name"`
	Group             string      `db:"group_name"`
	Root              string      `db:"root"`
	Host              string      `db:"host"`
	Username          string      `db:"username"`
	Address           string      `db:"address"`
	IOClass           string      `db:"io_class"`
	IOConfig          []byte      `db:"io_config"`
	Active            bool        `db:"active"`
	AutoImport        bool        `db:"auto_import"`
	StorageType       StorageType `db:"storage_type"`
	MaxTotalGB        *float64    `db:"max_total_gb"`
	MinAvailGB        float64     `db:"min_avail_gb"`
	AvailGB           float64     `db:"avail_gb"`
	AvailGBLastChecked time.Time  `db:"avail_gb_last_checked"`
	MinDeleteAgeDays  int         `db:"min_delete_age_days"`
}

// EffectiveIOClass returns IOClass, defaulting to "Default" when unset.
func (n *StorageNode) EffectiveIOClass() string {
	if n.IOClass == "" {
		return "Default"
	}
	return n.IOClass
}

// HasMaxTotalCap reports whether max_total_gb enforces a cap: "≤0 or
// null ⇒ uncapped" (spec §3, §8 boundary behaviors).
func (n *StorageNode) HasMaxTotalCap() bool {
	return n.MaxTotalGB != nil && *n.MaxTotalGB > 0
}

// HasMinAvailFloor reports whether min_avail_gb enforces a floor:
// "0 ⇒ no floor" (spec §3, §8).
func (n *StorageNode) HasMinAvailFloor() bool {
	return n.MinAvailGB > 0
}

// IsArchive reports whether this node counts toward the archive
// replication threshold (spec §3 invariants 1, 2; GLOSSARY).
func (n *StorageNode) IsArchive() bool { return n.StorageType == StorageArchive }

// ArchiveAcq is an acquisition: a directory-level grouping of files
// (spec §3).
type ArchiveAcq struct {
	ID      int64  `db:"id"`
	Name    string `db:"name"`
	Type    string `db:"type"`
	Comment string `db:"comment"`
}

// ArchiveFile is a logical file within an acquisition (spec §3).
type ArchiveFile struct {
	ID         int64     `db:"id"`
	AcqID      int64     `db:"acq_id"`
	AcqName    string    `db:"acq_name"` // denormalized for path building, joined in
	Name       string    `db:"name"`
	SizeB      int64     `db:"size_b"`
	MD5Sum     string    `db:"md5sum"`
	Registered time.Time `db:"registered"`
}

// RelPath returns the path of this file relative to a node root:
// "{acq.name}/{name}" (spec §6).
func (f *ArchiveFile) RelPath() string {
	return f.AcqName + "/" + f.Name
}

// ArchiveFileCopy is a specific replica of a file on a specific node
// (spec §3).
type ArchiveFileCopy struct {
	ID         int64        `db:"id"`
	FileID     int64        `db:"file_id"`
	NodeID     int64        `db:"node_id"`
	HasFile    HasFileState `db:"has_file"`
	WantsFile  WantsFileState `db:"wants_file"`
	Ready      bool         `db:"ready"` // only meaningful for Lustre HSM, always true on Default
	SizeB      int64        `db:"size_b"`
	LastUpdate time.Time    `db:"last_update"`
}

// RowID satisfies querywalker.Row, letting a query walker page through
// copies ordered by id (spec §4.4 LustreHSM "idle_update").
func (c *ArchiveFileCopy) RowID() int64 { return c.ID }

// ArchiveFileCopyRequest is an operator-issued request to materialize
// a copy (spec §3).
type ArchiveFileCopyRequest struct {
	ID                int64      `db:"id"`
	FileID            int64      `db:"file_id"`
	NodeFromID        int64      `db:"node_from_id"`
	GroupToID         int64      `db:"group_to_id"`
	Completed         bool       `db:"completed"`
	Cancelled         bool       `db:"cancelled"`
	Timestamp         time.Time  `db:"timestamp"`
	TransferStarted   *time.Time `db:"transfer_started"`
	TransferCompleted *time.Time `db:"transfer_completed"`
}

// Terminal reports whether this request needs no further processing
// (spec §3 invariant 5).
func (r *ArchiveFileCopyRequest) Terminal() bool { return r.Completed || r.Cancelled }
