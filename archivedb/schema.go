package archivedb

// Schema holds the CREATE TABLE statements the daemon expects to find
// already applied. alpenhornd never migrates the database itself
// (spec §3 "the database is the sole source of truth," owned by
// whatever provisions it); these constants exist so the shape the Go
// structs bind to is documented and version-controlled alongside them.
const (
	SchemaStorageGroup = `
CREATE TABLE storage_group (
	id       BIGSERIAL PRIMARY KEY,
	name     TEXT NOT NULL UNIQUE,
	io_class TEXT NOT NULL DEFAULT '',
	io_config JSONB,
	notes    TEXT NOT NULL DEFAULT ''
)`

	SchemaStorageNode = `
CREATE TABLE storage_node (
	id                    BIGSERIAL PRIMARY KEY,
	name                  TEXT NOT NULL UNIQUE,
	group_id              BIGINT NOT NULL REFERENCES storage_group(id),
	root                  TEXT NOT NULL,
	host                  TEXT NOT NULL,
	username              TEXT NOT NULL DEFAULT '',
	address               TEXT NOT NULL DEFAULT '',
	io_class              TEXT NOT NULL DEFAULT '',
	io_config             JSONB,
	active                BOOLEAN NOT NULL DEFAULT false,
	auto_import           BOOLEAN NOT NULL DEFAULT false,
	storage_type          CHAR(1) NOT NULL DEFAULT 'A',
	max_total_gb          DOUBLE PRECISION,
	min_avail_gb          DOUBLE PRECISION NOT NULL DEFAULT 0,
	avail_gb              DOUBLE PRECISION NOT NULL DEFAULT 0,
	avail_gb_last_checked TIMESTAMPTZ,
	min_delete_age_days   INTEGER NOT NULL DEFAULT 0
)`

	SchemaArchiveAcq = `
CREATE TABLE archive_acq (
	id      BIGSERIAL PRIMARY KEY,
	name    TEXT NOT NULL UNIQUE,
	type    TEXT NOT NULL DEFAULT '',
	comment TEXT NOT NULL DEFAULT ''
)`

	SchemaArchiveFile = `
CREATE TABLE archive_file (
	id         BIGSERIAL PRIMARY KEY,
	acq_id     BIGINT NOT NULL REFERENCES archive_acq(id),
	name       TEXT NOT NULL,
	size_b     BIGINT NOT NULL,
	md5sum     TEXT NOT NULL,
	registered TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (acq_id, name)
)`

	SchemaArchiveFileCopy = `
CREATE TABLE archive_file_copy (
	id          BIGSERIAL PRIMARY KEY,
	file_id     BIGINT NOT NULL REFERENCES archive_file(id),
	node_id     BIGINT NOT NULL REFERENCES storage_node(id),
	has_file    CHAR(1) NOT NULL DEFAULT 'N',
	wants_file  CHAR(1) NOT NULL DEFAULT 'Y',
	ready       BOOLEAN NOT NULL DEFAULT true,
	size_b      BIGINT NOT NULL DEFAULT 0,
	last_update TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (file_id, node_id)
)`

	SchemaArchiveFileCopyRequest = `
CREATE TABLE archive_file_copy_request (
	id                 BIGSERIAL PRIMARY KEY,
	file_id            BIGINT NOT NULL REFERENCES archive_file(id),
	node_from_id       BIGINT NOT NULL REFERENCES storage_node(id),
	group_to_id        BIGINT NOT NULL REFERENCES storage_group(id),
	completed          BOOLEAN NOT NULL DEFAULT false,
	cancelled          BOOLEAN NOT NULL DEFAULT false,
	timestamp          TIMESTAMPTZ NOT NULL DEFAULT now(),
	transfer_started   TIMESTAMPTZ,
	transfer_completed TIMESTAMPTZ
)`
)

// AllSchema is every CREATE TABLE statement in dependency order, for
// tooling that bootstraps a scratch database (e.g. integration tests
// run against a real Postgres instance, outside this module's scope).
var AllSchema = []string{
	SchemaStorageGroup,
	SchemaStorageNode,
	SchemaArchiveAcq,
	SchemaArchiveFile,
	SchemaArchiveFileCopy,
	SchemaArchiveFileCopyRequest,
}
