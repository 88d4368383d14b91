package metadatastore

// schemaSQL creates metadata.db's tables and cascade-delete triggers.
// flags is the bitset {Validated=1, RememberSecret=2, UsernameIsSecret=4}.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS CREDENTIALS (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	caption  TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	flags    INTEGER NOT NULL DEFAULT 0,
	type     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS METHODS (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	method TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS MECHANISMS (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	mechanism TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS SECCTX (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	sysctx TEXT NOT NULL DEFAULT '',
	appctx TEXT NOT NULL DEFAULT '',
	UNIQUE(sysctx, appctx) ON CONFLICT REPLACE
);

CREATE TABLE IF NOT EXISTS REALMS (
	identity_id INTEGER NOT NULL,
	realm       TEXT NOT NULL,
	hostname    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (identity_id, realm, hostname)
);

CREATE TABLE IF NOT EXISTS ACL (
	rowid        INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_id  INTEGER NOT NULL,
	method_id    INTEGER NOT NULL,
	mechanism_id INTEGER NOT NULL,
	secctx_id    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS OWNER (
	rowid       INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_id INTEGER NOT NULL,
	secctx_id   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS REFS (
	identity_id INTEGER NOT NULL,
	secctx_id   INTEGER NOT NULL,
	ref         TEXT NOT NULL,
	PRIMARY KEY (identity_id, secctx_id, ref)
);

CREATE INDEX IF NOT EXISTS idx_realms_identity ON REALMS(identity_id);
CREATE INDEX IF NOT EXISTS idx_acl_identity ON ACL(identity_id);
CREATE INDEX IF NOT EXISTS idx_owner_identity ON OWNER(identity_id);
CREATE INDEX IF NOT EXISTS idx_refs_identity ON REFS(identity_id);

CREATE TRIGGER IF NOT EXISTS credentials_cascade_realms
AFTER DELETE ON CREDENTIALS
FOR EACH ROW BEGIN
	DELETE FROM REALMS WHERE identity_id = OLD.id;
END;

CREATE TRIGGER IF NOT EXISTS credentials_cascade_acl
AFTER DELETE ON CREDENTIALS
FOR EACH ROW BEGIN
	DELETE FROM ACL WHERE identity_id = OLD.id;
END;

CREATE TRIGGER IF NOT EXISTS credentials_cascade_owner
AFTER DELETE ON CREDENTIALS
FOR EACH ROW BEGIN
	DELETE FROM OWNER WHERE identity_id = OLD.id;
END;

CREATE TRIGGER IF NOT EXISTS credentials_cascade_refs
AFTER DELETE ON CREDENTIALS
FOR EACH ROW BEGIN
	DELETE FROM REFS WHERE identity_id = OLD.id;
END;
`

const schemaUserVersion = 1

// Flag bits for CREDENTIALS.flags.
const (
	FlagValidated        = 1 << 0
	FlagRememberSecret   = 1 << 1
	FlagUsernameIsSecret = 1 << 2
)
