package secretstore

// schemaSQL creates secret.db's two tables and the cascade-delete trigger
// from CREDENTIALS to STORE.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS CREDENTIALS (
	id       INTEGER PRIMARY KEY UNIQUE,
	username TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS STORE (
	identity_id INTEGER NOT NULL,
	method_id   INTEGER NOT NULL,
	key         TEXT NOT NULL,
	value       BLOB NOT NULL,
	PRIMARY KEY (identity_id, method_id, key)
);

CREATE TRIGGER IF NOT EXISTS credentials_cascade_delete
AFTER DELETE ON CREDENTIALS
FOR EACH ROW
BEGIN
	DELETE FROM STORE WHERE identity_id = OLD.id;
END;
`

const schemaUserVersion = 1
