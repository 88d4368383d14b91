// Package metadatastore wraps sqlstore for metadata.db: the identity
// CRUD surface, method/mechanism name tables, realms, ACL, owner, and
// named reference tables. Operations here are direct SQL against that
// schema; the richer identity-level contracts (transactional
// secret+metadata coordination, filtering semantics) live one layer up
// in internal/credentials.
package metadatastore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roelfdiedericks/ssod/internal/errs"
	"github.com/roelfdiedericks/ssod/internal/sqlstore"
)

// SecurityContext identifies a requester: a system-level component
// (e.g. executable path) and an application-level tag. A field value of
// "*" matches any value of that field in another context.
type SecurityContext struct {
	SystemCtx string
	AppCtx    string
}

// Matches reports whether sc and other are equal under wildcard-aware
// comparison: a "*" field matches any value in the corresponding field.
func (sc SecurityContext) Matches(other SecurityContext) bool {
	return fieldMatches(sc.SystemCtx, other.SystemCtx) && fieldMatches(sc.AppCtx, other.AppCtx)
}

func fieldMatches(a, b string) bool {
	return a == "*" || b == "*" || a == b
}

// IdentityRow is the CREDENTIALS row: the non-secret descriptive fields
// of one identity.
type IdentityRow struct {
	ID       uint32
	Caption  string
	Username string
	Flags    uint32
	Type     uint32
}

// Filter selects identities for ListIdentities. A zero-value field in
// each optional slot is a wildcard.
type Filter struct {
	Caption string           // substring match, case-insensitive; "" = wildcard
	Owner   *SecurityContext // nil = wildcard
	Type    *uint32          // nil = wildcard
}

// ACLEntry is one row of the ACL table: a grant of (method, mechanism)
// to a security context for one identity. MethodID/MechanismID of 0
// mean "unrestricted" (used to record the identity-level peer ACL,
// which isn't scoped to a method); SecCtxID of 0 means "no specific
// peer" (used to record the identity's method/mechanism grants, which
// aren't scoped to a peer).
type ACLEntry struct {
	MethodID    int64
	MechanismID int64
	SecCtxID    int64
}

// Store is the metadata.db handle.
type Store struct {
	sql *sqlstore.Store
}

// Open opens (creating if necessary) the metadata database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	sq, err := sqlstore.Open(path, sqlstore.OpenReadWrite|sqlstore.OpenCreate)
	if err != nil {
		return nil, err
	}
	s := &Store{sql: sq}
	if err := s.ensureSchema(); err != nil {
		sq.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	version, err := s.sql.SchemaVersion()
	if err != nil {
		return err
	}
	if version != 0 {
		return nil
	}
	if err := s.sql.Transaction(func(db *sql.DB) error {
		if _, err := db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("metadatastore: create schema: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}
	return s.sql.SetSchemaVersion(schemaUserVersion)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.sql.Close() }

// IsOpen reports whether the store has an open handle.
func (s *Store) IsOpen() bool { return s.sql.IsOpen() }

// Clear deletes all rows from all tables in one transaction.
func (s *Store) Clear() error {
	return s.sql.Transaction(func(db *sql.DB) error {
		for _, table := range []string{"ACL", "OWNER", "REFS", "REALMS", "CREDENTIALS", "METHODS", "MECHANISMS", "SECCTX"} {
			if _, err := db.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("metadatastore: clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// InsertIdentity inserts a new CREDENTIALS row, ignoring row.ID, and
// returns the assigned id.
func (s *Store) InsertIdentity(row IdentityRow) (uint32, error) {
	res, err := s.sql.Exec(
		"INSERT INTO CREDENTIALS (caption, username, flags, type) VALUES (?, ?, ?, ?)",
		row.Caption, row.Username, row.Flags, row.Type)
	if err != nil {
		return 0, fmt.Errorf("metadatastore: insert identity: %w", err)
	}
	id, err := sqlstore.LastInsertRowID(res)
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

func (s *Store) insertIdentityTx(db *sql.DB, row IdentityRow) (uint32, error) {
	res, err := db.Exec(
		"INSERT INTO CREDENTIALS (caption, username, flags, type) VALUES (?, ?, ?, ?)",
		row.Caption, row.Username, row.Flags, row.Type)
	if err != nil {
		return 0, fmt.Errorf("metadatastore: insert identity: %w", err)
	}
	id, err := sqlstore.LastInsertRowID(res)
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// UpdateIdentity overwrites the CREDENTIALS row for row.ID, which must
// be non-zero and already exist.
func (s *Store) UpdateIdentity(row IdentityRow) error {
	res, err := s.sql.Exec(
		"UPDATE CREDENTIALS SET caption = ?, username = ?, flags = ?, type = ? WHERE id = ?",
		row.Caption, row.Username, row.Flags, row.Type, row.ID)
	if err != nil {
		return fmt.Errorf("metadatastore: update identity: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *Store) updateIdentityTx(db *sql.DB, row IdentityRow) error {
	res, err := db.Exec(
		"UPDATE CREDENTIALS SET caption = ?, username = ?, flags = ?, type = ? WHERE id = ?",
		row.Caption, row.Username, row.Flags, row.Type, row.ID)
	if err != nil {
		return fmt.Errorf("metadatastore: update identity: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetIdentity performs the entire identity metadata write — the
// CREDENTIALS row itself (inserting if row.ID is 0, else updating),
// plus its realms, method/mechanism grants, peer ACL, and owner — as
// one transaction, so a crash or error partway through can never leave
// one piece committed next to another left stale.
func (s *Store) SetIdentity(row IdentityRow, realms []string, grants map[string][]string, acl []SecurityContext, owner SecurityContext) (uint32, error) {
	var id uint32
	err := s.sql.Transaction(func(db *sql.DB) error {
		if row.ID == 0 {
			newID, err := s.insertIdentityTx(db, row)
			if err != nil {
				return err
			}
			id = newID
		} else {
			if err := s.updateIdentityTx(db, row); err != nil {
				return err
			}
			id = row.ID
		}
		if err := s.setRealmsTx(db, id, realms); err != nil {
			return err
		}
		if err := s.setMethodMechanismsTx(db, id, grants); err != nil {
			return err
		}
		if err := s.setPeerACLTx(db, id, acl); err != nil {
			return err
		}
		return s.setOwnerTx(db, id, owner)
	})
	return id, err
}

// LoadIdentity reads the CREDENTIALS row for id.
func (s *Store) LoadIdentity(id uint32) (IdentityRow, error) {
	var row IdentityRow
	row.ID = id
	err := s.sql.DB().QueryRow(
		"SELECT caption, username, flags, type FROM CREDENTIALS WHERE id = ?", id,
	).Scan(&row.Caption, &row.Username, &row.Flags, &row.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return IdentityRow{}, errs.ErrNotFound
	}
	if err != nil {
		return IdentityRow{}, fmt.Errorf("metadatastore: load identity: %w", err)
	}
	return row, nil
}

// RemoveIdentity deletes the CREDENTIALS row for id; cascade triggers
// remove its REALMS/ACL/OWNER/REFS rows.
func (s *Store) RemoveIdentity(id uint32) error {
	res, err := s.sql.Exec("DELETE FROM CREDENTIALS WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("metadatastore: remove identity: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListIdentities returns every identity matching every set field of f.
func (s *Store) ListIdentities(f Filter) ([]IdentityRow, error) {
	query := "SELECT id, caption, username, flags, type FROM CREDENTIALS WHERE 1=1"
	var args []any

	if f.Caption != "" {
		query += " AND LOWER(caption) LIKE ?"
		args = append(args, "%"+strings.ToLower(f.Caption)+"%")
	}
	if f.Type != nil {
		query += " AND type = ?"
		args = append(args, *f.Type)
	}
	if f.Owner != nil {
		ownerID, err := s.findSecCtxID(*f.Owner)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		query += " AND id IN (SELECT identity_id FROM OWNER WHERE secctx_id = ?)"
		args = append(args, ownerID)
	}

	rows, err := s.sql.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: list identities: %w", err)
	}
	defer rows.Close()

	var out []IdentityRow
	for rows.Next() {
		var row IdentityRow
		if err := rows.Scan(&row.ID, &row.Caption, &row.Username, &row.Flags, &row.Type); err != nil {
			return nil, fmt.Errorf("metadatastore: scan identity: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MethodID resolves method to its METHODS.id, creating the row if
// createIfMissing is set and it doesn't exist yet.
func (s *Store) MethodID(method string, createIfMissing bool) (int64, error) {
	return s.nameTableID("METHODS", "method", method, createIfMissing)
}

// MethodName resolves a METHODS.id back to its name.
func (s *Store) MethodName(id int64) (string, error) {
	return s.nameTableName("METHODS", "method", id)
}

// MechanismID resolves mechanism to its MECHANISMS.id, creating the row
// if createIfMissing is set and it doesn't exist yet.
func (s *Store) MechanismID(mechanism string, createIfMissing bool) (int64, error) {
	return s.nameTableID("MECHANISMS", "mechanism", mechanism, createIfMissing)
}

// MechanismName resolves a MECHANISMS.id back to its name.
func (s *Store) MechanismName(id int64) (string, error) {
	return s.nameTableName("MECHANISMS", "mechanism", id)
}

func (s *Store) nameTableID(table, column, value string, createIfMissing bool) (int64, error) {
	var id int64
	err := s.sql.DB().QueryRow(
		fmt.Sprintf("SELECT id FROM %s WHERE %s = ?", table, column), value).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("metadatastore: lookup %s: %w", table, err)
	}
	if !createIfMissing {
		return 0, errs.ErrNotFound
	}
	res, err := s.sql.Exec(fmt.Sprintf("INSERT INTO %s (%s) VALUES (?)", table, column), value)
	if err != nil {
		return 0, fmt.Errorf("metadatastore: insert %s: %w", table, err)
	}
	return sqlstore.LastInsertRowID(res)
}

func (s *Store) nameTableName(table, column string, id int64) (string, error) {
	var name string
	err := s.sql.DB().QueryRow(
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", column, table), id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("metadatastore: resolve %s name: %w", table, err)
	}
	return name, nil
}

// SecCtxID resolves ctx to its SECCTX.id, inserting it if absent.
func (s *Store) SecCtxID(ctx SecurityContext) (int64, error) {
	_, err := s.sql.Exec(
		"INSERT INTO SECCTX (sysctx, appctx) VALUES (?, ?) ON CONFLICT(sysctx, appctx) DO UPDATE SET sysctx = excluded.sysctx",
		ctx.SystemCtx, ctx.AppCtx)
	if err != nil {
		return 0, fmt.Errorf("metadatastore: resolve security context: %w", err)
	}
	return s.findSecCtxID(ctx)
}

func (s *Store) findSecCtxID(ctx SecurityContext) (int64, error) {
	var id int64
	err := s.sql.DB().QueryRow(
		"SELECT id FROM SECCTX WHERE sysctx = ? AND appctx = ?", ctx.SystemCtx, ctx.AppCtx).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("metadatastore: find security context: %w", err)
	}
	return id, nil
}

// SecCtx resolves a SECCTX.id back to its SecurityContext.
func (s *Store) SecCtx(id int64) (SecurityContext, error) {
	var ctx SecurityContext
	err := s.sql.DB().QueryRow(
		"SELECT sysctx, appctx FROM SECCTX WHERE id = ?", id).Scan(&ctx.SystemCtx, &ctx.AppCtx)
	if errors.Is(err, sql.ErrNoRows) {
		return SecurityContext{}, errs.ErrNotFound
	}
	if err != nil {
		return SecurityContext{}, fmt.Errorf("metadatastore: resolve security context: %w", err)
	}
	return ctx, nil
}

// SetRealms replaces the realm set for id, sorted and de-duplicated by
// the caller.
func (s *Store) SetRealms(id uint32, realms []string) error {
	return s.sql.Transaction(func(db *sql.DB) error {
		return s.setRealmsTx(db, id, realms)
	})
}

func (s *Store) setRealmsTx(db *sql.DB, id uint32, realms []string) error {
	if _, err := db.Exec("DELETE FROM REALMS WHERE identity_id = ?", id); err != nil {
		return fmt.Errorf("metadatastore: clear realms: %w", err)
	}
	for _, realm := range realms {
		if _, err := db.Exec(
			"INSERT OR IGNORE INTO REALMS (identity_id, realm, hostname) VALUES (?, ?, '')",
			id, realm); err != nil {
			return fmt.Errorf("metadatastore: insert realm: %w", err)
		}
	}
	return nil
}

// Realms returns the realm set for id, in insertion order.
func (s *Store) Realms(id uint32) ([]string, error) {
	return s.sql.QueryStrings("SELECT realm FROM REALMS WHERE identity_id = ? ORDER BY rowid", id)
}

// SetPeerACL replaces the identity-level peer ACL (method_id=0,
// mechanism_id=0 rows) for id with the given security contexts, in order.
func (s *Store) SetPeerACL(id uint32, peers []SecurityContext) error {
	return s.sql.Transaction(func(db *sql.DB) error {
		return s.setPeerACLTx(db, id, peers)
	})
}

func (s *Store) setPeerACLTx(db *sql.DB, id uint32, peers []SecurityContext) error {
	if _, err := db.Exec(
		"DELETE FROM ACL WHERE identity_id = ? AND method_id = 0 AND mechanism_id = 0", id); err != nil {
		return fmt.Errorf("metadatastore: clear peer acl: %w", err)
	}
	for _, peer := range peers {
		secctxID, err := s.secCtxIDTx(db, peer)
		if err != nil {
			return err
		}
		if _, err := db.Exec(
			"INSERT INTO ACL (identity_id, method_id, mechanism_id, secctx_id) VALUES (?, 0, 0, ?)",
			id, secctxID); err != nil {
			return fmt.Errorf("metadatastore: insert peer acl: %w", err)
		}
	}
	return nil
}

// PeerACL returns the identity-level peer ACL for id, in insertion order.
func (s *Store) PeerACL(id uint32) ([]SecurityContext, error) {
	rows, err := s.sql.DB().Query(
		`SELECT sc.sysctx, sc.appctx FROM ACL a JOIN SECCTX sc ON sc.id = a.secctx_id
		 WHERE a.identity_id = ? AND a.method_id = 0 AND a.mechanism_id = 0 ORDER BY a.rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: load peer acl: %w", err)
	}
	defer rows.Close()

	var out []SecurityContext
	for rows.Next() {
		var ctx SecurityContext
		if err := rows.Scan(&ctx.SystemCtx, &ctx.AppCtx); err != nil {
			return nil, fmt.Errorf("metadatastore: scan peer acl: %w", err)
		}
		out = append(out, ctx)
	}
	return out, rows.Err()
}

// SetMethodMechanisms replaces the method->mechanism grant set for id
// (secctx_id=0 rows). A mechanism of "*" means "all mechanisms" and is
// stored as mechanism_id=0 with no MECHANISMS row required. A method with
// an empty mechanism list is stored as one row with mechanism_id=-1.
func (s *Store) SetMethodMechanisms(id uint32, grants map[string][]string) error {
	return s.sql.Transaction(func(db *sql.DB) error {
		return s.setMethodMechanismsTx(db, id, grants)
	})
}

func (s *Store) setMethodMechanismsTx(db *sql.DB, id uint32, grants map[string][]string) error {
	if _, err := db.Exec("DELETE FROM ACL WHERE identity_id = ? AND secctx_id = 0", id); err != nil {
		return fmt.Errorf("metadatastore: clear method grants: %w", err)
	}
	for method, mechanisms := range grants {
		methodID, err := s.nameTableIDTx(db, "METHODS", "method", method)
		if err != nil {
			return err
		}
		if len(mechanisms) == 0 {
			if _, err := db.Exec(
				"INSERT INTO ACL (identity_id, method_id, mechanism_id, secctx_id) VALUES (?, ?, -1, 0)",
				id, methodID); err != nil {
				return fmt.Errorf("metadatastore: insert method grant: %w", err)
			}
			continue
		}
		for _, mechanism := range mechanisms {
			mechanismID := int64(0)
			if mechanism != "*" {
				mechanismID, err = s.nameTableIDTx(db, "MECHANISMS", "mechanism", mechanism)
				if err != nil {
					return err
				}
			}
			if _, err := db.Exec(
				"INSERT INTO ACL (identity_id, method_id, mechanism_id, secctx_id) VALUES (?, ?, ?, 0)",
				id, methodID, mechanismID); err != nil {
				return fmt.Errorf("metadatastore: insert method grant: %w", err)
			}
		}
	}
	return nil
}

// MethodMechanisms returns the method->mechanism grant set for id. A
// mechanism_id of 0 decodes to the wildcard "*"; a mechanism_id of -1
// decodes to the method with no mechanisms.
func (s *Store) MethodMechanisms(id uint32) (map[string][]string, error) {
	rows, err := s.sql.DB().Query(
		`SELECT m.method, a.mechanism_id FROM ACL a JOIN METHODS m ON m.id = a.method_id
		 WHERE a.identity_id = ? AND a.secctx_id = 0`, id)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: load method grants: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var method string
		var mechanismID int64
		if err := rows.Scan(&method, &mechanismID); err != nil {
			return nil, fmt.Errorf("metadatastore: scan method grant: %w", err)
		}
		if mechanismID < 0 {
			if _, ok := out[method]; !ok {
				out[method] = nil
			}
			continue
		}
		if mechanismID == 0 {
			out[method] = append(out[method], "*")
			continue
		}
		mechanism, err := s.MechanismName(mechanismID)
		if err != nil {
			return nil, err
		}
		out[method] = append(out[method], mechanism)
	}
	return out, rows.Err()
}

// SetOwner replaces the owner of id with ctx.
func (s *Store) SetOwner(id uint32, ctx SecurityContext) error {
	return s.sql.Transaction(func(db *sql.DB) error {
		return s.setOwnerTx(db, id, ctx)
	})
}

func (s *Store) setOwnerTx(db *sql.DB, id uint32, ctx SecurityContext) error {
	secctxID, err := s.secCtxIDTx(db, ctx)
	if err != nil {
		return err
	}
	if _, err := db.Exec("DELETE FROM OWNER WHERE identity_id = ?", id); err != nil {
		return fmt.Errorf("metadatastore: clear owner: %w", err)
	}
	if _, err := db.Exec(
		"INSERT INTO OWNER (identity_id, secctx_id) VALUES (?, ?)", id, secctxID); err != nil {
		return fmt.Errorf("metadatastore: insert owner: %w", err)
	}
	return nil
}

// Owner returns the owner of id.
func (s *Store) Owner(id uint32) (SecurityContext, error) {
	var ctx SecurityContext
	err := s.sql.DB().QueryRow(
		`SELECT sc.sysctx, sc.appctx FROM OWNER o JOIN SECCTX sc ON sc.id = o.secctx_id
		 WHERE o.identity_id = ?`, id).Scan(&ctx.SystemCtx, &ctx.AppCtx)
	if errors.Is(err, sql.ErrNoRows) {
		return SecurityContext{}, errs.ErrNotFound
	}
	if err != nil {
		return SecurityContext{}, fmt.Errorf("metadatastore: load owner: %w", err)
	}
	return ctx, nil
}

// InsertReference adds a (owner-scoped) named reference on id. A
// second identical call leaves exactly one matching row, per the
// PRIMARY KEY on (identity_id, secctx_id, ref).
func (s *Store) InsertReference(id uint32, owner SecurityContext, ref string) error {
	return s.sql.Transaction(func(db *sql.DB) error {
		secctxID, err := s.secCtxIDTx(db, owner)
		if err != nil {
			return err
		}
		if _, err := db.Exec(
			"INSERT OR IGNORE INTO REFS (identity_id, secctx_id, ref) VALUES (?, ?, ?)",
			id, secctxID, ref); err != nil {
			return fmt.Errorf("metadatastore: insert reference: %w", err)
		}
		return nil
	})
}

// RemoveReference removes a named reference on id scoped to owner.
func (s *Store) RemoveReference(id uint32, owner SecurityContext, ref string) error {
	secctxID, err := s.findSecCtxID(owner)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.sql.Exec(
		"DELETE FROM REFS WHERE identity_id = ? AND secctx_id = ? AND ref = ?", id, secctxID, ref); err != nil {
		return fmt.Errorf("metadatastore: remove reference: %w", err)
	}
	return nil
}

// References returns the reference names on id scoped to owner.
func (s *Store) References(id uint32, owner SecurityContext) ([]string, error) {
	secctxID, err := s.findSecCtxID(owner)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.sql.QueryStrings(
		"SELECT ref FROM REFS WHERE identity_id = ? AND secctx_id = ? ORDER BY ref", id, secctxID)
}

// secCtxIDTx resolves or inserts ctx using db directly, for use inside
// an already-open transaction.
func (s *Store) secCtxIDTx(db *sql.DB, ctx SecurityContext) (int64, error) {
	_, err := db.Exec(
		"INSERT INTO SECCTX (sysctx, appctx) VALUES (?, ?) ON CONFLICT(sysctx, appctx) DO UPDATE SET sysctx = excluded.sysctx",
		ctx.SystemCtx, ctx.AppCtx)
	if err != nil {
		return 0, fmt.Errorf("metadatastore: resolve security context: %w", err)
	}
	var found int64
	if scanErr := db.QueryRow(
		"SELECT id FROM SECCTX WHERE sysctx = ? AND appctx = ?", ctx.SystemCtx, ctx.AppCtx,
	).Scan(&found); scanErr != nil {
		return 0, fmt.Errorf("metadatastore: find security context: %w", scanErr)
	}
	return found, nil
}

func (s *Store) nameTableIDTx(db *sql.DB, table, column, value string) (int64, error) {
	var id int64
	err := db.QueryRow(fmt.Sprintf("SELECT id FROM %s WHERE %s = ?", table, column), value).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("metadatastore: lookup %s: %w", table, err)
	}
	res, err := db.Exec(fmt.Sprintf("INSERT INTO %s (%s) VALUES (?)", table, column), value)
	if err != nil {
		return 0, fmt.Errorf("metadatastore: insert %s: %w", table, err)
	}
	return sqlstore.LastInsertRowID(res)
}
