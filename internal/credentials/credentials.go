// Package credentials is CredentialsDatabase: the façade that composes
// the metadata store, the secret store, and the secret cache into the
// identity-level operations the rest of the daemon calls. It owns the
// invariant that an identity exists in both stores or in neither.
package credentials

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roelfdiedericks/ssod/internal/errs"
	. "github.com/roelfdiedericks/ssod/internal/logging"
	"github.com/roelfdiedericks/ssod/internal/metadatastore"
	"github.com/roelfdiedericks/ssod/internal/secretcache"
	"github.com/roelfdiedericks/ssod/internal/secretstore"
	"github.com/roelfdiedericks/ssod/internal/variant"
)

// SecurityContext re-exports metadatastore's, so callers need not
// import that package directly for this common type.
type SecurityContext = metadatastore.SecurityContext

// IdentityInfo is the descriptive record for one identity.
type IdentityInfo struct {
	ID               uint32
	Username         string
	UsernameIsSecret bool
	Secret           string
	StoreSecret      bool
	Caption          string
	Realms           []string
	Methods          map[string][]string
	ACL              []SecurityContext
	Owner            SecurityContext
	Validated        bool
	Type             uint32
}

// Filter selects identities for LoadIdentities.
type Filter struct {
	Caption string
	Owner   *SecurityContext
	Type    *uint32
}

// DB is the CredentialsDatabase handle, composing a metadata store, a
// secret store, and a secret cache in front of it.
type DB struct {
	meta           *metadatastore.Store
	secret         *secretstore.Store
	cache          *secretcache.Cache
	maxMethodBytes int
}

// Open opens (creating if necessary) the metadata and secret databases
// at the given paths and wires a secret cache in front of the latter.
// maxMethodBytes is the size ceiling enforced by UpdateMethodData; 0
// disables the check.
func Open(metadataPath, secretPath string, maxMethodBytes int) (*DB, error) {
	meta, err := metadatastore.Open(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("credentials: open metadata store: %w", err)
	}
	secret, err := secretstore.Open(secretPath)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("credentials: open secret store: %w", err)
	}
	return &DB{
		meta:           meta,
		secret:         secret,
		cache:          secretcache.New(secret),
		maxMethodBytes: maxMethodBytes,
	}, nil
}

// Close releases both underlying stores.
func (d *DB) Close() error {
	err1 := d.meta.Close()
	err2 := d.secret.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Clear wipes every identity from both stores and the cache. Intended
// for the keychain_context bulk-clear operation, gated by the caller's
// own ACL check.
func (d *DB) Clear() error {
	if err := d.meta.Clear(); err != nil {
		return fmt.Errorf("credentials: clear metadata: %w", err)
	}
	if err := d.secret.Clear(); err != nil {
		return fmt.Errorf("credentials: clear secret: %w", err)
	}
	d.cache.Clear()
	return nil
}

// LoadIdentity reads metadata for id and, if wantSecret and id is
// already persisted, merges in the secret-side username (when
// username_is_secret) and password.
func (d *DB) LoadIdentity(id uint32, wantSecret bool) (IdentityInfo, error) {
	row, err := d.meta.LoadIdentity(id)
	if err != nil {
		return IdentityInfo{}, err
	}
	info, err := d.assemble(row)
	if err != nil {
		return IdentityInfo{}, err
	}

	if wantSecret && id != 0 && d.secret.IsOpen() {
		creds, err := d.cache.Credentials(id)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			// no secret-side row yet; leave info.Secret/Username as loaded
		case err != nil:
			return IdentityInfo{}, fmt.Errorf("credentials: load secret: %w", err)
		default:
			if info.UsernameIsSecret {
				info.Username = creds.Username
			}
			info.Secret = creds.Password
		}
	}
	return info, nil
}

func (d *DB) assemble(row metadatastore.IdentityRow) (IdentityInfo, error) {
	realms, err := d.meta.Realms(row.ID)
	if err != nil {
		return IdentityInfo{}, err
	}
	methods, err := d.meta.MethodMechanisms(row.ID)
	if err != nil {
		return IdentityInfo{}, err
	}
	acl, err := d.meta.PeerACL(row.ID)
	if err != nil {
		return IdentityInfo{}, err
	}
	owner, err := d.meta.Owner(row.ID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return IdentityInfo{}, err
	}

	return IdentityInfo{
		ID:               row.ID,
		Username:         row.Username,
		UsernameIsSecret: row.Flags&metadatastore.FlagUsernameIsSecret != 0,
		Caption:          row.Caption,
		Realms:           realms,
		Methods:          methods,
		ACL:              acl,
		Owner:            owner,
		Validated:        row.Flags&metadatastore.FlagValidated != 0,
		Type:             row.Type,
		StoreSecret:      row.Flags&metadatastore.FlagRememberSecret != 0,
	}, nil
}

// LoadIdentities returns every identity matching f.
func (d *DB) LoadIdentities(f Filter) ([]IdentityInfo, error) {
	rows, err := d.meta.ListIdentities(metadatastore.Filter{
		Caption: f.Caption,
		Owner:   f.Owner,
		Type:    f.Type,
	})
	if err != nil {
		return nil, err
	}
	out := make([]IdentityInfo, 0, len(rows))
	for _, row := range rows {
		info, err := d.assemble(row)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// InsertIdentity forces info.ID = 0 and delegates to UpdateIdentity.
func (d *DB) InsertIdentity(info IdentityInfo, storeSecret bool) (uint32, error) {
	info.ID = 0
	return d.UpdateIdentity(info, storeSecret)
}

// UpdateIdentity writes metadata for info (inserting if info.ID == 0)
// and, if storeSecret and the secret store is open, writes the
// secret-side credentials. A secret-write failure does not roll back
// the metadata write: the caller gets the new id and a non-nil error.
func (d *DB) UpdateIdentity(info IdentityInfo, storeSecret bool) (uint32, error) {
	flags := uint32(0)
	if info.Validated {
		flags |= metadatastore.FlagValidated
	}
	if storeSecret {
		flags |= metadatastore.FlagRememberSecret
	}
	if info.UsernameIsSecret {
		flags |= metadatastore.FlagUsernameIsSecret
	}

	metaUsername := info.Username
	if info.UsernameIsSecret {
		metaUsername = ""
	}

	row := metadatastore.IdentityRow{
		ID:       info.ID,
		Caption:  info.Caption,
		Username: metaUsername,
		Flags:    flags,
		Type:     info.Type,
	}

	acl := ensureOwnerInACL(info.ACL, info.Owner)
	id, err := d.meta.SetIdentity(row, dedupSorted(info.Realms), info.Methods, acl, info.Owner)
	if err != nil {
		return id, fmt.Errorf("credentials: set identity: %w", err)
	}

	if !storeSecret || !d.secret.IsOpen() {
		return id, nil
	}

	creds := secretstore.Credentials{ID: id, Password: info.Secret}
	if info.UsernameIsSecret {
		creds.Username = info.Username
	}
	if err := d.cache.PutCredentials(creds); err != nil {
		L_error("credentials: secret write failed, metadata already committed", "id", id, "err", err)
		return id, fmt.Errorf("credentials: write secret: %w", err)
	}
	return id, nil
}

// RemoveIdentity deletes id from both stores. Both halves are cascaded
// by their own triggers; a failure in either half is surfaced.
func (d *DB) RemoveIdentity(id uint32) error {
	if err := d.meta.RemoveIdentity(id); err != nil {
		return fmt.Errorf("credentials: remove identity metadata: %w", err)
	}
	if d.secret.IsOpen() {
		if err := d.cache.RemoveCredentials(id); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("credentials: remove identity secret: %w", err)
		}
	}
	d.cache.Invalidate(id)
	return nil
}

// CheckSecret compares (username, password) against the stored secret
// for id, per the identity's username_is_secret flag.
func (d *DB) CheckSecret(id uint32, username, password string) (bool, error) {
	row, err := d.meta.LoadIdentity(id)
	if err != nil {
		return false, err
	}
	usernameIsSecret := row.Flags&metadatastore.FlagUsernameIsSecret != 0

	if !usernameIsSecret {
		if username != row.Username {
			return false, nil
		}
		if !d.secret.IsOpen() {
			return false, nil
		}
		creds, err := d.cache.Credentials(id)
		if errors.Is(err, errs.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return password == creds.Password, nil
	}

	if !d.secret.IsOpen() {
		return false, nil
	}
	creds, err := d.cache.Credentials(id)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return creds.Username == username && creds.Password == password, nil
}

// LoadMethodData returns the decoded key/value bag stored for id under
// methodName.
func (d *DB) LoadMethodData(id uint32, methodName string) (variant.Dict, error) {
	methodID, err := d.meta.MethodID(methodName, false)
	if errors.Is(err, errs.ErrNotFound) {
		return variant.Dict{}, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := d.cache.MethodData(id, methodID)
	if err != nil {
		return nil, err
	}
	dict := make(variant.Dict, len(raw))
	for key, blob := range raw {
		v, err := variant.Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("credentials: decode method data %q: %w", key, err)
		}
		dict[key] = v
	}
	return dict, nil
}

// UpdateMethodData replaces the key/value bag stored for id under
// methodName, creating the method row if it doesn't exist yet.
// Rejects the write if the encoded size exceeds the configured limit.
func (d *DB) UpdateMethodData(id uint32, methodName string, dict variant.Dict) error {
	if d.maxMethodBytes > 0 {
		size, err := dict.Size()
		if err != nil {
			return fmt.Errorf("credentials: size method data: %w", err)
		}
		if size > d.maxMethodBytes {
			return fmt.Errorf("credentials: method data for %q: %w", methodName, errs.ErrDataTooLarge)
		}
	}

	methodID, err := d.meta.MethodID(methodName, true)
	if err != nil {
		return fmt.Errorf("credentials: resolve method: %w", err)
	}

	raw := make(map[string][]byte, len(dict))
	for key, v := range dict {
		blob, err := variant.Encode(v)
		if err != nil {
			return fmt.Errorf("credentials: encode method data %q: %w", key, err)
		}
		raw[key] = blob
	}
	if err := d.cache.PutMethodData(id, methodID, raw); err != nil {
		return fmt.Errorf("credentials: write method data: %w", err)
	}
	return nil
}

// RemoveMethodData deletes the key/value bag stored for id under
// methodName.
func (d *DB) RemoveMethodData(id uint32, methodName string) error {
	methodID, err := d.meta.MethodID(methodName, false)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return d.cache.RemoveMethodData(id, methodID)
}

// GetMethods returns the method->mechanism grant set for id, visible
// only to a peer that is the identity's owner or appears in its peer
// ACL; any other peer sees an empty set.
func (d *DB) GetMethods(id uint32, peerCtx SecurityContext) (map[string][]string, error) {
	if !d.peerMayRead(id, peerCtx) {
		return map[string][]string{}, nil
	}
	return d.meta.MethodMechanisms(id)
}

func (d *DB) peerMayRead(id uint32, peerCtx SecurityContext) bool {
	owner, err := d.meta.Owner(id)
	if err == nil && owner.Matches(peerCtx) {
		return true
	}
	acl, err := d.meta.PeerACL(id)
	if err != nil {
		return false
	}
	for _, entry := range acl {
		if entry.Matches(peerCtx) {
			return true
		}
	}
	return false
}

// InsertReference pins a named reference to id, scoped to owner. A
// second identical call is a no-op.
func (d *DB) InsertReference(id uint32, owner SecurityContext, ref string) error {
	return d.meta.InsertReference(id, owner, ref)
}

// RemoveReference unpins a named reference from id, scoped to owner.
func (d *DB) RemoveReference(id uint32, owner SecurityContext, ref string) error {
	return d.meta.RemoveReference(id, owner, ref)
}

// GetReferences lists id's references scoped to owner.
func (d *DB) GetReferences(id uint32, owner SecurityContext) ([]string, error) {
	return d.meta.References(id, owner)
}

// GetACL returns id's peer ACL.
func (d *DB) GetACL(id uint32) ([]SecurityContext, error) {
	return d.meta.PeerACL(id)
}

// GetOwner returns id's owner.
func (d *DB) GetOwner(id uint32) (SecurityContext, error) {
	return d.meta.Owner(id)
}

// ClearAll wipes every identity from both stores, gated by peerCtx
// matching keychain under wildcard-aware equality. This is the
// original daemon's keychain-application bulk clear; it is not part of
// the per-identity operation surface above.
func (d *DB) ClearAll(peerCtx, keychain SecurityContext) error {
	if !keychain.Matches(peerCtx) {
		return errs.ErrPermissionDenied
	}
	return d.Clear()
}

// ensureOwnerInACL returns acl with owner appended if it isn't already
// present, per the invariant that stored ACL always includes the owner.
func ensureOwnerInACL(acl []SecurityContext, owner SecurityContext) []SecurityContext {
	for _, entry := range acl {
		if entry == owner {
			return acl
		}
	}
	out := make([]SecurityContext, len(acl), len(acl)+1)
	copy(out, acl)
	return append(out, owner)
}

// dedupSorted returns realms with duplicates removed, sorted.
func dedupSorted(realms []string) []string {
	seen := make(map[string]bool, len(realms))
	out := make([]string, 0, len(realms))
	for _, r := range realms {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}
