// Package credential implements the broker's identity store: users, their
// KMS-wrapped signing secrets, and the API keys that bind a short access
// key to a long bearer secret, persisted in the storage package's
// relational schema. Multi-row writes and permission-checked writes run
// inside one transaction; lookups, IssueAPIKey and SetRole issue their
// statements directly against the database, outside any transaction.
package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/creeklabs/creek/errs"
	"github.com/creeklabs/creek/kms"
	"github.com/creeklabs/creek/model"
	"github.com/creeklabs/creek/storage"
)

// IssuedKey is returned once, at issuance, from IssueAPIKey. LongToken is
// never persisted; callers must surface it to the caller now or not at all.
type IssuedKey struct {
	KeyID     string
	LongToken string
}

// Store is the credential plane's persistence boundary: users, namespace
// grants, and API keys, backed by a KMS engine for signing-secret envelope
// encryption.
type Store struct {
	db  *sql.DB
	kms kms.Engine
}

func New(db *sql.DB, engine kms.Engine) *Store {
	return &Store{db: db, kms: engine}
}

// CreateUser hashes password, creates a KMS key for the user, inserts the
// user row, and grants UserPermission (CanDeleteNS=false) for each named
// namespace. All in one transaction.
func (s *Store) CreateUser(ctx context.Context, email, password string, role model.Role, namespaceIDs []int64) (model.User, error) {
	hashed, err := hashSecret(password)
	if err != nil {
		return model.User{}, errs.Wrap(errs.KindInternalServerError, "hash password", err)
	}

	keyID, err := s.kms.CreateKey(ctx)
	if err != nil {
		return model.User{}, errs.Wrap(errs.KindInternalServerError, "create kms key", err)
	}

	tx, err := storage.BeginImmediate(ctx, s.db)
	if err != nil {
		return model.User{}, errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (email, hashed_password, role, kms_key_id) VALUES (?, ?, ?, ?)`,
		email, hashed, string(role), keyID,
	)
	if err != nil {
		tx.Rollback(ctx)
		return model.User{}, errs.Wrap(errs.KindInvalidParameter, "insert user", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		tx.Rollback(ctx)
		return model.User{}, errs.Wrap(errs.KindInternalServerError, "last insert id", err)
	}

	for _, nsID := range namespaceIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_permissions (user, namespace, can_delete_ns) VALUES (?, ?, 0)`,
			userID, nsID,
		); err != nil {
			tx.Rollback(ctx)
			return model.User{}, errs.Wrap(errs.KindInvalidParameter, "grant namespace", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.User{}, errs.Wrap(errs.KindInternalServerError, "commit", err)
	}

	return model.User{ID: userID, Email: email, HashedPassword: hashed, Role: role, KMSKeyID: keyID}, nil
}

// IssueAPIKey mints a short/long token pair, hashes the long token for
// native bearer verification, and encrypts it under the user's KMS key for
// use as SigV4 signing material. The plaintext long token is returned only
// here; it cannot be recovered later.
func (s *Store) IssueAPIKey(ctx context.Context, userID, namespaceID int64, name string) (IssuedKey, error) {
	var kmsKeyID string
	if err := s.db.QueryRowContext(ctx, `SELECT kms_key_id FROM users WHERE id = ?`, userID).Scan(&kmsKeyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IssuedKey{}, errs.New(errs.KindIdentityNotFound, "user")
		}
		return IssuedKey{}, errs.Wrap(errs.KindInternalServerError, "lookup user", err)
	}

	short, err := generateShortToken()
	if err != nil {
		return IssuedKey{}, errs.Wrap(errs.KindInternalServerError, "generate short token", err)
	}
	long, err := generateLongToken()
	if err != nil {
		return IssuedKey{}, errs.Wrap(errs.KindInternalServerError, "generate long token", err)
	}

	hashedLong, err := hashSecret(long)
	if err != nil {
		return IssuedKey{}, errs.Wrap(errs.KindInternalServerError, "hash long token", err)
	}

	encryptedSecret, err := s.kms.Encrypt(ctx, kmsKeyID, []byte(long))
	if err != nil {
		return IssuedKey{}, errs.Wrap(errs.KindInternalServerError, "encrypt signing secret", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_id, hashed_long_token, encrypted_signing_secret, user, namespace, name)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		short, hashedLong, encryptedSecret, userID, namespaceID, name,
	); err != nil {
		return IssuedKey{}, errs.Wrap(errs.KindInvalidParameter, "insert api key", err)
	}

	return IssuedKey{KeyID: short, LongToken: long}, nil
}

// VerifyBearer looks up the API key by short, verifies long against the
// stored hash, and loads the owning User.
func (s *Store) VerifyBearer(ctx context.Context, short, long string) (model.User, error) {
	var userID int64
	var hashedLong string
	err := s.db.QueryRowContext(ctx,
		`SELECT user, hashed_long_token FROM api_keys WHERE key_id = ?`, short,
	).Scan(&userID, &hashedLong)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, errs.New(errs.KindUnauthorized, "unknown access key")
	}
	if err != nil {
		return model.User{}, errs.Wrap(errs.KindInternalServerError, "lookup api key", err)
	}

	ok, err := verifySecret(long, hashedLong)
	if err != nil {
		return model.User{}, errs.Wrap(errs.KindInternalServerError, "verify secret", err)
	}
	if !ok {
		return model.User{}, errs.New(errs.KindUnauthorized, "bad bearer token")
	}

	return s.loadUser(ctx, userID)
}

// SigV4Material is what ResolveSigV4Material returns: the user, the
// namespace the key is bound to, and the decrypted plaintext signing
// secret used to derive the SigV4 signing key.
type SigV4Material struct {
	User          model.User
	NamespaceName string
	SigningSecret []byte
}

// ResolveSigV4Material looks up an API key by its SigV4 access key id
// (short token), decrypts the wrapped signing secret via the owning user's
// KMS key, and returns everything the SigV4 verifier needs.
func (s *Store) ResolveSigV4Material(ctx context.Context, accessKey string) (SigV4Material, error) {
	var userID int64
	var encryptedSecret []byte
	var namespaceName, email string
	var kmsKeyID string
	var role model.Role

	err := s.db.QueryRowContext(ctx, `
		SELECT ak.encrypted_signing_secret, ns.name, u.id, u.email, u.kms_key_id, u.role
		FROM api_keys ak
		JOIN namespaces ns ON ns.id = ak.namespace
		JOIN users u ON u.id = ak.user
		WHERE ak.key_id = ?`, accessKey,
	).Scan(&encryptedSecret, &namespaceName, &userID, &email, &kmsKeyID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return SigV4Material{}, errs.New(errs.KindIdentityNotFound, accessKey)
	}
	if err != nil {
		return SigV4Material{}, errs.Wrap(errs.KindInternalServerError, "lookup api key", err)
	}

	secret, err := s.kms.Decrypt(ctx, kmsKeyID, encryptedSecret)
	if err != nil {
		return SigV4Material{}, errs.Wrap(errs.KindInternalServerError, "decrypt signing secret", err)
	}

	return SigV4Material{
		User:          model.User{ID: userID, Email: email, Role: role, KMSKeyID: kmsKeyID},
		NamespaceName: namespaceName,
		SigningSecret: secret,
	}, nil
}

// RotateUserKey wraps kms.BeginRotation/CompleteRotation and re-encrypts
// every API key's signing secret belonging to user inside one transaction.
// Partial failure leaves the old key intact and the new key unreferenced,
// so re-running after a failure is safe.
func (s *Store) RotateUserKey(ctx context.Context, userID int64) error {
	var oldKeyID string
	if err := s.db.QueryRowContext(ctx, `SELECT kms_key_id FROM users WHERE id = ?`, userID).Scan(&oldKeyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errs.New(errs.KindIdentityNotFound, "user")
		}
		return errs.Wrap(errs.KindInternalServerError, "lookup user", err)
	}

	rotation, err := kms.BeginRotation(ctx, s.kms, oldKeyID)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "begin rotation", err)
	}

	tx, err := storage.BeginImmediate(ctx, s.db)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT key_id, encrypted_signing_secret FROM api_keys WHERE user = ?`, userID)
	if err != nil {
		tx.Rollback(ctx)
		return errs.Wrap(errs.KindInternalServerError, "list api keys", err)
	}
	type rekeyed struct {
		keyID      string
		ciphertext []byte
	}
	var toRekey []rekeyed
	for rows.Next() {
		var r rekeyed
		var ct []byte
		if err := rows.Scan(&r.keyID, &ct); err != nil {
			rows.Close()
			tx.Rollback(ctx)
			return errs.Wrap(errs.KindInternalServerError, "scan api key", err)
		}
		r.ciphertext = ct
		toRekey = append(toRekey, r)
	}
	rows.Close()

	for _, r := range toRekey {
		plaintext, err := s.kms.Decrypt(ctx, rotation.OldKeyID, r.ciphertext)
		if err != nil {
			tx.Rollback(ctx)
			return errs.Wrap(errs.KindInternalServerError, "decrypt under old key", err)
		}
		reencrypted, err := s.kms.Encrypt(ctx, rotation.NewKeyID, plaintext)
		if err != nil {
			tx.Rollback(ctx)
			return errs.Wrap(errs.KindInternalServerError, "encrypt under new key", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE api_keys SET encrypted_signing_secret = ? WHERE key_id = ?`,
			reencrypted, r.keyID,
		); err != nil {
			tx.Rollback(ctx)
			return errs.Wrap(errs.KindInternalServerError, "update api key", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET kms_key_id = ? WHERE id = ?`, rotation.NewKeyID, userID); err != nil {
		tx.Rollback(ctx)
		return errs.Wrap(errs.KindInternalServerError, "update user key id", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.KindInternalServerError, "commit", err)
	}

	if err := kms.CompleteRotation(ctx, s.kms, rotation); err != nil {
		return errs.Wrap(errs.KindInternalServerError, "complete rotation", err)
	}
	return nil
}

// CreateNamespace inserts a namespace owned by createdBy and grants that
// user CanDeleteNS permission on it.
func (s *Store) CreateNamespace(ctx context.Context, name string, createdBy int64) (model.Namespace, error) {
	tx, err := storage.BeginImmediate(ctx, s.db)
	if err != nil {
		return model.Namespace{}, errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO namespaces (name, created_by) VALUES (?, ?)`, name, createdBy)
	if err != nil {
		tx.Rollback(ctx)
		return model.Namespace{}, errs.Wrap(errs.KindInvalidParameter, "insert namespace", err)
	}
	nsID, err := res.LastInsertId()
	if err != nil {
		tx.Rollback(ctx)
		return model.Namespace{}, errs.Wrap(errs.KindInternalServerError, "last insert id", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_permissions (user, namespace, can_delete_ns) VALUES (?, ?, 1)`,
		createdBy, nsID,
	); err != nil {
		tx.Rollback(ctx)
		return model.Namespace{}, errs.Wrap(errs.KindInternalServerError, "grant owner permission", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Namespace{}, errs.Wrap(errs.KindInternalServerError, "commit", err)
	}
	return model.Namespace{ID: nsID, Name: name, CreatedBy: createdBy}, nil
}

// DeleteNamespace removes a namespace iff requestedBy has CanDeleteNS on
// it, cascading to its queues, api keys, and permission grants.
func (s *Store) DeleteNamespace(ctx context.Context, name string, requestedBy int64) error {
	tx, err := storage.BeginImmediate(ctx, s.db)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	var nsID int64
	var canDelete bool
	err = tx.QueryRowContext(ctx, `
		SELECT ns.id, COALESCE(p.can_delete_ns, 0)
		FROM namespaces ns
		LEFT JOIN user_permissions p ON p.namespace = ns.id AND p.user = ?
		WHERE ns.name = ?`, requestedBy, name,
	).Scan(&nsID, &canDelete)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.KindNotFound, "namespace").WithResource(name)
	}
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "lookup namespace", err)
	}
	if !canDelete {
		return errs.New(errs.KindUnauthorized, "missing can_delete_ns permission")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM namespaces WHERE id = ?`, nsID); err != nil {
		return errs.Wrap(errs.KindInternalServerError, "delete namespace", err)
	}
	return wrapCommit(tx.Commit(ctx))
}

// ListNamespacesForUser returns every namespace userID has a permission
// grant on.
func (s *Store) ListNamespacesForUser(ctx context.Context, userID int64) ([]model.Namespace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ns.id, ns.name, ns.created_by
		FROM namespaces ns
		JOIN user_permissions p ON p.namespace = ns.id
		WHERE p.user = ?
		ORDER BY ns.name`, userID,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "list namespaces", err)
	}
	defer rows.Close()

	var out []model.Namespace
	for rows.Next() {
		var ns model.Namespace
		if err := rows.Scan(&ns.ID, &ns.Name, &ns.CreatedBy); err != nil {
			return nil, errs.Wrap(errs.KindInternalServerError, "scan namespace", err)
		}
		out = append(out, ns)
	}
	return out, nil
}

// HasPermission reports whether userID has any grant on the namespace
// named namespace, used by the management plane to authorize
// namespace-scoped routes.
func (s *Store) HasPermission(ctx context.Context, userID int64, namespace string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM user_permissions p
		JOIN namespaces ns ON ns.id = p.namespace
		WHERE p.user = ? AND ns.name = ?`, userID, namespace,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.KindInternalServerError, "check permission", err)
	}
	return true, nil
}

// ListUsers returns every user's email and role, for the admin users list.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, role, kms_key_id FROM users ORDER BY email`)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "list users", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		var role string
		if err := rows.Scan(&u.ID, &u.Email, &role, &u.KMSKeyID); err != nil {
			return nil, errs.Wrap(errs.KindInternalServerError, "scan user", err)
		}
		u.Role = model.Role(role)
		out = append(out, u)
	}
	return out, nil
}

// SetRole updates a user's broker-wide role by email.
func (s *Store) SetRole(ctx context.Context, email string, role model.Role) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE email = ?`, string(role), email)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "update role", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindIdentityNotFound, "user").WithResource(email)
	}
	return nil
}

// ListPermissions returns the namespace names userEmail has a grant on.
func (s *Store) ListPermissions(ctx context.Context, userEmail string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ns.name FROM user_permissions p
		JOIN namespaces ns ON ns.id = p.namespace
		JOIN users u ON u.id = p.user
		WHERE u.email = ?
		ORDER BY ns.name`, userEmail,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "list permissions", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.Wrap(errs.KindInternalServerError, "scan permission", err)
		}
		out = append(out, name)
	}
	return out, nil
}

// GrantPermissions adds (user, namespace) permission rows for userEmail
// over each named namespace, idempotently.
func (s *Store) GrantPermissions(ctx context.Context, userEmail string, namespaces []string) error {
	tx, err := storage.BeginImmediate(ctx, s.db)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	for _, ns := range namespaces {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_permissions (user, namespace, can_delete_ns)
			VALUES ((SELECT id FROM users WHERE email = ?), (SELECT id FROM namespaces WHERE name = ?), 0)
			ON CONFLICT (user, namespace) DO NOTHING`,
			userEmail, ns,
		); err != nil {
			tx.Rollback(ctx)
			return errs.Wrap(errs.KindInvalidParameter, "grant permission", err)
		}
	}
	return wrapCommit(tx.Commit(ctx))
}

// RevokePermissions removes (user, namespace) permission rows for
// userEmail over each named namespace.
func (s *Store) RevokePermissions(ctx context.Context, userEmail string, namespaces []string) error {
	tx, err := storage.BeginImmediate(ctx, s.db)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	for _, ns := range namespaces {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM user_permissions
			WHERE user = (SELECT id FROM users WHERE email = ?)
			AND namespace = (SELECT id FROM namespaces WHERE name = ?)`,
			userEmail, ns,
		); err != nil {
			tx.Rollback(ctx)
			return errs.Wrap(errs.KindInternalServerError, "revoke permission", err)
		}
	}
	return wrapCommit(tx.Commit(ctx))
}

func wrapCommit(err error) error {
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "commit", err)
	}
	return nil
}

// VerifyPassword looks up a user by email and verifies password against
// the stored Argon2id hash, for the management plane's login handler.
func (s *Store) VerifyPassword(ctx context.Context, email, password string) (model.User, error) {
	var u model.User
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, hashed_password, role, kms_key_id FROM users WHERE email = ?`, email,
	).Scan(&u.ID, &u.Email, &u.HashedPassword, &role, &u.KMSKeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, errs.New(errs.KindUnauthorized, "unknown user")
	}
	if err != nil {
		return model.User{}, errs.Wrap(errs.KindInternalServerError, "lookup user", err)
	}
	u.Role = model.Role(role)

	ok, err := verifySecret(password, u.HashedPassword)
	if err != nil {
		return model.User{}, errs.Wrap(errs.KindInternalServerError, "verify password", err)
	}
	if !ok {
		return model.User{}, errs.New(errs.KindUnauthorized, "bad password")
	}
	return u, nil
}

func (s *Store) loadUser(ctx context.Context, id int64) (model.User, error) {
	var u model.User
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, hashed_password, role, kms_key_id FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.HashedPassword, &role, &u.KMSKeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, errs.New(errs.KindIdentityNotFound, fmt.Sprintf("user %d", id))
	}
	if err != nil {
		return model.User{}, errs.Wrap(errs.KindInternalServerError, "load user", err)
	}
	u.Role = model.Role(role)
	return u, nil
}
