// Package session implements the broker's interactive session store:
// sessions are DB-backed, keyed by an opaque session id, and the cookie
// handed to the browser carries only a securecookie-signed reference to
// that id so the cookie itself holds no authorization data.
package session

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"

	"github.com/creeklabs/creek/errs"
)

const CookieName = "creek_session"

// ErrExpired is wrapped by the error Resolve returns when the session's
// TTL has elapsed. Expired sessions are lazily deleted by the Resolve call
// that discovers them.
var ErrExpired = errors.New("session: expired")

// Store persists session state and signs/verifies the cookie value that
// references it.
type Store struct {
	db  *sql.DB
	sc  *securecookie.SecureCookie
	ttl time.Duration
}

// New builds a Store. hashKey signs (and, combined with a nil block key,
// authenticates but does not encrypt) the cookie value; it must be stable
// across restarts or existing sessions become unreadable.
func New(db *sql.DB, hashKey []byte, ttl time.Duration) *Store {
	return &Store{
		db:  db,
		sc:  securecookie.New(hashKey, nil),
		ttl: ttl,
	}
}

// Create starts a new session for userID and returns the signed cookie
// value to set on the response.
func (s *Store) Create(ctx context.Context, userID int64) (string, error) {
	id := uuid.NewString()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, session_key, ttl_seconds) VALUES (?, ?, ?)`,
		id, id, int64(s.ttl.Seconds()),
	); err != nil {
		return "", errs.Wrap(errs.KindInternalServerError, "create session", err)
	}

	if err := s.setRaw(ctx, id, "user_id", strconv.FormatInt(userID, 10)); err != nil {
		return "", err
	}

	encoded, err := s.sc.Encode(CookieName, id)
	if err != nil {
		return "", errs.Wrap(errs.KindInternalServerError, "encode cookie", err)
	}
	return encoded, nil
}

// Resolve decodes a cookie value into a session id and loads the
// associated user id, failing if the session is unknown, tampered, or
// past its TTL.
func (s *Store) Resolve(ctx context.Context, cookieValue string) (userID int64, sessionID string, err error) {
	var id string
	if err := s.sc.Decode(CookieName, cookieValue, &id); err != nil {
		return 0, "", errs.New(errs.KindUnauthorized, "invalid session cookie")
	}

	var createdAt int64
	var ttlSeconds int64
	err = s.db.QueryRowContext(ctx,
		`SELECT created_at, ttl_seconds FROM sessions WHERE id = ?`, id,
	).Scan(&createdAt, &ttlSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", errs.New(errs.KindUnauthorized, "unknown session")
	}
	if err != nil {
		return 0, "", errs.Wrap(errs.KindInternalServerError, "load session", err)
	}

	if time.Now().Unix() > createdAt+ttlSeconds {
		s.Destroy(ctx, id)
		return 0, "", errs.Wrap(errs.KindUnauthorized, "expired session", ErrExpired)
	}

	raw, err := s.Get(ctx, id, "user_id")
	if err != nil {
		return 0, "", err
	}
	userID, convErr := strconv.ParseInt(raw, 10, 64)
	if convErr != nil {
		return 0, "", errs.Wrap(errs.KindInternalServerError, "parse user id", convErr)
	}
	return userID, id, nil
}

// Set stores a key/value entry against sessionID.
func (s *Store) Set(ctx context.Context, sessionID, key, value string) error {
	return s.setRaw(ctx, sessionID, key, value)
}

func (s *Store) setRaw(ctx context.Context, sessionID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_entries (session, k, v) VALUES (?, ?, ?)
		 ON CONFLICT (session, k) DO UPDATE SET v = excluded.v`,
		sessionID, key, value,
	)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "set session entry", err)
	}
	return nil
}

// Get loads a single key/value entry for sessionID.
func (s *Store) Get(ctx context.Context, sessionID, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT v FROM session_entries WHERE session = ? AND k = ?`, sessionID, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.New(errs.KindNotFound, "session entry")
	}
	if err != nil {
		return "", errs.Wrap(errs.KindInternalServerError, "get session entry", err)
	}
	return v, nil
}

// Destroy deletes a session and all its entries.
func (s *Store) Destroy(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return errs.Wrap(errs.KindInternalServerError, "destroy session", err)
	}
	return nil
}

