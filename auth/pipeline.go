// Package auth orchestrates request authentication: parsing the
// Authorization header, resolving credentials, verifying the signature or
// bearer secret, and returning the caller's identity and authorized
// namespace. It never touches HTTP routing; the httpapi package calls it
// from middleware.
package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/creeklabs/creek/auth/header"
	"github.com/creeklabs/creek/auth/sigv4"
	"github.com/creeklabs/creek/credential"
	"github.com/creeklabs/creek/errs"
	"github.com/creeklabs/creek/model"
)

// AuthorizedNamespace names the namespace a successfully authenticated
// request is scoped to. Engine operations must reject any target
// namespace that doesn't match.
type AuthorizedNamespace string

// Result is what a successful Authenticate call returns.
type Result struct {
	User      model.User
	Namespace AuthorizedNamespace
}

// Pipeline ties the credential store to header parsing and SigV4
// verification.
type Pipeline struct {
	Credentials *credential.Store
}

func New(store *credential.Store) *Pipeline {
	return &Pipeline{Credentials: store}
}

// Authenticate runs the full pipeline against req. It reads and replaces
// req.Body with an equivalent, replayable copy, so it must run before any
// handler or middleware that also wants to read the body — and before any
// path-normalization middleware, since the canonical request hash is
// computed over the raw, unnormalized path.
func (p *Pipeline) Authenticate(ctx context.Context, req *http.Request) (Result, error) {
	authz := req.Header.Get("Authorization")
	if authz == "" {
		return Result{}, errs.New(errs.KindMissingHeader, "Authorization")
	}

	h, err := header.Parse(authz)
	if err != nil {
		return Result{}, errs.Wrap(errs.KindInvalidHeader, "Authorization", err)
	}

	body, err := drainAndReplace(req)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Result{}, errs.PayloadTooLarge()
		}
		return Result{}, errs.Wrap(errs.KindInternalServerError, "read body", err)
	}

	switch h.Kind {
	case header.KindNative:
		return p.authenticateNative(ctx, h.Native)
	case header.KindSigV4:
		return p.authenticateSigV4(ctx, req, h.SigV4, body)
	default:
		return Result{}, errs.New(errs.KindUnauthorized, "unrecognized auth scheme")
	}
}

func (p *Pipeline) authenticateNative(ctx context.Context, creds header.NativeCreds) (Result, error) {
	user, err := p.Credentials.VerifyBearer(ctx, creds.Short, creds.Long)
	if err != nil {
		return Result{}, collapseUnauthorized(err)
	}

	mat, err := p.Credentials.ResolveSigV4Material(ctx, creds.Short)
	if err != nil {
		return Result{}, collapseUnauthorized(err)
	}

	return Result{User: user, Namespace: AuthorizedNamespace(mat.NamespaceName)}, nil
}

func (p *Pipeline) authenticateSigV4(ctx context.Context, req *http.Request, creds header.SigV4Creds, body []byte) (Result, error) {
	mat, err := p.Credentials.ResolveSigV4Material(ctx, creds.AccessKey)
	if err != nil {
		return Result{}, collapseUnauthorized(err)
	}

	if !withinClockSkew(creds.Date, req.Header.Get("X-Amz-Date")) {
		return Result{}, errs.New(errs.KindUnauthorized, "stale request date")
	}

	bodyHash := sha256.Sum256(body)
	canonical := sigv4.CanonicalRequest(
		req.Method,
		req.URL.Path,
		req.URL.RawQuery,
		req.Header,
		creds.SignedHeaders,
		hex.EncodeToString(bodyHash[:]),
	)

	scope := sigv4.CredentialScope(creds.Date, creds.Region, creds.Service)
	stringToSign := sigv4.StringToSign(creds.Algorithm, req.Header.Get("X-Amz-Date"), scope, canonical)

	signingKey := sigv4.DeriveSigningKey(string(mat.SigningSecret), creds.Date, creds.Region, creds.Service)

	if !sigv4.Verify(signingKey, stringToSign, creds.Signature) {
		return Result{}, errs.New(errs.KindUnauthorized, "signature mismatch")
	}

	return Result{User: mat.User, Namespace: AuthorizedNamespace(mat.NamespaceName)}, nil
}

// collapseUnauthorized maps any credential-resolution failure to a single
// Unauthorized kind, so the client can't distinguish "key doesn't exist"
// from "signature invalid" from "internal error".
func collapseUnauthorized(err error) error {
	return errs.Wrap(errs.KindUnauthorized, "authentication failed", err)
}

// drainAndReplace reads the full request body and rewinds req.Body to an
// equivalent stream, so downstream handlers see the same bytes.
func drainAndReplace(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

const maxClockSkew = 15 * time.Minute

// withinClockSkew checks the SigV4 Credential date (YYYYMMDD) against the
// X-Amz-Date header (YYYYMMDDTHHMMSSZ), rejecting requests whose signed
// date has drifted too far from wall-clock time.
func withinClockSkew(credentialDate, amzDate string) bool {
	t, err := time.Parse("20060102T150405Z", amzDate)
	if err != nil {
		return false
	}
	if t.Format("20060102") != credentialDate {
		return false
	}
	skew := time.Since(t)
	if skew < 0 {
		skew = -skew
	}
	return skew <= maxClockSkew
}
